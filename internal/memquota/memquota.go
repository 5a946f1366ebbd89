// Package memquota implements the process-wide allocation ceiling gate
// store operations check before large allocations (candidate buffers,
// result vectors) so an oversized request fails cleanly instead of
// pressuring the process toward OOM.
package memquota

import (
	"fmt"
	"sync/atomic"
)

// Quota tracks a configured byte ceiling and the bytes currently reserved
// against it.
type Quota struct {
	ceiling  int64
	reserved atomic.Int64
}

// New returns a Quota with the given ceiling in bytes. A ceiling of 0
// disables the check (unbounded).
func New(ceilingBytes int64) *Quota {
	return &Quota{ceiling: ceilingBytes}
}

// ErrExceeded is returned when a reservation would cross the ceiling.
type ErrExceeded struct {
	Requested int64
	Reserved  int64
	Ceiling   int64
}

func (e ErrExceeded) Error() string {
	return fmt.Sprintf("memquota: requesting %d bytes would exceed ceiling %d (already reserved %d)", e.Requested, e.Ceiling, e.Reserved)
}

// Reserve attempts to reserve n bytes. If the ceiling is disabled (0) this
// always succeeds. On success, call the returned release func once the
// allocation is no longer held.
func (q *Quota) Reserve(n int64) (release func(), err error) {
	if q.ceiling <= 0 {
		return func() {}, nil
	}

	for {
		current := q.reserved.Load()
		next := current + n
		if next > q.ceiling {
			return nil, ErrExceeded{Requested: n, Reserved: current, Ceiling: q.ceiling}
		}
		if q.reserved.CompareAndSwap(current, next) {
			break
		}
	}
	released := false
	return func() {
		if released {
			return
		}
		released = true
		q.reserved.Add(-n)
	}, nil
}

// Reserved reports bytes currently reserved.
func (q *Quota) Reserved() int64 { return q.reserved.Load() }

// Ceiling reports the configured ceiling (0 means unbounded).
func (q *Quota) Ceiling() int64 { return q.ceiling }
