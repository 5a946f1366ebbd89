// Package ahnerr implements the store-wide error taxonomy: a
// StoreError wrapper carrying an operation name and a Kind, so callers can
// branch with errors.Is/errors.As instead of string matching.
package ahnerr

import (
	"errors"
	"fmt"
)

// Kind classifies a StoreError for branching logic. Kinds are a fixed,
// closed set; new failure modes must map onto one of these.
type Kind int

const (
	// KindNotFound: store, index, or key absent when required.
	KindNotFound Kind = iota
	// KindAlreadyExists: store or index collision under strict mode.
	KindAlreadyExists
	// KindValidation: dimension mismatch, reserved metadata key, unsupported
	// enum value, preprocess/input-type mismatch.
	KindValidation
	// KindCapacity: allocation would exceed memory ceiling, message exceeds
	// configured size, or too many connected clients.
	KindCapacity
	// KindModel: preprocessing, inference, or postprocessing failure inside
	// the AI tier, carrying the model name.
	KindModel
	// KindProtocol: magic-bytes mismatch, incompatible version, deserialise
	// failure.
	KindProtocol
	// KindTransient: model thread send failure, response-channel drop; the
	// caller may retry.
	KindTransient
	// KindFatal: startup failures (cannot bind port, cannot open persistence
	// file when strict).
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindAlreadyExists:
		return "already_exists"
	case KindValidation:
		return "validation"
	case KindCapacity:
		return "capacity"
	case KindModel:
		return "model"
	case KindProtocol:
		return "protocol"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// StoreError wraps an underlying error with the operation that produced it
// and its Kind.
type StoreError struct {
	Op    string
	Kind  Kind
	Err   error
	Model string // set only for KindModel errors
}

func (e *StoreError) Error() string {
	if e.Model != "" {
		return fmt.Sprintf("ahnlich: %s: %s: model=%s: %v", e.Op, e.Kind, e.Model, e.Err)
	}
	if e.Op == "" {
		return fmt.Sprintf("ahnlich: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("ahnlich: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool {
	var se *StoreError
	if errors.As(target, &se) {
		return e.Kind == se.Kind
	}
	return errors.Is(e.Err, target)
}

// Wrap tags err with op and kind. Returns nil if err is nil.
func Wrap(op string, kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Kind: kind, Err: err}
}

// WrapModel tags err as a KindModel failure carrying the model name.
func WrapModel(op, model string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Kind: KindModel, Err: err, Model: model}
}

// KindOf reports the Kind of err if it (or something it wraps) is a
// *StoreError, and ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return 0, false
}

// Sentinel errors for common, kind-free cases components can wrap directly.
var (
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	ErrReservedKey       = errors.New("reserved metadata key")
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
)
