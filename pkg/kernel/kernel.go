// Package kernel implements the similarity/distance kernels every search
// path routes through: Euclidean, cosine, and dot product, each
// dispatched through one process-wide architecture object.
package kernel

import (
	"fmt"
	"math"
	"sync"

	"github.com/klauspost/cpuid/v2"
)

// Arch is the SIMD-width-aware kernel dispatcher. There is a single
// instance, built once at first use, shared process-wide.
type Arch struct {
	width int // size of the SIMD-aligned processing group
}

var (
	archOnce sync.Once
	arch     *Arch
)

// Get returns the process-wide architecture object, building it from the
// detected CPU features on first call.
func Get() *Arch {
	archOnce.Do(func() {
		arch = &Arch{width: detectWidth()}
	})
	return arch
}

func detectWidth() int {
	switch {
	case cpuid.CPU.Supports(cpuid.AVX512F):
		return 16
	case cpuid.CPU.Supports(cpuid.AVX2):
		return 8
	case cpuid.CPU.Supports(cpuid.ASIMD):
		return 4
	default:
		return 4
	}
}

// ErrLengthMismatch is returned by every kernel when the two vectors differ
// in length; vectors of unequal length never enter the reduction.
type ErrLengthMismatch struct{ A, B int }

func (e ErrLengthMismatch) Error() string {
	return fmt.Sprintf("kernel: vector length mismatch: %d != %d", e.A, e.B)
}

// Euclidean returns the Euclidean distance between a and b. Smaller is more
// similar.
func (ar *Arch) Euclidean(a, b []float32) (float64, error) {
	sq, err := ar.SquaredEuclidean(a, b)
	if err != nil {
		return 0, err
	}
	return math.Sqrt(sq), nil
}

// SquaredEuclidean is the Euclidean kernel without the final sqrt, used by
// tree indexes where only relative ordering matters.
func (ar *Arch) SquaredEuclidean(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, ErrLengthMismatch{len(a), len(b)}
	}
	n := len(a)
	w := ar.width
	aligned := n - n%w

	var sum float64
	for i := 0; i < aligned; i += w {
		var group float64
		for j := 0; j < w; j++ {
			d := float64(a[i+j]) - float64(b[i+j])
			group += d * d
		}
		sum += group
	}
	for i := aligned; i < n; i++ {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum, nil
}

// Cosine returns the cosine similarity between a and b in a single pass:
// dot(a,b), ‖a‖², and ‖b‖² accumulate together in one traversal, then
// the ratio is taken once at the end. Larger is more
// similar.
func (ar *Arch) Cosine(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, ErrLengthMismatch{len(a), len(b)}
	}
	n := len(a)
	w := ar.width
	aligned := n - n%w

	var dot, normA, normB float64
	for i := 0; i < aligned; i += w {
		var gDot, gA, gB float64
		for j := 0; j < w; j++ {
			av, bv := float64(a[i+j]), float64(b[i+j])
			gDot += av * bv
			gA += av * av
			gB += bv * bv
		}
		dot += gDot
		normA += gA
		normB += gB
	}
	for i := aligned; i < n; i++ {
		av, bv := float64(a[i]), float64(b[i])
		dot += av * bv
		normA += av * av
		normB += bv * bv
	}

	if normA == 0 || normB == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), nil
}

// DotProduct returns Σaᵢ·bᵢ. Larger is more similar.
func (ar *Arch) DotProduct(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, ErrLengthMismatch{len(a), len(b)}
	}
	n := len(a)
	w := ar.width
	aligned := n - n%w

	var sum float64
	for i := 0; i < aligned; i += w {
		var group float64
		for j := 0; j < w; j++ {
			group += float64(a[i+j]) * float64(b[i+j])
		}
		sum += group
	}
	for i := aligned; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum, nil
}

// Metric names the similarity metric a search dispatches on.
type Metric int

const (
	MetricEuclidean Metric = iota
	MetricCosine
	MetricDotProduct
)

// HigherIsMoreSimilar reports the metric's polarity: Euclidean
// distance ranks smaller as better, cosine and dot product rank larger as
// better.
func (m Metric) HigherIsMoreSimilar() bool {
	return m != MetricEuclidean
}

// Score computes the metric between a and b using the process-wide
// architecture object.
func Score(m Metric, a, b []float32) (float64, error) {
	ar := Get()
	switch m {
	case MetricEuclidean:
		return ar.Euclidean(a, b)
	case MetricCosine:
		return ar.Cosine(a, b)
	case MetricDotProduct:
		return ar.DotProduct(a, b)
	default:
		return 0, fmt.Errorf("kernel: unknown metric %d", m)
	}
}
