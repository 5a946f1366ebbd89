package kernel

import (
	"math"
	"math/rand"
	"testing"
)

func scalarCosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func scalarEuclidean(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

func scalarDot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func randVec(n int, r *rand.Rand) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = r.Float32()*2 - 1
	}
	return v
}

// TestKernelsMatchScalarReference checks that the dispatched
// kernel result is within 1e-9 absolute, 1e-5 relative, of a scalar
// reference over random vectors.
func TestKernelsMatchScalarReference(t *testing.T) {
	ar := Get()
	r := rand.New(rand.NewSource(42))

	for _, n := range []int{1, 3, 7, 8, 17, 64, 1000, 1024} {
		a := randVec(n, r)
		b := randVec(n, r)

		if got, err := ar.Cosine(a, b); err != nil || !closeEnough(got, scalarCosine(a, b)) {
			t.Fatalf("cosine mismatch at n=%d: got %v want %v err %v", n, got, scalarCosine(a, b), err)
		}
		if got, err := ar.Euclidean(a, b); err != nil || !closeEnough(got, scalarEuclidean(a, b)) {
			t.Fatalf("euclidean mismatch at n=%d: got %v want %v err %v", n, got, scalarEuclidean(a, b), err)
		}
		if got, err := ar.DotProduct(a, b); err != nil || !closeEnough(got, scalarDot(a, b)) {
			t.Fatalf("dot mismatch at n=%d: got %v want %v err %v", n, got, scalarDot(a, b), err)
		}
	}
}

func closeEnough(got, want float64) bool {
	diff := math.Abs(got - want)
	if diff < 1e-9 {
		return true
	}
	return diff/math.Max(math.Abs(want), 1e-12) < 1e-5
}

func TestLengthMismatchRejected(t *testing.T) {
	ar := Get()
	if _, err := ar.Cosine([]float32{1, 2}, []float32{1}); err == nil {
		t.Fatal("expected length mismatch error")
	}
	if _, err := ar.Euclidean([]float32{1, 2}, []float32{1}); err == nil {
		t.Fatal("expected length mismatch error")
	}
	if _, err := ar.DotProduct([]float32{1, 2}, []float32{1}); err == nil {
		t.Fatal("expected length mismatch error")
	}
}

func TestSquaredEuclideanOmitsSqrt(t *testing.T) {
	ar := Get()
	a := []float32{0, 0}
	b := []float32{3, 4}

	sq, err := ar.SquaredEuclidean(a, b)
	if err != nil {
		t.Fatal(err)
	}
	if sq != 25 {
		t.Fatalf("squared euclidean = %v, want 25", sq)
	}

	d, _ := ar.Euclidean(a, b)
	if d != 5 {
		t.Fatalf("euclidean = %v, want 5", d)
	}
}

func TestMetricPolarity(t *testing.T) {
	if MetricEuclidean.HigherIsMoreSimilar() {
		t.Fatal("euclidean should rank smaller as more similar")
	}
	if !MetricCosine.HigherIsMoreSimilar() || !MetricDotProduct.HigherIsMoreSimilar() {
		t.Fatal("cosine/dot-product should rank larger as more similar")
	}
}
