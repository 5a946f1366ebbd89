package face

import (
	"math"
	"testing"
)

func TestGenerateAnchorsCoversAllStrides(t *testing.T) {
	anchors := generateAnchors(32, 32)
	seen := map[int]bool{}
	for _, a := range anchors {
		seen[a.stride] = true
	}
	for _, s := range strides {
		if !seen[s] {
			t.Fatalf("no anchors generated at stride %d", s)
		}
	}
}

func TestIoUIdenticalBoxesIsOne(t *testing.T) {
	box := Detection{X1: 0, Y1: 0, X2: 10, Y2: 10}
	if got := iou(box, box); math.Abs(float64(got)-1) > 1e-6 {
		t.Fatalf("iou = %v, want 1", got)
	}
}

func TestIoUDisjointBoxesIsZero(t *testing.T) {
	a := Detection{X1: 0, Y1: 0, X2: 10, Y2: 10}
	b := Detection{X1: 100, Y1: 100, X2: 110, Y2: 110}
	if got := iou(a, b); got != 0 {
		t.Fatalf("iou = %v, want 0", got)
	}
}

func TestNMSDropsOverlappingLowerScoreBox(t *testing.T) {
	high := Detection{X1: 0, Y1: 0, X2: 10, Y2: 10, Score: 0.9}
	overlapping := Detection{X1: 1, Y1: 1, X2: 11, Y2: 11, Score: 0.5}
	disjoint := Detection{X1: 100, Y1: 100, X2: 110, Y2: 110, Score: 0.8}

	kept := nms([]Detection{overlapping, high, disjoint})
	if len(kept) != 2 {
		t.Fatalf("len(kept) = %d, want 2: %+v", len(kept), kept)
	}
	if kept[0].Score != 0.9 {
		t.Fatalf("kept[0].Score = %v, want 0.9 (highest first)", kept[0].Score)
	}
}

func TestEstimateSimilarityTransformIdentityWhenAligned(t *testing.T) {
	transform := estimateSimilarityTransform(arcFaceReference, arcFaceReference)
	if math.Abs(transform.a-1) > 1e-6 || math.Abs(transform.d-1) > 1e-6 {
		t.Fatalf("transform = %+v, want identity scale/rotation", transform)
	}
	if math.Abs(transform.b) > 1e-6 || math.Abs(transform.c) > 1e-6 {
		t.Fatalf("transform = %+v, want zero rotation", transform)
	}
	if math.Abs(transform.tx) > 1e-6 || math.Abs(transform.ty) > 1e-6 {
		t.Fatalf("transform = %+v, want zero translation", transform)
	}
}

func TestSigmoidBounds(t *testing.T) {
	if s := sigmoid(0); math.Abs(float64(s)-0.5) > 1e-6 {
		t.Fatalf("sigmoid(0) = %v, want 0.5", s)
	}
	if s := sigmoid(100); s < 0.999 {
		t.Fatalf("sigmoid(100) = %v, want near 1", s)
	}
}
