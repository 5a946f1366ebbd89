package inference

import (
	"math"
	"testing"
)

func TestMeanPoolAveragesMaskedTokens(t *testing.T) {
	// 1 row, seqLen=3, hidden width=2; attention mask excludes the last token.
	rows := [][]float32{{1, 1, 2, 2, 100, 100}}
	mask := []float32{1, 1, 0}

	pooled := meanPool(rows, mask, 1)
	if len(pooled) != 1 || len(pooled[0]) != 2 {
		t.Fatalf("pooled = %v, want 1x2", pooled)
	}
	if pooled[0][0] != 1.5 || pooled[0][1] != 1.5 {
		t.Fatalf("pooled[0] = %v, want [1.5 1.5]", pooled[0])
	}
}

func TestMeanPoolNoOpWithoutMask(t *testing.T) {
	rows := [][]float32{{1, 2, 3}}
	pooled := meanPool(rows, nil, 1)
	if len(pooled) != 1 || pooled[0][0] != 1 {
		t.Fatalf("expected unchanged rows, got %v", pooled)
	}
}

func TestNormalizeL2ProducesUnitVectors(t *testing.T) {
	rows := [][]float32{{3, 4}, {0, 0}}
	normalizeL2(rows)

	norm := math.Sqrt(float64(rows[0][0])*float64(rows[0][0]) + float64(rows[0][1])*float64(rows[0][1]))
	if math.Abs(norm-1) > 1e-5 {
		t.Fatalf("norm = %v, want 1", norm)
	}
	if rows[1][0] != 0 || rows[1][1] != 0 {
		t.Fatalf("zero vector must stay zero, got %v", rows[1])
	}
}

func TestSplitRowsCopiesEachRow(t *testing.T) {
	data := []float32{1, 2, 3, 4, 5, 6}
	rows := splitRows(data, 3, 2)
	if len(rows) != 3 {
		t.Fatalf("len(rows) = %d, want 3", len(rows))
	}
	rows[0][0] = 99
	if data[0] == 99 {
		t.Fatal("splitRows must copy, not alias, the underlying data")
	}
}
