// Package inference implements the chunked batch inference orchestrator:
// it splits a preprocessed batch along the batch axis into
// model-batch-sized chunks, runs each chunk through an ONNX session,
// pools/normalises the output, and returns the rows as Results addressed by
// their position in the input batch.
package inference

import (
	"context"
	"fmt"
	"math"

	ort "github.com/yalue/onnxruntime_go"
	"golang.org/x/sync/errgroup"

	"github.com/ahnlich/ahnlich-go/internal/memquota"
	"github.com/ahnlich/ahnlich-go/pkg/ahnerr"
	"github.com/ahnlich/ahnlich-go/pkg/onnxcache"
	"github.com/ahnlich/ahnlich-go/pkg/preprocess"
)

// PoolMode selects the row-pooling strategy applied to a model's raw
// output before optional L2 normalisation.
type PoolMode int

const (
	// PoolNone takes the output row as-is (image models typically need no
	// pooling beyond the model's own pooling layer).
	PoolNone PoolMode = iota
	// PoolMean applies mean pooling over the sequence axis under the
	// attention mask (text models).
	PoolMean
)

// ModelSpec describes the tensor wiring and postprocessing a model needs:
// its ONNX input/output names, pooling mode, and whether to L2-normalise
// the pooled embedding.
type ModelSpec struct {
	ModelPath      string
	InputNames     []string
	OutputName     string
	Pool           PoolMode
	Normalize      bool
	BatchSize      int
	EmbeddingWidth int
	Provider       onnxcache.ExecutionProvider
}

// Result is one row of the output embedding matrix, addressed by its
// position in the input batch. The caller assigns each row its store
// key; Orchestrator only preserves row order so that mapping is possible.
type Result struct {
	Index     int
	Embedding []float32
}

// Orchestrator runs ModelSpec-described inference over preprocessed
// batches. Chunking is what keeps peak memory bounded regardless of the
// input batch size.
type Orchestrator struct {
	cache     *onnxcache.Cache
	quota     *memquota.Quota
	poolLimit int
}

// New returns an Orchestrator resolving sessions from cache, gating
// per-chunk allocation against quota (nil disables the check), and
// bounding concurrent chunk workers at poolLimit (the configured
// thread-pool size).
func New(cache *onnxcache.Cache, quota *memquota.Quota, poolLimit int) *Orchestrator {
	if poolLimit < 1 {
		poolLimit = 1
	}
	return &Orchestrator{cache: cache, quota: quota, poolLimit: poolLimit}
}

// Run splits batch along its batch axis into spec.BatchSize-sized chunks,
// invokes the session for each chunk under a bounded worker pool, and
// returns one Result per input row in original order.
func (o *Orchestrator) Run(ctx context.Context, spec ModelSpec, batch preprocess.Batch) ([]Result, error) {
	primary, ok := batch.Tensors[batch.Primary]
	if !ok {
		return nil, ahnerr.Wrap("inference.run", ahnerr.KindValidation, fmt.Errorf("batch missing primary tensor %q", batch.Primary))
	}
	if len(primary.Shape) == 0 {
		return nil, ahnerr.Wrap("inference.run", ahnerr.KindValidation, fmt.Errorf("primary tensor has no shape"))
	}
	n := primary.Shape[0]
	if n == 0 {
		return nil, nil
	}

	batchSize := spec.BatchSize
	if batchSize < 1 {
		batchSize = n
	}

	results := make([]Result, n)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.poolLimit)

	for start := 0; start < n; start += batchSize {
		start := start
		end := start + batchSize
		if end > n {
			end = n
		}

		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}

			release, err := o.reserve(end-start, spec.EmbeddingWidth)
			if err != nil {
				return err
			}
			defer release()

			rows, err := o.runChunk(spec, batch, start, end)
			if err != nil {
				return err
			}
			for i, row := range rows {
				results[start+i] = Result{Index: start + i, Embedding: row}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// reserve gates a chunk's peak allocation against the memory ceiling.
func (o *Orchestrator) reserve(rows, embeddingWidth int) (func(), error) {
	if o.quota == nil {
		return func() {}, nil
	}
	bytes := int64(rows) * int64(embeddingWidth) * 4
	release, err := o.quota.Reserve(bytes)
	if err != nil {
		return nil, ahnerr.Wrap("inference.reserve", ahnerr.KindCapacity, err)
	}
	return release, nil
}

func (o *Orchestrator) runChunk(spec ModelSpec, batch preprocess.Batch, start, end int) ([][]float32, error) {
	session, err := o.cache.TryGetWith(onnxcache.Key{ModelPath: spec.ModelPath, Preferred: spec.Provider})
	if err != nil {
		return nil, err
	}

	inputs, attentionMask, err := buildInputs(spec, batch, start, end)
	if err != nil {
		return nil, err
	}
	defer destroyValues(inputs)

	// Text models emit [rows, seqLen, hidden] and are pooled down to
	// [rows, hidden] afterwards; everything else emits [rows, hidden]
	// directly.
	rowCount := end - start
	rowWidth := spec.EmbeddingWidth
	outShape := []int64{int64(rowCount), int64(spec.EmbeddingWidth)}
	if spec.Pool == PoolMean && len(attentionMask) > 0 {
		seqLen := len(attentionMask) / rowCount
		rowWidth = seqLen * spec.EmbeddingWidth
		outShape = []int64{int64(rowCount), int64(seqLen), int64(spec.EmbeddingWidth)}
	}
	output, err := ort.NewEmptyTensor[float32](outShape)
	if err != nil {
		return nil, ahnerr.WrapModel("inference.run_chunk", spec.ModelPath, err)
	}
	defer output.Destroy()

	if err := session.Run(inputs, []ort.Value{output}); err != nil {
		return nil, ahnerr.WrapModel("inference.run_chunk", spec.ModelPath, err)
	}

	rows := splitRows(output.GetData(), rowCount, rowWidth)
	switch spec.Pool {
	case PoolMean:
		rows = meanPool(rows, attentionMask, rowCount)
	}
	if spec.Normalize {
		normalizeL2(rows)
	}
	return rows, nil
}

// buildInputs constructs session-input ort.Value tensors for the chunk
// [start, end) of batch using spec's declared tensor names.
// It also returns the attention_mask slab for the chunk, if present, for
// mean pooling.
func buildInputs(spec ModelSpec, batch preprocess.Batch, start, end int) ([]ort.Value, []float32, error) {
	inputs := make([]ort.Value, 0, len(spec.InputNames))
	var attentionMask []float32

	for _, name := range spec.InputNames {
		tensor, ok := batch.Tensors[name]
		if !ok {
			return nil, nil, ahnerr.WrapModel("inference.build_inputs", spec.ModelPath, fmt.Errorf("batch missing declared input %q", name))
		}
		rowWidth := tensor.Len() / tensor.Shape[0]
		slab := tensor.Data[start*rowWidth : end*rowWidth]
		shape := append([]int64{int64(end - start)}, int64sFrom(tensor.Shape[1:])...)

		value, err := ort.NewTensor(shape, slab)
		if err != nil {
			return nil, nil, ahnerr.WrapModel("inference.build_inputs", spec.ModelPath, err)
		}
		inputs = append(inputs, value)

		if name == "attention_mask" {
			attentionMask = slab
		}
	}
	return inputs, attentionMask, nil
}

func destroyValues(values []ort.Value) {
	for _, v := range values {
		v.Destroy()
	}
}

func int64sFrom(dims []int) []int64 {
	out := make([]int64, len(dims))
	for i, d := range dims {
		out[i] = int64(d)
	}
	return out
}

func splitRows(data []float32, rows, width int) [][]float32 {
	out := make([][]float32, rows)
	for i := range out {
		row := make([]float32, width)
		copy(row, data[i*width:(i+1)*width])
		out[i] = row
	}
	return out
}

// meanPool applies mean pooling over the sequence axis under the
// attention mask. Each row is expected flattened as
// seqLen*hiddenWidth, with seqLen recovered from len(attentionMask)/rowCount.
func meanPool(rows [][]float32, attentionMask []float32, rowCount int) [][]float32 {
	if attentionMask == nil || rowCount == 0 {
		return rows
	}
	seqLen := len(attentionMask) / rowCount
	if seqLen <= 1 {
		return rows
	}
	pooled := make([][]float32, rowCount)
	for r := 0; r < rowCount; r++ {
		width := len(rows[r]) / seqLen
		if width == 0 {
			pooled[r] = rows[r]
			continue
		}
		sum := make([]float32, width)
		var count float32
		for t := 0; t < seqLen; t++ {
			mask := attentionMask[r*seqLen+t]
			if mask == 0 {
				continue
			}
			count += mask
			base := t * width
			for d := 0; d < width; d++ {
				sum[d] += rows[r][base+d] * mask
			}
		}
		if count == 0 {
			count = 1
		}
		for d := range sum {
			sum[d] /= count
		}
		pooled[r] = sum
	}
	return pooled
}

func normalizeL2(rows [][]float32) {
	for _, row := range rows {
		var sumSq float64
		for _, v := range row {
			sumSq += float64(v) * float64(v)
		}
		if sumSq == 0 {
			continue
		}
		norm := float32(1 / math.Sqrt(sumSq))
		for i := range row {
			row[i] *= norm
		}
	}
}
