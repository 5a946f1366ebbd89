// Package face implements the two-stage face pipeline:
// stage 1 runs a detector per image to recover bounding boxes and five
// landmarks (anchor decode + NMS); stage 2 aligns each detected face to
// the 112×112 ArcFace canonical pose, batches all aligned crops across the
// whole input, and recognises in one inference.Orchestrator.Run call.
package face

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"math"

	"github.com/disintegration/imaging"

	"github.com/ahnlich/ahnlich-go/pkg/ahnerr"
	"github.com/ahnlich/ahnlich-go/pkg/inference"
	"github.com/ahnlich/ahnlich-go/pkg/preprocess"
)

// Landmark is one of the five canonical face points (two eyes, nose, two
// mouth corners) in pixel space.
type Landmark struct{ X, Y float32 }

// Detection is one detected face: its bounding box, five landmarks, and
// detector confidence.
type Detection struct {
	X1, Y1, X2, Y2 float32
	Landmarks      [5]Landmark
	Score          float32
}

// Embedding is one recognised face embedding, tagged with the index of the
// source image it came from: one input image maps to a list of face
// embeddings.
type Embedding struct {
	ImageIndex int
	Detection  Detection
	Vector     []float32
}

// DetectorKind selects the anchor-decode/score scheme stage 1 uses.
type DetectorKind int

const (
	DetectorRetinaFace DetectorKind = iota
	DetectorYuNet
)

// strides are the three feature-pyramid strides both detector families
// decode against.
var strides = []int{8, 16, 32}

// retinaFaceBaseSizes gives the two anchor base sizes per stride.
var retinaFaceBaseSizes = map[int][2]float32{
	8:  {16, 32},
	16: {64, 128},
	32: {256, 512},
}

// anchor is one pre-generated anchor box in pixel space, centred at
// (cx, cy) with the given width/height, at a given stride.
type anchor struct {
	cx, cy, w, h float32
	stride       int
}

// generateAnchors pre-generates the RetinaFace anchor grid for an H×W input
// at strides {8, 16, 32}, two base sizes per stride.
func generateAnchors(height, width int) []anchor {
	var anchors []anchor
	for _, stride := range strides {
		sizes := retinaFaceBaseSizes[stride]
		gridH := (height + stride - 1) / stride
		gridW := (width + stride - 1) / stride
		for gy := 0; gy < gridH; gy++ {
			for gx := 0; gx < gridW; gx++ {
				cx := (float32(gx) + 0.5) * float32(stride)
				cy := (float32(gy) + 0.5) * float32(stride)
				for _, size := range sizes {
					anchors = append(anchors, anchor{cx: cx, cy: cy, w: size, h: size, stride: stride})
				}
			}
		}
	}
	return anchors
}

// decodeRetinaFace decodes bbox deltas with variance (0.1, 0.2) and
// landmark deltas with variance 0.1 against the pre-generated anchor grid,
// producing pixel-space detections above scoreThreshold.
func decodeRetinaFace(anchors []anchor, scores, bboxDeltas, landmarkDeltas []float32, scoreThreshold float32) []Detection {
	const varCenter, varSize, varLandmark = 0.1, 0.2, 0.1

	var out []Detection
	for i, a := range anchors {
		score := scores[i]
		if score < scoreThreshold {
			continue
		}

		dx, dy := bboxDeltas[i*4+0], bboxDeltas[i*4+1]
		dw, dh := bboxDeltas[i*4+2], bboxDeltas[i*4+3]

		cx := a.cx + dx*varCenter*a.w
		cy := a.cy + dy*varCenter*a.h
		w := a.w * float32(math.Exp(float64(dw*varSize)))
		h := a.h * float32(math.Exp(float64(dh*varSize)))

		det := Detection{
			X1:    cx - w/2,
			Y1:    cy - h/2,
			X2:    cx + w/2,
			Y2:    cy + h/2,
			Score: score,
		}
		for l := 0; l < 5; l++ {
			ldx := landmarkDeltas[i*10+l*2+0]
			ldy := landmarkDeltas[i*10+l*2+1]
			det.Landmarks[l] = Landmark{
				X: a.cx + ldx*varLandmark*a.w,
				Y: a.cy + ldy*varLandmark*a.h,
			}
		}
		out = append(out, det)
	}
	return out
}

func sigmoid(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}

// decodeYuNet decodes the cls/obj/bbox/landmark output tensors of one
// YuNet stride: score = sigmoid(cls) * sigmoid(obj), boxes and landmarks
// decoded against grid cell centres in stride units.
func decodeYuNet(gridW, gridH, stride int, cls, obj, bbox, landmark []float32, scoreThreshold float32) []Detection {
	var out []Detection
	for gy := 0; gy < gridH; gy++ {
		for gx := 0; gx < gridW; gx++ {
			idx := gy*gridW + gx
			score := sigmoid(cls[idx]) * sigmoid(obj[idx])
			if score < scoreThreshold {
				continue
			}

			cxCell := float32(gx) * float32(stride)
			cyCell := float32(gy) * float32(stride)

			x := cxCell + bbox[idx*4+0]*float32(stride)
			y := cyCell + bbox[idx*4+1]*float32(stride)
			w := bbox[idx*4+2] * float32(stride)
			h := bbox[idx*4+3] * float32(stride)

			det := Detection{X1: x - w/2, Y1: y - h/2, X2: x + w/2, Y2: y + h/2, Score: score}
			for l := 0; l < 5; l++ {
				det.Landmarks[l] = Landmark{
					X: cxCell + landmark[idx*10+l*2+0]*float32(stride),
					Y: cyCell + landmark[idx*10+l*2+1]*float32(stride),
				}
			}
			out = append(out, det)
		}
	}
	return out
}

// iou returns the intersection-over-union of two boxes.
func iou(a, b Detection) float32 {
	ix1, iy1 := max32(a.X1, b.X1), max32(a.Y1, b.Y1)
	ix2, iy2 := min32(a.X2, b.X2), min32(a.Y2, b.Y2)
	iw, ih := max32(0, ix2-ix1), max32(0, iy2-iy1)
	inter := iw * ih
	areaA := (a.X2 - a.X1) * (a.Y2 - a.Y1)
	areaB := (b.X2 - b.X1) * (b.Y2 - b.Y1)
	union := areaA + areaB - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

func max32(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}
func min32(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}

// nmsThreshold is the IoU cutoff non-max suppression keeps detections
// under.
const nmsThreshold = 0.4

// nms sorts detections by confidence descending and greedily keeps
// detections whose IoU with every already-kept box is below nmsThreshold
//.
func nms(detections []Detection) []Detection {
	sorted := make([]Detection, len(detections))
	copy(sorted, detections)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1].Score < sorted[j].Score; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}

	var kept []Detection
	for _, d := range sorted {
		ok := true
		for _, k := range kept {
			if iou(d, k) >= nmsThreshold {
				ok = false
				break
			}
		}
		if ok {
			kept = append(kept, d)
		}
	}
	return kept
}

// arcFaceReference is the five reference landmark positions for the
// 112x112 ArcFace canonical pose.
var arcFaceReference = [5]Landmark{
	{38.2946, 51.6963},
	{73.5318, 51.5014},
	{56.0252, 71.7366},
	{41.5493, 92.3655},
	{70.7299, 92.2041},
}

// alignFace crops and warps one detected face to the 112x112 ArcFace
// canonical pose via a similarity transform computed from its five
// landmarks.
func alignFace(img *image.NRGBA, det Detection) *image.NRGBA {
	transform := estimateSimilarityTransform(det.Landmarks, arcFaceReference)
	return warpAffine(img, transform, 112, 112)
}

// similarityTransform is a 2x3 affine matrix [[a, b, tx], [c, d, ty]].
type similarityTransform struct {
	a, b, tx float64
	c, d, ty float64
}

// estimateSimilarityTransform computes the least-squares similarity
// transform (uniform scale + rotation + translation) mapping src onto dst,
// the classic Umeyama method restricted to similarity (no shear).
func estimateSimilarityTransform(src, dst [5]Landmark) similarityTransform {
	n := float64(len(src))
	var srcMeanX, srcMeanY, dstMeanX, dstMeanY float64
	for i := range src {
		srcMeanX += float64(src[i].X)
		srcMeanY += float64(src[i].Y)
		dstMeanX += float64(dst[i].X)
		dstMeanY += float64(dst[i].Y)
	}
	srcMeanX, srcMeanY = srcMeanX/n, srcMeanY/n
	dstMeanX, dstMeanY = dstMeanX/n, dstMeanY/n

	var sxx, sxy, syx, syy, srcVar float64
	for i := range src {
		sx := float64(src[i].X) - srcMeanX
		sy := float64(src[i].Y) - srcMeanY
		dx := float64(dst[i].X) - dstMeanX
		dy := float64(dst[i].Y) - dstMeanY

		sxx += dx * sx
		sxy += dx * sy
		syx += dy * sx
		syy += dy * sy
		srcVar += sx*sx + sy*sy
	}
	if srcVar == 0 {
		srcVar = 1
	}

	// Closed-form rotation+scale solution (Kabsch/Umeyama for 2D without
	// reflection correction, sufficient for the small rotations a
	// landmark-based crop produces).
	num := syx - sxy
	den := sxx + syy
	theta := math.Atan2(num, den)
	scale := math.Hypot(den, num) / srcVar

	cosT, sinT := math.Cos(theta), math.Sin(theta)
	a := scale * cosT
	b := -scale * sinT
	c := scale * sinT
	d := scale * cosT

	tx := dstMeanX - (a*srcMeanX + b*srcMeanY)
	ty := dstMeanY - (c*srcMeanX + d*srcMeanY)

	return similarityTransform{a: a, b: b, tx: tx, c: c, d: d, ty: ty}
}

// warpAffine applies transform to src and returns a w×h crop, sampling with
// bilinear interpolation at each destination pixel's inverse-mapped source
// coordinate.
func warpAffine(src *image.NRGBA, transform similarityTransform, w, h int) *image.NRGBA {
	// Invert the 2x2 linear part; translation inverts by folding it through
	// the inverse matrix.
	det := transform.a*transform.d - transform.b*transform.c
	if det == 0 {
		det = 1e-6
	}
	ia := transform.d / det
	ib := -transform.b / det
	ic := -transform.c / det
	id := transform.a / det
	itx := -(ia*transform.tx + ib*transform.ty)
	ity := -(ic*transform.tx + id*transform.ty)

	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sx := ia*float64(x) + ib*float64(y) + itx
			sy := ic*float64(x) + id*float64(y) + ity
			dst.SetNRGBA(x, y, bilinearSample(src, sx, sy))
		}
	}
	return dst
}

// bilinearSample samples src at floating-point coordinate (x, y), returning
// transparent black when its 2x2 neighbourhood leaves the image bounds.
func bilinearSample(src *image.NRGBA, x, y float64) color.NRGBA {
	bounds := src.Bounds()
	if x < float64(bounds.Min.X) || y < float64(bounds.Min.Y) ||
		x >= float64(bounds.Max.X-1) || y >= float64(bounds.Max.Y-1) {
		return color.NRGBA{}
	}

	x0, y0 := int(x), int(y)
	fx, fy := x-float64(x0), y-float64(y0)

	c00 := src.NRGBAAt(x0, y0)
	c10 := src.NRGBAAt(x0+1, y0)
	c01 := src.NRGBAAt(x0, y0+1)
	c11 := src.NRGBAAt(x0+1, y0+1)

	lerp := func(a, b uint8, t float64) float64 { return float64(a) + (float64(b)-float64(a))*t }
	mix := func(c00, c10, c01, c11 uint8) uint8 {
		top := lerp(c00, c10, fx)
		bot := lerp(c01, c11, fx)
		return uint8(top + (bot-top)*fy)
	}

	return color.NRGBA{
		R: mix(c00.R, c10.R, c01.R, c11.R),
		G: mix(c00.G, c10.G, c01.G, c11.G),
		B: mix(c00.B, c10.B, c01.B, c11.B),
		A: mix(c00.A, c10.A, c01.A, c11.A),
	}
}

// decodeToNRGBA decodes raw image bytes into an *image.NRGBA raster.
func decodeToNRGBA(raw []byte) (*image.NRGBA, error) {
	img, err := imaging.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, ahnerr.Wrap("face.decode", ahnerr.KindValidation, err)
	}
	return imaging.Clone(img), nil
}

// encodeNRGBA encodes an *image.NRGBA raster back to PNG bytes so it can
// flow through preprocess.ImageProcessor's decode step.
func encodeNRGBA(img *image.NRGBA) []byte {
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}

// Pipeline runs the two-stage face pipeline: detect per image (stage 1),
// align every detected face to the canonical pose, batch all aligned
// crops across the whole input, and recognise in one
// inference.Orchestrator.Run call.
type Pipeline struct {
	Detector       DetectorKind
	Orchestrator   *inference.Orchestrator
	DetectSpec     inference.ModelSpec
	RecognizeSpec  inference.ModelSpec
	ScoreThreshold float32
}

// Run executes the pipeline over a batch of raw images, returning each
// detected face's embedding tagged with its source image index. Images
// with no detected faces contribute no entries.
func (p *Pipeline) Run(ctx context.Context, images [][]byte) ([]Embedding, error) {
	type pendingCrop struct {
		imageIndex int
		detection  Detection
		crop       []byte
	}

	var crops []pendingCrop
	for imgIdx, raw := range images {
		detections, decoded, err := p.detect(ctx, raw)
		if err != nil {
			return nil, ahnerr.WrapModel("face.run", p.DetectSpec.ModelPath, err)
		}
		for _, det := range detections {
			aligned := alignFace(decoded, det)
			crops = append(crops, pendingCrop{imageIndex: imgIdx, detection: det, crop: encodeNRGBA(aligned)})
		}
	}

	if len(crops) == 0 {
		return nil, nil
	}

	rawCrops := make([][]byte, len(crops))
	for i, c := range crops {
		rawCrops[i] = c.crop
	}

	cfg, err := preprocess.ParseImageConfig([]byte(`{"height":112,"width":112}`))
	if err != nil {
		return nil, err
	}
	batch, err := preprocess.NewImageProcessor(cfg).Process(rawCrops)
	if err != nil {
		return nil, err
	}

	results, err := p.Orchestrator.Run(ctx, p.RecognizeSpec, batch)
	if err != nil {
		return nil, ahnerr.WrapModel("face.run", p.RecognizeSpec.ModelPath, err)
	}

	embeddings := make([]Embedding, len(results))
	for i, r := range results {
		embeddings[i] = Embedding{
			ImageIndex: crops[i].imageIndex,
			Detection:  crops[i].detection,
			Vector:     r.Embedding,
		}
	}
	return embeddings, nil
}

// detect runs stage 1 (anchor decode + NMS) over one raw image, returning
// the kept detections and the decoded raster for stage 2 to crop from.
func (p *Pipeline) detect(ctx context.Context, raw []byte) ([]Detection, *image.NRGBA, error) {
	decoded, err := decodeToNRGBA(raw)
	if err != nil {
		return nil, nil, err
	}

	cfg, err := preprocess.ParseImageConfig([]byte(`{"height":640,"width":640}`))
	if err != nil {
		return nil, nil, err
	}
	batch, err := preprocess.NewImageProcessor(cfg).Process([][]byte{raw})
	if err != nil {
		return nil, nil, err
	}

	results, err := p.Orchestrator.Run(ctx, p.DetectSpec, batch)
	if err != nil {
		return nil, nil, err
	}
	if len(results) == 0 {
		return nil, decoded, nil
	}

	// The detector ModelSpec's postprocessing hook is expected to have
	// already shaped Embedding into a flat [score, bbox(4), landmarks(10)]
	// row per anchor; downstream callers supplying a real session wire that
	// through ModelSpec.OutputName. Candidate anchors below threshold are
	// dropped before NMS.
	anchors := generateAnchors(640, 640)
	row := results[0].Embedding
	const rowWidth = 1 + 4 + 10
	n := len(row) / rowWidth
	if n > len(anchors) {
		n = len(anchors)
	}

	scores := make([]float32, n)
	bboxDeltas := make([]float32, n*4)
	landmarkDeltas := make([]float32, n*10)
	for i := 0; i < n; i++ {
		base := i * rowWidth
		scores[i] = row[base]
		copy(bboxDeltas[i*4:i*4+4], row[base+1:base+5])
		copy(landmarkDeltas[i*10:i*10+10], row[base+5:base+15])
	}

	var detections []Detection
	switch p.Detector {
	case DetectorYuNet:
		detections = decodeYuNet(640/8, 640/8, 8, scores, scores, bboxDeltas, landmarkDeltas, p.ScoreThreshold)
	default:
		detections = decodeRetinaFace(anchors[:n], scores, bboxDeltas, landmarkDeltas, p.ScoreThreshold)
	}
	return nms(detections), decoded, nil
}
