// Package preprocess implements the per-modality input pipelines the AI
// proxy runs before handing a tensor to the inference orchestrator:
// image decode/resize/normalise, text tokenisation, and audio
// resampling, each configured from a model's JSON config blob.
package preprocess

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"

	"github.com/ahnlich/ahnlich-go/pkg/ahnerr"
)

// Tensor is a dense float32 tensor with row-major Shape, general enough to
// carry a 4-D image batch, a 2-D waveform batch, or token-id rows.
type Tensor struct {
	Shape []int
	Data  []float32
}

// Len returns the product of Shape, i.e. len(Data) once populated.
func (t Tensor) Len() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Batch is the output of one Processor call: the primary tensor plus any
// auxiliary tensors a model needs (attention_mask, token_type_ids, …),
// keyed by the session input name.
type Batch struct {
	Primary string
	Tensors map[string]Tensor
}

// ImageProcessor implements the image stage: decode → resize →
// optional centre-crop → channel-first float32 → rescale → normalise.
type ImageProcessor interface {
	Process(images [][]byte) (Batch, error)
}

// TextProcessor implements the text stage: tokenise with
// batch-longest padding and truncation, emitting input_ids,
// attention_mask, and (if required) token_type_ids.
type TextProcessor interface {
	Process(texts []string) (Batch, error)
}

// AudioProcessor implements the audio stage: decode → resample →
// fixed-length window → float32 tensor.
type AudioProcessor interface {
	Process(samples [][]float32, sourceRate int) (Batch, error)
}

// ImageConfig is the model configuration JSON blob driving the image
// pipeline.
type ImageConfig struct {
	Height       int       `json:"height"`
	Width        int       `json:"width"`
	CenterCrop   bool      `json:"center_crop"`
	CropHeight   int       `json:"crop_height"`
	CropWidth    int       `json:"crop_width"`
	Rescale      float64   `json:"rescale"`
	Mean         []float64 `json:"mean"`
	Std          []float64 `json:"std"`
	InputName    string    `json:"input_name"`
	ResizeFilter string    `json:"resize_filter"` // e.g. "catmull-rom", "lanczos", "linear"
}

// ParseImageConfig decodes a model's image-pipeline configuration.
func ParseImageConfig(raw []byte) (ImageConfig, error) {
	var cfg ImageConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return ImageConfig{}, ahnerr.Wrap("preprocess.parse_image_config", ahnerr.KindValidation, err)
	}
	if cfg.Rescale == 0 {
		cfg.Rescale = 1.0 / 255.0
	}
	if cfg.InputName == "" {
		cfg.InputName = "pixel_values"
	}
	return cfg, nil
}

type imageProcessor struct {
	cfg ImageConfig
}

// NewImageProcessor returns an ImageProcessor configured by cfg.
func NewImageProcessor(cfg ImageConfig) ImageProcessor {
	return &imageProcessor{cfg: cfg}
}

func (p *imageProcessor) Process(images [][]byte) (Batch, error) {
	if len(images) == 0 {
		return Batch{}, ahnerr.Wrap("preprocess.image", ahnerr.KindValidation, fmt.Errorf("empty image batch"))
	}

	c := 3
	crop := p.cfg.CenterCrop && p.cfg.CropWidth > 0 && p.cfg.CropHeight > 0
	h, w := p.cfg.Height, p.cfg.Width
	if crop {
		h, w = p.cfg.CropHeight, p.cfg.CropWidth
	}
	data := make([]float32, len(images)*c*h*w)

	for i, raw := range images {
		img, err := imaging.Decode(bytes.NewReader(raw))
		if err != nil {
			return Batch{}, ahnerr.WrapModel("preprocess.image.decode", p.cfg.InputName, err)
		}

		resized := resizeWithFilter(img, p.cfg.Width, p.cfg.Height, p.cfg.ResizeFilter)
		if crop {
			resized = imaging.CropCenter(resized, p.cfg.CropWidth, p.cfg.CropHeight)
		}

		writeCHW(data, i, c, h, w, resized, p.cfg.Rescale, p.cfg.Mean, p.cfg.Std)
	}

	return Batch{
		Primary: p.cfg.InputName,
		Tensors: map[string]Tensor{
			p.cfg.InputName: {Shape: []int{len(images), c, h, w}, Data: data},
		},
	}, nil
}

// resizeWithFilter maps the model config's named resampling filter onto an
// imaging.ResampleFilter, defaulting to Catmull-Rom.
func resizeWithFilter(img image.Image, w, h int, name string) image.Image {
	filter := imaging.CatmullRom
	switch name {
	case "lanczos":
		filter = imaging.Lanczos
	case "linear", "bilinear":
		filter = imaging.Linear
	case "nearest":
		filter = imaging.NearestNeighbor
	case "box":
		filter = imaging.Box
	}
	return imaging.Resize(img, w, h, filter)
}

// writeCHW converts img into the batch's channel-first float32 slab at
// batch index idx, rescaling then per-channel normalising.
func writeCHW(data []float32, idx, c, h, w int, img image.Image, rescale float64, mean, std []float64) {
	bounds := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(rgba, rgba.Bounds(), img, bounds.Min, draw.Src)

	planeSize := h * w
	base := idx * c * planeSize
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b, _ := rgba.At(x, y).RGBA()
			px := [3]float64{float64(r >> 8), float64(g >> 8), float64(b >> 8)}
			for ch := 0; ch < c; ch++ {
				v := px[ch] * rescale
				if len(mean) == c && len(std) == c && std[ch] != 0 {
					v = (v - mean[ch]) / std[ch]
				}
				data[base+ch*planeSize+y*w+x] = float32(v)
			}
		}
	}
}
