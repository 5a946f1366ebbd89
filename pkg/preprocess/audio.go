package preprocess

import (
	"fmt"

	"github.com/ahnlich/ahnlich-go/pkg/ahnerr"
)

// AudioConfig configures the audio stage: decode → resample to the
// model's sample rate → fixed-length window → float32 tensor.
type AudioConfig struct {
	InputName    string  `json:"input_name"`
	TargetRateHz int     `json:"target_rate_hz"`
	WindowSecs   float64 `json:"window_secs"`
}

type audioProcessor struct {
	cfg AudioConfig
}

// NewAudioProcessor returns an AudioProcessor configured by cfg.
func NewAudioProcessor(cfg AudioConfig) AudioProcessor {
	if cfg.InputName == "" {
		cfg.InputName = "input_features"
	}
	return &audioProcessor{cfg: cfg}
}

func (p *audioProcessor) Process(samples [][]float32, sourceRate int) (Batch, error) {
	if len(samples) == 0 {
		return Batch{}, ahnerr.Wrap("preprocess.audio", ahnerr.KindValidation, fmt.Errorf("empty audio batch"))
	}
	if sourceRate <= 0 {
		return Batch{}, ahnerr.Wrap("preprocess.audio", ahnerr.KindValidation, fmt.Errorf("invalid source sample rate %d", sourceRate))
	}

	windowLen := int(p.cfg.WindowSecs * float64(p.cfg.TargetRateHz))
	data := make([]float32, len(samples)*windowLen)

	for i, wave := range samples {
		resampled := resampleLinear(wave, sourceRate, p.cfg.TargetRateHz)
		base := i * windowLen
		n := len(resampled)
		if n > windowLen {
			n = windowLen
		}
		copy(data[base:base+n], resampled[:n])
		// remaining samples, if resampled is shorter than the window, stay
		// zero-padded so the window length is fixed.
	}

	return Batch{
		Primary: p.cfg.InputName,
		Tensors: map[string]Tensor{
			p.cfg.InputName: {Shape: []int{len(samples), windowLen}, Data: data},
		},
	}, nil
}

// resampleLinear resamples wave from sourceRate to targetRate by linear
// interpolation.
func resampleLinear(wave []float32, sourceRate, targetRate int) []float32 {
	if sourceRate == targetRate || len(wave) == 0 {
		out := make([]float32, len(wave))
		copy(out, wave)
		return out
	}

	ratio := float64(sourceRate) / float64(targetRate)
	outLen := int(float64(len(wave)) / ratio)
	out := make([]float32, outLen)
	for i := range out {
		srcPos := float64(i) * ratio
		lo := int(srcPos)
		hi := lo + 1
		frac := float32(srcPos - float64(lo))
		if hi >= len(wave) {
			out[i] = wave[len(wave)-1]
			continue
		}
		out[i] = wave[lo]*(1-frac) + wave[hi]*frac
	}
	return out
}
