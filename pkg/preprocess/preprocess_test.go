package preprocess

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"
)

func encodeTestPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestImageProcessorProducesCHWTensor(t *testing.T) {
	cfg, err := ParseImageConfig([]byte(`{"height":8,"width":8,"mean":[0.5,0.5,0.5],"std":[0.5,0.5,0.5]}`))
	if err != nil {
		t.Fatal(err)
	}
	p := NewImageProcessor(cfg)

	raw := encodeTestPNG(t, 16, 16)
	batch, err := p.Process([][]byte{raw, raw})
	if err != nil {
		t.Fatal(err)
	}

	tensor := batch.Tensors[batch.Primary]
	wantShape := []int{2, 3, 8, 8}
	if len(tensor.Shape) != len(wantShape) {
		t.Fatalf("shape = %v, want %v", tensor.Shape, wantShape)
	}
	for i, d := range wantShape {
		if tensor.Shape[i] != d {
			t.Fatalf("shape = %v, want %v", tensor.Shape, wantShape)
		}
	}
	if len(tensor.Data) != tensor.Len() {
		t.Fatalf("len(Data) = %d, want %d", len(tensor.Data), tensor.Len())
	}
}

func TestImageProcessorRejectsEmptyBatch(t *testing.T) {
	cfg, _ := ParseImageConfig([]byte(`{"height":4,"width":4}`))
	p := NewImageProcessor(cfg)
	if _, err := p.Process(nil); err == nil {
		t.Fatal("expected an error for an empty image batch")
	}
}

func TestAudioProcessorResamplesAndWindows(t *testing.T) {
	p := NewAudioProcessor(AudioConfig{TargetRateHz: 16000, WindowSecs: 1})
	wave := make([]float32, 8000) // 8kHz source, 1 second
	for i := range wave {
		wave[i] = float32(i) / 8000
	}

	batch, err := p.Process([][]float32{wave}, 8000)
	if err != nil {
		t.Fatal(err)
	}
	tensor := batch.Tensors[batch.Primary]
	if tensor.Shape[0] != 1 || tensor.Shape[1] != 16000 {
		t.Fatalf("shape = %v, want [1 16000]", tensor.Shape)
	}
}

func TestAudioProcessorRejectsInvalidSourceRate(t *testing.T) {
	p := NewAudioProcessor(AudioConfig{TargetRateHz: 16000, WindowSecs: 1})
	if _, err := p.Process([][]float32{{1, 2, 3}}, 0); err == nil {
		t.Fatal("expected an error for an invalid source rate")
	}
}

func TestResampleLinearNoOpWhenRatesMatch(t *testing.T) {
	wave := []float32{1, 2, 3, 4}
	out := resampleLinear(wave, 16000, 16000)
	if len(out) != len(wave) {
		t.Fatalf("len(out) = %d, want %d", len(out), len(wave))
	}
	for i := range wave {
		if out[i] != wave[i] {
			t.Fatalf("out[%d] = %v, want %v", i, out[i], wave[i])
		}
	}
}
