package preprocess

import (
	"fmt"

	"github.com/daulet/tokenizers"

	"github.com/ahnlich/ahnlich-go/pkg/ahnerr"
)

// TextConfig configures the tokenizer stage: the tokenizer.json
// path, truncation length, and whether the model expects token_type_ids.
type TextConfig struct {
	TokenizerPath    string `json:"tokenizer_path"`
	ModelMaxLength   int    `json:"model_max_length"`
	EmitTokenTypeIDs bool   `json:"emit_token_type_ids"`
	PadToken         string `json:"pad_token"`
}

type textProcessor struct {
	cfg cfgWithTokenizer
}

type cfgWithTokenizer struct {
	TextConfig
	tok *tokenizers.Tokenizer
}

// NewTextProcessor loads a tokenizers.Tokenizer from cfg.TokenizerPath and
// returns a TextProcessor that tokenises with batch-longest padding and
// truncation at cfg.ModelMaxLength.
func NewTextProcessor(cfg TextConfig) (TextProcessor, error) {
	tok, err := tokenizers.FromFile(cfg.TokenizerPath)
	if err != nil {
		return nil, ahnerr.Wrap("preprocess.text.load_tokenizer", ahnerr.KindFatal, err)
	}
	return &textProcessor{cfg: cfgWithTokenizer{TextConfig: cfg, tok: tok}}, nil
}

func (p *textProcessor) Process(texts []string) (Batch, error) {
	if len(texts) == 0 {
		return Batch{}, ahnerr.Wrap("preprocess.text", ahnerr.KindValidation, fmt.Errorf("empty text batch"))
	}

	type encoded struct {
		ids     []uint32
		typeIDs []uint32
	}
	rows := make([]encoded, len(texts))
	maxLen := 0
	for i, text := range texts {
		ids, typeIDs := p.encode(text)
		rows[i] = encoded{ids: ids, typeIDs: typeIDs}
		if len(ids) > maxLen {
			maxLen = len(ids)
		}
	}
	if p.cfg.ModelMaxLength > 0 && maxLen > p.cfg.ModelMaxLength {
		maxLen = p.cfg.ModelMaxLength
	}

	n := len(texts)
	inputIDs := make([]float32, n*maxLen)
	attention := make([]float32, n*maxLen)
	tokenTypes := make([]float32, n*maxLen)

	for i, row := range rows {
		length := len(row.ids)
		if length > maxLen {
			length = maxLen
		}
		for j := 0; j < length; j++ {
			inputIDs[i*maxLen+j] = float32(row.ids[j])
			attention[i*maxLen+j] = 1
			if j < len(row.typeIDs) {
				tokenTypes[i*maxLen+j] = float32(row.typeIDs[j])
			}
		}
	}

	tensors := map[string]Tensor{
		"input_ids":      {Shape: []int{n, maxLen}, Data: inputIDs},
		"attention_mask": {Shape: []int{n, maxLen}, Data: attention},
	}
	if p.cfg.EmitTokenTypeIDs {
		tensors["token_type_ids"] = Tensor{Shape: []int{n, maxLen}, Data: tokenTypes}
	}

	return Batch{Primary: "input_ids", Tensors: tensors}, nil
}

func (p *textProcessor) encode(text string) (ids []uint32, typeIDs []uint32) {
	enc := p.cfg.tok.EncodeWithOptions(text, false, tokenizers.WithReturnTypeIDs())
	return enc.IDs, enc.TypeIDs
}
