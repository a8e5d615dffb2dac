// Package tokenizer provides token counting helpers for chat payloads.
package tokenizer

import (
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/goccy/go-json"
	"github.com/pkoukk/tiktoken-go"
	"golang.org/x/text/unicode/norm"
)

// DefaultModel selects the encoding when a payload names no known model.
const DefaultModel = "gpt-4o"

var (
	encodingCache sync.Map
	defaultOnce   sync.Once
	defaultEnc    *tiktoken.Tiktoken
)

// Counter counts tokens of text for a model. CountTextTokens is the
// production implementation; tests substitute a deterministic one.
type Counter func(model, text string) int

// CountTextTokens returns the token count for the given text using tiktoken.
// Text is NFC-normalized first so composed and decomposed forms count the
// same. If no encoding is available, it falls back to EstimateTokens.
func CountTextTokens(model, text string) int {
	if text == "" {
		return 0
	}
	text = norm.NFC.String(text)
	enc := getEncoding(model)
	if enc == nil {
		return EstimateTokens(text)
	}
	return len(enc.Encode(text, nil, nil))
}

// EstimateTokens approximates a BPE count without an encoding: a word costs
// one token per four bytes, every ideograph, kana or hangul syllable and
// every symbol costs one.
func EstimateTokens(text string) int {
	text = norm.NFC.String(text)
	total, word := 0, 0
	flush := func() {
		if word > 0 {
			total += (word + 3) / 4
			word = 0
		}
	}
	for _, r := range text {
		switch {
		case unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul):
			flush()
			total++
		case unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsMark(r):
			word += utf8.RuneLen(r)
		case unicode.IsSpace(r):
			flush()
		default:
			flush()
			total++
		}
	}
	flush()
	return total
}

// MessageText extracts the text of a chat message content, which is either
// a string or a list of typed parts.
func MessageText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}

	var content string
	if err := json.Unmarshal(raw, &content); err == nil {
		return content
	}

	var parts []struct {
		Type      string `json:"type"`
		Text      string `json:"text"`
		InputText string `json:"input_text"`
	}
	if err := json.Unmarshal(raw, &parts); err == nil {
		texts := make([]string, 0, len(parts))
		for _, part := range parts {
			switch part.Type {
			case "text":
				texts = append(texts, part.Text)
			case "input_text":
				texts = append(texts, part.InputText)
			}
		}
		return strings.Join(texts, " ")
	}

	return string(raw)
}

func getEncoding(model string) *tiktoken.Tiktoken {
	base := normalizeModelName(model)
	if base == "" {
		base = DefaultModel
	}
	if cached, ok := encodingCache.Load(base); ok {
		if enc, ok := cached.(*tiktoken.Tiktoken); ok {
			return enc
		}
		return getDefaultEncoding()
	}

	enc, err := tiktoken.EncodingForModel(base)
	if err != nil {
		enc = getDefaultEncoding()
	}
	if enc != nil {
		encodingCache.Store(base, enc)
	}
	return enc
}

func getDefaultEncoding() *tiktoken.Tiktoken {
	defaultOnce.Do(func() {
		enc, err := tiktoken.EncodingForModel(DefaultModel)
		if err != nil {
			enc, err = tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE)
		}
		if err == nil {
			defaultEnc = enc
		}
	})
	return defaultEnc
}

func normalizeModelName(model string) string {
	if model == "" {
		return model
	}
	if idx := strings.LastIndex(model, "/"); idx >= 0 && idx+1 < len(model) {
		return model[idx+1:]
	}
	return model
}
