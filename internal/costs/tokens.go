package costs

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter estimates the number of tokens text costs under model
type TokenCounter func(model, text string) int

var encodingCache sync.Map

// CountTokens uses tiktoken when an encoding can be loaded for model and
// falls back to WordEstimate otherwise. Embedding models share cl100k_base.
func CountTokens(model, text string) int {
	if text == "" {
		return 0
	}
	enc := encodingFor(model)
	if enc == nil {
		return WordEstimate(model, text)
	}
	return len(enc.Encode(text, nil, nil))
}

// WordEstimate is the tokenizer-free heuristic: 1.3 tokens per word
func WordEstimate(_ string, text string) int {
	return int(float64(len(strings.Fields(text))) * 1.3)
}

func encodingFor(model string) *tiktoken.Tiktoken {
	key := strings.ToLower(model)
	if cached, ok := encodingCache.Load(key); ok {
		enc, _ := cached.(*tiktoken.Tiktoken)
		return enc
	}

	var (
		enc *tiktoken.Tiktoken
		err error
	)
	switch {
	case strings.Contains(key, "embedding"):
		enc, err = tiktoken.GetEncoding("cl100k_base")
	default:
		enc, err = tiktoken.EncodingForModel(strings.Replace(key, "gpt-4o-mini", "gpt-4", 1))
		if err != nil {
			enc, err = tiktoken.GetEncoding("cl100k_base")
		}
	}
	if err != nil {
		enc = nil
	}

	// A failed load is cached as nil so the fallback is not retried per call
	encodingCache.Store(key, enc)
	return enc
}
