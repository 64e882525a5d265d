package llm

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

var (
	codec     tokenizer.Codec
	codecOnce sync.Once
	codecErr  error
)

// getCodec returns the cl100k_base tokenizer.
func getCodec() (tokenizer.Codec, error) {
	codecOnce.Do(func() {
		codec, codecErr = tokenizer.Get(tokenizer.Cl100kBase)
	})
	return codec, codecErr
}

// EstimateTokens approximates the token count of text for providers that do
// not report usage. It falls back to four bytes per token if the codec
// cannot be loaded.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	c, err := getCodec()
	if err == nil {
		if ids, _, err := c.Encode(text); err == nil {
			return len(ids)
		}
	}
	return (len(text) + 3) / 4
}

// EstimateRequestTokens approximates the prompt size of req.
func EstimateRequestTokens(req Request) int {
	n := EstimateTokens(req.System) + EstimateTokens(req.Prompt)
	for _, m := range req.History {
		n += EstimateTokens(m.Content)
	}
	return n
}
