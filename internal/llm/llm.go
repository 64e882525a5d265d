// Package llm abstracts the language model providers agents stream from.
package llm

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"google.golang.org/api/googleapi"

	"github.com/ashureev/agentchat/internal/domain"
)

// ErrRateLimited marks provider failures caused by upstream rate limiting.
// Its text carries the 429 code so clients can classify the error event.
var ErrRateLimited = errors.New("429 rate limit exceeded")

// Request is one completion request.
type Request struct {
	Model   string
	System  string
	History []domain.Message
	Prompt  string
}

// Usage is the token accounting of one completion.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Chunk is a piece of a streamed completion. The last chunk of a successful
// stream carries Usage.
type Chunk struct {
	Text  string
	Usage *Usage
}

// Provider streams completions.
type Provider interface {
	// Name is the registry provider name, e.g. "gemini".
	Name() string
	// Stream yields the completion for req. A non-nil error ends the sequence.
	Stream(ctx context.Context, req Request) iter.Seq2[Chunk, error]
	Close() error
}

// classify wraps provider errors that mean "too many requests" with
// ErrRateLimited.
func classify(provider string, err error) error {
	if err == nil || errors.Is(err, ErrRateLimited) {
		return err
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == 429 {
		return fmt.Errorf("%s: %w: %s", provider, ErrRateLimited, gerr.Message)
	}
	msg := err.Error()
	if strings.Contains(msg, "RESOURCE_EXHAUSTED") || strings.Contains(msg, "ResourceExhausted") ||
		strings.Contains(msg, "429") || strings.Contains(strings.ToLower(msg), "quota") {
		return fmt.Errorf("%s: %w: %s", provider, ErrRateLimited, msg)
	}
	return fmt.Errorf("%s: %w", provider, err)
}
