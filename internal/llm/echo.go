package llm

import (
	"context"
	"iter"
	"strings"
	"time"
)

// Echo is an offline provider. It replies with a scripted answer, or with
// the prompt itself, streamed word by word.
type Echo struct {
	// Reply computes the answer; nil echoes the prompt.
	Reply func(req Request) (string, error)
	// Delay is slept between chunks.
	Delay time.Duration
}

// NewEcho returns an echo provider.
func NewEcho() *Echo { return &Echo{} }

// Name implements Provider.
func (e *Echo) Name() string { return "echo" }

// Close implements Provider.
func (e *Echo) Close() error { return nil }

// Stream implements Provider.
func (e *Echo) Stream(ctx context.Context, req Request) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		answer := req.Prompt
		if e.Reply != nil {
			var err error
			answer, err = e.Reply(req)
			if err != nil {
				yield(Chunk{}, classify(e.Name(), err))
				return
			}
		}

		for _, word := range splitKeepSpace(answer) {
			if e.Delay > 0 {
				select {
				case <-ctx.Done():
					yield(Chunk{}, ctx.Err())
					return
				case <-time.After(e.Delay):
				}
			} else if err := ctx.Err(); err != nil {
				yield(Chunk{}, err)
				return
			}
			if !yield(Chunk{Text: word}, nil) {
				return
			}
		}
		yield(Chunk{Usage: &Usage{
			PromptTokens:     EstimateRequestTokens(req),
			CompletionTokens: EstimateTokens(answer),
		}}, nil)
	}
}

// splitKeepSpace splits s after each run of whitespace so the pieces
// concatenate back to s.
func splitKeepSpace(s string) []string {
	var out []string
	start := 0
	for i := 1; i < len(s); i++ {
		if isSpace(s[i-1]) && !isSpace(s[i]) {
			out = append(out, s[start:i])
			start = i
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

func isSpace(b byte) bool {
	return strings.IndexByte(" \t\n\r", b) >= 0
}
