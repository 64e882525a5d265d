package llm

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/ashureev/agentchat/internal/domain"
)

// Gemini streams completions from the Google Gemini API.
type Gemini struct {
	client *genai.Client
	logger *slog.Logger
}

// NewGemini creates a Gemini provider.
func NewGemini(ctx context.Context, apiKey string, logger *slog.Logger) (*Gemini, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: API key is required")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gemini{client: client, logger: logger}, nil
}

// Name implements Provider.
func (g *Gemini) Name() string { return "gemini" }

// Close releases the client.
func (g *Gemini) Close() error {
	return g.client.Close()
}

// Stream implements Provider.
func (g *Gemini) Stream(ctx context.Context, req Request) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		gm := g.client.GenerativeModel(req.Model)
		if req.System != "" {
			gm.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
		}
		cs := gm.StartChat()
		history, parts := geminiTurns(req.History, req.Prompt)
		cs.History = history

		g.logger.Debug("gemini stream", "model", req.Model, "history", len(cs.History))
		it := cs.SendMessageStream(ctx, parts...)

		var usage *Usage
		var output int
		for {
			resp, err := it.Next()
			if errors.Is(err, iterator.Done) {
				break
			}
			if err != nil {
				yield(Chunk{}, classify(g.Name(), err))
				return
			}
			if md := resp.UsageMetadata; md != nil {
				usage = &Usage{
					PromptTokens:     int(md.PromptTokenCount),
					CompletionTokens: int(md.CandidatesTokenCount),
				}
			}
			for _, cand := range resp.Candidates {
				if cand.Content == nil {
					continue
				}
				for _, part := range cand.Content.Parts {
					txt, ok := part.(genai.Text)
					if !ok || txt == "" {
						continue
					}
					output += EstimateTokens(string(txt))
					if !yield(Chunk{Text: string(txt)}, nil) {
						return
					}
				}
			}
		}

		if usage == nil {
			usage = &Usage{PromptTokens: EstimateRequestTokens(req), CompletionTokens: output}
		}
		yield(Chunk{Usage: usage}, nil)
	}
}

// geminiHistory converts stored messages into chat history. System messages
// hold tool output and are passed as user turns; consecutive turns of the
// same role are merged since Gemini expects alternation.
func geminiHistory(msgs []domain.Message) []*genai.Content {
	var history []*genai.Content
	for _, m := range msgs {
		if m.Content == "" {
			continue
		}
		role := "user"
		if m.Role == domain.RoleAssistant {
			role = "model"
		}
		if n := len(history); n > 0 && history[n-1].Role == role {
			history[n-1].Parts = append(history[n-1].Parts, genai.Text(m.Content))
			continue
		}
		history = append(history, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(m.Content)}})
	}
	return history
}

// geminiTurns splits a request into chat history and the parts of the message
// to send. A history ending on a user turn has that turn folded into the
// sent message so user and model turns keep alternating.
func geminiTurns(msgs []domain.Message, prompt string) ([]*genai.Content, []genai.Part) {
	history := geminiHistory(msgs)
	var parts []genai.Part
	if n := len(history); n > 0 && history[n-1].Role == "user" {
		parts = history[n-1].Parts
		history = history[:n-1]
	}
	return history, append(parts, genai.Text(prompt))
}
