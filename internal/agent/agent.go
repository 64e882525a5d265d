// Package agent implements the in-process chat agents and routes turns to
// them by agent type.
package agent

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/agentchat/internal/domain"
	"github.com/ashureev/agentchat/internal/llm"
	"github.com/ashureev/agentchat/internal/registry"
	"github.com/ashureev/agentchat/internal/sandbox"
	"github.com/ashureev/agentchat/internal/search"
	"github.com/ashureev/agentchat/internal/stream"
	"github.com/ashureev/agentchat/internal/workspace"
)

var (
	// ErrUnknownAgent is returned for agent types missing from the registry.
	ErrUnknownAgent = errors.New("unknown agent type")
	// ErrUnavailable is returned for registered agents that cannot take turns.
	ErrUnavailable = errors.New("agent is not available")
)

// statusThinking is the status sent before the model is called.
const statusThinking = "Thinking..."

const (
	// statusNoSearch is sent when a turn asks for web search and no searcher
	// is configured.
	statusNoSearch     = "Web search is not configured, answering from model knowledge"
	statusSearching    = "Searching the web..."
	statusSearchFailed = "Web search failed, answering from model knowledge"

	maxSearchQuery = 200
)

// Turn is one user message addressed to an agent.
type Turn struct {
	AgentType     string
	SessionID     string
	Model         string
	History       []domain.Message
	Message       string
	SearchEnabled bool
}

// Agent answers turns.
//
// Run yields stream events in order. Token, status, system and log events are
// meant for the client. A usage event carries the token counts of this turn
// only; callers fold it into the session totals. A non-nil error ends the
// sequence.
type Agent interface {
	Run(ctx context.Context, turn Turn) iter.Seq2[stream.Event, error]
}

// Deps are the collaborators shared by the built-in agents.
type Deps struct {
	LLM       llm.Provider
	Sandbox   sandbox.Executor
	Workspace *workspace.Manager
	// Search answers web lookups for turns with search enabled. Nil
	// disables web search.
	Search search.Searcher
	// Market serves the crypto agent's market data tools. Nil makes those
	// tools fail.
	Market MarketData
	Logger *slog.Logger
	Now    func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Sandbox == nil {
		d.Sandbox = sandbox.Disabled{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}

// Service routes turns to agents by type.
type Service struct {
	reg    *registry.Registry
	agents map[string]Agent
}

// NewService creates a service with no agents. Use Register to add them.
func NewService(reg *registry.Registry) *Service {
	return &Service{reg: reg, agents: make(map[string]Agent)}
}

// NewDefaultService registers the dialog, coder and crypto agents.
func NewDefaultService(reg *registry.Registry, deps Deps) *Service {
	deps = deps.withDefaults()
	s := NewService(reg)
	s.Register("dialog", NewDialog(deps))
	s.Register("coder", NewCoder(deps))
	s.Register("crypto", NewCrypto(deps))
	return s
}

// Register binds an agent to an agent type.
func (s *Service) Register(agentType string, a Agent) {
	s.agents[agentType] = a
}

// Lookup returns the agent serving agentType.
func (s *Service) Lookup(agentType string) (Agent, error) {
	info, ok := s.reg.Agent(agentType)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAgent, agentType)
	}
	a, registered := s.agents[agentType]
	if !info.Available || !registered {
		return nil, fmt.Errorf("%w: %q", ErrUnavailable, agentType)
	}
	return a, nil
}

// Run dispatches turn to its agent. Lookup failures are yielded as the only
// element of the sequence.
func (s *Service) Run(ctx context.Context, turn Turn) iter.Seq2[stream.Event, error] {
	a, err := s.Lookup(turn.AgentType)
	if err != nil {
		return func(yield func(stream.Event, error) bool) {
			yield(stream.Event{}, err)
		}
	}
	return a.Run(ctx, turn)
}

// turnUsage wraps the token counts of one turn in a usage event.
func turnUsage(u llm.Usage) stream.Event {
	return stream.UsageEvent(domain.Usage{}.Add(u.PromptTokens, u.CompletionTokens))
}

// relay streams a completion as token events followed by a usage event. It
// returns the full reply and false when the provider failed or the consumer
// stopped listening.
func relay(ctx context.Context, p llm.Provider, req llm.Request, yield func(stream.Event, error) bool) (string, bool) {
	var (
		reply strings.Builder
		usage *llm.Usage
	)
	for chunk, err := range p.Stream(ctx, req) {
		if err != nil {
			yield(stream.Event{}, err)
			return reply.String(), false
		}
		if chunk.Text != "" {
			reply.WriteString(chunk.Text)
			if !yield(stream.Token(chunk.Text), nil) {
				return reply.String(), false
			}
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
	}
	if usage == nil {
		usage = &llm.Usage{
			PromptTokens:     llm.EstimateRequestTokens(req),
			CompletionTokens: llm.EstimateTokens(reply.String()),
		}
	}
	if !yield(turnUsage(*usage), nil) {
		return reply.String(), false
	}
	return reply.String(), true
}

// preamble yields the status events sent before the model is called and,
// for turns with search enabled, looks the message up on the web. It
// returns the system instruction extended with the search results.
func preamble(ctx context.Context, turn Turn, system string, searcher search.Searcher, logger *slog.Logger, yield func(stream.Event, error) bool) (string, bool) {
	if !yield(stream.Status(statusThinking), nil) {
		return system, false
	}
	if !turn.SearchEnabled {
		return system, true
	}
	if searcher == nil {
		return system, yield(stream.Status(statusNoSearch), nil)
	}
	if !yield(stream.Status(statusSearching), nil) {
		return system, false
	}

	query := []rune(strings.TrimSpace(turn.Message))
	if len(query) > maxSearchQuery {
		query = query[:maxSearchQuery]
	}
	results, err := searcher.Search(ctx, string(query), search.DefaultLimit)
	if err != nil {
		logger.Warn("Web search failed",
			"session_id", turn.SessionID, "agent_type", turn.AgentType, "error", err)
		return system, yield(stream.Status(statusSearchFailed), nil)
	}
	if ev, err := stream.LogEvent(map[string]any{
		"tool":    "web_search",
		"query":   string(query),
		"results": results,
	}); err == nil && !yield(ev, nil) {
		return system, false
	}
	if !yield(stream.Status(fmt.Sprintf("Found %d web results", len(results))), nil) {
		return system, false
	}
	return withSearchResults(system, results), true
}

// withSearchResults appends web results to a system instruction.
func withSearchResults(system string, results []search.Result) string {
	return system + "\n\n## Web search results\n\n" + search.Format(results) +
		"\n\nUse these results for current facts and cite the URLs you rely on."
}
