package agent

import (
	"context"
	"iter"
	"log/slog"
	"time"

	"github.com/ashureev/agentchat/internal/llm"
	"github.com/ashureev/agentchat/internal/search"
	"github.com/ashureev/agentchat/internal/stream"
)

// Dialog is a plain conversational agent: one model call per turn.
type Dialog struct {
	llm    llm.Provider
	search search.Searcher
	logger *slog.Logger
	now    func() time.Time
}

// NewDialog returns the general-purpose assistant.
func NewDialog(deps Deps) *Dialog {
	deps = deps.withDefaults()
	return &Dialog{
		llm:    deps.LLM,
		search: deps.Search,
		logger: deps.Logger,
		now:    deps.Now,
	}
}

// Run implements Agent.
func (d *Dialog) Run(ctx context.Context, turn Turn) iter.Seq2[stream.Event, error] {
	return func(yield func(stream.Event, error) bool) {
		system, ok := preamble(ctx, turn, dialogInstruction(d.now()), d.search, d.logger, yield)
		if !ok {
			return
		}
		req := llm.Request{
			Model:   turn.Model,
			System:  system,
			History: turn.History,
			Prompt:  turn.Message,
		}
		reply, ok := relay(ctx, d.llm, req, yield)
		if ok {
			d.logger.Debug("Dialog turn finished",
				"agent_type", turn.AgentType,
				"session_id", turn.SessionID,
				"reply_length", len(reply),
			)
		}
	}
}
