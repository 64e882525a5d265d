package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/agentchat/internal/agent"
	"github.com/ashureev/agentchat/internal/domain"
	"github.com/ashureev/agentchat/internal/identity"
	"github.com/ashureev/agentchat/internal/sandbox"
	"github.com/ashureev/agentchat/internal/stream"
	"github.com/ashureev/agentchat/internal/workspace"
)

// rateLimitMessage carries the 429 code so clients classify it as a rate
// limit.
const rateLimitMessage = "429 rate limit exceeded"

// sink is where a turn's events go: an SSE response or a websocket.
type sink interface {
	Send(ev stream.Event) error
	Done() error
}

// pendingTurn is a validated chat request ready to run.
type pendingTurn struct {
	req   stream.ChatRequest
	sess  *domain.Session
	agent agent.Agent
	model domain.ModelSpec
}

// HandleChat handles POST /api/chat and streams the reply as SSE.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())

	// Rate-limit by user only so clients cannot bypass throttling by
	// rotating sessions.
	if !h.allow(userID) {
		Error(w, http.StatusTooManyRequests, rateLimitMessage)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxRequestBodySize)
	var req stream.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, decodeError(err))
		return
	}

	turn, err := h.prepareTurn(r.Context(), userID, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	sw, err := stream.NewWriter(w)
	if err != nil {
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.runTurn(r.Context(), turn, sw)
}

func (h *Handler) allow(userID string) bool {
	return h.limiter == nil || h.limiter.Allow(userID)
}

// prepareTurn validates req and resolves its session, agent and model.
func (h *Handler) prepareTurn(ctx context.Context, userID string, req stream.ChatRequest) (*pendingTurn, error) {
	switch {
	case strings.TrimSpace(req.AgentType) == "":
		return nil, fmt.Errorf("%w: agent_type is required", errBadRequest)
	case strings.TrimSpace(req.SessionID) == "":
		return nil, fmt.Errorf("%w: session_id is required", errBadRequest)
	case strings.TrimSpace(req.Message) == "":
		return nil, fmt.Errorf("%w: message is required", errBadRequest)
	}

	a, err := h.agents.Lookup(req.AgentType)
	if err != nil {
		return nil, err
	}
	sess, err := h.repo.GetSession(ctx, userID, req.AgentType, req.SessionID)
	if err != nil {
		return nil, err
	}
	// Sessions created under another provider fall back to this one's default.
	model, err := h.reg.DefaultModel(h.opts.Provider, sess.State.ModelID)
	if err != nil {
		return nil, err
	}
	return &pendingTurn{req: req, sess: sess, agent: a, model: model}, nil
}

// runTurn streams the agent's events to out, then persists the exchange and
// finishes with the session usage and the [DONE] sentinel.
func (h *Handler) runTurn(ctx context.Context, p *pendingTurn, out sink) {
	started := time.Now()
	sess := p.sess
	log := h.logger.With("session_id", sess.ID, "agent_type", sess.AgentType)
	log.Info("Chat turn started", "model_id", p.model.ID, "message_length", len(p.req.Message))

	if _, err := h.ws.Create(sess.AgentType, sess.ID); err != nil {
		log.Warn("Failed to ensure session workspace", "error", err)
	}

	run := p.agent.Run(ctx, agent.Turn{
		AgentType:     sess.AgentType,
		SessionID:     sess.ID,
		Model:         p.model.ID,
		History:       history(sess.Messages),
		Message:       p.req.Message,
		SearchEnabled: p.req.SearchEnabled,
	})
	res := h.relay(ctx, run, out)
	if res.err != "" {
		log.Warn("Chat turn failed", "error", res.err)
	}

	// The exchange is saved even when the client went away mid-stream.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	usage, err := h.persist(saveCtx, p, res)
	if err != nil {
		log.Error("Failed to persist chat turn", "error", err)
	}

	h.turnLog.Log(workspace.TurnRecord{
		AgentType:    sess.AgentType,
		SessionID:    sess.ID,
		ModelID:      p.model.ID,
		UserMessage:  p.req.Message,
		Response:     res.reply,
		SystemEvents: res.system,
		Error:        res.err,
		PromptTokens: res.usage.SessionPromptTokens,
		OutputTokens: res.usage.SessionCompletionTokens,
		Started:      started,
		Duration:     time.Since(started),
	})

	if res.disconnected || ctx.Err() != nil {
		log.Info("Client disconnected before the turn finished")
		return
	}
	if err := out.Send(stream.UsageEvent(usage)); err != nil {
		log.Debug("Failed to send usage event", "error", err)
		return
	}
	if err := out.Done(); err != nil {
		log.Debug("Failed to send done sentinel", "error", err)
	}
	log.Info("Chat turn finished",
		"duration_ms", time.Since(started).Milliseconds(),
		"reply_length", len(res.reply),
		"system_events", len(res.system),
	)
}

// turnResult is what a turn produced.
type turnResult struct {
	reply        string
	system       []string
	usage        domain.Usage
	err          string
	disconnected bool
}

// relay forwards agent events to out. Usage events are folded into the turn
// total instead of forwarded; agent errors become one error event.
func (h *Handler) relay(ctx context.Context, run iter.Seq2[stream.Event, error], out sink) turnResult {
	var (
		res   turnResult
		reply strings.Builder
	)

	for ev, err := range run {
		if err != nil {
			res.err = err.Error()
			if ctx.Err() == nil {
				if sendErr := out.Send(stream.Error(res.err)); sendErr != nil {
					res.disconnected = true
				}
			}
			break
		}
		switch ev.Type {
		case stream.EventUsage:
			if ev.Usage != nil {
				res.usage = res.usage.Add(ev.Usage.SessionPromptTokens, ev.Usage.SessionCompletionTokens)
			}
			continue
		case stream.EventToken:
			reply.WriteString(ev.Text)
		case stream.EventSystem:
			res.system = append(res.system, ev.Text)
		}
		if err := out.Send(ev); err != nil {
			res.disconnected = true
			break
		}
	}
	res.reply = reply.String()
	return res
}

// persist appends the exchange to the session and folds the turn usage into
// the session totals, which it returns.
func (h *Handler) persist(ctx context.Context, p *pendingTurn, res turnResult) (domain.Usage, error) {
	sess := p.sess
	msgs := []domain.Message{domain.NewMessage(domain.RoleUser, p.req.Message, nil)}
	if strings.TrimSpace(res.reply) != "" {
		msgs = append(msgs, domain.NewMessage(domain.RoleAssistant, res.reply, nil))
	}
	for _, text := range res.system {
		msgs = append(msgs, domain.NewMessage(domain.RoleSystem, text, nil))
	}

	state := sess.State
	var usage domain.Usage
	if state.Usage != nil {
		usage = *state.Usage
	}
	usage = usage.Add(res.usage.SessionPromptTokens, res.usage.SessionCompletionTokens)
	usage.ContextUsagePercent = contextPercent(res.usage.SessionTotalTokens, p.model.MaxContextTokens)

	state.ModelID = p.model.ID
	state.ModelInfo = p.model.Info()
	state.Usage = &usage
	search := p.req.SearchEnabled
	state.SearchEnabled = &search

	var errs []error
	if err := h.repo.AppendMessages(ctx, sess.AgentType, sess.ID, msgs...); err != nil {
		errs = append(errs, fmt.Errorf("append messages: %w", err))
	}
	if err := h.repo.UpdateState(ctx, sess.AgentType, sess.ID, state); err != nil {
		errs = append(errs, fmt.Errorf("update state: %w", err))
	}
	return usage, errors.Join(errs...)
}

// contextPercent is the share of the model's context window the last turn
// used, rounded to two decimals.
func contextPercent(turnTokens, maxTokens int) float64 {
	if maxTokens <= 0 || turnTokens <= 0 {
		return 0
	}
	pct := float64(turnTokens) / float64(maxTokens) * 100
	return math.Round(min(pct, 100)*100) / 100
}

// history drops transient messages from what the agent sees.
func history(msgs []domain.Message) []domain.Message {
	out := make([]domain.Message, 0, len(msgs))
	for _, m := range msgs {
		if !m.Transient {
			out = append(out, m)
		}
	}
	return out
}

func (h *Handler) sandboxKey(sess *domain.Session) sandbox.Key {
	key := sandbox.Key{AgentType: sess.AgentType, SessionID: sess.ID}
	if dir, err := h.ws.WorkDir(sess.AgentType, sess.ID); err == nil {
		key.WorkDir = dir
	}
	return key
}
