// Package chat drives chat turns on the client side: it sends a message over
// a stream transport, applies the decoded events to the conversation log and
// tracks retry state.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ashureev/agentchat/internal/conversation"
	"github.com/ashureev/agentchat/internal/domain"
	"github.com/ashureev/agentchat/internal/stream"
)

// ErrSessionSwitched is returned by a turn whose session was switched or
// closed while it was streaming. Its remaining events were discarded.
var ErrSessionSwitched = errors.New("session switched")

// ErrNoSession is returned when sending before a session is selected.
var ErrNoSession = errors.New("no active session")

// SessionLoader fetches a stored session with its history and state.
type SessionLoader interface {
	GetSession(ctx context.Context, agentType, sessionID string) (*domain.Session, error)
}

// Observer receives every event of a turn after it has been applied to the
// log. Status, system, usage and log events are only reported this way.
type Observer interface {
	Observe(ev stream.Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(stream.Event)

// Observe calls f(ev).
func (f ObserverFunc) Observe(ev stream.Event) { f(ev) }

type nopObserver struct{}

func (nopObserver) Observe(stream.Event) {}

// Session is the client-side view of one chat session. Turns run in the
// caller's goroutine; Switch and Close may be called concurrently to abandon
// a running turn.
type Session struct {
	transport stream.Transport
	loader    SessionLoader
	observer  Observer
	logger    *slog.Logger
	log       *conversation.Log

	mu        sync.Mutex
	machine   *Machine
	agentType string
	sessionID string
	state     domain.SessionState
	// gen identifies the session lifetime; a turn started under an older
	// generation must not touch the log.
	gen    uint64
	ctx    context.Context
	cancel context.CancelFunc
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithObserver registers the observer for turn events.
func WithObserver(o Observer) SessionOption {
	return func(s *Session) { s.observer = o }
}

// WithSessionLogger sets the logger.
func WithSessionLogger(l *slog.Logger) SessionOption {
	return func(s *Session) { s.logger = l }
}

// NewSession creates a driver over transport. loader may be nil if Switch is
// only used with sessions that have no stored history.
func NewSession(transport stream.Transport, loader SessionLoader, opts ...SessionOption) *Session {
	s := &Session{
		transport: transport,
		loader:    loader,
		observer:  nopObserver{},
		logger:    slog.Default(),
		log:       conversation.New(),
		machine:   NewMachine(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Switch makes sessionID the active session. Any running turn is abandoned,
// the machine returns to idle and the stored history is loaded.
func (s *Session) Switch(ctx context.Context, agentType, sessionID string) error {
	var stored *domain.Session
	if s.loader != nil {
		var err error
		stored, err = s.loader.GetSession(ctx, agentType, sessionID)
		if err != nil {
			return fmt.Errorf("load session %s: %w", sessionID, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.renew()
	s.agentType = agentType
	s.sessionID = sessionID
	s.state = domain.SessionState{}
	if stored != nil {
		s.log.LoadHistory(stored.Messages)
		s.state = stored.State
	} else {
		s.log.LoadHistory(nil)
	}
	s.logger.Debug("switched session", "session_id", sessionID, "agent_type", agentType)
	return nil
}

// Close abandons any running turn. The session can be reused after Switch.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.renew()
}

// renew starts a new session lifetime. Callers hold s.mu.
func (s *Session) renew() {
	s.cancel()
	s.gen++
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.machine.Reset()
}

// Send runs a fresh turn: it records msg, opens an assistant placeholder and
// applies the streamed reply. It returns once the stream has ended; a failed
// turn is reported through State, not the returned error.
func (s *Session) Send(ctx context.Context, msg string, search bool) error {
	s.mu.Lock()
	if s.sessionID == "" {
		s.mu.Unlock()
		return ErrNoSession
	}
	if err := s.machine.Send(msg, search); err != nil {
		s.mu.Unlock()
		return err
	}
	s.log.AppendUser(msg, nil)
	s.log.OpenAssistantPlaceholder()
	req, gen, sessCtx := s.request(msg, search)
	s.mu.Unlock()

	return s.run(ctx, sessCtx, gen, req)
}

// Retry re-sends the last message after a failed turn. An error annotation
// left in the last assistant message is cleared so the new reply replaces it.
func (s *Session) Retry(ctx context.Context) error {
	s.mu.Lock()
	rc, err := s.machine.Retry()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if !s.log.ResetErroredAssistant() {
		s.log.OpenAssistantPlaceholder()
	}
	req, gen, sessCtx := s.request(rc.LastUserMessage, rc.LastSearchFlag)
	s.mu.Unlock()

	s.logger.Info("retrying turn", "session_id", req.SessionID, "last_error", rc.LastErrorKind)
	return s.run(ctx, sessCtx, gen, req)
}

// Regenerate re-sends the last message after a successful turn, replacing
// the previous answer.
func (s *Session) Regenerate(ctx context.Context) error {
	s.mu.Lock()
	rc, err := s.machine.Regenerate()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.log.TruncateAfterLastUser()
	s.log.OpenAssistantPlaceholder()
	req, gen, sessCtx := s.request(rc.LastUserMessage, rc.LastSearchFlag)
	s.mu.Unlock()

	return s.run(ctx, sessCtx, gen, req)
}

// Reset returns the machine to idle and forgets the retry context. The
// message list is kept.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.machine.State().Phase == PhaseSending {
		return
	}
	s.machine.Reset()
}

// request builds the transport request. Callers hold s.mu.
func (s *Session) request(msg string, search bool) (stream.ChatRequest, uint64, context.Context) {
	return stream.ChatRequest{
		AgentType:     s.agentType,
		SessionID:     s.sessionID,
		Message:       msg,
		SearchEnabled: search,
	}, s.gen, s.ctx
}

func (s *Session) run(ctx, sessCtx context.Context, gen uint64, req stream.ChatRequest) error {
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(sessCtx, cancel)
	defer stop()

	var failure string
	for ev := range s.transport.Stream(turnCtx, req) {
		if !s.apply(gen, ev) {
			return ErrSessionSwitched
		}
		if ev.Type == stream.EventError && failure == "" {
			failure = ev.Text
		}
		s.observer.Observe(ev)
	}

	completed, err := s.finish(ctx, gen, req, failure)
	if err != nil || !completed {
		return err
	}
	s.refreshState(ctx, gen, req.AgentType, req.SessionID)
	return nil
}

// finish moves the machine out of sending. It reports whether the turn
// completed successfully.
func (s *Session) finish(ctx context.Context, gen uint64, req stream.ChatRequest, failure string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return false, ErrSessionSwitched
	}
	defer s.log.Close()

	if failure == "" && ctx.Err() != nil {
		failure = "request cancelled"
		s.log.ApplyError(failure)
	}
	if failure != "" {
		kind, err := s.machine.Fail(failure)
		if err != nil {
			return false, err
		}
		s.logger.Warn("chat turn failed", "session_id", req.SessionID, "kind", kind, "error", failure)
		return false, nil
	}
	return true, s.machine.Complete()
}

// refreshState reloads the stored session state after a completed turn so
// that server-side changes such as model_info are mirrored. A failed reload
// keeps the state built from the stream.
func (s *Session) refreshState(ctx context.Context, gen uint64, agentType, sessionID string) {
	if s.loader == nil {
		return
	}
	stored, err := s.loader.GetSession(ctx, agentType, sessionID)
	if err != nil {
		s.logger.Warn("failed to refresh session state", "session_id", sessionID, "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}
	usage := s.state.Usage
	s.state = stored.State
	if s.state.Usage == nil {
		s.state.Usage = usage
	}
}

// apply writes one event into the log. It reports false when the session
// has moved on and the event was dropped.
func (s *Session) apply(gen uint64, ev stream.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return false
	}
	switch ev.Type {
	case stream.EventToken:
		s.log.ApplyToken(ev.Text)
	case stream.EventError:
		s.log.ApplyError(ev.Text)
	case stream.EventUsage:
		if ev.Usage != nil {
			u := *ev.Usage
			s.state.Usage = &u
		}
	}
	return true
}

// State returns the machine state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.State()
}

// RetryContext returns the stored retry parameters.
func (s *Session) RetryContext() RetryContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.RetryContext()
}

// Messages returns a snapshot of the conversation.
func (s *Session) Messages() []domain.Message {
	return s.log.Snapshot()
}

// SessionState returns the mirrored session state (usage, model info).
func (s *Session) SessionState() domain.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state
	if st.Usage != nil {
		u := *st.Usage
		st.Usage = &u
	}
	return st
}

// ID returns the active agent type and session id.
func (s *Session) ID() (agentType, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agentType, s.sessionID
}
