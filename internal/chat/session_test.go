package chat

import (
	"context"
	"errors"
	"iter"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/agentchat/internal/domain"
	"github.com/ashureev/agentchat/internal/stream"
)

// scriptedTransport replays one scripted event list per call.
type scriptedTransport struct {
	mu      sync.Mutex
	scripts [][]stream.Event
	reqs    []stream.ChatRequest
}

func (f *scriptedTransport) Stream(_ context.Context, req stream.ChatRequest) iter.Seq[stream.Event] {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	var events []stream.Event
	if len(f.scripts) > 0 {
		events, f.scripts = f.scripts[0], f.scripts[1:]
	}
	f.mu.Unlock()
	return func(yield func(stream.Event) bool) {
		for _, ev := range events {
			if !yield(ev) {
				return
			}
		}
	}
}

type staticLoader struct {
	sess *domain.Session
	err  error
}

func (l staticLoader) GetSession(context.Context, string, string) (*domain.Session, error) {
	return l.sess, l.err
}

func newTestSession(t *testing.T, tr stream.Transport, opts ...SessionOption) *Session {
	t.Helper()
	s := NewSession(tr, nil, opts...)
	require.NoError(t, s.Switch(context.Background(), "dialog", "s1"))
	return s
}

func TestSendHelloOverHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"type\":\"token\",\"content\":\"Hel\"}\n\n"))
		_, _ = w.Write([]byte("data: {\"type\":\"token\",\"content\":\"lo\"}\n\n"))
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	s := newTestSession(t, stream.NewClient(srv.URL))
	require.NoError(t, s.Send(context.Background(), "hi", false))

	msgs := s.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.RoleUser, msgs[0].Role)
	assert.Equal(t, "Hello", msgs[1].Content)
	assert.Equal(t, PhaseCompleted, s.State().Phase)
	assert.Equal(t, ErrorNone, s.RetryContext().LastErrorKind)
	assert.Equal(t, "hi", s.RetryContext().LastUserMessage)
}

func TestSendRateLimitedThenRetry(t *testing.T) {
	tr := &scriptedTransport{scripts: [][]stream.Event{
		{stream.Error("429 rate limit")},
		{stream.Token("recovered")},
	}}
	s := newTestSession(t, tr)

	require.NoError(t, s.Send(context.Background(), "hi", true))
	assert.Equal(t, State{Phase: PhaseFailed, Kind: ErrorRateLimited}, s.State())
	assert.Equal(t, ErrorRateLimited, s.RetryContext().LastErrorKind)
	msgs := s.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "❌ Error: 429 rate limit", msgs[1].Content)

	require.NoError(t, s.Retry(context.Background()))
	msgs = s.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "recovered", msgs[1].Content)
	assert.Equal(t, PhaseCompleted, s.State().Phase)

	require.Len(t, tr.reqs, 2)
	assert.Equal(t, tr.reqs[0], tr.reqs[1])
	assert.Equal(t, stream.ChatRequest{AgentType: "dialog", SessionID: "s1", Message: "hi", SearchEnabled: true}, tr.reqs[1])
}

func TestSendTrailingErrorFailsTurn(t *testing.T) {
	tr := &scriptedTransport{scripts: [][]stream.Event{
		{stream.Token("partial"), stream.Error("HTTP 502: Bad Gateway")},
	}}
	s := newTestSession(t, tr)

	require.NoError(t, s.Send(context.Background(), "hi", false))
	assert.Equal(t, State{Phase: PhaseFailed, Kind: ErrorServer}, s.State())
	assert.Equal(t, "partial\n\n❌ Error: HTTP 502: Bad Gateway", s.Messages()[1].Content)
	assert.Equal(t, "hi", s.RetryContext().LastUserMessage)
}

func TestSendRejectedWithoutSession(t *testing.T) {
	s := NewSession(&scriptedTransport{}, nil)
	assert.ErrorIs(t, s.Send(context.Background(), "hi", false), ErrNoSession)
}

func TestRetryRequiresFailure(t *testing.T) {
	s := newTestSession(t, &scriptedTransport{})
	assert.ErrorIs(t, s.Retry(context.Background()), ErrInvalidTransition)
}

func TestRegenerateReplacesAnswer(t *testing.T) {
	tr := &scriptedTransport{scripts: [][]stream.Event{
		{stream.Token("first")},
		{stream.Token("second")},
	}}
	s := newTestSession(t, tr)

	require.NoError(t, s.Send(context.Background(), "hi", false))
	require.NoError(t, s.Regenerate(context.Background()))

	msgs := s.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "second", msgs[1].Content)
	assert.Equal(t, PhaseCompleted, s.State().Phase)
}

func TestObserverAndUsageMirror(t *testing.T) {
	usage := domain.Usage{SessionPromptTokens: 10, SessionCompletionTokens: 5, SessionTotalTokens: 15}
	tr := &scriptedTransport{scripts: [][]stream.Event{{
		stream.Status("Thinking"),
		stream.Token("ok"),
		stream.System("✅ File written: a.py"),
		stream.UsageEvent(usage),
	}}}

	var seen []stream.EventType
	s := newTestSession(t, tr, WithObserver(ObserverFunc(func(ev stream.Event) {
		seen = append(seen, ev.Type)
	})))

	require.NoError(t, s.Send(context.Background(), "hi", false))
	assert.Equal(t, []stream.EventType{stream.EventStatus, stream.EventToken, stream.EventSystem, stream.EventUsage}, seen)
	require.NotNil(t, s.SessionState().Usage)
	assert.Equal(t, 15, s.SessionState().Usage.SessionTotalTokens)
	assert.Equal(t, "ok", s.Messages()[1].Content)
}

func TestSwitchLoadsHistoryAndResets(t *testing.T) {
	tr := &scriptedTransport{scripts: [][]stream.Event{{stream.Error("boom")}}}
	stored := &domain.Session{
		ID:        "s2",
		AgentType: "coder",
		Messages:  []domain.Message{domain.NewMessage(domain.RoleUser, "old", nil)},
		State:     domain.SessionState{ModelID: "gemini-2.0-flash"},
	}
	s := NewSession(tr, staticLoader{sess: stored})
	require.NoError(t, s.Switch(context.Background(), "dialog", "s1"))
	require.NoError(t, s.Send(context.Background(), "hi", false))
	require.Equal(t, PhaseFailed, s.State().Phase)

	require.NoError(t, s.Switch(context.Background(), "coder", "s2"))
	assert.Equal(t, State{Phase: PhaseIdle, Kind: ErrorNone}, s.State())
	assert.Empty(t, s.RetryContext().LastUserMessage)
	assert.Equal(t, "gemini-2.0-flash", s.SessionState().ModelID)
	require.Len(t, s.Messages(), 1)
	assert.Equal(t, "old", s.Messages()[0].Content)

	agentType, id := s.ID()
	assert.Equal(t, "coder", agentType)
	assert.Equal(t, "s2", id)
}

// changingLoader serves a stored session whose state is replaced between
// calls, like a server updating model info during a turn.
type changingLoader struct {
	mu    sync.Mutex
	state domain.SessionState
	err   error
	calls int
}

func (l *changingLoader) GetSession(_ context.Context, agentType, sessionID string) (*domain.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.calls > 1 && l.err != nil {
		return nil, l.err
	}
	return &domain.Session{ID: sessionID, AgentType: agentType, State: l.state}, nil
}

func (l *changingLoader) set(st domain.SessionState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = st
}

func TestCompletedTurnRefreshesModelInfo(t *testing.T) {
	usage := domain.Usage{SessionPromptTokens: 3, SessionCompletionTokens: 2, SessionTotalTokens: 5}
	tr := &scriptedTransport{scripts: [][]stream.Event{{stream.Token("ok"), stream.UsageEvent(usage)}}}
	loader := &changingLoader{state: domain.SessionState{ModelID: "echo"}}

	s := NewSession(tr, loader)
	require.NoError(t, s.Switch(context.Background(), "dialog", "s1"))
	assert.Nil(t, s.SessionState().ModelInfo)

	loader.set(domain.SessionState{
		ModelID:   "gemini-2.0-flash",
		ModelInfo: &domain.ModelInfo{ID: "gemini-2.0-flash", Provider: "gemini"},
	})
	require.NoError(t, s.Send(context.Background(), "hi", false))

	st := s.SessionState()
	assert.Equal(t, 2, loader.calls)
	assert.Equal(t, "gemini-2.0-flash", st.ModelID)
	require.NotNil(t, st.ModelInfo)
	assert.Equal(t, "gemini", st.ModelInfo.Provider)
	require.NotNil(t, st.Usage)
	assert.Equal(t, 5, st.Usage.SessionTotalTokens)
	assert.Equal(t, PhaseCompleted, s.State().Phase)
}

func TestRefreshFailureKeepsStreamedState(t *testing.T) {
	usage := domain.Usage{SessionTotalTokens: 7}
	tr := &scriptedTransport{scripts: [][]stream.Event{
		{stream.Error("boom")},
		{stream.Token("ok"), stream.UsageEvent(usage)},
	}}
	loader := &changingLoader{err: errors.New("unreachable")}

	s := NewSession(tr, loader)
	require.NoError(t, s.Switch(context.Background(), "dialog", "s1"))

	require.NoError(t, s.Send(context.Background(), "hi", false))
	assert.Equal(t, 1, loader.calls, "failed turns do not reload state")

	require.NoError(t, s.Retry(context.Background()))
	assert.Equal(t, 2, loader.calls)
	assert.Equal(t, PhaseCompleted, s.State().Phase)
	require.NotNil(t, s.SessionState().Usage)
	assert.Equal(t, 7, s.SessionState().Usage.SessionTotalTokens)
}

func TestSwitchLoadError(t *testing.T) {
	s := NewSession(&scriptedTransport{}, staticLoader{err: errors.New("not found")})
	assert.Error(t, s.Switch(context.Background(), "dialog", "missing"))
	_, id := s.ID()
	assert.Empty(t, id)
}

// blockingTransport emits one token, then waits for the turn context to end.
type blockingTransport struct {
	started chan struct{}
}

func (b *blockingTransport) Stream(ctx context.Context, _ stream.ChatRequest) iter.Seq[stream.Event] {
	return func(yield func(stream.Event) bool) {
		if !yield(stream.Token("old")) {
			return
		}
		close(b.started)
		<-ctx.Done()
		yield(stream.Token(" late"))
	}
}

func TestSwitchAbandonsRunningTurn(t *testing.T) {
	tr := &blockingTransport{started: make(chan struct{})}
	s := newTestSession(t, tr)

	done := make(chan error, 1)
	go func() { done <- s.Send(context.Background(), "hi", false) }()

	<-tr.started
	require.NoError(t, s.Switch(context.Background(), "dialog", "s2"))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrSessionSwitched)
	case <-time.After(2 * time.Second):
		t.Fatal("turn did not stop after switch")
	}
	assert.Empty(t, s.Messages())
	assert.Equal(t, PhaseIdle, s.State().Phase)
}

func TestCallerCancelFailsTurn(t *testing.T) {
	tr := &blockingTransport{started: make(chan struct{})}
	s := newTestSession(t, tr)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Send(ctx, "hi", false) }()

	<-tr.started
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, State{Phase: PhaseFailed, Kind: ErrorServer}, s.State())
}
