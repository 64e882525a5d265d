package stream

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(seq func(func(Event) bool)) []Event {
	var out []Event
	for ev := range seq {
		out = append(out, ev)
	}
	return out
}

func TestClientStreamsEvents(t *testing.T) {
	var got ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		sw, err := NewWriter(w)
		if !assert.NoError(t, err) {
			return
		}
		assert.NoError(t, sw.Send(Token("Hel")))
		assert.NoError(t, sw.Send(Token("lo")))
		assert.NoError(t, sw.Done())
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithLogger(quietLogger))
	events := collect(c.Stream(context.Background(), ChatRequest{
		AgentType:     "dialog",
		SessionID:     "s1",
		Message:       "hi",
		SearchEnabled: true,
	}))

	assert.Equal(t, []Event{Token("Hel"), Token("lo")}, events)
	assert.Equal(t, ChatRequest{AgentType: "dialog", SessionID: "s1", Message: "hi", SearchEnabled: true}, got)
}

func TestClientNonOKStatusYieldsOneError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error": "rate limit exceeded"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	events := collect(NewClient(srv.URL).Stream(context.Background(), ChatRequest{Message: "x"}))
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Type)
	assert.Equal(t, "HTTP 429: rate limit exceeded", events[0].Text)
}

func TestClientNonOKStatusWithoutBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	events := collect(NewClient(srv.URL).Stream(context.Background(), ChatRequest{Message: "x"}))
	require.Len(t, events, 1)
	assert.Equal(t, "HTTP 502: Bad Gateway", events[0].Text)
}

func TestClientEmptyBodyYieldsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	events := collect(NewClient(srv.URL).Stream(context.Background(), ChatRequest{Message: "x"}))
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Type)
	assert.Contains(t, events[0].Text, "empty response body")
}

func TestClientConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	events := collect(NewClient(url).Stream(context.Background(), ChatRequest{Message: "x"}))
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Type)
	assert.Contains(t, events[0].Text, "failed to send request")
}

func TestClientIdleTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw, err := NewWriter(w)
		if err != nil {
			return
		}
		_ = sw.Send(Token("partial"))
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(srv.URL, WithIdleTimeout(100*time.Millisecond), WithLogger(quietLogger))
	events := collect(c.Stream(context.Background(), ChatRequest{Message: "x"}))
	require.Len(t, events, 2)
	assert.Equal(t, Token("partial"), events[0])
	assert.Equal(t, EventError, events[1].Type)
	assert.Contains(t, events[1].Text, "idle")
}

func TestClientCancelEndsSilently(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw, err := NewWriter(w)
		if err != nil {
			return
		}
		_ = sw.Send(Token("first"))
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	var events []Event
	for ev := range NewClient(srv.URL, WithLogger(quietLogger)).Stream(ctx, ChatRequest{Message: "x"}) {
		events = append(events, ev)
		cancel()
	}
	assert.Equal(t, []Event{Token("first")}, events)
}

func TestWriterRequiresFlusher(t *testing.T) {
	_, err := NewWriter(nonFlusher{})
	assert.ErrorIs(t, err, ErrStreamingUnsupported)
}

type nonFlusher struct{}

func (nonFlusher) Header() http.Header         { return http.Header{} }
func (nonFlusher) Write(p []byte) (int, error) { return io.Discard.Write(p) }
func (nonFlusher) WriteHeader(int)             {}
