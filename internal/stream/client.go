package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

const (
	defaultIdleTimeout = 120 * time.Second
	maxErrorBodySize   = 64 << 10
)

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	AgentType     string `json:"agent_type"`
	SessionID     string `json:"session_id"`
	Message       string `json:"message"`
	SearchEnabled bool   `json:"search_enabled"`
}

// Transport opens a chat stream. *Client implements it over HTTP and
// *WebSocketClient over a websocket.
type Transport interface {
	Stream(ctx context.Context, req ChatRequest) iter.Seq[Event]
}

// Client is the streaming chat transport over HTTP.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	idleTimeout time.Duration
	header      http.Header
	logger      *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithIdleTimeout bounds the time between two reads of the response body.
// Zero disables the bound.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *Client) { c.idleTimeout = d }
}

// WithHeader adds a header to every chat request.
func WithHeader(key, value string) Option {
	return func(c *Client) { c.header.Set(key, value) }
}

// WithLogger sets the logger used for decode diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a transport client for the server at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		// No overall timeout: streams are long-lived; the idle timeout bounds stalls.
		httpClient:  &http.Client{},
		idleTimeout: defaultIdleTimeout,
		header:      make(http.Header),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Stream posts req and yields the decoded events of the response. Transport
// failures (request error, non-2xx status, empty body, read error, idle
// timeout) surface as one terminal error event. Cancelling ctx ends the
// sequence without an error event.
func (c *Client) Stream(ctx context.Context, req ChatRequest) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		payload, err := json.Marshal(req)
		if err != nil {
			yield(Error(fmt.Sprintf("failed to marshal request: %v", err)))
			return
		}

		streamCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		var idled atomic.Bool
		var timer *time.Timer
		if c.idleTimeout > 0 {
			timer = time.AfterFunc(c.idleTimeout, func() {
				idled.Store(true)
				cancel()
			})
			defer timer.Stop()
		}

		httpReq, err := http.NewRequestWithContext(streamCtx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(payload))
		if err != nil {
			yield(Error(fmt.Sprintf("failed to create request: %v", err)))
			return
		}
		for k, v := range c.header {
			httpReq.Header[k] = v
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream")

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if idled.Load() {
				yield(Error(fmt.Sprintf("stream idle for %s", c.idleTimeout)))
				return
			}
			yield(Error(fmt.Sprintf("failed to send request: %v", err)))
			return
		}
		defer func() {
			if closeErr := resp.Body.Close(); closeErr != nil {
				c.logger.Debug("failed to close stream body", "error", closeErr)
			}
		}()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
			yield(Error(statusErrorText(resp.StatusCode, respBody)))
			return
		}

		body := &bodyReader{r: resp.Body, timer: timer, timeout: c.idleTimeout}
		stopped := false
		err = pump(body, NewDecoder(c.logger), func(ev Event) bool {
			if !yield(ev) {
				stopped = true
				return false
			}
			return true
		})
		switch {
		case stopped, ctx.Err() != nil:
			return
		case idled.Load():
			yield(Error(fmt.Sprintf("stream idle for %s", c.idleTimeout)))
		case err != nil:
			yield(Error(fmt.Sprintf("stream read failed: %v", err)))
		case body.n == 0:
			yield(Error(fmt.Sprintf("HTTP %d: empty response body", resp.StatusCode)))
		}
	}
}

// statusErrorText renders a non-2xx response. A JSON {"error": "..."} body is
// unwrapped; anything else is quoted verbatim.
func statusErrorText(code int, body []byte) string {
	text := strings.TrimSpace(string(body))
	var payload struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Error != "" {
			text = payload.Error
		} else if payload.Detail != "" {
			text = payload.Detail
		}
	}
	if text == "" {
		text = http.StatusText(code)
	}
	return fmt.Sprintf("HTTP %d: %s", code, text)
}

// bodyReader counts bytes and re-arms the idle timer after every read.
type bodyReader struct {
	r       io.Reader
	n       int64
	timer   *time.Timer
	timeout time.Duration
}

func (b *bodyReader) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if n > 0 {
		b.n += int64(n)
		if b.timer != nil {
			b.timer.Reset(b.timeout)
		}
	}
	return n, err
}
