package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// WebSocketClient carries the same event sequence over /ws/chat. Each
// websocket text message holds one event; the server closes with a normal
// closure once the turn is over.
type WebSocketClient struct {
	url    string
	logger *slog.Logger

	// Header is sent with the websocket handshake.
	Header http.Header
	// IdleTimeout bounds the wait for the next message. Zero disables it.
	IdleTimeout time.Duration
}

// NewWebSocketClient creates a websocket transport for the server at baseURL
// (http/https schemes are mapped to ws/wss).
func NewWebSocketClient(baseURL string, logger *slog.Logger) *WebSocketClient {
	if logger == nil {
		logger = slog.Default()
	}
	u := strings.TrimSuffix(baseURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return &WebSocketClient{
		url:         u + "/ws/chat",
		logger:      logger,
		Header:      make(http.Header),
		IdleTimeout: defaultIdleTimeout,
	}
}

// Stream sends req as the first message and yields the events that follow.
func (c *WebSocketClient) Stream(ctx context.Context, req ChatRequest) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		conn, resp, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{HTTPHeader: c.Header})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if resp != nil {
				yield(Error(fmt.Sprintf("HTTP %d: websocket dial failed: %v", resp.StatusCode, err)))
				return
			}
			yield(Error(fmt.Sprintf("websocket dial failed: %v", err)))
			return
		}
		defer conn.CloseNow()

		if err := wsjson.Write(ctx, conn, req); err != nil {
			if ctx.Err() == nil {
				yield(Error(fmt.Sprintf("failed to send request: %v", err)))
			}
			return
		}

		for {
			typ, data, err := c.read(ctx, conn)
			if err != nil {
				switch {
				case websocket.CloseStatus(err) == websocket.StatusNormalClosure || ctx.Err() != nil:
				case errors.Is(err, context.DeadlineExceeded):
					yield(Error(fmt.Sprintf("stream idle for %s", c.IdleTimeout)))
				default:
					yield(Error(fmt.Sprintf("stream read failed: %v", err)))
				}
				return
			}
			if typ != websocket.MessageText {
				continue
			}
			if strings.TrimSpace(string(data)) == DoneSentinel {
				_ = conn.Close(websocket.StatusNormalClosure, "")
				return
			}

			var ev Event
			if err := json.Unmarshal(data, &ev); err != nil {
				c.logger.Warn("Skipping malformed websocket event", "error", err)
				continue
			}
			if !ev.Type.Known() {
				continue
			}
			if !yield(ev) {
				return
			}
		}
	}
}

// read waits for the next message for at most IdleTimeout.
func (c *WebSocketClient) read(ctx context.Context, conn *websocket.Conn) (websocket.MessageType, []byte, error) {
	if c.IdleTimeout <= 0 {
		return conn.Read(ctx)
	}
	readCtx, cancel := context.WithTimeout(ctx, c.IdleTimeout)
	defer cancel()
	return conn.Read(readCtx)
}
