package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ashureev/agentchat/internal/identity"
	"github.com/ashureev/agentchat/internal/stream"
)

// wsRequestTimeout bounds the wait for the request message.
const wsRequestTimeout = 30 * time.Second

// wsSink writes each event as one text message.
type wsSink struct {
	ctx  context.Context
	conn *websocket.Conn
}

func (s *wsSink) Send(ev stream.Event) error {
	return wsjson.Write(s.ctx, s.conn, ev)
}

func (s *wsSink) Done() error {
	return s.conn.Write(s.ctx, websocket.MessageText, []byte(stream.DoneSentinel))
}

// HandleWebSocket handles GET /ws/chat. The first text message is the chat
// request; the turn's events follow as JSON text messages, then [DONE] and a
// normal closure.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.opts.OriginPatterns,
	})
	if err != nil {
		h.logger.Warn("Failed to accept websocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		_ = conn.CloseNow()
	}()
	conn.SetReadLimit(h.opts.MaxRequestBodySize)

	readCtx, cancel := context.WithTimeout(r.Context(), wsRequestTimeout)
	var req stream.ChatRequest
	err = wsjson.Read(readCtx, conn, &req)
	cancel()
	if err != nil {
		h.logger.Debug("Failed to read websocket chat request", "error", err, "user_id", userID)
		_ = conn.Close(websocket.StatusUnsupportedData, "invalid chat request")
		return
	}

	// Reading stops here; the returned context ends when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	out := &wsSink{ctx: ctx, conn: conn}

	if !h.allow(userID) {
		h.reject(out, rateLimitMessage)
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return
	}
	turn, err := h.prepareTurn(ctx, userID, req)
	if err != nil {
		status, msg := errorStatus(err)
		h.reject(out, fmt.Sprintf("HTTP %d: %s", status, msg))
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return
	}

	h.runTurn(ctx, turn, out)
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

// reject sends a single error event and the sentinel.
func (h *Handler) reject(out sink, msg string) {
	if err := out.Send(stream.Error(msg)); err != nil {
		h.logger.Debug("Failed to send websocket error", "error", err)
		return
	}
	_ = out.Done()
}
