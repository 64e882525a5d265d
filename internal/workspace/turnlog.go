package workspace

import (
	"log/slog"
	"sync"
	"time"
)

// TurnRecord is the log of one chat turn as written to the session's logs
// directory.
type TurnRecord struct {
	AgentType    string
	SessionID    string
	ModelID      string
	UserMessage  string
	Response     string
	SystemEvents []string
	Error        string
	PromptTokens int
	OutputTokens int
	Started      time.Time
	Duration     time.Duration
}

func (r TurnRecord) data() map[string]any {
	d := map[string]any{
		"timestamp":     r.Started.Format(time.RFC3339Nano),
		"agent_type":    r.AgentType,
		"model_id":      r.ModelID,
		"user_message":  r.UserMessage,
		"response":      r.Response,
		"system_events": r.SystemEvents,
		"usage": map[string]any{
			"prompt_tokens":     r.PromptTokens,
			"completion_tokens": r.OutputTokens,
		},
		"duration_ms": r.Duration.Milliseconds(),
	}
	if r.Error != "" {
		d["error"] = r.Error
	}
	return d
}

// TurnLogger records finished turns.
type TurnLogger interface {
	Log(rec TurnRecord)
	Close() error
}

// NopTurnLogger discards records.
type NopTurnLogger struct{}

// Log implements TurnLogger.
func (NopTurnLogger) Log(TurnRecord) {}

// Close implements TurnLogger.
func (NopTurnLogger) Close() error { return nil }

// AsyncTurnLogger writes records from a background goroutine so a slow disk
// never delays the chat stream. Records are dropped when the queue is full.
type AsyncTurnLogger struct {
	ws     *Manager
	queue  chan TurnRecord
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewTurnLogger starts an async logger writing into ws.
func NewTurnLogger(ws *Manager, queueSize int, logger *slog.Logger) *AsyncTurnLogger {
	if queueSize <= 0 {
		queueSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	l := &AsyncTurnLogger{
		ws:     ws,
		queue:  make(chan TurnRecord, queueSize),
		logger: logger,
		done:   make(chan struct{}),
	}
	go l.run()
	return l
}

// Log enqueues rec. It never blocks; records logged after Close are dropped.
func (l *AsyncTurnLogger) Log(rec TurnRecord) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- rec:
	default:
		l.logger.Warn("turn log queue full, dropping record", "session_id", rec.SessionID)
	}
}

// Close flushes queued records and stops the writer.
func (l *AsyncTurnLogger) Close() error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.queue)
	}
	l.mu.Unlock()
	<-l.done
	return nil
}

func (l *AsyncTurnLogger) run() {
	defer close(l.done)
	for rec := range l.queue {
		if _, err := l.ws.WriteLog(rec.AgentType, rec.SessionID, "agent", rec.data()); err != nil {
			l.logger.Warn("failed to write turn log", "error", err, "session_id", rec.SessionID)
		}
	}
}
