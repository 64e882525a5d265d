// Package stream implements the chat event protocol: SSE framing on the server
// side and incremental decoding into typed events on the client side.
package stream

import (
	"encoding/json"
	"fmt"

	"github.com/ashureev/agentchat/internal/domain"
)

// EventType discriminates stream events.
type EventType string

const (
	// EventToken carries a fragment of assistant text.
	EventToken EventType = "token"
	// EventStatus carries a progress note ("Searching the web...").
	EventStatus EventType = "status"
	// EventUsage carries cumulative token usage for the session.
	EventUsage EventType = "usage"
	// EventError carries a turn-level failure.
	EventError EventType = "error"
	// EventSystem carries tool output recorded by the server.
	EventSystem EventType = "system"
	// EventLog carries an arbitrary diagnostic payload.
	EventLog EventType = "log"
)

// DoneSentinel is the literal payload that marks the end of data frames.
const DoneSentinel = "[DONE]"

// Known reports whether t is one of the protocol's event types.
func (t EventType) Known() bool {
	switch t {
	case EventToken, EventStatus, EventUsage, EventError, EventSystem, EventLog:
		return true
	}
	return false
}

// Event is a single decoded stream record.
// Text is set for token, status, error and system events, Usage for usage
// events and Log for log events.
type Event struct {
	Type  EventType
	Text  string
	Usage *domain.Usage
	Log   json.RawMessage
}

// Token returns a token event.
func Token(text string) Event { return Event{Type: EventToken, Text: text} }

// Status returns a status event.
func Status(text string) Event { return Event{Type: EventStatus, Text: text} }

// System returns a system event.
func System(text string) Event { return Event{Type: EventSystem, Text: text} }

// Error returns an error event.
func Error(text string) Event { return Event{Type: EventError, Text: text} }

// UsageEvent returns a usage event.
func UsageEvent(u domain.Usage) Event { return Event{Type: EventUsage, Usage: &u} }

// LogEvent returns a log event wrapping an arbitrary payload.
func LogEvent(v any) (Event, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Event{}, fmt.Errorf("marshal log payload: %w", err)
	}
	return Event{Type: EventLog, Log: data}, nil
}

type wireEvent struct {
	Type    EventType       `json:"type"`
	Content json.RawMessage `json:"content"`
}

// MarshalJSON encodes the event as {"type": ..., "content": ...}.
func (e Event) MarshalJSON() ([]byte, error) {
	var content any
	switch e.Type {
	case EventUsage:
		content = e.Usage
	case EventLog:
		if len(e.Log) == 0 {
			content = nil
		} else {
			content = e.Log
		}
	default:
		content = e.Text
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEvent{Type: e.Type, Content: raw})
}

// UnmarshalJSON decodes {"type": ..., "content": ...}. The content shape
// depends on the type; a string is accepted for any type.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = Event{Type: w.Type}
	if len(w.Content) == 0 || string(w.Content) == "null" {
		return nil
	}

	switch w.Type {
	case EventUsage:
		var u domain.Usage
		if err := json.Unmarshal(w.Content, &u); err != nil {
			return fmt.Errorf("decode usage content: %w", err)
		}
		e.Usage = &u
	case EventLog:
		e.Log = append(json.RawMessage(nil), w.Content...)
	default:
		var s string
		if err := json.Unmarshal(w.Content, &s); err != nil {
			// Non-string content on a text event is kept verbatim.
			s = string(w.Content)
		}
		e.Text = s
	}
	return nil
}
