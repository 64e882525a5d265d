// Package conversation holds the message list of the active chat session
// and applies streamed events to it.
package conversation

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/agentchat/internal/domain"
)

// ErrorMarker prefixes error annotations written into assistant messages.
const ErrorMarker = "❌ Error:"

// placeholders are contents a front end shows while waiting for the first
// token. They are overwritten by an error instead of being appended to.
var placeholders = []string{"...", "…", "Thinking...", "Thinking…"}

// Log is the message list of one session. At most one assistant message is
// open for tokens at a time; it is always the last message.
//
// Methods are safe for concurrent use, but callers are expected to have a
// single writer per turn.
type Log struct {
	mu       sync.Mutex
	messages []domain.Message
	open     bool
	now      func() time.Time
}

// New returns an empty log.
func New() *Log {
	return &Log{now: time.Now}
}

// AppendUser appends a user message stamped with the current time. Any open
// assistant message is closed first.
func (l *Log) AppendUser(content string, files []string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.open = false
	l.messages = append(l.messages, domain.Message{
		Role:      domain.RoleUser,
		Content:   content,
		Timestamp: l.now(),
		Files:     slices.Clone(files),
	})
}

// OpenAssistantPlaceholder appends an empty assistant message and opens it
// for tokens.
func (l *Log) OpenAssistantPlaceholder() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.messages = append(l.messages, domain.Message{
		Role:      domain.RoleAssistant,
		Timestamp: l.now(),
	})
	l.open = true
}

// ApplyToken appends text to the open assistant message. It reports false,
// and changes nothing, when no message is open.
func (l *Log) ApplyToken(text string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	i, ok := l.openIndex()
	if !ok {
		return false
	}
	m := l.messages[i]
	m.Content += text
	l.replace(i, m)
	return true
}

// ApplyError writes an error annotation into the open assistant message.
// Empty or placeholder content is replaced; anything else is kept and the
// annotation follows it after a blank line. With no open message the
// annotation becomes a new assistant message.
func (l *Log) ApplyError(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	annotation := FormatError(msg)
	i, ok := l.openIndex()
	if !ok {
		l.messages = append(l.messages, domain.Message{
			Role:      domain.RoleAssistant,
			Content:   annotation,
			Timestamp: l.now(),
		})
		return
	}

	m := l.messages[i]
	if isPlaceholder(m.Content) {
		m.Content = annotation
	} else {
		m.Content = strings.TrimRight(m.Content, "\n") + "\n\n" + annotation
	}
	l.replace(i, m)
}

// LoadHistory replaces the whole message list, closing any open message.
func (l *Log) LoadHistory(msgs []domain.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.messages = slices.Clone(msgs)
	l.open = false
}

// Snapshot returns a copy of the message list. Later changes to the log are
// not visible through it.
func (l *Log) Snapshot() []domain.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.messages)
}

// Open reports whether an assistant message is accepting tokens.
func (l *Log) Open() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.open
}

// Close ends the current turn. Further tokens are ignored until a new
// placeholder is opened.
func (l *Log) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.open = false
}

// ResetErroredAssistant prepares the last assistant message for a retry:
// if it carries an error annotation its content is emptied and it is
// reopened for tokens. It reports whether a message was reset.
func (l *Log) ResetErroredAssistant() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.messages) == 0 {
		return false
	}
	i := len(l.messages) - 1
	m := l.messages[i]
	if m.Role != domain.RoleAssistant || !strings.Contains(m.Content, ErrorMarker) {
		return false
	}
	m.Content = ""
	m.Timestamp = l.now()
	l.replace(i, m)
	l.open = true
	return true
}

// TruncateAfterLastUser drops every message after the last user message and
// returns that message. It is used to regenerate an answer.
func (l *Log) TruncateAfterLastUser() (domain.Message, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := len(l.messages) - 1; i >= 0; i-- {
		if l.messages[i].Role == domain.RoleUser {
			l.messages = slices.Clone(l.messages[:i+1])
			l.open = false
			return l.messages[i], true
		}
	}
	return domain.Message{}, false
}

func (l *Log) openIndex() (int, bool) {
	if !l.open || len(l.messages) == 0 {
		return 0, false
	}
	i := len(l.messages) - 1
	if l.messages[i].Role != domain.RoleAssistant {
		return 0, false
	}
	return i, true
}

// replace swaps in a new value for message i. Snapshots hold their own
// copies, so they keep the old value.
func (l *Log) replace(i int, m domain.Message) {
	l.messages[i] = m
}

// FormatError renders an error as it appears inside an assistant message.
func FormatError(msg string) string {
	return ErrorMarker + " " + strings.TrimSpace(msg)
}

func isPlaceholder(content string) bool {
	c := strings.TrimSpace(content)
	return c == "" || slices.Contains(placeholders, c)
}
