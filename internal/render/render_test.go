package render

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/agentchat/internal/domain"
	"github.com/ashureev/agentchat/internal/extract"
	"github.com/ashureev/agentchat/internal/stream"
)

func plain(t *testing.T) *Renderer {
	t.Helper()
	r, err := New(Options{Plain: true})
	require.NoError(t, err)
	return r
}

func TestParsed(t *testing.T) {
	r := plain(t)

	out := r.Parsed(extract.ParsedContent{
		Reasoning:    "look at the file first",
		HasReasoning: true,
		ToolCalls: []extract.ToolCall{
			{Tool: "read_file", Params: map[string]any{"path": "a.py"}},
			{Tool: "list_directory"},
		},
		ToolResults: []extract.ToolResult{
			{Kind: extract.ResultExecutionError, Title: "exit code 1", Body: "Traceback"},
		},
		FinalAnswer: "All done.",
	})

	assert.Equal(t, strings.Join([]string{
		"Thought: look at the file first",
		`→ read_file(path="a.py")`,
		"→ list_directory()",
		"❌ Execution failed: exit code 1\nTraceback",
		"All done.",
	}, "\n\n"), out)
}

func TestMessage(t *testing.T) {
	r := plain(t)

	assert.Equal(t, "You\nhello", r.Message(domain.Message{Role: domain.RoleUser, Content: "hello"}))
	assert.Equal(t, "System\n✅ File written: a.py",
		r.Message(domain.Message{Role: domain.RoleSystem, Content: "✅ File written: a.py"}))
	assert.Equal(t, "System\nplain note", r.Message(domain.Message{Role: domain.RoleSystem, Content: "plain note"}))

	out := r.Message(domain.Message{Role: domain.RoleAssistant, Content: "**Thought:** hmm\n\nThe answer is 4."})
	assert.True(t, strings.HasPrefix(out, "Assistant\n"))
	assert.Contains(t, out, "Thought: hmm")
	assert.True(t, strings.HasSuffix(out, "The answer is 4."))
}

func TestEvent(t *testing.T) {
	r := plain(t)

	tests := []struct {
		ev   stream.Event
		want string
	}{
		{stream.Token("Hel"), "Hel"},
		{stream.Status("Thinking..."), "Thinking..."},
		{stream.Error("429 rate limit exceeded"), "❌ Error: 429 rate limit exceeded"},
		{stream.System("📊 Execution result:\n```\nok\n```"), "📊 Execution result\nok"},
		{stream.UsageEvent(domain.Usage{SessionPromptTokens: 10, SessionCompletionTokens: 5, SessionTotalTokens: 15, ContextUsagePercent: 0.18}),
			"tokens: 10 prompt, 5 completion, 15 total (0.18% of context)"},
		{stream.Event{Type: stream.EventUsage}, ""},
		{stream.Event{Type: stream.EventLog, Log: []byte(`{}`)}, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, r.Event(tt.ev), string(tt.ev.Type))
	}
}

func TestSessionSkipsTransientMessages(t *testing.T) {
	r := plain(t)
	sess := &domain.Session{
		ID:        "s1",
		AgentType: "dialog",
		State:     domain.SessionState{ModelID: "echo"},
		Messages: []domain.Message{
			{Role: domain.RoleUser, Content: "hi"},
			{Role: domain.RoleAssistant, Content: "Thinking...", Transient: true},
			{Role: domain.RoleAssistant, Content: "hello"},
		},
	}

	out := r.Session(sess)
	assert.True(t, strings.HasPrefix(out, "dialog  s1  (echo)"))
	assert.NotContains(t, out, "Thinking...")
	assert.Contains(t, out, "Assistant\nhello")
}

func TestMarkdownRendering(t *testing.T) {
	r, err := New(Options{Width: 60})
	require.NoError(t, err)

	out := r.Markdown("# Title\n\nSome **bold** text.")
	assert.Contains(t, out, "Title")
	assert.Contains(t, out, "bold")
}

func TestFormatCallTruncatesLongValues(t *testing.T) {
	got := formatCall(extract.ToolCall{Tool: "write_file", Params: map[string]any{
		"path":    "a.py",
		"content": strings.Repeat("é", 100),
	}})
	assert.True(t, strings.HasPrefix(got, `write_file(content="`))
	assert.Contains(t, got, `..., path="a.py")`)
	assert.Equal(t, 37, strings.Count(got, "é")+1, "opening quote plus 36 runes")
}
