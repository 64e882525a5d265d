// Package render formats chat messages and stream events for a terminal.
package render

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/ashureev/agentchat/internal/domain"
	"github.com/ashureev/agentchat/internal/extract"
	"github.com/ashureev/agentchat/internal/stream"
)

var (
	userStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")).
			Bold(true)

	assistantStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("135")).
			Bold(true)

	systemStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	reasoningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true).
			PaddingLeft(2)

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243")).
			Italic(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	resultStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	usageStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))
)

// Options configures a Renderer.
type Options struct {
	// Width is the word-wrap width for markdown; zero means 80.
	Width int
	// Plain disables markdown rendering and styling.
	Plain bool
	// Extract tunes how assistant messages are split.
	Extract extract.Options
}

// Renderer turns messages and events into printable text.
type Renderer struct {
	md        *glamour.TermRenderer
	plain     bool
	extractor *extract.Extractor
}

// New creates a renderer.
func New(opts Options) (*Renderer, error) {
	if opts.Width <= 0 {
		opts.Width = 80
	}
	r := &Renderer{
		plain:     opts.Plain,
		extractor: extract.New(opts.Extract, nil),
	}
	if !opts.Plain {
		md, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(opts.Width),
		)
		if err != nil {
			return nil, fmt.Errorf("create markdown renderer: %w", err)
		}
		r.md = md
	}
	return r, nil
}

func (r *Renderer) style(s lipgloss.Style, text string) string {
	if r.plain {
		return text
	}
	return s.Render(text)
}

// Markdown renders markdown text, falling back to the raw text on error.
func (r *Renderer) Markdown(text string) string {
	if r.md == nil {
		return strings.TrimRight(text, "\n")
	}
	out, err := r.md.Render(text)
	if err != nil {
		return text
	}
	return strings.Trim(out, "\n")
}

// Message renders a stored message. Assistant messages are split into
// reasoning, tool calls, tool results and the final answer.
func (r *Renderer) Message(m domain.Message) string {
	switch m.Role {
	case domain.RoleUser:
		return r.style(userStyle, "You") + "\n" + m.Content
	case domain.RoleSystem:
		return r.style(systemStyle, "System") + "\n" + r.toolResults(r.extractor.Parse(m.Content).ToolResults, m.Content)
	default:
		return r.style(assistantStyle, "Assistant") + "\n" + r.Parsed(r.extractor.Parse(m.Content))
	}
}

// Parsed renders an already-parsed assistant message.
func (r *Renderer) Parsed(pc extract.ParsedContent) string {
	var parts []string
	if pc.HasReasoning {
		parts = append(parts, r.style(reasoningStyle, "Thought: "+pc.Reasoning))
	}
	for _, call := range pc.ToolCalls {
		parts = append(parts, r.style(systemStyle, "→ "+formatCall(call)))
	}
	if len(pc.ToolResults) > 0 {
		parts = append(parts, r.toolResults(pc.ToolResults, ""))
	}
	if pc.FinalAnswer != "" {
		parts = append(parts, r.Markdown(pc.FinalAnswer))
	}
	return strings.Join(parts, "\n\n")
}

func (r *Renderer) toolResults(results []extract.ToolResult, fallback string) string {
	if len(results) == 0 {
		return fallback
	}
	blocks := make([]string, 0, len(results))
	for _, res := range results {
		text := heading(res)
		if res.Body != "" {
			text += "\n" + res.Body
		}
		blocks = append(blocks, r.style(resultStyle, text))
	}
	return strings.Join(blocks, "\n")
}

// Event renders a live stream event that is not a token. Tokens are printed
// as they arrive and return themselves unchanged.
func (r *Renderer) Event(ev stream.Event) string {
	switch ev.Type {
	case stream.EventToken:
		return ev.Text
	case stream.EventStatus:
		return r.style(statusStyle, ev.Text)
	case stream.EventError:
		return r.style(errorStyle, "❌ Error: "+ev.Text)
	case stream.EventSystem:
		return r.toolResults(r.extractor.Parse(ev.Text).ToolResults, ev.Text)
	case stream.EventUsage:
		if ev.Usage == nil {
			return ""
		}
		return r.Usage(*ev.Usage)
	default:
		return ""
	}
}

// Usage renders session token totals.
func (r *Renderer) Usage(u domain.Usage) string {
	return r.style(usageStyle, fmt.Sprintf("tokens: %d prompt, %d completion, %d total (%.2f%% of context)",
		u.SessionPromptTokens, u.SessionCompletionTokens, u.SessionTotalTokens, u.ContextUsagePercent))
}

// Session renders a session header followed by its messages.
func (r *Renderer) Session(s *domain.Session) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %s", r.style(assistantStyle, s.AgentType), s.ID)
	if s.State.ModelID != "" {
		fmt.Fprintf(&b, "  (%s)", s.State.ModelID)
	}
	for _, m := range s.Messages {
		if m.Transient {
			continue
		}
		b.WriteString("\n\n")
		b.WriteString(r.Message(m))
	}
	if s.State.Usage != nil {
		b.WriteString("\n\n")
		b.WriteString(r.Usage(*s.State.Usage))
	}
	return b.String()
}

func heading(res extract.ToolResult) string {
	var label string
	switch res.Kind {
	case extract.ResultFileWritten:
		label = "✅ File written"
	case extract.ResultFileContent:
		label = "📄 File content"
	case extract.ResultExecutionError:
		label = "❌ Execution failed"
	default:
		label = "📊 Execution result"
	}
	if res.Title == "" {
		return label
	}
	return label + ": " + res.Title
}

func formatCall(call extract.ToolCall) string {
	if len(call.Params) == 0 {
		return call.Tool + "()"
	}
	keys := make([]string, 0, len(call.Params))
	for k := range call.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]string, 0, len(keys))
	for _, k := range keys {
		v, err := json.Marshal(call.Params[k])
		if err != nil {
			v = []byte("?")
		}
		s := []rune(string(v))
		if len(s) > 40 {
			s = append(s[:37], []rune("...")...)
		}
		args = append(args, k+"="+string(s))
	}
	return call.Tool + "(" + strings.Join(args, ", ") + ")"
}
