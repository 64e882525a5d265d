// Package extract parses free-form assistant text into reasoning, tool calls,
// tool results and a final answer.
//
// LLM output has no fixed schema, so parsing is best effort: a list of
// independent matchers claims spans of the raw text and the final answer is
// whatever no matcher claimed. Text no matcher understands always falls
// through to the final answer untouched.
package extract

import (
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"unicode"
)

// ToolCall is a tool invocation embedded by the model in its reply.
type ToolCall struct {
	Tool   string         `json:"tool"`
	Params map[string]any `json:"params"`
}

// ResultKind classifies a tool result announcement.
type ResultKind string

const (
	// ResultFileWritten is a "✅ File written: <path>" announcement.
	ResultFileWritten ResultKind = "file_written"
	// ResultExecutionError is a "❌ Execution failed" announcement.
	ResultExecutionError ResultKind = "execution_error"
	// ResultFileContent is a "📄 File content" dump.
	ResultFileContent ResultKind = "file_content"
	// ResultExecution is a "📊 Execution result" dump.
	ResultExecution ResultKind = "execution_result"
)

// ToolResult is a recognised tool output announcement.
type ToolResult struct {
	Kind  ResultKind `json:"kind"`
	Title string     `json:"title"`
	Body  string     `json:"body"`
}

// ParsedContent is the structured view of one assistant message. It is
// derived on demand and never persisted.
type ParsedContent struct {
	Reasoning    string       `json:"reasoning"`
	ToolCalls    []ToolCall   `json:"tool_calls"`
	ToolResults  []ToolResult `json:"tool_results"`
	FinalAnswer  string       `json:"final_answer"`
	HasReasoning bool         `json:"has_reasoning"`
}

// TruncationMarker is appended to bodies cut at their preview length.
const TruncationMarker = "\n… (truncated)"

// Options holds the tunable thresholds of the extractor.
type Options struct {
	// FileContentPreview bounds the body of file-content dumps, in runes.
	FileContentPreview int
	// ExecutionResultPreview bounds the body of execution-result dumps, in runes.
	ExecutionResultPreview int
	// MinFinalAnswer is the length under which a wordless leftover is dropped
	// when tool calls were found.
	MinFinalAnswer int
}

// DefaultOptions returns the thresholds used by Parse.
func DefaultOptions() Options {
	return Options{
		FileContentPreview:     500,
		ExecutionResultPreview: 150,
		MinFinalAnswer:         20,
	}
}

// Extractor parses assistant text with a fixed set of options.
type Extractor struct {
	opts     Options
	matchers []matcher
	logger   *slog.Logger
}

// New creates an extractor. Non-positive previews and a negative
// MinFinalAnswer fall back to the defaults.
func New(opts Options, logger *slog.Logger) *Extractor {
	def := DefaultOptions()
	if opts.FileContentPreview <= 0 {
		opts.FileContentPreview = def.FileContentPreview
	}
	if opts.ExecutionResultPreview <= 0 {
		opts.ExecutionResultPreview = def.ExecutionResultPreview
	}
	if opts.MinFinalAnswer < 0 {
		opts.MinFinalAnswer = def.MinFinalAnswer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		opts:   opts,
		logger: logger,
		matchers: []matcher{
			thinkingMatcher{},
			fencedToolCallMatcher{},
			rawToolCallMatcher{},
			toolResultMatcher{opts: opts},
			newMarkupMatcher(logger),
			headingMatcher{},
		},
	}
}

var defaultExtractor = New(DefaultOptions(), nil)

// Parse extracts structure from raw with the default options. It is safe to
// call on every streamed prefix of a message.
func Parse(raw string) ParsedContent {
	return defaultExtractor.Parse(raw)
}

// Parse extracts structure from raw. It never panics; on an internal failure
// the whole text is returned as the final answer.
func (x *Extractor) Parse(raw string) (pc ParsedContent) {
	defer func() {
		if r := recover(); r != nil {
			x.logger.Warn("content extraction failed, showing raw text", "panic", r)
			pc = ParsedContent{FinalAnswer: strings.TrimSpace(raw)}
		}
	}()

	if raw == "" {
		return ParsedContent{}
	}

	c := &claims{}
	for _, m := range x.matchers {
		m.apply(raw, c, &pc)
	}

	pc.FinalAnswer = cleanup(c.subtract(raw))
	if len(pc.ToolCalls) > 0 && nearEmpty(pc.FinalAnswer, x.opts.MinFinalAnswer) {
		pc.FinalAnswer = ""
	}
	return pc
}

var (
	emptyFence     = regexp.MustCompile("(?m)^[ \\t]*```[\\w+-]*[ \\t]*\\n(?:[ \\t]*\\n)*[ \\t]*```[ \\t]*$")
	danglingFence  = regexp.MustCompile("\\n[ \\t]*```[\\w+-]*[ \\t]*$")
	excessNewlines = regexp.MustCompile(`\n[ \t]*\n(?:[ \t]*\n)+`)
)

// cleanup drops empty code fences left behind by removed spans and
// collapses runs of blank lines.
func cleanup(s string) string {
	s = emptyFence.ReplaceAllString(s, "")
	s = strings.TrimRight(s, " \t\n")
	s = danglingFence.ReplaceAllString(s, "")
	s = excessNewlines.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// nearEmpty reports whether s is a short fragment without a single word,
// such as leftover punctuation between removed blocks.
func nearEmpty(s string, minLen int) bool {
	if s == "" {
		return true
	}
	if len([]rune(s)) >= minLen {
		return false
	}
	run := 0
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			run++
			if run >= 2 {
				return false
			}
			continue
		}
		run = 0
	}
	return true
}

// truncate cuts s to at most limit runes, appending TruncationMarker when
// something was removed.
func truncate(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + TruncationMarker
}

// span is a half-open byte range of the raw text.
type span struct {
	start, end int
}

// claims is the set of spans removed from the final answer.
type claims struct {
	spans []span
}

func (c *claims) add(start, end int) {
	if end > start {
		c.spans = append(c.spans, span{start, end})
	}
}

// overlaps reports whether [start, end) intersects any claimed span.
func (c *claims) overlaps(start, end int) bool {
	for _, s := range c.spans {
		if start < s.end && s.start < end {
			return true
		}
	}
	return false
}

// subtract returns raw with every claimed span removed.
func (c *claims) subtract(raw string) string {
	if len(c.spans) == 0 {
		return raw
	}
	spans := append([]span(nil), c.spans...)
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })

	var b strings.Builder
	pos := 0
	for _, s := range spans {
		if s.start > pos {
			b.WriteString(raw[pos:s.start])
		}
		if s.end > pos {
			pos = s.end
		}
	}
	if pos < len(raw) {
		b.WriteString(raw[pos:])
	}
	return b.String()
}
