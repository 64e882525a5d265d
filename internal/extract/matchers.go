package extract

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"
)

// matcher claims spans of the raw text and records what it found.
type matcher interface {
	apply(raw string, c *claims, pc *ParsedContent)
}

// thinkingMatcher pulls <think>/<thinking> blocks out as reasoning. An
// unterminated block is reasoning still being streamed, but only when its
// opening tag starts a line. Tags inside code are left alone.
type thinkingMatcher struct{}

var (
	thinkingBlock = regexp.MustCompile(`(?is)<(think|thinking)>(.*?)</(?:think|thinking)>`)
	thinkingOpen  = regexp.MustCompile(`(?im)^[ \t]*<(?:think|thinking)>`)
)

func (thinkingMatcher) apply(raw string, c *claims, pc *ParsedContent) {
	var parts []string
	last := 0
	for _, m := range thinkingBlock.FindAllStringSubmatchIndex(raw, -1) {
		if inCode(raw, m[0]) {
			continue
		}
		c.add(m[0], m[1])
		parts = append(parts, strings.TrimSpace(raw[m[4]:m[5]]))
		last = m[1]
	}
	for _, loc := range thinkingOpen.FindAllStringIndex(raw[last:], -1) {
		start, end := last+loc[0], last+loc[1]
		if inCode(raw, start) {
			continue
		}
		c.add(start, len(raw))
		parts = append(parts, strings.TrimSpace(raw[end:]))
		break
	}
	if len(parts) == 0 {
		return
	}
	pc.HasReasoning = true
	nonEmpty := parts[:0]
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	pc.Reasoning = strings.Join(nonEmpty, "\n\n")
}

// inCode reports whether pos falls inside a fenced code block or an inline
// code span on its line.
func inCode(raw string, pos int) bool {
	fences := 0
	for _, line := range strings.Split(raw[:pos], "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			fences++
		}
	}
	if fences%2 == 1 {
		return true
	}
	lineStart := strings.LastIndexByte(raw[:pos], '\n') + 1
	return strings.Count(raw[lineStart:pos], "`")%2 == 1
}

// codeFence matches a complete fenced code block.
var codeFence = regexp.MustCompile("(?s)```([\\w+-]*)[ \\t]*\\n?(.*?)```")

// fencedToolCallMatcher extracts tool-call objects from code fences.
type fencedToolCallMatcher struct{}

func (fencedToolCallMatcher) apply(raw string, c *claims, pc *ParsedContent) {
	for _, m := range codeFence.FindAllStringSubmatchIndex(raw, -1) {
		if c.overlaps(m[0], m[1]) {
			continue
		}
		body := strings.TrimSpace(raw[m[4]:m[5]])
		if !strings.HasPrefix(body, "{") {
			continue
		}
		call, ok := parseToolCall(body)
		if !ok {
			continue
		}
		pc.ToolCalls = append(pc.ToolCalls, call)
		c.add(m[0], m[1])
	}
}

// rawToolCallMatcher scans for bare JSON objects with a "tool" field. It only
// runs when no fenced tool call was found.
type rawToolCallMatcher struct{}

func (rawToolCallMatcher) apply(raw string, c *claims, pc *ParsedContent) {
	if len(pc.ToolCalls) > 0 {
		return
	}
	for i := 0; i < len(raw); i++ {
		if raw[i] != '{' {
			continue
		}
		end, ok := matchBrace(raw, i)
		if !ok {
			// Unbalanced: the object is still streaming or broken.
			continue
		}
		candidate := raw[i:end]
		if !strings.Contains(candidate, `"tool"`) || c.overlaps(i, end) {
			continue
		}
		call, ok := parseToolCall(candidate)
		if !ok {
			continue
		}
		pc.ToolCalls = append(pc.ToolCalls, call)
		c.add(i, end)
		i = end - 1
	}
}

// parseToolCall decodes a {"tool": ..., "params": ...} object. The params key
// may also be spelled "parameters" or "arguments".
func parseToolCall(s string) (ToolCall, bool) {
	var obj struct {
		Tool       string         `json:"tool"`
		Params     map[string]any `json:"params"`
		Parameters map[string]any `json:"parameters"`
		Arguments  map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return ToolCall{}, false
	}
	if obj.Tool == "" {
		return ToolCall{}, false
	}
	params := obj.Params
	if params == nil {
		params = obj.Parameters
	}
	if params == nil {
		params = obj.Arguments
	}
	if params == nil {
		params = map[string]any{}
	}
	return ToolCall{Tool: obj.Tool, Params: params}, true
}

// matchBrace returns the index just past the brace that closes the object
// opened at raw[open]. Braces inside JSON strings are ignored.
func matchBrace(raw string, open int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := open; i < len(raw); i++ {
		ch := raw[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1, true
			}
		}
	}
	return 0, false
}

// toolResultMatcher recognises the fixed announcements agents print after
// running a tool.
type toolResultMatcher struct {
	opts Options
}

var (
	fileWrittenLine = regexp.MustCompile(`(?im)^[ \t]*✅[ \t]*(?:File written|File saved|Файл записан|Файл сохран[её]н)[ \t]*:?[ \t]*([^\n]*)$`)
	executionFailed = regexp.MustCompile("(?ims)^[ \\t]*❌[ \\t]*(?:Execution failed|Execution error|Ошибка выполнения)[ \\t]*:?[ \\t]*([^\\n]*)(?:\\n```[^\\n]*\\n(.*?)(?:```|\\z))?")
	fileContentDump = regexp.MustCompile("(?is)📄[ \\t]*(?:File content|Содержимое файла)[ \\t]*(?:\\(([^)\\n]*)\\)|`([^`\\n]*)`)?[ \\t]*:?[ \\t]*\\n```[^\\n]*\\n(.*?)(?:```|\\z)")
	executionDump   = regexp.MustCompile("(?is)📊[ \\t]*(?:Execution result|Результат выполнения)[ \\t]*:?[ \\t]*([^\\n]*)\\n```[^\\n]*\\n(.*?)(?:```|\\z)")
)

type locatedResult struct {
	start  int
	result ToolResult
}

func (m toolResultMatcher) apply(raw string, c *claims, pc *ParsedContent) {
	var found []locatedResult
	record := func(start, end int, r ToolResult) {
		if c.overlaps(start, end) {
			return
		}
		c.add(start, end)
		found = append(found, locatedResult{start: start, result: r})
	}

	for _, loc := range fileWrittenLine.FindAllStringSubmatchIndex(raw, -1) {
		record(loc[0], loc[1], ToolResult{
			Kind:  ResultFileWritten,
			Title: strings.TrimSpace(raw[loc[2]:loc[3]]),
		})
	}
	for _, loc := range executionFailed.FindAllStringSubmatchIndex(raw, -1) {
		body := ""
		if loc[4] >= 0 {
			body = strings.TrimRight(raw[loc[4]:loc[5]], "\n")
		}
		record(loc[0], loc[1], ToolResult{
			Kind:  ResultExecutionError,
			Title: strings.TrimSpace(raw[loc[2]:loc[3]]),
			Body:  truncate(body, m.opts.ExecutionResultPreview),
		})
	}
	for _, loc := range fileContentDump.FindAllStringSubmatchIndex(raw, -1) {
		title := ""
		switch {
		case loc[2] >= 0:
			title = raw[loc[2]:loc[3]]
		case loc[4] >= 0:
			title = raw[loc[4]:loc[5]]
		}
		record(loc[0], loc[1], ToolResult{
			Kind:  ResultFileContent,
			Title: strings.TrimSpace(title),
			Body:  truncate(strings.TrimRight(raw[loc[6]:loc[7]], "\n"), m.opts.FileContentPreview),
		})
	}
	for _, loc := range executionDump.FindAllStringSubmatchIndex(raw, -1) {
		record(loc[0], loc[1], ToolResult{
			Kind:  ResultExecution,
			Title: strings.TrimSpace(raw[loc[2]:loc[3]]),
			Body:  truncate(strings.TrimRight(raw[loc[4]:loc[5]], "\n"), m.opts.ExecutionResultPreview),
		})
	}

	sort.SliceStable(found, func(i, j int) bool { return found[i].start < found[j].start })
	for _, f := range found {
		pc.ToolResults = append(pc.ToolResults, f.result)
	}
}

// headingMatcher strips headings that introduce execution or verification
// result sections.
type headingMatcher struct{}

var resultHeading = regexp.MustCompile(`(?im)^[ \t]*#{1,6}[ \t]*(?:✅|❌)?[ \t]*(?:Execution results?|Tool execution results?|Verification results?|Verification|Результаты? выполнения(?: инструментов)?|Результаты? проверки|Верификация)[^\n]*\n?`)

func (headingMatcher) apply(raw string, c *claims, _ *ParsedContent) {
	for _, loc := range resultHeading.FindAllStringIndex(raw, -1) {
		c.add(loc[0], loc[1])
	}
}
