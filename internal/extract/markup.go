package extract

import (
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dlclark/regexp2"
)

// reasoningLabels are the ReAct-style labels models use when they narrate
// their steps, in English and Russian. Longer labels come first so
// "Action Input" wins over "Action".
const reasoningLabels = `Thought|Thinking|Мысль|Размышление|Action Input|Action|Действие|Parameters|Параметры|Observation|Наблюдение`

// thoughtLabels are the labels whose body is the model's reasoning.
var thoughtLabels = map[string]bool{
	"thought":     true,
	"thinking":    true,
	"мысль":       true,
	"размышление": true,
}

const labelPrefix = `[ \t]*(?:\*\*)?(?:` + reasoningLabels + `)(?:\*\*)?[ \t]*:`

// A labelled block is the label's line plus the indented lines that follow
// it. An indented line that starts another label opens a new block. RE2 has
// no lookahead, hence regexp2.
var reasoningMarkupPattern = `^[ \t]*(?:\*\*)?(?<label>` + reasoningLabels + `)(?:\*\*)?[ \t]*:(?:\*\*)?` +
	`(?<body>[^\n]*(?:\n(?!` + labelPrefix + `)[ \t]+\S[^\n]*)*)`

const markupMatchTimeout = 250 * time.Millisecond

// markupMatcher strips Thought/Action/Parameters/Observation markup and keeps
// the body of Thought blocks as reasoning.
type markupMatcher struct {
	re     *regexp2.Regexp
	logger *slog.Logger
}

func newMarkupMatcher(logger *slog.Logger) markupMatcher {
	re := regexp2.MustCompile(reasoningMarkupPattern, regexp2.Multiline|regexp2.IgnoreCase)
	re.MatchTimeout = markupMatchTimeout
	return markupMatcher{re: re, logger: logger}
}

func (m markupMatcher) apply(raw string, c *claims, pc *ParsedContent) {
	offsets := runeOffsets(raw)
	var thoughts []string
	match, err := m.re.FindStringMatch(raw)
	for match != nil && err == nil {
		start := offsets[match.Index]
		end := offsets[match.Index+match.Length]
		// A label inside an already claimed span, such as a thinking block,
		// is not a thought of its own.
		if !c.overlaps(start, start+1) {
			label := strings.ToLower(match.GroupByName("label").String())
			if thoughtLabels[label] {
				if body := thoughtBody(match.GroupByName("body").String()); body != "" {
					thoughts = append(thoughts, body)
				}
			}
		}
		c.add(start, end)
		match, err = m.re.FindNextMatch(match)
	}
	if err != nil {
		// Timeouts leave the markup in the answer.
		m.logger.Debug("reasoning markup scan aborted", "error", err)
	}
	if len(thoughts) == 0 {
		return
	}
	pc.HasReasoning = true
	if pc.Reasoning != "" {
		thoughts = append([]string{pc.Reasoning}, thoughts...)
	}
	pc.Reasoning = strings.Join(thoughts, "\n\n")
}

// thoughtBody joins the lines of a Thought block without their indentation.
func thoughtBody(body string) string {
	lines := strings.Split(body, "\n")
	out := lines[:0]
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}

// runeOffsets maps rune indexes of s to byte offsets; the extra final entry
// is len(s).
func runeOffsets(s string) []int {
	offsets := make([]int, 0, utf8.RuneCountInString(s)+1)
	for i := range s {
		offsets = append(offsets, i)
	}
	return append(offsets, len(s))
}
