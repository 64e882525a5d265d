package agent

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashureev/agentchat/internal/extract"
	"github.com/ashureev/agentchat/internal/llm"
	"github.com/ashureev/agentchat/internal/sandbox"
	"github.com/ashureev/agentchat/internal/search"
	"github.com/ashureev/agentchat/internal/stream"
	"github.com/ashureev/agentchat/internal/workspace"
)

// maxToolCalls bounds the tool calls executed for one reply.
const maxToolCalls = 8

// maxReadSize bounds the file content echoed back by read_file.
const maxReadSize = 64 << 10

// Coder answers with the model and then executes the tool calls found in
// the reply: file writes and reads inside the session workspace and Python
// runs in the session sandbox.
type Coder struct {
	llm       llm.Provider
	sandbox   sandbox.Executor
	ws        *workspace.Manager
	search    search.Searcher
	extractor *extract.Extractor
	logger    *slog.Logger
	now       func() time.Time
}

// NewCoder returns the coding agent.
func NewCoder(deps Deps) *Coder {
	deps = deps.withDefaults()
	return &Coder{
		llm:       deps.LLM,
		sandbox:   deps.Sandbox,
		ws:        deps.Workspace,
		search:    deps.Search,
		extractor: extract.New(extract.DefaultOptions(), deps.Logger),
		logger:    deps.Logger,
		now:       deps.Now,
	}
}

// Run implements Agent.
func (c *Coder) Run(ctx context.Context, turn Turn) iter.Seq2[stream.Event, error] {
	return func(yield func(stream.Event, error) bool) {
		system, ok := preamble(ctx, turn, coderInstruction(c.now(), turn.SearchEnabled), c.search, c.logger, yield)
		if !ok {
			return
		}
		req := llm.Request{
			Model:   turn.Model,
			System:  system,
			History: turn.History,
			Prompt:  turn.Message,
		}
		reply, ok := relay(ctx, c.llm, req, yield)
		if !ok {
			return
		}

		calls := c.extractor.Parse(reply).ToolCalls
		if len(calls) > maxToolCalls {
			c.logger.Warn("Too many tool calls in reply, truncating",
				"session_id", turn.SessionID, "count", len(calls))
			calls = calls[:maxToolCalls]
		}
		for _, call := range calls {
			if ctx.Err() != nil {
				yield(stream.Event{}, ctx.Err())
				return
			}
			if !yield(stream.Status("Running "+call.Tool+"..."), nil) {
				return
			}
			out := c.execute(ctx, turn, call)
			if !yield(stream.System(out.announcement), nil) {
				return
			}
			ev, err := stream.LogEvent(out.log)
			if err != nil {
				c.logger.Warn("Failed to encode tool log", "tool", call.Tool, "error", err)
				continue
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}

// toolOutcome is the announcement shown to the user and the structured
// record sent as a log event.
type toolOutcome struct {
	announcement string
	log          map[string]any
}

func (c *Coder) execute(ctx context.Context, turn Turn, call extract.ToolCall) toolOutcome {
	log := map[string]any{"tool": call.Tool, "params": call.Params}
	var (
		text string
		err  error
	)
	switch call.Tool {
	case "write_file":
		text, err = c.writeFile(turn, call.Params)
	case "read_file":
		text, err = c.readFile(turn, call.Params)
	case "list_directory":
		text, err = c.listDirectory(turn)
	case "execute_python", "run_code":
		text, err = c.runPython(ctx, turn, call.Params, log)
	case "web_search":
		text, err = c.webSearch(ctx, turn, call.Params)
	default:
		err = fmt.Errorf("unknown tool %q", call.Tool)
	}

	if err != nil {
		c.logger.Warn("Tool call failed",
			"session_id", turn.SessionID, "tool", call.Tool, "error", err)
		log["ok"] = false
		log["error"] = err.Error()
		var ee *executionError
		if errors.As(err, &ee) {
			return toolOutcome{announcement: ee.announcement(), log: log}
		}
		return toolOutcome{announcement: "❌ Execution failed: " + call.Tool + ": " + err.Error(), log: log}
	}
	log["ok"] = true
	return toolOutcome{announcement: text, log: log}
}

func (c *Coder) writeFile(turn Turn, params map[string]any) (string, error) {
	rel, err := stringParam(params, "path")
	if err != nil {
		return "", err
	}
	content, _ := params["content"].(string)
	path, err := c.resolve(turn, rel)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create parent dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", rel, err)
	}
	return "✅ File written: " + rel, nil
}

func (c *Coder) readFile(turn Turn, params map[string]any) (string, error) {
	rel, err := stringParam(params, "path")
	if err != nil {
		return "", err
	}
	path, err := c.resolve(turn, rel)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", rel, err)
	}
	if len(data) > maxReadSize {
		data = data[:maxReadSize]
	}
	return fmt.Sprintf("📄 File content (%s):\n```\n%s\n```", rel, strings.TrimRight(string(data), "\n")), nil
}

func (c *Coder) listDirectory(turn Turn) (string, error) {
	if c.ws == nil {
		return "", workspace.ErrNotFound
	}
	files, err := c.ws.ListFiles(turn.AgentType, turn.SessionID)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, f := range files.InputFiles {
		fmt.Fprintf(&b, "%s (%d bytes)\n", f.Path, f.Size)
	}
	for _, f := range files.WorkspaceFiles {
		fmt.Fprintf(&b, "%s (%d bytes)\n", f.Path, f.Size)
	}
	listing := strings.TrimRight(b.String(), "\n")
	if listing == "" {
		listing = "(empty)"
	}
	return "📊 Execution result: list_directory\n```\n" + listing + "\n```", nil
}

func (c *Coder) runPython(ctx context.Context, turn Turn, params map[string]any, log map[string]any) (string, error) {
	code, err := stringParam(params, "code")
	if err != nil {
		return "", err
	}
	if c.ws == nil {
		return "", workspace.ErrNotFound
	}
	dir, err := c.ws.WorkDir(turn.AgentType, turn.SessionID)
	if err != nil {
		return "", err
	}
	key := sandbox.Key{AgentType: turn.AgentType, SessionID: turn.SessionID, WorkDir: dir}
	res, err := c.sandbox.RunPython(ctx, key, code)
	if err != nil {
		return "", err
	}
	log["exit_code"] = res.ExitCode
	log["timed_out"] = res.TimedOut
	log["duration_ms"] = res.Duration.Milliseconds()
	c.recordExecution(turn, code, res)

	switch {
	case res.TimedOut:
		return "", &executionError{title: "timed out after " + res.Duration.Round(time.Second).String(), output: res.Stdout}
	case !res.OK():
		return "", &executionError{title: fmt.Sprintf("exit code %d", res.ExitCode), output: joinOutput(res.Stdout, res.Stderr)}
	}
	out := joinOutput(res.Stdout, res.Stderr)
	if out == "" {
		out = "(no output)"
	}
	return "📊 Execution result:\n```\n" + out + "\n```", nil
}

func (c *Coder) webSearch(ctx context.Context, turn Turn, params map[string]any) (string, error) {
	if !turn.SearchEnabled {
		return "", errors.New("web search is disabled for this turn")
	}
	if c.search == nil {
		return "", errors.New("web search is not configured")
	}
	query, err := stringParam(params, "query")
	if err != nil {
		return "", err
	}
	results, err := c.search.Search(ctx, query, search.DefaultLimit)
	if err != nil {
		return "", err
	}
	return "📊 Execution result: web_search\n```\n" + search.Format(results) + "\n```", nil
}

// recordExecution writes a code_exec log file for the session.
func (c *Coder) recordExecution(turn Turn, code string, res sandbox.Result) {
	if c.ws == nil {
		return
	}
	_, err := c.ws.WriteLog(turn.AgentType, turn.SessionID, "code_exec", map[string]any{
		"code":        code,
		"stdout":      res.Stdout,
		"stderr":      res.Stderr,
		"exit_code":   res.ExitCode,
		"timed_out":   res.TimedOut,
		"duration_ms": res.Duration.Milliseconds(),
	})
	if err != nil {
		c.logger.Warn("Failed to write execution log", "session_id", turn.SessionID, "error", err)
	}
}

func (c *Coder) resolve(turn Turn, rel string) (string, error) {
	if c.ws == nil {
		return "", workspace.ErrNotFound
	}
	return c.ws.ResolveFile(turn.AgentType, turn.SessionID, rel)
}

// executionError is a failed run whose output is shown below the
// announcement.
type executionError struct {
	title  string
	output string
}

func (e *executionError) Error() string { return "execution failed: " + e.title }

func (e *executionError) announcement() string {
	if e.output == "" {
		return "❌ Execution failed: " + e.title
	}
	return "❌ Execution failed: " + e.title + "\n```\n" + e.output + "\n```"
}

func stringParam(params map[string]any, name string) (string, error) {
	v, ok := params[name].(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("missing %q parameter", name)
	}
	return v, nil
}

func joinOutput(stdout, stderr string) string {
	stdout = strings.TrimRight(stdout, "\n")
	stderr = strings.TrimRight(stderr, "\n")
	switch {
	case stderr == "":
		return stdout
	case stdout == "":
		return stderr
	}
	return stdout + "\n" + stderr
}
