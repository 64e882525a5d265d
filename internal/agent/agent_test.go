package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/agentchat/internal/extract"
	"github.com/ashureev/agentchat/internal/llm"
	"github.com/ashureev/agentchat/internal/registry"
	"github.com/ashureev/agentchat/internal/sandbox"
	"github.com/ashureev/agentchat/internal/stream"
	"github.com/ashureev/agentchat/internal/workspace"
)

type fakeExecutor struct {
	mu    sync.Mutex
	codes []string
	keys  []sandbox.Key
	res   sandbox.Result
	err   error
}

func (f *fakeExecutor) RunPython(_ context.Context, key sandbox.Key, code string) (sandbox.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.codes = append(f.codes, code)
	f.keys = append(f.keys, key)
	return f.res, f.err
}

func (f *fakeExecutor) Release(context.Context, sandbox.Key) error { return nil }

func scripted(reply string) *llm.Echo {
	return &llm.Echo{Reply: func(llm.Request) (string, error) { return reply, nil }}
}

func collect(t *testing.T, seq func(func(stream.Event, error) bool)) ([]stream.Event, error) {
	t.Helper()
	var events []stream.Event
	for ev, err := range seq {
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func tokens(events []stream.Event) string {
	var b strings.Builder
	for _, ev := range events {
		if ev.Type == stream.EventToken {
			b.WriteString(ev.Text)
		}
	}
	return b.String()
}

func ofType(events []stream.Event, typ stream.EventType) []stream.Event {
	var out []stream.Event
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func newWorkspace(t *testing.T, agentType, sessionID string) *workspace.Manager {
	t.Helper()
	ws, err := workspace.New(t.TempDir())
	require.NoError(t, err)
	_, err = ws.Create(agentType, sessionID)
	require.NoError(t, err)
	return ws
}

func TestDialogStreamsTokensThenUsage(t *testing.T) {
	t.Parallel()

	d := NewDialog(Deps{LLM: scripted("Hello there, friend")})
	events, err := collect(t, d.Run(context.Background(), Turn{AgentType: "dialog", SessionID: "s1", Message: "hi"}))
	require.NoError(t, err)

	require.NotEmpty(t, events)
	assert.Equal(t, stream.Status(statusThinking), events[0])
	assert.Equal(t, "Hello there, friend", tokens(events))

	last := events[len(events)-1]
	require.Equal(t, stream.EventUsage, last.Type)
	require.NotNil(t, last.Usage)
	assert.Positive(t, last.Usage.SessionCompletionTokens)
	assert.Equal(t, last.Usage.SessionPromptTokens+last.Usage.SessionCompletionTokens, last.Usage.SessionTotalTokens)
}

func TestDialogPassesHistoryAndInstruction(t *testing.T) {
	t.Parallel()

	var got llm.Request
	p := &llm.Echo{Reply: func(req llm.Request) (string, error) {
		got = req
		return "ok", nil
	}}
	now := time.Date(2025, 3, 4, 5, 6, 0, 0, time.UTC)
	c := NewCrypto(Deps{LLM: p, Now: func() time.Time { return now }})

	_, err := collect(t, c.Run(context.Background(), Turn{Model: "gemini-2.0-flash", Message: "btc?"}))
	require.NoError(t, err)
	assert.Equal(t, "gemini-2.0-flash", got.Model)
	assert.Equal(t, "btc?", got.Prompt)
	assert.Contains(t, got.System, "cryptocurrency")
	assert.Contains(t, got.System, "2025-03-04 05:06")
}

func TestDialogSearchFlagAddsStatus(t *testing.T) {
	t.Parallel()

	d := NewDialog(Deps{LLM: scripted("x")})
	events, err := collect(t, d.Run(context.Background(), Turn{Message: "news", SearchEnabled: true}))
	require.NoError(t, err)

	statuses := ofType(events, stream.EventStatus)
	require.Len(t, statuses, 2)
	assert.Equal(t, statusNoSearch, statuses[1].Text)
}

func TestDialogProviderErrorEndsSequence(t *testing.T) {
	t.Parallel()

	p := &llm.Echo{Reply: func(llm.Request) (string, error) {
		return "", errors.New("quota exhausted")
	}}
	d := NewDialog(Deps{LLM: p})
	events, err := collect(t, d.Run(context.Background(), Turn{Message: "hi"}))
	require.Error(t, err)
	assert.ErrorIs(t, err, llm.ErrRateLimited)
	assert.Empty(t, ofType(events, stream.EventUsage))
}

func TestDialogStopsWhenConsumerStops(t *testing.T) {
	t.Parallel()

	d := NewDialog(Deps{LLM: scripted("one two three four")})
	n := 0
	for range d.Run(context.Background(), Turn{Message: "hi"}) {
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)
}

func TestCoderWritesAndReadsFiles(t *testing.T) {
	t.Parallel()

	ws := newWorkspace(t, "coder", "s1")
	reply := "Creating it.\n\n```json\n{\"tool\": \"write_file\", \"params\": {\"path\": \"src/hello.py\", \"content\": \"print('hi')\\n\"}}\n```\n\n" +
		"```json\n{\"tool\": \"read_file\", \"params\": {\"path\": \"./src/hello.py\"}}\n```"
	c := NewCoder(Deps{LLM: scripted(reply), Workspace: ws})

	events, err := collect(t, c.Run(context.Background(), Turn{AgentType: "coder", SessionID: "s1", Message: "write hello"}))
	require.NoError(t, err)

	system := ofType(events, stream.EventSystem)
	require.Len(t, system, 2)
	assert.Equal(t, "✅ File written: src/hello.py", system[0].Text)
	assert.Equal(t, "📄 File content (./src/hello.py):\n```\nprint('hi')\n```", system[1].Text)

	dir, err := ws.WorkDir("coder", "s1")
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(dir, "src", "hello.py"))
	require.NoError(t, err)
	assert.Equal(t, "print('hi')\n", string(data))

	assert.Len(t, ofType(events, stream.EventLog), 2)
}

func TestCoderAnnouncementsRoundTripThroughExtractor(t *testing.T) {
	t.Parallel()

	ws := newWorkspace(t, "coder", "s1")
	exec := &fakeExecutor{res: sandbox.Result{Stdout: "4\n"}}
	reply := "```json\n{\"tool\": \"execute_python\", \"params\": {\"code\": \"print(2 + 2)\"}}\n```"
	c := NewCoder(Deps{LLM: scripted(reply), Workspace: ws, Sandbox: exec})

	events, err := collect(t, c.Run(context.Background(), Turn{AgentType: "coder", SessionID: "s1", Message: "add"}))
	require.NoError(t, err)

	system := ofType(events, stream.EventSystem)
	require.Len(t, system, 1)
	pc := extract.Parse(system[0].Text)
	require.Len(t, pc.ToolResults, 1)
	assert.Equal(t, "4", pc.ToolResults[0].Body)

	require.Len(t, exec.codes, 1)
	assert.Equal(t, "print(2 + 2)", exec.codes[0])
	assert.Equal(t, "s1", exec.keys[0].SessionID)
	assert.NotEmpty(t, exec.keys[0].WorkDir)

	logs, err := ws.Logs("coder", "s1")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "code_exec", logs[0].Type)
	assert.Equal(t, "print(2 + 2)", logs[0].Data["code"])
}

func TestCoderExecutionFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		res  sandbox.Result
		err  error
		want string
	}{
		{
			name: "non-zero exit",
			res:  sandbox.Result{Stderr: "NameError: x\n", ExitCode: 1},
			want: "❌ Execution failed: exit code 1\n```\nNameError: x\n```",
		},
		{
			name: "timeout",
			res:  sandbox.Result{ExitCode: -1, TimedOut: true, Duration: 30 * time.Second},
			want: "❌ Execution failed: timed out after 30s",
		},
		{
			name: "disabled",
			err:  sandbox.ErrDisabled,
			want: "❌ Execution failed: execute_python: code execution is disabled",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ws := newWorkspace(t, "coder", "s1")
			exec := &fakeExecutor{res: tt.res, err: tt.err}
			reply := "```json\n{\"tool\": \"execute_python\", \"params\": {\"code\": \"x\"}}\n```"
			c := NewCoder(Deps{LLM: scripted(reply), Workspace: ws, Sandbox: exec})

			events, err := collect(t, c.Run(context.Background(), Turn{AgentType: "coder", SessionID: "s1"}))
			require.NoError(t, err)
			system := ofType(events, stream.EventSystem)
			require.Len(t, system, 1)
			assert.Equal(t, tt.want, system[0].Text)
		})
	}
}

func TestCoderRejectsEscapingPathsAndUnknownTools(t *testing.T) {
	t.Parallel()

	ws := newWorkspace(t, "coder", "s1")
	reply := "```json\n{\"tool\": \"write_file\", \"params\": {\"path\": \"../../etc/passwd\", \"content\": \"x\"}}\n```\n" +
		"```json\n{\"tool\": \"rm_rf\", \"params\": {}}\n```"
	c := NewCoder(Deps{LLM: scripted(reply), Workspace: ws})

	events, err := collect(t, c.Run(context.Background(), Turn{AgentType: "coder", SessionID: "s1"}))
	require.NoError(t, err)
	system := ofType(events, stream.EventSystem)
	require.Len(t, system, 2)
	assert.True(t, strings.HasPrefix(system[0].Text, "❌ Execution failed: write_file:"))
	assert.Contains(t, system[0].Text, "invalid path")
	assert.Equal(t, "❌ Execution failed: rm_rf: unknown tool \"rm_rf\"", system[1].Text)
}

func TestCoderListDirectory(t *testing.T) {
	t.Parallel()

	ws := newWorkspace(t, "coder", "s1")
	_, err := ws.SaveUpload("coder", "s1", "data.csv", strings.NewReader("a,b\n"), 0)
	require.NoError(t, err)
	c := NewCoder(Deps{LLM: scripted("```json\n{\"tool\": \"list_directory\", \"params\": {}}\n```"), Workspace: ws})

	events, err := collect(t, c.Run(context.Background(), Turn{AgentType: "coder", SessionID: "s1"}))
	require.NoError(t, err)
	system := ofType(events, stream.EventSystem)
	require.Len(t, system, 1)
	assert.Contains(t, system[0].Text, "input/data.csv (4 bytes)")
}

func TestServiceLookup(t *testing.T) {
	t.Parallel()

	svc := NewDefaultService(registry.Builtin(), Deps{LLM: scripted("hi")})

	_, err := svc.Lookup("dialog")
	require.NoError(t, err)

	_, err = svc.Lookup("nope")
	assert.ErrorIs(t, err, ErrUnknownAgent)

	_, err = svc.Lookup("mle")
	assert.ErrorIs(t, err, ErrUnavailable)

	events, err := collect(t, svc.Run(context.Background(), Turn{AgentType: "ds"}))
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Empty(t, events)
}

func TestServiceRunDispatches(t *testing.T) {
	t.Parallel()

	svc := NewDefaultService(registry.Builtin(), Deps{LLM: scripted("answer")})
	events, err := collect(t, svc.Run(context.Background(), Turn{AgentType: "crypto", Message: "eth"}))
	require.NoError(t, err)
	assert.Equal(t, "answer", tokens(events))
}
