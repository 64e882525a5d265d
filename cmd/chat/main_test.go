package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/agentchat/internal/agent"
	"github.com/ashureev/agentchat/internal/api"
	"github.com/ashureev/agentchat/internal/identity"
	"github.com/ashureev/agentchat/internal/llm"
	"github.com/ashureev/agentchat/internal/registry"
	"github.com/ashureev/agentchat/internal/store"
	"github.com/ashureev/agentchat/internal/workspace"
)

func newServer(t *testing.T, reply func(llm.Request) (string, error)) string {
	t.Helper()
	return newServerWith(t, &llm.Echo{Reply: reply})
}

func newServerWith(t *testing.T, provider llm.Provider) string {
	t.Helper()

	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "cli.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	ws, err := workspace.New(t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	reg := registry.Builtin()
	h := api.NewHandler(api.Deps{
		Repo:      repo,
		Workspace: ws,
		Registry:  reg,
		Agents:    agent.NewDefaultService(reg, agent.Deps{LLM: provider, Workspace: ws}),
		Limiter:   api.NewRateLimiter(ctx, 100, time.Minute),
	}, api.Options{Provider: "echo"})

	r := chi.NewRouter()
	r.Use(identity.Middleware(true))
	h.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv.URL
}

func run(t *testing.T, url, input string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out, strings.NewReader(input))
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"--url", url, "--user", "cli-user", "--plain"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestAgentsCommand(t *testing.T) {
	url := newServer(t, nil)

	out, err := run(t, url, "", "agents")
	require.NoError(t, err)
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "dialog")
	assert.Contains(t, out, "coder")
}

func TestSessionLifecycle(t *testing.T) {
	url := newServer(t, nil)

	out, err := run(t, url, "", "sessions", "new", "dialog")
	require.NoError(t, err)
	id := strings.TrimSpace(out)
	require.NotEmpty(t, id)

	out, err = run(t, url, "", "sessions", "list")
	require.NoError(t, err)
	assert.Contains(t, out, id)

	_, err = run(t, url, "", "sessions", "delete", "dialog", id)
	require.NoError(t, err)

	out, err = run(t, url, "", "sessions", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No sessions.")

	_, err = run(t, url, "", "sessions", "show", "dialog", id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 404")
}

func TestChatREPL(t *testing.T) {
	for _, transport := range []string{"sse", "ws"} {
		t.Run(transport, func(t *testing.T) {
			url := newServer(t, func(req llm.Request) (string, error) {
				return "You said " + req.Prompt, nil
			})

			args := []string{"chat", "dialog"}
			if transport == "ws" {
				args = append(args, "--ws")
			}
			out, err := run(t, url, "hello there\n/usage\n/quit\n", args...)
			require.NoError(t, err)
			assert.Contains(t, out, "Thinking...")
			assert.Contains(t, out, "You said hello there")
			assert.Contains(t, out, "tokens:")
			assert.NotContains(t, out, "No usage yet.")
		})
	}
}

func TestChatREPLFailureAndRetry(t *testing.T) {
	var calls atomic.Int32
	url := newServer(t, func(req llm.Request) (string, error) {
		if calls.Add(1) == 1 {
			return "", assert.AnError
		}
		return "recovered", nil
	})

	out, err := run(t, url, "hi\n/regen\n/retry\n/quit\n", "chat", "dialog")
	require.NoError(t, err)
	assert.Contains(t, out, "❌ Error:")
	assert.Contains(t, out, "Type /retry to try again.")
	assert.Contains(t, out, "error: nothing to do in state failed(serverError)")
	assert.Contains(t, out, "recovered")
	assert.EqualValues(t, 2, calls.Load())
}

func TestChatREPLCommands(t *testing.T) {
	url := newServer(t, nil)

	out, err := run(t, url, "/help\n/search maybe\n/search on\n/bogus\n/usage\n", "chat", "coder")
	require.NoError(t, err)
	assert.Contains(t, out, "/retry")
	assert.Contains(t, out, "error: usage: /search on|off")
	assert.Contains(t, out, "Web search on.")
	assert.Contains(t, out, "unknown command /bogus")
	assert.Contains(t, out, "No usage yet.")
}

func TestChatIdleTimeout(t *testing.T) {
	for _, transport := range []string{"sse", "ws"} {
		t.Run(transport, func(t *testing.T) {
			url := newServerWith(t, &llm.Echo{Delay: 5 * time.Second})

			args := []string{"chat", "dialog", "--idle-timeout", "200ms"}
			if transport == "ws" {
				args = append(args, "--ws")
			}
			out, err := run(t, url, "hello\n/quit\n", args...)
			require.NoError(t, err)
			assert.Contains(t, out, "stream idle for 200ms")
			assert.Contains(t, out, "Type /retry to try again.")
		})
	}
}

func TestIdleTimeoutFromEnv(t *testing.T) {
	t.Setenv("AGENTCHAT_IDLE_TIMEOUT", "150ms")
	url := newServerWith(t, &llm.Echo{Delay: 5 * time.Second})

	out, err := run(t, url, "hello\n/quit\n", "chat", "dialog")
	require.NoError(t, err)
	assert.Contains(t, out, "stream idle for 150ms")
}

func TestEnvDuration(t *testing.T) {
	t.Setenv("AGENTCHAT_TEST_DURATION", "")
	assert.Equal(t, time.Minute, envDuration("AGENTCHAT_TEST_DURATION", time.Minute))

	t.Setenv("AGENTCHAT_TEST_DURATION", "90s")
	assert.Equal(t, 90*time.Second, envDuration("AGENTCHAT_TEST_DURATION", time.Minute))

	t.Setenv("AGENTCHAT_TEST_DURATION", "soon")
	assert.Equal(t, time.Minute, envDuration("AGENTCHAT_TEST_DURATION", time.Minute))
}
