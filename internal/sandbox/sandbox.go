// Package sandbox runs agent-generated Python code in per-session Docker
// containers.
package sandbox

import (
	"context"
	"errors"
	"time"
)

// ErrDisabled is returned by the executor used when no sandbox is configured.
var ErrDisabled = errors.New("code execution is disabled")

// Key identifies the sandbox of one session. WorkDir is the host directory
// mounted as the container's working directory.
type Key struct {
	AgentType string
	SessionID string
	WorkDir   string
}

func (k Key) id() string { return k.AgentType + "/" + k.SessionID }

// Result is the outcome of one execution.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

// OK reports whether the code exited cleanly.
func (r Result) OK() bool { return r.ExitCode == 0 && !r.TimedOut }

// Executor runs code on behalf of a session.
type Executor interface {
	// RunPython executes code with python3 inside the session sandbox.
	RunPython(ctx context.Context, key Key, code string) (Result, error)
	// Release stops the session sandbox. Unknown sessions are not an error.
	Release(ctx context.Context, key Key) error
}

// Disabled is an Executor that refuses to run anything.
type Disabled struct{}

// RunPython implements Executor.
func (Disabled) RunPython(context.Context, Key, string) (Result, error) {
	return Result{}, ErrDisabled
}

// Release implements Executor.
func (Disabled) Release(context.Context, Key) error { return nil }
