package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	workingDir      = "/workspace"
	containerUser   = "1000"
	stopTimeoutSecs = 5
	sessionLabel    = "agentchat.session"
	maxOutputBytes  = 64 << 10
)

// Config holds the container settings.
type Config struct {
	Image       string
	Timeout     time.Duration
	MemoryBytes int64
	CPUQuota    int64
	PidsLimit   int64
	// Runtime is "" for the default runtime or e.g. "runsc" for gVisor.
	Runtime string
}

// DefaultConfig returns the limits used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		Image:       "python:3.12-slim",
		Timeout:     30 * time.Second,
		MemoryBytes: 512 * 1024 * 1024,
		CPUQuota:    50000,
		PidsLimit:   128,
	}
}

type entry struct {
	containerID string
	lastUsed    time.Time
}

// Docker runs code in one long-lived container per session. Containers are
// started on first use and stopped by Release or the idle reaper.
type Docker struct {
	cli    *client.Client
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*entry
	// locks serialise container creation per session.
	locks map[string]*sync.Mutex
}

// NewDocker connects to the Docker daemon from the environment.
func NewDocker(cfg Config, logger *slog.Logger) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	def := DefaultConfig()
	if cfg.Image == "" {
		cfg.Image = def.Image
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MemoryBytes <= 0 {
		cfg.MemoryBytes = def.MemoryBytes
	}
	if cfg.CPUQuota <= 0 {
		cfg.CPUQuota = def.CPUQuota
	}
	if cfg.PidsLimit <= 0 {
		cfg.PidsLimit = def.PidsLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	runtime := cfg.Runtime
	if runtime == "" {
		runtime = "default"
	}
	logger.Info("Docker sandbox initialized", "image", cfg.Image, "runtime", runtime)
	return &Docker{
		cli:      cli,
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*entry),
		locks:    make(map[string]*sync.Mutex),
	}, nil
}

// Ping checks that the daemon is reachable.
func (d *Docker) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return fmt.Errorf("ping docker: %w", err)
	}
	return nil
}

// RunPython implements Executor.
func (d *Docker) RunPython(ctx context.Context, key Key, code string) (Result, error) {
	containerID, err := d.ensure(ctx, key)
	if err != nil {
		return Result{}, err
	}

	runCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	start := time.Now()
	res, err := d.exec(runCtx, containerID, []string{"python3", "-c", code})
	res.Duration = time.Since(start)
	if err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		// The process is still running inside the container; recycle it.
		d.logger.Warn("Sandbox execution timed out", "session_id", key.SessionID, "timeout", d.cfg.Timeout)
		if releaseErr := d.Release(context.WithoutCancel(ctx), key); releaseErr != nil {
			d.logger.Warn("Failed to release timed out sandbox", "error", releaseErr)
		}
		res.TimedOut = true
		res.ExitCode = -1
		return res, nil
	}
	if err != nil {
		return res, err
	}

	d.touch(key)
	return res, nil
}

func (d *Docker) exec(ctx context.Context, containerID string, cmd []string) (Result, error) {
	resp, err := d.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          cmd,
		User:         containerUser,
		WorkingDir:   workingDir,
	})
	if err != nil {
		return Result{}, fmt.Errorf("create exec in container %s: %w", containerID, err)
	}

	attach, err := d.cli.ContainerExecAttach(ctx, resp.ID, container.ExecStartOptions{})
	if err != nil {
		return Result{}, fmt.Errorf("attach exec %s: %w", resp.ID, err)
	}
	defer attach.Close()

	var stdout, stderr limitedBuffer
	stdout.limit, stderr.limit = maxOutputBytes, maxOutputBytes
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, io.EOF) {
			return Result{}, fmt.Errorf("read exec output: %w", err)
		}
	case <-ctx.Done():
		attach.Close()
		<-done
		return Result{Stdout: stdout.String(), Stderr: stderr.String()}, ctx.Err()
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, resp.ID)
	if err != nil {
		return Result{}, fmt.Errorf("inspect exec %s: %w", resp.ID, err)
	}
	return Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: inspect.ExitCode,
	}, nil
}

// ensure returns a running container for key, creating it when needed.
func (d *Docker) ensure(ctx context.Context, key Key) (string, error) {
	lock := d.sessionLock(key)
	lock.Lock()
	defer lock.Unlock()

	name := containerName(key)
	inspect, err := d.cli.ContainerInspect(ctx, name)
	switch {
	case err == nil && inspect.State.Running:
		d.remember(key, inspect.ID)
		return inspect.ID, nil
	case err == nil:
		d.logger.Info("Restarting stopped sandbox", "container_id", inspect.ID, "session_id", key.SessionID)
		if err := d.cli.ContainerStart(ctx, inspect.ID, container.StartOptions{}); err != nil {
			return "", fmt.Errorf("restart container %s: %w", inspect.ID, err)
		}
		d.remember(key, inspect.ID)
		return inspect.ID, nil
	case !errdefs.IsNotFound(err):
		return "", fmt.Errorf("inspect container %s: %w", name, err)
	}

	if key.WorkDir == "" {
		return "", errors.New("sandbox: work dir is required")
	}
	d.logger.Info("Creating sandbox", "session_id", key.SessionID, "image", d.cfg.Image)

	cfg := &container.Config{
		Image:      d.cfg.Image,
		User:       containerUser,
		WorkingDir: workingDir,
		Cmd:        []string{"sleep", "infinity"},
		Labels:     map[string]string{sessionLabel: key.id()},
	}
	hostCfg := &container.HostConfig{
		Runtime:     d.cfg.Runtime,
		NetworkMode: container.NetworkMode("none"),
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: key.WorkDir,
			Target: workingDir,
		}},
		Resources: container.Resources{
			Memory:    d.cfg.MemoryBytes,
			CPUQuota:  d.cfg.CPUQuota,
			PidsLimit: ptr(d.cfg.PidsLimit),
		},
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if removeErr := d.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); removeErr != nil && !errors.Is(removeErr, context.Canceled) {
			d.logger.Warn("Failed to remove container after start failure", "container_id", resp.ID, "error", removeErr)
		}
		return "", fmt.Errorf("start container %s: %w", resp.ID, err)
	}

	d.logger.Info("Sandbox started", "container_id", resp.ID, "session_id", key.SessionID)
	d.remember(key, resp.ID)
	return resp.ID, nil
}

// Release implements Executor.
func (d *Docker) Release(ctx context.Context, key Key) error {
	d.mu.Lock()
	e, ok := d.sessions[key.id()]
	delete(d.sessions, key.id())
	d.mu.Unlock()

	id := containerName(key)
	if ok {
		id = e.containerID
	}
	return d.stop(ctx, id)
}

// stop stops and removes a container. It is idempotent.
func (d *Docker) stop(ctx context.Context, containerID string) error {
	timeout := stopTimeoutSecs
	if err := d.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		d.logger.Debug("Container stop returned error, continuing to remove", "container_id", containerID, "error", err)
	}

	if err := d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) || strings.Contains(err.Error(), "is already in progress") {
			return nil
		}
		return fmt.Errorf("remove container %s: %w", containerID, err)
	}
	d.logger.Info("Sandbox stopped", "container_id", containerID)
	return nil
}

// Idle returns the keys of sandboxes unused for longer than ttl.
func (d *Docker) Idle(ttl time.Duration) []Key {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := time.Now().Add(-ttl)
	var keys []Key
	for id, e := range d.sessions {
		if e.lastUsed.Before(cutoff) {
			agentType, sessionID, _ := strings.Cut(id, "/")
			keys = append(keys, Key{AgentType: agentType, SessionID: sessionID})
		}
	}
	return keys
}

// RemoveOrphans stops sandboxes left over from a previous server run.
func (d *Docker) RemoveOrphans(ctx context.Context) (int, error) {
	list, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", sessionLabel)),
	})
	if err != nil {
		return 0, fmt.Errorf("list sandboxes: %w", err)
	}
	removed := 0
	for _, c := range list {
		if err := d.stop(ctx, c.ID); err != nil {
			d.logger.Warn("Failed to remove orphaned sandbox", "container_id", c.ID, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// Close stops every known sandbox and closes the client.
func (d *Docker) Close(ctx context.Context) error {
	d.mu.Lock()
	ids := make([]string, 0, len(d.sessions))
	for _, e := range d.sessions {
		ids = append(ids, e.containerID)
	}
	d.sessions = make(map[string]*entry)
	d.mu.Unlock()

	var errs []error
	for _, id := range ids {
		errs = append(errs, d.stop(ctx, id))
	}
	errs = append(errs, d.cli.Close())
	return errors.Join(errs...)
}

func (d *Docker) sessionLock(key Key) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.locks[key.id()]
	if !ok {
		l = &sync.Mutex{}
		d.locks[key.id()] = l
	}
	return l
}

func (d *Docker) remember(key Key, containerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions[key.id()] = &entry{containerID: containerID, lastUsed: time.Now()}
}

func (d *Docker) touch(key Key) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.sessions[key.id()]; ok {
		e.lastUsed = time.Now()
	}
}

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// containerName derives a Docker-safe container name from the session key.
func containerName(key Key) string {
	return "agentchat-" + unsafeNameChars.ReplaceAllString(key.AgentType+"-"+key.SessionID, "_")
}

// limitedBuffer keeps the first limit bytes written to it and discards the
// rest.
type limitedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
			b.truncated = true
		} else {
			b.buf.Write(p)
		}
	} else if len(p) > 0 {
		b.truncated = true
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}

func ptr[T any](v T) *T {
	return &v
}
