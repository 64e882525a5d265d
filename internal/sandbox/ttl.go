package sandbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/agentchat/internal/domain"
	"github.com/ashureev/agentchat/internal/store"
)

const ttlWorkerInterval = 5 * time.Minute

// IdleLister is implemented by executors that track per-session sandboxes.
type IdleLister interface {
	Idle(ttl time.Duration) []Key
}

// SessionRemover deletes the on-disk data of a session.
type SessionRemover interface {
	Remove(agentType, sessionID string) error
}

// TTLConfig configures the background sweeper. A zero duration disables
// the corresponding sweep.
type TTLConfig struct {
	Interval    time.Duration
	SandboxIdle time.Duration
	SessionTTL  time.Duration
}

// StartTTLWorker runs a goroutine that periodically stops idle sandboxes and
// purges sessions that have not been used for SessionTTL.
func StartTTLWorker(ctx context.Context, cfg TTLConfig, exec Executor, repo store.Repository, files SessionRemover) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = ttlWorkerInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("TTL worker started", "interval", interval, "sandbox_idle", cfg.SandboxIdle, "session_ttl", cfg.SessionTTL)

		for {
			select {
			case <-ticker.C:
				sweep(ctx, cfg, exec, repo, files)
			case <-ctx.Done():
				slog.Info("TTL worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// sweep runs one pass of the worker.
func sweep(ctx context.Context, cfg TTLConfig, exec Executor, repo store.Repository, files SessionRemover) {
	if lister, ok := exec.(IdleLister); ok && cfg.SandboxIdle > 0 {
		for _, key := range lister.Idle(cfg.SandboxIdle) {
			if err := exec.Release(ctx, key); err != nil {
				slog.Warn("TTL worker failed to stop idle sandbox", "error", err, "session_id", key.SessionID)
			}
		}
	}

	if cfg.SessionTTL <= 0 || repo == nil {
		return
	}
	expired, err := repo.ExpiredSessions(ctx, cfg.SessionTTL)
	if err != nil {
		slog.Error("TTL worker failed to get expired sessions", "error", err)
		return
	}
	if len(expired) == 0 {
		return
	}
	slog.Info("TTL worker found expired sessions", "count", len(expired))

	purged := 0
	for _, s := range expired {
		if purge(ctx, s, exec, repo, files) {
			purged++
		}
	}
	slog.Info("TTL worker cleanup completed", "purged", purged)
}

func purge(ctx context.Context, s domain.SessionSummary, exec Executor, repo store.Repository, files SessionRemover) bool {
	key := Key{AgentType: s.AgentType, SessionID: s.ID}
	if err := exec.Release(ctx, key); err != nil {
		slog.Warn("TTL worker failed to stop sandbox", "error", err, "session_id", s.ID)
	}
	if files != nil {
		if err := files.Remove(s.AgentType, s.ID); err != nil {
			slog.Warn("TTL worker failed to remove session files", "error", err, "session_id", s.ID)
		}
	}
	if err := repo.DeleteSession(ctx, s.UserID, s.AgentType, s.ID); err != nil {
		slog.Warn("TTL worker failed to delete session", "error", err, "session_id", s.ID)
		return false
	}
	return true
}
