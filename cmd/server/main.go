// agentchat - multi-agent chat server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/ashureev/agentchat/internal/agent"
	"github.com/ashureev/agentchat/internal/api"
	"github.com/ashureev/agentchat/internal/config"
	"github.com/ashureev/agentchat/internal/identity"
	"github.com/ashureev/agentchat/internal/llm"
	"github.com/ashureev/agentchat/internal/market"
	"github.com/ashureev/agentchat/internal/middleware"
	"github.com/ashureev/agentchat/internal/registry"
	"github.com/ashureev/agentchat/internal/sandbox"
	"github.com/ashureev/agentchat/internal/search"
	"github.com/ashureev/agentchat/internal/store"
	"github.com/ashureev/agentchat/internal/workspace"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "provider", cfg.LLM.Provider)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	ws, err := workspace.New(cfg.WorkspaceDir)
	if err != nil {
		slog.Error("Failed to initialize workspace", "error", err)
		os.Exit(1)
	}

	reg := registry.Builtin()
	if cfg.RegistryPath != "" {
		reg, err = registry.Load(cfg.RegistryPath)
		if err != nil {
			slog.Error("Failed to load registry", "path", cfg.RegistryPath, "error", err)
			os.Exit(1)
		}
	}

	provider, err := newProvider(ctx, cfg, logger)
	if err != nil {
		slog.Error("Failed to initialize LLM provider", "error", err)
		os.Exit(1)
	}
	defer func() { _ = provider.Close() }()

	health := api.NewHealthHandler(0).Add("database", repo, true)

	var exec sandbox.Executor = sandbox.Disabled{}
	if cfg.Sandbox.Enabled {
		docker, err := sandbox.NewDocker(sandbox.Config{
			Image:   cfg.Sandbox.Image,
			Timeout: cfg.Sandbox.Timeout,
			Runtime: cfg.Sandbox.Runtime,
		}, logger)
		if err != nil {
			slog.Error("Failed to initialize sandbox", "error", err)
			os.Exit(1)
		}
		if err := docker.Ping(ctx); err != nil {
			slog.Warn("Docker is unreachable, code execution will fail until it returns", "error", err)
		} else if n, err := docker.RemoveOrphans(ctx); err != nil {
			slog.Warn("Failed to remove orphaned sandboxes", "error", err)
		} else if n > 0 {
			slog.Info("Removed orphaned sandboxes", "count", n)
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := docker.Close(closeCtx); err != nil {
				slog.Error("Failed to stop sandboxes", "error", err)
			}
		}()
		health.Add("sandbox", docker, false)
		exec = docker
		slog.Info("Sandbox enabled", "image", cfg.Sandbox.Image, "runtime", cfg.Sandbox.Runtime)
	} else {
		slog.Info("Sandbox disabled, code execution is unavailable")
	}

	sandbox.StartTTLWorker(ctx, sandbox.TTLConfig{
		SandboxIdle: cfg.Sandbox.IdleTimeout,
		SessionTTL:  cfg.SessionTTL,
	}, exec, repo, ws)

	var turnLog workspace.TurnLogger = workspace.NopTurnLogger{}
	if cfg.TurnLog.Enabled {
		turnLog = workspace.NewTurnLogger(ws, cfg.TurnLog.QueueSize, logger)
	}
	defer func() {
		if err := turnLog.Close(); err != nil {
			slog.Error("Failed to flush turn logs", "error", err)
		}
	}()

	deps := agent.Deps{
		LLM:       provider,
		Sandbox:   exec,
		Workspace: ws,
		Logger:    logger,
	}
	if cfg.Tools.WebSearch {
		deps.Search = search.NewDuckDuckGo(search.WithEndpoint(cfg.Tools.SearchEndpoint), search.WithLogger(logger))
	}
	if cfg.Tools.MarketData {
		deps.Market = market.NewBinance(market.WithBaseURL(cfg.Tools.BinanceURL), market.WithLogger(logger))
	}
	slog.Info("Agent tools configured", "web_search", cfg.Tools.WebSearch, "market_data", cfg.Tools.MarketData)
	agents := agent.NewDefaultService(reg, deps)

	handler := api.NewHandler(api.Deps{
		Repo:      repo,
		Workspace: ws,
		Registry:  reg,
		Agents:    agents,
		Sandbox:   exec,
		TurnLog:   turnLog,
		Limiter:   api.NewRateLimiter(ctx, cfg.RateLimit.Requests, cfg.RateLimit.Window),
		Logger:    logger,
	}, api.Options{
		Provider:           cfg.LLM.Provider,
		DefaultModel:       cfg.LLM.Model,
		MaxRequestBodySize: cfg.Limits.MaxRequestBodySize,
		MaxUploadSize:      cfg.Limits.MaxUploadSize,
		OriginPatterns:     originPatterns(cfg.AllowedOrigins()),
	})

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))

	// Public routes.
	health.RegisterHealth(r)

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(cfg.IsDevelopment()))
		handler.RegisterRoutes(r)
	})

	// Create server.
	// Note: SSE streams stay open for the whole turn, so there is no WriteTimeout.
	// IdleTimeout only bounds keep-alive connections between requests.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  cfg.Limits.HTTPIdleTimeout,
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			stop()
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	slog.Info("Server stopped successfully")
}

func newProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) (llm.Provider, error) {
	if cfg.LLM.Provider == "echo" {
		return llm.NewEcho(), nil
	}
	return llm.NewGemini(ctx, cfg.LLM.APIKey, logger)
}

// originPatterns converts CORS origins into websocket host patterns.
func originPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, o := range origins {
		if o == "*" {
			patterns = append(patterns, "*")
			continue
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
		}
	}
	return patterns
}
