// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all server configuration.
type Config struct {
	Port         string
	FrontendURL  string
	DBPath       string
	WorkspaceDir string
	RegistryPath string // optional YAML file replacing the built-in registry
	SessionTTL   time.Duration
	LogLevel     slog.Level

	LLM       LLMConfig
	Sandbox   SandboxConfig
	RateLimit RateLimitConfig
	Limits    LimitsConfig
	TurnLog   TurnLogConfig
	Tools     ToolsConfig
}

// LLMConfig selects the model provider.
type LLMConfig struct {
	Provider string // "gemini" or "echo"
	APIKey   string
	Model    string
}

// SandboxConfig controls Python execution for the coder agent.
type SandboxConfig struct {
	Enabled     bool
	Image       string
	Runtime     string // Docker runtime: "" = default (runc), "runsc" = gVisor
	Timeout     time.Duration
	IdleTimeout time.Duration
}

// RateLimitConfig bounds chat requests per user.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

// LimitsConfig bounds request sizes and idle keep-alive connections.
type LimitsConfig struct {
	MaxRequestBodySize int64
	MaxUploadSize      int64
	HTTPIdleTimeout    time.Duration
}

// ToolsConfig controls the external data sources agents call.
type ToolsConfig struct {
	WebSearch      bool
	SearchEndpoint string
	MarketData     bool
	BinanceURL     string
}

// TurnLogConfig controls the per-session turn logs.
type TurnLogConfig struct {
	Enabled   bool
	QueueSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:         getEnv("PORT", "8080"),
		FrontendURL:  getEnv("FRONTEND_URL", ""),
		DBPath:       getEnv("DB_PATH", "./data/agentchat.db"),
		WorkspaceDir: getEnv("WORKSPACE_DIR", "./data/sessions"),
		RegistryPath: getEnv("REGISTRY_PATH", ""),
		SessionTTL:   getEnvDuration("SESSION_TTL", 7*24*time.Hour),
		LogLevel:     getEnvLevel("LOG_LEVEL", slog.LevelInfo),
		LLM: LLMConfig{
			Provider: strings.ToLower(getEnv("LLM_PROVIDER", "gemini")),
			APIKey:   getEnv("GEMINI_API_KEY", ""),
			Model:    getEnv("LLM_MODEL", ""),
		},
		Sandbox: SandboxConfig{
			Enabled:     getEnvBool("SANDBOX_ENABLED", true),
			Image:       getEnv("SANDBOX_IMAGE", "python:3.12-slim"),
			Runtime:     getEnv("CONTAINER_RUNTIME", ""),
			Timeout:     getEnvDuration("SANDBOX_TIMEOUT", 30*time.Second),
			IdleTimeout: getEnvDuration("SANDBOX_IDLE_TIMEOUT", 30*time.Minute),
		},
		RateLimit: RateLimitConfig{
			Requests: getEnvInt("RATE_LIMIT_REQUESTS", 30),
			Window:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		Limits: LimitsConfig{
			MaxRequestBodySize: int64(getEnvInt("MAX_REQUEST_BODY_SIZE", 1<<20)),
			MaxUploadSize:      int64(getEnvInt("MAX_UPLOAD_SIZE", 50<<20)),
			HTTPIdleTimeout:    getEnvDuration("HTTP_IDLE_TIMEOUT", 120*time.Second),
		},
		TurnLog: TurnLogConfig{
			Enabled:   getEnvBool("TURN_LOG_ENABLED", true),
			QueueSize: getEnvInt("TURN_LOG_QUEUE_SIZE", 1000),
		},
		Tools: ToolsConfig{
			WebSearch:      getEnvBool("WEB_SEARCH_ENABLED", true),
			SearchEndpoint: getEnv("SEARCH_ENDPOINT", "https://api.duckduckgo.com/"),
			MarketData:     getEnvBool("MARKET_DATA_ENABLED", true),
			BinanceURL:     getEnv("BINANCE_BASE_URL", "https://api.binance.com"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.WorkspaceDir == "" {
		return fmt.Errorf("WORKSPACE_DIR cannot be empty")
	}
	switch c.LLM.Provider {
	case "gemini":
		if c.LLM.APIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required when LLM_PROVIDER=gemini")
		}
	case "echo":
	default:
		return fmt.Errorf("LLM_PROVIDER must be gemini or echo, got %q", c.LLM.Provider)
	}
	if c.Sandbox.Enabled && c.Sandbox.Image == "" {
		return fmt.Errorf("SANDBOX_IMAGE cannot be empty when the sandbox is enabled")
	}
	if c.Sandbox.Timeout <= 0 {
		return fmt.Errorf("SANDBOX_TIMEOUT must be > 0")
	}
	if c.RateLimit.Requests <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be > 0")
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be > 0")
	}
	if c.Limits.MaxRequestBodySize <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_SIZE must be > 0")
	}
	if c.Limits.MaxUploadSize <= 0 {
		return fmt.Errorf("MAX_UPLOAD_SIZE must be > 0")
	}
	if c.Tools.WebSearch && c.Tools.SearchEndpoint == "" {
		return fmt.Errorf("SEARCH_ENDPOINT cannot be empty when web search is enabled")
	}
	if c.Tools.MarketData && c.Tools.BinanceURL == "" {
		return fmt.Errorf("BINANCE_BASE_URL cannot be empty when market data is enabled")
	}
	if c.TurnLog.QueueSize <= 0 {
		return fmt.Errorf("TURN_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	if env := os.Getenv("APP_ENV"); env != "" {
		return env == "development"
	}
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origins for the configured frontend.
func (c *Config) AllowedOrigins() []string {
	if c.FrontendURL == "" || c.IsDevelopment() {
		return []string{"*"}
	}
	return []string{strings.TrimRight(c.FrontendURL, "/")}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go durations ("90s") or plain seconds ("90").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func getEnvLevel(key string, fallback slog.Level) slog.Level {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return fallback
	}
	return level
}
