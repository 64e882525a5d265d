// agentchat - terminal client for the agentchat server
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashureev/agentchat/internal/client"
	"github.com/ashureev/agentchat/internal/identity"
	"github.com/ashureev/agentchat/internal/render"
	"github.com/ashureev/agentchat/internal/stream"
)

const (
	defaultServerURL   = "http://localhost:8080"
	defaultIdleTimeout = 2 * time.Minute
	userHeader         = identity.UserHeaderName
)

// app holds the global flags and the collaborators built from them.
type app struct {
	serverURL string
	userID    string
	plain     bool
	verbose   bool
	useWS     bool

	idleTimeout time.Duration

	out    io.Writer
	logger *slog.Logger
}

func (a *app) client() *client.Client {
	return client.New(a.serverURL, client.WithUser(a.userID))
}

func (a *app) renderer() (*render.Renderer, error) {
	return render.New(render.Options{Plain: a.plain})
}

func (a *app) transport() stream.Transport {
	if a.useWS {
		ws := stream.NewWebSocketClient(a.serverURL, a.logger)
		ws.IdleTimeout = a.idleTimeout
		if a.userID != "" {
			ws.Header.Set(userHeader, a.userID)
		}
		return ws
	}
	opts := []stream.Option{
		stream.WithLogger(a.logger),
		stream.WithIdleTimeout(a.idleTimeout),
	}
	if a.userID != "" {
		opts = append(opts, stream.WithHeader(userHeader, a.userID))
	}
	return stream.NewClient(a.serverURL, opts...)
}

func newRootCmd(out io.Writer, in io.Reader) *cobra.Command {
	a := &app{out: out}

	root := &cobra.Command{
		Use:   "agentchat",
		Short: "Chat with agentchat agents from the terminal",
		Long: `A terminal client for the agentchat server.

Quick Start:
  agentchat agents                  # List agents
  agentchat sessions new dialog     # Create a session
  agentchat chat dialog             # Start chatting in a new session
  agentchat chat coder <session-id> # Resume a session`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			level := slog.LevelWarn
			if a.verbose {
				level = slog.LevelDebug
			}
			a.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
		},
	}
	root.SetOut(out)

	root.PersistentFlags().StringVar(&a.serverURL, "url", envOr("AGENTCHAT_URL", defaultServerURL), "Server address")
	root.PersistentFlags().StringVar(&a.userID, "user", os.Getenv("AGENTCHAT_USER"), "User id sent with every request")
	root.PersistentFlags().BoolVar(&a.plain, "plain", false, "Disable colors and markdown rendering")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable verbose logging")
	root.PersistentFlags().DurationVar(&a.idleTimeout, "idle-timeout",
		envDuration("AGENTCHAT_IDLE_TIMEOUT", defaultIdleTimeout), "Abort a reply after this long without data (0 waits forever)")

	root.AddCommand(
		newAgentsCmd(a),
		newModelsCmd(a),
		newSessionsCmd(a),
		newUploadCmd(a),
		newChatCmd(a, in),
	)
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envDuration reads a duration such as "90s" from the environment.
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: ignoring invalid %s=%q\n", key, v)
		return fallback
	}
	return d
}

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd(os.Stdout, os.Stdin).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
