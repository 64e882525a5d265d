package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ashureev/agentchat/internal/chat"
	"github.com/ashureev/agentchat/internal/render"
	"github.com/ashureev/agentchat/internal/stream"
)

const replHelp = `Commands:
  /retry         resend the last message after a failure
  /regen         regenerate the last answer
  /reset         forget the retry context
  /search on|off toggle web search for the next messages
  /files         list the session's files
  /usage         show token usage
  /quit          leave`

func newChatCmd(a *app, in io.Reader) *cobra.Command {
	var (
		search  bool
		modelID string
	)
	cmd := &cobra.Command{
		Use:   "chat <agent> [session-id]",
		Short: "Chat interactively; a new session is created when no id is given",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c := a.client()
			agentType := args[0]

			var sessionID string
			if len(args) == 2 {
				sessionID = args[1]
			} else {
				sess, err := c.CreateSession(ctx, agentType, modelID)
				if err != nil {
					return err
				}
				sessionID = sess.ID
			}

			r, err := a.renderer()
			if err != nil {
				return err
			}
			p := &printer{out: a.out, r: r}
			sess := chat.NewSession(a.transport(), c,
				chat.WithObserver(p),
				chat.WithSessionLogger(a.logger),
			)
			defer sess.Close()

			if err := sess.Switch(ctx, agentType, sessionID); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Session %s (%s). Type /help for commands.\n", sessionID, agentType)
			for _, m := range sess.Messages() {
				if !m.Transient {
					fmt.Fprintln(a.out, r.Message(m))
					fmt.Fprintln(a.out)
				}
			}

			rp := &repl{app: a, sess: sess, printer: p, search: search}
			return rp.run(ctx, in)
		},
	}
	cmd.Flags().BoolVar(&search, "search", false, "Enable web search")
	cmd.Flags().StringVar(&modelID, "model", "", "Model for a new session")
	cmd.Flags().BoolVar(&a.useWS, "ws", false, "Stream over websocket instead of SSE")
	return cmd
}

// printer writes turn events as they arrive. Tokens are written raw; every
// other event goes on its own line.
type printer struct {
	out      io.Writer
	r        *render.Renderer
	midToken bool
}

func (p *printer) Observe(ev stream.Event) {
	switch ev.Type {
	case stream.EventToken:
		fmt.Fprint(p.out, ev.Text)
		p.midToken = true
		return
	case stream.EventLog:
		return
	}
	text := p.r.Event(ev)
	if text == "" {
		return
	}
	p.endLine()
	fmt.Fprintln(p.out, text)
}

func (p *printer) endLine() {
	if p.midToken {
		fmt.Fprintln(p.out)
		p.midToken = false
	}
}

type repl struct {
	*app
	sess    *chat.Session
	printer *printer
	search  bool
}

func (r *repl) run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for {
		fmt.Fprint(r.out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(r.out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		quit, err := r.handle(ctx, line)
		if err != nil {
			fmt.Fprintf(r.out, "error: %v\n", err)
		}
		if quit {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (r *repl) handle(ctx context.Context, line string) (quit bool, err error) {
	if !strings.HasPrefix(line, "/") {
		return false, r.turn(r.sess.Send(ctx, line, r.search))
	}

	cmd, arg, _ := strings.Cut(line, " ")
	switch cmd {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		fmt.Fprintln(r.out, replHelp)
	case "/retry":
		return false, r.turn(r.sess.Retry(ctx))
	case "/regen", "/regenerate":
		return false, r.turn(r.sess.Regenerate(ctx))
	case "/reset":
		r.sess.Reset()
		fmt.Fprintln(r.out, "Retry context cleared.")
	case "/search":
		switch strings.TrimSpace(arg) {
		case "on":
			r.search = true
		case "off":
			r.search = false
		default:
			return false, errors.New("usage: /search on|off")
		}
		fmt.Fprintf(r.out, "Web search %s.\n", strings.TrimSpace(arg))
	case "/files":
		agentType, sessionID := r.sess.ID()
		files, err := r.client().ListFiles(ctx, agentType, sessionID)
		if err != nil {
			return false, err
		}
		for _, f := range append(files.InputFiles, files.WorkspaceFiles...) {
			fmt.Fprintf(r.out, "%s (%d bytes)\n", f.Path, f.Size)
		}
	case "/usage":
		if u := r.sess.SessionState().Usage; u != nil {
			fmt.Fprintln(r.out, r.printer.r.Usage(*u))
		} else {
			fmt.Fprintln(r.out, "No usage yet.")
		}
	default:
		return false, fmt.Errorf("unknown command %s, try /help", cmd)
	}
	return false, nil
}

// turn finishes the output of a turn and reports how it ended.
func (r *repl) turn(err error) error {
	r.printer.endLine()
	if err != nil {
		if errors.Is(err, chat.ErrInvalidTransition) {
			return fmt.Errorf("nothing to do in state %s", r.sess.State())
		}
		return err
	}
	st := r.sess.State()
	if st.Phase == chat.PhaseFailed {
		hint := "Type /retry to try again."
		if st.Kind == chat.ErrorRateLimited {
			hint = "Rate limited. Wait a moment, then type /retry."
		}
		fmt.Fprintln(r.out, hint)
	}
	return nil
}
