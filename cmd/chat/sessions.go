package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newAgentsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List the available agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			agents, err := a.client().Agents(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tAVAILABLE\tDESCRIPTION")
			for _, ag := range agents {
				fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", ag.ID, ag.Name, ag.Available, ag.Description)
			}
			return tw.Flush()
		},
	}
}

func newModelsCmd(a *app) *cobra.Command {
	var provider string
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the models known to the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			models, err := a.client().Models(cmd.Context(), provider)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tPROVIDER\tCONTEXT\tDEFAULT")
			for _, m := range models {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%t\n", m.ID, m.Provider, m.MaxContextTokens, m.Default)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "", "Only list models of this provider")
	return cmd
}

func newSessionsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"session"},
		Short:   "Manage chat sessions",
	}

	var agentType string
	list := &cobra.Command{
		Use:   "list",
		Short: "List your sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sessions, err := a.client().ListSessions(cmd.Context(), agentType)
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Fprintln(a.out, "No sessions.")
				return nil
			}
			tw := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "AGENT\tSESSION\tMESSAGES\tCREATED")
			for _, s := range sessions {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", s.AgentType, s.ID, s.MessageCount, s.CreatedAt.Local().Format(time.DateTime))
			}
			return tw.Flush()
		},
	}
	list.Flags().StringVar(&agentType, "agent", "", "Only list sessions of this agent")

	var modelID string
	create := &cobra.Command{
		Use:   "new <agent>",
		Short: "Create a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := a.client().CreateSession(cmd.Context(), args[0], modelID)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, sess.ID)
			return nil
		},
	}
	create.Flags().StringVar(&modelID, "model", "", "Model id (defaults to the provider's default)")

	show := &cobra.Command{
		Use:   "show <agent> <session-id>",
		Short: "Print a session's conversation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := a.client().GetSession(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			r, err := a.renderer()
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, r.Session(sess))
			return nil
		},
	}

	remove := &cobra.Command{
		Use:     "delete <agent> <session-id>",
		Aliases: []string{"rm"},
		Short:   "Delete a session and its files",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.client().DeleteSession(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Deleted %s\n", args[1])
			return nil
		},
	}

	files := &cobra.Command{
		Use:   "files <agent> <session-id>",
		Short: "List a session's uploaded and generated files",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.client().ListFiles(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "PATH\tSIZE")
			for _, f := range append(res.InputFiles, res.WorkspaceFiles...) {
				fmt.Fprintf(tw, "%s\t%d\n", f.Path, f.Size)
			}
			return tw.Flush()
		},
	}

	logs := &cobra.Command{
		Use:   "logs <agent> <session-id>",
		Short: "List a session's turn and code execution logs",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := a.client().Logs(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "TYPE\tFILE\tTIMESTAMP")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Type, e.Filename, e.Timestamp)
			}
			return tw.Flush()
		},
	}

	cmd.AddCommand(list, create, show, remove, files, logs)
	return cmd
}

func newUploadCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "upload <agent> <session-id> <file>",
		Short: "Upload a file into a session's input directory",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[2])
			if err != nil {
				return fmt.Errorf("open upload: %w", err)
			}
			defer f.Close()

			res, err := a.client().Upload(cmd.Context(), args[0], args[1], filepath.Base(args[2]), f)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Uploaded %s to %s\n", res.Filename, res.Path)
			return nil
		},
	}
}
