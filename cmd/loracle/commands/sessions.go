package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"session"},
	Short:   "List, show and delete stored sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions, most recent first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		setupLogging(os.Stderr, cfg)
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		previews, err := st.ListPreviews(cmd.Context())
		if err != nil {
			return err
		}
		if len(previews) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No sessions.")
			return nil
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tTITLE\tUPDATED\tLAST MESSAGE")
		for _, p := range previews {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.SessionID, p.Title, p.LastTimestamp.Format(time.DateTime), truncate(p.LastMessage, 60))
		}
		return tw.Flush()
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a session's messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		setupLogging(os.Stderr, cfg)
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		msgs := st.LoadSession(cmd.Context(), args[0])
		if len(msgs) == 0 {
			return fmt.Errorf("session %s has no messages", args[0])
		}
		out := cmd.OutOrStdout()
		for _, m := range msgs {
			label := senderStyle.Render("AI:")
			if m.IsUser {
				label = userStyle.Render("User:")
			}
			ts := lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Render(m.Timestamp.Format(time.DateTime))
			fmt.Fprintf(out, "%s %s\n%s\n\n", label, ts, messageStyle.Render(m.Text))
		}
		return nil
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <id>...",
	Short: "Delete sessions",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		setupLogging(os.Stderr, cfg)
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		for _, id := range args {
			if err := st.DeleteSession(cmd.Context(), id); err != nil {
				return fmt.Errorf("delete %s: %w", id, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", id)
		}
		return nil
	},
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd, sessionsDeleteCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
