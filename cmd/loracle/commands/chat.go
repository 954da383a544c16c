package commands

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

var chatSession string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive console",
	Long: `Interactive console. Type to send a prompt, or /listen to use the configured
speech capture command. Replies are spoken when a speech output command is
configured. Logs go to loracle.log in the data directory.`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatSession, "session", "s", "", "session to continue")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// The console owns the terminal, so logs go to a file.
	f, err := openLogFile(cfg)
	if err != nil {
		return err
	}
	defer f.Close()
	setupLogging(f, cfg)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	_, recognizer, speaker := a.speechAdapters()
	orch := a.orchestrator(chatSession, recognizer, speaker)
	runErr := make(chan error, 1)
	go func() { runErr <- orch.Run(ctx) }()
	defer func() {
		cancel()
		<-runErr
	}()

	p := tea.NewProgram(newChatModel(ctx, orch, a.store, a.provisioner), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("console: %w", err)
	}
	return nil
}
