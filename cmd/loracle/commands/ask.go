package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loracle-dev/loracle/pkg/orchestrator"
)

var (
	askSession string
	askSpeak   bool
)

var askCmd = &cobra.Command{
	Use:   "ask <prompt>...",
	Short: "Send one prompt and stream the reply to stdout",
	Long: `Send one prompt and stream the reply to stdout.

The exchange is stored like any other turn. Without --session a new session
is created.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().StringVarP(&askSession, "session", "s", "", "session to continue")
	askCmd.Flags().BoolVar(&askSpeak, "speak", false, "also speak the reply with the configured output command")
	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogging(os.Stderr, cfg)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	_, _, speaker := a.speechAdapters()
	if !askSpeak {
		speaker = nil
	}
	orch := a.orchestrator(askSession, nil, speaker)
	updates, unsubscribe := orch.Subscribe()
	defer unsubscribe()

	runErr := make(chan error, 1)
	go func() { runErr <- orch.Run(ctx) }()
	defer func() {
		cancel()
		<-runErr
	}()

	if err := orch.Submit(ctx, strings.Join(args, " ")); err != nil {
		return err
	}
	return printReply(cmd.OutOrStdout(), updates)
}

// printReply writes reply tokens to w until the turn ends.
func printReply(w io.Writer, updates <-chan orchestrator.Update) error {
	var printed strings.Builder
	var turnErr error
	for u := range updates {
		switch u.Kind {
		case orchestrator.UpdateToken:
			fmt.Fprint(w, u.Text)
			printed.WriteString(u.Text)
		case orchestrator.UpdateMessage:
			// Catch up on tokens dropped by a slow subscription.
			if u.Message != nil && !u.Message.IsUser {
				if rest, ok := strings.CutPrefix(u.Message.Text, printed.String()); ok {
					fmt.Fprint(w, rest)
					printed.WriteString(rest)
				}
			}
		case orchestrator.UpdateError:
			turnErr = errors.New(u.Text)
		case orchestrator.UpdateState:
			if u.State == orchestrator.StateIdle {
				if printed.Len() > 0 {
					fmt.Fprintln(w)
				}
				return turnErr
			}
		}
	}
	return errors.New("assistant stopped before the reply finished")
}
