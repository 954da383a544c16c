package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loracle-dev/loracle/pkg/server"
)

var (
	serveAddr       string
	serveSession    string
	serveStopOllama bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the assistant with wake word, speech and the HTTP API",
	Long: `Run the assistant.

The wake detector, speech capture and speech output commands come from the
speech section of the config; any of them may be left out. The HTTP API and
the /api/events websocket are served on --addr.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config)")
	serveCmd.Flags().StringVar(&serveSession, "session", "", "session to continue")
	serveCmd.Flags().BoolVar(&serveStopOllama, "stop-ollama", false, "remove the provisioned Ollama container on exit")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogging(os.Stderr, cfg)
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	if a.provisioner != nil && serveStopOllama {
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := a.provisioner.Stop(stopCtx); err != nil {
				slog.Error("Failed to stop Ollama container", "error", err)
			}
		}()
	}

	wake, recognizer, speaker := a.speechAdapters()
	orch := a.orchestrator(serveSession, recognizer, speaker)
	srv := server.New(a.store, orch, a.lister())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 3)
	run := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := fn()
			if err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
			// Any component stopping takes the others down.
			cancel()
		}()
	}

	run("orchestrator", func() error { return orch.Run(ctx) })
	run("server", func() error { return srv.Start(ctx, cfg.Server.Addr) })
	if wake != nil {
		slog.Info("Wake detector enabled", "detector", wake.Name())
		run("wake detector", func() error { return wake.Run(ctx, orch.Trigger) })
	} else {
		slog.Info("No wake detector configured, use POST /api/trigger or /api/listen")
	}

	<-ctx.Done()
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	slog.Info("Shut down")
	return errors.Join(errs...)
}
