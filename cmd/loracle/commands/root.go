package commands

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/loracle-dev/loracle/internal/config"
)

var (
	// Global flags
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "loracle",
	Short: "Voice-driven assistant for local language models",
	Long: `loracle - a voice assistant that sends what you say to a language model
and speaks the reply as it streams in.

Configuration is read from --config, $LORACLE_CONFIG or the OS config directory:
  macOS:   ~/Library/Application Support/loracle/config.yaml
  Linux:   ~/.config/loracle/config.yaml
  Windows: %AppData%/loracle/config.yaml

Examples:
  # Run the assistant with the HTTP API on 127.0.0.1:8080
  loracle serve

  # Chat in the terminal
  loracle chat

  # One-shot prompt
  loracle ask "what is the capital of Peru?"`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}

// loadConfig reads the configuration selected by the global flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if verbose && cfg.Level() > slog.LevelDebug {
		cfg.LogLevel = "DEBUG"
	}
	return cfg, nil
}

// setupLogging installs the default slog handler writing text to w.
func setupLogging(w io.Writer, cfg *config.Config) {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: cfg.Level()})
	slog.SetDefault(slog.New(handler))
	slog.Debug("Logging initialized", "level", cfg.Level(), "config", cfg.Path)
}

// openLogFile opens the console log in the data directory.
func openLogFile(cfg *config.Config) (*os.File, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return os.OpenFile(cfg.LogPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
}
