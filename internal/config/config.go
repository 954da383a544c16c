// Package config loads the loracle configuration.
//
// The file is YAML and lives at, in order of precedence:
//
//	--config <path>
//	$LORACLE_CONFIG
//	<os.UserConfigDir()>/loracle/config.yaml
//
// A missing default file is not an error; every setting has a default.
// Environment variables override the file:
//
//	LOG_LEVEL         log_level
//	LORACLE_DATA_DIR  data_dir
//	OLLAMA_HOST       backend.ollama.url
//	GEMINI_API_KEY    backend.gemini.api_key
//	OPENAI_API_KEY    backend.openai.api_key
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/loracle-dev/loracle/pkg/models"
)

const (
	// appDir is the directory name under os.UserConfigDir().
	appDir = "loracle"

	configFile = "config.yaml"
)

// DefaultSystem is the instruction preamble sent with every prompt unless backend.system
// is set. An explicit empty string sends none.
const DefaultSystem = "You are Loracle, a helpful and friendly AI assistant running entirely on the user's device.\n" +
	"Be concise, polite, and safe. Refuse dangerous or unethical requests."

const (
	StoreJSONFile = "jsonfile"
	StoreSQLite   = "sqlite"

	BackendOllama = "ollama"
	BackendGemini = "gemini"
	BackendOpenAI = "openai"
)

// Config is the root configuration.
type Config struct {
	LogLevel string `yaml:"log_level"`
	// DataDir holds sessions and the console log.
	DataDir string `yaml:"data_dir"`

	Store   StoreConfig   `yaml:"store"`
	Backend BackendConfig `yaml:"backend"`
	Speech  SpeechConfig  `yaml:"speech"`
	Server  ServerConfig  `yaml:"server"`
	Docker  DockerConfig  `yaml:"docker"`

	// Path is the file the configuration was read from, empty when defaults were used.
	Path string `yaml:"-"`
}

type StoreConfig struct {
	// Kind is jsonfile or sqlite.
	Kind string `yaml:"kind"`
}

type BackendConfig struct {
	// Kind is ollama, gemini or openai.
	Kind  string `yaml:"kind"`
	Model string `yaml:"model"`
	// System is sent as the instruction preamble of every prompt.
	System string `yaml:"system"`
	// HistoryTurns is the number of prior exchanges sent with each prompt.
	HistoryTurns int `yaml:"history_turns"`
	// ConnectTimeout bounds connection setup to the backend.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// ReadTimeout bounds the wait for response headers and between streamed chunks.
	ReadTimeout time.Duration `yaml:"read_timeout"`

	Ollama OllamaConfig `yaml:"ollama"`
	Gemini GeminiConfig `yaml:"gemini"`
	OpenAI OpenAIConfig `yaml:"openai"`
}

type OllamaConfig struct {
	URL string `yaml:"url"`
}

type GeminiConfig struct {
	APIKey string `yaml:"api_key"`
}

type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// SpeechConfig configures the command-backed speech adapters. An empty command disables the adapter.
type SpeechConfig struct {
	Wake    WakeConfig    `yaml:"wake"`
	Capture CaptureConfig `yaml:"capture"`
	Output  OutputConfig  `yaml:"output"`
}

type WakeConfig struct {
	Command      []string      `yaml:"command"`
	RestartDelay time.Duration `yaml:"restart_delay"`
}

type CaptureConfig struct {
	Command []string      `yaml:"command"`
	Timeout time.Duration `yaml:"timeout"`
}

type OutputConfig struct {
	// Command may contain a {text} argument; otherwise the text is written to stdin.
	Command []string `yaml:"command"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// DockerConfig provisions a local Ollama container when Enabled.
type DockerConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Image     string `yaml:"image"`
	Container string `yaml:"container"`
	Volume    string `yaml:"volume"`
	HostPort  string `yaml:"host_port"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	dataDir := appDir
	if base, err := os.UserConfigDir(); err == nil {
		dataDir = filepath.Join(base, appDir, "data")
	}
	return &Config{
		LogLevel: "INFO",
		DataDir:  dataDir,
		Store:    StoreConfig{Kind: StoreJSONFile},
		Backend: BackendConfig{
			Kind:           BackendOllama,
			System:         DefaultSystem,
			ConnectTimeout: models.DefaultConnectTimeout,
			ReadTimeout:    models.DefaultReadTimeout,
			Ollama:         OllamaConfig{URL: "http://localhost:11434"},
		},
		Speech: SpeechConfig{
			Wake:    WakeConfig{RestartDelay: 2 * time.Second},
			Capture: CaptureConfig{Timeout: 15 * time.Second},
		},
		Server: ServerConfig{Addr: "127.0.0.1:8080"},
	}
}

// DefaultPath returns the default config file location.
func DefaultPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine config directory: %w", err)
	}
	return filepath.Join(base, appDir, configFile), nil
}

// Load reads the configuration. An explicit path (flag or LORACLE_CONFIG) must exist;
// the default path may be missing.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = os.Getenv("LORACLE_CONFIG")
		explicit = path != ""
	}
	if !explicit {
		p, err := DefaultPath()
		if err != nil {
			// No home directory: run on defaults and environment.
			slog.Debug("No default config path", "error", err)
		}
		path = p
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
			cfg.Path = path
		case errors.Is(err, os.ErrNotExist) && !explicit:
		default:
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("LORACLE_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("OLLAMA_HOST"); v != "" {
		if !strings.Contains(v, "://") {
			v = "http://" + v
		}
		c.Backend.Ollama.URL = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.Backend.Gemini.APIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.Backend.OpenAI.APIKey = v
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.DataDir == "" {
		return errors.New("data_dir must be set")
	}
	switch c.Store.Kind {
	case StoreJSONFile, StoreSQLite:
	default:
		return fmt.Errorf("unknown store kind %q (want %s or %s)", c.Store.Kind, StoreJSONFile, StoreSQLite)
	}
	switch c.Backend.Kind {
	case BackendOllama:
		if c.Backend.Ollama.URL == "" {
			return errors.New("backend.ollama.url must be set")
		}
	case BackendGemini:
		if c.Backend.Gemini.APIKey == "" {
			return errors.New("backend.gemini.api_key or GEMINI_API_KEY must be set")
		}
	case BackendOpenAI:
		if c.Backend.OpenAI.APIKey == "" && c.Backend.OpenAI.BaseURL == "" {
			return errors.New("backend.openai.api_key or backend.openai.base_url must be set")
		}
	default:
		return fmt.Errorf("unknown backend kind %q", c.Backend.Kind)
	}
	if c.Backend.HistoryTurns < 0 {
		return errors.New("backend.history_turns must not be negative")
	}
	for name, d := range map[string]time.Duration{
		"backend.connect_timeout":   c.Backend.ConnectTimeout,
		"backend.read_timeout":      c.Backend.ReadTimeout,
		"speech.wake.restart_delay": c.Speech.Wake.RestartDelay,
		"speech.capture.timeout":    c.Speech.Capture.Timeout,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	return nil
}

// Level returns the parsed log level. Call after Validate.
func (c *Config) Level() slog.Level {
	l, _ := ParseLevel(c.LogLevel)
	return l
}

// ParseLevel accepts TRACE, DEBUG, INFO, WARN and ERROR in any case.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return models.LevelTrace, nil
	case "DEBUG":
		return slog.LevelDebug, nil
	case "", "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// SessionsDir is where the jsonfile store keeps sessions.
func (c *Config) SessionsDir() string {
	return filepath.Join(c.DataDir, "sessions")
}

// DatabasePath is the sqlite store's database file.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "loracle.db")
}

// LogPath is the console's log file.
func (c *Config) LogPath() string {
	return filepath.Join(c.DataDir, "loracle.log")
}
