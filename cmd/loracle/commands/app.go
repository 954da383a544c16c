package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/loracle-dev/loracle/internal/config"
	"github.com/loracle-dev/loracle/pkg/models"
	"github.com/loracle-dev/loracle/pkg/models/gemini"
	"github.com/loracle-dev/loracle/pkg/models/ollama"
	"github.com/loracle-dev/loracle/pkg/models/openai"
	"github.com/loracle-dev/loracle/pkg/orchestrator"
	"github.com/loracle-dev/loracle/pkg/provision/docker"
	"github.com/loracle-dev/loracle/pkg/speech"
	"github.com/loracle-dev/loracle/pkg/speech/command"
	"github.com/loracle-dev/loracle/pkg/store"
	"github.com/loracle-dev/loracle/pkg/store/jsonfile"
	"github.com/loracle-dev/loracle/pkg/store/sqlite"
)

// app holds the components shared by the commands.
type app struct {
	cfg         *config.Config
	store       store.Store
	backend     models.Backend
	client      *models.Client
	provisioner *docker.Manager

	closers []func() error
}

// newApp opens the store and the backend. When docker provisioning is enabled for an
// Ollama backend, the container is started first and the backend pointed at it.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	st, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	a.store = st
	a.closers = append(a.closers, st.Close)

	if cfg.Docker.Enabled && cfg.Backend.Kind == config.BackendOllama {
		if err := a.provision(ctx); err != nil {
			a.Close()
			return nil, err
		}
	}

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	if c, ok := backend.(interface{ Close() error }); ok {
		a.closers = append(a.closers, c.Close)
	}
	a.backend = backend
	a.client = models.NewClient(backend)

	slog.Debug("App initialized", "store", cfg.Store.Kind, "backend", backend.Name())
	return a, nil
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Kind {
	case config.StoreSQLite:
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		st, err := sqlite.New(cfg.DatabasePath())
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return st, nil
	default:
		st, err := jsonfile.Open(cfg.SessionsDir())
		if err != nil {
			return nil, fmt.Errorf("open session store: %w", err)
		}
		return st, nil
	}
}

func openBackend(ctx context.Context, cfg *config.Config) (models.Backend, error) {
	b := cfg.Backend
	switch b.Kind {
	case config.BackendGemini:
		backend, err := gemini.New(ctx, gemini.Options{
			APIKey:         b.Gemini.APIKey,
			Model:          b.Model,
			ConnectTimeout: b.ConnectTimeout,
			ReadTimeout:    b.ReadTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Gemini backend: %w", err)
		}
		return backend, nil
	case config.BackendOpenAI:
		backend, err := openai.New(openai.Options{
			APIKey:         b.OpenAI.APIKey,
			BaseURL:        b.OpenAI.BaseURL,
			Model:          b.Model,
			ConnectTimeout: b.ConnectTimeout,
			ReadTimeout:    b.ReadTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize OpenAI backend: %w", err)
		}
		return backend, nil
	case config.BackendOllama:
		return ollama.New(ollama.Options{
			BaseURL:        b.Ollama.URL,
			Model:          b.Model,
			ConnectTimeout: b.ConnectTimeout,
			ReadTimeout:    b.ReadTimeout,
		}), nil
	}
	return nil, fmt.Errorf("unknown backend kind %q", b.Kind)
}

func (a *app) provision(ctx context.Context) error {
	d := a.cfg.Docker
	mgr, err := docker.New(docker.Options{
		Image:         d.Image,
		ContainerName: d.Container,
		Volume:        d.Volume,
		HostPort:      d.HostPort,
	})
	if err != nil {
		return err
	}
	a.provisioner = mgr
	a.closers = append(a.closers, mgr.Close)

	url, err := mgr.EnsureOllama(ctx)
	if err != nil {
		return fmt.Errorf("provision ollama: %w", err)
	}
	a.cfg.Backend.Ollama.URL = url
	return nil
}

// speechAdapters builds the command-backed adapters. Unconfigured adapters are nil.
func (a *app) speechAdapters() (speech.WakeDetector, speech.Recognizer, speech.Speaker) {
	s := a.cfg.Speech
	var (
		wake       speech.WakeDetector
		recognizer speech.Recognizer
		speaker    speech.Speaker
	)
	if len(s.Wake.Command) > 0 {
		wake = &command.WakeDetector{Args: s.Wake.Command, RestartDelay: s.Wake.RestartDelay}
	}
	if len(s.Capture.Command) > 0 {
		recognizer = &command.Recognizer{Args: s.Capture.Command, Timeout: s.Capture.Timeout}
	}
	if len(s.Output.Command) > 0 {
		sp := &command.Speaker{Args: s.Output.Command}
		a.closers = append(a.closers, sp.Shutdown)
		speaker = sp
	}
	return wake, recognizer, speaker
}

// orchestrator creates an orchestrator over the app's store and backend.
func (a *app) orchestrator(sessionID string, recognizer speech.Recognizer, speaker speech.Speaker) *orchestrator.Orchestrator {
	return orchestrator.New(orchestrator.Options{
		Store:        a.store,
		Dispatcher:   a.client,
		Recognizer:   recognizer,
		Speaker:      speaker,
		Model:        a.cfg.Backend.Model,
		System:       a.cfg.Backend.System,
		HistoryTurns: a.cfg.Backend.HistoryTurns,
		SessionID:    sessionID,
	})
}

// lister returns the backend's model lister, or nil.
func (a *app) lister() models.Lister {
	l, _ := a.backend.(models.Lister)
	return l
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
