package gemini

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/loracle-dev/loracle/pkg/models"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// DefaultModel is used when neither the backend nor the request names a model.
const DefaultModel = "gemini-2.0-flash"

// Options configures a Backend.
type Options struct {
	APIKey string
	Model  string

	ConnectTimeout time.Duration
	// ReadTimeout bounds the wait for response headers and for every subsequent chunk.
	ReadTimeout time.Duration
}

// Backend implements models.Backend using the Google Gemini API.
type Backend struct {
	client      *genai.Client
	model       string
	readTimeout time.Duration
}

var (
	_ models.Backend = (*Backend)(nil)
	_ models.Lister  = (*Backend)(nil)
)

// New creates a Backend. An empty model selects DefaultModel.
func New(ctx context.Context, opts Options) (*Backend, error) {
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	// Passing a custom http.Client bypasses the library's API key injection, so the
	// transport sets the header itself.
	base := models.NewTransport(opts.ConnectTimeout, opts.ReadTimeout)
	httpClient := &http.Client{
		Transport: models.NewLoggingTransport("gemini", base, map[string]string{
			"x-goog-api-key": opts.APIKey,
		}),
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(opts.APIKey), option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &Backend{client: client, model: opts.Model, readTimeout: opts.ReadTimeout}, nil
}

func (b *Backend) Name() string {
	return "gemini"
}

// Close releases resources.
func (b *Backend) Close() error {
	return b.client.Close()
}

// List returns available models.
func (b *Backend) List(ctx context.Context) ([]string, error) {
	iter := b.client.ListModels(ctx)
	var names []string
	for {
		model, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		slog.Debug("Found Gemini model", "name", model.Name)
		names = append(names, model.Name)
	}
	return names, nil
}

// history converts prior turns to genai contents. Gemini calls the assistant "model".
func history(turns []models.Turn) []*genai.Content {
	var out []*genai.Content
	for _, t := range turns {
		if t.Content == "" {
			continue
		}
		role := "user"
		if t.Role == models.RoleAssistant {
			role = "model"
		}
		out = append(out, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(t.Content)},
		})
	}
	return out
}

func (b *Backend) Generate(ctx context.Context, req models.Request, emit func(string) error) error {
	name := req.Model
	if name == "" {
		name = b.model
	}
	slog.Debug("Gemini.Generate", "model", name, "history", len(req.History))

	gm := b.client.GenerativeModel(name)
	if req.System != "" {
		gm.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}

	cs := gm.StartChat()
	cs.History = history(req.History)

	ctx, idle := models.WatchIdle(ctx, b.readTimeout)
	defer idle.Stop()

	iter := cs.SendMessageStream(ctx, genai.Text(req.Prompt))
	for {
		resp, err := iter.Next()
		if err == iterator.Done {
			return nil
		}
		if err != nil {
			return idle.Err(err)
		}
		idle.Touch()

		for _, cand := range resp.Candidates {
			if cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				if txt, ok := part.(genai.Text); ok && txt != "" {
					if err := emit(string(txt)); err != nil {
						return err
					}
				}
			}
		}
	}
}
