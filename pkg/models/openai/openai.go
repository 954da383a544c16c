package openai

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/loracle-dev/loracle/pkg/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// DefaultModel is used when neither the backend nor the request names a model.
const DefaultModel = "gpt-4o-mini"

// Options configures a Backend. BaseURL points the client at any
// OpenAI-compatible server (llama.cpp, vLLM, Ollama's /v1).
type Options struct {
	APIKey  string
	BaseURL string
	Model   string

	ConnectTimeout time.Duration
	// ReadTimeout bounds the wait for response headers and for every subsequent chunk.
	ReadTimeout time.Duration
}

// Backend implements models.Backend with the OpenAI chat completions streaming API.
type Backend struct {
	client      *openai.Client
	model       string
	readTimeout time.Duration
}

var (
	_ models.Backend = (*Backend)(nil)
	_ models.Lister  = (*Backend)(nil)
)

// New creates a Backend.
func New(opts Options) (*Backend, error) {
	if opts.APIKey == "" && opts.BaseURL == "" {
		return nil, fmt.Errorf("api key is required for the hosted OpenAI API")
	}
	if opts.Model == "" {
		opts.Model = DefaultModel
	}

	// Failures surface once; the caller decides whether to ask again.
	reqOpts := []option.RequestOption{
		option.WithHTTPClient(&http.Client{
			Transport: models.NewLoggingTransport("openai", models.NewTransport(opts.ConnectTimeout, opts.ReadTimeout), nil),
		}),
		option.WithMaxRetries(0),
	}
	if opts.APIKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	client := openai.NewClient(reqOpts...)
	return &Backend{client: &client, model: opts.Model, readTimeout: opts.ReadTimeout}, nil
}

func (b *Backend) Name() string {
	return "openai"
}

// List returns the models the server exposes.
func (b *Backend) List(ctx context.Context) ([]string, error) {
	page, err := b.client.Models.List(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(page.Data))
	for _, m := range page.Data {
		names = append(names, m.ID)
	}
	return names, nil
}

func messages(req models.Request) []openai.ChatCompletionMessageParamUnion {
	var out []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		out = append(out, openai.SystemMessage(req.System))
	}
	for _, t := range req.History {
		if t.Role == models.RoleAssistant {
			out = append(out, openai.AssistantMessage(t.Content))
		} else {
			out = append(out, openai.UserMessage(t.Content))
		}
	}
	return append(out, openai.UserMessage(req.Prompt))
}

func (b *Backend) Generate(ctx context.Context, req models.Request, emit func(string) error) error {
	model := req.Model
	if model == "" {
		model = b.model
	}
	slog.Debug("OpenAI.Generate", "model", model, "history", len(req.History))

	ctx, idle := models.WatchIdle(ctx, b.readTimeout)
	defer idle.Stop()

	stream := b.client.Chat.Completions.NewStreaming(ctx, openai.ChatCompletionNewParams{
		Messages: messages(req),
		Model:    model,
	})
	defer stream.Close()

	for stream.Next() {
		idle.Touch()
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		if s := chunk.Choices[0].Delta.Content; s != "" {
			if err := emit(s); err != nil {
				return err
			}
		}
	}
	return idle.Err(stream.Err())
}
