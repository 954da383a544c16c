package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/loracle-dev/loracle/pkg/models"
)

const (
	DefaultBaseURL        = "http://localhost:11434"
	DefaultModel          = "gemma:2b"
	DefaultConnectTimeout = models.DefaultConnectTimeout
	DefaultReadTimeout    = models.DefaultReadTimeout

	maxFrameSize = 1 << 20
)

// Options configures a Backend.
type Options struct {
	BaseURL        string
	Model          string
	ConnectTimeout time.Duration
	// ReadTimeout bounds the wait for response headers and for every subsequent frame.
	ReadTimeout time.Duration
	// Transport overrides the underlying transport. Used by tests.
	Transport http.RoundTripper
}

// Backend implements models.Backend against the Ollama HTTP API.
type Backend struct {
	baseURL     string
	model       string
	readTimeout time.Duration
	httpClient  *http.Client
}

var _ models.Backend = (*Backend)(nil)

// New creates a Backend. Zero-valued options fall back to the defaults.
func New(opts Options) *Backend {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}

	base := opts.Transport
	if base == nil {
		base = models.NewTransport(opts.ConnectTimeout, opts.ReadTimeout)
	}

	return &Backend{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		model:       opts.Model,
		readTimeout: opts.ReadTimeout,
		httpClient: &http.Client{
			Transport: models.NewLoggingTransport("ollama", base, nil),
		},
	}
}

func (b *Backend) Name() string {
	return "ollama"
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type generateRequest struct {
	Model    string    `json:"model"`
	Prompt   string    `json:"prompt,omitempty"`
	System   string    `json:"system,omitempty"`
	Messages []message `json:"messages,omitempty"`
	Stream   bool      `json:"stream"`
}

type frame struct {
	Response string   `json:"response"`
	Message  *message `json:"message"`
	Done     bool     `json:"done"`
	Error    string   `json:"error"`
}

// endpoint picks /api/chat when history is present, /api/generate otherwise.
func (b *Backend) endpoint(req models.Request) (string, generateRequest) {
	model := req.Model
	if model == "" {
		model = b.model
	}
	if len(req.History) == 0 {
		return b.baseURL + "/api/generate", generateRequest{
			Model:  model,
			Prompt: req.Prompt,
			System: req.System,
			Stream: true,
		}
	}

	var msgs []message
	if req.System != "" {
		msgs = append(msgs, message{Role: "system", Content: req.System})
	}
	for _, t := range req.History {
		msgs = append(msgs, message{Role: string(t.Role), Content: t.Content})
	}
	msgs = append(msgs, message{Role: string(models.RoleUser), Content: req.Prompt})
	return b.baseURL + "/api/chat", generateRequest{
		Model:    model,
		Messages: msgs,
		Stream:   true,
	}
}

func (b *Backend) Generate(ctx context.Context, req models.Request, emit func(string) error) error {
	url, body := b.endpoint(req)
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	ctx, idle := models.WatchIdle(ctx, b.readTimeout)
	defer idle.Stop()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")

	slog.Debug("Ollama request", "url", url, "model", body.Model)
	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return transportError(ctx, idle, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	for scanner.Scan() {
		idle.Touch()

		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var f frame
		if err := json.Unmarshal(line, &f); err != nil {
			return fmt.Errorf("malformed frame: %w", err)
		}
		if f.Error != "" {
			return errors.New(f.Error)
		}

		token := f.Response
		if f.Message != nil {
			token = f.Message.Content
		}
		if token != "" {
			if err := emit(token); err != nil {
				return err
			}
			idle.Touch()
		}
		if f.Done {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return transportError(ctx, idle, err)
	}
	if ctx.Err() != nil {
		return transportError(ctx, idle, ctx.Err())
	}
	return ErrIncomplete
}

// ErrIncomplete reports a stream that ended without a done frame.
var ErrIncomplete = errors.New("stream ended before completion")

func transportError(ctx context.Context, idle *models.IdleWatch, err error) error {
	if idle.Expired() {
		return idle.Err(err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("connection failed: %w", err)
}

func statusError(resp *http.Response) error {
	msg := http.StatusText(resp.StatusCode)
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var f frame
	if json.Unmarshal(body, &f) == nil && f.Error != "" {
		msg = f.Error
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, msg)
}

var _ models.Lister = (*Backend)(nil)

// List returns the models installed on the server.
func (b *Backend) List(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		names = append(names, m.Name)
	}
	return names, nil
}
