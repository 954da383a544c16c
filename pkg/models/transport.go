package models

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"strings"
	"sync"
	"time"
)

const (
	// LevelTrace is a custom log level for detailed HTTP traffic.
	LevelTrace = slog.Level(-8)

	DefaultConnectTimeout = 10 * time.Second
	DefaultReadTimeout    = 30 * time.Second
)

// ErrReadTimeout is the cause of a context canceled by an IdleWatch.
var ErrReadTimeout = errors.New("read timed out")

// NewTransport returns a transport whose dial is bounded by connect and whose wait for
// response headers is bounded by read. Zero values select the defaults.
func NewTransport(connect, read time.Duration) *http.Transport {
	if connect <= 0 {
		connect = DefaultConnectTimeout
	}
	if read <= 0 {
		read = DefaultReadTimeout
	}
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connect,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   connect,
		ResponseHeaderTimeout: read,
		IdleConnTimeout:       90 * time.Second,
		ForceAttemptHTTP2:     true,
	}
}

// IdleWatch cancels a streaming request when no data arrives within its timeout.
type IdleWatch struct {
	ctx     context.Context
	cancel  context.CancelCauseFunc
	timeout time.Duration
	mu      sync.Mutex
	timer   *time.Timer
}

// WatchIdle derives a context that is canceled with ErrReadTimeout unless Touch is
// called at least every timeout. A zero timeout selects DefaultReadTimeout.
func WatchIdle(ctx context.Context, timeout time.Duration) (context.Context, *IdleWatch) {
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}
	ctx, cancel := context.WithCancelCause(ctx)
	w := &IdleWatch{ctx: ctx, cancel: cancel, timeout: timeout}
	w.timer = time.AfterFunc(timeout, func() { cancel(ErrReadTimeout) })
	return ctx, w
}

// Touch restarts the timeout.
func (w *IdleWatch) Touch() {
	w.mu.Lock()
	w.timer.Reset(w.timeout)
	w.mu.Unlock()
}

// Expired reports whether the watch canceled the context.
func (w *IdleWatch) Expired() bool {
	return errors.Is(context.Cause(w.ctx), ErrReadTimeout)
}

// Err wraps err as a read timeout when the watch fired, and returns it unchanged otherwise.
func (w *IdleWatch) Err(err error) error {
	if err != nil && w.Expired() {
		return fmt.Errorf("connection failed: %w", ErrReadTimeout)
	}
	return err
}

// Stop releases the watch and its context.
func (w *IdleWatch) Stop() {
	w.mu.Lock()
	w.timer.Stop()
	w.mu.Unlock()
	w.cancel(nil)
}

// LoggingTransport dumps requests and responses at LevelTrace and can inject
// static headers (API keys) that a custom http.Client would otherwise bypass.
type LoggingTransport struct {
	Base    http.RoundTripper
	Name    string
	Headers map[string]string
}

// NewLoggingTransport wraps base, or http.DefaultTransport when base is nil.
func NewLoggingTransport(name string, base http.RoundTripper, headers map[string]string) *LoggingTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &LoggingTransport{Base: base, Name: name, Headers: headers}
}

func (t *LoggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if len(t.Headers) > 0 {
		req = req.Clone(req.Context())
		for k, v := range t.Headers {
			if v != "" && req.Header.Get(k) == "" {
				req.Header.Set(k, v)
			}
		}
	}

	if !slog.Default().Enabled(req.Context(), LevelTrace) {
		return t.Base.RoundTrip(req)
	}

	reqDump, err := httputil.DumpRequestOut(req, true)
	if err != nil {
		slog.Debug("Failed to dump request", "backend", t.Name, "error", err)
	} else {
		slog.Log(req.Context(), LevelTrace, "REST Request", "backend", t.Name, "url", req.URL.String(), "dump", string(reqDump))
	}

	resp, err := t.Base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	// Streaming bodies are never dumped; reading them here would consume the stream.
	isStream := isStreaming(resp) || strings.Contains(req.URL.Query().Get("alt"), "sse")

	respDump, err := httputil.DumpResponse(resp, !isStream)
	if err != nil {
		slog.Debug("Failed to dump response", "backend", t.Name, "error", err)
	} else {
		slog.Log(req.Context(), LevelTrace, "REST Response", "backend", t.Name, "isStream", isStream, "dump", string(respDump))
	}

	return resp, nil
}

func isStreaming(resp *http.Response) bool {
	ct := resp.Header.Get("Content-Type")
	return strings.Contains(ct, "text/event-stream") ||
		strings.Contains(ct, "application/x-ndjson") ||
		resp.ContentLength < 0
}
