package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/mihaisavezi/claude-route-proxy/internal/anthropic"
	"github.com/mihaisavezi/claude-route-proxy/internal/detector"
	"github.com/mihaisavezi/claude-route-proxy/internal/httpclient"
	"github.com/mihaisavezi/claude-route-proxy/internal/stream"
)

// DefaultTimeout bounds an upstream call when the route sets none.
const DefaultTimeout = 120 * time.Second

// Handler talks to one upstream provider in its native format.
type Handler interface {
	Provider() detector.Provider
	// Model is the route's configured upstream model, used when a request
	// names none.
	Model() string
	Endpoint() string
	Headers() http.Header
	StreamFormat() stream.Format
	Handle(ctx context.Context, req *anthropic.MessagesRequest) *Result
	HandleStream(ctx context.Context, req *anthropic.MessagesRequest) *StreamResult
}

// Config describes one configured route.
type Config struct {
	Name         string        `json:"name" yaml:"name" koanf:"name"`
	Model        string        `json:"model" yaml:"model" koanf:"model"`
	APIKey       string        `json:"api_key,omitempty" yaml:"api_key,omitempty" koanf:"api_key"`
	BaseURL      string        `json:"base_url,omitempty" yaml:"base_url,omitempty" koanf:"base_url"`
	IsBaseline   bool          `json:"is_baseline,omitempty" yaml:"is_baseline,omitempty" koanf:"is_baseline"`
	Timeout      time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty" koanf:"timeout"`
	StreamFormat stream.Format `json:"stream_format,omitempty" yaml:"stream_format,omitempty" koanf:"stream_format"`
}

// Result is the outcome of a non-streaming call. Exactly one field is set.
type Result struct {
	Response *anthropic.MessagesResponse
	Failure  *Failure
}

// StreamResult is the outcome of opening a stream. Body yields the
// decompressed upstream bytes and cancels the upstream call when closed.
type StreamResult struct {
	Body    io.ReadCloser
	Failure *Failure
}

func failed(f *Failure) *Result {
	return &Result{Failure: f}
}

// base carries what every handler shares: its route config, the HTTP client
// and the logger.
type base struct {
	provider detector.Provider
	cfg      Config
	client   *http.Client
	logger   *slog.Logger
	format   stream.Format
	// native is the format the handler's stream endpoint emits.
	native stream.Format
}

func newBase(p detector.Provider, cfg Config, client *http.Client, logger *slog.Logger, native stream.Format) base {
	format := native
	if cfg.StreamFormat != "" {
		format = cfg.StreamFormat
	}

	return base{
		provider: p,
		cfg:      cfg,
		client:   client,
		logger:   logger.With("provider", string(p)),
		format:   format,
		native:   native,
	}
}

func (b *base) Provider() detector.Provider {
	return b.provider
}

func (b *base) Model() string {
	return b.cfg.Model
}

func (b *base) StreamFormat() stream.Format {
	return b.format
}

// supportsStreamFormat reports whether the stream endpoint can emit records
// in format f.
func (b *base) supportsStreamFormat(f stream.Format) bool {
	return f == b.native
}

func (b *base) timeout() time.Duration {
	if b.cfg.Timeout > 0 {
		return b.cfg.Timeout
	}

	return DefaultTimeout
}

// model returns the upstream model for req, falling back to the route's
// configured model.
func (b *base) model(req *anthropic.MessagesRequest) string {
	if req.Model != "" {
		return req.Model
	}

	return b.cfg.Model
}

func (b *base) baseURL(fallback string) string {
	if b.cfg.BaseURL != "" {
		return b.cfg.BaseURL
	}

	return fallback
}

// post performs a bounded non-streaming call and returns the decoded body of
// a 2xx response.
func (b *base) post(ctx context.Context, url string, headers http.Header, payload any) ([]byte, *Failure) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &Failure{Type: anthropic.ErrorInvalidRequest, Message: fmt.Sprintf("encode upstream request: %v", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &Failure{Type: anthropic.ErrorInvalidRequest, Message: fmt.Sprintf("build upstream request: %v", err)}
	}

	req.Header = headers.Clone()

	start := time.Now()

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, classifyTransport(ctx, err)
	}
	defer resp.Body.Close()

	rc, err := httpclient.DecompressBody(resp)
	if err != nil {
		return nil, &Failure{Type: anthropic.ErrorAPI, Message: fmt.Sprintf("decode upstream body: %v", err), StatusCode: resp.StatusCode}
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, classifyTransport(ctx, err)
	}

	b.logger.Debug("Upstream call finished",
		"status", resp.StatusCode,
		"duration", time.Since(start),
		"bytes", len(data),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, classifyStatus(resp, data)
	}

	return data, nil
}

// open starts a streaming call. The route timeout bounds the wait for
// response headers only; once the stream is open it runs until the body is
// exhausted, the caller closes it or ctx is cancelled.
func (b *base) open(ctx context.Context, url string, headers http.Header, payload any) *StreamResult {
	body, err := json.Marshal(payload)
	if err != nil {
		return &StreamResult{Failure: &Failure{Type: anthropic.ErrorInvalidRequest, Message: fmt.Sprintf("encode upstream request: %v", err)}}
	}

	ctx, cancel := context.WithCancel(ctx)
	timer := time.AfterFunc(b.timeout(), cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		timer.Stop()
		cancel()

		return &StreamResult{Failure: &Failure{Type: anthropic.ErrorInvalidRequest, Message: fmt.Sprintf("build upstream request: %v", err)}}
	}

	req.Header = headers.Clone()

	resp, err := b.client.Do(req)
	expired := !timer.Stop()

	if err != nil {
		cancel()

		if expired {
			return &StreamResult{Failure: timeoutFailure(b.timeout())}
		}

		return &StreamResult{Failure: classifyTransport(ctx, err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
		cancel()

		return &StreamResult{Failure: classifyStatus(resp, data)}
	}

	rc, err := httpclient.DecompressBody(resp)
	if err != nil {
		resp.Body.Close()
		cancel()

		return &StreamResult{Failure: &Failure{Type: anthropic.ErrorAPI, Message: fmt.Sprintf("decode upstream body: %v", err), StatusCode: resp.StatusCode}}
	}

	b.logger.Debug("Upstream stream opened", "status", resp.StatusCode, "content_type", resp.Header.Get("Content-Type"))

	return &StreamResult{Body: &cancelOnClose{ReadCloser: rc, cancel: cancel}}
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()

	return err
}

func jsonHeaders() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")

	return h
}
