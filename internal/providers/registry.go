package providers

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/mihaisavezi/claude-route-proxy/internal/detector"
	"github.com/mihaisavezi/claude-route-proxy/internal/httpclient"
	"github.com/mihaisavezi/claude-route-proxy/internal/stream"
)

type factory func(p detector.Provider, cfg Config, client *http.Client, logger *slog.Logger) Handler

// factories is closed over the detector's provider set; every known provider
// has exactly one constructor.
var factories = map[detector.Provider]factory{
	detector.Anthropic:  newAnthropic,
	detector.Ollama:     newOllama,
	detector.OpenRouter: newOpenRouter,
	detector.Gemini:     newGemini,
	detector.OpenAI:     newOpenAICompat,
	detector.Nvidia:     newOpenAICompat,
	detector.DeepSeek:   newOpenAICompat,
	detector.Groq:       newOpenAICompat,
	detector.XAI:        newOpenAICompat,
}

// Option configures a Registry.
type Option func(*registryOptions)

type registryOptions struct {
	client *http.Client
	logger *slog.Logger
}

// WithHTTPClient sets the client shared by every handler.
func WithHTTPClient(client *http.Client) Option {
	return func(o *registryOptions) {
		o.client = client
	}
}

// WithLogger sets the logger handlers derive theirs from.
func WithLogger(logger *slog.Logger) Option {
	return func(o *registryOptions) {
		o.logger = logger
	}
}

// Registry holds one Handler per configured route. It is read-only after
// construction and safe for concurrent use.
type Registry struct {
	handlers map[detector.Provider]Handler
	baseline Handler
}

// NewRegistry builds a handler for every config. Unknown provider names,
// duplicate routes, unknown stream formats and more than one baseline are
// errors.
func NewRegistry(configs []Config, opts ...Option) (*Registry, error) {
	o := registryOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	if o.client == nil {
		o.client = httpclient.New(nil)
	}

	if o.logger == nil {
		o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	r := &Registry{handlers: make(map[detector.Provider]Handler, len(configs))}

	for _, cfg := range configs {
		p := detector.Provider(cfg.Name)
		if !detector.Known(p) {
			return nil, fmt.Errorf("provider %q: unknown provider", cfg.Name)
		}

		if _, dup := r.handlers[p]; dup {
			return nil, fmt.Errorf("provider %q: configured more than once", cfg.Name)
		}

		if cfg.StreamFormat != "" {
			if _, err := stream.ParseFormat(string(cfg.StreamFormat)); err != nil {
				return nil, fmt.Errorf("provider %q: %w", cfg.Name, err)
			}
		}

		h := factories[p](p, cfg, o.client, o.logger)

		if cfg.StreamFormat != "" {
			if fc, ok := h.(formatChecker); ok && !fc.supportsStreamFormat(cfg.StreamFormat) {
				return nil, fmt.Errorf("provider %q: stream endpoint does not emit %q records", cfg.Name, cfg.StreamFormat)
			}
		}

		r.handlers[p] = h

		if cfg.IsBaseline {
			if r.baseline != nil {
				return nil, fmt.Errorf("provider %q: baseline already set to %q", cfg.Name, r.baseline.Provider())
			}

			r.baseline = h
		}
	}

	if r.baseline == nil {
		r.baseline = r.handlers[detector.Native]
	}

	return r, nil
}

type formatChecker interface {
	supportsStreamFormat(f stream.Format) bool
}

// Get returns the handler configured for p.
func (r *Registry) Get(p detector.Provider) (Handler, bool) {
	h, ok := r.handlers[p]
	return h, ok
}

// Baseline returns the native reference handler: the route flagged
// IsBaseline, or the anthropic route when none is flagged.
func (r *Registry) Baseline() (Handler, bool) {
	return r.baseline, r.baseline != nil
}

// Resolve picks the handler for a parsed route. Alias routes, which carry no
// model, go to the baseline.
func (r *Registry) Resolve(route detector.Route) (Handler, bool) {
	if route.Model == "" {
		return r.Baseline()
	}

	return r.Get(route.Provider)
}

// List returns the configured providers in detector order.
func (r *Registry) List() []detector.Provider {
	out := make([]detector.Provider, 0, len(r.handlers))

	for _, p := range detector.All() {
		if _, ok := r.handlers[p]; ok {
			out = append(out, p)
		}
	}

	return out
}
