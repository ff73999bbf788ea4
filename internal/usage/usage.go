// Package usage tracks token consumption and estimated spend per request.
//
// The Tracker keeps running totals and a bounded list of recent records in
// memory. It is safe for concurrent use; totals are only mutated under its
// lock. Persistence is optional and goes through a Store.
package usage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxRecords bounds the in-memory record list.
const DefaultMaxRecords = 10000

// Record is one completed upstream call. Records are immutable once created.
type Record struct {
	ID           string    `json:"id"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	Timestamp    time.Time `json:"timestamp"`
}

// ProviderStats are the totals for a single provider.
type ProviderStats struct {
	Requests     int     `json:"requests"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Stats are the running totals.
type Stats struct {
	Requests     int                      `json:"requests"`
	InputTokens  int                      `json:"input_tokens"`
	OutputTokens int                      `json:"output_tokens"`
	TotalTokens  int                      `json:"total_tokens"`
	TotalCostUSD float64                  `json:"total_cost_usd"`
	ByProvider   map[string]ProviderStats `json:"by_provider"`
}

func (s Stats) clone() Stats {
	s.ByProvider = maps.Clone(s.ByProvider)
	if s.ByProvider == nil {
		s.ByProvider = map[string]ProviderStats{}
	}

	return s
}

// Snapshot is what a Store persists.
type Snapshot struct {
	Stats   Stats     `json:"stats"`
	Records []Record  `json:"records"`
	SavedAt time.Time `json:"saved_at"`
}

// Store persists tracker snapshots.
type Store interface {
	Save(ctx context.Context, snap Snapshot) error
	// Load returns an empty snapshot and no error when nothing was saved yet.
	Load(ctx context.Context) (Snapshot, error)
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithStore enables Flush and Load.
func WithStore(store Store) Option {
	return func(t *Tracker) {
		t.store = store
	}
}

// WithPricing replaces the default price table.
func WithPricing(p Pricing) Option {
	return func(t *Tracker) {
		t.pricing = p
	}
}

// WithLogger sets the tracker logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// WithMaxRecords bounds how many recent records are kept in memory. Totals
// are unaffected.
func WithMaxRecords(n int) Option {
	return func(t *Tracker) {
		t.maxRecords = n
	}
}

// Tracker accumulates usage.
type Tracker struct {
	mu         sync.Mutex
	stats      Stats
	records    []Record
	maxRecords int

	store   Store
	pricing Pricing
	logger  *slog.Logger
	now     func() time.Time
}

// NewTracker returns an empty tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		stats:      Stats{ByProvider: map[string]ProviderStats{}},
		maxRecords: DefaultMaxRecords,
		pricing:    DefaultPricing(),
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Cost prices a call with the tracker's price table.
func (t *Tracker) Cost(model string, inputTokens, outputTokens int) float64 {
	return t.pricing.Cost(model, inputTokens, outputTokens)
}

// RecordUsage appends a record and updates the totals. Negative counts are
// treated as zero.
func (t *Tracker) RecordUsage(provider, model string, inputTokens, outputTokens int, costUSD float64) Record {
	rec := Record{
		ID:           uuid.NewString(),
		Provider:     provider,
		Model:        model,
		InputTokens:  max(inputTokens, 0),
		OutputTokens: max(outputTokens, 0),
		CostUSD:      max(costUSD, 0),
		Timestamp:    t.now().UTC(),
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.stats.Requests++
	t.stats.InputTokens += rec.InputTokens
	t.stats.OutputTokens += rec.OutputTokens
	t.stats.TotalTokens += rec.InputTokens + rec.OutputTokens
	t.stats.TotalCostUSD += rec.CostUSD

	ps := t.stats.ByProvider[provider]
	ps.Requests++
	ps.InputTokens += rec.InputTokens
	ps.OutputTokens += rec.OutputTokens
	ps.CostUSD += rec.CostUSD
	t.stats.ByProvider[provider] = ps

	t.records = append(t.records, rec)
	if t.maxRecords > 0 && len(t.records) > t.maxRecords {
		t.records = append([]Record(nil), t.records[len(t.records)-t.maxRecords:]...)
	}

	t.logger.Debug("Usage recorded",
		"provider", provider,
		"model", model,
		"input_tokens", rec.InputTokens,
		"output_tokens", rec.OutputTokens,
		"cost_usd", rec.CostUSD,
	)

	return rec
}

// Stats returns a copy of the running totals.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.stats.clone()
}

// Records returns a copy of the retained records, oldest first.
func (t *Tracker) Records() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]Record(nil), t.records...)
}

// Flush writes the current state to the store. It is a no-op without one.
func (t *Tracker) Flush(ctx context.Context) error {
	if t.store == nil {
		return nil
	}

	t.mu.Lock()
	snap := Snapshot{
		Stats:   t.stats.clone(),
		Records: append([]Record(nil), t.records...),
		SavedAt: t.now().UTC(),
	}
	t.mu.Unlock()

	if err := t.store.Save(ctx, snap); err != nil {
		return fmt.Errorf("flush usage: %w", err)
	}

	t.logger.Debug("Usage flushed", "records", len(snap.Records), "requests", snap.Stats.Requests)

	return nil
}

// Load replaces the in-memory state with the stored snapshot. It is a no-op
// without a store.
func (t *Tracker) Load(ctx context.Context) error {
	if t.store == nil {
		return nil
	}

	snap, err := t.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load usage: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.stats = snap.Stats.clone()
	t.records = append([]Record(nil), snap.Records...)

	if t.maxRecords > 0 && len(t.records) > t.maxRecords {
		t.records = t.records[len(t.records)-t.maxRecords:]
	}

	return nil
}
