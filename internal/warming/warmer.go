// Package warming converts high-confidence predictions and access-frequency
// analytics into proactively populated cache entries.
package warming

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"foresight/internal/prediction"
	"foresight/internal/trust"
	"foresight/internal/warming/metrics"
	errs "foresight/pkg/errors"
	"foresight/pkg/stats"
)

const (
	// confidenceThreshold gates which predictions are worth warming for.
	confidenceThreshold = 0.6

	// warmConcurrency bounds parallel cache writes. Entries have distinct
	// keys, so concurrent writes are safe.
	warmConcurrency = 4

	// accessPatternWindow bounds how many recent entity references feed the
	// frequency ranking.
	accessPatternWindow = 50
	// accessPatternTop is how many ranked entities get warmed.
	accessPatternTop = 10
	// accessPatternTTL is the lifetime of access-pattern warm entries.
	accessPatternTTL = 3600 * time.Second

	minTTLSeconds  = 300
	maxTTLSeconds  = 7200
	baseTTLSeconds = 3600
)

// Entry is one cache artifact to be written ahead of a predicted incident.
type Entry struct {
	Key     string
	Payload any
	TTL     time.Duration
}

// Cache is the key-value layer warm entries are written to.
type Cache interface {
	Set(ctx context.Context, key string, payload any, ttl time.Duration) error
}

// EntityLoader fetches the backing record for an entity reference. A
// not-found error means the entity has no backing data and is skipped.
type EntityLoader interface {
	Load(ctx context.Context, ref trust.EntityRef) (any, error)
}

// AccessSource yields recent entity references for a session or anchor,
// newest first.
type AccessSource interface {
	RecentEntities(ctx context.Context, id string, limit int) ([]trust.EntityRef, error)
}

// Warmer writes prediction-driven and access-pattern-driven cache entries.
// Its only side effects are cache writes.
type Warmer struct {
	cache       Cache
	loader      EntityLoader
	access      AccessSource
	logger      *slog.Logger
	metrics     *metrics.Metrics
	concurrency int
}

// Option configures a Warmer.
type Option func(*Warmer)

func WithLogger(logger *slog.Logger) Option {
	return func(w *Warmer) { w.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Warmer) { w.metrics = m }
}

// WithConcurrency overrides the bound on parallel cache writes.
func WithConcurrency(n int) Option {
	return func(w *Warmer) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithAccessPatterns enables WarmFromAccessPatterns with the given source and
// loader.
func WithAccessPatterns(access AccessSource, loader EntityLoader) Option {
	return func(w *Warmer) {
		w.access = access
		w.loader = loader
	}
}

func NewWarmer(cache Cache, opts ...Option) (*Warmer, error) {
	if cache == nil {
		return nil, fmt.Errorf("cache is required")
	}
	w := &Warmer{
		cache:       cache,
		logger:      slog.Default(),
		concurrency: warmConcurrency,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// WarmCaches derives cache artifacts from the given predictions and writes
// them with bounded concurrency. Low-confidence and unrecognized predictions
// are skipped silently. The returned count is the number of entries written.
func (w *Warmer) WarmCaches(ctx context.Context, preds []prediction.Prediction) (int, error) {
	var entries []Entry
	for i := range preds {
		entries = append(entries, w.entriesFor(&preds[i])...)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	for _, entry := range entries {
		entry := entry
		g.Go(func() error {
			if err := w.cache.Set(ctx, entry.Key, entry.Payload, entry.TTL); err != nil {
				return fmt.Errorf("warm %s: %w", entry.Key, err)
			}
			if w.metrics != nil {
				w.metrics.EntriesWarmed.Inc()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if w.metrics != nil {
			w.metrics.WarmFailures.Inc()
		}
		return 0, err
	}
	return len(entries), nil
}

// entriesFor maps one prediction onto its artifact set.
func (w *Warmer) entriesFor(p *prediction.Prediction) []Entry {
	if p.Confidence < confidenceThreshold {
		return nil
	}
	switch p.Type {
	case prediction.TypeFailure:
		return []Entry{
			{
				Key:     "fallback:strategy:" + p.ServiceName,
				Payload: map[string]any{"mode": "degraded-mode", "service": p.ServiceName},
				TTL:     3600 * time.Second,
			},
			{
				Key:     "health:status:" + p.ServiceName,
				Payload: map[string]any{"status": "predicted-failure", "confidence": p.Confidence},
				TTL:     1800 * time.Second,
			},
		}
	case prediction.TypeLatency:
		return []Entry{
			{
				Key: "cache:strategy:" + p.ServiceName,
				// The strategy advertises a short TTL to its consumers; the
				// warm entry itself lives longer.
				Payload: map[string]any{"strategy": "aggressive", "ttl_seconds": 300},
				TTL:     3600 * time.Second,
			},
			{
				Key:     "response:template:" + p.ServiceName,
				Payload: map[string]any{"service_unavailable": false},
				TTL:     900 * time.Second,
			},
		}
	case prediction.TypeCascade:
		entries := make([]Entry, 0, len(p.Details.AffectedServices)+1)
		for _, affected := range p.Details.AffectedServices {
			entries = append(entries, Entry{
				Key:     "dependency:risk:" + affected,
				Payload: map[string]any{"at_risk_dependency": p.ServiceName, "confidence": p.Confidence},
				TTL:     1800 * time.Second,
			})
		}
		entries = append(entries, Entry{
			Key:     "circuit:state:" + p.ServiceName,
			Payload: map[string]any{"state": "half-open"},
			TTL:     1800 * time.Second,
		})
		return entries
	default:
		return nil
	}
}

// WarmFromAccessPatterns ranks the entities referenced in the recent
// interaction window of a session or anchor by frequency and warms the top
// ones that still have backing data. Entities with no backing record are
// skipped, not errors.
func (w *Warmer) WarmFromAccessPatterns(ctx context.Context, id string) (int, error) {
	if w.access == nil || w.loader == nil {
		return 0, nil
	}
	refs, err := w.access.RecentEntities(ctx, id, accessPatternWindow)
	if err != nil {
		return 0, fmt.Errorf("recent entities for %s: %w", id, err)
	}

	counts := make(map[string]int)
	byKey := make(map[string]trust.EntityRef)
	for _, ref := range refs {
		key := ref.Key()
		counts[key]++
		byKey[key] = ref
	}
	ranked := make([]string, 0, len(counts))
	for key := range counts {
		ranked = append(ranked, key)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if counts[ranked[i]] != counts[ranked[j]] {
			return counts[ranked[i]] > counts[ranked[j]]
		}
		return ranked[i] < ranked[j]
	})
	if len(ranked) > accessPatternTop {
		ranked = ranked[:accessPatternTop]
	}

	warmed := 0
	for _, key := range ranked {
		ref := byKey[key]
		payload, err := w.loader.Load(ctx, ref)
		if err != nil {
			if errs.CodeOf(err) == errs.CodeNotFound {
				continue
			}
			w.logger.Warn("entity load failed during access-pattern warming",
				"entity", key, "error", err)
			continue
		}
		if err := w.cache.Set(ctx, "entity:"+key, payload, accessPatternTTL); err != nil {
			return warmed, fmt.Errorf("warm entity %s: %w", key, err)
		}
		warmed++
		if w.metrics != nil {
			w.metrics.EntriesWarmed.Inc()
		}
	}
	return warmed, nil
}

// OptimalTTL is the shared TTL formula for prediction-specific cache entries:
// 3600s scaled by confidence and urgency, clamped to [300s, 7200s]. Urgency
// rises as the predicted time to failure approaches, floored at 0.5.
func OptimalTTL(p *prediction.Prediction) time.Duration {
	urgency := 1.0
	if p.TimeToFailureSeconds != nil {
		urgency = math.Max(0.5, 1-float64(*p.TimeToFailureSeconds)/3600)
	}
	seconds := stats.Clamp(baseTTLSeconds*p.Confidence*urgency, minTTLSeconds, maxTTLSeconds)
	return time.Duration(seconds) * time.Second
}
