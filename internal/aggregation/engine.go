// Package aggregation derives dated product metrics from canonical events.
package aggregation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/V4T54L/product-pulse/internal/domain"
)

const defaultQueryTimeout = 30 * time.Second

// Funnel is a named, ordered sequence of event names.
type Funnel struct {
	Name  string
	Steps []string
}

// DefaultFunnels is used when no funnel is configured.
var DefaultFunnels = []Funnel{
	{Name: "signup_to_action", Steps: []string{"signup", "onboarding_complete", "first_action"}},
}

// Result carries the metrics of one run and the per-derivation failures.
type Result struct {
	Metrics []domain.Metric
	Errors  []error
}

// Err joins the derivation failures, or returns nil.
func (r Result) Err() error {
	return errors.Join(r.Errors...)
}

type derivation struct {
	unit    string
	compute func(ctx context.Context, today time.Time) ([]domain.Metric, error)
}

// Engine computes every metric derivation for the current UTC day.
type Engine struct {
	events       domain.EventStore
	funnels      []Funnel
	queryTimeout time.Duration
	now          func() time.Time
	logger       *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithFunnels replaces the default funnel definitions. An empty list keeps the defaults.
func WithFunnels(funnels []Funnel) Option {
	return func(e *Engine) {
		if len(funnels) > 0 {
			e.funnels = funnels
		}
	}
}

// WithQueryTimeout bounds each derivation's store access.
func WithQueryTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.queryTimeout = d
		}
	}
}

// WithClock injects the time source used to anchor "today".
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a new aggregation engine reading from the given event store.
func NewEngine(events domain.EventStore, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		events:       events,
		funnels:      DefaultFunnels,
		queryTimeout: defaultQueryTimeout,
		now:          time.Now,
		logger:       logger.With("component", "aggregation_engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) derivations() []derivation {
	ds := []derivation{
		{unit: "dau", compute: e.activeUsers("dau", "daily", 1, 1)},
		{unit: "wau", compute: e.activeUsers("wau", "weekly", 7, 0)},
		{unit: "mau", compute: e.activeUsers("mau", "monthly", 30, 0)},
		{unit: "retention", compute: e.retention},
		{unit: "feature_adoption", compute: e.featureAdoption},
	}
	for _, f := range e.funnels {
		ds = append(ds, derivation{unit: funnelMetricName(f.Name), compute: e.funnel(f)})
	}
	return ds
}

// Run computes all derivations. A failing derivation is reported in Result.Errors as a
// *domain.ComputationError and does not affect the others; derivations without enough
// data are skipped silently.
func (e *Engine) Run(ctx context.Context) Result {
	now := e.now().UTC()
	today := domain.StartOfDay(now)

	var res Result
	for _, d := range e.derivations() {
		if err := ctx.Err(); err != nil {
			res.Errors = append(res.Errors, &domain.ComputationError{Unit: d.unit, Err: err})
			continue
		}

		dctx, cancel := context.WithTimeout(ctx, e.queryTimeout)
		metrics, err := d.compute(dctx, today)
		cancel()

		switch {
		case errors.Is(err, domain.ErrInsufficientData):
			e.logger.Debug("Skipping derivation", "unit", d.unit, "reason", err)
		case err != nil:
			e.logger.Warn("Derivation failed", "unit", d.unit, "error", err)
			res.Errors = append(res.Errors, &domain.ComputationError{Unit: d.unit, Err: err})
		default:
			for i := range metrics {
				metrics[i].ComputedAt = now
			}
			res.Metrics = append(res.Metrics, metrics...)
		}
	}

	e.logger.Info("Aggregation run finished", "metrics", len(res.Metrics), "errors", len(res.Errors))
	return res
}

func percent(part, whole int) float64 {
	if whole == 0 {
		return 0
	}
	return float64(part) / float64(whole) * 100
}

func dateString(t time.Time) string {
	return t.Format(time.RFC3339)
}
