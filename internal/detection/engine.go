// Package detection scans metric series for regressions and anomalies.
package detection

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/V4T54L/product-pulse/internal/domain"
)

const defaultQueryTimeout = 30 * time.Second

// Rule inspects stored metrics and reports detections. Metrics without enough history
// are skipped without error.
type Rule interface {
	Name() string
	Detect(ctx context.Context, today time.Time) ([]domain.Detection, error)
}

// DefaultRules returns the built-in rules in evaluation order.
func DefaultRules(metrics domain.MetricStore) []Rule {
	return []Rule{
		NewWeekOverWeekRule(metrics),
		NewDayOverDayRule(metrics),
		NewZScoreRule(metrics),
		NewFeatureDecayRule(metrics),
		NewRetentionErosionRule(metrics),
	}
}

// Result carries the detections of one run and the per-rule failures.
type Result struct {
	Detections []domain.Detection
	Errors     []error
}

// Err joins the rule failures, or returns nil.
func (r Result) Err() error {
	return errors.Join(r.Errors...)
}

// Engine runs every rule independently and concatenates their output.
type Engine struct {
	rules        []Rule
	queryTimeout time.Duration
	now          func() time.Time
	logger       *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithRules replaces the default rule set.
func WithRules(rules ...Rule) Option {
	return func(e *Engine) { e.rules = rules }
}

// WithQueryTimeout bounds each rule's store access.
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

// NewEngine creates a detection engine over the given metric store.
func NewEngine(metrics domain.MetricStore, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		rules:        DefaultRules(metrics),
		queryTimeout: defaultQueryTimeout,
		now:          time.Now,
		logger:       logger.With("component", "detection_engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run evaluates all rules. A failing rule is reported as a *domain.ComputationError and
// the remaining rules still run. Detections a rule produced for its healthy metrics are
// kept even when it failed on others.
func (e *Engine) Run(ctx context.Context) Result {
	today := domain.StartOfDay(e.now())

	var res Result
	for _, rule := range e.rules {
		if err := ctx.Err(); err != nil {
			res.Errors = append(res.Errors, &domain.ComputationError{Unit: rule.Name(), Err: err})
			continue
		}

		rctx, cancel := context.WithTimeout(ctx, e.queryTimeout)
		detections, err := rule.Detect(rctx, today)
		cancel()

		switch {
		case errors.Is(err, domain.ErrInsufficientData):
			e.logger.Debug("Skipping rule", "rule", rule.Name(), "reason", err)
		case err != nil:
			e.logger.Warn("Detection rule failed", "rule", rule.Name(), "error", err)
			res.Errors = append(res.Errors, &domain.ComputationError{Unit: rule.Name(), Err: err})
			res.Detections = append(res.Detections, detections...)
		default:
			res.Detections = append(res.Detections, detections...)
		}
	}

	e.logger.Info("Detection run finished", "detections", len(res.Detections), "errors", len(res.Errors))
	return res
}
