package aggregation

import (
	"context"
	"fmt"
	"time"

	"github.com/V4T54L/product-pulse/internal/domain"
)

const (
	retentionLookbackDays = 30
	adoptionWindowDays    = 7
	funnelWindowDays      = 7
)

var retentionHorizons = []int{1, 7, 30}

// activeUsers counts distinct users over [today-days, today). The row is dated
// today-dateOffset: dau is dated yesterday while wau and mau are dated today.
func (e *Engine) activeUsers(name, period string, days, dateOffset int) func(context.Context, time.Time) ([]domain.Metric, error) {
	return func(ctx context.Context, today time.Time) ([]domain.Metric, error) {
		start := today.Add(-domain.Days(days))
		count, err := e.events.CountDistinctUsers(ctx, domain.EventQuery{Start: start, End: today})
		if err != nil {
			return nil, fmt.Errorf("failed to count %s users: %w", period, err)
		}
		return []domain.Metric{{
			Name:  name,
			Type:  domain.MetricTypeEngagement,
			Value: float64(count),
			Date:  today.Add(-domain.Days(dateOffset)),
			Metadata: map[string]any{
				"period":       period,
				"window_start": dateString(start),
				"window_end":   dateString(today),
			},
		}}, nil
	}
}

// retention follows the cohort first seen on today-30 and reports, per horizon H, the share
// of the cohort active on cohort day + H. All rows are dated on the cohort day.
func (e *Engine) retention(ctx context.Context, today time.Time) ([]domain.Metric, error) {
	anchor := today.Add(-domain.Days(retentionLookbackDays))
	cohort, err := e.events.DistinctUsers(ctx, domain.EventQuery{Start: anchor, End: anchor.Add(domain.Days(1))})
	if err != nil {
		return nil, fmt.Errorf("failed to load retention cohort: %w", err)
	}
	if len(cohort) == 0 {
		return nil, fmt.Errorf("empty retention cohort for %s: %w", anchor.Format(time.DateOnly), domain.ErrInsufficientData)
	}

	metrics := make([]domain.Metric, 0, len(retentionHorizons))
	for _, h := range retentionHorizons {
		day := anchor.Add(domain.Days(h))
		retained, err := e.events.CountDistinctUsers(ctx, domain.EventQuery{
			Start:   day,
			End:     day.Add(domain.Days(1)),
			UserIDs: cohort,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to count day %d retention: %w", h, err)
		}
		metrics = append(metrics, domain.Metric{
			Name:  fmt.Sprintf("retention_d%d", h),
			Type:  domain.MetricTypeRetention,
			Value: percent(retained, len(cohort)),
			Date:  anchor,
			Metadata: map[string]any{
				"cohort_size":    len(cohort),
				"retained_users": retained,
				"horizon_days":   h,
			},
		})
	}
	return metrics, nil
}

// featureAdoption reports, for every event name seen in the last 7 days, the share of
// active users that emitted it.
func (e *Engine) featureAdoption(ctx context.Context, today time.Time) ([]domain.Metric, error) {
	start := today.Add(-domain.Days(adoptionWindowDays))
	total, err := e.events.CountDistinctUsers(ctx, domain.EventQuery{Start: start, End: today})
	if err != nil {
		return nil, fmt.Errorf("failed to count active users: %w", err)
	}
	if total == 0 {
		return nil, fmt.Errorf("no active users in adoption window: %w", domain.ErrInsufficientData)
	}

	names, err := e.events.DistinctEventNames(ctx, start, today)
	if err != nil {
		return nil, fmt.Errorf("failed to list event names: %w", err)
	}

	metrics := make([]domain.Metric, 0, len(names))
	for _, name := range names {
		users, err := e.events.CountDistinctUsers(ctx, domain.EventQuery{Start: start, End: today, EventName: name})
		if err != nil {
			return nil, fmt.Errorf("failed to count users of %q: %w", name, err)
		}
		metrics = append(metrics, domain.Metric{
			Name:  "adoption_" + name,
			Type:  domain.MetricTypeFeatureAdoption,
			Value: percent(users, total),
			Date:  today,
			Metadata: map[string]any{
				"feature":     name,
				"users":       users,
				"total_users": total,
			},
		})
	}
	return metrics, nil
}

func funnelMetricName(name string) string {
	return "funnel_" + name
}

// funnel loads the distinct users of every step independently. Conversion of step i is
// the share of step i-1 users that also fired step i.
func (e *Engine) funnel(f Funnel) func(context.Context, time.Time) ([]domain.Metric, error) {
	return func(ctx context.Context, today time.Time) ([]domain.Metric, error) {
		if len(f.Steps) == 0 {
			return nil, fmt.Errorf("funnel %q has no steps: %w", f.Name, domain.ErrInsufficientData)
		}
		start := today.Add(-domain.Days(funnelWindowDays))

		stepUsers := make([]map[string]struct{}, len(f.Steps))
		for i, step := range f.Steps {
			users, err := e.events.DistinctUsers(ctx, domain.EventQuery{Start: start, End: today, EventName: step})
			if err != nil {
				return nil, fmt.Errorf("failed to load funnel step %q: %w", step, err)
			}
			set := make(map[string]struct{}, len(users))
			for _, u := range users {
				set[u] = struct{}{}
			}
			stepUsers[i] = set
			if i == 0 && len(set) == 0 {
				return nil, fmt.Errorf("no users entered funnel %q: %w", f.Name, domain.ErrInsufficientData)
			}
		}
		base := len(stepUsers[0])

		conversions := []float64{100}
		for i := 1; i < len(stepUsers); i++ {
			prev, cur := stepUsers[i-1], stepUsers[i]
			converted := 0
			for u := range cur {
				if _, ok := prev[u]; ok {
					converted++
				}
			}
			conversions = append(conversions, percent(converted, len(prev)))
		}

		return []domain.Metric{{
			Name:  funnelMetricName(f.Name),
			Type:  domain.MetricTypeFunnel,
			Value: conversions[len(conversions)-1],
			Date:  today,
			Metadata: map[string]any{
				"steps":       f.Steps,
				"conversions": conversions,
				"base_users":  base,
			},
		}}, nil
	}
}
