// Package normalize converts provider-specific records into canonical events.
package normalize

import (
	"fmt"
	"time"

	"github.com/V4T54L/product-pulse/internal/domain"
)

// Normalizer converts one raw provider record into a canonical event.
// A record that cannot be converted yields a *domain.MalformedEventError.
type Normalizer interface {
	Source() domain.Source
	Normalize(raw domain.RawRecord) (domain.Event, error)
}

// New returns the normalizer for a provider, configured with its default key rules.
func New(source domain.Source) (Normalizer, error) {
	rules := DefaultKeyRules[source]
	switch source {
	case domain.SourceMixpanel:
		return &Mixpanel{Rules: rules}, nil
	case domain.SourceAmplitude:
		return &Amplitude{Rules: rules}, nil
	case domain.SourcePostHog:
		return &PostHog{Rules: rules}, nil
	case domain.SourceHeap:
		return &Heap{Rules: rules}, nil
	case domain.SourceGA4:
		return &GA4{Rules: rules}, nil
	}
	return nil, fmt.Errorf("unknown source %q", source)
}

// NormalizeBatch normalizes every record of a batch. Malformed records are skipped and
// reported individually; they never abort the rest of the batch.
func NormalizeBatch(n Normalizer, raws []domain.RawRecord) ([]domain.Event, []error) {
	events := make([]domain.Event, 0, len(raws))
	var errs []error
	for i, raw := range raws {
		event, err := n.Normalize(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("record %d: %w", i, err))
			continue
		}
		events = append(events, event)
	}
	return events, errs
}

func newEvent(source domain.Source, userID string, sessionID *string, name string, ts time.Time, props map[string]any) domain.Event {
	e := domain.Event{
		UserID:     userID,
		SessionID:  sessionID,
		Name:       name,
		Timestamp:  ts.UTC(),
		Source:     source,
		Properties: props,
	}
	e.ID = EventID(e)
	return e
}

func malformed(source domain.Source, field, reason string) error {
	return &domain.MalformedEventError{Source: source, Field: field, Reason: reason}
}
