package domain

import (
	"time"
)

// Source identifies the analytics provider an event was fetched from.
type Source string

const (
	SourceMixpanel  Source = "mixpanel"
	SourceAmplitude Source = "amplitude"
	SourcePostHog   Source = "posthog"
	SourceHeap      Source = "heap"
	SourceGA4       Source = "ga4"
)

// AnonymousUserID is the pseudonym assigned when a provider record carries no user identifier.
const AnonymousUserID = "anonymous"

// Valid reports whether s is a known provider.
func (s Source) Valid() bool {
	switch s {
	case SourceMixpanel, SourceAmplitude, SourcePostHog, SourceHeap, SourceGA4:
		return true
	}
	return false
}

// Event represents the canonical, provider-independent shape of a behavioral event.
// Events are immutable once normalized.
type Event struct {
	ID         string         `json:"event_id"`
	UserID     string         `json:"user_id"`
	SessionID  *string        `json:"session_id,omitempty"`
	Name       string         `json:"event_name"`
	Timestamp  time.Time      `json:"timestamp"`
	Source     Source         `json:"source"`
	Properties map[string]any `json:"properties,omitempty"`
}

// BufferedEvent is an event read back from the buffer together with its message id,
// which is needed to acknowledge it.
type BufferedEvent struct {
	MessageID string
	Event     Event
}

// RawRecord is one provider-specific record as decoded from the provider's JSON payload.
type RawRecord map[string]any

// Window is a half-open UTC time range [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// StartOfDay truncates t to midnight UTC.
func StartOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Days returns a duration of n calendar days.
func Days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}
