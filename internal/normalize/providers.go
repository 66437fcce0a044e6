package normalize

import (
	"time"

	"github.com/V4T54L/product-pulse/internal/domain"
)

// Mixpanel normalizes records from the Mixpanel raw export API.
// Identity, time and session live inside "properties".
type Mixpanel struct{ Rules KeyRules }

func (m *Mixpanel) Source() domain.Source { return domain.SourceMixpanel }

func (m *Mixpanel) Normalize(raw domain.RawRecord) (domain.Event, error) {
	src := m.Source()
	name, err := requiredString(src, raw, "event")
	if err != nil {
		return domain.Event{}, err
	}
	props := mapValue(raw["properties"])
	if props == nil {
		return domain.Event{}, malformed(src, "properties", "missing or not an object")
	}
	ts, err := unixTime(props["time"], time.Second)
	if err != nil {
		return domain.Event{}, malformed(src, "properties.time", err.Error())
	}
	return newEvent(src, m.Rules.userID(props["distinct_id"]), m.Rules.sessionID(props["$session_id"]), name, ts, m.Rules.Strip(props)), nil
}

// Amplitude normalizes records from the Amplitude export archive.
type Amplitude struct{ Rules KeyRules }

const amplitudeTimeLayout = "2006-01-02 15:04:05.999999"

func (a *Amplitude) Source() domain.Source { return domain.SourceAmplitude }

func (a *Amplitude) Normalize(raw domain.RawRecord) (domain.Event, error) {
	src := a.Source()
	name, err := requiredString(src, raw, "event_type")
	if err != nil {
		return domain.Event{}, err
	}
	ts, err := amplitudeTime(raw["event_time"])
	if err != nil {
		return domain.Event{}, malformed(src, "event_time", err.Error())
	}

	// Amplitude uses -1 for events outside a session.
	var session *string
	if n, err := numberValue(raw["session_id"]); err != nil || n >= 0 {
		session = a.Rules.sessionID(raw["session_id"])
	}

	return newEvent(src, a.Rules.userID(raw["user_id"]), session, name, ts, a.Rules.Strip(mapValue(raw["event_properties"]))), nil
}

func amplitudeTime(v any) (time.Time, error) {
	if s, ok := v.(string); ok {
		if t, err := time.Parse(amplitudeTimeLayout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return unixTime(v, time.Millisecond)
}

// PostHog normalizes rows returned by the PostHog events query API.
type PostHog struct{ Rules KeyRules }

func (p *PostHog) Source() domain.Source { return domain.SourcePostHog }

func (p *PostHog) Normalize(raw domain.RawRecord) (domain.Event, error) {
	src := p.Source()
	name, err := requiredString(src, raw, "event")
	if err != nil {
		return domain.Event{}, err
	}
	ts, err := isoTime(raw["timestamp"])
	if err != nil {
		return domain.Event{}, malformed(src, "timestamp", err.Error())
	}
	props := mapValue(raw["properties"])
	return newEvent(src, p.Rules.userID(raw["distinct_id"]), p.Rules.sessionID(props["$session_id"]), name, ts, p.Rules.Strip(props)), nil
}

// Heap normalizes records from the Heap events API.
type Heap struct{ Rules KeyRules }

func (h *Heap) Source() domain.Source { return domain.SourceHeap }

func (h *Heap) Normalize(raw domain.RawRecord) (domain.Event, error) {
	src := h.Source()
	name, err := requiredString(src, raw, "event")
	if err != nil {
		return domain.Event{}, err
	}
	ts, err := isoTime(raw["time"])
	if err != nil {
		return domain.Event{}, malformed(src, "time", err.Error())
	}
	return newEvent(src, h.Rules.userID(raw["user_id"]), h.Rules.sessionID(raw["session_id"]), name, ts, h.Rules.Strip(mapValue(raw["properties"]))), nil
}

// GA4 normalizes rows of a GA4 Data API report with the dimensions
// eventName, userId, sessionId and date. GA4 reports carry no event properties.
type GA4 struct{ Rules KeyRules }

const ga4DateLayout = "20060102"

func (g *GA4) Source() domain.Source { return domain.SourceGA4 }

func (g *GA4) Normalize(raw domain.RawRecord) (domain.Event, error) {
	src := g.Source()
	name, err := requiredString(src, raw, "eventName")
	if err != nil {
		return domain.Event{}, err
	}
	date, err := requiredString(src, raw, "date")
	if err != nil {
		return domain.Event{}, err
	}
	ts, err := time.Parse(ga4DateLayout, date)
	if err != nil {
		return domain.Event{}, malformed(src, "date", err.Error())
	}
	return newEvent(src, g.Rules.userID(raw["userId"]), g.Rules.sessionID(raw["sessionId"]), name, ts, map[string]any{}), nil
}
