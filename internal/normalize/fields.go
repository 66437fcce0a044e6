package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/V4T54L/product-pulse/internal/domain"
)

var errNotNumeric = errors.New("not a number")

// stringValue renders scalar JSON values as strings. Nil and composite values are rejected.
func stringValue(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	}
	return "", false
}

func numberValue(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case json.Number:
		return t.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(t), 64)
	}
	return 0, errNotNumeric
}

func mapValue(v any) map[string]any {
	switch t := v.(type) {
	case map[string]any:
		return t
	case domain.RawRecord:
		return t
	}
	return nil
}

func requiredString(source domain.Source, raw map[string]any, field string) (string, error) {
	v, ok := stringValue(raw[field])
	if !ok || strings.TrimSpace(v) == "" {
		return "", malformed(source, field, "missing or empty")
	}
	return v, nil
}

// unixTime converts a numeric timestamp expressed in the given unit to UTC.
func unixTime(v any, unit time.Duration) (time.Time, error) {
	n, err := numberValue(v)
	if err != nil {
		return time.Time{}, err
	}
	if math.IsNaN(n) || math.IsInf(n, 0) || n < 0 {
		return time.Time{}, fmt.Errorf("invalid timestamp %v", n)
	}
	whole, frac := math.Modf(n)
	if whole*float64(unit) > math.MaxInt64 {
		return time.Time{}, fmt.Errorf("timestamp %v out of range", n)
	}
	nanos := int64(whole)*int64(unit) + int64(math.Round(frac*float64(unit)))
	return time.Unix(0, nanos).UTC(), nil
}

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// isoTime parses an ISO-8601 timestamp. Values without a zone are taken as UTC.
func isoTime(v any) (time.Time, error) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, errors.New("not a string")
	}
	s = strings.TrimSpace(s)
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time format %q", s)
}
