package pii

import (
	"log/slog"
	"strings"

	"github.com/V4T54L/product-pulse/internal/domain"
)

const RedactedPlaceholder = "[REDACTED]"

// Redactor masks sensitive property values of normalized events before they leave the process.
type Redactor struct {
	fieldsToRedact map[string]struct{} // Use a map for O(1) lookups
	logger         *slog.Logger
}

// NewRedactor creates a new Redactor for the given property keys. Keys match case-insensitively.
func NewRedactor(fields []string, logger *slog.Logger) *Redactor {
	fieldSet := make(map[string]struct{}, len(fields))
	for _, field := range fields {
		if field = strings.ToLower(strings.TrimSpace(field)); field != "" {
			fieldSet[field] = struct{}{}
		}
	}
	return &Redactor{
		fieldsToRedact: fieldSet,
		logger:         logger.With("component", "pii_redactor"),
	}
}

// Redact replaces sensitive property values in place, including inside nested objects.
// It reports whether anything was masked. A nil Redactor is a no-op.
func (r *Redactor) Redact(event *domain.Event) bool {
	if r == nil || len(r.fieldsToRedact) == 0 || len(event.Properties) == 0 {
		return false
	}
	return r.redactMap(event.Properties)
}

// RedactAll masks every event of the batch and returns how many were touched.
func (r *Redactor) RedactAll(events []domain.Event) int {
	n := 0
	for i := range events {
		if r.Redact(&events[i]) {
			n++
		}
	}
	if n > 0 {
		r.logger.Debug("Redacted sensitive properties", "events", n)
	}
	return n
}

func (r *Redactor) redactMap(m map[string]any) bool {
	redacted := false
	for k, v := range m {
		if _, ok := r.fieldsToRedact[strings.ToLower(k)]; ok {
			m[k] = RedactedPlaceholder
			redacted = true
			continue
		}
		if nested, ok := v.(map[string]any); ok && r.redactMap(nested) {
			redacted = true
		}
	}
	return redacted
}
