package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/V4T54L/product-pulse/internal/domain"
)

const pseudonymLength = 16

// Pseudonymize maps a raw provider user identifier to the first 16 hex characters of its
// sha256 digest. The mapping is stable across runs and providers.
func Pseudonymize(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])[:pseudonymLength]
}

// EventID derives the idempotency key of an event from its identifying fields.
func EventID(e domain.Event) string {
	var session string
	if e.SessionID != nil {
		session = *e.SessionID
	}
	var b strings.Builder
	b.WriteString(string(e.Source))
	b.WriteByte('|')
	b.WriteString(e.UserID)
	b.WriteByte('|')
	b.WriteString(e.Name)
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(e.Timestamp.UTC().UnixNano(), 10))
	b.WriteByte('|')
	b.WriteString(session)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func (r KeyRules) userID(v any) string {
	raw, ok := stringValue(v)
	if !ok || r.isNotSet(raw) {
		return domain.AnonymousUserID
	}
	return Pseudonymize(raw)
}

func (r KeyRules) sessionID(v any) *string {
	raw, ok := stringValue(v)
	if !ok || r.isNotSet(raw) {
		return nil
	}
	return &raw
}
