package normalize

import (
	"strings"

	"github.com/V4T54L/product-pulse/internal/domain"
)

// KeyRules describes which property keys a provider reserves for itself and which
// identifier values it uses to mean "no value".
type KeyRules struct {
	ReservedPrefixes []string
	ReservedKeys     []string
	NotSetValues     []string
}

// DefaultKeyRules holds the stripping rules of every supported provider.
var DefaultKeyRules = map[domain.Source]KeyRules{
	domain.SourceMixpanel: {
		ReservedPrefixes: []string{"$"},
		ReservedKeys:     []string{"time", "distinct_id"},
	},
	domain.SourceAmplitude: {},
	domain.SourcePostHog: {
		ReservedPrefixes: []string{"$"},
	},
	domain.SourceHeap: {},
	domain.SourceGA4: {
		NotSetValues: []string{"(not set)"},
	},
}

// Strip returns a copy of props without reserved keys. It never returns nil.
func (r KeyRules) Strip(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		if r.reserved(k) {
			continue
		}
		out[k] = v
	}
	return out
}

func (r KeyRules) reserved(key string) bool {
	for _, p := range r.ReservedPrefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	for _, k := range r.ReservedKeys {
		if key == k {
			return true
		}
	}
	return false
}

// isNotSet reports whether v is empty or one of the provider's "no value" markers.
func (r KeyRules) isNotSet(v string) bool {
	if strings.TrimSpace(v) == "" {
		return true
	}
	for _, marker := range r.NotSetValues {
		if v == marker {
			return true
		}
	}
	return false
}
