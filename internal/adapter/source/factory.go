package source

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/V4T54L/product-pulse/internal/domain"
)

const dayLayout = "2006-01-02"

// Options tunes the HTTP behaviour of a provider client.
type Options struct {
	// BaseURL overrides the provider's API root.
	BaseURL   string
	RateLimit float64
	Timeout   time.Duration
	Logger    *slog.Logger
}

func (o Options) baseURL(def string) string {
	if o.BaseURL != "" {
		return o.BaseURL
	}
	return def
}

func (o Options) transport(src domain.Source) *transport {
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return newTransport(src, o.RateLimit, timeout, logger)
}

// Credentials holds the provider secrets read from configuration.
type Credentials struct {
	MixpanelAPISecret  string
	AmplitudeAPIKey    string
	AmplitudeSecretKey string
	PostHogAPIKey      string
	PostHogProjectID   string
	PostHogHost        string
	HeapAPIKey         string
}

var ErrMissingCredentials = errors.New("missing credentials")

// New builds the client of one provider.
func New(src domain.Source, creds Credentials, opts Options) (domain.EventSource, error) {
	missing := func(names ...string) error {
		return fmt.Errorf("%w for %s: %v", ErrMissingCredentials, src, names)
	}

	switch src {
	case domain.SourceMixpanel:
		if creds.MixpanelAPISecret == "" {
			return nil, missing("MIXPANEL_API_SECRET")
		}
		return NewMixpanel(creds.MixpanelAPISecret, opts), nil
	case domain.SourceAmplitude:
		if creds.AmplitudeAPIKey == "" || creds.AmplitudeSecretKey == "" {
			return nil, missing("AMPLITUDE_API_KEY", "AMPLITUDE_SECRET_KEY")
		}
		return NewAmplitude(creds.AmplitudeAPIKey, creds.AmplitudeSecretKey, opts), nil
	case domain.SourcePostHog:
		if creds.PostHogAPIKey == "" || creds.PostHogProjectID == "" {
			return nil, missing("POSTHOG_API_KEY", "POSTHOG_PROJECT_ID")
		}
		return NewPostHog(creds.PostHogAPIKey, creds.PostHogProjectID, creds.PostHogHost, opts), nil
	case domain.SourceHeap:
		if creds.HeapAPIKey == "" {
			return nil, missing("HEAP_API_KEY")
		}
		return NewHeap(creds.HeapAPIKey, opts), nil
	case domain.SourceGA4:
		return nil, fmt.Errorf("source %s has no fetch client; push GA4 report rows through the normalizer instead", src)
	}
	return nil, fmt.Errorf("unknown source %q", src)
}
