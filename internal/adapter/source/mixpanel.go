package source

import (
	"context"
	"net/http"
	"net/url"

	"github.com/V4T54L/product-pulse/internal/domain"
)

const mixpanelBaseURL = "https://data.mixpanel.com/api/2.0"

// Mixpanel reads the raw event export, which is newline-delimited JSON
// with day granularity.
type Mixpanel struct {
	baseURL   string
	apiSecret string
	http      *transport
}

func NewMixpanel(apiSecret string, opts Options) *Mixpanel {
	return &Mixpanel{
		baseURL:   opts.baseURL(mixpanelBaseURL),
		apiSecret: apiSecret,
		http:      opts.transport(domain.SourceMixpanel),
	}
}

func (m *Mixpanel) Name() domain.Source { return domain.SourceMixpanel }

func (m *Mixpanel) FetchEvents(ctx context.Context, window domain.Window) ([]domain.RawRecord, error) {
	q := url.Values{}
	q.Set("from_date", window.Start.UTC().Format(dayLayout))
	q.Set("to_date", lastDay(window).Format(dayLayout))

	req, err := newRequest(ctx, http.MethodGet, m.baseURL+"/export?"+q.Encode(), nil)
	if err != nil {
		return nil, m.http.fetchErr(err)
	}
	req.SetBasicAuth(m.apiSecret, "")
	req.Header.Set("Accept", "application/json")

	resp, err := m.http.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	records, err := readJSONLines(resp.Body)
	if err != nil {
		return nil, m.http.fetchErr(err)
	}
	return records, nil
}
