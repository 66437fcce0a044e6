package source

import (
	"context"
	"net/http"
	"net/url"

	"github.com/V4T54L/product-pulse/internal/domain"
)

const heapBaseURL = "https://heapanalytics.com/api"

// Heap reads tracked events for a day range.
type Heap struct {
	baseURL string
	apiKey  string
	http    *transport
}

func NewHeap(apiKey string, opts Options) *Heap {
	return &Heap{
		baseURL: opts.baseURL(heapBaseURL),
		apiKey:  apiKey,
		http:    opts.transport(domain.SourceHeap),
	}
}

func (h *Heap) Name() domain.Source { return domain.SourceHeap }

func (h *Heap) FetchEvents(ctx context.Context, window domain.Window) ([]domain.RawRecord, error) {
	q := url.Values{}
	q.Set("from_date", window.Start.UTC().Format(dayLayout))
	q.Set("to_date", lastDay(window).Format(dayLayout))

	req, err := newRequest(ctx, http.MethodGet, h.baseURL+"/track/events?"+q.Encode(), nil)
	if err != nil {
		return nil, h.http.fetchErr(err)
	}
	req.Header.Set("Authorization", "Bearer "+h.apiKey)

	var resp struct {
		Events []domain.RawRecord `json:"events"`
	}
	if err := h.http.getJSON(req, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}
