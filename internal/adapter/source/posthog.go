package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/V4T54L/product-pulse/internal/domain"
)

const (
	postHogBaseURL  = "https://app.posthog.com"
	postHogPageSize = 1000
	postHogMaxPages = 1000
)

// PostHog pages through the project query API with an EventsQuery.
type PostHog struct {
	baseURL   string
	apiKey    string
	projectID string
	http      *transport
}

func NewPostHog(apiKey, projectID, host string, opts Options) *PostHog {
	if host == "" {
		host = postHogBaseURL
	}
	return &PostHog{
		baseURL:   strings.TrimRight(opts.baseURL(host), "/"),
		apiKey:    apiKey,
		projectID: projectID,
		http:      opts.transport(domain.SourcePostHog),
	}
}

func (p *PostHog) Name() domain.Source { return domain.SourcePostHog }

type postHogEventsQuery struct {
	Kind    string   `json:"kind"`
	Select  []string `json:"select"`
	After   string   `json:"after"`
	Before  string   `json:"before"`
	OrderBy []string `json:"orderBy"`
	Limit   int      `json:"limit"`
	Offset  int      `json:"offset"`
}

type postHogQueryResponse struct {
	Results []json.RawMessage `json:"results"`
	HasMore bool              `json:"hasMore"`
}

func (p *PostHog) FetchEvents(ctx context.Context, window domain.Window) ([]domain.RawRecord, error) {
	var records []domain.RawRecord
	for page := 0; page < postHogMaxPages; page++ {
		query := postHogEventsQuery{
			Kind:    "EventsQuery",
			Select:  []string{"*"},
			After:   window.Start.UTC().Format(time.RFC3339Nano),
			Before:  window.End.UTC().Format(time.RFC3339Nano),
			OrderBy: []string{"timestamp ASC"},
			Limit:   postHogPageSize,
			Offset:  page * postHogPageSize,
		}
		body, err := json.Marshal(map[string]any{"query": query})
		if err != nil {
			return nil, p.http.fetchErr(err)
		}

		req, err := newRequest(ctx, http.MethodPost, fmt.Sprintf("%s/api/projects/%s/query", p.baseURL, p.projectID), bytes.NewReader(body))
		if err != nil {
			return nil, p.http.fetchErr(err)
		}
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
		req.Header.Set("Content-Type", "application/json")

		var resp postHogQueryResponse
		if err := p.http.getJSON(req, &resp); err != nil {
			return nil, err
		}
		for i, raw := range resp.Results {
			rec, err := decodePostHogRow(raw)
			if err != nil {
				return nil, p.http.fetchErr(fmt.Errorf("result %d of page %d: %w", i, page, err))
			}
			records = append(records, rec)
		}
		if !resp.HasMore {
			return records, nil
		}
	}
	return nil, p.http.fetchErr(fmt.Errorf("more than %d pages in window", postHogMaxPages))
}

// decodePostHogRow accepts both an event object and a `select *` row, which wraps
// the event object in a single-element array.
func decodePostHogRow(raw json.RawMessage) (domain.RawRecord, error) {
	dec := func(b []byte, dst any) error {
		d := json.NewDecoder(bytes.NewReader(b))
		d.UseNumber()
		return d.Decode(dst)
	}

	var rec domain.RawRecord
	if err := dec(raw, &rec); err == nil {
		return rec, nil
	}
	var row []domain.RawRecord
	if err := dec(raw, &row); err != nil {
		return nil, err
	}
	if len(row) == 0 {
		return nil, fmt.Errorf("empty row")
	}
	return row[0], nil
}
