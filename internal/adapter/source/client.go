// Package source implements domain.EventSource for the supported analytics providers.
package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/V4T54L/product-pulse/internal/domain"
)

const (
	maxErrorBody = 512
	maxLineSize  = 8 << 20
)

// transport is the HTTP plumbing shared by every provider client: one paced
// client per provider, and errors mapped to SourceFetchError.
type transport struct {
	source  domain.Source
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

func newTransport(source domain.Source, rps float64, timeout time.Duration, logger *slog.Logger) *transport {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	return &transport{
		source:  source,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger.With("component", "source_client", "source", source),
	}
}

func (t *transport) fetchErr(err error) error {
	return &domain.SourceFetchError{Source: t.source, Err: err}
}

// do sends req once the limiter allows it. Any non-2xx status is returned as a
// SourceFetchError, except the statuses listed in empty, which yield a nil response.
func (t *transport) do(req *http.Request, empty ...int) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, t.fetchErr(fmt.Errorf("rate limiter: %w", err))
	}

	started := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, t.fetchErr(err)
	}
	t.logger.Debug("Provider request finished", "method", req.Method, "path", req.URL.Path, "status", resp.StatusCode, "duration", time.Since(started))

	for _, code := range empty {
		if resp.StatusCode == code {
			resp.Body.Close()
			return nil, nil
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, t.fetchErr(fmt.Errorf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(body)))
	}
	return resp, nil
}

// getJSON performs req and decodes the JSON body into dst.
func (t *transport) getJSON(req *http.Request, dst any) error {
	resp, err := t.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		return t.fetchErr(fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

// readJSONLines decodes one record per non-empty line. A line that is not a JSON
// object fails the whole read: a truncated export must not advance the watermark.
func readJSONLines(r io.Reader) ([]domain.RawRecord, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var records []domain.RawRecord
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var rec domain.RawRecord
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// lastDay returns the inclusive end date of a half-open window, for APIs that take day ranges.
func lastDay(w domain.Window) time.Time {
	end := w.End.UTC().Add(-time.Nanosecond)
	if end.Before(w.Start) {
		return w.Start.UTC()
	}
	return end
}

func newRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	return req, nil
}
