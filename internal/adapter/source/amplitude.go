package source

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"

	"github.com/V4T54L/product-pulse/internal/domain"
)

const (
	amplitudeBaseURL    = "https://amplitude.com/api/2"
	amplitudeHourLayout = "20060102T15"
	maxExportSize       = 4 << 30
)

// Amplitude reads the export API. The response is a zip archive holding one
// gzip-compressed JSON-lines file per hour.
type Amplitude struct {
	baseURL   string
	apiKey    string
	secretKey string
	http      *transport
}

func NewAmplitude(apiKey, secretKey string, opts Options) *Amplitude {
	return &Amplitude{
		baseURL:   opts.baseURL(amplitudeBaseURL),
		apiKey:    apiKey,
		secretKey: secretKey,
		http:      opts.transport(domain.SourceAmplitude),
	}
}

func (a *Amplitude) Name() domain.Source { return domain.SourceAmplitude }

func (a *Amplitude) FetchEvents(ctx context.Context, window domain.Window) ([]domain.RawRecord, error) {
	q := url.Values{}
	q.Set("start", window.Start.UTC().Format(amplitudeHourLayout))
	q.Set("end", lastDay(window).Format(amplitudeHourLayout))

	req, err := newRequest(ctx, http.MethodGet, a.baseURL+"/export?"+q.Encode(), nil)
	if err != nil {
		return nil, a.http.fetchErr(err)
	}
	req.SetBasicAuth(a.apiKey, a.secretKey)

	// 404 means no data in the requested range.
	resp, err := a.http.do(req, http.StatusNotFound)
	if err != nil || resp == nil {
		return nil, err
	}
	defer resp.Body.Close()

	archive, err := io.ReadAll(io.LimitReader(resp.Body, maxExportSize))
	if err != nil {
		return nil, a.http.fetchErr(fmt.Errorf("failed to read export: %w", err))
	}
	records, err := readExportArchive(archive)
	if err != nil {
		return nil, a.http.fetchErr(err)
	}
	return records, nil
}

func readExportArchive(archive []byte) ([]domain.RawRecord, error) {
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, fmt.Errorf("failed to open export archive: %w", err)
	}

	var records []domain.RawRecord
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		recs, err := readExportFile(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", f.Name, err)
		}
		records = append(records, recs...)
	}
	return records, nil
}

func readExportFile(f *zip.File) ([]domain.RawRecord, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var r io.Reader = rc
	if strings.HasSuffix(f.Name, ".gz") {
		gz, err := gzip.NewReader(rc)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		r = gz
	}
	return readJSONLines(r)
}
