package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/V4T54L/product-pulse/internal/domain"
	"github.com/V4T54L/product-pulse/internal/normalize"
)

var testWindow = domain.Window{
	Start: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	End:   time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC),
}

func testOptions(url string) Options {
	return Options{BaseURL: url, Timeout: 5 * time.Second, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func TestMixpanel_FetchEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/export", r.URL.Path)
		assert.Equal(t, "2024-03-01", r.URL.Query().Get("from_date"))
		assert.Equal(t, "2024-03-02", r.URL.Query().Get("to_date"))
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "secret", user)
		assert.Empty(t, pass)
		io.WriteString(w, `{"event":"signup","properties":{"distinct_id":"u1","time":1709290800,"plan":"pro"}}`+"\n\n")
		io.WriteString(w, `{"event":"login","properties":{"distinct_id":"u2","time":1709290801}}`+"\n")
	}))
	defer srv.Close()

	records, err := NewMixpanel("secret", testOptions(srv.URL)).FetchEvents(context.Background(), testWindow)
	require.NoError(t, err)
	require.Len(t, records, 2)

	n, err := normalize.New(domain.SourceMixpanel)
	require.NoError(t, err)
	e, err := n.Normalize(records[0])
	require.NoError(t, err)
	assert.Equal(t, "signup", e.Name)
	assert.Equal(t, time.Unix(1709290800, 0).UTC(), e.Timestamp)
	assert.Equal(t, map[string]any{"plan": "pro"}, e.Properties)
}

func TestMixpanel_TruncatedExportFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"event":"signup","properties":{}}`+"\n"+`{"event":"log`)
	}))
	defer srv.Close()

	_, err := NewMixpanel("secret", testOptions(srv.URL)).FetchEvents(context.Background(), testWindow)
	var fetchErr *domain.SourceFetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, domain.SourceMixpanel, fetchErr.Source)
}

func amplitudeArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		gz := gzip.NewWriter(w)
		_, err = io.WriteString(gz, content)
		require.NoError(t, err)
		require.NoError(t, gz.Close())
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestAmplitude_FetchEvents(t *testing.T) {
	archive := amplitudeArchive(t, map[string]string{
		"123/123_2024-03-01_0#0.json.gz": `{"event_type":"signup","user_id":"u1","event_time":"2024-03-01 10:00:00.000000","session_id":1709287200000}` + "\n",
		"123/123_2024-03-01_1#0.json.gz": `{"event_type":"login","user_id":"u2","event_time":"2024-03-01 11:00:00.000000","session_id":-1}` + "\n",
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "20240301T00", r.URL.Query().Get("start"))
		assert.Equal(t, "20240302T23", r.URL.Query().Get("end"))
		user, pass, _ := r.BasicAuth()
		assert.Equal(t, "key", user)
		assert.Equal(t, "secret", pass)
		w.Header().Set("Content-Type", "application/zip")
		w.Write(archive)
	}))
	defer srv.Close()

	records, err := NewAmplitude("key", "secret", testOptions(srv.URL)).FetchEvents(context.Background(), testWindow)
	require.NoError(t, err)
	require.Len(t, records, 2)

	n, err := normalize.New(domain.SourceAmplitude)
	require.NoError(t, err)
	for _, rec := range records {
		e, err := n.Normalize(rec)
		require.NoError(t, err)
		if e.Name == "signup" {
			require.NotNil(t, e.SessionID)
			assert.Equal(t, "1709287200000", *e.SessionID)
		} else {
			assert.Nil(t, e.SessionID)
		}
	}
}

func TestAmplitude_NotFoundMeansNoData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Raw data files were not found.", http.StatusNotFound)
	}))
	defer srv.Close()

	records, err := NewAmplitude("key", "secret", testOptions(srv.URL)).FetchEvents(context.Background(), testWindow)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestPostHog_PagesThroughResults(t *testing.T) {
	var offsets []int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/projects/42/query", r.URL.Path)
		assert.Equal(t, "Bearer phx", r.Header.Get("Authorization"))
		var body struct {
			Query postHogEventsQuery `json:"query"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "EventsQuery", body.Query.Kind)
		assert.Equal(t, "2024-03-01T00:00:00Z", body.Query.After)
		offsets = append(offsets, body.Query.Offset)

		if body.Query.Offset == 0 {
			io.WriteString(w, `{"results":[{"event":"signup","distinct_id":"u1","timestamp":"2024-03-01T10:00:00Z"}],"hasMore":true}`)
			return
		}
		io.WriteString(w, `{"results":[[{"event":"login","distinct_id":"u2","timestamp":"2024-03-01T11:00:00Z"}]],"hasMore":false}`)
	}))
	defer srv.Close()

	records, err := NewPostHog("phx", "42", "", testOptions(srv.URL)).FetchEvents(context.Background(), testWindow)
	require.NoError(t, err)
	assert.Equal(t, []int{0, postHogPageSize}, offsets)
	require.Len(t, records, 2)
	assert.Equal(t, "signup", records[0]["event"])
	assert.Equal(t, "login", records[1]["event"])
}

func TestHeap_FetchEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/track/events", r.URL.Path)
		assert.Equal(t, "Bearer heap-key", r.Header.Get("Authorization"))
		io.WriteString(w, `{"events":[{"event":"export_clicked","user_id":"u1","time":"2024-03-01T10:00:00"}]}`)
	}))
	defer srv.Close()

	records, err := NewHeap("heap-key", testOptions(srv.URL)).FetchEvents(context.Background(), testWindow)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "export_clicked", records[0]["event"])
}

func TestTransport_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewHeap("k", testOptions(srv.URL)).FetchEvents(context.Background(), testWindow)
	var fetchErr *domain.SourceFetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, domain.SourceHeap, fetchErr.Source)
	assert.Contains(t, err.Error(), "429")
	assert.Contains(t, err.Error(), "rate limited")
}

func TestTransport_CancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMixpanel("s", testOptions(srv.URL)).FetchEvents(ctx, testWindow)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestNew(t *testing.T) {
	creds := Credentials{MixpanelAPISecret: "s", PostHogAPIKey: "k"}

	src, err := New(domain.SourceMixpanel, creds, Options{})
	require.NoError(t, err)
	assert.Equal(t, domain.SourceMixpanel, src.Name())

	_, err = New(domain.SourcePostHog, creds, Options{})
	assert.ErrorIs(t, err, ErrMissingCredentials)

	_, err = New(domain.SourceGA4, creds, Options{})
	assert.Error(t, err)

	_, err = New("segment", creds, Options{})
	assert.ErrorContains(t, err, "unknown source")
}
