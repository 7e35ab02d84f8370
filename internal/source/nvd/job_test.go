package nvd

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/seclens/cvewatch/internal/cve"
	"github.com/seclens/cvewatch/internal/scheduler"
	"github.com/seclens/cvewatch/internal/snapshot"
	"github.com/seclens/cvewatch/internal/tracking"
)

type fakeUpserter struct {
	mu      sync.Mutex
	batches [][]cve.Record
	actor   string
	result  func(candidates []cve.Record) tracking.BulkResult
}

func (f *fakeUpserter) BulkUpsert(_ context.Context, candidates []cve.Record, actor string) tracking.BulkResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, candidates)
	f.actor = actor
	if f.result != nil {
		return f.result(candidates)
	}
	outcomes := make(map[string]tracking.BulkOutcome, len(candidates))
	for _, rec := range candidates {
		outcomes[rec.ID] = tracking.BulkCreated
	}
	return tracking.BulkResult{Outcomes: outcomes}
}

func discardProgress(string, int, string) {}

const pageOne = `{
	"resultsPerPage": 2,
	"startIndex": 0,
	"totalResults": 3,
	"vulnerabilities": [
		{"cve": {
			"id": "cve-2026-1111",
			"descriptions": [{"lang": "en", "value": "heap overflow in widget parser"}],
			"metrics": {"cvssMetricV31": [{"cvssData": {"baseScore": 9.8, "baseSeverity": "CRITICAL"}}]},
			"references": [{"url": "https://example.com/adv/1111", "source": "example.com", "tags": ["Patch"]}]
		}},
		{"cve": {
			"id": "CVE-2026-2222",
			"descriptions": [{"lang": "es", "value": "solo espanol"}],
			"metrics": {}
		}}
	]
}`

const pageTwo = `{
	"resultsPerPage": 2,
	"startIndex": 2,
	"totalResults": 3,
	"vulnerabilities": [
		{"cve": {
			"id": "CVE-2026-3333",
			"descriptions": [{"lang": "en", "value": "auth bypass"}],
			"metrics": {"cvssMetricV30": [{"cvssData": {"baseScore": 6.5, "baseSeverity": "MEDIUM"}}]}
		}}
	]
}`

const soloPage = `{
	"resultsPerPage": 2,
	"startIndex": 0,
	"totalResults": 1,
	"vulnerabilities": [
		{"cve": {
			"id": "CVE-2026-3333",
			"descriptions": [{"lang": "en", "value": "auth bypass"}],
			"metrics": {"cvssMetricV30": [{"cvssData": {"baseScore": 6.5, "baseSeverity": "MEDIUM"}}]}
		}}
	]
}`

func TestJobCrawlsAllPages(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start, _ := strconv.Atoi(r.URL.Query().Get("startIndex"))
		w.Header().Set("Content-Type", "application/json")
		if start == 0 {
			w.Write([]byte(pageOne))
			return
		}
		w.Write([]byte(pageTwo))
	}))
	defer srv.Close()

	upserter := &fakeUpserter{}
	archiver := snapshot.NewMemory()
	job := New(Config{BaseURL: srv.URL, PageSize: 2}, upserter, archiver, nil)

	result, err := job.Run(context.Background(), discardProgress)
	require.NoError(t, err)

	require.Equal(t, 3, result.Added)
	require.Equal(t, 3, result.Total)
	require.Zero(t, result.Failed)
	require.False(t, result.FinishedAt.IsZero())

	require.Len(t, upserter.batches, 2)
	require.Equal(t, cve.ActorCrawler, upserter.actor)

	first := upserter.batches[0]
	require.Len(t, first, 2)
	require.Equal(t, "CVE-2026-1111", first[0].ID)
	require.Equal(t, cve.SeverityCritical, first[0].Severity)
	require.InDelta(t, 9.8, first[0].CVSSScore, 1e-9)
	require.Equal(t, "heap overflow in widget parser", first[0].Description)
	require.Len(t, first[0].References, 1)
	require.Equal(t, "https://example.com/adv/1111", first[0].References[0].URL)

	// No English description falls back to the first entry; missing
	// metrics map to unknown severity.
	require.Equal(t, "solo espanol", first[1].Description)
	require.Equal(t, cve.SeverityUnknown, first[1].Severity)

	require.Equal(t, 2, archiver.Len())
}

func TestJobRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(soloPage))
	}))
	defer srv.Close()

	job := New(Config{BaseURL: srv.URL, MaxRetries: 2}, &fakeUpserter{}, nil, nil)

	result, err := job.Run(context.Background(), discardProgress)
	require.NoError(t, err)
	require.Equal(t, 1, result.Added)
}

func TestJobClientErrorIsPermanent(t *testing.T) {
	t.Parallel()

	var calls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	job := New(Config{BaseURL: srv.URL, MaxRetries: 5}, &fakeUpserter{}, nil, nil)

	start := time.Now()
	_, err := job.Run(context.Background(), discardProgress)
	require.Error(t, err)

	var fetchErr *cve.FetchError
	require.ErrorAs(t, err, &fetchErr)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, calls)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestJobFoldsUpsertFailuresIntoResult(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(soloPage))
	}))
	defer srv.Close()

	upserter := &fakeUpserter{result: func(candidates []cve.Record) tracking.BulkResult {
		return tracking.BulkResult{Failed: map[string]string{candidates[0].ID: "storage unavailable"}}
	}}
	job := New(Config{BaseURL: srv.URL}, upserter, nil, nil)

	result, err := job.Run(context.Background(), discardProgress)
	require.NoError(t, err)
	require.Equal(t, 1, result.Failed)
	require.Len(t, result.Errors, 1)
	require.Contains(t, result.Errors[0], "storage unavailable")
}

func TestJobMetadata(t *testing.T) {
	t.Parallel()

	job := New(Config{}, &fakeUpserter{}, nil, nil)
	require.Equal(t, "nvd", job.Name())
	require.Equal(t, "json_feed", job.Type())
	require.NotEmpty(t, job.Description())

	var _ scheduler.Job = job
}
