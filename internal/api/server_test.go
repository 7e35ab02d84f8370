package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/seclens/cvewatch/internal/broadcast/memory"
	cachemem "github.com/seclens/cvewatch/internal/cache/memory"
	"github.com/seclens/cvewatch/internal/clock/system"
	"github.com/seclens/cvewatch/internal/config"
	"github.com/seclens/cvewatch/internal/cve"
	"github.com/seclens/cvewatch/internal/scheduler"
	storemem "github.com/seclens/cvewatch/internal/storage/memory"
	"github.com/seclens/cvewatch/internal/tracking"
)

type testEnv struct {
	server      *Server
	repo        *storemem.RecordStore
	cache       *cachemem.Cache
	broadcaster *memory.Broadcaster
	registry    *scheduler.Registry
	scheduler   *scheduler.Scheduler
}

type blockingJob struct {
	name    string
	release chan struct{}
	started chan struct{}
}

func (j *blockingJob) Name() string        { return j.name }
func (j *blockingJob) Description() string { return "test job" }
func (j *blockingJob) Type() string        { return "test" }

func (j *blockingJob) Run(_ context.Context, report scheduler.ProgressFunc) (scheduler.Result, error) {
	close(j.started)
	report("fetch", 50, "halfway")
	<-j.release
	return scheduler.Result{Added: 1, Total: 1}, nil
}

func newTestEnv(t *testing.T, cfg config.Config) *testEnv {
	t.Helper()

	repo := storemem.NewRecordStore()
	cache := cachemem.New()
	broadcaster := memory.New()
	clk := system.New()
	logger := zap.NewNop()

	service := tracking.New(repo, cache, broadcaster, clk, logger)
	registry := scheduler.NewRegistry()
	sched := scheduler.New(registry, nil, clk, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sched.Close(ctx)
	})

	server := NewServer(service, repo, cache, sched, registry, nil, cfg, logger)
	return &testEnv{
		server:      server,
		repo:        repo,
		cache:       cache,
		broadcaster: broadcaster,
		registry:    registry,
		scheduler:   sched,
	}
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func seedRecord(t *testing.T, env *testEnv, id, title string) cve.Record {
	t.Helper()
	rec := doJSON(t, env.server.Handler(), http.MethodPost, "/v1/cves", cve.Record{
		ID:          id,
		Title:       title,
		Description: "seeded",
		Severity:    cve.SeverityHigh,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var out cve.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.Config{})

	rec := doJSON(t, env.server.Handler(), http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, env.server.Handler(), http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateAndGetRecord(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.Config{})

	created := seedRecord(t, env, "cve-2026-0001", "Test flaw")
	require.Equal(t, "CVE-2026-0001", created.ID)

	// Lookup is case-insensitive.
	rec := doJSON(t, env.server.Handler(), http.MethodGet, "/v1/cves/cve-2026-0001", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got cve.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "CVE-2026-0001", got.ID)
	require.Equal(t, "Test flaw", got.Title)
}

func TestCreateConflict(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.Config{})

	seedRecord(t, env, "CVE-2026-0002", "first")
	rec := doJSON(t, env.server.Handler(), http.MethodPost, "/v1/cves", cve.Record{
		ID: "cve-2026-0002", Title: "same id, different case",
	})
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestCreateRejectsInvalidBody(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.Config{})

	req := httptest.NewRequest(http.MethodPost, "/v1/cves", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetMissingRecord(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.Config{})

	rec := doJSON(t, env.server.Handler(), http.MethodGet, "/v1/cves/CVE-2026-9999", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPatchRecord(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.Config{})

	seedRecord(t, env, "CVE-2026-0003", "before")
	newTitle := "after"
	rec := doJSON(t, env.server.Handler(), http.MethodPatch, "/v1/cves/CVE-2026-0003", cve.Patch{Title: &newTitle})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var got cve.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "after", got.Title)
	require.NotEmpty(t, got.ModificationHistory)
}

func TestPatchMissingRecord(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.Config{})

	title := "x"
	rec := doJSON(t, env.server.Handler(), http.MethodPatch, "/v1/cves/CVE-2026-9998", cve.Patch{Title: &title})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteRecord(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.Config{})

	seedRecord(t, env, "CVE-2026-0004", "doomed")
	rec := doJSON(t, env.server.Handler(), http.MethodDelete, "/v1/cves/CVE-2026-0004", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, env.server.Handler(), http.MethodDelete, "/v1/cves/CVE-2026-0004", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteMissingRecord(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.Config{})

	rec := doJSON(t, env.server.Handler(), http.MethodDelete, "/v1/cves/CVE-2030-9999", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Empty(t, env.broadcaster.Events())
}

func TestListRecordsWithFilterAndCache(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.Config{})

	seedRecord(t, env, "CVE-2026-0005", "high one")
	seedRecord(t, env, "CVE-2026-0006", "high two")

	rec := doJSON(t, env.server.Handler(), http.MethodGet, "/v1/cves/?severity=high&limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp listResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Items, 1)
	require.EqualValues(t, 2, resp.Total)
	require.Empty(t, rec.Header().Get("X-Cache"))

	// Second identical request is served from cache.
	rec = doJSON(t, env.server.Handler(), http.MethodGet, "/v1/cves/?severity=high&limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "hit", rec.Header().Get("X-Cache"))

	// A mutation invalidates the listing family.
	seedRecord(t, env, "CVE-2026-0007", "high three")
	rec = doJSON(t, env.server.Handler(), http.MethodGet, "/v1/cves/?severity=high&limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, rec.Header().Get("X-Cache"))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.EqualValues(t, 3, resp.Total)
}

func TestListProjection(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.Config{})

	seedRecord(t, env, "CVE-2026-0008", "projected")
	rec := doJSON(t, env.server.Handler(), http.MethodGet, "/v1/cves/?fields=title", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp listResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Items, 1)
	require.Equal(t, "CVE-2026-0008", resp.Items[0].ID)
	require.Equal(t, "projected", resp.Items[0].Title)
	require.Empty(t, resp.Items[0].Description)
}

func TestHistoryEndpoint(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.Config{})

	seedRecord(t, env, "CVE-2026-0009", "tracked")
	title := "retitled"
	doJSON(t, env.server.Handler(), http.MethodPatch, "/v1/cves/CVE-2026-0009", cve.Patch{Title: &title})

	rec := doJSON(t, env.server.Handler(), http.MethodGet, "/v1/cves/CVE-2026-0009/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		ID      string                  `json:"id"`
		History []cve.ModificationEntry `json:"history"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "CVE-2026-0009", resp.ID)
	require.Len(t, resp.History, 2)
}

func TestDetailCacheInvalidatedOnPatch(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.Config{})

	seedRecord(t, env, "CVE-2026-0010", "cache me")

	rec := doJSON(t, env.server.Handler(), http.MethodGet, "/v1/cves/CVE-2026-0010", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, env.server.Handler(), http.MethodGet, "/v1/cves/CVE-2026-0010", nil)
	require.Equal(t, "hit", rec.Header().Get("X-Cache"))

	title := "updated"
	doJSON(t, env.server.Handler(), http.MethodPatch, "/v1/cves/CVE-2026-0010", cve.Patch{Title: &title})

	rec = doJSON(t, env.server.Handler(), http.MethodGet, "/v1/cves/CVE-2026-0010", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, rec.Header().Get("X-Cache"))
	var got cve.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "updated", got.Title)
}

func TestCrawlEndpoints(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.Config{})

	job := &blockingJob{name: "nvd", release: make(chan struct{}), started: make(chan struct{})}
	require.NoError(t, env.registry.Register(job))

	rec := doJSON(t, env.server.Handler(), http.MethodGet, "/v1/crawl/jobs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"nvd"`)

	rec = doJSON(t, env.server.Handler(), http.MethodPost, "/v1/crawl/run/nvd", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	<-job.started

	// Second request is rejected while the first run holds the guard.
	rec = doJSON(t, env.server.Handler(), http.MethodPost, "/v1/crawl/run/nvd", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, env.server.Handler(), http.MethodGet, "/v1/crawl/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status scheduler.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.True(t, status.IsRunning)
	require.Equal(t, "nvd", status.ActiveJob)

	close(job.release)
	require.Eventually(t, func() bool {
		return !env.scheduler.IsRunning()
	}, 5*time.Second, 10*time.Millisecond)

	rec = doJSON(t, env.server.Handler(), http.MethodGet, "/v1/crawl/result/nvd", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"added":1`)
}

func TestCrawlUnknownJob(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.Config{})

	rec := doJSON(t, env.server.Handler(), http.MethodPost, "/v1/crawl/run/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, env.server.Handler(), http.MethodGet, "/v1/crawl/result/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()
	cfg := config.Config{}
	cfg.Auth.Enabled = true
	cfg.Auth.APIKey = "secret"
	env := newTestEnv(t, cfg)

	rec := doJSON(t, env.server.Handler(), http.MethodGet, "/v1/cves/", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/cves/", nil)
	req.Header.Set("X-API-Key", "secret")
	rr := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/cves/?api_key=secret", nil)
	rr = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestActorHeaderRecordedInHistory(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.Config{})

	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(cve.Record{ID: "CVE-2026-0011", Title: "actor test"}))
	req := httptest.NewRequest(http.MethodPost, "/v1/cves", &buf)
	req.Header.Set("X-Actor", "alice")
	rr := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusCreated, rr.Code)

	got, err := env.repo.Get(context.Background(), "CVE-2026-0011")
	require.NoError(t, err)
	require.Equal(t, "alice", got.CreatedBy)
}
