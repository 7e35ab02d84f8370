// Package nvd crawls the NVD 2.0 JSON API and feeds normalized records
// into the change-tracking service.
package nvd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/seclens/cvewatch/internal/cve"
	"github.com/seclens/cvewatch/internal/progress"
	"github.com/seclens/cvewatch/internal/scheduler"
	"github.com/seclens/cvewatch/internal/snapshot"
	"github.com/seclens/cvewatch/internal/source"
)

// Config controls the NVD crawl.
type Config struct {
	// BaseURL is the CVE API endpoint.
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
	// APIKey raises NVD rate limits when set; sent as the apiKey header.
	APIKey string `mapstructure:"api_key" yaml:"api_key"`
	// UserAgent identifies this crawler to the API.
	UserAgent string `mapstructure:"user_agent" yaml:"user_agent"`
	// Timeout bounds the whole run. The scheduler imposes no deadline
	// of its own.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// MaxRetries bounds retry attempts per page fetch.
	MaxRetries uint64 `mapstructure:"max_retries" yaml:"max_retries"`
	// PageSize is the resultsPerPage request parameter.
	PageSize int `mapstructure:"page_size" yaml:"page_size"`
}

const (
	defaultBaseURL   = "https://services.nvd.nist.gov/rest/json/cves/2.0"
	defaultUserAgent = "cvewatch/1.0"
	defaultTimeout   = 5 * time.Minute
	defaultRetries   = 3
	defaultPageSize  = 2000
)

func (c *Config) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = defaultRetries
	}
	if c.PageSize <= 0 {
		c.PageSize = defaultPageSize
	}
}

// Job fetches the NVD feed page by page, archives each raw page, and
// bulk-upserts the parsed records.
type Job struct {
	cfg      Config
	client   *http.Client
	upserter source.Upserter
	archiver snapshot.Archiver
	logger   *zap.Logger
}

// New constructs the NVD job. A nil archiver disables archival and a
// nil logger falls back to zap.NewNop.
func New(cfg Config, upserter source.Upserter, archiver snapshot.Archiver, logger *zap.Logger) *Job {
	cfg.applyDefaults()
	if archiver == nil {
		archiver = snapshot.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Job{
		cfg:      cfg,
		client:   &http.Client{Timeout: 30 * time.Second},
		upserter: upserter,
		archiver: archiver,
		logger:   logger,
	}
}

// Name implements scheduler.Job.
func (j *Job) Name() string { return "nvd" }

// Description implements scheduler.Job.
func (j *Job) Description() string { return "NVD 2.0 JSON CVE feed" }

// Type implements scheduler.Job.
func (j *Job) Type() string { return "json_feed" }

// Run crawls the feed until the reported total is exhausted. Page
// fetch failures abort the run; per-record upsert failures are folded
// into the result and do not stop later pages.
func (j *Job) Run(ctx context.Context, report scheduler.ProgressFunc) (scheduler.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, j.cfg.Timeout)
	defer cancel()

	var result scheduler.Result
	startIndex := 0
	total := -1

	for total < 0 || startIndex < total {
		report(progress.StageFetch, pagePercent(startIndex, total), fmt.Sprintf("fetching page at index %d", startIndex))

		raw, err := j.fetchPage(ctx, startIndex)
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			result.FinishedAt = time.Now().UTC()
			return result, fmt.Errorf("fetch nvd page at index %d: %w", startIndex, err)
		}
		j.archive(ctx, startIndex, raw)

		report(progress.StageParse, pagePercent(startIndex, total), "parsing feed page")
		page, err := parsePage(raw)
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			result.FinishedAt = time.Now().UTC()
			return result, fmt.Errorf("parse nvd page at index %d: %w", startIndex, err)
		}
		if total < 0 {
			total = page.TotalResults
		}

		records := page.Records()

		report(progress.StageUpsert, pagePercent(startIndex, total), fmt.Sprintf("upserting %d records", len(records)))
		bulk := j.upserter.BulkUpsert(ctx, records, cve.ActorCrawler)
		added, updated, skipped, failed := bulk.Counts()
		result.Added += added
		result.Updated += updated
		result.Skipped += skipped
		result.Failed += failed
		result.Total += len(records)
		for id, reason := range bulk.Failed {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %s", id, reason))
		}

		if page.ResultsPerPage <= 0 {
			break
		}
		startIndex += page.ResultsPerPage
	}

	result.FinishedAt = time.Now().UTC()
	return result, nil
}

// fetchPage GETs one feed page with exponential-backoff retries.
// Client errors other than 429 are permanent; server errors and
// transport failures are retried.
func (j *Job) fetchPage(ctx context.Context, startIndex int) ([]byte, error) {
	var raw []byte

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, j.cfg.BaseURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		q := req.URL.Query()
		q.Set("startIndex", fmt.Sprintf("%d", startIndex))
		q.Set("resultsPerPage", fmt.Sprintf("%d", j.cfg.PageSize))
		req.URL.RawQuery = q.Encode()
		req.Header.Set("User-Agent", j.cfg.UserAgent)
		if j.cfg.APIKey != "" {
			req.Header.Set("apiKey", j.cfg.APIKey)
		}

		resp, err := j.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("nvd api status %d", resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("nvd api status %d", resp.StatusCode))
		}

		raw, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response body: %w", err)
		}
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), j.cfg.MaxRetries), ctx)
	notify := func(err error, next time.Duration) {
		j.logger.Warn("nvd fetch retry", zap.Error(err), zap.Duration("next_attempt_in", next))
	}
	if err := backoff.RetryNotify(operation, bo, notify); err != nil {
		return nil, &cve.FetchError{Source: j.Name(), Err: err}
	}
	return raw, nil
}

func (j *Job) archive(ctx context.Context, startIndex int, raw []byte) {
	name := snapshot.ObjectName(fmt.Sprintf("%s/page-%06d", j.Name(), startIndex), time.Now(), "json")
	uri, err := j.archiver.Archive(ctx, name, raw)
	if err != nil {
		j.logger.Warn("feed snapshot archival failed",
			zap.Int("start_index", startIndex),
			zap.Error(err),
		)
		return
	}
	if uri != "" {
		j.logger.Debug("feed page archived", zap.String("uri", uri))
	}
}

func pagePercent(startIndex, total int) int {
	if total <= 0 {
		return 0
	}
	pct := startIndex * 100 / total
	if pct > 99 {
		pct = 99
	}
	return pct
}
