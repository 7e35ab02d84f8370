// Package advisory scrapes a vendor advisory index page with colly
// and feeds normalized records into the change-tracking service.
package advisory

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/seclens/cvewatch/internal/cve"
	"github.com/seclens/cvewatch/internal/progress"
	"github.com/seclens/cvewatch/internal/scheduler"
	"github.com/seclens/cvewatch/internal/snapshot"
	"github.com/seclens/cvewatch/internal/source"
)

// Config controls the advisory crawl.
type Config struct {
	// IndexURL is the advisory listing page to scrape.
	IndexURL string `mapstructure:"index_url" yaml:"index_url"`
	// UserAgent identifies this crawler to the site.
	UserAgent string `mapstructure:"user_agent" yaml:"user_agent"`
	// Timeout bounds the whole run.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// RespectRobots toggles robots.txt handling on the collector.
	RespectRobots bool `mapstructure:"respect_robots" yaml:"respect_robots"`
}

const (
	defaultUserAgent = "cvewatch/1.0"
	defaultTimeout   = 2 * time.Minute
)

// Job scrapes the advisory index, archives the raw page, and
// bulk-upserts the parsed records.
type Job struct {
	cfg      Config
	upserter source.Upserter
	archiver snapshot.Archiver
	logger   *zap.Logger
}

// New constructs the advisory job. A nil archiver disables archival
// and a nil logger falls back to zap.NewNop.
func New(cfg Config, upserter source.Upserter, archiver snapshot.Archiver, logger *zap.Logger) *Job {
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if archiver == nil {
		archiver = snapshot.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Job{cfg: cfg, upserter: upserter, archiver: archiver, logger: logger}
}

// Name implements scheduler.Job.
func (j *Job) Name() string { return "advisory" }

// Description implements scheduler.Job.
func (j *Job) Description() string { return "vendor advisory index scrape" }

// Type implements scheduler.Job.
func (j *Job) Type() string { return "html_scrape" }

// Run visits the index page once, parses every advisory entry, and
// upserts the candidates in one batch.
func (j *Job) Run(ctx context.Context, report scheduler.ProgressFunc) (scheduler.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, j.cfg.Timeout)
	defer cancel()

	var result scheduler.Result

	report(progress.StageFetch, 10, "visiting advisory index")
	records, raw, err := j.scrape(ctx)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		result.FinishedAt = time.Now().UTC()
		return result, err
	}
	j.archive(ctx, raw)

	report(progress.StageUpsert, 70, fmt.Sprintf("upserting %d records", len(records)))
	bulk := j.upserter.BulkUpsert(ctx, records, cve.ActorCrawler)
	added, updated, skipped, failed := bulk.Counts()
	result.Added = added
	result.Updated = updated
	result.Skipped = skipped
	result.Failed = failed
	result.Total = len(records)
	for id, reason := range bulk.Failed {
		result.Errors = append(result.Errors, fmt.Sprintf("%s: %s", id, reason))
	}
	result.FinishedAt = time.Now().UTC()
	return result, nil
}

// scrape runs a fresh collector against the index page. The raw body
// of the index is returned for archival.
func (j *Job) scrape(ctx context.Context) ([]cve.Record, []byte, error) {
	collector := colly.NewCollector(colly.Async(false))
	collector.UserAgent = j.cfg.UserAgent
	collector.IgnoreRobotsTxt = !j.cfg.RespectRobots
	collector.SetRequestTimeout(j.cfg.Timeout)
	collector.WithTransport(newHTTPTransport())

	var (
		records   []cve.Record
		raw       []byte
		scrapeErr error
	)

	collector.OnResponse(func(r *colly.Response) {
		raw = append([]byte(nil), r.Body...)
	})
	collector.OnHTML("[data-cve]", func(e *colly.HTMLElement) {
		rec, ok := parseEntry(e)
		if !ok {
			j.logger.Debug("skipping advisory entry without cve id", zap.String("url", e.Request.URL.String()))
			return
		}
		records = append(records, rec)
	})
	collector.OnError(func(_ *colly.Response, err error) {
		scrapeErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(j.cfg.IndexURL)
	}()

	select {
	case <-ctx.Done():
		return nil, nil, &cve.FetchError{Source: j.Name(), Err: ctx.Err()}
	case err := <-done:
		if err != nil {
			return nil, nil, &cve.FetchError{Source: j.Name(), Err: err}
		}
		if scrapeErr != nil {
			return nil, nil, &cve.FetchError{Source: j.Name(), Err: scrapeErr}
		}
	}
	return records, raw, nil
}

// parseEntry maps one advisory element to a record candidate. Layout:
//
//	<article data-cve="CVE-..." data-severity="high" data-cvss="8.1">
//	  <h2 class="title">...</h2>
//	  <p class="summary">...</p>
//	  <a class="advisory-link" href="...">...</a>
//	  <a class="poc-link" href="...">...</a>
//	</article>
func parseEntry(e *colly.HTMLElement) (cve.Record, bool) {
	id := cve.CanonicalID(e.Attr("data-cve"))
	if id == "" {
		return cve.Record{}, false
	}

	rec := cve.Record{
		ID:          id,
		Title:       strings.TrimSpace(e.ChildText(".title")),
		Description: strings.TrimSpace(e.ChildText(".summary")),
		Status:      cve.StatusNew,
		Severity:    mapSeverity(e.Attr("data-severity")),
	}
	if rec.Title == "" {
		rec.Title = id
	}
	if score, err := strconv.ParseFloat(e.Attr("data-cvss"), 64); err == nil {
		rec.CVSSScore = score
	}

	host := e.Request.URL.Host
	for _, href := range e.ChildAttrs("a.advisory-link", "href") {
		rec.References = append(rec.References, cve.Reference{
			URL:    e.Request.AbsoluteURL(href),
			Source: host,
		})
	}
	for _, href := range e.ChildAttrs("a.poc-link", "href") {
		rec.ProofsOfConcept = append(rec.ProofsOfConcept, cve.ProofOfConcept{
			URL:    e.Request.AbsoluteURL(href),
			Source: host,
		})
	}
	return rec, true
}

func mapSeverity(raw string) cve.Severity {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "critical":
		return cve.SeverityCritical
	case "high":
		return cve.SeverityHigh
	case "medium":
		return cve.SeverityMedium
	case "low":
		return cve.SeverityLow
	default:
		return cve.SeverityUnknown
	}
}

func (j *Job) archive(ctx context.Context, raw []byte) {
	if len(raw) == 0 {
		return
	}
	name := snapshot.ObjectName(j.Name(), time.Now(), "html")
	uri, err := j.archiver.Archive(ctx, name, raw)
	if err != nil {
		j.logger.Warn("advisory snapshot archival failed", zap.Error(err))
		return
	}
	if uri != "" {
		j.logger.Debug("advisory page archived", zap.String("uri", uri))
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
