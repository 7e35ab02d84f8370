// Package scheduler runs named crawl jobs as background work under a
// process-wide single-flight guard, tracks staged progress, and keeps
// the last terminal result per job queryable.
package scheduler

import (
	"context"
	"time"
)

// Result is the terminal record for one job run. It is immutable after
// creation and retained until the next run of the same job overwrites it.
type Result struct {
	Added      int       `json:"added"`
	Updated    int       `json:"updated"`
	Failed     int       `json:"failed"`
	Skipped    int       `json:"skipped"`
	Total      int       `json:"total"`
	Errors     []string  `json:"errors,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// Status is a point-in-time snapshot of the scheduler's state. Reads
// never block on an in-progress run.
type Status struct {
	IsRunning  bool                 `json:"is_running"`
	ActiveJob  string               `json:"active_job,omitempty"`
	Stage      string               `json:"stage,omitempty"`
	Percent    int                  `json:"percent"`
	StartedAt  time.Time            `json:"started_at,omitempty"`
	LastUpdate map[string]time.Time `json:"last_update,omitempty"`
	LastResult map[string]Result    `json:"last_result,omitempty"`
}

// Admission is the response to a run request. When not accepted it
// carries the active job and its percent so callers can report what is
// in the way.
type Admission struct {
	Accepted  bool   `json:"accepted"`
	ActiveJob string `json:"active_job,omitempty"`
	Percent   int    `json:"percent,omitempty"`
}

// ProgressFunc is how a running job reports stage/percent back to the
// scheduler. The scheduler is the sole writer of status; jobs never
// mutate it directly.
type ProgressFunc func(stage string, percent int, message string)

// Job is a pluggable fetch+parse+normalize unit of work for one
// external data source. Run blocks for the duration of the crawl; it
// should apply its own fetch/parse deadlines since the scheduler
// imposes no global timeout.
type Job interface {
	Name() string
	Description() string
	Type() string
	Run(ctx context.Context, progress ProgressFunc) (Result, error)
}

// JobInfo describes a registered job for listing callers.
type JobInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Type        string `json:"type"`
}
