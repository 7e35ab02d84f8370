// Package progress defines the event stream emitted while crawl jobs
// execute and the hub that fans it out to sinks.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage names published while a crawl run advances.
const (
	StageStarting = "STARTING"
	StageFetch    = "FETCH"
	StageParse    = "PARSE"
	StageUpsert   = "UPSERT"
	StageDone     = "DONE"
	StageError    = "ERROR"
)

// Event captures one progress milestone of a crawl run.
type Event struct {
	// RunID identifies the scheduler run this event belongs to.
	RunID uuid.UUID `json:"run_id"`
	// Job is the registered job name.
	Job string `json:"job"`
	// Stage is the lifecycle milestone (STARTING, FETCH, PARSE, ...).
	Stage string `json:"stage"`
	// Percent is the job's own completion estimate, 0..100.
	Percent int `json:"percent"`
	// Message carries low-volume free text (e.g. error detail).
	Message string `json:"message,omitempty"`
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time `json:"ts"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == uuid.Nil {
		return errors.New("run id is required")
	}
	if e.Job == "" {
		return errors.New("job name is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageStarting, StageFetch, StageParse, StageUpsert, StageDone, StageError:
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Percent < 0 || e.Percent > 100 {
		return fmt.Errorf("percent %d out of range", e.Percent)
	}
	return nil
}
