// Package broadcast composes EventBroadcaster implementations.
package broadcast

import (
	"context"
	"errors"

	"github.com/seclens/cvewatch/internal/cve"
)

// Fanout publishes every event to each wrapped broadcaster. One failing
// target does not stop delivery to the others; the joined error is
// returned so callers can log it.
type Fanout struct {
	targets []cve.EventBroadcaster
}

// NewFanout skips nil targets.
func NewFanout(targets ...cve.EventBroadcaster) *Fanout {
	f := &Fanout{}
	for _, t := range targets {
		if t != nil {
			f.targets = append(f.targets, t)
		}
	}
	return f
}

// Publish delivers payload to every target. It returns the combined
// errors, or nil if all targets accepted the event.
func (f *Fanout) Publish(ctx context.Context, topic string, payload any) error {
	var errs []error
	for _, t := range f.targets {
		if err := t.Publish(ctx, topic, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
