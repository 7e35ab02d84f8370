// Package snapshot archives raw crawl payloads before parsing so a
// run can be replayed or audited after the fact. Archival is
// best-effort: callers log failures and continue the crawl.
package snapshot

import (
	"context"
	"fmt"
	"time"
)

// Archiver stores one raw payload and returns a URI locating it.
type Archiver interface {
	Archive(ctx context.Context, objectName string, payload []byte) (string, error)
}

// ObjectName builds the canonical object path for a job's payload:
// <job>/<UTC timestamp>.<ext>.
func ObjectName(job string, at time.Time, ext string) string {
	return fmt.Sprintf("%s/%s.%s", job, at.UTC().Format("20060102T150405Z"), ext)
}

// Nop discards payloads. Useful for dry runs and tests that do not
// care about archival.
type Nop struct{}

// Archive does nothing and reports an empty URI.
func (Nop) Archive(context.Context, string, []byte) (string, error) {
	return "", nil
}
