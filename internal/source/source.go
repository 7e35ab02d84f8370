// Package source defines the contract crawl jobs share: each source
// fetches raw data, normalizes it into record candidates, and hands
// the batch to the change-tracking service.
package source

import (
	"context"

	"github.com/seclens/cvewatch/internal/cve"
	"github.com/seclens/cvewatch/internal/tracking"
)

// Upserter is the slice of the tracking service a crawl job needs.
type Upserter interface {
	BulkUpsert(ctx context.Context, candidates []cve.Record, actor string) tracking.BulkResult
}
