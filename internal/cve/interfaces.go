package cve

import (
	"context"
	"time"
)

// Filter narrows repository queries. Zero values match everything.
type Filter struct {
	Severity Severity
	Status   Status
	Search   string
}

// RecordRepository persists records keyed by canonical id. Implementations
// must be safe for concurrent use; per-id write ordering is the caller's
// responsibility.
type RecordRepository interface {
	Get(ctx context.Context, id string) (Record, error)
	FindWithProjection(ctx context.Context, filter Filter, projection []string, skip, limit int, sortBy string) ([]Record, error)
	Count(ctx context.Context, filter Filter) (int64, error)
	Upsert(ctx context.Context, rec Record) (Record, error)
	DeleteByID(ctx context.Context, id string) (bool, error)
	Exists(ctx context.Context, id string) (bool, error)
}

// CacheStore is the externally-owned cache the tracking service
// invalidates on every mutation. Invalidate treats its argument as a
// prefix so one call can clear a whole listing family.
type CacheStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Invalidate(ctx context.Context, keyOrPrefix string) error
}

// EventBroadcaster publishes typed events to subscribers. Publishing is
// notification-only; failures must never fail the primary operation.
type EventBroadcaster interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
