// Package tracking implements the change-tracking service: every record
// mutation flows through it so the stored record, its modification
// history, cache invalidations, and broadcast notifications stay
// consistent as one logical operation.
package tracking

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/seclens/cvewatch/internal/cve"
	"github.com/seclens/cvewatch/internal/metrics"
)

// Cache key layout. Detail entries are keyed per id; listing entries
// share a prefix so one Invalidate call clears the whole family.
const (
	DetailCachePrefix = "cve:detail:"
	ListCachePrefix   = "cve:list:"
)

// DetailCacheKey returns the detail cache key for a record id.
func DetailCacheKey(id string) string {
	return DetailCachePrefix + cve.CanonicalID(id)
}

// BulkOutcome classifies one candidate's fate inside BulkUpsert.
type BulkOutcome string

// Bulk upsert outcomes.
const (
	BulkCreated   BulkOutcome = "created"
	BulkUpdated   BulkOutcome = "updated"
	BulkUnchanged BulkOutcome = "unchanged"
)

// BulkResult reports per-candidate outcomes of a BulkUpsert call.
type BulkResult struct {
	Succeeded map[string]cve.Record
	Outcomes  map[string]BulkOutcome
	Failed    map[string]string
}

// Counts folds the result into added/updated/skipped/failed counters.
func (r BulkResult) Counts() (added, updated, skipped, failed int) {
	for _, outcome := range r.Outcomes {
		switch outcome {
		case BulkCreated:
			added++
		case BulkUpdated:
			updated++
		case BulkUnchanged:
			skipped++
		}
	}
	return added, updated, skipped, len(r.Failed)
}

// Service orchestrates repository writes, audit history, cache
// invalidation, and event broadcast for every record mutation.
// Ordering is fixed: persist, then invalidate, then broadcast. A
// persistence failure aborts the operation; cache and broadcast
// failures are logged and swallowed.
type Service struct {
	repo        cve.RecordRepository
	cache       cve.CacheStore
	broadcaster cve.EventBroadcaster
	clock       cve.Clock
	logger      *zap.Logger
	locks       *keyedMutex
}

// New constructs a Service. A nil logger falls back to zap.NewNop.
func New(
	repo cve.RecordRepository,
	cache cve.CacheStore,
	broadcaster cve.EventBroadcaster,
	clock cve.Clock,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:        repo,
		cache:       cache,
		broadcaster: broadcaster,
		clock:       clock,
		logger:      logger,
		locks:       newKeyedMutex(),
	}
}

// Create persists a new record. It fails with cve.ErrConflict when a
// record with the same id already exists (case-insensitive). The
// creation history entry summarizes initial severity, status, creator,
// and collection sizes so created and updated events share a shape.
func (s *Service) Create(ctx context.Context, candidate cve.Record, actor string) (cve.Record, error) {
	if actor == "" {
		actor = cve.ActorSystem
	}
	if err := candidate.Validate(); err != nil {
		metrics.ObserveMutation("create", "invalid")
		return cve.Record{}, err
	}
	id := cve.CanonicalID(candidate.ID)

	s.locks.Lock(id)
	defer s.locks.Unlock(id)

	rec, err := s.prepareCreate(ctx, candidate, actor)
	if err != nil {
		return cve.Record{}, err
	}

	stored, err := s.repo.Upsert(ctx, rec)
	if err != nil {
		metrics.ObserveMutation("create", "error")
		return cve.Record{}, fmt.Errorf("persist record %s: %w", id, err)
	}
	metrics.ObserveMutation("create", "ok")

	// No detail entry existed before the create; only listings go stale.
	s.invalidate(ctx, ListCachePrefix)
	s.broadcast(ctx, cve.TopicListing, cve.Event{
		Type:   cve.EventCreated,
		ID:     stored.ID,
		Record: &stored,
		At:     s.clock.Now().UTC(),
	})
	return stored, nil
}

// prepareCreate stamps ownership fields and the creation history entry.
func (s *Service) prepareCreate(ctx context.Context, candidate cve.Record, actor string) (cve.Record, error) {
	id := cve.CanonicalID(candidate.ID)
	exists, err := s.repo.Exists(ctx, id)
	if err != nil {
		metrics.ObserveMutation("create", "error")
		return cve.Record{}, fmt.Errorf("check record %s: %w", id, err)
	}
	if exists {
		metrics.ObserveMutation("create", "conflict")
		return cve.Record{}, fmt.Errorf("%s: %w", id, cve.ErrConflict)
	}

	now := s.clock.Now().UTC()
	rec := candidate.Clone()
	rec.ID = id
	rec.CreatedAt = now
	rec.CreatedBy = actor
	rec.LastModifiedAt = now
	rec.LastModifiedBy = actor
	rec.ModificationHistory = nil
	return cve.AppendModification(rec, actor, now, cve.CreationChanges(rec)), nil
}

// Update applies a partial patch to an existing record. It fails with
// cve.ErrNotFound when the id is absent. A patch that changes nothing
// still refreshes the modification stamp but appends no history entry.
func (s *Service) Update(ctx context.Context, id string, patch cve.Patch, actor string) (cve.Record, error) {
	if actor == "" {
		actor = cve.ActorSystem
	}
	if err := patch.Validate(); err != nil {
		metrics.ObserveMutation("update", "invalid")
		return cve.Record{}, err
	}
	id = cve.CanonicalID(id)

	s.locks.Lock(id)
	defer s.locks.Unlock(id)

	stored, changed, err := s.applyUpdate(ctx, id, patch, actor)
	if err != nil {
		return cve.Record{}, err
	}
	metrics.ObserveMutation("update", "ok")

	s.invalidate(ctx, DetailCacheKey(id))
	s.invalidate(ctx, ListCachePrefix)
	s.broadcast(ctx, cve.TopicRecord(id), cve.Event{
		Type:          cve.EventUpdated,
		ID:            stored.ID,
		ChangedFields: changed,
		At:            s.clock.Now().UTC(),
	})
	return stored, nil
}

// applyUpdate runs the fetch-modify-append sequence under the per-id
// lock and persists the result. It returns the changed field keys.
func (s *Service) applyUpdate(ctx context.Context, id string, patch cve.Patch, actor string) (cve.Record, []string, error) {
	old, err := s.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, cve.ErrNotFound) {
			metrics.ObserveMutation("update", "not_found")
			return cve.Record{}, nil, fmt.Errorf("%s: %w", id, cve.ErrNotFound)
		}
		metrics.ObserveMutation("update", "error")
		return cve.Record{}, nil, fmt.Errorf("load record %s: %w", id, err)
	}

	now := s.clock.Now().UTC()
	next := patch.Apply(old)
	next.LastModifiedAt = now
	next.LastModifiedBy = actor

	changes := cve.Detect(old, next, cve.DefaultIgnoreFields())
	if len(changes) > 0 {
		next = cve.AppendModification(next, actor, now, changes)
	}

	stored, err := s.repo.Upsert(ctx, next)
	if err != nil {
		metrics.ObserveMutation("update", "error")
		return cve.Record{}, nil, fmt.Errorf("persist record %s: %w", id, err)
	}

	fields := make([]string, 0, len(changes))
	for _, c := range changes {
		fields = append(fields, c.Field)
	}
	return stored, fields, nil
}

// Delete removes a record. A missing id returns (false, cve.ErrNotFound)
// and produces no side effects. The deleted record cannot hold its own
// terminal history entry, so the deletion is logged instead.
func (s *Service) Delete(ctx context.Context, id string, actor string) (bool, error) {
	if actor == "" {
		actor = cve.ActorSystem
	}
	id = cve.CanonicalID(id)

	s.locks.Lock(id)
	defer s.locks.Unlock(id)

	deleted, err := s.repo.DeleteByID(ctx, id)
	if err != nil {
		metrics.ObserveMutation("delete", "error")
		return false, fmt.Errorf("delete record %s: %w", id, err)
	}
	if !deleted {
		metrics.ObserveMutation("delete", "not_found")
		return false, fmt.Errorf("%s: %w", id, cve.ErrNotFound)
	}
	metrics.ObserveMutation("delete", "ok")
	s.logger.Info("record deleted",
		zap.String("id", id),
		zap.String("actor", actor),
	)

	s.invalidate(ctx, DetailCacheKey(id))
	s.invalidate(ctx, ListCachePrefix)
	s.broadcast(ctx, cve.TopicListing, cve.Event{
		Type: cve.EventDeleted,
		ID:   id,
		At:   s.clock.Now().UTC(),
	})
	return true, nil
}

// BulkUpsert routes each candidate through create-if-absent /
// update-if-changed. A single candidate's failure never aborts the
// batch. List caches are invalidated once at the end and a single
// aggregate event is broadcast, so a large crawl does not cause a
// per-record cache storm.
func (s *Service) BulkUpsert(ctx context.Context, candidates []cve.Record, actor string) BulkResult {
	if actor == "" {
		actor = cve.ActorCrawler
	}
	result := BulkResult{
		Succeeded: make(map[string]cve.Record),
		Outcomes:  make(map[string]BulkOutcome),
		Failed:    make(map[string]string),
	}

	for i, candidate := range candidates {
		id := cve.CanonicalID(candidate.ID)
		if id == "" {
			result.Failed[fmt.Sprintf("candidate_%d", i)] = "missing id"
			continue
		}
		stored, outcome, err := s.upsertOne(ctx, id, candidate, actor)
		if err != nil {
			result.Failed[id] = err.Error()
			continue
		}
		result.Succeeded[id] = stored
		result.Outcomes[id] = outcome
	}

	if len(result.Succeeded) > 0 {
		s.invalidate(ctx, ListCachePrefix)
		s.broadcast(ctx, cve.TopicListing, cve.Event{
			Type:  cve.EventBulkUpsert,
			Count: len(result.Succeeded),
			At:    s.clock.Now().UTC(),
		})
	}
	return result
}

// upsertOne persists a single bulk candidate without per-item cache or
// broadcast side effects; those are batched by the caller.
func (s *Service) upsertOne(ctx context.Context, id string, candidate cve.Record, actor string) (cve.Record, BulkOutcome, error) {
	if err := candidate.Validate(); err != nil {
		metrics.ObserveMutation("bulk_upsert", "invalid")
		return cve.Record{}, "", err
	}

	s.locks.Lock(id)
	defer s.locks.Unlock(id)

	old, err := s.repo.Get(ctx, id)
	if errors.Is(err, cve.ErrNotFound) {
		rec, prepErr := s.prepareCreate(ctx, candidate, actor)
		if prepErr != nil {
			return cve.Record{}, "", prepErr
		}
		stored, upErr := s.repo.Upsert(ctx, rec)
		if upErr != nil {
			metrics.ObserveMutation("bulk_upsert", "error")
			return cve.Record{}, "", fmt.Errorf("persist record %s: %w", id, upErr)
		}
		metrics.ObserveMutation("bulk_upsert", "created")
		s.invalidate(ctx, DetailCacheKey(id))
		return stored, BulkCreated, nil
	}
	if err != nil {
		metrics.ObserveMutation("bulk_upsert", "error")
		return cve.Record{}, "", fmt.Errorf("load record %s: %w", id, err)
	}

	now := s.clock.Now().UTC()
	next := mergeCandidate(old, candidate)
	changes := cve.Detect(old, next, cve.DefaultIgnoreFields())
	if len(changes) == 0 {
		metrics.ObserveMutation("bulk_upsert", "unchanged")
		return old, BulkUnchanged, nil
	}

	next.LastModifiedAt = now
	next.LastModifiedBy = actor
	next = cve.AppendModification(next, actor, now, changes)
	stored, err := s.repo.Upsert(ctx, next)
	if err != nil {
		metrics.ObserveMutation("bulk_upsert", "error")
		return cve.Record{}, "", fmt.Errorf("persist record %s: %w", id, err)
	}
	metrics.ObserveMutation("bulk_upsert", "updated")
	s.invalidate(ctx, DetailCacheKey(id))
	return stored, BulkUpdated, nil
}

// mergeCandidate lays crawler-supplied fields over the stored record
// while preserving ownership, history, and locally-managed counters.
func mergeCandidate(old, candidate cve.Record) cve.Record {
	next := old.Clone()
	if candidate.Title != "" {
		next.Title = candidate.Title
	}
	if candidate.Description != "" {
		next.Description = candidate.Description
	}
	if candidate.Status != "" {
		next.Status = candidate.Status
	}
	if candidate.Severity != "" {
		next.Severity = candidate.Severity
	}
	if candidate.CVSSScore != 0 {
		next.CVSSScore = candidate.CVSSScore
	}
	if candidate.References != nil {
		next.References = append([]cve.Reference(nil), candidate.References...)
	}
	if candidate.ProofsOfConcept != nil {
		next.ProofsOfConcept = append([]cve.ProofOfConcept(nil), candidate.ProofsOfConcept...)
	}
	if candidate.DetectionRules != nil {
		next.DetectionRules = append([]cve.DetectionRule(nil), candidate.DetectionRules...)
	}
	return next
}

// invalidate clears a cache key or prefix. Cache correctness is
// best-effort: a failure is logged, never surfaced to the caller.
func (s *Service) invalidate(ctx context.Context, keyOrPrefix string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, keyOrPrefix); err != nil {
		s.logger.Warn("cache invalidation failed",
			zap.String("key", keyOrPrefix),
			zap.Error(err),
		)
	}
	metrics.ObserveCacheOp("invalidate")
}

// broadcast publishes a mutation event. Broadcast is notification-only;
// a failure is logged and swallowed.
func (s *Service) broadcast(ctx context.Context, topic string, evt cve.Event) {
	if s.broadcaster == nil {
		return
	}
	if err := s.broadcaster.Publish(ctx, topic, evt); err != nil {
		metrics.ObserveBroadcastFailure()
		s.logger.Warn("event broadcast failed",
			zap.String("topic", topic),
			zap.String("type", string(evt.Type)),
			zap.Error(err),
		)
	}
}
