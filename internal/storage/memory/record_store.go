// Package memory provides in-memory store implementations for
// development and testing.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/seclens/cvewatch/internal/cve"
)

// RecordStore is an in-memory cve.RecordRepository keyed by canonical id.
type RecordStore struct {
	mu      sync.RWMutex
	records map[string]cve.Record
}

// NewRecordStore constructs an empty RecordStore.
func NewRecordStore() *RecordStore {
	return &RecordStore{records: make(map[string]cve.Record)}
}

// Get returns the record for id or cve.ErrNotFound.
func (s *RecordStore) Get(_ context.Context, id string) (cve.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[cve.CanonicalID(id)]
	if !ok {
		return cve.Record{}, cve.ErrNotFound
	}
	return rec.Clone(), nil
}

// FindWithProjection lists records matching the filter, sorted, paged,
// and reduced to the projected fields. An empty projection keeps all
// fields; the id always survives projection.
func (s *RecordStore) FindWithProjection(
	_ context.Context,
	filter cve.Filter,
	projection []string,
	skip, limit int,
	sortBy string,
) ([]cve.Record, error) {
	s.mu.RLock()
	matched := make([]cve.Record, 0, len(s.records))
	for _, rec := range s.records {
		if matches(rec, filter) {
			matched = append(matched, rec.Clone())
		}
	}
	s.mu.RUnlock()

	sortRecords(matched, sortBy)

	if skip >= len(matched) {
		return []cve.Record{}, nil
	}
	matched = matched[skip:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}

	if len(projection) > 0 {
		for i := range matched {
			matched[i] = cve.Project(matched[i], projection)
		}
	}
	return matched, nil
}

// Count returns the number of records matching the filter.
func (s *RecordStore) Count(_ context.Context, filter cve.Filter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, rec := range s.records {
		if matches(rec, filter) {
			n++
		}
	}
	return n, nil
}

// Upsert stores the record under its canonical id.
func (s *RecordStore) Upsert(_ context.Context, rec cve.Record) (cve.Record, error) {
	rec.ID = cve.CanonicalID(rec.ID)
	s.mu.Lock()
	s.records[rec.ID] = rec.Clone()
	s.mu.Unlock()
	return rec, nil
}

// DeleteByID removes the record, reporting whether it existed.
func (s *RecordStore) DeleteByID(_ context.Context, id string) (bool, error) {
	id = cve.CanonicalID(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return false, nil
	}
	delete(s.records, id)
	return true, nil
}

// Exists reports whether a record with the id is stored.
func (s *RecordStore) Exists(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[cve.CanonicalID(id)]
	return ok, nil
}

func matches(rec cve.Record, filter cve.Filter) bool {
	if filter.Severity != "" && rec.Severity != filter.Severity {
		return false
	}
	if filter.Status != "" && rec.Status != filter.Status {
		return false
	}
	if filter.Search != "" {
		needle := strings.ToLower(filter.Search)
		if !strings.Contains(strings.ToLower(rec.ID), needle) &&
			!strings.Contains(strings.ToLower(rec.Title), needle) &&
			!strings.Contains(strings.ToLower(rec.Description), needle) {
			return false
		}
	}
	return true
}

func sortRecords(records []cve.Record, sortBy string) {
	switch sortBy {
	case "last_modified":
		sort.Slice(records, func(i, j int) bool {
			return records[i].LastModifiedAt.After(records[j].LastModifiedAt)
		})
	default:
		sort.Slice(records, func(i, j int) bool {
			return records[i].ID < records[j].ID
		})
	}
}
