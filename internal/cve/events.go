package cve

import "time"

// EventType labels broadcast payloads for subscribers.
type EventType string

// Event types published by the tracking service.
const (
	EventCreated    EventType = "created"
	EventUpdated    EventType = "updated"
	EventDeleted    EventType = "deleted"
	EventBulkUpsert EventType = "bulk_upsert"
)

// TopicListing is the global topic carrying listing-level events.
const TopicListing = "cves"

// TopicProgress carries crawl stage/percent updates.
const TopicProgress = "crawl.progress"

// TopicRecord returns the per-record topic for a canonical id.
func TopicRecord(id string) string {
	return "cve." + CanonicalID(id)
}

// Event is the payload broadcast for record mutations. Record is set
// for created events, ChangedFields for updated events so subscribers
// can selectively re-render, and Count for bulk upserts.
type Event struct {
	Type          EventType `json:"type"`
	ID            string    `json:"id,omitempty"`
	ChangedFields []string  `json:"changed_fields,omitempty"`
	Record        *Record   `json:"record,omitempty"`
	Count         int       `json:"count,omitempty"`
	At            time.Time `json:"at"`
}
