package cve

import (
	"fmt"
	"time"
)

// AppendModification returns rec with one new ModificationEntry
// appended to its history. The input record is not mutated; history
// order is insertion order and existing entries are never touched.
// Callers must not invoke this with an empty change list: recording
// an entry that says nothing changed would pollute the trail.
func AppendModification(rec Record, actor string, at time.Time, changes []ChangeItem) Record {
	if actor == "" {
		actor = ActorSystem
	}
	entry := ModificationEntry{
		Actor:     actor,
		Timestamp: at.UTC(),
		Changes:   append([]ChangeItem(nil), changes...),
	}
	out := rec.Clone()
	out.ModificationHistory = append(out.ModificationHistory, entry)
	return out
}

// CreationChanges synthesizes the change list recorded on a freshly
// created record, so "created" history entries carry the same shape as
// "updated" ones for downstream consumers.
func CreationChanges(rec Record) []ChangeItem {
	changes := []ChangeItem{
		{
			Field:       FieldSeverity,
			DisplayName: "Severity",
			Action:      ActionContext,
			DetailLevel: DetailSimple,
			After:       string(rec.Severity),
			Summary:     fmt.Sprintf("Created with severity %s", orUnknown(string(rec.Severity))),
		},
		{
			Field:       FieldStatus,
			DisplayName: "Status",
			Action:      ActionContext,
			DetailLevel: DetailSimple,
			After:       string(rec.Status),
			Summary:     fmt.Sprintf("Created with status %s", orUnknown(string(rec.Status))),
		},
		{
			Field:       "created_by",
			DisplayName: "Creator",
			Action:      ActionContext,
			DetailLevel: DetailSimple,
			After:       rec.CreatedBy,
			Summary:     fmt.Sprintf("Created by %s", orUnknown(rec.CreatedBy)),
		},
	}
	for _, coll := range []struct {
		field   string
		display string
		size    int
	}{
		{FieldReferences, "References", len(rec.References)},
		{FieldProofsOfConcept, "Proofs of Concept", len(rec.ProofsOfConcept)},
		{FieldDetectionRules, "Detection Rules", len(rec.DetectionRules)},
	} {
		if coll.size == 0 {
			continue
		}
		changes = append(changes, ChangeItem{
			Field:       coll.field,
			DisplayName: coll.display,
			Action:      ActionContext,
			DetailLevel: DetailSimple,
			After:       fmt.Sprintf("%d", coll.size),
			Summary:     fmt.Sprintf("Created with %d %s", coll.size, coll.display),
		})
	}
	return changes
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
