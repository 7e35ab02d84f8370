package cve

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestAppendModificationRoundTrip verifies the history grows by exactly
// one entry whose contents match what was appended.
func TestAppendModificationRoundTrip(t *testing.T) {
	t.Parallel()

	rec := baseRecord()
	at := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	changes := []ChangeItem{{
		Field:       FieldSeverity,
		DisplayName: "Severity",
		Action:      ActionEdit,
		DetailLevel: DetailDetailed,
		Before:      "low",
		After:       "high",
		Summary:     "Severity changed",
	}}

	out := AppendModification(rec, "carol", at, changes)
	require.Len(t, out.ModificationHistory, len(rec.ModificationHistory)+1)

	last := out.ModificationHistory[len(out.ModificationHistory)-1]
	require.Equal(t, "carol", last.Actor)
	require.Equal(t, at, last.Timestamp)
	require.Equal(t, changes, last.Changes)

	// Input record must stay untouched.
	require.Empty(t, rec.ModificationHistory)
}

// TestAppendModificationSystemFallback checks the reserved system
// identity is used when no actor is supplied.
func TestAppendModificationSystemFallback(t *testing.T) {
	t.Parallel()

	out := AppendModification(baseRecord(), "", time.Now(), []ChangeItem{{Field: FieldTitle, Summary: "Title changed"}})
	require.Equal(t, ActorSystem, out.ModificationHistory[0].Actor)
}

// TestCreationChanges verifies creation entries summarize severity,
// status, creator, and non-empty collection sizes.
func TestCreationChanges(t *testing.T) {
	t.Parallel()

	rec := baseRecord()
	rec.CreatedBy = "crawler"
	changes := CreationChanges(rec)

	require.Len(t, changes, 5) // severity, status, creator, references, detection rules
	fields := make([]string, 0, len(changes))
	for _, c := range changes {
		require.Equal(t, ActionContext, c.Action)
		require.NotEmpty(t, c.Summary)
		fields = append(fields, c.Field)
	}
	require.Contains(t, fields, FieldReferences)
	require.NotContains(t, fields, FieldProofsOfConcept)
}
