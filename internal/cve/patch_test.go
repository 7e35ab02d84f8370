package cve

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestPatchApply verifies nil fields leave values untouched and set
// fields override, without mutating the input record.
func TestPatchApply(t *testing.T) {
	t.Parallel()

	rec := baseRecord()
	sev := SeverityCritical
	title := "New title"
	patch := Patch{Severity: &sev, Title: &title}

	out := patch.Apply(rec)
	require.Equal(t, SeverityCritical, out.Severity)
	require.Equal(t, "New title", out.Title)
	require.Equal(t, rec.Description, out.Description)
	require.Equal(t, SeverityLow, rec.Severity)
}

// TestPatchApplyCommentDelta checks deltas clamp at zero.
func TestPatchApplyCommentDelta(t *testing.T) {
	t.Parallel()

	rec := baseRecord()
	rec.CommentCount = 1
	delta := -5
	out := Patch{CommentCountDelta: &delta}.Apply(rec)
	require.Equal(t, 0, out.CommentCount)

	delta = 2
	out = Patch{CommentCountDelta: &delta}.Apply(rec)
	require.Equal(t, 3, out.CommentCount)
}

// TestPatchCollectionReplace asserts collection pointers replace the
// whole collection with a copied slice.
func TestPatchCollectionReplace(t *testing.T) {
	t.Parallel()

	rec := baseRecord()
	refs := []Reference{{URL: "https://example.com/only"}}
	out := Patch{References: &refs}.Apply(rec)
	require.Len(t, out.References, 1)

	refs[0].URL = "https://example.com/mutated"
	require.Equal(t, "https://example.com/only", out.References[0].URL)
}

// TestPatchValidate rejects malformed overrides.
func TestPatchValidate(t *testing.T) {
	t.Parallel()

	bad := 11.0
	err := Patch{CVSSScore: &bad}.Validate()
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	refs := []Reference{{URL: ""}}
	require.Error(t, Patch{References: &refs}.Validate())

	require.NoError(t, Patch{}.Validate())
}

// TestPatchIsZero distinguishes empty patches from stamped ones.
func TestPatchIsZero(t *testing.T) {
	t.Parallel()

	require.True(t, Patch{}.IsZero())
	s := StatusPatched
	require.False(t, Patch{Status: &s}.IsZero())
}

// TestCanonicalID covers the case-insensitive id normalization.
func TestCanonicalID(t *testing.T) {
	t.Parallel()

	require.Equal(t, "CVE-2024-0001", CanonicalID(" cve-2024-0001 "))
	require.Equal(t, "CVE-2024-0001", CanonicalID("CVE-2024-0001"))
}

// TestRecordValidate covers the minimum persisted shape.
func TestRecordValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, baseRecord().Validate())
	require.Error(t, Record{}.Validate())
	require.Error(t, Record{ID: "not-a-cve"}.Validate())
	require.Error(t, Record{ID: "CVE-2024-1", CVSSScore: 42}.Validate())
}
