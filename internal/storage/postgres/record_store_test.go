package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/seclens/cvewatch/internal/cve"
)

func testRecord(now time.Time) cve.Record {
	return cve.Record{
		ID:             "CVE-2026-0001",
		Title:          "Widget parser overflow",
		Description:    "Crafted input overflows the widget parser.",
		Status:         cve.StatusNew,
		Severity:       cve.SeverityHigh,
		CVSSScore:      8.1,
		CommentCount:   2,
		CreatedAt:      now,
		CreatedBy:      cve.ActorCrawler,
		LastModifiedAt: now,
		LastModifiedBy: cve.ActorCrawler,
		References: []cve.Reference{
			{URL: "https://example.com/adv/1", Source: "example.com"},
		},
	}
}

func recordRow(rec cve.Record, t *testing.T) *pgxmock.Rows {
	t.Helper()
	refs, err := json.Marshal(rec.References)
	require.NoError(t, err)
	pocs, err := json.Marshal(rec.ProofsOfConcept)
	require.NoError(t, err)
	rules, err := json.Marshal(rec.DetectionRules)
	require.NoError(t, err)
	history, err := json.Marshal(rec.ModificationHistory)
	require.NoError(t, err)

	return pgxmock.NewRows([]string{
		"id", "title", "description", "status", "severity", "cvss_score", "comment_count",
		"created_at", "created_by", "last_modified_at", "last_modified_by",
		"refs", "proofs_of_concept", "detection_rules", "modification_history",
	}).AddRow(
		rec.ID, rec.Title, rec.Description, string(rec.Status), string(rec.Severity),
		rec.CVSSScore, rec.CommentCount,
		rec.CreatedAt, rec.CreatedBy, rec.LastModifiedAt, rec.LastModifiedBy,
		refs, pocs, rules, history,
	)
}

func TestGetReturnsRecord(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRecordStoreWithPool(mock, "cve_records")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	rec := testRecord(now)

	mock.ExpectQuery("SELECT (.+) FROM cve_records WHERE id").
		WithArgs("CVE-2026-0001").
		WillReturnRows(recordRow(rec, t))

	got, err := store.Get(context.Background(), "cve-2026-0001")
	require.NoError(t, err)
	require.Equal(t, rec.ID, got.ID)
	require.Equal(t, rec.Severity, got.Severity)
	require.Len(t, got.References, 1)
	require.Equal(t, "https://example.com/adv/1", got.References[0].URL)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMissingIsNotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRecordStoreWithPool(mock, "cve_records")
	require.NoError(t, err)

	mock.ExpectQuery("SELECT (.+) FROM cve_records WHERE id").
		WithArgs("CVE-2026-9999").
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	_, err = store.Get(context.Background(), "CVE-2026-9999")
	require.ErrorIs(t, err, cve.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertWritesAllColumns(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRecordStoreWithPool(mock, "cve_records")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	rec := testRecord(now)
	rec.ID = "cve-2026-0001"

	refs, err := json.Marshal(rec.References)
	require.NoError(t, err)
	empty, err := json.Marshal([]cve.ProofOfConcept(nil))
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO cve_records").
		WithArgs(
			"CVE-2026-0001",
			rec.Title,
			rec.Description,
			string(rec.Status),
			string(rec.Severity),
			rec.CVSSScore,
			rec.CommentCount,
			rec.CreatedAt,
			rec.CreatedBy,
			rec.LastModifiedAt,
			rec.LastModifiedBy,
			refs,
			empty,
			empty,
			empty,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	stored, err := store.Upsert(context.Background(), rec)
	require.NoError(t, err)
	require.Equal(t, "CVE-2026-0001", stored.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindWithProjectionFiltersAndProjects(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRecordStoreWithPool(mock, "cve_records")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	rec := testRecord(now)

	mock.ExpectQuery("SELECT (.+) FROM cve_records WHERE severity = \\$1 ORDER BY last_modified_at DESC LIMIT \\$2 OFFSET \\$3").
		WithArgs(string(cve.SeverityHigh), 10, 5).
		WillReturnRows(recordRow(rec, t))

	records, err := store.FindWithProjection(
		context.Background(),
		cve.Filter{Severity: cve.SeverityHigh},
		[]string{cve.FieldTitle, cve.FieldSeverity},
		5, 10,
		"last_modified",
	)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, rec.ID, records[0].ID)
	require.Equal(t, rec.Title, records[0].Title)
	require.Equal(t, rec.Severity, records[0].Severity)
	// Projection strips unrequested fields.
	require.Empty(t, records[0].Description)
	require.Empty(t, records[0].References)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountAppliesFilter(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRecordStoreWithPool(mock, "cve_records")
	require.NoError(t, err)

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM cve_records WHERE status = \\$1").
		WithArgs(string(cve.StatusConfirmed)).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(7)))

	n, err := store.Count(context.Background(), cve.Filter{Status: cve.StatusConfirmed})
	require.NoError(t, err)
	require.Equal(t, int64(7), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteByIDReportsExistence(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRecordStoreWithPool(mock, "cve_records")
	require.NoError(t, err)

	mock.ExpectExec("DELETE FROM cve_records WHERE id").
		WithArgs("CVE-2026-0001").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec("DELETE FROM cve_records WHERE id").
		WithArgs("CVE-2026-9999").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	ok, err := store.DeleteByID(context.Background(), "cve-2026-0001")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.DeleteByID(context.Background(), "CVE-2026-9999")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExists(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRecordStoreWithPool(mock, "cve_records")
	require.NoError(t, err)

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("CVE-2026-0001").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := store.Exists(context.Background(), "cve-2026-0001")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRejectsInvalidTableName(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewRecordStoreWithPool(mock, "cve_records; DROP TABLE students")
	require.Error(t, err)
}
