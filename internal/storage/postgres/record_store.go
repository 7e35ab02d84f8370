// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/seclens/cvewatch/internal/cve"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// RecordStoreConfig controls the Postgres connection pool used for
// record rows.
type RecordStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// RecordStore is a Postgres-backed cve.RecordRepository. Scalar fields
// live in columns; collections and history are stored as JSONB.
type RecordStore struct {
	pool  pgxIface
	table string
}

// NewRecordStore creates a Postgres-backed RecordStore using the
// provided config.
func NewRecordStore(ctx context.Context, cfg RecordStoreConfig) (*RecordStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "cve_records"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &RecordStore{pool: pool, table: table}, nil
}

// NewRecordStoreWithPool constructs a store from an existing pool
// (primarily for testing).
func NewRecordStoreWithPool(pool pgxIface, table string) (*RecordStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "cve_records"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &RecordStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *RecordStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const recordColumns = `id, title, description, status, severity, cvss_score, comment_count,
created_at, created_by, last_modified_at, last_modified_by,
refs, proofs_of_concept, detection_rules, modification_history`

// Get returns the record for id or cve.ErrNotFound.
func (s *RecordStore) Get(ctx context.Context, id string) (cve.Record, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, recordColumns, s.table)
	row := s.pool.QueryRow(ctx, query, cve.CanonicalID(id))
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return cve.Record{}, cve.ErrNotFound
		}
		return cve.Record{}, fmt.Errorf("get record: %w", err)
	}
	return rec, nil
}

// FindWithProjection lists records matching the filter, sorted, paged,
// and reduced to the projected fields. An empty projection keeps all
// fields; the id always survives projection.
func (s *RecordStore) FindWithProjection(
	ctx context.Context,
	filter cve.Filter,
	projection []string,
	skip, limit int,
	sortBy string,
) ([]cve.Record, error) {
	where, args := buildFilter(filter)

	order := "id ASC"
	if sortBy == "last_modified" {
		order = "last_modified_at DESC"
	}

	query := fmt.Sprintf(`SELECT %s FROM %s%s ORDER BY %s`, recordColumns, s.table, where, order)
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if skip > 0 {
		args = append(args, skip)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	records := make([]cve.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if len(projection) > 0 {
			rec = cve.Project(rec, projection)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}

// Count returns the number of records matching the filter.
func (s *RecordStore) Count(ctx context.Context, filter cve.Filter) (int64, error) {
	where, args := buildFilter(filter)
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s%s`, s.table, where)

	var n int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// Upsert stores the record under its canonical id.
func (s *RecordStore) Upsert(ctx context.Context, rec cve.Record) (cve.Record, error) {
	rec.ID = cve.CanonicalID(rec.ID)

	refs, err := json.Marshal(rec.References)
	if err != nil {
		return cve.Record{}, fmt.Errorf("marshal references: %w", err)
	}
	pocs, err := json.Marshal(rec.ProofsOfConcept)
	if err != nil {
		return cve.Record{}, fmt.Errorf("marshal proofs of concept: %w", err)
	}
	rules, err := json.Marshal(rec.DetectionRules)
	if err != nil {
		return cve.Record{}, fmt.Errorf("marshal detection rules: %w", err)
	}
	history, err := json.Marshal(rec.ModificationHistory)
	if err != nil {
		return cve.Record{}, fmt.Errorf("marshal modification history: %w", err)
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	id, title, description, status, severity, cvss_score, comment_count,
	created_at, created_by, last_modified_at, last_modified_by,
	refs, proofs_of_concept, detection_rules, modification_history
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15
)
ON CONFLICT (id) DO UPDATE SET
	title = EXCLUDED.title,
	description = EXCLUDED.description,
	status = EXCLUDED.status,
	severity = EXCLUDED.severity,
	cvss_score = EXCLUDED.cvss_score,
	comment_count = EXCLUDED.comment_count,
	last_modified_at = EXCLUDED.last_modified_at,
	last_modified_by = EXCLUDED.last_modified_by,
	refs = EXCLUDED.refs,
	proofs_of_concept = EXCLUDED.proofs_of_concept,
	detection_rules = EXCLUDED.detection_rules,
	modification_history = EXCLUDED.modification_history`, s.table)

	args := []any{
		rec.ID,
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
		pocs,
		rules,
		history,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return cve.Record{}, fmt.Errorf("upsert record: %w", err)
	}
	return rec, nil
}

// DeleteByID removes the record, reporting whether it existed.
func (s *RecordStore) DeleteByID(ctx context.Context, id string) (bool, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.table)
	tag, err := s.pool.Exec(ctx, query, cve.CanonicalID(id))
	if err != nil {
		return false, fmt.Errorf("delete record: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Exists reports whether a record with the id is stored.
func (s *RecordStore) Exists(ctx context.Context, id string) (bool, error) {
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, s.table)
	var exists bool
	if err := s.pool.QueryRow(ctx, query, cve.CanonicalID(id)).Scan(&exists); err != nil {
		return false, fmt.Errorf("check record existence: %w", err)
	}
	return exists, nil
}

func buildFilter(filter cve.Filter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if filter.Severity != "" {
		args = append(args, string(filter.Severity))
		clauses = append(clauses, fmt.Sprintf("severity = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Search != "" {
		args = append(args, "%"+filter.Search+"%")
		n := len(args)
		clauses = append(clauses, fmt.Sprintf("(id ILIKE $%d OR title ILIKE $%d OR description ILIKE $%d)", n, n, n))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	where := " WHERE " + clauses[0]
	for _, clause := range clauses[1:] {
		where += " AND " + clause
	}
	return where, args
}

func scanRecord(row pgx.Row) (cve.Record, error) {
	var (
		rec      cve.Record
		status   string
		severity string
		refs     []byte
		pocs     []byte
		rules    []byte
		history  []byte
	)
	err := row.Scan(
		&rec.ID,
		&rec.Title,
		&rec.Description,
		&status,
		&severity,
		&rec.CVSSScore,
		&rec.CommentCount,
		&rec.CreatedAt,
		&rec.CreatedBy,
		&rec.LastModifiedAt,
		&rec.LastModifiedBy,
		&refs,
		&pocs,
		&rules,
		&history,
	)
	if err != nil {
		return cve.Record{}, err
	}
	rec.Status = cve.Status(status)
	rec.Severity = cve.Severity(severity)
	if err := unmarshalInto(refs, &rec.References); err != nil {
		return cve.Record{}, fmt.Errorf("unmarshal references: %w", err)
	}
	if err := unmarshalInto(pocs, &rec.ProofsOfConcept); err != nil {
		return cve.Record{}, fmt.Errorf("unmarshal proofs of concept: %w", err)
	}
	if err := unmarshalInto(rules, &rec.DetectionRules); err != nil {
		return cve.Record{}, fmt.Errorf("unmarshal detection rules: %w", err)
	}
	if err := unmarshalInto(history, &rec.ModificationHistory); err != nil {
		return cve.Record{}, fmt.Errorf("unmarshal modification history: %w", err)
	}
	return rec, nil
}

func unmarshalInto(raw []byte, target any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, target)
}
