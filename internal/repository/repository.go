// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration and migrates the
// schema.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := Migrate(db, cfg.Driver); err != nil {
		db.Close()
		return nil, err
	}

	return NewWithDB(db, cfg.Driver), nil
}

// NewWithDB wraps an already migrated connection.
func NewWithDB(db *sql.DB, driver string) *SQLRepository {
	return &SQLRepository{db: db, driver: driver}
}

// SaveTestSet inserts or replaces a test set together with its KPIs and
// results.
func (r *SQLRepository) SaveTestSet(ctx context.Context, ts *domain.TestSet) error {
	if ts == nil || strings.TrimSpace(ts.ID) == "" {
		return fmt.Errorf("%w: test set id is required", ErrInvalidInput)
	}

	now := time.Now().UTC()
	if ts.CreatedAt.IsZero() {
		ts.CreatedAt = now
	}
	ts.UpdatedAt = now

	source, err := encode(ts.Source)
	if err != nil {
		return err
	}
	target, err := encode(ts.Target)
	if err != nil {
		return err
	}
	mismatches, err := encode(ts.Mismatches)
	if err != nil {
		return err
	}

	return r.inTx(ctx, func(tx *sql.Tx) error {
		query := `
			INSERT INTO test_sets (
				id, name, source_rows, target_rows, mismatches,
				record_count, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				name = excluded.name,
				source_rows = excluded.source_rows,
				target_rows = excluded.target_rows,
				mismatches = excluded.mismatches,
				record_count = excluded.record_count,
				updated_at = excluded.updated_at
		`
		if _, err := tx.ExecContext(ctx, r.rebind(query),
			ts.ID, ts.Name, source, target, mismatches,
			len(ts.Target), ts.CreatedAt, ts.UpdatedAt,
		); err != nil {
			return err
		}

		if err := r.replaceKPIs(ctx, tx, ts.ID, ts.KPIs); err != nil {
			return err
		}
		return r.replaceResults(ctx, tx, ts.ID, ts.Results, now)
	})
}

// GetTestSet retrieves a test set with its KPIs and results in stored order.
func (r *SQLRepository) GetTestSet(ctx context.Context, id string) (*domain.TestSet, error) {
	query := `
		SELECT id, name, source_rows, target_rows, mismatches, created_at, updated_at
		FROM test_sets
		WHERE id = ?
	`

	var ts domain.TestSet
	var source, target, mismatches string

	err := r.db.QueryRowContext(ctx, r.rebind(query), id).Scan(
		&ts.ID, &ts.Name, &source, &target, &mismatches,
		&ts.CreatedAt, &ts.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := decode(source, &ts.Source); err != nil {
		return nil, fmt.Errorf("source rows: %w", err)
	}
	if err := decode(target, &ts.Target); err != nil {
		return nil, fmt.Errorf("target rows: %w", err)
	}
	if err := decode(mismatches, &ts.Mismatches); err != nil {
		return nil, fmt.Errorf("mismatches: %w", err)
	}

	if ts.KPIs, err = r.listKPIs(ctx, id); err != nil {
		return nil, err
	}
	if ts.Results, err = r.listResults(ctx, id); err != nil {
		return nil, err
	}

	return &ts, nil
}

// ListTestSets returns all test sets, most recently updated first.
func (r *SQLRepository) ListTestSets(ctx context.Context) ([]*domain.TestSetInfo, error) {
	query := `
		SELECT t.id, t.name, t.record_count,
			(SELECT COUNT(*) FROM kpis k WHERE k.test_set_id = t.id),
			(SELECT COUNT(*) FROM results res WHERE res.test_set_id = t.id),
			t.created_at, t.updated_at
		FROM test_sets t
		ORDER BY t.updated_at DESC, t.id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var infos []*domain.TestSetInfo
	for rows.Next() {
		var info domain.TestSetInfo
		if err := rows.Scan(
			&info.ID, &info.Name, &info.RecordCount,
			&info.KPICount, &info.ResultCount,
			&info.CreatedAt, &info.UpdatedAt,
		); err != nil {
			return nil, err
		}
		infos = append(infos, &info)
	}

	return infos, rows.Err()
}

// DeleteTestSet removes a test set and everything attached to it.
func (r *SQLRepository) DeleteTestSet(ctx context.Context, id string) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, r.rebind(`DELETE FROM results WHERE test_set_id = ?`), id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, r.rebind(`DELETE FROM kpis WHERE test_set_id = ?`), id); err != nil {
			return err
		}

		result, err := tx.ExecContext(ctx, r.rebind(`DELETE FROM test_sets WHERE id = ?`), id)
		if err != nil {
			return err
		}
		n, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// SaveKPIs replaces the KPI list of a test set. Stored results were scored
// against the old KPIs and are discarded.
func (r *SQLRepository) SaveKPIs(ctx context.Context, testSetID string, kpis []domain.KPI) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		if err := r.touch(ctx, tx, testSetID); err != nil {
			return err
		}
		if err := r.replaceKPIs(ctx, tx, testSetID, kpis); err != nil {
			return err
		}
		return r.replaceResults(ctx, tx, testSetID, nil, time.Now().UTC())
	})
}

// SaveResults replaces every stored result of a test set.
func (r *SQLRepository) SaveResults(ctx context.Context, testSetID string, results []domain.EvaluationResult) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		if err := r.touch(ctx, tx, testSetID); err != nil {
			return err
		}
		return r.replaceResults(ctx, tx, testSetID, results, time.Now().UTC())
	})
}

// SaveResult upserts one result by MSID. A new MSID is appended after the
// existing results.
func (r *SQLRepository) SaveResult(ctx context.Context, testSetID string, result *domain.EvaluationResult) error {
	if result == nil || result.MSID == "" {
		return fmt.Errorf("%w: result msid is required", ErrInvalidInput)
	}
	scores, err := encode(result.Scores)
	if err != nil {
		return err
	}

	return r.inTx(ctx, func(tx *sql.Tx) error {
		if err := r.touch(ctx, tx, testSetID); err != nil {
			return err
		}

		var next int
		err := tx.QueryRowContext(ctx,
			r.rebind(`SELECT COALESCE(MAX(ordinal), -1) + 1 FROM results WHERE test_set_id = ?`),
			testSetID,
		).Scan(&next)
		if err != nil {
			return err
		}

		query := `
			INSERT INTO results (test_set_id, msid, ordinal, scores, failed, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (test_set_id, msid) DO UPDATE SET
				scores = excluded.scores,
				failed = excluded.failed,
				updated_at = excluded.updated_at
		`
		_, err = tx.ExecContext(ctx, r.rebind(query),
			testSetID, result.MSID, next, scores, boolToInt(result.Failed()), time.Now().UTC(),
		)
		return err
	})
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// touch bumps updated_at and reports ErrNotFound for an unknown test set.
func (r *SQLRepository) touch(ctx context.Context, tx *sql.Tx, testSetID string) error {
	result, err := tx.ExecContext(ctx,
		r.rebind(`UPDATE test_sets SET updated_at = ? WHERE id = ?`),
		time.Now().UTC(), testSetID,
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SQLRepository) replaceKPIs(ctx context.Context, tx *sql.Tx, testSetID string, kpis []domain.KPI) error {
	if _, err := tx.ExecContext(ctx, r.rebind(`DELETE FROM kpis WHERE test_set_id = ?`), testSetID); err != nil {
		return err
	}

	query := r.rebind(`
		INSERT INTO kpis (test_set_id, id, ordinal, name, description, short_name, expression)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	for i, k := range kpis {
		if _, err := tx.ExecContext(ctx, query,
			testSetID, k.ID, i, k.Name, k.Description, k.ShortName, k.Expression,
		); err != nil {
			return fmt.Errorf("save kpi %d: %w", k.ID, err)
		}
	}
	return nil
}

func (r *SQLRepository) replaceResults(ctx context.Context, tx *sql.Tx, testSetID string, results []domain.EvaluationResult, now time.Time) error {
	if _, err := tx.ExecContext(ctx, r.rebind(`DELETE FROM results WHERE test_set_id = ?`), testSetID); err != nil {
		return err
	}

	query := r.rebind(`
		INSERT INTO results (test_set_id, msid, ordinal, scores, failed, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	for i := range results {
		scores, err := encode(results[i].Scores)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query,
			testSetID, results[i].MSID, i, scores, boolToInt(results[i].Failed()), now,
		); err != nil {
			return fmt.Errorf("save result %s: %w", results[i].MSID, err)
		}
	}
	return nil
}

func (r *SQLRepository) listKPIs(ctx context.Context, testSetID string) ([]domain.KPI, error) {
	query := `
		SELECT id, name, description, short_name, expression
		FROM kpis
		WHERE test_set_id = ?
		ORDER BY ordinal
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), testSetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	kpis := []domain.KPI{}
	for rows.Next() {
		var k domain.KPI
		if err := rows.Scan(&k.ID, &k.Name, &k.Description, &k.ShortName, &k.Expression); err != nil {
			return nil, err
		}
		kpis = append(kpis, k)
	}
	return kpis, rows.Err()
}

func (r *SQLRepository) listResults(ctx context.Context, testSetID string) ([]domain.EvaluationResult, error) {
	query := `
		SELECT msid, scores
		FROM results
		WHERE test_set_id = ?
		ORDER BY ordinal
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), testSetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []domain.EvaluationResult{}
	for rows.Next() {
		var res domain.EvaluationResult
		var scores string
		if err := rows.Scan(&res.MSID, &scores); err != nil {
			return nil, err
		}
		if err := decode(scores, &res.Scores); err != nil {
			return nil, fmt.Errorf("scores for %s: %w", res.MSID, err)
		}
		results = append(results, res)
	}
	return results, rows.Err()
}

func (r *SQLRepository) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

func encode(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode: %w", err)
	}
	return string(b), nil
}

func decode(s string, v any) error {
	if s == "" || s == "null" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
