package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/seantiz/foundry/internal/model"

	_ "modernc.org/sqlite"
)

const createRunsTable = `
CREATE TABLE IF NOT EXISTS runs (
    id          TEXT PRIMARY KEY,
    run_id      INTEGER NOT NULL,
    suite       TEXT NOT NULL,
    device_uid  TEXT NOT NULL,
    slot        INTEGER NOT NULL,
    success     INTEGER NOT NULL,
    aborted     INTEGER NOT NULL,
    error_code  INTEGER NOT NULL,
    result_text TEXT NOT NULL,
    failed_step TEXT,
    output      TEXT,
    vals        TEXT,
    elapsed_ms  INTEGER NOT NULL,
    started_at  DATETIME NOT NULL,
    finished_at DATETIME NOT NULL,
    created_at  DATETIME NOT NULL
)`

const createRunsIndex = `CREATE INDEX IF NOT EXISTS runs_suite_created ON runs (suite, created_at)`

const runColumns = `id, run_id, suite, device_uid, slot, success, aborted, error_code,
	result_text, failed_step, output, vals, elapsed_ms, started_at, finished_at, created_at`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// An in-memory database exists per connection.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createRunsTable, createRunsIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate runs: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// InsertRun stores a finished session.
func (s *SQLiteStore) InsertRun(ctx context.Context, r *model.Run) error {
	var vals sql.NullString
	if len(r.Values) > 0 {
		b, err := json.Marshal(r.Values)
		if err != nil {
			return fmt.Errorf("encode values: %w", err)
		}
		vals = sql.NullString{String: string(b), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.RunID, r.Suite, r.DeviceUID, r.Slot, r.Success, r.Aborted, r.ErrorCode,
		r.ResultText, r.FailedStep, r.Output, vals, r.ElapsedMS,
		r.StartedAt, r.FinishedAt, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*model.Run, error) {
	r := &model.Run{}
	var failedStep, output, vals sql.NullString
	if err := sc.Scan(
		&r.ID, &r.RunID, &r.Suite, &r.DeviceUID, &r.Slot, &r.Success, &r.Aborted, &r.ErrorCode,
		&r.ResultText, &failedStep, &output, &vals, &r.ElapsedMS,
		&r.StartedAt, &r.FinishedAt, &r.CreatedAt,
	); err != nil {
		return nil, err
	}
	r.FailedStep = failedStep.String
	r.Output = output.String
	if vals.Valid && vals.String != "" {
		if err := json.Unmarshal([]byte(vals.String), &r.Values); err != nil {
			return nil, fmt.Errorf("decode values: %w", err)
		}
	}
	return r, nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

func (f RunFilter) where() (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.Suite != "" {
		conds = append(conds, "suite = ?")
		args = append(args, f.Suite)
	}
	if f.DeviceUID != "" {
		conds = append(conds, "device_uid = ?")
		args = append(args, f.DeviceUID)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// ListRuns returns a paginated list of runs ordered by created_at DESC,
// along with the total count of matching runs.
func (s *SQLiteStore) ListRuns(ctx context.Context, f RunFilter, limit, offset int) ([]*model.Run, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	where, args := f.where()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs`+where+` ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate runs: %w", err)
	}

	return runs, total, nil
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// MaxRunID returns the highest run id on record.
func (s *SQLiteStore) MaxRunID(ctx context.Context) (int, error) {
	var id sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(run_id) FROM runs").Scan(&id); err != nil {
		return 0, fmt.Errorf("max run id: %w", err)
	}
	return int(id.Int64), nil
}

// GetRunStats aggregates the runs matching f.
func (s *SQLiteStore) GetRunStats(ctx context.Context, f RunFilter) (*RunStats, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	where, args := f.where()
	stats := &RunStats{
		CountByErrorCode: make(map[int]int),
		CountBySuite:     make(map[string]int),
	}

	var avg sql.NullFloat64
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*),
			COALESCE(SUM(success), 0),
			COALESCE(SUM(aborted), 0),
			AVG(CASE WHEN success = 1 THEN elapsed_ms END)
		FROM runs`+where, args...,
	).Scan(&stats.Total, &stats.Passed, &stats.Aborted, &avg)
	if err != nil {
		return nil, fmt.Errorf("aggregate runs: %w", err)
	}
	stats.Failed = stats.Total - stats.Passed
	stats.AvgPassElapsedMS = avg.Float64

	codeWhere := " WHERE error_code != 0"
	if where != "" {
		codeWhere = where + " AND error_code != 0"
	}
	rows, err := tx.QueryContext(ctx,
		`SELECT error_code, COUNT(*) FROM runs`+codeWhere+` GROUP BY error_code ORDER BY error_code`, args...)
	if err != nil {
		return nil, fmt.Errorf("count by error code: %w", err)
	}
	for rows.Next() {
		var code, n int
		if err := rows.Scan(&code, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan error code count: %w", err)
		}
		stats.CountByErrorCode[code] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate error codes: %w", err)
	}

	rows, err = tx.QueryContext(ctx,
		`SELECT suite, COUNT(*) FROM runs`+where+` GROUP BY suite`, args...)
	if err != nil {
		return nil, fmt.Errorf("count by suite: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			return nil, fmt.Errorf("scan suite count: %w", err)
		}
		stats.CountBySuite[name] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate suites: %w", err)
	}

	return stats, nil
}
