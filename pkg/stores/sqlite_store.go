package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/rightsize/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

var _ Store = (*SQLiteStore)(nil)

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Each connection to :memory: opens a separate database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Open creates, initializes and migrates a store in one call.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	store, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) dsn() string {
	pragmas := []string{"foreign_keys(1)", "busy_timeout(5000)"}
	if s.cfg.Path != ":memory:" {
		pragmas = append(pragmas, "journal_mode(WAL)", "synchronous(NORMAL)")
	}
	params := make([]string, 0, len(pragmas)+1)
	for _, p := range pragmas {
		params = append(params, "_pragma="+p)
	}
	params = append(params, "_txlock=immediate")
	return fmt.Sprintf("file:%s?%s", s.cfg.Path, strings.Join(params, "&"))
}

// Init opens the database connection.
func (s *SQLiteStore) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.dsn())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// RecordRun implements engine.RunRecorder. The run and its steps are written
// in one transaction.
func (s *SQLiteStore) RecordRun(ctx context.Context, result *engine.RunResult) error {
	params, err := json.Marshal(result.Parameters)
	if err != nil {
		return fmt.Errorf("failed to encode parameters: %w", err)
	}
	snapshot, err := json.Marshal(result.Context)
	if err != nil {
		return fmt.Errorf("failed to encode context: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, workflow, fingerprint, status, failing_step, error, error_kind,
			parameters, context, started_at, completed_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		result.RunID,
		result.Workflow,
		result.Fingerprint,
		string(result.Status),
		result.FailingStep,
		result.ErrorMessage(),
		string(engine.KindOf(result.Error)),
		string(params),
		string(snapshot),
		result.StartedAt.UnixMilli(),
		result.CompletedAt.UnixMilli(),
		result.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	for i, step := range result.Steps {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO steps (run_id, seq, name, action, status, attempts, error, cleanup, started_at, duration_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			result.RunID,
			i,
			step.Name,
			string(step.Action),
			string(step.Status),
			step.Attempts,
			step.Error,
			step.Cleanup,
			step.StartedAt.UnixMilli(),
			step.Duration.Milliseconds(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert step %s: %w", step.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

const runColumns = `id, workflow, fingerprint, status, failing_step, error, error_kind,
	parameters, context, started_at, completed_at, duration_ms`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		run                         Run
		status, kind                string
		params, snapshot            string
		started, completed, elapsed int64
	)
	if err := row.Scan(
		&run.ID,
		&run.Workflow,
		&run.Fingerprint,
		&status,
		&run.FailingStep,
		&run.Error,
		&kind,
		&params,
		&snapshot,
		&started,
		&completed,
		&elapsed,
	); err != nil {
		return nil, err
	}
	run.Status = engine.RunStatus(status)
	run.ErrorKind = engine.ErrorKind(kind)
	run.StartedAt = time.UnixMilli(started).UTC()
	run.CompletedAt = time.UnixMilli(completed).UTC()
	run.Duration = time.Duration(elapsed) * time.Millisecond
	if err := json.Unmarshal([]byte(params), &run.Parameters); err != nil {
		return nil, fmt.Errorf("failed to decode parameters of run %s: %w", run.ID, err)
	}
	if err := json.Unmarshal([]byte(snapshot), &run.Context); err != nil {
		return nil, fmt.Errorf("failed to decode context of run %s: %w", run.ID, err)
	}
	return &run, nil
}

// GetRun retrieves a run and its steps by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	run.Steps, err = s.ListSteps(ctx, id)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns runs newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.Workflow != "" {
		where = append(where, "workflow = ?")
		args = append(args, filter.Workflow)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if !filter.Since.IsZero() {
		where = append(where, "started_at >= ?")
		args = append(args, filter.Since.UnixMilli())
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id"

	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListSteps returns the step records of a run in execution order.
func (s *SQLiteStore) ListSteps(ctx context.Context, runID string) ([]engine.StepRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, action, status, attempts, error, cleanup, started_at, duration_ms
		FROM steps
		WHERE run_id = ?
		ORDER BY seq
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	var steps []engine.StepRecord
	for rows.Next() {
		var (
			rec              engine.StepRecord
			action, status   string
			started, elapsed int64
		)
		if err := rows.Scan(&rec.Name, &action, &status, &rec.Attempts, &rec.Error, &rec.Cleanup, &started, &elapsed); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		rec.Action = engine.Action(action)
		rec.Status = engine.StepStatus(status)
		rec.StartedAt = time.UnixMilli(started).UTC()
		rec.Duration = time.Duration(elapsed) * time.Millisecond
		steps = append(steps, rec)
	}
	return steps, rows.Err()
}

// DeleteRun deletes a run and its steps.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE run_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete events: %w", err)
	}
	return nil
}

// PruneRuns deletes runs that started before the cutoff and returns how many
// were removed.
func (s *SQLiteStore) PruneRuns(ctx context.Context, before time.Time) (int64, error) {
	cutoff := before.UnixMilli()
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE run_id IN (SELECT id FROM runs WHERE started_at < ?)`, cutoff); err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	return result.RowsAffected()
}

// AppendEvent stores a lifecycle event.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	data, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("failed to encode event data: %w", err)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (id, run_id, step, type, level, message, data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		event.ID,
		event.RunID,
		event.Step,
		event.Type,
		event.Level,
		event.Message,
		string(data),
		event.Timestamp.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// GetEvents returns the events of a run, oldest first. A non-positive limit
// returns all of them.
func (s *SQLiteStore) GetEvents(ctx context.Context, runID string, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, step, type, level, message, data, timestamp
		FROM events
		WHERE run_id = ?
		ORDER BY timestamp, rowid
		LIMIT ?
	`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var (
			e    Event
			data string
			ts   int64
		)
		if err := rows.Scan(&e.ID, &e.RunID, &e.Step, &e.Type, &e.Level, &e.Message, &data, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if err := json.Unmarshal([]byte(data), &e.Data); err != nil {
			return nil, fmt.Errorf("failed to decode event data: %w", err)
		}
		e.Timestamp = time.UnixMilli(ts).UTC()
		events = append(events, &e)
	}
	return events, rows.Err()
}

// HealthCheck verifies the database connection.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}
