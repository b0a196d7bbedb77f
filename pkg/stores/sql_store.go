package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/daalu-io/daalu/pkg/engine"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// ErrRunExists is returned by CreateRun for a duplicate run id.
var ErrRunExists = errors.New("run already exists")

// SQLStore implements the Store interface on SQLite or PostgreSQL
type SQLStore struct {
	db      *sql.DB
	cfg     Config
	dialect dialect
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore creates a new SQL store instance
func NewSQLStore(cfg Config) (*SQLStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	d, err := dialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: is a separate database.
	if d.driver == DriverSQLite && cfg.DSN == ":memory:" {
		cfg.MaxOpenConns, cfg.MaxIdleConns, cfg.ConnMaxLifetime = 1, 1, 0
	}

	return &SQLStore{cfg: cfg, dialect: d}, nil
}

// Open creates, initializes and migrates a store.
func Open(ctx context.Context, cfg Config) (*SQLStore, error) {
	store, err := NewSQLStore(cfg)
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

// Init opens the database connection and verifies it.
func (s *SQLStore) Init(ctx context.Context) error {
	db, err := sql.Open(s.dialect.sqlDriver, s.dialect.dsn(s.cfg.DSN))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
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

// Close closes the database connection
func (s *SQLStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, s.dialect.migrationsDir)
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := s.dialect.migrator(s.db, sourceDriver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection.
func (s *SQLStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.rebind(query), args...)
}

// CreateRun creates a new run record
func (s *SQLStore) CreateRun(ctx context.Context, run *engine.RunRecord) error {
	request, err := json.Marshal(run.Request)
	if err != nil {
		return fmt.Errorf("failed to encode run request: %w", err)
	}

	query := `
		INSERT INTO runs (id, request, status, started_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err = s.exec(ctx, query,
		run.ID,
		string(request),
		string(run.Status),
		run.StartedAt.UTC(),
		run.UpdatedAt.UTC(),
		nullTime(run.CompletedAt),
	)
	if err != nil {
		if s.dialect.isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrRunExists, run.ID)
		}
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

// GetRun retrieves a run by ID
func (s *SQLStore) GetRun(ctx context.Context, id string) (*engine.RunRecord, error) {
	query := `
		SELECT id, request, status, started_at, updated_at, completed_at
		FROM runs
		WHERE id = ?
	`

	run, err := scanRun(s.queryRow(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", engine.ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// UpdateRunStatus updates the status of a run
func (s *SQLStore) UpdateRunStatus(ctx context.Context, id string, status engine.RunStatus, completedAt *time.Time) error {
	query := `
		UPDATE runs
		SET status = ?, updated_at = ?, completed_at = ?
		WHERE id = ?
	`

	result, err := s.exec(ctx, query, string(status), time.Now().UTC(), nullTime(completedAt), id)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("%w: %s", engine.ErrRunNotFound, id)
	}

	return nil
}

// ListRuns lists the most recent runs first
func (s *SQLStore) ListRuns(ctx context.Context, limit int) ([]engine.RunRecord, error) {
	query := `
		SELECT id, request, status, started_at, updated_at, completed_at
		FROM runs
		ORDER BY started_at DESC, id
	`
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []engine.RunRecord{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// AppendCheckpoint appends a phase checkpoint and assigns its sequence number.
func (s *SQLStore) AppendCheckpoint(ctx context.Context, cp *engine.Checkpoint) error {
	query := `
		INSERT INTO checkpoints (
			run_id, component_id, phase, state, attempts, error, description,
			started_at, ended_at, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING seq
	`

	err := s.queryRow(ctx, query,
		cp.RunID,
		cp.ComponentID,
		string(cp.Phase),
		string(cp.State),
		cp.Attempts,
		nullString(cp.Error),
		nullString(cp.Description),
		nullTime(cp.StartedAt),
		nullTime(cp.EndedAt),
		cp.RecordedAt.UTC(),
	).Scan(&cp.Seq)
	if err != nil {
		return fmt.Errorf("failed to append checkpoint: %w", err)
	}

	return nil
}

// LoadCheckpoints returns a run's checkpoints in append order.
func (s *SQLStore) LoadCheckpoints(ctx context.Context, runID string) ([]engine.Checkpoint, error) {
	query := `
		SELECT seq, run_id, component_id, phase, state, attempts, error, description,
			started_at, ended_at, recorded_at
		FROM checkpoints
		WHERE run_id = ?
		ORDER BY seq
	`

	rows, err := s.query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoints: %w", err)
	}
	defer rows.Close()

	checkpoints := []engine.Checkpoint{}
	for rows.Next() {
		var (
			cp                 engine.Checkpoint
			phase, state       string
			errMsg, desc       sql.NullString
			startedAt, endedAt sql.NullTime
		)
		err := rows.Scan(
			&cp.Seq,
			&cp.RunID,
			&cp.ComponentID,
			&phase,
			&state,
			&cp.Attempts,
			&errMsg,
			&desc,
			&startedAt,
			&endedAt,
			&cp.RecordedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		cp.Phase = engine.Phase(phase)
		cp.State = engine.PhaseState(state)
		cp.Error = errMsg.String
		cp.Description = desc.String
		cp.StartedAt = timePtr(startedAt)
		cp.EndedAt = timePtr(endedAt)
		checkpoints = append(checkpoints, cp)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating checkpoints: %w", err)
	}

	return checkpoints, nil
}

// AppendEvent appends an event to the journal
func (s *SQLStore) AppendEvent(ctx context.Context, event *engine.Event) error {
	var payload interface{}
	if len(event.Payload) > 0 {
		data, err := json.Marshal(event.Payload)
		if err != nil {
			return fmt.Errorf("failed to encode event payload: %w", err)
		}
		payload = string(data)
	}

	query := `
		INSERT INTO events (id, run_id, kind, component_id, phase, attempt, environment, context, payload, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.exec(ctx, query,
		event.ID,
		event.RunID,
		string(event.Kind),
		nullString(event.ComponentID),
		nullString(string(event.Phase)),
		event.Attempt,
		nullString(event.Environment),
		nullString(event.Context),
		payload,
		event.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	return nil
}

// GetEvents retrieves the events of a run in publish order
func (s *SQLStore) GetEvents(ctx context.Context, runID string) ([]engine.Event, error) {
	query := `
		SELECT id, run_id, kind, component_id, phase, attempt, environment, context, payload, timestamp
		FROM events
		WHERE run_id = ?
		ORDER BY seq
	`

	rows, err := s.query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []engine.Event{}
	for rows.Next() {
		var (
			event                     engine.Event
			kind                      string
			component, phase, env, kc sql.NullString
			payload                   sql.NullString
		)
		err := rows.Scan(
			&event.ID,
			&event.RunID,
			&kind,
			&component,
			&phase,
			&event.Attempt,
			&env,
			&kc,
			&payload,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.Kind = engine.EventKind(kind)
		event.ComponentID = component.String
		event.Phase = engine.Phase(phase.String)
		event.Environment = env.String
		event.Context = kc.String
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &event.Payload); err != nil {
				return nil, fmt.Errorf("failed to decode event payload: %w", err)
			}
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// CreateAuditEntry creates a new audit log entry
func (s *SQLStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	query := `
		INSERT INTO audit_log (action, actor, target_id, details, timestamp)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id
	`

	err := s.queryRow(ctx, query,
		entry.Action,
		entry.Actor,
		entry.TargetID,
		entry.Details,
		entry.Timestamp.UTC(),
	).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}

	return nil
}

// ListAuditEntries lists audit entries, newest first, optionally filtered by action
func (s *SQLStore) ListAuditEntries(ctx context.Context, action *string, limit int) ([]*AuditEntry, error) {
	query := `
		SELECT id, action, actor, target_id, details, timestamp
		FROM audit_log
		WHERE 1=1
	`
	args := []interface{}{}
	if action != nil {
		query += " AND action = ?"
		args = append(args, *action)
	}
	query += " ORDER BY id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		entry := &AuditEntry{}
		var targetID, details sql.NullString
		if err := rows.Scan(&entry.ID, &entry.Action, &entry.Actor, &targetID, &details, &entry.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entry.TargetID = stringPtr(targetID)
		entry.Details = stringPtr(details)
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*engine.RunRecord, error) {
	var (
		run         engine.RunRecord
		request     string
		status      string
		completedAt sql.NullTime
	)
	if err := row.Scan(&run.ID, &request, &status, &run.StartedAt, &run.UpdatedAt, &completedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(request), &run.Request); err != nil {
		return nil, fmt.Errorf("failed to decode run request: %w", err)
	}
	run.Status = engine.RunStatus(status)
	run.CompletedAt = timePtr(completedAt)
	return &run, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}
