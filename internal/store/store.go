// Package store is the durable KV/index adapter backing the task queue: a
// single SQLite file opened with the mattn/go-sqlite3 cgo driver, one writer
// connection, WAL journaling, and a checksum-gated schema migration ledger.
// No other package may open this file directly.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/agentcom/agentcom/internal/coreerr"
)

const (
	schemaVersion  = 1
	schemaChecksum = "agentcom-v1-task-kernel"
)

// TaskRecord is the on-disk shape of a task row. internal/taskqueue owns the
// richer domain Task type and converts to/from this at the store boundary.
type TaskRecord struct {
	ID                 string
	Description        string
	Metadata           []byte // JSON object
	Priority           int
	Status             string
	AssignedTo         string
	AssignedAtMs       int64
	CreatedAtMs        int64
	UpdatedAtMs        int64
	CompleteByMs       int64
	Generation         int64
	RetryCount         int
	MaxRetries         int
	NeededCapabilities []byte // JSON array
	DependsOn          []byte // JSON array
	Repo               string
	RoutingDecision    []byte // JSON object, nullable
	LastError          string
	Result             []byte // JSON value, nullable
	History            []byte // JSON array, capped at 50 entries by the caller
}

// Store owns the single SQLite connection for the task kernel.
type Store struct {
	db *sql.DB
}

// Open creates the database file (and parent directories) if needed,
// configures pragmas for a single durable writer, and runs the schema
// migration ledger.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store: empty path")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create db directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("store: set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version   INTEGER PRIMARY KEY,
			checksum  TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`); err != nil {
		return fmt.Errorf("store: create schema_migrations: %w", err)
	}

	var existingChecksum string
	err = tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&existingChecksum)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if err := s.createTablesV1(ctx, tx); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);`, schemaVersion, schemaChecksum); err != nil {
			return fmt.Errorf("store: record schema version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("store: read schema_migrations: %w", err)
	case existingChecksum != schemaChecksum:
		return fmt.Errorf("store: schema checksum mismatch at version %d: on-disk %q, binary expects %q", schemaVersion, existingChecksum, schemaChecksum)
	}

	return tx.Commit()
}

func (s *Store) createTablesV1(ctx context.Context, tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id                  TEXT PRIMARY KEY,
			description         TEXT NOT NULL,
			metadata            TEXT NOT NULL DEFAULT '{}',
			priority            INTEGER NOT NULL,
			status              TEXT NOT NULL,
			assigned_to         TEXT NOT NULL DEFAULT '',
			assigned_at_ms      INTEGER NOT NULL DEFAULT 0,
			created_at_ms       INTEGER NOT NULL,
			updated_at_ms       INTEGER NOT NULL,
			complete_by_ms      INTEGER NOT NULL DEFAULT 0,
			generation          INTEGER NOT NULL DEFAULT 0,
			retry_count         INTEGER NOT NULL DEFAULT 0,
			max_retries         INTEGER NOT NULL DEFAULT 0,
			needed_capabilities TEXT NOT NULL DEFAULT '[]',
			depends_on          TEXT NOT NULL DEFAULT '[]',
			repo                TEXT NOT NULL DEFAULT '',
			routing_decision    TEXT,
			last_error          TEXT NOT NULL DEFAULT '',
			result              TEXT,
			history             TEXT NOT NULL DEFAULT '[]'
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_priority_created ON tasks(priority, created_at_ms);`,
		`CREATE TABLE IF NOT EXISTS task_dead_letter (
			id                  TEXT PRIMARY KEY,
			description         TEXT NOT NULL,
			metadata            TEXT NOT NULL DEFAULT '{}',
			priority            INTEGER NOT NULL,
			generation          INTEGER NOT NULL,
			retry_count         INTEGER NOT NULL,
			max_retries         INTEGER NOT NULL,
			needed_capabilities TEXT NOT NULL DEFAULT '[]',
			depends_on          TEXT NOT NULL DEFAULT '[]',
			repo                TEXT NOT NULL DEFAULT '',
			routing_decision    TEXT,
			last_error          TEXT NOT NULL DEFAULT '',
			history             TEXT NOT NULL DEFAULT '[]',
			created_at_ms       INTEGER NOT NULL,
			dead_lettered_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS task_events (
			event_id    INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id     TEXT NOT NULL,
			event       TEXT NOT NULL,
			details     TEXT NOT NULL DEFAULT '{}',
			at_ms       INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_task_id ON task_events(task_id);`,
		`CREATE TABLE IF NOT EXISTS agentcom_config (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS session_backoff (
			agent_id      TEXT PRIMARY KEY,
			offense_count INTEGER NOT NULL DEFAULT 0,
			until_ms      INTEGER NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: create table: %w", err)
		}
	}
	return nil
}

// retryOnBusy retries f while SQLite reports BUSY/LOCKED, using bounded
// exponential backoff with jitter on top of the driver's own busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay/2) + 1))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

const taskColumns = `id, description, metadata, priority, status, assigned_to, assigned_at_ms,
	created_at_ms, updated_at_ms, complete_by_ms, generation, retry_count, max_retries,
	needed_capabilities, depends_on, repo, routing_decision, last_error, result, history`

func scanTask(row interface{ Scan(...any) error }) (*TaskRecord, error) {
	var t TaskRecord
	var routingDecision, result sql.NullString
	if err := row.Scan(
		&t.ID, &t.Description, &t.Metadata, &t.Priority, &t.Status, &t.AssignedTo, &t.AssignedAtMs,
		&t.CreatedAtMs, &t.UpdatedAtMs, &t.CompleteByMs, &t.Generation, &t.RetryCount, &t.MaxRetries,
		&t.NeededCapabilities, &t.DependsOn, &t.Repo, &routingDecision, &t.LastError, &result, &t.History,
	); err != nil {
		return nil, err
	}
	if routingDecision.Valid {
		t.RoutingDecision = []byte(routingDecision.String)
	}
	if result.Valid {
		t.Result = []byte(result.String)
	}
	return &t, nil
}

// InsertTask persists a brand-new queued task row.
func (s *Store) InsertTask(ctx context.Context, t *TaskRecord) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (`+taskColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
			t.ID, t.Description, string(t.Metadata), t.Priority, t.Status, t.AssignedTo, t.AssignedAtMs,
			t.CreatedAtMs, t.UpdatedAtMs, t.CompleteByMs, t.Generation, t.RetryCount, t.MaxRetries,
			string(t.NeededCapabilities), string(t.DependsOn), t.Repo, nullableJSON(t.RoutingDecision),
			t.LastError, nullableJSON(t.Result), string(t.History),
		)
		return err
	})
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// GetTask looks up an active (non-dead-letter) task row.
func (s *Store) GetTask(ctx context.Context, id string) (*TaskRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, coreerr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get task %s: %w", id, coreerr.ErrTableCorrupted)
	}
	return t, nil
}

// ReplaceTask overwrites every mutable column of an existing task row inside
// a single statement, matching the "persist whole record" style the queue
// actor uses after computing a full next-state value.
func (s *Store) ReplaceTask(ctx context.Context, t *TaskRecord) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET
				description = ?, metadata = ?, priority = ?, status = ?, assigned_to = ?,
				assigned_at_ms = ?, updated_at_ms = ?, complete_by_ms = ?, generation = ?,
				retry_count = ?, max_retries = ?, needed_capabilities = ?, depends_on = ?,
				repo = ?, routing_decision = ?, last_error = ?, result = ?, history = ?
			WHERE id = ?;`,
			t.Description, string(t.Metadata), t.Priority, t.Status, t.AssignedTo,
			t.AssignedAtMs, t.UpdatedAtMs, t.CompleteByMs, t.Generation,
			t.RetryCount, t.MaxRetries, string(t.NeededCapabilities), string(t.DependsOn),
			t.Repo, nullableJSON(t.RoutingDecision), t.LastError, nullableJSON(t.Result), string(t.History),
			t.ID,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return coreerr.ErrNotFound
		}
		return nil
	})
}

// DeleteTask removes an active task row, used when moving a task to dead-letter.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?;`, id)
		return err
	})
}

// ListTasks returns every active task row; filtering by status/priority/
// assignee is done by the caller (internal/taskqueue) over the decoded set
// so the store stays a dumb keyed table as §4.6 requires.
func (s *Store) ListTasks(ctx context.Context) ([]*TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY priority ASC, created_at_ms ASC;`)
	if err != nil {
		return nil, fmt.Errorf("store: list tasks: %w", coreerr.ErrTableCorrupted)
	}
	defer rows.Close()

	var out []*TaskRecord
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan task: %w", coreerr.ErrTableCorrupted)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// InsertDeadLetter moves a task record into the dead-letter table. Callers
// must delete the active row themselves inside the same logical operation.
func (s *Store) InsertDeadLetter(ctx context.Context, t *TaskRecord, deadLetteredAtMs int64) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT OR REPLACE INTO task_dead_letter
				(id, description, metadata, priority, generation, retry_count, max_retries,
				 needed_capabilities, depends_on, repo, routing_decision, last_error, history,
				 created_at_ms, dead_lettered_at_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
			t.ID, t.Description, string(t.Metadata), t.Priority, t.Generation, t.RetryCount, t.MaxRetries,
			string(t.NeededCapabilities), string(t.DependsOn), t.Repo, nullableJSON(t.RoutingDecision),
			t.LastError, string(t.History), t.CreatedAtMs, deadLetteredAtMs,
		)
		return err
	})
}

// GetDeadLetter looks up a dead-letter row.
func (s *Store) GetDeadLetter(ctx context.Context, id string) (*TaskRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, description, metadata, priority, generation, retry_count, max_retries,
			needed_capabilities, depends_on, repo, routing_decision, last_error, history, created_at_ms
		FROM task_dead_letter WHERE id = ?;`, id)

	var t TaskRecord
	var routingDecision sql.NullString
	err := row.Scan(
		&t.ID, &t.Description, &t.Metadata, &t.Priority, &t.Generation, &t.RetryCount, &t.MaxRetries,
		&t.NeededCapabilities, &t.DependsOn, &t.Repo, &routingDecision, &t.LastError, &t.History, &t.CreatedAtMs,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, coreerr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get dead letter %s: %w", id, coreerr.ErrTableCorrupted)
	}
	if routingDecision.Valid {
		t.RoutingDecision = []byte(routingDecision.String)
	}
	return &t, nil
}

// DeleteDeadLetter removes a dead-letter row, used when an operator retries it.
func (s *Store) DeleteDeadLetter(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM task_dead_letter WHERE id = ?;`, id)
		return err
	})
}

// CountDeadLetter reports the number of dead-letter rows for stats().
func (s *Store) CountDeadLetter(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM task_dead_letter;`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count dead letter: %w", coreerr.ErrTableCorrupted)
	}
	return n, nil
}

// AppendTaskEvent records a durable audit-trail row, independent of the
// capped in-memory history kept on the task itself.
func (s *Store) AppendTaskEvent(ctx context.Context, taskID, event string, details []byte, atMs int64) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO task_events (task_id, event, details, at_ms) VALUES (?, ?, ?, ?);`,
			taskID, event, string(details), atMs,
		)
		return err
	})
}

// ConfigGet/ConfigSet back the runtime config collaborator's kv table.
func (s *Store) ConfigGet(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM agentcom_config WHERE key = ?;`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: config get %s: %w", key, coreerr.ErrTableCorrupted)
	}
	return v, true, nil
}

func (s *Store) ConfigSet(ctx context.Context, key, value string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agentcom_config (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value;`, key, value)
		return err
	})
}

// SessionBackoff is a durable cooldown entry keyed by agent id, recorded
// when a session is closed for too many protocol violations.
type SessionBackoff struct {
	AgentID      string
	OffenseCount int
	UntilMs      int64
}

// PutSessionBackoff upserts the backoff entry for an agent id.
func (s *Store) PutSessionBackoff(ctx context.Context, b SessionBackoff) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO session_backoff (agent_id, offense_count, until_ms) VALUES (?, ?, ?)
			ON CONFLICT(agent_id) DO UPDATE SET offense_count = excluded.offense_count, until_ms = excluded.until_ms;`,
			b.AgentID, b.OffenseCount, b.UntilMs)
		return err
	})
}

// GetSessionBackoff returns the current backoff entry for an agent id, if any.
func (s *Store) GetSessionBackoff(ctx context.Context, agentID string) (*SessionBackoff, error) {
	var b SessionBackoff
	b.AgentID = agentID
	err := s.db.QueryRowContext(ctx, `SELECT offense_count, until_ms FROM session_backoff WHERE agent_id = ?;`, agentID).
		Scan(&b.OffenseCount, &b.UntilMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get session backoff %s: %w", agentID, coreerr.ErrTableCorrupted)
	}
	return &b, nil
}

// ClearSessionBackoff removes a backoff entry once it has expired and the
// agent reconnects successfully.
func (s *Store) ClearSessionBackoff(ctx context.Context, agentID string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM session_backoff WHERE agent_id = ?;`, agentID)
		return err
	})
}
