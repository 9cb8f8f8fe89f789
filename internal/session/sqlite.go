package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/fyrsmithlabs/studiod/internal/phase"
)

// SQLiteStore provides SQLite-backed persistence for sessions.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the database at dbPath and creates the sessions
// table if it does not exist. The parent directory is created as needed.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=30000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite allows one writer at a time; a single connection avoids
	// SQLITE_BUSY churn under concurrent session updates.
	db.SetMaxOpenConns(1)

	if err := createSessionTable(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func createSessionTable(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		mission TEXT NOT NULL,
		project_name TEXT NOT NULL,
		status TEXT NOT NULL,
		phase TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		iteration_count INTEGER NOT NULL DEFAULT 0,
		qa_passed INTEGER NOT NULL DEFAULT 0,
		work_dir TEXT NOT NULL DEFAULT '',
		errors TEXT NOT NULL DEFAULT '[]',
		state BLOB,
		metadata TEXT NOT NULL DEFAULT '{}'
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);
	`
	_, err := db.Exec(schema)
	return err
}

// Create inserts a new session record.
func (s *SQLiteStore) Create(ctx context.Context, sess *Session) error {
	errsJSON, err := json.Marshal(emptyIfNil(sess.Errors))
	if err != nil {
		return fmt.Errorf("marshal errors: %w", err)
	}
	metaJSON, err := json.Marshal(emptyMapIfNil(sess.Metadata))
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions
		 (session_id, mission, project_name, status, phase, created_at, updated_at,
		  iteration_count, qa_passed, work_dir, errors, state, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Mission, sess.ProjectName, string(sess.Status), string(sess.Phase),
		sess.CreatedAt.UnixNano(), sess.UpdatedAt.UnixNano(),
		sess.IterationCount, boolToInt(sess.QAPassed), sess.WorkDir,
		string(errsJSON), sess.State, string(metaJSON),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("session %s: %w", sess.ID, ErrDuplicate)
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// Get retrieves a session by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, mission, project_name, status, phase, created_at, updated_at,
		        iteration_count, qa_passed, work_dir, errors, state, metadata
		 FROM sessions WHERE session_id = ?`, id)

	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return sess, nil
}

// Update applies a partial update, refreshing updated_at.
func (s *SQLiteStore) Update(ctx context.Context, id string, u Update) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC().UnixNano()}

	if u.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*u.Status))
	}
	if u.Phase != nil {
		sets = append(sets, "phase = ?")
		args = append(args, string(*u.Phase))
	}
	if u.IterationCount != nil {
		sets = append(sets, "iteration_count = ?")
		args = append(args, *u.IterationCount)
	}
	if u.QAPassed != nil {
		sets = append(sets, "qa_passed = ?")
		args = append(args, boolToInt(*u.QAPassed))
	}
	if u.WorkDir != nil {
		sets = append(sets, "work_dir = ?")
		args = append(args, *u.WorkDir)
	}
	if u.Errors != nil {
		errsJSON, err := json.Marshal(u.Errors)
		if err != nil {
			return fmt.Errorf("marshal errors: %w", err)
		}
		sets = append(sets, "errors = ?")
		args = append(args, string(errsJSON))
	}
	if u.State != nil {
		sets = append(sets, "state = ?")
		args = append(args, u.State)
	}
	if u.Metadata != nil {
		metaJSON, err := json.Marshal(u.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		sets = append(sets, "metadata = ?")
		args = append(args, string(metaJSON))
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET "+strings.Join(sets, ", ")+" WHERE session_id = ?", args...)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// List returns sessions ordered by updated_at descending. A negative
// limit returns all sessions; SQLite treats LIMIT -1 as unbounded.
func (s *SQLiteStore) List(ctx context.Context, status phase.Status, limit int) ([]*Session, error) {
	if limit == 0 {
		limit = DefaultListLimit
	}
	if limit < 0 {
		limit = -1
	}

	query := `SELECT session_id, mission, project_name, status, phase, created_at, updated_at,
	                 iteration_count, qa_passed, work_dir, errors, state, metadata
	          FROM sessions`
	args := []any{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY updated_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

// ExpireStale marks stale non-terminal sessions as expired.
func (s *SQLiteStore) ExpireStale(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-ttl).UnixNano()
	// updated_at is deliberately left alone: expiry is a policy action,
	// not activity, and refreshing it would defeat idempotence.
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?
		 WHERE updated_at < ? AND status NOT IN (?, ?, ?)`,
		string(phase.StatusExpired), cutoff,
		string(phase.StatusCompleted), string(phase.StatusFailed), string(phase.StatusExpired),
	)
	if err != nil {
		return 0, fmt.Errorf("expire sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		sess               Session
		status, ph         string
		createdNS, updNS   int64
		qaPassed           int
		errsJSON, metaJSON string
		state              []byte
	)
	err := row.Scan(&sess.ID, &sess.Mission, &sess.ProjectName, &status, &ph,
		&createdNS, &updNS, &sess.IterationCount, &qaPassed, &sess.WorkDir,
		&errsJSON, &state, &metaJSON)
	if err != nil {
		return nil, err
	}

	sess.Status = phase.Status(status)
	sess.Phase = phase.Phase(ph)
	sess.CreatedAt = time.Unix(0, createdNS).UTC()
	sess.UpdatedAt = time.Unix(0, updNS).UTC()
	sess.QAPassed = qaPassed != 0
	sess.State = state

	if err := json.Unmarshal([]byte(errsJSON), &sess.Errors); err != nil {
		return nil, fmt.Errorf("unmarshal errors: %w", err)
	}
	if err := json.Unmarshal([]byte(metaJSON), &sess.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return &sess, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func emptyMapIfNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
