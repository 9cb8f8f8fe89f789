package checkpoint

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
)

// SQLiteStore provides SQLite-backed checkpoint persistence.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the database at dbPath and creates the
// checkpoints table if it does not exist.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=30000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := createCheckpointTable(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func createCheckpointTable(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		thread_id TEXT NOT NULL,
		checkpoint_id TEXT NOT NULL,
		parent_checkpoint_id TEXT,
		payload BLOB NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		PRIMARY KEY (thread_id, checkpoint_id)
	);

	CREATE INDEX IF NOT EXISTS idx_checkpoints_latest
	ON checkpoints(thread_id, created_at);
	`
	_, err := db.Exec(schema)
	return err
}

// Save persists an immutable checkpoint.
func (s *SQLiteStore) Save(ctx context.Context, cp *Checkpoint) error {
	metaJSON, err := json.Marshal(cp.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	createdAt := cp.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	var parent any
	if cp.ParentID != "" {
		parent = cp.ParentID
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO checkpoints
		 (thread_id, checkpoint_id, parent_checkpoint_id, payload, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		cp.ThreadID, cp.CheckpointID, parent, cp.Payload, string(metaJSON), createdAt.UnixNano(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("checkpoint %s/%s: %w", cp.ThreadID, cp.CheckpointID, ErrDuplicate)
		}
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	return nil
}

// LoadLatest returns the most recent checkpoint for a thread.
func (s *SQLiteStore) LoadLatest(ctx context.Context, threadID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT thread_id, checkpoint_id, parent_checkpoint_id, payload, metadata, created_at
		 FROM checkpoints WHERE thread_id = ?
		 ORDER BY created_at DESC LIMIT 1`, threadID)

	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("thread %s: %w", threadID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan checkpoint: %w", err)
	}
	return cp, nil
}

// LoadChain returns the checkpoint history newest first.
func (s *SQLiteStore) LoadChain(ctx context.Context, threadID string, limit int) ([]*Checkpoint, error) {
	query := `SELECT thread_id, checkpoint_id, parent_checkpoint_id, payload, metadata, created_at
	          FROM checkpoints WHERE thread_id = ?
	          ORDER BY created_at DESC`
	args := []any{threadID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner) (*Checkpoint, error) {
	var (
		cp        Checkpoint
		parent    sql.NullString
		metaJSON  string
		createdNS int64
	)
	if err := row.Scan(&cp.ThreadID, &cp.CheckpointID, &parent, &cp.Payload, &metaJSON, &createdNS); err != nil {
		return nil, err
	}
	cp.ParentID = parent.String
	cp.CreatedAt = time.Unix(0, createdNS).UTC()
	if err := json.Unmarshal([]byte(metaJSON), &cp.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return &cp, nil
}
