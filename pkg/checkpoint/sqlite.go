package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/gigachain-team/giga-agent/internal/observability"
)

const schema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	thread_id TEXT NOT NULL,
	checkpoint_id TEXT NOT NULL,
	parent_id TEXT NOT NULL DEFAULT '',
	data BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	UNIQUE(thread_id, checkpoint_id)
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_thread ON checkpoints(thread_id, seq);
CREATE INDEX IF NOT EXISTS idx_checkpoints_created ON checkpoints(created_at);
`

// SQLiteStore persists checkpoints in a SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (and migrates) the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, threadID, checkpointID string, data []byte) error {
	defer observeOp("save", time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var parent string
	err = tx.QueryRowContext(ctx,
		`SELECT checkpoint_id FROM checkpoints WHERE thread_id = ? ORDER BY seq DESC LIMIT 1`, threadID,
	).Scan(&parent)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("load parent: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO checkpoints (thread_id, checkpoint_id, parent_id, data, created_at) VALUES (?, ?, ?, ?, ?)`,
		threadID, checkpointID, parent, data, s.now().UnixNano(),
	); err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Latest(ctx context.Context, threadID string) (*Checkpoint, error) {
	defer observeOp("latest", time.Now())
	return s.one(ctx,
		`SELECT thread_id, checkpoint_id, parent_id, data, created_at FROM checkpoints WHERE thread_id = ? ORDER BY seq DESC LIMIT 1`,
		threadID)
}

func (s *SQLiteStore) Get(ctx context.Context, threadID, checkpointID string) (*Checkpoint, error) {
	defer observeOp("get", time.Now())
	return s.one(ctx,
		`SELECT thread_id, checkpoint_id, parent_id, data, created_at FROM checkpoints WHERE thread_id = ? AND checkpoint_id = ?`,
		threadID, checkpointID)
}

func (s *SQLiteStore) one(ctx context.Context, query string, args ...any) (*Checkpoint, error) {
	var cp Checkpoint
	var created int64
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&cp.ThreadID, &cp.CheckpointID, &cp.ParentID, &cp.Data, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query checkpoint: %w", err)
	}
	cp.CreatedAt = time.Unix(0, created)
	return &cp, nil
}

func (s *SQLiteStore) List(ctx context.Context, threadID string) ([]Checkpoint, error) {
	defer observeOp("list", time.Now())

	rows, err := s.db.QueryContext(ctx,
		`SELECT thread_id, checkpoint_id, parent_id, created_at FROM checkpoints WHERE thread_id = ? ORDER BY seq DESC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		var created int64
		if err := rows.Scan(&cp.ThreadID, &cp.CheckpointID, &cp.ParentID, &created); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cp.CreatedAt = time.Unix(0, created)
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	defer observeOp("prune", time.Now())

	res, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE created_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune checkpoints: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func observeOp(op string, start time.Time) {
	observability.RecordCheckpointOp(op, time.Since(start))
}
