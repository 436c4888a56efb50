// Package tasks stores the saved task presets shown in the UI task list.
package tasks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	json_data TEXT NOT NULL DEFAULT '{}',
	steps INTEGER NOT NULL DEFAULT 10,
	sorting INTEGER NOT NULL,
	active BOOLEAN NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_tasks_sorting ON tasks(sorting);
`

// DefaultSteps is the step budget of a new task.
const DefaultSteps = 10

// ErrNotFound is returned when a task does not exist.
var ErrNotFound = errors.New("task not found")

// Task is a saved task preset.
type Task struct {
	ID       string          `json:"id"`
	JSONData json.RawMessage `json:"json_data"`
	Steps    int             `json:"steps"`
	Sorting  int             `json:"sorting"`
	Active   bool            `json:"active"`
}

// Update is a partial task update; nil fields are left unchanged.
type Update struct {
	JSONData json.RawMessage `json:"json_data,omitempty"`
	Steps    *int            `json:"steps,omitempty"`
	Sorting  *int            `json:"sorting,omitempty"`
	Active   *bool           `json:"active,omitempty"`
}

// Store persists tasks in SQLite.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens (and migrates) the task database at path.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer keeps next-sorting allocation race free
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create inserts an empty task at the end of the list.
func (s *Store) Create(ctx context.Context) (*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	sorting, err := nextSorting(ctx, tx)
	if err != nil {
		return nil, err
	}
	task := &Task{
		ID:       uuid.NewString(),
		JSONData: json.RawMessage(`{"message":"","attachments":[]}`),
		Steps:    DefaultSteps,
		Sorting:  sorting,
	}
	if err := insert(ctx, tx, task); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return task, nil
}

// List returns every task ordered by sorting.
func (s *Store) List(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, json_data, steps, sorting, active FROM tasks ORDER BY sorting`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	out := []Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// Get returns one task.
func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, json_data, steps, sorting, active FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// Update applies the non-nil fields of u to task id.
func (s *Store) Update(ctx context.Context, id string, u Update) (*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT id, json_data, steps, sorting, active FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if len(u.JSONData) > 0 && string(u.JSONData) != "null" {
		if !json.Valid(u.JSONData) {
			return nil, fmt.Errorf("json_data is not valid JSON")
		}
		task.JSONData = u.JSONData
	}
	if u.Steps != nil {
		task.Steps = *u.Steps
	}
	if u.Sorting != nil {
		task.Sorting = *u.Sorting
	}
	if u.Active != nil {
		task.Active = *u.Active
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET json_data = ?, steps = ?, sorting = ?, active = ? WHERE id = ?`,
		string(task.JSONData), task.Steps, task.Sorting, task.Active, id,
	); err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return task, nil
}

// Delete removes task id.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// seedItem is one entry of a JSON dump. Missing fields take defaults.
type seedItem struct {
	ID       string          `json:"id"`
	JSONData json.RawMessage `json:"json_data"`
	Steps    *int            `json:"steps"`
	Sorting  *int            `json:"sorting"`
	Active   bool            `json:"active"`
}

// Seed loads a JSON dump (an array of tasks) into an empty table. It is a
// no-op when the table has rows or the file does not exist.
func (s *Store) Seed(ctx context.Context, path string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	if count > 0 {
		return 0, nil
	}

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		s.logger.Info().Str("path", path).Msg("Task dump not found, skipping seed")
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read task dump: %w", err)
	}

	var items []seedItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return 0, fmt.Errorf("parse task dump: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, item := range items {
		task := Task{ID: item.ID, JSONData: item.JSONData, Steps: DefaultSteps, Active: item.Active}
		if task.ID == "" {
			task.ID = uuid.NewString()
		}
		if len(task.JSONData) == 0 || string(task.JSONData) == "null" {
			task.JSONData = json.RawMessage(`{}`)
		}
		if item.Steps != nil {
			task.Steps = *item.Steps
		}
		if item.Sorting != nil {
			task.Sorting = *item.Sorting
		} else if task.Sorting, err = nextSorting(ctx, tx); err != nil {
			return 0, err
		}
		if err := insert(ctx, tx, &task); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}

	s.logger.Info().Str("path", path).Int("count", len(items)).Msg("Seeded tasks")
	return len(items), nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func nextSorting(ctx context.Context, q querier) (int, error) {
	var maxSorting sql.NullInt64
	if err := q.QueryRowContext(ctx, `SELECT MAX(sorting) FROM tasks`).Scan(&maxSorting); err != nil {
		return 0, fmt.Errorf("next sorting: %w", err)
	}
	return int(maxSorting.Int64) + 1, nil
}

func insert(ctx context.Context, tx *sql.Tx, t *Task) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO tasks (id, json_data, steps, sorting, active) VALUES (?, ?, ?, ?, ?)`,
		t.ID, string(t.JSONData), t.Steps, t.Sorting, t.Active,
	); err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*Task, error) {
	var (
		t    Task
		data string
	)
	if err := row.Scan(&t.ID, &data, &t.Steps, &t.Sorting, &t.Active); err != nil {
		return nil, err
	}
	if !json.Valid([]byte(data)) {
		data = "{}"
	}
	t.JSONData = json.RawMessage(data)
	return &t, nil
}
