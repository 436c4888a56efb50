// Package checkpoint persists conversation state between turns. Every save
// creates a new checkpoint; the latest checkpoint of a thread is its state.
package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a thread or checkpoint does not exist.
var ErrNotFound = errors.New("checkpoint not found")

// Checkpoint is one saved state of a thread.
type Checkpoint struct {
	ThreadID     string    `json:"thread_id"`
	CheckpointID string    `json:"checkpoint_id"`
	ParentID     string    `json:"parent_id,omitempty"`
	Data         []byte    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store persists checkpoints.
type Store interface {
	// Save stores data as checkpointID of threadID, chained to the current
	// latest checkpoint.
	Save(ctx context.Context, threadID, checkpointID string, data []byte) error
	// Latest returns the newest checkpoint of a thread.
	Latest(ctx context.Context, threadID string) (*Checkpoint, error)
	// Get returns a specific checkpoint.
	Get(ctx context.Context, threadID, checkpointID string) (*Checkpoint, error)
	// List returns checkpoints of a thread, newest first, without data.
	List(ctx context.Context, threadID string) ([]Checkpoint, error)
	// Prune deletes checkpoints created before cutoff and returns how many.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}

// NewID returns a time ordered checkpoint id.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
