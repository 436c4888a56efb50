package checkpoint

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps checkpoints in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	threads map[string][]Checkpoint
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{threads: make(map[string][]Checkpoint), now: time.Now}
}

func (s *MemoryStore) Save(ctx context.Context, threadID, checkpointID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.threads[threadID]
	cp := Checkpoint{
		ThreadID:     threadID,
		CheckpointID: checkpointID,
		Data:         append([]byte(nil), data...),
		CreatedAt:    s.now(),
	}
	if len(list) > 0 {
		cp.ParentID = list[len(list)-1].CheckpointID
	}
	s.threads[threadID] = append(list, cp)
	return nil
}

func (s *MemoryStore) Latest(ctx context.Context, threadID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.threads[threadID]
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	cp := list[len(list)-1]
	return &cp, nil
}

func (s *MemoryStore) Get(ctx context.Context, threadID, checkpointID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, cp := range s.threads[threadID] {
		if cp.CheckpointID == checkpointID {
			out := cp
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) List(ctx context.Context, threadID string) ([]Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.threads[threadID]
	out := make([]Checkpoint, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		cp := list[i]
		cp.Data = nil
		out = append(out, cp)
	}
	return out, nil
}

func (s *MemoryStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for thread, list := range s.threads {
		kept := list[:0]
		for _, cp := range list {
			if cp.CreatedAt.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, cp)
		}
		if len(kept) == 0 {
			delete(s.threads, thread)
		} else {
			s.threads[thread] = kept
		}
	}
	return removed, nil
}

func (s *MemoryStore) Close() error { return nil }
