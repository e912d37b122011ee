package memory

import (
	"context"
	"sync"
	"time"

	"github.com/AshkanYarmoradi/go-kin/adapters"
)

var _ adapters.CheckpointAdapter = (*CheckpointStore)(nil)

// Checkpoint is the last global position a change-feed consumer acknowledged.
type Checkpoint struct {
	Name      string
	Position  uint64
	UpdatedAt time.Time
}

// CheckpointStore is an in-memory CheckpointAdapter.
type CheckpointStore struct {
	mu          sync.RWMutex
	checkpoints map[string]*Checkpoint
}

// NewCheckpointStore creates an empty checkpoint store.
func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{
		checkpoints: make(map[string]*Checkpoint),
	}
}

// GetCheckpoint returns the position for name, 0 when unknown.
func (s *CheckpointStore) GetCheckpoint(ctx context.Context, name string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if cp, ok := s.checkpoints[name]; ok {
		return cp.Position, nil
	}
	return 0, nil
}

// SetCheckpoint stores the position for name. Positions never move backwards.
func (s *CheckpointStore) SetCheckpoint(ctx context.Context, name string, position uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cp, ok := s.checkpoints[name]; ok && cp.Position > position {
		return nil
	}
	s.checkpoints[name] = &Checkpoint{
		Name:      name,
		Position:  position,
		UpdatedAt: time.Now(),
	}
	return nil
}

// Get returns a copy of the checkpoint for name, nil when unknown.
func (s *CheckpointStore) Get(name string) *Checkpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, ok := s.checkpoints[name]
	if !ok {
		return nil
	}
	out := *cp
	return &out
}

// Clear removes all checkpoints.
func (s *CheckpointStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.checkpoints = make(map[string]*Checkpoint)
}

// GetCheckpoint returns the position stored for a consumer.
func (a *MemoryAdapter) GetCheckpoint(ctx context.Context, name string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return a.checkpoints.GetCheckpoint(ctx, name)
}

// SetCheckpoint records the position reached by a consumer.
func (a *MemoryAdapter) SetCheckpoint(ctx context.Context, name string, position uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.checkpoints.SetCheckpoint(ctx, name, position)
}
