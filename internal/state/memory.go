package state

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStorage keeps checkpoints in process. Nothing survives a restart.
type MemoryStorage struct {
	mu          sync.RWMutex
	checkpoints []*Checkpoint
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (s *MemoryStorage) Initialize(ctx context.Context) error { return nil }

func (s *MemoryStorage) Close() error { return nil }

func (s *MemoryStorage) SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *checkpoint
	c.State = append([]byte(nil), checkpoint.State...)
	s.checkpoints = append(s.checkpoints, &c)
	return nil
}

func (s *MemoryStorage) GetLatestCheckpoint(ctx context.Context) (*Checkpoint, error) {
	list, err := s.ListCheckpoints(ctx, 1)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return list[0], nil
}

func (s *MemoryStorage) GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.checkpoints {
		if c.ID == id {
			cp := *c
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, id)
}

// ListCheckpoints returns the newest checkpoints first.
func (s *MemoryStorage) ListCheckpoints(ctx context.Context, limit int) ([]*Checkpoint, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	// reversed so that checkpoints saved at the same instant list the latest first
	sorted := make([]*Checkpoint, 0, len(s.checkpoints))
	for i := len(s.checkpoints) - 1; i >= 0; i-- {
		sorted = append(sorted, s.checkpoints[i])
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
	})
	if len(sorted) > limit {
		sorted = sorted[:limit]
	}
	out := make([]*Checkpoint, len(sorted))
	for i, c := range sorted {
		cp := *c
		out[i] = &cp
	}
	return out, nil
}

func (s *MemoryStorage) HealthCheck(ctx context.Context) error { return nil }
