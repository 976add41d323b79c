package state

import (
	"context"
	"errors"
	"time"
)

var ErrCheckpointNotFound = errors.New("checkpoint not found")

// Checkpoint is one persisted coordinator state. State is the encoded enumerator state;
// Phase and StreamOffset are copies kept readable for operators.
type Checkpoint struct {
	ID           string    `json:"id"`
	Phase        string    `json:"phase"`
	StreamOffset string    `json:"stream_offset"`
	State        []byte    `json:"state"`
	CreatedAt    time.Time `json:"created_at"`
}

type StateStorage interface {
	Initialize(ctx context.Context) error
	Close() error
	SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error
	// GetLatestCheckpoint returns nil when nothing was saved yet.
	GetLatestCheckpoint(ctx context.Context) (*Checkpoint, error)
	GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error)
	ListCheckpoints(ctx context.Context, limit int) ([]*Checkpoint, error)
	HealthCheck(ctx context.Context) error
}
