package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/philippevezina/hybrid-cdc/internal/clickhouse"
	"github.com/philippevezina/hybrid-cdc/internal/config"
	"github.com/philippevezina/hybrid-cdc/internal/metrics"
)

// Manager saves coordinator checkpoints and remembers the last one.
type Manager struct {
	storage StateStorage
	logger  *zap.Logger
	config  config.StateConfig
	metrics metrics.Metrics

	mu                sync.RWMutex
	currentCheckpoint *Checkpoint
	lastSaveTime      time.Time
}

// NewManager builds the storage selected by cfg.Type. clickhouseClient may be nil for memory storage.
func NewManager(cfg config.StateConfig, clickhouseClient *clickhouse.Client, m metrics.Metrics, logger *zap.Logger) (*Manager, error) {
	var storage StateStorage

	switch cfg.Type {
	case config.StateTypeMemory, "":
		storage = NewMemoryStorage()
	case config.StateTypeClickHouse:
		if clickhouseClient == nil {
			return nil, fmt.Errorf("clickhouse state storage requires a ClickHouse client")
		}
		storage = NewClickHouseStorage(clickhouseClient, cfg.ClickHouse.Database, cfg.Table, cfg.RetentionPeriod, logger)
	default:
		return nil, fmt.Errorf("unsupported state storage type: %s", cfg.Type)
	}

	return NewManagerWithStorage(cfg, storage, m, logger), nil
}

func NewManagerWithStorage(cfg config.StateConfig, storage StateStorage, m metrics.Metrics, logger *zap.Logger) *Manager {
	if m == nil {
		m = &metrics.NoopMetrics{}
	}
	return &Manager{
		storage: storage,
		logger:  logger,
		config:  cfg,
		metrics: m,
	}
}

// Initialize prepares the storage and loads the latest checkpoint, if any.
func (m *Manager) Initialize(ctx context.Context) error {
	if err := m.storage.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize state storage: %w", err)
	}

	checkpoint, err := m.storage.GetLatestCheckpoint(ctx)
	if err != nil {
		return fmt.Errorf("failed to get latest checkpoint: %w", err)
	}

	if checkpoint == nil {
		m.logger.Info("No previous checkpoint found, starting fresh")
		return nil
	}

	m.mu.Lock()
	m.currentCheckpoint = checkpoint
	m.mu.Unlock()

	m.logger.Info("Found checkpoint to restore from",
		zap.String("checkpoint_id", checkpoint.ID),
		zap.String("phase", checkpoint.Phase),
		zap.String("offset", checkpoint.StreamOffset),
		zap.Time("created_at", checkpoint.CreatedAt))
	return nil
}

func (m *Manager) Close() error {
	return m.storage.Close()
}

// CreateCheckpoint persists an encoded coordinator state.
func (m *Manager) CreateCheckpoint(ctx context.Context, state []byte, phase, streamOffset string) (*Checkpoint, error) {
	started := time.Now()
	checkpoint := &Checkpoint{
		ID:           uuid.New().String(),
		Phase:        phase,
		StreamOffset: streamOffset,
		State:        state,
		CreatedAt:    started,
	}

	if err := m.storage.SaveCheckpoint(ctx, checkpoint); err != nil {
		return nil, fmt.Errorf("failed to save checkpoint: %w", err)
	}

	m.mu.Lock()
	m.currentCheckpoint = checkpoint
	m.lastSaveTime = started
	m.mu.Unlock()

	m.metrics.IncCheckpointsCreated()
	m.metrics.ObserveCheckpointDuration(time.Since(started))

	m.logger.Info("Checkpoint created",
		zap.String("checkpoint_id", checkpoint.ID),
		zap.String("phase", phase),
		zap.String("offset", streamOffset),
		zap.Int("state_bytes", len(state)))

	return checkpoint, nil
}

// ShouldCreateCheckpoint reports whether the checkpoint interval has elapsed.
func (m *Manager) ShouldCreateCheckpoint() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Since(m.lastSaveTime) >= m.config.CheckpointInterval
}

func (m *Manager) GetCurrentCheckpoint() *Checkpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.currentCheckpoint == nil {
		return nil
	}

	checkpoint := *m.currentCheckpoint
	return &checkpoint
}

func (m *Manager) GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error) {
	return m.storage.GetCheckpoint(ctx, id)
}

func (m *Manager) ListRecentCheckpoints(ctx context.Context, limit int) ([]*Checkpoint, error) {
	return m.storage.ListCheckpoints(ctx, limit)
}

func (m *Manager) HealthCheck(ctx context.Context) error {
	return m.storage.HealthCheck(ctx)
}
