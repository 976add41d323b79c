package state

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/philippevezina/hybrid-cdc/internal/clickhouse"
	"github.com/philippevezina/hybrid-cdc/internal/security"
)

const DefaultCheckpointTable = "hybrid_cdc_checkpoints"

// ClickHouseStorage keeps checkpoints in a ReplacingMergeTree table with a TTL.
type ClickHouseStorage struct {
	client    *clickhouse.Client
	logger    *zap.Logger
	database  string
	tableName string
	retention time.Duration
}

func NewClickHouseStorage(client *clickhouse.Client, database, table string, retention time.Duration, logger *zap.Logger) *ClickHouseStorage {
	if table == "" {
		table = DefaultCheckpointTable
	}
	if database == "" {
		database = "default"
	}
	return &ClickHouseStorage{
		client:    client,
		logger:    logger,
		database:  database,
		tableName: table,
		retention: retention,
	}
}

func (s *ClickHouseStorage) Initialize(ctx context.Context) error {
	if err := s.createCheckpointTable(ctx); err != nil {
		return fmt.Errorf("failed to create checkpoint table: %w", err)
	}

	s.logger.Info("ClickHouse state storage initialized",
		zap.String("database", s.database),
		zap.String("table", s.tableName))

	return nil
}

func (s *ClickHouseStorage) Close() error {
	return nil
}

// fullTableName returns database.table, validated and escaped.
func (s *ClickHouseStorage) fullTableName() (string, error) {
	db, err := security.ValidateAndEscapeIdentifier(s.database, "database name")
	if err != nil {
		return "", err
	}
	table, err := security.ValidateAndEscapeIdentifier(s.tableName, "table name")
	if err != nil {
		return "", err
	}
	return db + "." + table, nil
}

func (s *ClickHouseStorage) SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error {
	table, err := s.fullTableName()
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, phase, stream_offset, state, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, table)

	err = s.executeQuery(ctx, query,
		checkpoint.ID,
		checkpoint.Phase,
		checkpoint.StreamOffset,
		base64.StdEncoding.EncodeToString(checkpoint.State),
		checkpoint.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	s.logger.Debug("Checkpoint saved",
		zap.String("id", checkpoint.ID),
		zap.String("phase", checkpoint.Phase),
		zap.String("offset", checkpoint.StreamOffset))

	return nil
}

func (s *ClickHouseStorage) GetLatestCheckpoint(ctx context.Context) (*Checkpoint, error) {
	table, err := s.fullTableName()
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT id, phase, stream_offset, state, created_at
		FROM %s
		ORDER BY created_at DESC
		LIMIT 1
	`, table)

	checkpoint, err := s.scanCheckpoint(s.client.QueryRow(ctx, query))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest checkpoint: %w", err)
	}
	return checkpoint, nil
}

func (s *ClickHouseStorage) GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error) {
	table, err := s.fullTableName()
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT id, phase, stream_offset, state, created_at
		FROM %s
		WHERE id = ?
		LIMIT 1
	`, table)

	checkpoint, err := s.scanCheckpoint(s.client.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, id)
		}
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	return checkpoint, nil
}

func (s *ClickHouseStorage) ListCheckpoints(ctx context.Context, limit int) ([]*Checkpoint, error) {
	if limit <= 0 {
		limit = 100
	}
	table, err := s.fullTableName()
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT id, phase, stream_offset, state, created_at
		FROM %s
		ORDER BY created_at DESC
		LIMIT %d
	`, table, limit)

	rows, err := s.client.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var checkpoints []*Checkpoint
	for rows.Next() {
		checkpoint, err := s.scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		checkpoints = append(checkpoints, checkpoint)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	return checkpoints, nil
}

func (s *ClickHouseStorage) HealthCheck(ctx context.Context) error {
	table, err := s.fullTableName()
	if err != nil {
		return err
	}
	var count uint64
	if err := s.client.QueryRow(ctx, fmt.Sprintf("SELECT count() FROM %s", table)).Scan(&count); err != nil {
		return fmt.Errorf("checkpoint table health check failed: %w", err)
	}
	return nil
}

func (s *ClickHouseStorage) createCheckpointTable(ctx context.Context) error {
	table, err := s.fullTableName()
	if err != nil {
		return fmt.Errorf("invalid checkpoint table in config: %w", err)
	}

	ttl := ""
	if s.retention > 0 {
		ttl = fmt.Sprintf("\n\t\tTTL toDateTime(created_at) + toIntervalSecond(%d) DELETE", int64(s.retention.Seconds()))
	}
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id String,
			phase String,
			stream_offset String,
			state String,
			created_at DateTime64(3)
		) ENGINE = ReplacingMergeTree(created_at)
		ORDER BY (id, created_at)%s
	`, table, ttl)

	if err := s.executeQuery(ctx, query); err != nil {
		return err
	}

	s.logger.Info("Checkpoint table ready",
		zap.String("database", s.database),
		zap.String("table", s.tableName))
	return nil
}

func (s *ClickHouseStorage) executeQuery(ctx context.Context, query string, args ...any) error {
	if s.client.GetDB() == nil {
		return fmt.Errorf("ClickHouse connection not available")
	}
	return s.client.ExecuteQuery(ctx, query, args...)
}

func (s *ClickHouseStorage) scanCheckpoint(scanner interface {
	Scan(dest ...any) error
}) (*Checkpoint, error) {
	var (
		c       Checkpoint
		encoded string
	)
	if err := scanner.Scan(&c.ID, &c.Phase, &c.StreamOffset, &encoded, &c.CreatedAt); err != nil {
		return nil, err
	}
	state, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s: failed to decode state: %w", c.ID, err)
	}
	c.State = state
	return &c, nil
}
