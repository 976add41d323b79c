package mysql

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/philippevezina/hybrid-cdc/internal/common"
	"github.com/philippevezina/hybrid-cdc/internal/config"
	"github.com/philippevezina/hybrid-cdc/internal/source"
	"github.com/philippevezina/hybrid-cdc/internal/split"
)

// ErrOffsetPurged is returned when the binlog file an offset points into no longer exists.
var ErrOffsetPurged = errors.New("binlog file has been purged")

// Open starts a binlog stream after from. A nil from starts at the current end of the log.
func (s *Source) Open(ctx context.Context, from split.Offset) (source.EventStream, error) {
	start, err := s.startOffset(ctx, from)
	if err != nil {
		return nil, err
	}
	if err := s.validateOffset(ctx, start); err != nil {
		return nil, err
	}
	stream, err := s.openStream(ctx, s.cfg.ServerID, start, from != nil, nil)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Binlog stream opened",
		zap.Stringer("offset", start),
		zap.Uint32("server_id", s.cfg.ServerID))
	return stream, nil
}

// ReadRange replays the row changes of table with from < offset <= to. Each call uses its
// own replication connection with a server id distinct from the main stream.
func (s *Source) ReadRange(ctx context.Context, table split.TableID, from, to split.Offset, fn func(*common.Event) error) error {
	lo, err := asBinlogOffset(from)
	if err != nil {
		return err
	}
	hi, err := asBinlogOffset(to)
	if err != nil {
		return err
	}
	if lo.Compare(hi) >= 0 {
		return nil
	}

	stream, err := s.openStream(ctx, s.backfillServerID(), lo, true, &hi)
	if err != nil {
		return err
	}
	defer stream.Close()

	for {
		e, err := stream.Next(ctx)
		if errors.Is(err, errRangeEnd) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read binlog range %s..%s: %w", lo, hi, err)
		}
		if e.Offset.Compare(hi) > 0 {
			return nil
		}
		if e.Type == common.EventTypeDDL || e.Table != table {
			continue
		}
		if err := fn(e); err != nil {
			return err
		}
	}
}

func (s *Source) startOffset(ctx context.Context, from split.Offset) (BinlogOffset, error) {
	if from == nil {
		current, err := s.CurrentOffset(ctx)
		if err != nil {
			return BinlogOffset{}, err
		}
		return current.(BinlogOffset), nil
	}
	return asBinlogOffset(from)
}

// openStream starts a replication connection at from. A non-nil until makes Next return
// errRangeEnd once every event up to it has been read.
func (s *Source) openStream(ctx context.Context, serverID uint32, from BinlogOffset, exclusive bool, until *BinlogOffset) (*binlogStream, error) {
	syncerCfg := replication.BinlogSyncerConfig{
		ServerID: serverID,
		Flavor:   s.cfg.Flavor,
		Host:     s.cfg.Host,
		Port:     uint16(s.cfg.Port),
		User:     s.cfg.Username,
		Password: s.cfg.Password,
	}

	if s.cfg.SSLMode != config.SSLModeDisabled {
		tlsConfig, err := s.connector.TLSConfig()
		switch {
		case err != nil && s.cfg.SSLMode == config.SSLModePreferred:
			s.logger.Warn("Failed to build TLS config for preferred mode, falling back to plaintext", zap.Error(err))
		case err != nil:
			return nil, fmt.Errorf("failed to build TLS config for %s mode: %w", s.cfg.SSLMode, err)
		default:
			syncerCfg.TLSConfig = tlsConfig
		}
	}

	syncer := replication.NewBinlogSyncer(syncerCfg)
	streamer, err := syncer.StartSync(mysql.Position{Name: from.File, Pos: from.Pos})
	if err != nil {
		syncer.Close()
		return nil, fmt.Errorf("failed to start binlog sync at %s: %w", from, err)
	}

	stream := &binlogStream{
		syncer:     syncer,
		streamer:   streamer,
		keyColumns: s.cachedKeyColumns(ctx),
		tracker:    positionTracker{file: from.File, restart: from.Pos},
		until:      until,
	}
	if exclusive {
		stream.skipThrough = &from
	}
	return stream, nil
}

var errRangeEnd = errors.New("end of binlog range")

// binlogStream converts raw binlog events into offset-stamped changes.
type binlogStream struct {
	syncer     *replication.BinlogSyncer
	streamer   *replication.BinlogStreamer
	keyColumns KeyColumnsFunc
	until      *BinlogOffset

	tracker     positionTracker
	skipThrough *BinlogOffset
	pending     []*common.Event
	lastFile    string
	lastPos     uint32

	closeOnce sync.Once
}

// Next blocks until a change is available. Changes at or before the opening offset
// of an exclusive stream are dropped.
func (b *binlogStream) Next(ctx context.Context) (*common.Event, error) {
	for {
		for len(b.pending) > 0 {
			e := b.pending[0]
			b.pending = b.pending[1:]
			if b.skipThrough != nil && e.Offset.Compare(*b.skipThrough) <= 0 {
				continue
			}
			return e, nil
		}
		if b.until != nil && b.lastPos > 0 && b.until.reached(b.lastFile, b.lastPos) {
			return nil, errRangeEnd
		}

		ev, err := b.streamer.GetEvent(ctx)
		if err != nil {
			return nil, err
		}
		events, err := b.handle(ev)
		if err != nil {
			return nil, err
		}
		b.pending = events
	}
}

func (b *binlogStream) handle(ev *replication.BinlogEvent) ([]*common.Event, error) {
	if rotate, ok := ev.Event.(*replication.RotateEvent); ok {
		b.tracker.rotate(string(rotate.NextLogName), uint32(rotate.Position))
		b.lastFile, b.lastPos = b.tracker.file, b.tracker.restart
		return nil, nil
	}

	events, err := b.convert(ev)
	if err != nil {
		return nil, err
	}
	if ev.Header.LogPos > 0 {
		b.lastFile, b.lastPos = b.tracker.file, ev.Header.LogPos
	}
	return events, nil
}

func (b *binlogStream) convert(ev *replication.BinlogEvent) ([]*common.Event, error) {
	switch e := ev.Event.(type) {
	case *replication.RowsEvent:
		if _, ok := rowsEventType(ev.Header.EventType); !ok {
			return nil, nil
		}
		events, err := convertRowsEvent(ev.Header, e, b.keyColumns)
		if err != nil {
			return nil, fmt.Errorf("failed to convert rows event at %s:%d: %w", b.tracker.file, ev.Header.LogPos, err)
		}
		for _, change := range events {
			change.Offset = b.tracker.next()
		}
		return events, nil

	case *replication.XIDEvent:
		b.tracker.commit(ev.Header.LogPos)
		return nil, nil

	case *replication.QueryEvent:
		query := string(e.Query)
		if boundary, commits := isTransactionBoundary(query); boundary {
			if commits {
				b.tracker.commit(ev.Header.LogPos)
			}
			return nil, nil
		}
		ddl := &common.Event{
			ID:        uuid.New().String(),
			Type:      common.EventTypeDDL,
			Table:     split.NewTableID("", string(e.Schema), ""),
			Offset:    b.tracker.next(),
			Timestamp: eventTime(ev.Header),
			SQL:       query,
		}
		// DDL statements commit implicitly
		b.tracker.commit(ev.Header.LogPos)
		return []*common.Event{ddl}, nil

	default:
		return nil, nil
	}
}

func (b *binlogStream) Close() error {
	b.closeOnce.Do(func() {
		b.syncer.Close()
	})
	return nil
}

// validateOffset fails with ErrOffsetPurged when the offset's binlog file is gone.
func (s *Source) validateOffset(ctx context.Context, o BinlogOffset) error {
	conn, err := s.connector.Connect(ctx, "")
	if err != nil {
		return err
	}
	defer conn.Close()

	result, err := conn.Execute("SHOW BINARY LOGS")
	if err != nil {
		return fmt.Errorf("failed to show binary logs: %w", err)
	}
	for i := 0; i < result.RowNumber(); i++ {
		name, _ := result.GetString(i, 0)
		if name == o.File {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrOffsetPurged, o.File)
}

func asBinlogOffset(o split.Offset) (BinlogOffset, error) {
	b, ok := o.(BinlogOffset)
	if !ok {
		if o == nil {
			return BinlogOffset{}, fmt.Errorf("binlog offset is required")
		}
		return BinlogOffset{}, fmt.Errorf("%w: expected %s, got %s", split.ErrIncomparableOffset, BinlogOffsetKind, o.Kind())
	}
	return b, nil
}
