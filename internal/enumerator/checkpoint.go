package enumerator

import (
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/philippevezina/hybrid-cdc/internal/split"
)

const (
	stateMagic   byte = 0xC6
	stateVersion byte = 1
)

const (
	fStatePhase        = 1
	fStateTable        = 2
	fStatePending      = 3
	fStateFinished     = 4
	fStateTotal        = 5
	fStateStreamSplit  = 6
	fStateStreamOffset = 7
	fStateAwaitingAck  = 8
)

// State is the coordinator's checkpoint. In-flight splits are stored as pending
// because their readers do not survive a restart.
type State struct {
	Phase        Phase
	Tables       []*split.SchemaSnapshot
	Pending      []*split.SnapshotSplit
	Finished     []*split.FinishedSnapshotSplitInfo
	TotalSplits  int
	StreamSplit  *split.StreamSplit
	StreamOffset split.Offset
	AwaitingAck  bool
}

// Snapshot captures the current state. In-flight splits come first, in assignment order.
func (c *Coordinator) Snapshot() *State {
	c.mu.Lock()
	defer c.mu.Unlock()

	tables := make([]*split.SchemaSnapshot, 0, len(c.tableOrder))
	for _, id := range c.tableOrder {
		tables = append(tables, c.tables[id])
	}
	pending := append(c.sortedInFlightLocked(), c.pending...)

	return &State{
		Phase:        c.phase,
		Tables:       tables,
		Pending:      pending,
		Finished:     append([]*split.FinishedSnapshotSplitInfo(nil), c.finished...),
		TotalSplits:  c.totalSplits,
		StreamSplit:  c.streamSplit,
		StreamOffset: c.streamOffset,
		AwaitingAck:  c.awaitingAck,
	}
}

// Checkpoint returns the encoded Snapshot.
func (c *Coordinator) Checkpoint() ([]byte, error) {
	return EncodeState(c.Snapshot())
}

// Restore loads a checkpoint. It must be called before Start. A checkpoint taken before
// splitting finished is ignored and the tables are discovered again.
func (c *Coordinator) Restore(data []byte) error {
	state, err := DecodeState(data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if state.Phase == PhaseDiscovering || state.Phase == PhaseSplitting {
		c.logger.Info("Checkpoint predates splitting, starting over", zap.String("phase", state.Phase.String()))
		return nil
	}

	c.tables = make(map[split.TableID]*split.SchemaSnapshot, len(state.Tables))
	c.tableOrder = c.tableOrder[:0]
	for _, schema := range state.Tables {
		if _, dup := c.tables[schema.Table()]; !dup {
			c.tableOrder = append(c.tableOrder, schema.Table())
		}
		c.tables[schema.Table()] = schema
	}
	c.pending = state.Pending
	c.inFlight = make(map[string]assignment)
	c.finished = state.Finished
	c.finishedIDs = make(map[string]struct{}, len(state.Finished))
	for _, info := range state.Finished {
		c.finishedIDs[info.SplitID()] = struct{}{}
	}
	c.totalSplits = state.TotalSplits
	c.streamSplit = state.StreamSplit
	c.streamOffset = state.StreamOffset
	c.streamReader = ""
	c.awaitingAck = false
	c.restored = true

	c.phase = PhaseAssigningSnapshot
	c.checkCompletionLocked()
	c.publishLocked()

	c.logger.Info("Coordinator state restored",
		zap.String("checkpoint_phase", state.Phase.String()),
		zap.String("phase", c.phase.String()),
		zap.Int("tables", len(c.tables)),
		zap.Int("pending", len(c.pending)),
		zap.Int("finished", len(c.finished)),
		zap.Bool("suspension_unacknowledged", state.AwaitingAck))
	return nil
}

func EncodeState(s *State) ([]byte, error) {
	b := []byte{stateMagic, stateVersion}
	b = protowire.AppendTag(b, fStatePhase, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.Phase))
	for _, schema := range s.Tables {
		b = appendBytesField(b, fStateTable, split.MarshalSchema(schema))
	}
	for _, p := range s.Pending {
		b = appendBytesField(b, fStatePending, split.MarshalSnapshotSplit(p))
	}
	for _, info := range s.Finished {
		b = appendBytesField(b, fStateFinished, split.MarshalFinishedInfo(info))
	}
	b = protowire.AppendTag(b, fStateTotal, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.TotalSplits))
	if s.StreamSplit != nil {
		encoded, err := split.Serializer{}.Serialize(s.StreamSplit)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize stream split: %w", err)
		}
		b = appendBytesField(b, fStateStreamSplit, encoded)
	}
	if s.StreamOffset != nil {
		b = appendBytesField(b, fStateStreamOffset, split.MarshalOffset(s.StreamOffset))
	}
	if s.AwaitingAck {
		b = protowire.AppendTag(b, fStateAwaitingAck, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	return b, nil
}

// DecodeState parses a checkpoint. Any inconsistency is split.ErrCorruptState.
func DecodeState(data []byte) (*State, error) {
	if len(data) < 2 || data[0] != stateMagic {
		return nil, fmt.Errorf("%w: missing coordinator state header", split.ErrCorruptState)
	}
	if data[1] == 0 {
		return nil, fmt.Errorf("%w: invalid coordinator state version 0", split.ErrCorruptState)
	}
	if data[1] > stateVersion {
		return nil, fmt.Errorf("%w: coordinator state %d (supported up to %d)", split.ErrUnsupportedVersion, data[1], stateVersion)
	}

	s := &State{}
	b := data[2:]
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", split.ErrCorruptState, protowire.ParseError(n))
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", split.ErrCorruptState, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fStatePhase:
				s.Phase = Phase(v)
			case fStateTotal:
				s.TotalSplits = int(v)
			case fStateAwaitingAck:
				s.AwaitingAck = v != 0
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", split.ErrCorruptState, protowire.ParseError(n))
			}
			b = b[n:]
			if err := s.decodeField(num, v); err != nil {
				return nil, err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", split.ErrCorruptState, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *State) decodeField(num protowire.Number, v []byte) error {
	switch num {
	case fStateTable:
		schema, err := split.UnmarshalSchema(v)
		if err != nil {
			return err
		}
		s.Tables = append(s.Tables, schema)
	case fStatePending:
		p, err := split.UnmarshalSnapshotSplit(v)
		if err != nil {
			return err
		}
		s.Pending = append(s.Pending, p)
	case fStateFinished:
		info, err := split.UnmarshalFinishedInfo(v)
		if err != nil {
			return err
		}
		s.Finished = append(s.Finished, info)
	case fStateStreamSplit:
		decoded, err := split.Serializer{}.Deserialize(v)
		if err != nil {
			return err
		}
		streamSplit, ok := decoded.(*split.StreamSplit)
		if !ok {
			return fmt.Errorf("%w: stream split field holds a %T", split.ErrCorruptState, decoded)
		}
		s.StreamSplit = streamSplit
	case fStateStreamOffset:
		offset, err := split.UnmarshalOffset(v)
		if err != nil {
			return err
		}
		s.StreamOffset = offset
	}
	return nil
}

func (s *State) validate() error {
	if !s.Phase.valid() {
		return fmt.Errorf("%w: unknown coordinator phase %d", split.ErrCorruptState, int(s.Phase))
	}
	if s.Phase == PhaseDiscovering || s.Phase == PhaseSplitting {
		return nil
	}
	if len(s.Pending)+len(s.Finished) != s.TotalSplits {
		return fmt.Errorf("%w: %d pending and %d finished splits do not add up to %d",
			split.ErrCorruptState, len(s.Pending), len(s.Finished), s.TotalSplits)
	}
	seen := make(map[string]struct{}, s.TotalSplits)
	for _, p := range s.Pending {
		seen[p.SplitID()] = struct{}{}
	}
	for _, info := range s.Finished {
		if _, dup := seen[info.SplitID()]; dup {
			return fmt.Errorf("%w: split %s is both pending and finished", split.ErrCorruptState, info.SplitID())
		}
		seen[info.SplitID()] = struct{}{}
	}
	if (s.Phase == PhaseStreaming || s.Phase == PhaseSuspended) && s.StreamSplit == nil {
		return fmt.Errorf("%w: phase %s without a stream split", split.ErrCorruptState, s.Phase)
	}
	return nil
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}
