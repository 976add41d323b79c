// Package enumerator owns split assignment: it chunks the captured tables, hands chunks
// to snapshot readers, and builds the single stream split once every chunk finished.
package enumerator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/philippevezina/hybrid-cdc/internal/common"
	"github.com/philippevezina/hybrid-cdc/internal/metrics"
	"github.com/philippevezina/hybrid-cdc/internal/source"
	"github.com/philippevezina/hybrid-cdc/internal/split"
)

const DefaultStreamSplitID = "stream-split"

var (
	// ErrAlreadyAssigned means a split is owned by another reader.
	ErrAlreadyAssigned = errors.New("split already assigned")
	// ErrUnknownSplit means a report names a split that is not in flight.
	ErrUnknownSplit = errors.New("unknown split")
	// ErrNotReady means the stream split cannot be built yet.
	ErrNotReady = errors.New("stream split not ready")
	// ErrNoSuspension means a suspension was acknowledged that was never requested.
	ErrNoSuspension = errors.New("no suspension pending")
)

// Splitter cuts a table into snapshot chunks.
type Splitter interface {
	Split(ctx context.Context, schema *split.SchemaSnapshot, chunkSize int) ([]*split.SnapshotSplit, error)
}

type Options struct {
	ChunkSize     int
	StreamSplitID string
	// EndingOffset bounds the stream split; nil streams forever.
	EndingOffset split.Offset
}

type assignment struct {
	split    *split.SnapshotSplit
	readerID string
	seq      uint64
}

// Status is a point-in-time view for health reporting and logs.
type Status struct {
	Phase          Phase
	Tables         int
	PendingSplits  int
	InFlightSplits int
	FinishedSplits int
	TotalSplits    int
	StreamReader   string
	StreamOffset   split.Offset
}

// Coordinator serializes every state transition behind one mutex. Readers call in
// concurrently; reports are applied one at a time in arrival order.
type Coordinator struct {
	discoverer source.TableDiscoverer
	watermarks source.WatermarkSource
	splitter   Splitter
	filter     *common.TableFilter
	opts       Options
	metrics    metrics.Metrics
	logger     *zap.Logger

	mu           sync.Mutex
	phase        Phase
	restored     bool
	tables       map[split.TableID]*split.SchemaSnapshot
	tableOrder   []split.TableID
	pending      []*split.SnapshotSplit
	inFlight     map[string]assignment
	assignSeq    uint64
	finished     []*split.FinishedSnapshotSplitInfo
	finishedIDs  map[string]struct{}
	totalSplits  int
	streamSplit  *split.StreamSplit
	streamReader string
	streamOffset split.Offset
	awaitingAck  bool
	changed      chan struct{}
}

func NewCoordinator(
	discoverer source.TableDiscoverer,
	watermarks source.WatermarkSource,
	splitter Splitter,
	filter *common.TableFilter,
	opts Options,
	m metrics.Metrics,
	logger *zap.Logger,
) *Coordinator {
	if opts.StreamSplitID == "" {
		opts.StreamSplitID = DefaultStreamSplitID
	}
	if m == nil {
		m = &metrics.NoopMetrics{}
	}
	return &Coordinator{
		discoverer:  discoverer,
		watermarks:  watermarks,
		splitter:    splitter,
		filter:      filter,
		opts:        opts,
		metrics:     m,
		logger:      logger,
		phase:       PhaseDiscovering,
		tables:      make(map[split.TableID]*split.SchemaSnapshot),
		inFlight:    make(map[string]assignment),
		finishedIDs: make(map[string]struct{}),
		changed:     make(chan struct{}),
	}
}

// Start discovers the captured tables and splits them. After Restore it only picks up
// tables created while the pipeline was down.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	restored := c.restored
	c.mu.Unlock()

	schemas, err := c.discoverer.DiscoverTables(ctx)
	if err != nil {
		return fmt.Errorf("failed to discover tables: %w", err)
	}
	schemas = c.accept(schemas)

	if restored {
		if _, err := c.AddTables(ctx, schemas); err != nil {
			return err
		}
		c.logger.Info("Coordinator resumed from checkpoint", zap.String("phase", c.Phase().String()))
		return nil
	}

	c.setPhase(PhaseSplitting)
	chunks, err := c.split(ctx, schemas)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for i, schema := range schemas {
		if _, known := c.tables[schema.Table()]; known {
			continue
		}
		c.addTableLocked(schema, chunks[i])
	}
	c.phase = PhaseAssigningSnapshot
	c.checkCompletionLocked()
	c.publishLocked()

	c.logger.Info("Coordinator started",
		zap.Int("tables", len(schemas)),
		zap.Int("splits", c.totalSplits),
		zap.String("phase", c.phase.String()))
	return nil
}

// NextSnapshotSplit assigns the oldest pending split to readerID, or returns nil when
// none is available right now.
func (c *Coordinator) NextSnapshotSplit(readerID string) (*split.SnapshotSplit, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pending) == 0 || c.awaitingAck {
		return nil, nil
	}

	s := c.pending[0]
	if current, ok := c.inFlight[s.SplitID()]; ok {
		return nil, fmt.Errorf("%w: split %s is held by %s", ErrAlreadyAssigned, s.SplitID(), current.readerID)
	}
	c.pending = c.pending[1:]
	c.assignSeq++
	c.inFlight[s.SplitID()] = assignment{split: s, readerID: readerID, seq: c.assignSeq}

	if len(c.pending) == 0 {
		c.phase = PhaseAwaitingCompletion
	}
	c.publishLocked()

	c.logger.Debug("Assigned snapshot split",
		zap.String("split_id", s.SplitID()),
		zap.String("reader_id", readerID))
	return s, nil
}

// ReportFinished records a completed chunk. When it was the last one the stream split
// becomes available.
func (c *Coordinator) ReportFinished(readerID string, info *split.FinishedSnapshotSplitInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.releaseLocked(readerID, info.SplitID()); err != nil {
		return err
	}
	c.finished = append(c.finished, info)
	c.finishedIDs[info.SplitID()] = struct{}{}
	c.checkCompletionLocked()
	c.publishLocked()

	c.logger.Debug("Snapshot split finished",
		zap.String("split_id", info.SplitID()),
		zap.String("reader_id", readerID),
		zap.Stringer("low_watermark", info.LowWatermark()),
		zap.Stringer("high_watermark", info.HighWatermark()),
		zap.Int("finished", len(c.finished)),
		zap.Int("total", c.totalSplits))
	return nil
}

// ReportFailed puts the split back at the head of the queue so it is retried next.
func (c *Coordinator) ReportFailed(readerID string, splitID string, cause error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	a, err := c.releaseLocked(readerID, splitID)
	if err != nil {
		return err
	}
	c.pending = append([]*split.SnapshotSplit{a.split}, c.pending...)
	if c.phase == PhaseAwaitingCompletion {
		c.phase = PhaseAssigningSnapshot
	}
	c.publishLocked()

	c.logger.Warn("Snapshot split failed, requeued",
		zap.String("split_id", splitID),
		zap.String("reader_id", readerID),
		zap.Error(cause))
	return nil
}

// NextStreamSplit hands the stream split to readerID. It returns ErrNotReady while chunks
// are outstanding and ErrAlreadyAssigned when another reader holds it.
func (c *Coordinator) NextStreamSplit(ctx context.Context, readerID string) (*split.StreamSplit, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.phase {
	case PhaseAssigningStream:
	case PhaseStreaming:
		return nil, fmt.Errorf("%w: stream split is held by %s", ErrAlreadyAssigned, c.streamReader)
	default:
		return nil, fmt.Errorf("%w: phase %s", ErrNotReady, c.phase)
	}

	start, err := c.streamStartLocked(ctx)
	if err != nil {
		return nil, err
	}

	var s *split.StreamSplit
	if c.streamSplit != nil && c.streamSplit.IsSuspended() {
		s = split.ToNormalStreamSplit(c.streamSplit, c.totalSplits)
		s = split.AppendFinishedSplitInfos(s, c.finished)
		s = split.FillTableSchemas(s, c.tables)
		s = split.WithStartingOffset(s, start)
	} else {
		id := c.opts.StreamSplitID
		if c.streamSplit != nil {
			id = c.streamSplit.SplitID()
		}
		s, err = split.NewStreamSplit(id, start, c.opts.EndingOffset, c.finished, c.tables, c.totalSplits, false)
		if err != nil {
			return nil, fmt.Errorf("failed to build stream split: %w", err)
		}
	}

	c.streamSplit = s
	c.streamReader = readerID
	c.streamOffset = start
	c.phase = PhaseStreaming
	c.publishLocked()

	c.logger.Info("Assigned stream split",
		zap.String("split_id", s.SplitID()),
		zap.String("reader_id", readerID),
		zap.Stringer("starting_offset", start),
		zap.Int("finished_splits", s.FinishedSplitCount()),
		zap.Int("total_finished_split_size", s.TotalFinishedSplitSize()),
		zap.Bool("completed", s.IsCompletedSplit()))
	return s, nil
}

// streamStartLocked: the acknowledged or checkpointed offset if any, else the lowest
// low watermark, else the current end of the change log.
func (c *Coordinator) streamStartLocked(ctx context.Context) (split.Offset, error) {
	if c.streamOffset != nil {
		return c.streamOffset, nil
	}
	lows := make([]split.Offset, len(c.finished))
	for i, info := range c.finished {
		lows[i] = info.LowWatermark()
	}
	start, err := split.MinOffset(lows...)
	if err != nil {
		return nil, fmt.Errorf("failed to compute stream starting offset: %w", err)
	}
	if start != nil {
		return start, nil
	}
	start, err = c.watermarks.CurrentOffset(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read current offset: %w", err)
	}
	return start, nil
}

// AddTables captures tables discovered at runtime. While streaming, the stream split is
// suspended and the suspended split is returned; the stream reader must stop and the
// caller must pass its final offset to AcknowledgeSuspension before new chunks are handed out.
func (c *Coordinator) AddTables(ctx context.Context, schemas []*split.SchemaSnapshot) (*split.StreamSplit, error) {
	c.mu.Lock()
	fresh := make([]*split.SchemaSnapshot, 0, len(schemas))
	for _, schema := range c.accept(schemas) {
		if _, known := c.tables[schema.Table()]; !known {
			fresh = append(fresh, schema)
		}
	}
	c.mu.Unlock()

	if len(fresh) == 0 {
		return nil, nil
	}

	chunks, err := c.split(ctx, fresh)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	added := 0
	for i, schema := range fresh {
		// a concurrent call may have added it while splitting
		if _, known := c.tables[schema.Table()]; known {
			continue
		}
		c.addTableLocked(schema, chunks[i])
		added++
		c.logger.Info("Captured new table",
			zap.String("table", schema.Table().String()),
			zap.Int("splits", len(chunks[i])))
	}
	if added == 0 {
		return nil, nil
	}

	var suspended *split.StreamSplit
	switch c.phase {
	case PhaseStreaming:
		suspended = split.ToSuspendedStreamSplit(c.streamSplit)
		c.streamSplit = suspended
		c.phase = PhaseSuspended
		c.awaitingAck = true
		c.logger.Info("Suspending stream split for new tables",
			zap.String("split_id", suspended.SplitID()),
			zap.String("reader_id", c.streamReader))
	case PhaseSuspended:
		suspended = c.streamSplit
		if !c.awaitingAck {
			c.phase = PhaseAssigningSnapshot
		}
	case PhaseAssigningStream, PhaseAwaitingCompletion:
		c.phase = PhaseAssigningSnapshot
		c.checkCompletionLocked()
	default:
		c.checkCompletionLocked()
	}
	c.publishLocked()
	return suspended, nil
}

// AcknowledgeSuspension records where the suspended stream reader stopped. Streaming
// resumes from offset once the new tables' chunks are finished.
func (c *Coordinator) AcknowledgeSuspension(readerID string, offset split.Offset) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase != PhaseSuspended || !c.awaitingAck {
		return fmt.Errorf("%w: phase %s", ErrNoSuspension, c.phase)
	}
	if readerID != c.streamReader {
		return fmt.Errorf("%w: stream split is held by %s, not %s", ErrAlreadyAssigned, c.streamReader, readerID)
	}
	if offset != nil {
		c.streamOffset = offset
	}
	c.awaitingAck = false
	c.streamReader = ""
	c.phase = PhaseAssigningSnapshot
	c.checkCompletionLocked()
	c.publishLocked()

	c.logger.Info("Stream suspension acknowledged",
		zap.String("reader_id", readerID),
		zap.Stringer("offset", c.streamOffset),
		zap.Int("pending", len(c.pending)))
	return nil
}

// UpdateStreamOffset records the last offset the stream reader handled. A suspended
// split keeps being read until its reader acknowledges, so offsets are still taken then.
func (c *Coordinator) UpdateStreamOffset(offset split.Offset) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if offset == nil {
		return
	}
	if c.phase == PhaseStreaming || (c.phase == PhaseSuspended && c.awaitingAck) {
		c.streamOffset = offset
	}
}

// UpdateSchema replaces the schema of a captured table after a schema change.
func (c *Coordinator) UpdateSchema(schema *split.SchemaSnapshot) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := schema.Table()
	if _, known := c.tables[id]; !known {
		return false
	}
	c.tables[id] = schema
	if c.streamSplit != nil && !c.streamSplit.IsSuspended() {
		c.streamSplit = split.FillTableSchemas(c.streamSplit, map[split.TableID]*split.SchemaSnapshot{id: schema})
	}
	return true
}

// IsCaptured reports whether table is known to the coordinator.
func (c *Coordinator) IsCaptured(table split.TableID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.tables[table]
	return ok
}

// TableSchema returns the latest known schema of a captured table.
func (c *Coordinator) TableSchema(table split.TableID) (*split.SchemaSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	schema, ok := c.tables[table]
	return schema, ok
}

// Accepts reports whether the table filter lets table through.
func (c *Coordinator) Accepts(table split.TableID) bool {
	return c.filter == nil || c.filter.ShouldProcessTable(table)
}

// Changed returns a channel closed on the next state change.
func (c *Coordinator) Changed() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changed
}

func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Phase:          c.phase,
		Tables:         len(c.tables),
		PendingSplits:  len(c.pending),
		InFlightSplits: len(c.inFlight),
		FinishedSplits: len(c.finished),
		TotalSplits:    c.totalSplits,
		StreamReader:   c.streamReader,
		StreamOffset:   c.streamOffset,
	}
}

// StreamSplit returns the current stream split, suspended or not, or nil before streaming.
func (c *Coordinator) StreamSplit() *split.StreamSplit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamSplit
}

func (c *Coordinator) accept(schemas []*split.SchemaSnapshot) []*split.SchemaSnapshot {
	out := make([]*split.SchemaSnapshot, 0, len(schemas))
	for _, schema := range schemas {
		if c.Accepts(schema.Table()) {
			out = append(out, schema)
		}
	}
	return out
}

// split runs the splitter without holding the lock.
func (c *Coordinator) split(ctx context.Context, schemas []*split.SchemaSnapshot) ([][]*split.SnapshotSplit, error) {
	chunks := make([][]*split.SnapshotSplit, len(schemas))
	for i, schema := range schemas {
		splits, err := c.splitter.Split(ctx, schema, c.opts.ChunkSize)
		if err != nil {
			return nil, fmt.Errorf("failed to split table %s: %w", schema.Table(), err)
		}
		chunks[i] = splits
		c.metrics.AddChunksCreated(schema.Table().String(), len(splits))
	}
	return chunks, nil
}

func (c *Coordinator) addTableLocked(schema *split.SchemaSnapshot, chunks []*split.SnapshotSplit) {
	id := schema.Table()
	if _, known := c.tables[id]; !known {
		c.tableOrder = append(c.tableOrder, id)
	}
	c.tables[id] = schema
	c.pending = append(c.pending, chunks...)
	c.totalSplits += len(chunks)
}

func (c *Coordinator) releaseLocked(readerID, splitID string) (assignment, error) {
	a, ok := c.inFlight[splitID]
	if !ok {
		if _, done := c.finishedIDs[splitID]; done {
			return assignment{}, fmt.Errorf("%w: split %s already finished", ErrUnknownSplit, splitID)
		}
		return assignment{}, fmt.Errorf("%w: split %s is not in flight", ErrUnknownSplit, splitID)
	}
	if a.readerID != readerID {
		return assignment{}, fmt.Errorf("%w: split %s is held by %s, not %s", ErrAlreadyAssigned, splitID, a.readerID, readerID)
	}
	delete(c.inFlight, splitID)
	return a, nil
}

// checkCompletionLocked moves to ASSIGNING_STREAM once no chunk is pending or in flight.
func (c *Coordinator) checkCompletionLocked() {
	if len(c.pending) > 0 || len(c.inFlight) > 0 {
		if c.phase == PhaseAssigningStream {
			c.phase = PhaseAssigningSnapshot
		}
		return
	}
	switch c.phase {
	case PhaseSplitting, PhaseAssigningSnapshot, PhaseAwaitingCompletion:
		c.phase = PhaseAssigningStream
		c.logger.Info("All snapshot splits finished",
			zap.Int("finished", len(c.finished)),
			zap.Int("tables", len(c.tables)))
	}
}

// publishLocked wakes everyone waiting on Changed and refreshes the gauges.
func (c *Coordinator) publishLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
	c.metrics.SetCoordinatorPhase(c.phase.String())
	c.metrics.SetSplitQueues(len(c.pending), len(c.inFlight), len(c.finished))
}

func (c *Coordinator) setPhase(p Phase) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.phase = p
	c.publishLocked()
}

// sortedInFlight returns in-flight splits in assignment order.
func (c *Coordinator) sortedInFlightLocked() []*split.SnapshotSplit {
	assignments := make([]assignment, 0, len(c.inFlight))
	for _, a := range c.inFlight {
		assignments = append(assignments, a)
	}
	sort.Slice(assignments, func(i, j int) bool { return assignments[i].seq < assignments[j].seq })
	out := make([]*split.SnapshotSplit, len(assignments))
	for i, a := range assignments {
		out[i] = a.split
	}
	return out
}
