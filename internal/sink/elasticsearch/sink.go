package elasticsearch

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	es "github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esutil"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/philippevezina/hybrid-cdc/internal/common"
	"github.com/philippevezina/hybrid-cdc/internal/split"
)

// Metadata fields added to every document.
const (
	FieldTable     = "cdc_table"
	FieldOperation = "cdc_op"
	FieldTimestamp = "cdc_ts"
	FieldOffset    = "cdc_offset"
)

const closeTimeout = 30 * time.Second

type action struct {
	verb  string
	docID string
	body  []byte
}

// Sink buffers actions and ships them in bulk requests of at most MaxBatchSize actions.
type Sink struct {
	cfg    *Config
	client *es.Client
	logger *zap.Logger
	cmp    split.KeyComparator

	mu          sync.Mutex
	buffer      []action
	bufferSince time.Time
	closed      bool
	// flushErr is a failed timed flush, returned by the next Write or Flush.
	flushErr error

	stopChan chan struct{}
	stopOnce sync.Once
	loopDone chan struct{}
}

func NewSink(cfg *Config, logger *zap.Logger) (*Sink, error) {
	client, err := es.NewClient(cfg.clientConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	logger.Info("Elasticsearch sink created",
		zap.Any("endpoints", cfg.Endpoints),
		zap.String("index", cfg.Index),
		zap.Int("max_batch_size", cfg.MaxBatchSize),
		zap.String("time_zone", cfg.Location.String()))
	s := &Sink{
		cfg:      cfg,
		client:   client,
		logger:   logger,
		cmp:      split.DefaultComparator,
		stopChan: make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	if cfg.MaxBufferTime > 0 {
		go s.flushLoop()
	} else {
		close(s.loopDone)
	}
	return s, nil
}

// Write converts events to bulk actions. Full batches, and a buffer older than
// MaxBufferTime, are shipped before Write returns. A quiet buffer is shipped by the
// flush loop once it is MaxBufferTime old.
func (s *Sink) Write(ctx context.Context, events []*common.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("elasticsearch sink is closed")
	}
	if err := s.takeFlushErrLocked(); err != nil {
		return err
	}
	for _, e := range events {
		actions, err := s.actionsFor(e)
		if err != nil {
			return err
		}
		if len(actions) > 0 && len(s.buffer) == 0 {
			s.bufferSince = time.Now()
		}
		s.buffer = append(s.buffer, actions...)
		if len(s.buffer) >= s.cfg.MaxBufferedRequests {
			if err := s.flushLocked(ctx); err != nil {
				return err
			}
		}
	}

	for len(s.buffer) >= s.cfg.MaxBatchSize {
		if err := s.pushLocked(ctx, s.buffer[:s.cfg.MaxBatchSize]); err != nil {
			return err
		}
		s.buffer = s.buffer[s.cfg.MaxBatchSize:]
	}
	if len(s.buffer) > 0 && time.Since(s.bufferSince) >= s.cfg.MaxBufferTime {
		return s.flushLocked(ctx)
	}
	return nil
}

func (s *Sink) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.takeFlushErrLocked()
	return multierr.Append(err, s.flushLocked(ctx))
}

func (s *Sink) takeFlushErrLocked() error {
	err := s.flushErr
	s.flushErr = nil
	return err
}

func (s *Sink) flushLoop() {
	defer close(s.loopDone)
	ticker := time.NewTicker(max(s.cfg.MaxBufferTime/2, time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
		}
		s.flushExpired()
	}
}

func (s *Sink) flushExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.buffer) == 0 || time.Since(s.bufferSince) < s.cfg.MaxBufferTime {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := s.flushLocked(ctx); err != nil {
		s.logger.Warn("Timed flush failed, keeping buffered actions",
			zap.Int("buffered", len(s.buffer)),
			zap.Error(err))
		s.flushErr = err
		// retry one full buffer time later
		s.bufferSince = time.Now()
	}
}

func (s *Sink) Close() error {
	s.stopOnce.Do(func() { close(s.stopChan) })
	<-s.loopDone

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	return multierr.Append(s.takeFlushErrLocked(), s.flushLocked(ctx))
}

func (s *Sink) flushLocked(ctx context.Context) error {
	for len(s.buffer) > 0 {
		n := min(len(s.buffer), s.cfg.MaxBatchSize)
		if err := s.pushLocked(ctx, s.buffer[:n]); err != nil {
			return err
		}
		s.buffer = s.buffer[n:]
	}
	s.buffer = nil
	return nil
}

// pushLocked ships one batch. Actions are partitioned by document id over up to
// MaxInFlightRequests bulk indexers so that actions on one document keep their order.
func (s *Sink) pushLocked(ctx context.Context, batch []action) error {
	workers := max(1, min(s.cfg.MaxInFlightRequests, len(batch)))
	partitions := make([][]action, workers)
	for _, a := range batch {
		p := xxhash.Sum64String(a.docID) % uint64(workers)
		partitions[p] = append(partitions[p], a)
	}

	started := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for _, partition := range partitions {
		if len(partition) == 0 {
			continue
		}
		g.Go(func() error {
			return s.pushPartition(gctx, partition)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to index batch into %s: %w", s.cfg.Index, err)
	}

	s.logger.Debug("Pushed bulk batch",
		zap.Int("actions", len(batch)),
		zap.Int("partitions", workers),
		zap.Duration("duration", time.Since(started)))
	return nil
}

// pushPartition runs a single-worker bulk indexer and waits for every item.
func (s *Sink) pushPartition(ctx context.Context, actions []action) error {
	var (
		errsMu sync.Mutex
		errs   error
	)
	record := func(err error) {
		errsMu.Lock()
		errs = multierr.Append(errs, err)
		errsMu.Unlock()
	}

	indexer, err := esutil.NewBulkIndexer(esutil.BulkIndexerConfig{
		Client:        s.client,
		Index:         s.cfg.Index,
		NumWorkers:    1,
		FlushBytes:    s.cfg.MaxBatchBytes,
		FlushInterval: s.cfg.MaxBufferTime,
		OnError: func(_ context.Context, err error) {
			record(fmt.Errorf("bulk request failed: %w", err))
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create bulk indexer: %w", err)
	}

	for _, a := range actions {
		item := esutil.BulkIndexerItem{
			Action:     a.verb,
			DocumentID: a.docID,
			OnFailure: func(_ context.Context, item esutil.BulkIndexerItem, res esutil.BulkIndexerResponseItem, err error) {
				if err != nil {
					record(fmt.Errorf("failed to %s document %s: %w", item.Action, item.DocumentID, err))
					return
				}
				// deleting a document that never existed is not an error
				if item.Action == "delete" && res.Status == 404 {
					return
				}
				record(fmt.Errorf("failed to %s document %s: status %d: %s: %s",
					item.Action, item.DocumentID, res.Status, res.Error.Type, res.Error.Reason))
			},
		}
		if a.body != nil {
			item.Body = bytes.NewReader(a.body)
		}
		if err := indexer.Add(ctx, item); err != nil {
			record(fmt.Errorf("failed to add bulk item: %w", err))
			break
		}
	}
	if err := indexer.Close(ctx); err != nil {
		record(fmt.Errorf("failed to close bulk indexer: %w", err))
	}

	errsMu.Lock()
	defer errsMu.Unlock()
	return errs
}

// actionsFor maps one event to its bulk actions. A moved key deletes the old document first.
func (s *Sink) actionsFor(e *common.Event) ([]action, error) {
	switch e.Type {
	case common.EventTypeDDL:
		return nil, nil
	case common.EventTypeDelete:
		if e.Key == nil {
			s.logger.Warn("Dropping delete without key", zap.String("table", e.Table.String()))
			return nil, nil
		}
		return []action{{verb: "delete", docID: DocumentID(e.Table, e.Key)}}, nil
	case common.EventTypeRead, common.EventTypeInsert, common.EventTypeUpdate:
	default:
		return nil, fmt.Errorf("unsupported event type %q", e.Type)
	}

	body, err := s.document(e)
	if err != nil {
		return nil, err
	}
	if len(body) > s.cfg.MaxRecordBytes {
		return nil, fmt.Errorf("document for %s key %s is %d bytes, limit is %d",
			e.Table, e.Key, len(body), s.cfg.MaxRecordBytes)
	}

	docID := uuid.NewString()
	if e.Key != nil {
		docID = DocumentID(e.Table, e.Key)
	}
	var actions []action
	if e.KeyMoved(s.cmp) {
		actions = append(actions, action{verb: "delete", docID: DocumentID(e.Table, e.OldKey)})
	}
	return append(actions, action{verb: "index", docID: docID, body: body}), nil
}

func (s *Sink) document(e *common.Event) ([]byte, error) {
	doc := make(map[string]interface{}, len(e.Data)+4)
	for k, v := range e.Data {
		doc[k] = s.value(v)
	}
	doc[FieldTable] = e.Table.String()
	doc[FieldOperation] = string(e.Type)
	if !e.Timestamp.IsZero() {
		doc[FieldTimestamp] = e.Timestamp.In(s.cfg.Location).Format(time.RFC3339Nano)
	}
	if e.Offset != nil {
		doc[FieldOffset] = e.Offset.String()
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document for %s: %w", e.Table, err)
	}
	return body, nil
}

func (s *Sink) value(v interface{}) interface{} {
	switch t := v.(type) {
	case time.Time:
		return t.In(s.cfg.Location).Format(time.RFC3339Nano)
	case []byte:
		return string(t)
	default:
		return v
	}
}

// DocumentID is "<table>:<key values joined by ','>". Binary key parts are hex encoded;
// '\' and ',' inside a part are escaped with '\' so distinct keys never share an id.
func DocumentID(table split.TableID, key split.Key) string {
	parts := make([]string, len(key))
	for i, v := range key {
		switch t := v.(type) {
		case []byte:
			parts[i] = hex.EncodeToString(t)
		case time.Time:
			parts[i] = t.UTC().Format(time.RFC3339Nano)
		default:
			parts[i] = idPartEscaper.Replace(fmt.Sprint(t))
		}
	}
	return table.String() + ":" + strings.Join(parts, ",")
}

var idPartEscaper = strings.NewReplacer(`\`, `\\`, `,`, `\,`)
