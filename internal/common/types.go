package common

import (
	"time"

	"github.com/philippevezina/hybrid-cdc/internal/split"
)

type EventType string

const (
	// EventTypeRead is a row emitted by a snapshot split.
	EventTypeRead   EventType = "READ"
	EventTypeInsert EventType = "INSERT"
	EventTypeUpdate EventType = "UPDATE"
	EventTypeDelete EventType = "DELETE"
	EventTypeDDL    EventType = "DDL"
)

// Event is a single change. Key is the primary-key tuple of the row; for updates
// it is the key after the change and OldKey the key before it.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Table     split.TableID          `json:"table"`
	Key       split.Key              `json:"key,omitempty"`
	OldKey    split.Key              `json:"old_key,omitempty"`
	Offset    split.Offset           `json:"-"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
	OldData   map[string]interface{} `json:"old_data,omitempty"`
	SQL       string                 `json:"sql,omitempty"`
	SplitID   string                 `json:"split_id,omitempty"`
}

// KeyMoved reports whether an update changed the primary key.
func (e *Event) KeyMoved(cmp split.KeyComparator) bool {
	return e.Type == EventTypeUpdate && e.OldKey != nil && cmp.Compare(e.OldKey, e.Key) != 0
}

// Row is the current state of one row as read by a snapshot split.
type Row struct {
	Key  split.Key
	Data map[string]interface{}
}

type HealthStatus struct {
	Status         string            `json:"status"`
	StreamRunning  bool              `json:"stream_running"`
	Phase          string            `json:"phase"`
	PendingSplits  int               `json:"pending_splits"`
	InFlightSplits int               `json:"in_flight_splits"`
	FinishedSplits int               `json:"finished_splits"`
	// ActiveSplits maps each busy snapshot reader to the split it is reading.
	ActiveSplits   map[string]string `json:"active_splits,omitempty"`
	StreamOffset   string            `json:"stream_offset,omitempty"`
	PureStreaming  bool              `json:"pure_streaming"`
	LastError      string            `json:"last_error,omitempty"`
	Uptime         time.Duration     `json:"uptime"`
	Version        string            `json:"version"`
}
