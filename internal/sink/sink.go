// Package sink defines where captured change events are delivered.
package sink

import (
	"context"
	"sync"

	"github.com/philippevezina/hybrid-cdc/internal/common"
)

// Sink receives events in the order they must be applied. Write may buffer;
// Flush returns once everything written before it is durable.
type Sink interface {
	Write(ctx context.Context, events []*common.Event) error
	Flush(ctx context.Context) error
	Close() error
}

// Memory keeps every written event. It backs tests and dry runs.
type Memory struct {
	mu     sync.Mutex
	events []*common.Event
	closed bool
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Write(ctx context.Context, events []*common.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
	return nil
}

func (m *Memory) Flush(ctx context.Context) error {
	return ctx.Err()
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Events returns a copy of everything written so far.
func (m *Memory) Events() []*common.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*common.Event(nil), m.events...)
}

// EventsOfType filters Events by type.
func (m *Memory) EventsOfType(t common.EventType) []*common.Event {
	var out []*common.Event
	for _, e := range m.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (m *Memory) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
