package pipeline

import (
	"fmt"

	"github.com/philippevezina/hybrid-cdc/internal/factory"
	"github.com/philippevezina/hybrid-cdc/internal/sink"
	"github.com/philippevezina/hybrid-cdc/internal/sink/clickhouse"
	"github.com/philippevezina/hybrid-cdc/internal/sink/elasticsearch"
)

const MemorySinkIdentifier = "memory"

// DefaultRegistry knows every sink this binary ships with.
func DefaultRegistry() (*factory.Registry, error) {
	registry := factory.NewRegistry()
	for _, f := range []factory.SinkFactory{
		elasticsearch.Factory{},
		clickhouse.Factory{},
		&MemorySinkFactory{},
	} {
		if err := registry.Register(f); err != nil {
			return nil, fmt.Errorf("failed to register sink factory: %w", err)
		}
	}
	return registry, nil
}

// MemorySinkFactory builds an in-memory sink, for dry runs. A preset Sink is returned
// as is so callers can look at what was written.
type MemorySinkFactory struct {
	Sink *sink.Memory
}

func (f *MemorySinkFactory) Identifier() string { return MemorySinkIdentifier }

func (f *MemorySinkFactory) RequiredOptions() []factory.Option { return nil }

func (f *MemorySinkFactory) OptionalOptions() []factory.Option { return nil }

func (f *MemorySinkFactory) CreateSink(ctx factory.Context) (sink.Sink, error) {
	if f.Sink == nil {
		f.Sink = sink.NewMemory()
	}
	return f.Sink, nil
}
