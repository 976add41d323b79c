// Package factory builds sinks from flat string options, selected by identifier.
package factory

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/philippevezina/hybrid-cdc/internal/metrics"
	"github.com/philippevezina/hybrid-cdc/internal/sink"
	"github.com/philippevezina/hybrid-cdc/internal/split"
)

// ReservedPrefix marks options owned by the pipeline itself. Validate never reports them.
const ReservedPrefix = "pipeline."

// LocalTimeZoneKey selects the zone sinks render timestamps in. Empty or "systemDefault"
// means the process zone.
const LocalTimeZoneKey = "local-time-zone"

var (
	ErrMissingOption  = errors.New("missing required option")
	ErrUnknownOption  = errors.New("unsupported option")
	ErrInvalidOption  = errors.New("invalid option value")
	ErrUnknownFactory = errors.New("unknown factory")
)

// Option describes one configuration key a factory understands.
type Option struct {
	Key         string
	Default     string
	Description string
}

type Factory interface {
	Identifier() string
	RequiredOptions() []Option
	OptionalOptions() []Option
}

// SchemaLookup resolves the current schema of a captured table.
type SchemaLookup interface {
	TableSchema(table split.TableID) (*split.SchemaSnapshot, bool)
}

// Context is what a factory gets to build from: its own options and the pipeline's.
type Context struct {
	Options  Configuration
	Pipeline Configuration
	Schemas  SchemaLookup
	Metrics  metrics.Metrics
	Logger   *zap.Logger
}

type SinkFactory interface {
	Factory
	CreateSink(ctx Context) (sink.Sink, error)
}

// Validate checks cfg against the options f declares. Every missing required key is
// reported in one error; so is every unknown key.
func Validate(f Factory, cfg Configuration) error {
	known := make(map[string]struct{})
	var missing []string
	for _, opt := range f.RequiredOptions() {
		known[opt.Key] = struct{}{}
		if v, ok := cfg[opt.Key]; !ok || strings.TrimSpace(v) == "" {
			missing = append(missing, opt.Key)
		}
	}
	for _, opt := range f.OptionalOptions() {
		known[opt.Key] = struct{}{}
	}

	var unknown []string
	for key := range cfg {
		if strings.HasPrefix(key, ReservedPrefix) {
			continue
		}
		if _, ok := known[key]; !ok {
			unknown = append(unknown, key)
		}
	}

	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w for %s: %s", ErrMissingOption, f.Identifier(), strings.Join(missing, ", "))
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("%w for %s: %s", ErrUnknownOption, f.Identifier(), strings.Join(unknown, ", "))
	}
	return nil
}

// Registry maps identifiers to sink factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]SinkFactory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]SinkFactory)}
}

func (r *Registry) Register(f SinkFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := f.Identifier()
	if _, dup := r.factories[id]; dup {
		return fmt.Errorf("factory %q is already registered", id)
	}
	r.factories[id] = f
	return nil
}

func (r *Registry) Lookup(identifier string) (SinkFactory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.factories[identifier]
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %s)", ErrUnknownFactory, identifier, strings.Join(r.identifiersLocked(), ", "))
	}
	return f, nil
}

func (r *Registry) Identifiers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.identifiersLocked()
}

func (r *Registry) identifiersLocked() []string {
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CreateSink validates the options and builds the sink with the factory registered as identifier.
func (r *Registry) CreateSink(identifier string, ctx Context) (sink.Sink, error) {
	f, err := r.Lookup(identifier)
	if err != nil {
		return nil, err
	}
	if err := Validate(f, ctx.Options); err != nil {
		return nil, err
	}
	if ctx.Logger == nil {
		ctx.Logger = zap.NewNop()
	}
	if ctx.Metrics == nil {
		ctx.Metrics = &metrics.NoopMetrics{}
	}
	s, err := f.CreateSink(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s sink: %w", identifier, err)
	}
	return s, nil
}
