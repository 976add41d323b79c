package factory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/philippevezina/hybrid-cdc/internal/factory"
	"github.com/philippevezina/hybrid-cdc/internal/sink"
)

var (
	hostsOption = factory.Option{Key: "hosts"}
	indexOption = factory.Option{Key: "index"}
	batchOption = factory.Option{Key: "max-batch-size", Default: "500"}
	waitOption  = factory.Option{Key: "max-buffer-time-ms", Default: "5000"}
)

type fakeFactory struct {
	created int
}

func (f *fakeFactory) Identifier() string { return "fake" }

func (f *fakeFactory) RequiredOptions() []factory.Option {
	return []factory.Option{hostsOption, indexOption}
}

func (f *fakeFactory) OptionalOptions() []factory.Option {
	return []factory.Option{batchOption, waitOption}
}

func (f *fakeFactory) CreateSink(ctx factory.Context) (sink.Sink, error) {
	f.created++
	return sink.NewMemory(), nil
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     factory.Configuration
		wantErr error
		wantMsg string
	}{
		{
			name: "complete",
			cfg:  factory.Configuration{"hosts": "a:9200", "index": "orders", "max-batch-size": "10"},
		},
		{
			name:    "every missing key is listed",
			cfg:     factory.Configuration{"max-batch-size": "10"},
			wantErr: factory.ErrMissingOption,
			wantMsg: "hosts, index",
		},
		{
			name:    "blank counts as missing",
			cfg:     factory.Configuration{"hosts": "  ", "index": "orders"},
			wantErr: factory.ErrMissingOption,
			wantMsg: "hosts",
		},
		{
			name:    "unknown keys are rejected",
			cfg:     factory.Configuration{"hosts": "a", "index": "b", "shards": "3"},
			wantErr: factory.ErrUnknownOption,
			wantMsg: "shards",
		},
		{
			name: "pipeline keys are ignored",
			cfg:  factory.Configuration{"hosts": "a", "index": "b", "pipeline.local-time-zone": "UTC"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := factory.Validate(&fakeFactory{}, tt.cfg)
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestConfigurationGetters(t *testing.T) {
	cfg := factory.Configuration{"max-batch-size": "25", "hosts": " a:9200 "}

	assert.Equal(t, "a:9200", cfg.String(hostsOption))
	assert.Equal(t, "", cfg.String(indexOption))

	n, err := cfg.Int(batchOption)
	require.NoError(t, err)
	assert.Equal(t, 25, n)

	d, err := cfg.Duration(waitOption)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, d)

	_, err = factory.Configuration{"max-batch-size": "lots"}.Int(batchOption)
	require.ErrorIs(t, err, factory.ErrInvalidOption)

	_, err = factory.Configuration{"max-buffer-time-ms": "-1"}.Duration(waitOption)
	require.ErrorIs(t, err, factory.ErrInvalidOption)
}

func TestLocation(t *testing.T) {
	loc, err := factory.Configuration{}.Location()
	require.NoError(t, err)
	assert.Equal(t, time.Local, loc)

	loc, err = factory.Configuration{factory.LocalTimeZoneKey: "systemDefault"}.Location()
	require.NoError(t, err)
	assert.Equal(t, time.Local, loc)

	loc, err = factory.Configuration{factory.LocalTimeZoneKey: "UTC"}.Location()
	require.NoError(t, err)
	assert.Equal(t, "UTC", loc.String())

	_, err = factory.Configuration{factory.LocalTimeZoneKey: "Mars/Olympus"}.Location()
	require.ErrorIs(t, err, factory.ErrInvalidOption)
}

func TestRegistry(t *testing.T) {
	r := factory.NewRegistry()
	f := &fakeFactory{}
	require.NoError(t, r.Register(f))
	require.Error(t, r.Register(&fakeFactory{}))
	assert.Equal(t, []string{"fake"}, r.Identifiers())

	_, err := r.Lookup("kafka")
	require.ErrorIs(t, err, factory.ErrUnknownFactory)

	_, err = r.CreateSink("fake", factory.Context{Options: factory.Configuration{"hosts": "a"}})
	require.ErrorIs(t, err, factory.ErrMissingOption)
	assert.Zero(t, f.created, "invalid options never reach the factory")

	s, err := r.CreateSink("fake", factory.Context{Options: factory.Configuration{"hosts": "a", "index": "b"}})
	require.NoError(t, err)
	require.NoError(t, s.Write(context.Background(), nil))
	assert.Equal(t, 1, f.created)
}
