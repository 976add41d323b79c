// Package clickhouse replicates change events into ReplacingMergeTree tables, one per captured table.
package clickhouse

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	ch "github.com/philippevezina/hybrid-cdc/internal/clickhouse"
	"github.com/philippevezina/hybrid-cdc/internal/config"
	"github.com/philippevezina/hybrid-cdc/internal/factory"
	"github.com/philippevezina/hybrid-cdc/internal/sink"
)

const Identifier = "clickhouse"

var (
	OptionHosts        = factory.Option{Key: "hosts", Description: "Comma separated host:port list of the native protocol endpoints."}
	OptionDatabase     = factory.Option{Key: "database", Description: "Database that receives the tables."}
	OptionUsername     = factory.Option{Key: "username", Default: "default", Description: "User name."}
	OptionPassword     = factory.Option{Key: "password", Description: "Password."}
	OptionTablePrefix  = factory.Option{Key: "table-prefix", Description: "Prefix prepended to every target table name."}
	OptionMaxBatchSize = factory.Option{Key: "max-batch-size", Default: "1000", Description: "Rows buffered per table before an insert."}
)

type Factory struct{}

var _ factory.SinkFactory = Factory{}

func (Factory) Identifier() string { return Identifier }

func (Factory) RequiredOptions() []factory.Option {
	return []factory.Option{OptionHosts, OptionDatabase}
}

func (Factory) OptionalOptions() []factory.Option {
	return []factory.Option{OptionUsername, OptionPassword, OptionTablePrefix, OptionMaxBatchSize}
}

func (Factory) CreateSink(ctx factory.Context) (sink.Sink, error) {
	if ctx.Schemas == nil {
		return nil, fmt.Errorf("clickhouse sink needs a schema lookup")
	}
	opts, err := OptionsFrom(ctx.Options)
	if err != nil {
		return nil, err
	}
	logger := ctx.Logger.With(zap.String("component", "clickhouse-sink"))
	client, err := ch.NewClient(opts.Client, logger)
	if err != nil {
		return nil, err
	}
	return NewSink(client, ctx.Schemas, opts, logger), nil
}

// Options is the parsed sink configuration.
type Options struct {
	Client       *config.ClickHouseConfig
	TablePrefix  string
	MaxBatchSize int
}

func OptionsFrom(cfg factory.Configuration) (*Options, error) {
	if err := factory.Validate(Factory{}, cfg); err != nil {
		return nil, err
	}
	var hosts []string
	for _, h := range strings.Split(cfg.String(OptionHosts), ",") {
		h = strings.TrimSpace(h)
		if h == "" {
			return nil, fmt.Errorf("%w: %s contains an empty entry", factory.ErrInvalidOption, OptionHosts.Key)
		}
		hosts = append(hosts, h)
	}
	batch, err := cfg.Int(OptionMaxBatchSize)
	if err != nil {
		return nil, err
	}
	if batch <= 0 {
		return nil, fmt.Errorf("%w: %s must be positive", factory.ErrInvalidOption, OptionMaxBatchSize.Key)
	}
	return &Options{
		Client: &config.ClickHouseConfig{
			Addresses:    hosts,
			Database:     cfg.String(OptionDatabase),
			Username:     cfg.String(OptionUsername),
			Password:     cfg.String(OptionPassword),
			DialTimeout:  10 * time.Second,
			MaxOpenConns: 5,
			MaxIdleConns: 5,
			MaxLifetime:  time.Hour,
		},
		TablePrefix:  cfg.String(OptionTablePrefix),
		MaxBatchSize: batch,
	}, nil
}
