// Package elasticsearch delivers change events to an Elasticsearch index through the bulk API.
package elasticsearch

import (
	"fmt"
	"time"

	es "github.com/elastic/go-elasticsearch/v7"
	"go.uber.org/zap"

	"github.com/philippevezina/hybrid-cdc/internal/factory"
	"github.com/philippevezina/hybrid-cdc/internal/sink"
)

const Identifier = "elasticsearch"

var (
	OptionHosts = factory.Option{Key: "hosts",
		Description: "Comma separated [scheme://]host[:port] list of cluster nodes."}
	OptionIndex = factory.Option{Key: "index",
		Description: "Index that receives the documents."}
	OptionMaxBatchSize = factory.Option{Key: "max-batch-size", Default: "500",
		Description: "Maximum number of actions in one bulk request."}
	OptionMaxInFlightRequests = factory.Option{Key: "max-in-flight-requests", Default: "5",
		Description: "Maximum number of concurrent bulk requests."}
	OptionMaxBufferedRequests = factory.Option{Key: "max-buffered-requests", Default: "1000",
		Description: "Maximum number of actions buffered before a write blocks on a flush."}
	OptionMaxBatchBytes = factory.Option{Key: "max-batch-bytes", Default: "5242880",
		Description: "Maximum size of one bulk request in bytes."}
	OptionMaxBufferTime = factory.Option{Key: "max-buffer-time-ms", Default: "5000",
		Description: "Maximum time an action waits in the buffer."}
	OptionMaxRecordBytes = factory.Option{Key: "max-record-bytes", Default: "10485760",
		Description: "Maximum size of one document in bytes."}
	OptionUsername = factory.Option{Key: "username", Description: "Basic auth user."}
	OptionPassword = factory.Option{Key: "password", Description: "Basic auth password."}
)

type Factory struct{}

var _ factory.SinkFactory = Factory{}

func (Factory) Identifier() string { return Identifier }

func (Factory) RequiredOptions() []factory.Option {
	return []factory.Option{OptionHosts, OptionIndex}
}

func (Factory) OptionalOptions() []factory.Option {
	return []factory.Option{
		OptionMaxBatchSize,
		OptionMaxInFlightRequests,
		OptionMaxBufferedRequests,
		OptionMaxBatchBytes,
		OptionMaxBufferTime,
		OptionMaxRecordBytes,
		OptionUsername,
		OptionPassword,
	}
}

func (f Factory) CreateSink(ctx factory.Context) (sink.Sink, error) {
	cfg, err := ConfigFromOptions(ctx.Options, ctx.Pipeline)
	if err != nil {
		return nil, err
	}
	logger := ctx.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return NewSink(cfg, logger.With(zap.String("component", "elasticsearch-sink")))
}

// Config is the parsed sink configuration.
type Config struct {
	Endpoints           []Endpoint
	Index               string
	Username            string
	Password            string
	MaxBatchSize        int
	MaxInFlightRequests int
	MaxBufferedRequests int
	MaxBatchBytes       int
	MaxBufferTime       time.Duration
	MaxRecordBytes      int
	Location            *time.Location
}

// ConfigFromOptions parses and checks the factory options. pipeline supplies the local time zone.
func ConfigFromOptions(options, pipeline factory.Configuration) (*Config, error) {
	if err := factory.Validate(Factory{}, options); err != nil {
		return nil, err
	}
	endpoints, err := ParseEndpoints(options.String(OptionHosts))
	if err != nil {
		return nil, err
	}
	loc, err := pipeline.Location()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Endpoints: endpoints,
		Index:     options.String(OptionIndex),
		Username:  options.String(OptionUsername),
		Password:  options.String(OptionPassword),
		Location:  loc,
	}
	ints := []struct {
		opt factory.Option
		dst *int
	}{
		{OptionMaxBatchSize, &cfg.MaxBatchSize},
		{OptionMaxInFlightRequests, &cfg.MaxInFlightRequests},
		{OptionMaxBufferedRequests, &cfg.MaxBufferedRequests},
		{OptionMaxBatchBytes, &cfg.MaxBatchBytes},
		{OptionMaxRecordBytes, &cfg.MaxRecordBytes},
	}
	for _, i := range ints {
		v, err := options.Int(i.opt)
		if err != nil {
			return nil, err
		}
		if v <= 0 {
			return nil, fmt.Errorf("%w: %s must be positive", factory.ErrInvalidOption, i.opt.Key)
		}
		*i.dst = v
	}
	if cfg.MaxBufferTime, err = options.Duration(OptionMaxBufferTime); err != nil {
		return nil, err
	}
	if cfg.MaxBufferedRequests < cfg.MaxBatchSize {
		return nil, fmt.Errorf("%w: %s (%d) must not be smaller than %s (%d)", factory.ErrInvalidOption,
			OptionMaxBufferedRequests.Key, cfg.MaxBufferedRequests, OptionMaxBatchSize.Key, cfg.MaxBatchSize)
	}
	return cfg, nil
}

func (c *Config) clientConfig() es.Config {
	addresses := make([]string, len(c.Endpoints))
	for i, e := range c.Endpoints {
		addresses[i] = e.URL()
	}
	return es.Config{
		Addresses: addresses,
		Username:  c.Username,
		Password:  c.Password,
	}
}
