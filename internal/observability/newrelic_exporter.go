package observability

import (
	"fmt"
	"io"
	"time"

	"github.com/newrelic/go-agent/v3/integrations/logcontext-v2/nrzap"
	"github.com/newrelic/go-agent/v3/newrelic"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/philippevezina/hybrid-cdc/internal/config"
)

const (
	newRelicConnectTimeout = 10 * time.Second
	milestoneEventType     = "HybridCDCMilestone"
)

// NewRelicExporter forwards logs at or above a minimum level to New Relic and records
// pipeline milestones as custom events.
type NewRelicExporter struct {
	app          *newrelic.Application
	minLevel     zapcore.Level
	flushTimeout time.Duration
	logger       *zap.Logger
}

func NewNewRelicExporter(cfg *config.NewRelicConfig, logger *zap.Logger) (*NewRelicExporter, error) {
	if cfg.LicenseKey == "" {
		return nil, fmt.Errorf("new relic license key is required")
	}
	if cfg.AppName == "" {
		return nil, fmt.Errorf("new relic app name is required")
	}
	minLevel, err := forwardingLevel(cfg.MinLogLevel)
	if err != nil {
		return nil, err
	}

	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(cfg.AppName),
		newrelic.ConfigLicense(cfg.LicenseKey),
		newrelic.ConfigAppLogForwardingEnabled(cfg.LogForwarding),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create New Relic application: %w", err)
	}
	if err := app.WaitForConnection(newRelicConnectTimeout); err != nil {
		logger.Warn("New Relic connection timeout, will continue in background", zap.Error(err))
	}

	return &NewRelicExporter{
		app:          app,
		minLevel:     minLevel,
		flushTimeout: flushTimeout(cfg.FlushTimeout),
		logger:       logger,
	}, nil
}

// WrapCore tees core with a forwarding branch. The branch writes nothing locally, so
// the local output keeps its own level while New Relic only receives minLevel and up.
func (e *NewRelicExporter) WrapCore(core zapcore.Core) (zapcore.Core, error) {
	sink := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		zapcore.AddSync(io.Discard),
		e.minLevel,
	)
	forward, err := nrzap.WrapBackgroundCore(sink, e.app)
	if err != nil {
		return core, fmt.Errorf("failed to wrap zap core for New Relic: %w", err)
	}
	return zapcore.NewTee(core, forward), nil
}

func (e *NewRelicExporter) RecordMilestone(m Milestone) {
	attrs := m.ToMap()
	for k, v := range attrs {
		switch v.(type) {
		case string, bool, int, int64, uint64, float64:
		default:
			attrs[k] = fmt.Sprint(v)
		}
	}
	e.app.RecordCustomEvent(milestoneEventType, attrs)
}

// Flush shuts the agent down; New Relic has no way to flush a live application.
func (e *NewRelicExporter) Flush(timeout time.Duration) bool {
	e.app.Shutdown(timeout)
	return true
}

func (e *NewRelicExporter) Close() error {
	e.app.Shutdown(e.flushTimeout)
	return nil
}

func forwardingLevel(name string) (zapcore.Level, error) {
	if name == "" {
		return zapcore.InfoLevel, nil
	}
	level, err := zapcore.ParseLevel(name)
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("invalid new relic min_log_level %q: %w", name, err)
	}
	return level, nil
}

var _ LogExporter = (*NewRelicExporter)(nil)
