package observability

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/philippevezina/hybrid-cdc/internal/config"
)

const defaultFlushTimeout = 5 * time.Second

// Manager owns the error reporter and the log exporter selected by configuration.
type Manager struct {
	cfg           *config.ObservabilityConfig
	logger        *zap.Logger
	errorReporter ErrorReporter
	logExporter   LogExporter
}

func NewManager(cfg *config.ObservabilityConfig, logger *zap.Logger) (*Manager, error) {
	m := &Manager{
		cfg:    cfg,
		logger: logger,
	}

	reporter, err := m.newErrorReporter()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize error reporter: %w", err)
	}
	m.errorReporter = reporter

	exporter, err := m.newLogExporter()
	if err != nil {
		_ = reporter.Close()
		return nil, fmt.Errorf("failed to initialize log exporter: %w", err)
	}
	m.logExporter = exporter

	return m, nil
}

func (m *Manager) newErrorReporter() (ErrorReporter, error) {
	if !m.cfg.ErrorReporting.Enabled {
		return disabled{}, nil
	}

	switch m.cfg.ErrorReporting.Provider {
	case "sentry":
		reporter, err := NewSentryReporter(&m.cfg.ErrorReporting.Sentry, m.logger)
		if err != nil {
			return nil, err
		}
		m.logger.Info("Sentry error reporter initialized",
			zap.String("environment", m.cfg.ErrorReporting.Sentry.Environment))
		return reporter, nil
	case "noop", "":
		return disabled{}, nil
	default:
		return nil, fmt.Errorf("unknown error reporting provider: %s", m.cfg.ErrorReporting.Provider)
	}
}

func (m *Manager) newLogExporter() (LogExporter, error) {
	if !m.cfg.LogExporting.Enabled {
		return disabled{}, nil
	}

	switch m.cfg.LogExporting.Provider {
	case "newrelic":
		exporter, err := NewNewRelicExporter(&m.cfg.LogExporting.NewRelic, m.logger)
		if err != nil {
			return nil, err
		}
		m.logger.Info("New Relic log exporter initialized",
			zap.String("app_name", m.cfg.LogExporting.NewRelic.AppName))
		return exporter, nil
	case "noop", "":
		return disabled{}, nil
	default:
		return nil, fmt.Errorf("unknown log exporting provider: %s", m.cfg.LogExporting.Provider)
	}
}

func (m *Manager) ErrorReporter() ErrorReporter {
	return m.errorReporter
}

// WrapZapCore returns core wrapped by the log exporter, or core itself if wrapping fails.
func (m *Manager) WrapZapCore(core zapcore.Core) zapcore.Core {
	wrapped, err := m.logExporter.WrapCore(core)
	if err != nil {
		m.logger.Warn("Failed to wrap zap core for log forwarding", zap.Error(err))
		return core
	}
	return wrapped
}

// Report logs err and sends it to the error reporter.
func (m *Manager) Report(ctx context.Context, err error, errCtx *ErrorContext) {
	if err == nil {
		return
	}
	if errCtx == nil {
		errCtx = &ErrorContext{}
	}
	fields := make([]zap.Field, 0, len(errCtx.ToMap())+1)
	for k, v := range errCtx.ToMap() {
		fields = append(fields, zap.Any(k, v))
	}
	m.logger.Error("Pipeline error", append(fields, zap.Error(err))...)

	if captureErr := m.errorReporter.CaptureError(ctx, err, errCtx); captureErr != nil {
		m.logger.Warn("Failed to report error", zap.Error(captureErr))
	}
}

// Milestone records a pipeline lifecycle step with both providers.
func (m *Manager) Milestone(milestone Milestone) {
	m.logger.Debug("Pipeline milestone",
		zap.String("milestone", milestone.Name),
		zap.String("phase", milestone.Phase),
		zap.String("offset", milestone.Offset))
	m.errorReporter.RecordMilestone(milestone)
	m.logExporter.RecordMilestone(milestone)
}

func (m *Manager) Stop() error {
	var errs error

	if !m.errorReporter.Flush(flushTimeout(m.cfg.ErrorReporting.Sentry.FlushTimeout)) {
		m.logger.Warn("Error reporter flush timed out")
	}
	errs = multierr.Append(errs, m.errorReporter.Close())

	if !m.logExporter.Flush(flushTimeout(m.cfg.LogExporting.NewRelic.FlushTimeout)) {
		m.logger.Warn("Log exporter flush timed out")
	}
	errs = multierr.Append(errs, m.logExporter.Close())

	if errs != nil {
		return fmt.Errorf("failed to stop observability providers: %w", errs)
	}
	m.logger.Info("Observability manager stopped")
	return nil
}

func flushTimeout(configured time.Duration) time.Duration {
	if configured > 0 {
		return configured
	}
	return defaultFlushTimeout
}
