package observability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"

	"github.com/philippevezina/hybrid-cdc/internal/config"
)

const sentryCloseTimeout = 2 * time.Second

// SentryReporter sends pipeline failures to Sentry on a hub of its own. Events are
// fingerprinted by component, operation and table so that a failing chunk of one
// table groups into a single issue whatever its split id or offset.
type SentryReporter struct {
	client *sentry.Client
	hub    *sentry.Hub
	logger *zap.Logger
}

func NewSentryReporter(cfg *config.SentryConfig, logger *zap.Logger) (*SentryReporter, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("sentry DSN is required")
	}
	return newSentryReporter(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		Release:          cfg.Release,
		SampleRate:       cfg.SampleRate,
		Debug:            cfg.Debug,
		AttachStacktrace: true,
	}, logger)
}

func newSentryReporter(options sentry.ClientOptions, logger *zap.Logger) (*SentryReporter, error) {
	client, err := sentry.NewClient(options)
	if err != nil {
		return nil, fmt.Errorf("failed to create Sentry client: %w", err)
	}
	return &SentryReporter{
		client: client,
		hub:    sentry.NewHub(client, sentry.NewScope()),
		logger: logger,
	}, nil
}

// CaptureError ignores cancellation, which is how every component stops on shutdown.
func (r *SentryReporter) CaptureError(_ context.Context, err error, errCtx *ErrorContext) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	r.hub.WithScope(func(scope *sentry.Scope) {
		describe(scope, errCtx)
		if id := r.hub.CaptureException(err); id == nil {
			r.logger.Debug("Sentry dropped error event", zap.Error(err))
		}
	})
	return nil
}

func (r *SentryReporter) CaptureMessage(_ context.Context, msg string, severity Severity, errCtx *ErrorContext) error {
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentryLevel(severity))
		describe(scope, errCtx)
		r.hub.CaptureMessage(msg)
	})
	return nil
}

// RecordMilestone keeps the latest phase as a tag and the milestone as a breadcrumb.
func (r *SentryReporter) RecordMilestone(m Milestone) {
	if m.Phase != "" {
		r.hub.ConfigureScope(func(scope *sentry.Scope) {
			scope.SetTag("phase", m.Phase)
		})
	}
	r.hub.AddBreadcrumb(&sentry.Breadcrumb{
		Type:      "info",
		Category:  "pipeline",
		Message:   m.Name,
		Data:      m.ToMap(),
		Level:     sentry.LevelInfo,
		Timestamp: time.Now(),
	}, nil)
}

func (r *SentryReporter) Flush(timeout time.Duration) bool {
	return r.hub.Flush(timeout)
}

func (r *SentryReporter) Close() error {
	if !r.client.Flush(sentryCloseTimeout) {
		return fmt.Errorf("sentry flush timed out after %s", sentryCloseTimeout)
	}
	return nil
}

func describe(scope *sentry.Scope, errCtx *ErrorContext) {
	if errCtx == nil {
		return
	}
	var fingerprint []string
	for _, kv := range [][2]string{
		{"component", errCtx.Component},
		{"operation", errCtx.Operation},
		{"table", errCtx.Table},
	} {
		if kv[1] == "" {
			continue
		}
		scope.SetTag(kv[0], kv[1])
		fingerprint = append(fingerprint, kv[1])
	}
	if len(fingerprint) > 0 {
		scope.SetFingerprint(fingerprint)
	}

	pipeline := map[string]interface{}{}
	if errCtx.SplitID != "" {
		pipeline["split_id"] = errCtx.SplitID
	}
	if errCtx.Offset != "" {
		pipeline["offset"] = errCtx.Offset
	}
	for k, v := range errCtx.Extra {
		pipeline[k] = v
	}
	if len(pipeline) > 0 {
		scope.SetContext("pipeline", pipeline)
	}
}

func sentryLevel(severity Severity) sentry.Level {
	switch severity {
	case SeverityDebug:
		return sentry.LevelDebug
	case SeverityInfo:
		return sentry.LevelInfo
	case SeverityWarning:
		return sentry.LevelWarning
	case SeverityFatal:
		return sentry.LevelFatal
	default:
		return sentry.LevelError
	}
}

var _ ErrorReporter = (*SentryReporter)(nil)
