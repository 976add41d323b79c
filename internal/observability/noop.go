package observability

import (
	"context"
	"time"

	"go.uber.org/zap/zapcore"
)

// disabled stands in for both providers when they are turned off.
type disabled struct{}

func (disabled) CaptureError(context.Context, error, *ErrorContext) error { return nil }

func (disabled) CaptureMessage(context.Context, string, Severity, *ErrorContext) error { return nil }

func (disabled) RecordMilestone(Milestone) {}

func (disabled) WrapCore(core zapcore.Core) (zapcore.Core, error) { return core, nil }

func (disabled) Flush(time.Duration) bool { return true }

func (disabled) Close() error { return nil }

var (
	_ ErrorReporter = disabled{}
	_ LogExporter   = disabled{}
)
