package observability

import (
	"context"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/philippevezina/hybrid-cdc/internal/split"
)

// Severity represents the severity level of an error or message.
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityError
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ErrorReporter sends errors to an external tracker such as Sentry.
type ErrorReporter interface {
	CaptureError(ctx context.Context, err error, errCtx *ErrorContext) error
	CaptureMessage(ctx context.Context, msg string, severity Severity, errCtx *ErrorContext) error
	// RecordMilestone leaves a trail that is attached to later reports.
	RecordMilestone(m Milestone)
	// Flush returns false if the timeout was reached before everything was sent.
	Flush(timeout time.Duration) bool
	Close() error
}

// LogExporter forwards the process logs to an external provider by wrapping the zap core.
type LogExporter interface {
	WrapCore(core zapcore.Core) (zapcore.Core, error)
	RecordMilestone(m Milestone)
	Flush(timeout time.Duration) bool
	Close() error
}

// ErrorContext describes where in the pipeline an error happened.
type ErrorContext struct {
	// Component is the pipeline part, e.g. "snapshot", "stream", "checkpoint".
	Component string
	Operation string
	SplitID   string
	Table     string
	// Offset is the change-log position the error relates to, if any.
	Offset string
	Extra  map[string]interface{}
}

func NewErrorContext(component, operation string) *ErrorContext {
	return &ErrorContext{
		Component: component,
		Operation: operation,
		Extra:     make(map[string]interface{}),
	}
}

func (ec *ErrorContext) WithSplit(splitID string) *ErrorContext {
	ec.SplitID = splitID
	return ec
}

func (ec *ErrorContext) WithTable(table split.TableID) *ErrorContext {
	ec.Table = table.String()
	return ec
}

// WithOffset records offset; a nil offset leaves the context unchanged.
func (ec *ErrorContext) WithOffset(offset split.Offset) *ErrorContext {
	if offset != nil {
		ec.Offset = offset.String()
	}
	return ec
}

func (ec *ErrorContext) WithExtra(key string, value interface{}) *ErrorContext {
	if ec.Extra == nil {
		ec.Extra = make(map[string]interface{})
	}
	ec.Extra[key] = value
	return ec
}

// ToMap flattens the context, leaving out empty fields.
func (ec *ErrorContext) ToMap() map[string]interface{} {
	result := make(map[string]interface{}, len(ec.Extra)+5)
	for k, v := range map[string]string{
		"component": ec.Component,
		"operation": ec.Operation,
		"split_id":  ec.SplitID,
		"table":     ec.Table,
		"offset":    ec.Offset,
	} {
		if v != "" {
			result[k] = v
		}
	}
	for k, v := range ec.Extra {
		result[k] = v
	}
	return result
}

// Milestone marks a step of the pipeline lifecycle, such as the end of the snapshot
// phase or a stream suspension.
type Milestone struct {
	Name   string
	Phase  string
	Offset string
	Attrs  map[string]interface{}
}

func (m Milestone) ToMap() map[string]interface{} {
	result := make(map[string]interface{}, len(m.Attrs)+3)
	for k, v := range m.Attrs {
		result[k] = v
	}
	result["milestone"] = m.Name
	if m.Phase != "" {
		result["phase"] = m.Phase
	}
	if m.Offset != "" {
		result["offset"] = m.Offset
	}
	return result
}
