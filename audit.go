package careAuth

import (
	"io"
	"log/slog"

	"github.com/MrEthical07/careAuth/internal/audit"
)

// AuditEvent is one recorded authentication or authorization decision.
type AuditEvent = audit.Event

// AuditSink receives audit events from the Engine's dispatcher.
type AuditSink = audit.Sink

// AuditAppender is a durable, write-once audit log such as the SQL
// audit_events table.
type AuditAppender = audit.Appender

type (
	NoOpSink       = audit.NoOpSink
	JSONWriterSink = audit.JSONWriterSink
	MultiSink      = audit.MultiSink
)

// NewJSONWriterSink writes one JSON object per line to w.
func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return audit.NewJSONWriterSink(w)
}

// NewAppenderSink forwards events to a durable appender. Append failures are
// logged at WARN and dropped.
func NewAppenderSink(appender AuditAppender, logger *slog.Logger) AuditSink {
	return audit.NewAppenderSink(appender, logger, 0)
}
