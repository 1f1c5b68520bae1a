// Package audit provides AuditSink implementations.
package audit

import (
	"context"
	"log/slog"

	"github.com/jobrunner/geoingest/internal/domain"
	"github.com/jobrunner/geoingest/internal/ports/output"
)

// LogSink writes audit events to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

var _ output.AuditSink = (*LogSink)(nil)

// NewLogSink creates a sink logging through logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With("component", "audit")}
}

// Record implements AuditSink.
func (s *LogSink) Record(ctx context.Context, e domain.AuditEvent) {
	attrs := []slog.Attr{
		slog.String("action", e.Action),
		slog.String("user", e.User),
		slog.Time("timestamp", e.Timestamp),
	}
	if e.LayerID != 0 {
		attrs = append(attrs, slog.Int64("layer_id", e.LayerID))
	}
	if e.GroupID != 0 {
		attrs = append(attrs, slog.Int64("group_id", e.GroupID))
	}
	if len(e.Details) > 0 {
		attrs = append(attrs, slog.Any("details", e.Details))
	}
	s.logger.LogAttrs(ctx, slog.LevelInfo, "audit", attrs...)
}
