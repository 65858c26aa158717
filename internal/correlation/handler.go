package correlation

import (
	"context"
	"log/slog"
)

// AttrKey is the attribute name the log handler stamps onto records.
const AttrKey = "correlation_id"

// LogHandler wraps a slog.Handler and adds the correlation ID from the
// record's context to every record that has one. Install it once at logger
// setup; handlers then log with the request context and get the ID for free.
type LogHandler struct {
	inner slog.Handler
}

var _ slog.Handler = (*LogHandler)(nil)

func NewLogHandler(inner slog.Handler) *LogHandler {
	return &LogHandler{inner: inner}
}

func (h *LogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *LogHandler) Handle(ctx context.Context, r slog.Record) error {
	if id := FromContext(ctx); id != "" {
		r = r.Clone()
		r.AddAttrs(slog.String(AttrKey, id))
	}
	return h.inner.Handle(ctx, r)
}

func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LogHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *LogHandler) WithGroup(name string) slog.Handler {
	return &LogHandler{inner: h.inner.WithGroup(name)}
}
