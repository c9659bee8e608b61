package telemetry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/traceping/internal/ctxutil"
)

// LevelTrace is one step more verbose than debug.
const LevelTrace = slog.LevelDebug - 4

// ParseLevel parses a verbosity filter such as "info", "WARN" or "debug+2".
// An empty string means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return slog.LevelInfo, nil
	case "trace":
		return LevelTrace, nil
	case "warning":
		return slog.LevelWarn, nil
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return l, nil
}

func newConsoleHandler(format string, w io.Writer, level slog.Leveler) (slog.Handler, error) {
	hopts := &slog.HandlerOptions{Level: level}
	switch format {
	case "json":
		return slog.NewJSONHandler(w, hopts), nil
	case "text":
		return slog.NewTextHandler(w, hopts), nil
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}
}

// spanHandler forwards records to the console handler and copies each one
// onto the recording span found in the record's context as a span event.
// The level filter of the wrapped handler applies to both outputs.
type spanHandler struct {
	next  slog.Handler                      // console with attrs and groups applied
	base  slog.Handler                      // console before any WithAttrs or WithGroup
	ops   []func(slog.Handler) slog.Handler // replays WithAttrs and WithGroup onto base
	attrs []attribute.KeyValue              // from WithAttrs, keys already prefixed
	group string                            // dotted prefix from WithGroup
}

func newSpanHandler(next slog.Handler) *spanHandler {
	return &spanHandler{next: next, base: next}
}

func (h *spanHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.next.Enabled(ctx, l)
}

func (h *spanHandler) Handle(ctx context.Context, r slog.Record) error {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		kvs := make([]attribute.KeyValue, 0, 1+len(h.attrs)+r.NumAttrs())
		kvs = append(kvs, attribute.String("level", r.Level.String()))
		kvs = append(kvs, h.attrs...)
		r.Attrs(func(a slog.Attr) bool {
			kvs = appendAttr(kvs, h.group, a)
			return true
		})
		span.AddEvent(r.Message, trace.WithAttributes(kvs...), trace.WithTimestamp(r.Time))
	}

	corr := correlationAttrs(ctx)
	if len(corr) == 0 {
		return h.next.Handle(ctx, r)
	}
	// Correlation fields stay top-level, outside any open group.
	next := h.base.WithAttrs(corr)
	for _, op := range h.ops {
		next = op(next)
	}
	return next.Handle(ctx, r)
}

func correlationAttrs(ctx context.Context) []slog.Attr {
	var as []slog.Attr
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		as = append(as,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if id := ctxutil.RequestIDFromContext(ctx); id != "" {
		as = append(as, slog.String("request_id", id))
	}
	return as
}

func (h *spanHandler) WithAttrs(as []slog.Attr) slog.Handler {
	if len(as) == 0 {
		return h
	}
	kvs := slices.Clone(h.attrs)
	for _, a := range as {
		kvs = appendAttr(kvs, h.group, a)
	}
	return &spanHandler{
		next:  h.next.WithAttrs(as),
		base:  h.base,
		ops:   append(slices.Clip(h.ops), func(next slog.Handler) slog.Handler { return next.WithAttrs(as) }),
		attrs: kvs,
		group: h.group,
	}
}

func (h *spanHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &spanHandler{
		next:  h.next.WithGroup(name),
		base:  h.base,
		ops:   append(slices.Clip(h.ops), func(next slog.Handler) slog.Handler { return next.WithGroup(name) }),
		attrs: h.attrs,
		group: h.group + name + ".",
	}
}

// appendAttr converts a slog attribute into span attributes, flattening
// groups into dotted keys.
func appendAttr(kvs []attribute.KeyValue, prefix string, a slog.Attr) []attribute.KeyValue {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return kvs
	}
	key := prefix + a.Key

	switch a.Value.Kind() {
	case slog.KindGroup:
		p := prefix
		if a.Key != "" {
			p = key + "."
		}
		for _, ga := range a.Value.Group() {
			kvs = appendAttr(kvs, p, ga)
		}
		return kvs
	case slog.KindString:
		return append(kvs, attribute.String(key, a.Value.String()))
	case slog.KindInt64:
		return append(kvs, attribute.Int64(key, a.Value.Int64()))
	case slog.KindUint64:
		u := a.Value.Uint64()
		if u > math.MaxInt64 {
			return append(kvs, attribute.String(key, strconv.FormatUint(u, 10)))
		}
		return append(kvs, attribute.Int64(key, int64(u)))
	case slog.KindFloat64:
		return append(kvs, attribute.Float64(key, a.Value.Float64()))
	case slog.KindBool:
		return append(kvs, attribute.Bool(key, a.Value.Bool()))
	case slog.KindDuration:
		return append(kvs, attribute.String(key, a.Value.Duration().String()))
	case slog.KindTime:
		return append(kvs, attribute.String(key, a.Value.Time().Format(time.RFC3339Nano)))
	default:
		if err, ok := a.Value.Any().(error); ok {
			return append(kvs, attribute.String(key, err.Error()))
		}
		return append(kvs, attribute.String(key, fmt.Sprint(a.Value.Any())))
	}
}
