package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/outpost-dev/selfmod/core/config"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/trace"
)

// Entry is one flushed log line, matching the persisted IterationLog shape.
type Entry struct {
	Timestamp time.Time
	Level     string
	Message   string
	Context   map[string]any
}

// RingBuffer accumulates log entries in process memory between flushes.
// It is bounded: once full, the oldest entry is dropped to make room for the
// newest, so a runaway iteration cannot grow memory unbounded.
type RingBuffer struct {
	mu       sync.Mutex
	entries  []Entry
	capacity int
}

// NewRingBuffer creates a buffer that holds at most capacity entries.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 1000
	}
	return &RingBuffer{capacity: capacity}
}

// Add appends an entry, dropping the oldest if the buffer is at capacity.
func (b *RingBuffer) Add(e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) >= b.capacity {
		b.entries = b.entries[1:]
	}
	b.entries = append(b.entries, e)
}

// Flush returns a copy of all buffered entries and empties the buffer.
// Intended to be called exactly once per iteration.
func (b *RingBuffer) Flush() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Entry, len(b.entries))
	copy(out, b.entries)
	b.entries = nil
	return out
}

// Peek returns a copy of the buffered entries without clearing them, for
// readers (reflection) that run before the per-iteration flush.
func (b *RingBuffer) Peek() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Entry, len(b.entries))
	copy(out, b.entries)
	return out
}

var defaultBuffer = NewRingBuffer(2000)

// Buffer returns the process-wide ring buffer every log record is mirrored
// into. The iteration driver flushes and persists it once per iteration.
func Buffer() *RingBuffer {
	return defaultBuffer
}

func Setup(cfg config.Config) {
	var base slog.Handler

	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	if lvl, ok := parseLevel(cfg.LogLevel); ok {
		opts.Level = lvl
	} else if cfg.IsDevelopment() {
		opts.Level = slog.LevelDebug
	}

	switch {
	case cfg.IsProduction() && cfg.OTel.Enabled():
		base = otelslog.NewHandler(
			cfg.OTel.ServiceName,
			otelslog.WithLoggerProvider(global.GetLoggerProvider()),
		)
	case cfg.IsProduction():
		base = slog.NewJSONHandler(os.Stdout, opts)
	default:
		// Development mode: write logs to both stdout and a dated file.
		writer := createDevWriter()
		base = slog.NewTextHandler(writer, opts)
	}

	handler := NewTraceHandler(NewBufferHandler(base, defaultBuffer))
	slog.SetDefault(slog.New(handler))
}

func parseLevel(s string) (slog.Level, bool) {
	switch s {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

func createDevWriter() io.Writer {
	logsDir := "logs"
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to create logs directory: %v\n", err)
		return os.Stdout
	}

	timestamp := time.Now().Format("2006-01-02")
	logFileName := filepath.Join(logsDir, fmt.Sprintf("selfmod-%s.log", timestamp))

	logFile, err := os.OpenFile(logFileName, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to open log file: %v\n", err)
		return os.Stdout
	}

	return io.MultiWriter(os.Stdout, logFile)
}

// TraceHandler enriches every record with OTel trace/span ids and the
// structured fields carried on the context (iteration id, phase, component).
type TraceHandler struct {
	slog.Handler
}

func NewTraceHandler(h slog.Handler) *TraceHandler {
	return &TraceHandler{Handler: h}
}

func (h *TraceHandler) Handle(ctx context.Context, r slog.Record) error {
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}

	fields := GetLogFields(ctx)
	if fields.IterationID != nil {
		r.AddAttrs(slog.Int64("iteration_id", *fields.IterationID))
	}
	if fields.Phase != nil {
		r.AddAttrs(slog.String("phase", *fields.Phase))
	}
	if fields.Attempt != nil {
		r.AddAttrs(slog.Int("attempt", *fields.Attempt))
	}
	if fields.Component != "" {
		r.AddAttrs(slog.String("component", fields.Component))
	}

	return h.Handler.Handle(ctx, r)
}

func (h *TraceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TraceHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *TraceHandler) WithGroup(name string) slog.Handler {
	return &TraceHandler{Handler: h.Handler.WithGroup(name)}
}

// BufferHandler mirrors every record into a RingBuffer before delegating to
// the wrapped handler, so the iteration driver can persist the run's log
// without re-reading whatever sink the wrapped handler writes to.
type BufferHandler struct {
	slog.Handler
	buf *RingBuffer
}

func NewBufferHandler(h slog.Handler, buf *RingBuffer) *BufferHandler {
	return &BufferHandler{Handler: h, buf: buf}
}

func (h *BufferHandler) Handle(ctx context.Context, r slog.Record) error {
	fields := map[string]any{}
	r.Attrs(func(a slog.Attr) bool {
		fields[a.Key] = a.Value.Any()
		return true
	})
	h.buf.Add(Entry{
		Timestamp: r.Time,
		Level:     r.Level.String(),
		Message:   r.Message,
		Context:   fields,
	})
	return h.Handler.Handle(ctx, r)
}

func (h *BufferHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &BufferHandler{Handler: h.Handler.WithAttrs(attrs), buf: h.buf}
}

func (h *BufferHandler) WithGroup(name string) slog.Handler {
	return &BufferHandler{Handler: h.Handler.WithGroup(name), buf: h.buf}
}
