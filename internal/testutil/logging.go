package testutil

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
)

// Entry is one captured log record. Attributes inside groups are keyed
// by their dotted path.
type Entry struct {
	Level   slog.Level
	Message string
	Attrs   map[string]any
}

// TestLogger captures the records of every logger derived from it
type TestLogger struct {
	mu      sync.Mutex
	entries []Entry
}

func NewTestLogger() *TestLogger {
	return &TestLogger{}
}

// Logger returns a logger recording into l at every level
func (l *TestLogger) Logger() *slog.Logger {
	return slog.New(&captureHandler{sink: l})
}

func (l *TestLogger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.entries)
}

func (l *TestLogger) EntriesByLevel(level slog.Level) []Entry {
	var out []Entry
	for _, e := range l.Entries() {
		if e.Level == level {
			out = append(out, e)
		}
	}
	return out
}

// HasMessage reports whether a record at level contains substr
func (l *TestLogger) HasMessage(level slog.Level, substr string) bool {
	return slices.ContainsFunc(l.EntriesByLevel(level), func(e Entry) bool {
		return strings.Contains(e.Message, substr)
	})
}

type captureHandler struct {
	sink   *TestLogger
	prefix string
	attrs  map[string]any
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	attrs := make(map[string]any, len(h.attrs)+r.NumAttrs())
	for k, v := range h.attrs {
		attrs[k] = v
	}
	r.Attrs(func(a slog.Attr) bool {
		flatten(attrs, h.prefix, a)
		return true
	})

	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	h.sink.entries = append(h.sink.entries, Entry{Level: r.Level, Message: r.Message, Attrs: attrs})
	return nil
}

func (h *captureHandler) WithAttrs(as []slog.Attr) slog.Handler {
	next := &captureHandler{sink: h.sink, prefix: h.prefix, attrs: make(map[string]any, len(h.attrs)+len(as))}
	for k, v := range h.attrs {
		next.attrs[k] = v
	}
	for _, a := range as {
		flatten(next.attrs, h.prefix, a)
	}
	return next
}

func (h *captureHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &captureHandler{sink: h.sink, prefix: h.prefix + name + ".", attrs: h.attrs}
}

func flatten(into map[string]any, prefix string, a slog.Attr) {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p += a.Key + "."
		}
		for _, ga := range v.Group() {
			flatten(into, p, ga)
		}
		return
	}
	into[prefix+a.Key] = v.Any()
}
