// Package tracing times multi-stage jobs as trees of spans carried through
// contexts. The rebuild pipeline uses it to attribute a slow run to its
// collect or swap phase; finished trees are emitted through slog.
package tracing

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type spanCtxKey struct{}

// Span is one timed stage of a job. Child spans attach to the parent found
// in the context they were started from.
type Span struct {
	Name     string
	TraceID  string
	Started  time.Time
	Duration time.Duration

	mu       sync.Mutex
	children []*Span
	attrs    map[string]any
}

func newSpan(name, traceID string) *Span {
	return &Span{
		Name:    name,
		TraceID: traceID,
		Started: time.Now(),
		attrs:   make(map[string]any),
	}
}

// StartSpan begins a root span identified by traceID and stores it in the
// returned context.
func StartSpan(ctx context.Context, name, traceID string) (context.Context, *Span) {
	span := newSpan(name, traceID)
	return context.WithValue(ctx, spanCtxKey{}, span), span
}

// StartChildSpan begins a span under the one stored in ctx. Without a
// parent in ctx the child becomes a detached root with no trace id.
func StartChildSpan(ctx context.Context, name string) (context.Context, *Span) {
	child := newSpan(name, "")
	if parent := SpanFromContext(ctx); parent != nil {
		child.TraceID = parent.TraceID
		parent.mu.Lock()
		parent.children = append(parent.children, child)
		parent.mu.Unlock()
	}
	return context.WithValue(ctx, spanCtxKey{}, child), child
}

// SpanFromContext returns the span stored in ctx, or nil.
func SpanFromContext(ctx context.Context) *Span {
	span, _ := ctx.Value(spanCtxKey{}).(*Span)
	return span
}

// End freezes the span's duration. Attributes set afterwards still appear
// when the tree is logged.
func (s *Span) End() {
	s.Duration = time.Since(s.Started)
}

// SetAttr attaches one key-value attribute to the span.
func (s *Span) SetAttr(key string, value any) {
	s.mu.Lock()
	s.attrs[key] = value
	s.mu.Unlock()
}

// Log emits the span and its descendants as one slog record per span,
// root first.
func (s *Span) Log() {
	s.log(0)
}

func (s *Span) log(depth int) {
	s.mu.Lock()
	fields := []any{
		"trace_id", s.TraceID,
		"span", s.Name,
		"duration_ms", s.Duration.Milliseconds(),
		"depth", depth,
	}
	for k, v := range s.attrs {
		fields = append(fields, k, v)
	}
	children := s.children
	s.mu.Unlock()

	slog.Info("span", fields...)
	for _, child := range children {
		child.log(depth + 1)
	}
}
