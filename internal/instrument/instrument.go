package instrument

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type ctxKey int

const (
	traceIDKey ctxKey = iota
	parentSpanIDKey
	instrumenterKey
)

// Instrumenter starts spans and records one-shot business events.
type Instrumenter interface {
	StartSpan(ctx context.Context, source, component, action string) (context.Context, Span)
	EmitBusinessEvent(ctx context.Context, action, entity, recordID string, metadata map[string]any)
}

// Span is a timed operation. End is idempotent.
type Span interface {
	End()
	SetStatus(status string)
	SetMetadata(key string, value any)
	SetEntity(entity, recordID string)
	TraceID() string
	SpanID() string
}

// Event is a row in the _events table.
type Event struct {
	TraceID      string         `json:"trace_id"`
	SpanID       string         `json:"span_id"`
	ParentSpanID *string        `json:"parent_span_id"`
	EventType    string         `json:"event_type"`
	Source       string         `json:"source"`
	Component    string         `json:"component"`
	Action       string         `json:"action"`
	Entity       *string        `json:"entity"`
	RecordID     *string        `json:"record_id"`
	UserID       *string        `json:"user_id"`
	DurationMs   *float64       `json:"duration_ms"`
	Status       *string        `json:"status"`
	Metadata     map[string]any `json:"metadata"`
	CreatedAt    time.Time      `json:"created_at"`
}

func newUUID() string {
	return uuid.New().String()
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

func GetTraceID(ctx context.Context) string {
	v, _ := ctx.Value(traceIDKey).(string)
	return v
}

func withParentSpanID(ctx context.Context, spanID string) context.Context {
	return context.WithValue(ctx, parentSpanIDKey, spanID)
}

func getParentSpanID(ctx context.Context) string {
	v, _ := ctx.Value(parentSpanIDKey).(string)
	return v
}

func WithInstrumenter(ctx context.Context, inst Instrumenter) context.Context {
	return context.WithValue(ctx, instrumenterKey, inst)
}

// GetInstrumenter returns the instrumenter from the context,
// or a NoopInstrumenter if none is set.
func GetInstrumenter(ctx context.Context) Instrumenter {
	if v, ok := ctx.Value(instrumenterKey).(Instrumenter); ok {
		return v
	}
	return &NoopInstrumenter{}
}

// BufferedInstrumenter enqueues spans and events to an EventBuffer.
type BufferedInstrumenter struct {
	buffer *EventBuffer
}

func NewInstrumenter(buffer *EventBuffer) *BufferedInstrumenter {
	return &BufferedInstrumenter{buffer: buffer}
}

// StartSpan creates a span; the returned context makes it the parent of
// spans started from it.
func (i *BufferedInstrumenter) StartSpan(ctx context.Context, source, component, action string) (context.Context, Span) {
	span := &bufferedSpan{
		traceID:      GetTraceID(ctx),
		spanID:       newUUID(),
		parentSpanID: getParentSpanID(ctx),
		source:       source,
		component:    component,
		action:       action,
		startTime:    time.Now(),
		metadata:     make(map[string]any),
		buffer:       i.buffer,
	}
	return withParentSpanID(ctx, span.spanID), span
}

func (i *BufferedInstrumenter) EmitBusinessEvent(ctx context.Context, action, entity, recordID string, metadata map[string]any) {
	i.buffer.Enqueue(Event{
		TraceID:      GetTraceID(ctx),
		SpanID:       newUUID(),
		ParentSpanID: optional(getParentSpanID(ctx)),
		EventType:    "business",
		Source:       "business",
		Component:    "api",
		Action:       action,
		Entity:       optional(entity),
		RecordID:     optional(recordID),
		Metadata:     metadata,
	})
}

type bufferedSpan struct {
	mu           sync.Mutex
	traceID      string
	spanID       string
	parentSpanID string
	source       string
	component    string
	action       string
	entity       *string
	recordID     *string
	status       *string
	startTime    time.Time
	metadata     map[string]any
	buffer       *EventBuffer
	ended        bool
}

func (s *bufferedSpan) TraceID() string { return s.traceID }
func (s *bufferedSpan) SpanID() string  { return s.spanID }

func (s *bufferedSpan) SetStatus(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = &status
}

func (s *bufferedSpan) SetMetadata(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata[key] = value
}

func (s *bufferedSpan) SetEntity(entity, recordID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entity = &entity
	s.recordID = optional(recordID)
}

func (s *bufferedSpan) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true

	durationMs := float64(time.Since(s.startTime).Microseconds()) / 1000.0
	s.buffer.Enqueue(Event{
		TraceID:      s.traceID,
		SpanID:       s.spanID,
		ParentSpanID: optional(s.parentSpanID),
		EventType:    "system",
		Source:       s.source,
		Component:    s.component,
		Action:       s.action,
		Entity:       s.entity,
		RecordID:     s.recordID,
		DurationMs:   &durationMs,
		Status:       s.status,
		Metadata:     s.metadata,
	})
}
