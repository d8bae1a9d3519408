package instrument

import "context"

// NoopInstrumenter discards everything. It is used when tracing is disabled
// or the request was sampled out.
type NoopInstrumenter struct{}

func (n *NoopInstrumenter) StartSpan(ctx context.Context, source, component, action string) (context.Context, Span) {
	return ctx, NoopSpan{}
}

func (n *NoopInstrumenter) EmitBusinessEvent(context.Context, string, string, string, map[string]any) {}

type NoopSpan struct{}

func (NoopSpan) End()                     {}
func (NoopSpan) SetStatus(string)         {}
func (NoopSpan) SetMetadata(string, any)  {}
func (NoopSpan) SetEntity(string, string) {}
func (NoopSpan) TraceID() string          { return "" }
func (NoopSpan) SpanID() string           { return "" }
