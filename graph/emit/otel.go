package emit

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter implements Emitter by creating OpenTelemetry spans.
//
// Each event becomes a span with:
//   - Span name: event.Msg (e.g. "node_completed", "run_failed")
//   - Attributes: runID, caseID, step, nodeID, and all event.Meta fields
//   - Status: error if event.Meta["error"] is present
//
// Usage:
//
//	tracer := otel.Tracer("quill")
//	emitter := emit.NewOTelEmitter(tracer)
//	eng := engine.New(..., engine.WithEmitter(emitter))
//
// Application code is responsible for installing a tracer provider (e.g. an
// sdktrace.TracerProvider with a batch exporter) before spans are useful.
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an emitter that records each event as a span on the
// given tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit creates an OpenTelemetry span for the event.
//
// Spans are ended immediately: events represent points in time, not
// durations. When a "duration_ms" metadata field is present it is recorded
// as an attribute rather than stretching the span.
func (o *OTelEmitter) Emit(event Event) {
	ctx := context.Background()
	_, span := o.tracer.Start(ctx, event.Msg)
	defer span.End()

	o.addStandardAttributes(span, event)
	o.addMetadataAttributes(span, event.Meta)

	if errMsg, ok := event.Meta["error"].(string); ok {
		span.SetStatus(codes.Error, errMsg)
		span.RecordError(fmt.Errorf("%s", errMsg))
	}
}

// Flush forces export of all pending spans. Call before shutdown so buffered
// spans reach the backend.
func (o *OTelEmitter) Flush(ctx context.Context) error {
	tp := otel.GetTracerProvider()

	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := tp.(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}

func (o *OTelEmitter) addStandardAttributes(span trace.Span, event Event) {
	span.SetAttributes(
		attribute.String("quill.run_id", event.RunID),
		attribute.String("quill.case_id", event.CaseID),
		attribute.Int("quill.step", event.Step),
		attribute.String("quill.node_id", event.NodeID),
	)
}

func (o *OTelEmitter) addMetadataAttributes(span trace.Span, meta map[string]interface{}) {
	for key, value := range meta {
		attrKey := "quill." + key
		switch v := value.(type) {
		case string:
			span.SetAttributes(attribute.String(attrKey, v))
		case int:
			span.SetAttributes(attribute.Int(attrKey, v))
		case int64:
			span.SetAttributes(attribute.Int64(attrKey, v))
		case float64:
			span.SetAttributes(attribute.Float64(attrKey, v))
		case bool:
			span.SetAttributes(attribute.Bool(attrKey, v))
		case time.Duration:
			span.SetAttributes(attribute.Int64(attrKey+"_ms", v.Milliseconds()))
		default:
			span.SetAttributes(attribute.String(attrKey, fmt.Sprintf("%v", v)))
		}
	}
}
