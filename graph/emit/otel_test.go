package emit

import (
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingEmitter() (*OTelEmitter, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	return NewOTelEmitter(tp.Tracer("quill-test")), recorder
}

func TestOTelEmitter_SpanPerEvent(t *testing.T) {
	emitter, recorder := newRecordingEmitter()

	emitter.Emit(Event{
		RunID:  "run-9",
		CaseID: "case-9",
		Step:   2,
		NodeID: "execute_action",
		Msg:    MsgNodeCompleted,
		Meta:   map[string]interface{}{"duration_ms": 12},
	})

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name() != MsgNodeCompleted {
		t.Errorf("span name = %q", span.Name())
	}

	attrs := make(map[attribute.Key]attribute.Value)
	for _, kv := range span.Attributes() {
		attrs[kv.Key] = kv.Value
	}
	if got := attrs["quill.run_id"].AsString(); got != "run-9" {
		t.Errorf("run_id attribute = %q", got)
	}
	if got := attrs["quill.case_id"].AsString(); got != "case-9" {
		t.Errorf("case_id attribute = %q", got)
	}
	if got := attrs["quill.node_id"].AsString(); got != "execute_action" {
		t.Errorf("node_id attribute = %q", got)
	}
	if got := attrs["quill.duration_ms"].AsInt64(); got != 12 {
		t.Errorf("duration_ms attribute = %d", got)
	}
}

func TestOTelEmitter_ErrorStatus(t *testing.T) {
	emitter, recorder := newRecordingEmitter()

	emitter.Emit(Event{
		RunID: "run-10",
		Msg:   MsgRunFailed,
		Meta:  map[string]interface{}{"error": "collaborator unreachable"},
	})

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	status := spans[0].Status()
	if status.Code != codes.Error {
		t.Errorf("status code = %v", status.Code)
	}
	if status.Description != "collaborator unreachable" {
		t.Errorf("status description = %q", status.Description)
	}
}
