package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Ledger-specific semantic convention attributes.
var (
	AttrStreamID    = attribute.Key("chronicle.stream.id")
	AttrEventSeq    = attribute.Key("chronicle.event.seq")
	AttrEventDigest = attribute.Key("chronicle.event.digest")

	AttrBatchID      = attribute.Key("chronicle.anchor.batch_id")
	AttrBatchStatus  = attribute.Key("chronicle.anchor.batch_status")
	AttrBatchMembers = attribute.Key("chronicle.anchor.members")

	AttrVerifyValid = attribute.Key("chronicle.verify.valid")

	AttrConflictID    = attribute.Key("chronicle.conflict.id")
	AttrConflictState = attribute.Key("chronicle.conflict.state")
)

// AppendAttrs builds attributes for an append to one stream.
func AppendAttrs(streamID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrStreamID.String(streamID),
	}
}

// VerifyAttrs builds attributes for a stream verification.
func VerifyAttrs(streamID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrStreamID.String(streamID),
	}
}

// AnchorAttrs builds attributes for a batch lifecycle step.
func AnchorAttrs(batchID, status string, members int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrBatchID.String(batchID),
		AttrBatchStatus.String(status),
		AttrBatchMembers.Int(members),
	}
}

// ConflictAttrs builds attributes for a conflict lifecycle step.
func ConflictAttrs(id, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrConflictID.String(id),
		AttrConflictState.String(state),
	}
}

// AddSpanEvent adds an event to the span in ctx, if any.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus records err on the span in ctx; nil is a no-op.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
