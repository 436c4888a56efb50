package tracing

import (
	"context"
	"testing"
)

func TestNewTraceID(t *testing.T) {
	id1 := NewTraceID()
	id2 := NewTraceID()

	if id1 == "" {
		t.Error("NewTraceID returned empty string")
	}

	if id1 == id2 {
		t.Error("NewTraceID returned duplicate IDs")
	}
}

func TestWithThreadAndCheckpoint(t *testing.T) {
	ctx := context.Background()
	ctx = WithThreadID(ctx, "thread-1")
	ctx = WithCheckpointID(ctx, "cp-1")

	if got := GetThreadID(ctx); got != "thread-1" {
		t.Errorf("Expected thread ID thread-1, got %s", got)
	}
	if got := GetCheckpointID(ctx); got != "cp-1" {
		t.Errorf("Expected checkpoint ID cp-1, got %s", got)
	}
}

func TestGettersOnEmptyContext(t *testing.T) {
	ctx := context.Background()

	if GetTraceID(ctx) != "" || GetRunID(ctx) != "" || GetAgent(ctx) != "" {
		t.Error("Expected empty values on a bare context")
	}
}

func TestNewRunContext(t *testing.T) {
	ctx := NewRunContext(context.Background(), "thread-9", "cp-3")

	tc := FromContext(ctx)
	if tc.TraceID == "" {
		t.Error("Expected a trace ID to be generated")
	}
	if tc.RunID == "" {
		t.Error("Expected a run ID to be generated")
	}
	if tc.ThreadID != "thread-9" || tc.CheckpointID != "cp-3" {
		t.Errorf("Unexpected ids: %+v", tc)
	}
}

func TestNewContextRoundTrip(t *testing.T) {
	tc := &TraceContext{TraceID: "t", RunID: "r", Agent: "a", ThreadID: "th", CheckpointID: "cp"}
	got := FromContext(NewContext(context.Background(), tc))

	if *got != *tc {
		t.Errorf("Expected %+v, got %+v", tc, got)
	}
}
