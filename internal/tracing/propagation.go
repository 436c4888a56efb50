package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// PropagateToSubAgent propagates tracing context to a sub-agent.
// It keeps the trace, thread and checkpoint IDs but generates a new run ID.
func PropagateToSubAgent(ctx context.Context, subAgent string) context.Context {
	traceID := GetTraceID(ctx)
	if traceID == "" {
		traceID = NewTraceID()
	}

	newCtx := WithTraceID(ctx, traceID)
	newCtx = WithRunID(newCtx, NewRunID())
	newCtx = WithAgent(newCtx, subAgent)

	return newCtx
}

// PropagateToLogger adds tracing context to a zerolog logger
func PropagateToLogger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)

	lc := logger.With()
	if tc.TraceID != "" {
		lc = lc.Str("trace_id", tc.TraceID)
	}
	if tc.RunID != "" {
		lc = lc.Str("run_id", tc.RunID)
	}
	if tc.Agent != "" {
		lc = lc.Str("agent", tc.Agent)
	}
	if tc.ThreadID != "" {
		lc = lc.Str("thread_id", tc.ThreadID)
	}
	if tc.CheckpointID != "" {
		lc = lc.Str("checkpoint_id", tc.CheckpointID)
	}

	return lc.Logger()
}

// LoggerFromContext creates a logger with tracing context from the given context
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	return PropagateToLogger(ctx, baseLogger)
}

// MergeContext copies tracing values from source into target where target has none.
func MergeContext(target, source context.Context) context.Context {
	tc := FromContext(source)

	if tc.TraceID != "" && GetTraceID(target) == "" {
		target = WithTraceID(target, tc.TraceID)
	}
	if tc.RunID != "" && GetRunID(target) == "" {
		target = WithRunID(target, tc.RunID)
	}
	if tc.Agent != "" && GetAgent(target) == "" {
		target = WithAgent(target, tc.Agent)
	}
	if tc.ThreadID != "" && GetThreadID(target) == "" {
		target = WithThreadID(target, tc.ThreadID)
	}
	if tc.CheckpointID != "" && GetCheckpointID(target) == "" {
		target = WithCheckpointID(target, tc.CheckpointID)
	}

	return target
}

// Detach returns a background context carrying only the tracing values of ctx.
// Used for work that must outlive the request that started it.
func Detach(ctx context.Context) context.Context {
	return NewContext(context.Background(), FromContext(ctx))
}
