package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// RunIDKey is the context key for the id of one turn run
	RunIDKey ContextKey = "run_id"
	// AgentKey is the context key for the agent name (main agent or a sub-agent tool)
	AgentKey ContextKey = "agent"
	// ThreadIDKey is the context key for the conversation thread
	ThreadIDKey ContextKey = "thread_id"
	// CheckpointIDKey is the context key for the checkpoint the run started from
	CheckpointIDKey ContextKey = "checkpoint_id"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID      string
	RunID        string
	Agent        string
	ThreadID     string
	CheckpointID string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// NewRunID generates a new run ID
func NewRunID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithRunID adds a run ID to the context
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// WithAgent adds the agent name to the context
func WithAgent(ctx context.Context, agent string) context.Context {
	return context.WithValue(ctx, AgentKey, agent)
}

// WithThreadID adds a thread ID to the context
func WithThreadID(ctx context.Context, threadID string) context.Context {
	return context.WithValue(ctx, ThreadIDKey, threadID)
}

// WithCheckpointID adds a checkpoint ID to the context
func WithCheckpointID(ctx context.Context, checkpointID string) context.Context {
	return context.WithValue(ctx, CheckpointIDKey, checkpointID)
}

func getString(ctx context.Context, key ContextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string { return getString(ctx, TraceIDKey) }

// GetRunID retrieves the run ID from the context
func GetRunID(ctx context.Context) string { return getString(ctx, RunIDKey) }

// GetAgent retrieves the agent name from the context
func GetAgent(ctx context.Context) string { return getString(ctx, AgentKey) }

// GetThreadID retrieves the thread ID from the context
func GetThreadID(ctx context.Context) string { return getString(ctx, ThreadIDKey) }

// GetCheckpointID retrieves the checkpoint ID from the context
func GetCheckpointID(ctx context.Context) string { return getString(ctx, CheckpointIDKey) }

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:      GetTraceID(ctx),
		RunID:        GetRunID(ctx),
		Agent:        GetAgent(ctx),
		ThreadID:     GetThreadID(ctx),
		CheckpointID: GetCheckpointID(ctx),
	}
}

// NewContext creates a new context with tracing information
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.RunID != "" {
		ctx = WithRunID(ctx, tc.RunID)
	}
	if tc.Agent != "" {
		ctx = WithAgent(ctx, tc.Agent)
	}
	if tc.ThreadID != "" {
		ctx = WithThreadID(ctx, tc.ThreadID)
	}
	if tc.CheckpointID != "" {
		ctx = WithCheckpointID(ctx, tc.CheckpointID)
	}
	return ctx
}

// NewRequestContext creates a new context for a request with a new trace ID
func NewRequestContext(ctx context.Context) context.Context {
	return WithTraceID(ctx, NewTraceID())
}

// NewRunContext starts a turn run for a thread: a fresh run ID, the thread
// and the checkpoint the run resumes from.
func NewRunContext(ctx context.Context, threadID, checkpointID string) context.Context {
	if GetTraceID(ctx) == "" {
		ctx = NewRequestContext(ctx)
	}
	ctx = WithRunID(ctx, NewRunID())
	ctx = WithThreadID(ctx, threadID)
	if checkpointID != "" {
		ctx = WithCheckpointID(ctx, checkpointID)
	}
	return ctx
}
