package observability

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AuditEvent is one entry of the audit trail: who decided what about which
// tool call on which thread.
type AuditEvent struct {
	Type      string         `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	ThreadID  string         `json:"thread_id,omitempty"`
	Action    string         `json:"action"`
	Status    string         `json:"status"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
}

// AuditLogger writes audit events as JSON lines.
type AuditLogger struct {
	mu     sync.Mutex
	logger zerolog.Logger
	file   *os.File
}

var (
	auditMu   sync.RWMutex
	auditInst = &AuditLogger{logger: zerolog.New(os.Stderr).With().Timestamp().Str("stream", "audit").Logger()}
)

// GetAuditLogger returns the process audit logger. It writes to stderr until
// InitAuditLogger points it at a file.
func GetAuditLogger() *AuditLogger {
	auditMu.RLock()
	defer auditMu.RUnlock()
	return auditInst
}

// InitAuditLogger redirects the audit trail to path.
func InitAuditLogger(path string) error {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	SetAuditLogger(NewAuditLogger(zerolog.New(file).With().Timestamp().Logger(), file))
	return nil
}

// NewAuditLogger wraps a zerolog logger. file may be nil.
func NewAuditLogger(logger zerolog.Logger, file *os.File) *AuditLogger {
	return &AuditLogger{logger: logger, file: file}
}

// SetAuditLogger replaces the process audit logger.
func SetAuditLogger(a *AuditLogger) {
	auditMu.Lock()
	auditInst = a
	auditMu.Unlock()
}

// Record emits an audit event and mirrors it as an event on the active span.
func (a *AuditLogger) Record(ctx context.Context, event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		event.TraceID = span.SpanContext().TraceID().String()
		span.AddEvent(event.Action, trace.WithAttributes(
			attribute.String("audit.type", event.Type),
			attribute.String("audit.status", event.Status),
			attribute.String("audit.thread_id", event.ThreadID),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.logger.Log().
		Str("type", event.Type).
		Str("thread_id", event.ThreadID).
		Str("action", event.Action).
		Str("status", event.Status).
		Time("at", event.Timestamp)
	if event.TraceID != "" {
		entry = entry.Str("trace_id", event.TraceID)
	}
	if event.Metadata != nil {
		entry = entry.Interface("metadata", event.Metadata)
	}
	entry.Msg("")
}

// Close closes the audit file, if any.
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file != nil {
		return a.file.Close()
	}
	return nil
}

// RecordApprovalAudit logs an interrupt gate decision for a pending tool call.
func RecordApprovalAudit(ctx context.Context, threadID, tool, decision string, metadata map[string]any) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     "approval",
		ThreadID: threadID,
		Action:   "decide:" + tool,
		Status:   decision,
		Metadata: metadata,
	})
}

// RecordToolAudit logs the outcome of a tool execution.
func RecordToolAudit(ctx context.Context, threadID, tool, status string, metadata map[string]any) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     "tool",
		ThreadID: threadID,
		Action:   "execute:" + tool,
		Status:   status,
		Metadata: metadata,
	})
}
