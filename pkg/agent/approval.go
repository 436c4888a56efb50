package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// DecisionType is the user's answer to a pending tool call.
type DecisionType string

const (
	DecisionApprove DecisionType = "approve"
	DecisionComment DecisionType = "comment"
)

// Decision resumes a thread waiting for approval. A comment is sent back to
// the model instead of running the tool.
type Decision struct {
	Type    DecisionType `json:"type"`
	Message string       `json:"message,omitempty"`
}

// Validate rejects unknown decision types.
func (d Decision) Validate() error {
	switch d.Type {
	case DecisionApprove, DecisionComment:
		return nil
	case "":
		return fmt.Errorf("decision type is required")
	default:
		return fmt.Errorf("unknown decision type %q", d.Type)
	}
}

// ApprovalRequest describes the tool call waiting for a decision.
type ApprovalRequest struct {
	ThreadID string
	Call     ToolCall
	State    *State
}

// ApprovalHandler decides tool calls synchronously. Without one the
// controller suspends the thread until Resume.
type ApprovalHandler interface {
	Decide(ctx context.Context, req ApprovalRequest) (Decision, error)
}

// ApprovalFunc adapts a function to ApprovalHandler.
type ApprovalFunc func(ctx context.Context, req ApprovalRequest) (Decision, error)

// Decide implements ApprovalHandler.
func (f ApprovalFunc) Decide(ctx context.Context, req ApprovalRequest) (Decision, error) {
	return f(ctx, req)
}

// AutoApprove approves every request without user interaction.
type AutoApprove struct{}

// Decide implements ApprovalHandler.
func (AutoApprove) Decide(context.Context, ApprovalRequest) (Decision, error) {
	return Decision{Type: DecisionApprove}, nil
}

// ApprovalManager bounds a handler with a timeout.
type ApprovalManager struct {
	handler        ApprovalHandler
	defaultTimeout time.Duration
}

// NewApprovalManager creates a new approval manager
func NewApprovalManager(handler ApprovalHandler) *ApprovalManager {
	return &ApprovalManager{
		handler:        handler,
		defaultTimeout: 60 * time.Second,
	}
}

// SetDefaultTimeout sets the timeout for approval requests
func (am *ApprovalManager) SetDefaultTimeout(timeout time.Duration) {
	am.defaultTimeout = timeout
}

// RequestApproval asks the handler for a decision. It fails when the
// handler errors, returns an invalid decision or does not answer in time.
func (am *ApprovalManager) RequestApproval(ctx context.Context, req ApprovalRequest) (Decision, error) {
	if am.handler == nil {
		return Decision{}, fmt.Errorf("no approval handler configured")
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, am.defaultTimeout)
	defer cancel()

	type answer struct {
		decision Decision
		err      error
	}
	ch := make(chan answer, 1)
	go func() {
		d, err := am.handler.Decide(timeoutCtx, req)
		ch <- answer{d, err}
	}()

	select {
	case a := <-ch:
		if a.err != nil {
			log.Error().Err(a.err).Str("tool", req.Call.Name).Msg("Approval request failed")
			return Decision{}, fmt.Errorf("approval request failed: %w", a.err)
		}
		if err := a.decision.Validate(); err != nil {
			return Decision{}, err
		}
		log.Debug().Str("tool", req.Call.Name).Str("decision", string(a.decision.Type)).Msg("Approval decided")
		return a.decision, nil
	case <-timeoutCtx.Done():
		log.Warn().Str("tool", req.Call.Name).Dur("timeout", am.defaultTimeout).Msg("Approval request timed out")
		return Decision{}, fmt.Errorf("approval request timed out after %v", am.defaultTimeout)
	}
}
