package agent

import (
	"context"
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/gigachain-team/giga-agent/internal/tracing"
	"github.com/gigachain-team/giga-agent/pkg/checkpoint"
	"github.com/gigachain-team/giga-agent/pkg/registry"
)

// SubAgent is a tool that runs its own turn loop. It receives the parent's
// state without messages through InvokeContext.State.
type SubAgent interface {
	Descriptor() registry.Descriptor
	RunSubAgent(ctx context.Context, args map[string]any, ic registry.InvokeContext) (any, error)
}

type subAgentTool struct {
	agent SubAgent
}

// SubAgentTool registers a SubAgent as a tool of kind KindSubAgent.
func SubAgentTool(a SubAgent) registry.Tool {
	return &subAgentTool{agent: a}
}

func (t *subAgentTool) Descriptor() registry.Descriptor { return t.agent.Descriptor() }

func (t *subAgentTool) Kind() registry.Kind { return registry.KindSubAgent }

func (t *subAgentTool) Invoke(ctx context.Context, args map[string]any, ic registry.InvokeContext) (any, error) {
	return t.agent.RunSubAgent(ctx, args, ic)
}

// NestedAgentConfig describes a sub-agent built on a child Controller.
type NestedAgentConfig struct {
	Name        string
	Description string
	// Prompt is the child's system prompt.
	Prompt string
	// Tools the child may call. Empty means every builtin and service tool.
	Tools []string
	// Base is copied for the child. Store, Approval and Events are replaced.
	Base Config
}

// NestedAgent answers a task with a child controller sharing the parent's
// kernel. Its tool calls are approved automatically and its checkpoints
// live in memory for the duration of the call.
type NestedAgent struct {
	cfg NestedAgentConfig
}

// NewNestedAgent creates a nested agent.
func NewNestedAgent(cfg NestedAgentConfig) (*NestedAgent, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("sub-agent name cannot be empty")
	}
	if cfg.Description == "" {
		return nil, fmt.Errorf("sub-agent %s needs a description", cfg.Name)
	}
	return &NestedAgent{cfg: cfg}, nil
}

// Descriptor implements SubAgent.
func (n *NestedAgent) Descriptor() registry.Descriptor {
	return registry.Descriptor{
		Name:        n.cfg.Name,
		Description: n.cfg.Description,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task": map[string]any{"type": "string", "description": "Detailed task for the agent"},
			},
			"required": []any{"task"},
		},
	}
}

// RunSubAgent implements SubAgent.
func (n *NestedAgent) RunSubAgent(ctx context.Context, args map[string]any, ic registry.InvokeContext) (any, error) {
	task, _ := args["task"].(string)
	if task == "" {
		return nil, fmt.Errorf("task cannot be empty")
	}

	ctx = tracing.PropagateToSubAgent(ctx, n.cfg.Name)

	cfg := n.cfg.Base
	cfg.Store = checkpoint.NewMemoryStore()
	cfg.Approval = AutoApprove{}
	cfg.Events = nil
	cfg.SystemPrompt = n.cfg.Prompt
	cfg.PlainInput = true
	cfg.AllowedTools = n.cfg.Tools
	if len(cfg.AllowedTools) == 0 && cfg.Registry != nil {
		for _, t := range append(cfg.Registry.Builtins(), cfg.Registry.ServiceTools()...) {
			cfg.AllowedTools = append(cfg.AllowedTools, t.Descriptor().Name)
		}
	}
	cfg.Logger = cfg.Logger.With().Str("sub_agent", n.cfg.Name).Logger()

	child, err := NewController(cfg)
	if err != nil {
		return nil, fmt.Errorf("create sub-agent %s: %w", n.cfg.Name, err)
	}

	suffix, err := gonanoid.New(10)
	if err != nil {
		return nil, err
	}
	seed := NewState(fmt.Sprintf("%s:%s:%s", ic.ThreadID, n.cfg.Name, suffix))
	seed.KernelID = ic.KernelID
	if parent, ok := ic.State.(*State); ok {
		seed.Collections = parent.Collections
	}
	// The child appends to the parent's function_results, so it numbers its
	// records after the parent's and hands the count back.
	shared := ic.KernelID != "" && ic.ResultIndex != nil
	if shared {
		seed.ToolCallIndex = *ic.ResultIndex
	}

	runCtx, release, err := child.acquire(ctx, seed.ThreadID)
	if err != nil {
		return nil, err
	}
	defer release()

	st, err := child.start(runCtx, seed, Input{Content: task})
	if shared && st != nil && st.KernelID == ic.KernelID && st.ToolCallIndex > *ic.ResultIndex {
		*ic.ResultIndex = st.ToolCallIndex
	}
	if err != nil {
		return nil, fmt.Errorf("sub-agent %s: %w", n.cfg.Name, err)
	}
	if st.Status != StatusDone {
		return nil, fmt.Errorf("sub-agent %s stopped in status %s", n.cfg.Name, st.Status)
	}
	return st.LastAnswer(), nil
}
