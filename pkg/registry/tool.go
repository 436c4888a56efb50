// Package registry holds the tools an agent may call: remote service tools,
// sub-agents and local built-ins. Inclusion is decided once at startup from
// environment requirements; per-session checks narrow the list further on
// every turn.
package registry

import (
	"context"
	"fmt"
)

// Kind tells the turn controller how a tool is dispatched.
type Kind int

const (
	// KindRemote tools run behind the tool server and are called over HTTP.
	KindRemote Kind = iota
	// KindSubAgent tools run their own internal turn loop.
	KindSubAgent
	// KindBuiltin tools are local handlers such as python and shell.
	KindBuiltin
)

func (k Kind) String() string {
	switch k {
	case KindRemote:
		return "remote"
	case KindSubAgent:
		return "subagent"
	case KindBuiltin:
		return "builtin"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Descriptor is what the model sees of a tool.
type Descriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// InvokeContext is injected into sub-agents and built-ins.
type InvokeContext struct {
	ThreadID     string
	CheckpointID string
	KernelID     string
	// State is the caller's conversation state without its messages.
	State any
	// ResultIndex is the caller's index of the newest function_results
	// entry in KernelID. Tools that append to that list themselves move it
	// forward by the number of entries they added.
	ResultIndex *int
}

// Tool is a callable entry of the registry.
type Tool interface {
	Descriptor() Descriptor
	Kind() Kind
	Invoke(ctx context.Context, args map[string]any, ic InvokeContext) (any, error)
}

// Requirement gates the inclusion of a tool. Exactly one of Env and Check is set.
type Requirement struct {
	// Env names an environment variable that must be non-empty.
	Env string
	// Check is a zero-argument predicate that must return true.
	Check func() bool
	// Label identifies Check in logs.
	Label string
}

// RequireEnv returns a requirement on a non-empty environment variable.
func RequireEnv(name string) Requirement {
	return Requirement{Env: name}
}

// RequireFunc returns a predicate requirement.
func RequireFunc(label string, fn func() bool) Requirement {
	return Requirement{Check: fn, Label: label}
}

func (r Requirement) String() string {
	if r.Env != "" {
		return "env:" + r.Env
	}
	if r.Label != "" {
		return "check:" + r.Label
	}
	return "check"
}

// SessionView is the part of a conversation that session checks look at.
type SessionView interface {
	SessionThreadID() string
	SessionCollectionIDs() []string
}

// SessionCheck decides whether a tool is offered in the current session.
type SessionCheck func(ctx context.Context, view SessionView) bool

// FuncTool adapts a plain function into a tool.
type FuncTool struct {
	Desc     Descriptor
	ToolKind Kind
	Fn       func(ctx context.Context, args map[string]any, ic InvokeContext) (any, error)
}

func (f *FuncTool) Descriptor() Descriptor { return f.Desc }

func (f *FuncTool) Kind() Kind { return f.ToolKind }

func (f *FuncTool) Invoke(ctx context.Context, args map[string]any, ic InvokeContext) (any, error) {
	if f.Fn == nil {
		return nil, fmt.Errorf("tool %s has no handler", f.Desc.Name)
	}
	return f.Fn(ctx, args, ic)
}
