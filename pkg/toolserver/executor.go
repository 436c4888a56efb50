package toolserver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gigachain-team/giga-agent/pkg/registry"
	"github.com/gigachain-team/giga-agent/pkg/toolschema"
)

var (
	// ErrToolNotFound is returned for unknown tool names.
	ErrToolNotFound = errors.New("tool not found")
	// ErrTimeout is returned when a handler exceeds the execution timeout.
	ErrTimeout = errors.New("tool execution timeout")
)

// DefaultTimeout bounds a single handler run.
const DefaultTimeout = 600 * time.Second

// Call identifies the conversation a tool call belongs to.
type Call struct {
	ThreadID     string `json:"thread_id"`
	CheckpointID string `json:"checkpoint_id"`
}

// ToolHandler executes a tool.
type ToolHandler func(ctx context.Context, kwargs map[string]any, call Call) (any, error)

// ToolDefinition defines a tool's metadata and handler.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
	Handler     ToolHandler    `json:"-"`
}

type registered struct {
	def       ToolDefinition
	validator *toolschema.Validator
	order     int
}

// Executor manages and executes tools.
type Executor struct {
	mu       sync.RWMutex
	tools    map[string]*registered
	timeout  time.Duration
	getenv   func(string) string
	sequence int
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.timeout = d }
}

// WithEnv replaces os.Getenv for requirement checks.
func WithEnv(getenv func(string) string) ExecutorOption {
	return func(e *Executor) { e.getenv = getenv }
}

// NewExecutor creates an empty executor.
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{
		tools:   make(map[string]*registered),
		timeout: DefaultTimeout,
		getenv:  os.Getenv,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register validates def, compiles its schema and adds it.
func (e *Executor) Register(def ToolDefinition) error {
	if err := validateDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}
	validator, err := toolschema.Compile(def.InputSchema)
	if err != nil {
		return fmt.Errorf("tool %s: %w", def.Name, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.tools[def.Name]; exists {
		return fmt.Errorf("tool %s already registered", def.Name)
	}
	e.tools[def.Name] = &registered{def: def, validator: validator, order: e.sequence}
	e.sequence++

	log.Info().Str("tool", def.Name).Msg("Tool registered")
	return nil
}

// RegisterIfEligible registers def when every requirement holds. Unmet
// requirements are not an error.
func (e *Executor) RegisterIfEligible(def ToolDefinition, reqs ...registry.Requirement) (bool, error) {
	for _, req := range reqs {
		ok := true
		switch {
		case req.Env != "":
			ok = e.getenv(req.Env) != ""
		case req.Check != nil:
			ok = req.Check()
		}
		if !ok {
			log.Debug().Str("tool", def.Name).Str("requirement", req.String()).Msg("Tool excluded: requirement not met")
			return false, nil
		}
	}
	if err := e.Register(def); err != nil {
		return false, err
	}
	return true, nil
}

// Unregister removes a tool.
func (e *Executor) Unregister(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.tools, name)
}

// Get returns a tool definition by name.
func (e *Executor) Get(name string) (ToolDefinition, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	r, ok := e.tools[name]
	if !ok {
		return ToolDefinition{}, false
	}
	return r.def, true
}

// List returns the tool definitions in registration order.
func (e *Executor) List() []ToolDefinition {
	e.mu.RLock()
	defer e.mu.RUnlock()

	list := make([]*registered, 0, len(e.tools))
	for _, r := range e.tools {
		list = append(list, r)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].order < list[j].order })

	out := make([]ToolDefinition, len(list))
	for i, r := range list {
		out[i] = r.def
	}
	return out
}

// Execute validates kwargs and runs the handler under the executor timeout.
func (e *Executor) Execute(ctx context.Context, name string, kwargs map[string]any, call Call) (any, error) {
	e.mu.RLock()
	r := e.tools[name]
	e.mu.RUnlock()

	if r == nil {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	if err := r.validator.Validate(kwargs); err != nil {
		return nil, err
	}

	start := time.Now()
	timeoutCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("tool %s panicked: %v", name, p)}
			}
		}()
		result, err := r.def.Handler(timeoutCtx, kwargs, call)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			log.Error().Str("tool", name).Dur("duration", time.Since(start)).Err(out.err).Msg("Tool execution failed")
			return nil, out.err
		}
		log.Debug().Str("tool", name).Dur("duration", time.Since(start)).Msg("Tool execution completed")
		return out.result, nil
	case <-timeoutCtx.Done():
		log.Error().Str("tool", name).Dur("duration", time.Since(start)).Msg("Tool execution timeout")
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w after %v", ErrTimeout, e.timeout)
	}
}

func validateDefinition(def ToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}
	if t, ok := def.InputSchema["type"]; ok && t != "object" {
		return fmt.Errorf("input schema of %s must be an object schema", def.Name)
	}
	return nil
}
