package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/gigachain-team/giga-agent/internal/observability"
	"github.com/gigachain-team/giga-agent/internal/tracing"
	"github.com/gigachain-team/giga-agent/pkg/checkpoint"
	"github.com/gigachain-team/giga-agent/pkg/kernel"
	"github.com/gigachain-team/giga-agent/pkg/registry"
	"github.com/gigachain-team/giga-agent/pkg/toolclient"
	"github.com/gigachain-team/giga-agent/pkg/toolschema"
)

const tracerName = "giga-agent/agent"

var (
	// ErrAwaitingApproval is returned by Run while a tool call waits for Resume.
	ErrAwaitingApproval = errors.New("thread is awaiting approval")
	// ErrNotAwaiting is returned by Resume when nothing is pending.
	ErrNotAwaiting = errors.New("thread is not awaiting approval")
	// ErrThreadBusy is returned when the thread already has an active run.
	ErrThreadBusy = errors.New("thread has an active run")
	// ErrMaxIterations ends a turn that exceeded AgentConfig.MaxIterations.
	ErrMaxIterations = errors.New("maximum model calls per turn exceeded")
)

// ToolInvoker calls tools the registry does not run locally.
// *toolclient.Client implements it.
type ToolInvoker interface {
	Invoke(ctx context.Context, toolName string, kwargs map[string]any, s toolclient.Session) (any, error)
}

// ToolLister lists the tools a remote server exposes.
type ToolLister interface {
	ListTools(ctx context.Context) ([]registry.Descriptor, error)
}

// Config holds controller configuration
type Config struct {
	Registry        *registry.Registry
	Tools           ToolInvoker
	RemoteTools     ToolLister
	Kernel          kernel.Executor
	Store           checkpoint.Store
	Profiles        []AuthProfile
	ProviderFactory ProviderCreator
	// Approval decides tool calls synchronously (auto mode). Nil suspends
	// the thread until Resume.
	Approval        ApprovalHandler
	ApprovalTimeout time.Duration
	Events          EventSink
	Logger          zerolog.Logger
	Agent           AgentConfig
	ToolURL         string
	REPLTools       []string
	// SystemPrompt replaces the default system prompt.
	SystemPrompt string
	// AllowedTools restricts the registry tools offered to the model.
	AllowedTools []string
	// PlainInput skips the task framing of user messages.
	PlainInput bool
	Now        func() time.Time
}

// Controller runs turns of the tool-call state machine.
type Controller struct {
	registry     *registry.Registry
	tools        ToolInvoker
	remote       ToolLister
	kernel       kernel.Executor
	store        checkpoint.Store
	models       *modelCaller
	approval     *ApprovalManager
	events       EventSink
	logger       zerolog.Logger
	agent        AgentConfig
	toolURL      string
	replTools    []string
	systemPrompt string
	allowed      map[string]bool
	plainInput   bool
	now          func() time.Time

	runsMu sync.Mutex
	active map[string]context.CancelFunc
}

type phase int

const (
	phasePrepare phase = iota
	phaseCallModel
	phaseRoute
	phaseExecuteTool
	phaseEnd
)

func (p phase) String() string {
	switch p {
	case phasePrepare:
		return "prepare"
	case phaseCallModel:
		return "call_model"
	case phaseRoute:
		return "route"
	case phaseExecuteTool:
		return "execute_tool"
	default:
		return "end"
	}
}

// turn is the in-memory context of one Run or Resume.
type turn struct {
	st         *State
	tools      []registry.Descriptor
	logger     zerolog.Logger
	modelCalls int
}

// NewController creates a controller.
func NewController(cfg Config) (*Controller, error) {
	observability.EnsureRegistered()

	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("checkpoint store is required")
	}
	if len(cfg.Profiles) == 0 {
		return nil, fmt.Errorf("at least one auth profile is required")
	}
	if cfg.Agent.Model == "" {
		return nil, fmt.Errorf("model cannot be empty")
	}
	if cfg.Agent.MaxIterations < 0 {
		return nil, fmt.Errorf("max iterations cannot be negative")
	}

	factory := cfg.ProviderFactory
	if factory == nil {
		factory = &ProviderFactory{}
	}
	events := cfg.Events
	if events == nil {
		events = nopSink{}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	replTools := cfg.REPLTools
	if replTools == nil {
		replTools = kernel.DefaultREPLTools
	}
	toolURL := cfg.ToolURL
	if toolURL == "" {
		toolURL = toolclient.DefaultBaseURL
	}

	c := &Controller{
		registry:     cfg.Registry,
		tools:        cfg.Tools,
		remote:       cfg.RemoteTools,
		kernel:       cfg.Kernel,
		store:        cfg.Store,
		models:       newModelCaller(factory, cfg.Profiles, cfg.Agent.MaxRetries, cfg.Logger),
		events:       events,
		logger:       cfg.Logger,
		agent:        cfg.Agent,
		toolURL:      toolURL,
		replTools:    replTools,
		systemPrompt: cfg.SystemPrompt,
		plainInput:   cfg.PlainInput,
		now:          now,
		active:       make(map[string]context.CancelFunc),
	}
	if cfg.Approval != nil {
		c.approval = NewApprovalManager(cfg.Approval)
		if cfg.ApprovalTimeout > 0 {
			c.approval.SetDefaultTimeout(cfg.ApprovalTimeout)
		}
	}
	if len(cfg.AllowedTools) > 0 {
		c.allowed = make(map[string]bool, len(cfg.AllowedTools))
		for _, name := range cfg.AllowedTools {
			c.allowed[name] = true
		}
	}
	return c, nil
}

// Run appends a user message to the thread and drives the turn until the
// model answers or a tool call needs approval.
func (c *Controller) Run(ctx context.Context, threadID string, in Input) (*State, error) {
	runCtx, release, err := c.acquire(ctx, threadID)
	if err != nil {
		return nil, err
	}
	defer release()

	st, err := c.load(runCtx, threadID)
	if err != nil {
		return nil, err
	}
	return c.start(runCtx, st, in)
}

func (c *Controller) start(ctx context.Context, st *State, in Input) (*State, error) {
	if st.Status == StatusAwaitingApproval {
		return st, ErrAwaitingApproval
	}

	st.Messages = append(st.Messages, Message{
		ID:       uuid.NewString(),
		Role:     RoleUser,
		Content:  in.Content,
		Files:    in.Files,
		Selected: in.Selected,
	})
	if in.Collections != nil {
		st.Collections = in.Collections
	}
	if in.MCPTools != nil {
		st.MCPTools = in.MCPTools
	}
	st.Status = StatusIdle
	st.Iterations = 0

	return c.drive(ctx, st, phasePrepare, nil)
}

// Resume continues a thread suspended at the approval gate.
func (c *Controller) Resume(ctx context.Context, threadID string, decision Decision) (*State, error) {
	if err := decision.Validate(); err != nil {
		return nil, err
	}

	runCtx, release, err := c.acquire(ctx, threadID)
	if err != nil {
		return nil, err
	}
	defer release()

	st, err := c.loadExisting(runCtx, threadID)
	if err != nil {
		return nil, err
	}
	if st.Status != StatusAwaitingApproval {
		return st, ErrNotAwaiting
	}

	toolName := ""
	if st.Pending != nil {
		toolName = st.Pending.Name
	}
	observability.AddPendingThreads(-1)
	observability.RecordApproval(string(decision.Type))
	observability.RecordApprovalAudit(runCtx, threadID, toolName, string(decision.Type), map[string]any{
		"message": decision.Message,
		"mode":    "interrupt",
	})

	st.Status = StatusIdle
	st.Pending = nil
	return c.drive(runCtx, st, phaseExecuteTool, &decision)
}

// State returns the latest state of a thread.
func (c *Controller) State(ctx context.Context, threadID string) (*State, error) {
	return c.loadExisting(ctx, threadID)
}

// StateAt returns the thread state saved as checkpointID.
func (c *Controller) StateAt(ctx context.Context, threadID, checkpointID string) (*State, error) {
	cp, err := c.store.Get(ctx, threadID, checkpointID)
	if err != nil {
		return nil, err
	}
	return decodeState(cp)
}

// History lists the thread's checkpoints, newest first.
func (c *Controller) History(ctx context.Context, threadID string) ([]checkpoint.Checkpoint, error) {
	return c.store.List(ctx, threadID)
}

// Abort cancels the active run of a thread.
func (c *Controller) Abort(threadID string) bool {
	c.runsMu.Lock()
	defer c.runsMu.Unlock()

	cancel, ok := c.active[threadID]
	if !ok {
		return false
	}
	c.logger.Info().Str("thread_id", threadID).Msg("Aborting run")
	cancel()
	return true
}

// IsRunning reports whether the thread has an active run.
func (c *Controller) IsRunning(threadID string) bool {
	c.runsMu.Lock()
	defer c.runsMu.Unlock()
	_, ok := c.active[threadID]
	return ok
}

func (c *Controller) acquire(ctx context.Context, threadID string) (context.Context, func(), error) {
	c.runsMu.Lock()
	defer c.runsMu.Unlock()

	if _, busy := c.active[threadID]; busy {
		return nil, nil, fmt.Errorf("%w: %s", ErrThreadBusy, threadID)
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.active[threadID] = cancel

	return runCtx, func() {
		c.runsMu.Lock()
		delete(c.active, threadID)
		c.runsMu.Unlock()
		cancel()
	}, nil
}

// drive is the state machine. It returns when the turn ends, fails or
// suspends at the approval gate.
func (c *Controller) drive(ctx context.Context, st *State, p phase, decision *Decision) (*State, error) {
	ctx = tracing.NewRunContext(ctx, st.ThreadID, st.CheckpointID)
	ctx, span := tracing.StartSpan(ctx, tracerName, "agent.turn", attribute.String("thread.id", st.ThreadID))
	defer span.End()

	t := &turn{
		st:     st,
		logger: tracing.LoggerFromContext(ctx, c.logger),
	}
	t.tools = c.activeTools(ctx, st)
	c.emit(st.ThreadID, EventTurnStarted, p.String(), nil)

	for {
		if err := ctx.Err(); err != nil {
			return c.fail(ctx, t, err)
		}
		c.emit(st.ThreadID, EventPhase, p.String(), nil)

		switch p {
		case phasePrepare:
			if err := c.prepare(ctx, t); err != nil {
				return c.fail(ctx, t, err)
			}
			p = phaseCallModel

		case phaseCallModel:
			if limit := c.agent.MaxIterations; limit > 0 && st.Iterations >= limit {
				return c.fail(ctx, t, fmt.Errorf("%w (%d)", ErrMaxIterations, limit))
			}
			st.Iterations++
			t.modelCalls++
			if err := c.callModel(ctx, t); err != nil {
				return c.fail(ctx, t, err)
			}
			if err := c.save(ctx, st); err != nil {
				return c.fail(ctx, t, err)
			}
			p = phaseRoute

		case phaseRoute:
			if pendingCall(st) != nil {
				p = phaseExecuteTool
			} else {
				p = phaseEnd
			}

		case phaseExecuteTool:
			call := pendingCall(st)
			if call == nil {
				p = phaseEnd
				continue
			}
			dec, suspended, err := c.gate(ctx, t, *call, decision)
			decision = nil
			if err != nil {
				return c.fail(ctx, t, err)
			}
			if suspended {
				observability.RecordTurn("interrupted", t.modelCalls)
				return st, nil
			}

			msg := c.executeTool(ctx, t, *call, dec)
			st.Messages = append(st.Messages, msg)
			c.emit(st.ThreadID, EventMessage, p.String(), msg)
			if err := c.save(ctx, st); err != nil {
				return c.fail(ctx, t, err)
			}
			p = phaseCallModel

		case phaseEnd:
			st.Status = StatusDone
			if err := c.save(ctx, st); err != nil {
				return c.fail(ctx, t, err)
			}
			c.emit(st.ThreadID, EventTurnFinished, p.String(), map[string]any{
				"checkpoint_id": st.CheckpointID,
				"model_calls":   t.modelCalls,
			})
			observability.RecordTurn("done", t.modelCalls)
			t.logger.Debug().Int("model_calls", t.modelCalls).Msg("Turn finished")
			return st, nil
		}
	}
}

// fail ends the turn with err. The thread stays usable for the next Run.
func (c *Controller) fail(ctx context.Context, t *turn, err error) (*State, error) {
	st := t.st
	st.Status = StatusIdle
	t.logger.Error().Err(err).Msg("Turn failed")
	if saveErr := c.save(tracing.Detach(ctx), st); saveErr != nil {
		t.logger.Error().Err(saveErr).Msg("Failed to persist failed turn")
	}
	c.emit(st.ThreadID, EventError, "", map[string]any{"error": err.Error()})
	observability.RecordTurn("error", t.modelCalls)
	return st, err
}

// prepare makes sure the thread has a kernel and a tool list and frames the
// newest user message.
func (c *Controller) prepare(ctx context.Context, t *turn) error {
	st := t.st

	if st.KernelID == "" && c.kernel != nil {
		id, err := c.kernel.StartKernel(ctx)
		if err != nil {
			return fmt.Errorf("start kernel: %w", err)
		}
		if _, err := c.kernel.Execute(ctx, id, kernel.InitCode); err != nil {
			return fmt.Errorf("init kernel: %w", err)
		}
		st.KernelID = id
		t.logger.Debug().Str("kernel_id", id).Msg("Kernel started")
	}

	if len(st.Tools) == 0 {
		st.Tools = c.toolList(ctx)
	}

	if last := st.Last(); last != nil && last.Role == RoleUser && !c.plainInput {
		annotate(last, c.now(), c.agent.Language)
	}

	t.tools = c.activeTools(ctx, st)
	return nil
}

// toolList is the registry's tool list merged with the remote server's.
func (c *Controller) toolList(ctx context.Context) []registry.Descriptor {
	descs := c.registry.Descriptors()
	if c.remote != nil {
		remote, err := c.remote.ListTools(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to list remote tools")
		}
		seen := make(map[string]bool, len(descs))
		for _, d := range descs {
			seen[d.Name] = true
		}
		for _, d := range remote {
			if !seen[d.Name] && c.registry.Admits(d.Name) {
				descs = append(descs, d)
				seen[d.Name] = true
			}
		}
	}
	if c.allowed == nil {
		return descs
	}
	out := make([]registry.Descriptor, 0, len(descs))
	for _, d := range descs {
		if c.allowed[d.Name] {
			out = append(out, d)
		}
	}
	return out
}

func (c *Controller) activeTools(ctx context.Context, st *State) []registry.Descriptor {
	return c.registry.FilterForSession(ctx, st.Tools, st)
}

func (c *Controller) callModel(ctx context.Context, t *turn) error {
	st := t.st

	tools := make([]registry.Descriptor, 0, len(t.tools)+len(st.MCPTools))
	tools = append(tools, t.tools...)
	tools = append(tools, mcpDescriptors(st.MCPTools)...)

	resp, err := c.models.Call(ctx, LLMRequest{
		Model:             c.agent.Model,
		Messages:          st.Messages,
		Tools:             tools,
		Temperature:       c.agent.Temperature,
		MaxTokens:         c.agent.MaxTokens,
		SystemPrompt:      c.buildSystemPrompt(st),
		ParallelToolCalls: false,
	})
	if err != nil {
		return fmt.Errorf("call model: %w", err)
	}

	msg := Message{
		ID:       uuid.NewString(),
		Role:     RoleAssistant,
		Content:  resp.Content,
		Metadata: map[string]any{},
	}
	for k, v := range resp.Metadata {
		if k != MetaFunctionCall {
			msg.Metadata[k] = v
		}
	}
	msg.Metadata[MetaRendered] = true
	if resp.Usage != nil {
		msg.Metadata["usage"] = resp.Usage
	}

	if len(resp.ToolCalls) > 0 {
		call := resp.ToolCalls[0]
		if call.ID == "" {
			call.ID = uuid.NewString()
		}
		if call.Args == nil {
			call.Args = map[string]any{}
		}
		if len(resp.ToolCalls) > 1 {
			t.logger.Debug().Int("dropped", len(resp.ToolCalls)-1).Msg("Model returned several tool calls, keeping the first")
		}
		msg.ToolCalls = []ToolCall{call}
	}

	st.Messages = append(st.Messages, msg)
	c.emit(st.ThreadID, EventMessage, phaseCallModel.String(), msg)
	return nil
}

// mcpDescriptors prepares MCP tool descriptors for the model.
func mcpDescriptors(tools []registry.Descriptor) []registry.Descriptor {
	out := make([]registry.Descriptor, 0, len(tools))
	for _, d := range tools {
		simplified := toolschema.SimplifyTool(map[string]any{
			"name":        d.Name,
			"description": description(d),
			"parameters":  parameters(d),
		})
		params, _ := simplified["parameters"].(map[string]any)
		out = append(out, registry.Descriptor{Name: d.Name, Description: description(d), Parameters: params})
	}
	return out
}

// gate decides the pending call. It returns suspended=true when the thread
// was persisted to wait for Resume.
func (c *Controller) gate(ctx context.Context, t *turn, call ToolCall, decision *Decision) (Decision, bool, error) {
	st := t.st
	if decision != nil {
		return *decision, false, nil
	}

	if c.approval != nil {
		d, err := c.approval.RequestApproval(ctx, ApprovalRequest{ThreadID: st.ThreadID, Call: call, State: st.injected()})
		if err == nil {
			observability.RecordApproval(string(d.Type))
			observability.RecordApprovalAudit(ctx, st.ThreadID, call.Name, string(d.Type), map[string]any{
				"message": d.Message,
				"mode":    "auto",
			})
			return d, false, nil
		}
		t.logger.Warn().Err(err).Str("tool", call.Name).Msg("Approval handler failed, waiting for the user")
	}

	pending := call
	st.Status = StatusAwaitingApproval
	st.Pending = &pending
	if err := c.save(ctx, st); err != nil {
		return Decision{}, false, err
	}
	observability.AddPendingThreads(1)
	c.emit(st.ThreadID, EventInterrupt, phaseExecuteTool.String(), map[string]any{
		"type":      "approve",
		"tool_call": pending,
	})
	return Decision{}, true, nil
}

// pendingCall is the tool call of the newest message when it is an
// assistant message with one.
func pendingCall(st *State) *ToolCall {
	last := st.Last()
	if last == nil || last.Role != RoleAssistant || len(last.ToolCalls) == 0 {
		return nil
	}
	return &last.ToolCalls[0]
}

func (c *Controller) load(ctx context.Context, threadID string) (*State, error) {
	st, err := c.loadExisting(ctx, threadID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return NewState(threadID), nil
	}
	return st, err
}

func (c *Controller) loadExisting(ctx context.Context, threadID string) (*State, error) {
	cp, err := c.store.Latest(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return decodeState(cp)
}

func decodeState(cp *checkpoint.Checkpoint) (*State, error) {
	var st State
	if err := json.Unmarshal(cp.Data, &st); err != nil {
		return nil, fmt.Errorf("decode state of thread %s: %w", cp.ThreadID, err)
	}
	st.CheckpointID = cp.CheckpointID
	return &st, nil
}

// save persists st as a new checkpoint.
func (c *Controller) save(ctx context.Context, st *State) error {
	st.CheckpointID = checkpoint.NewID()
	st.UpdatedAt = c.now()
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := c.store.Save(ctx, st.ThreadID, st.CheckpointID, data); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}
