package registry

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type entry struct {
	tool     Tool
	reqs     []Requirement
	eligible bool
	order    int
}

// Registry is built once at startup and shared by reference. Tools that fail
// their requirements stay known so a manifest reload can enable them later.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	checks   map[string][]SessionCheck
	getenv   func(string) string
	logger   zerolog.Logger
	sequence int
	manifest *Manifest
}

// Option configures a Registry.
type Option func(*Registry)

// WithEnv replaces os.Getenv for requirement evaluation.
func WithEnv(getenv func(string) string) Option {
	return func(r *Registry) { r.getenv = getenv }
}

// WithLogger sets the registry logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[string]*entry),
		checks:  make(map[string][]SessionCheck),
		getenv:  os.Getenv,
		logger:  log.Logger.With().Str("component", "registry").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterIfEligible adds tool when every requirement holds and reports
// whether it is callable. Unmet requirements exclude the tool silently.
// Registering a name twice keeps the first tool.
func (r *Registry) RegisterIfEligible(tool Tool, reqs ...Requirement) bool {
	name := tool.Descriptor().Name

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[name]; exists {
		r.logger.Warn().Str("tool", name).Msg("Tool already registered, ignoring duplicate")
		return false
	}

	e := &entry{tool: tool, reqs: reqs, order: r.sequence}
	r.sequence++
	e.eligible = r.evaluate(name, reqs)
	r.entries[name] = e

	return e.eligible
}

// MustRegister registers a tool without requirements. It panics on a
// duplicate name.
func (r *Registry) MustRegister(tool Tool) {
	name := tool.Descriptor().Name
	r.mu.RLock()
	_, exists := r.entries[name]
	r.mu.RUnlock()
	if exists {
		panic(fmt.Sprintf("registry: duplicate tool %q", name))
	}
	r.RegisterIfEligible(tool)
}

func (r *Registry) evaluate(name string, reqs []Requirement) bool {
	for _, req := range reqs {
		ok := true
		switch {
		case req.Env != "":
			ok = r.getenv(req.Env) != ""
		case req.Check != nil:
			ok = req.Check()
		}
		if !ok {
			r.logger.Debug().Str("tool", name).Str("requirement", req.String()).Msg("Tool excluded: requirement not met")
			return false
		}
	}
	return true
}

// SetRequirements replaces the requirements of a known tool and re-evaluates
// it. It reports whether eligibility changed.
func (r *Registry) SetRequirements(name string, reqs ...Requirement) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok {
		return false, fmt.Errorf("tool %s is not registered", name)
	}
	before := e.eligible
	e.reqs = reqs
	e.eligible = r.evaluate(name, reqs)
	return before != e.eligible, nil
}

// Reevaluate recomputes eligibility of every tool, e.g. after the
// environment changed. It returns the names whose eligibility flipped.
func (r *Registry) Reevaluate() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var changed []string
	for name, e := range r.entries {
		before := e.eligible
		e.eligible = r.evaluate(name, e.reqs)
		if before != e.eligible {
			changed = append(changed, name)
		}
	}
	sort.Strings(changed)
	return changed
}

// Admits reports whether a tool known only by name, such as one listed by
// the tool server per turn, meets the requirements of the last applied
// manifest. Names the manifest does not mention are admitted.
func (r *Registry) Admits(name string) bool {
	r.mu.RLock()
	m := r.manifest
	r.mu.RUnlock()
	if m == nil {
		return true
	}
	return r.evaluate(name, m.Requirements(name))
}

// Lookup returns an eligible tool by name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok || !e.eligible {
		return nil, false
	}
	return e.tool, true
}

// Tools returns eligible tools in registration order.
func (r *Registry) Tools() []Tool {
	return r.byKind(nil)
}

// ServiceTools returns eligible remote tools.
func (r *Registry) ServiceTools() []Tool {
	k := KindRemote
	return r.byKind(&k)
}

// AgentTools returns eligible sub-agent tools.
func (r *Registry) AgentTools() []Tool {
	k := KindSubAgent
	return r.byKind(&k)
}

// Builtins returns eligible built-in tools.
func (r *Registry) Builtins() []Tool {
	k := KindBuiltin
	return r.byKind(&k)
}

// AgentMap maps sub-agent names to tools.
func (r *Registry) AgentMap() map[string]Tool {
	agents := r.AgentTools()
	out := make(map[string]Tool, len(agents))
	for _, t := range agents {
		out[t.Descriptor().Name] = t
	}
	return out
}

// Descriptors returns descriptors of eligible tools: built-ins first, then
// sub-agents, then service tools, each in registration order.
func (r *Registry) Descriptors() []Descriptor {
	var out []Descriptor
	for _, group := range [][]Tool{r.Builtins(), r.AgentTools(), r.ServiceTools()} {
		for _, t := range group {
			out = append(out, t.Descriptor())
		}
	}
	return out
}

func (r *Registry) byKind(kind *Kind) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		if !e.eligible {
			continue
		}
		if kind != nil && e.tool.Kind() != *kind {
			continue
		}
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].order < list[j].order })

	out := make([]Tool, len(list))
	for i, e := range list {
		out[i] = e.tool
	}
	return out
}

// AddSessionCheck attaches a dynamic eligibility check to a tool name.
func (r *Registry) AddSessionCheck(name string, check SessionCheck) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks[name] = append(r.checks[name], check)
}

// FilterForSession drops descriptors whose session checks fail for view.
// Tools without checks always pass.
func (r *Registry) FilterForSession(ctx context.Context, descs []Descriptor, view SessionView) []Descriptor {
	r.mu.RLock()
	checks := make(map[string][]SessionCheck, len(r.checks))
	for k, v := range r.checks {
		checks[k] = v
	}
	r.mu.RUnlock()

	out := make([]Descriptor, 0, len(descs))
	for _, d := range descs {
		if passes(ctx, checks[d.Name], view) {
			out = append(out, d)
		}
	}
	return out
}

func passes(ctx context.Context, checks []SessionCheck, view SessionView) bool {
	for _, check := range checks {
		if !check(ctx, view) {
			return false
		}
	}
	return true
}
