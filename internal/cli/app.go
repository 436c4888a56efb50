package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/gigachain-team/giga-agent/internal/config"
	"github.com/gigachain-team/giga-agent/internal/logger"
	"github.com/gigachain-team/giga-agent/pkg/agent"
	"github.com/gigachain-team/giga-agent/pkg/checkpoint"
	"github.com/gigachain-team/giga-agent/pkg/gateway"
	"github.com/gigachain-team/giga-agent/pkg/kernel"
	"github.com/gigachain-team/giga-agent/pkg/registry"
	"github.com/gigachain-team/giga-agent/pkg/toolclient"
	"github.com/gigachain-team/giga-agent/pkg/tools/rag"
)

// app wires the agent server: registry, checkpoint store, controller and
// the thread API.
type app struct {
	cfg        *config.Config
	logger     zerolog.Logger
	store      checkpoint.Store
	registry   *registry.Registry
	pruner     *checkpoint.Pruner
	watcher    *registry.Watcher
	controller *agent.Controller
	gateway    *gateway.Server
}

func newApp(ctx context.Context, cfg *config.Config, log *logger.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: log.Component("app")}

	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	a.store = store

	if retention, _ := cfg.RetentionDuration(); retention > 0 {
		a.pruner, err = checkpoint.NewPruner(store, cfg.Store.PruneSchedule, retention, log.Component("pruner"))
		if err != nil {
			a.Stop()
			return nil, err
		}
	}

	reg := registry.New(registry.WithLogger(log.Component("registry")))
	manifest := registry.DefaultManifest()
	if path := cfg.Registry.ManifestPath; path != "" {
		if manifest, err = registry.LoadManifest(path); err != nil {
			a.Stop()
			return nil, err
		}
	}

	kernelClient := kernel.NewClient(cfg.Kernel.BaseURL, cfg.KernelTimeout())
	uploader := kernel.NewUploader(cfg.Kernel.UploadURL)
	reg.MustRegister(kernel.NewPythonTool(kernelClient, uploader, cfg.Agent.CodeFromMessage))
	reg.MustRegister(kernel.NewShellTool(kernelClient, uploader))
	reg.AddSessionCheck(rag.ToolName, rag.HasCollections)

	tools := toolclient.New(cfg.ToolServer.BaseURL,
		toolclient.WithTimeout(cfg.ToolTimeout()),
		toolclient.WithLogger(log.Component("toolclient")),
	)

	var remote agent.ToolLister
	listCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	n, err := toolclient.RegisterRemote(listCtx, tools, reg, manifest)
	cancel()
	if err != nil {
		// list per turn until the tool server answers
		a.logger.Warn().Err(err).Str("url", cfg.ToolServer.BaseURL).Msg("Tool server unavailable, listing tools per turn")
		remote = tools
	} else {
		a.logger.Info().Int("tools", n).Msg("Registered tool server tools")
	}

	clients := gateway.NewClientRegistry()
	broadcaster := gateway.NewEventBroadcaster(clients, log.Component("broadcaster"))

	base := agent.Config{
		Registry:    reg,
		Tools:       tools,
		RemoteTools: remote,
		Kernel:      kernelClient,
		Store:       store,
		Profiles:    authProfiles(cfg),
		Events:      broadcaster,
		Logger:      log.Component("agent"),
		Agent:       agentSettings(cfg),
		ToolURL:     cfg.ToolServer.BaseURL,
	}
	if cfg.Agent.ApprovalMode == "auto" {
		base.Approval = agent.AutoApprove{}
	}

	for _, sa := range cfg.Agent.SubAgents {
		nested, err := agent.NewNestedAgent(agent.NestedAgentConfig{
			Name:        sa.Name,
			Description: sa.Description,
			Prompt:      sa.Prompt,
			Tools:       sa.Tools,
			Base:        base,
		})
		if err != nil {
			a.Stop()
			return nil, err
		}
		reg.MustRegister(agent.SubAgentTool(nested))
	}
	// gate everything registered without requirements, sub-agents included
	if changed := reg.ApplyManifest(manifest); len(changed) > 0 {
		a.logger.Debug().Strs("tools", changed).Msg("Manifest excluded tools")
	}
	a.registry = reg

	a.controller, err = agent.NewController(base)
	if err != nil {
		a.Stop()
		return nil, err
	}

	if cfg.Registry.Watch && cfg.Registry.ManifestPath != "" {
		a.watcher, err = registry.NewWatcher(reg, cfg.Registry.ManifestPath, log.Component("registry"), func(changed []string) {
			a.logger.Info().Strs("tools", changed).Msg("Tool eligibility changed")
		})
		if err != nil {
			a.Stop()
			return nil, fmt.Errorf("failed to watch manifest: %w", err)
		}
	}

	a.gateway, err = gateway.NewServer(gateway.Config{
		Host:              cfg.Gateway.Host,
		Port:              cfg.Gateway.Port,
		SharedSecret:      cfg.Gateway.SharedSecret,
		RequestsPerMinute: cfg.Gateway.RequestsPerMinute,
		MaxConcurrentRuns: cfg.Gateway.MaxConcurrentRuns,
		Runner:            a.controller,
		Clients:           clients,
		Broadcaster:       broadcaster,
		Logger:            log.Component("gateway"),
	})
	if err != nil {
		a.Stop()
		return nil, err
	}
	return a, nil
}

func openStore(cfg *config.Config) (checkpoint.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return checkpoint.OpenSQLite(cfg.Store.Path)
	default:
		return checkpoint.NewMemoryStore(), nil
	}
}

func authProfiles(cfg *config.Config) []agent.AuthProfile {
	profiles := make([]agent.AuthProfile, 0, len(cfg.AI.Profiles))
	for _, p := range cfg.AI.Profiles {
		profiles = append(profiles, agent.AuthProfile{
			ID:       p.ID,
			Provider: p.Provider,
			APIKey:   p.APIKey,
			BaseURL:  p.BaseURL,
			Priority: p.Priority,
		})
	}
	return profiles
}

func agentSettings(cfg *config.Config) agent.AgentConfig {
	return agent.AgentConfig{
		Model:           cfg.Agent.Model,
		Temperature:     cfg.Agent.Temperature,
		MaxTokens:       cfg.Agent.MaxTokens,
		MaxRetries:      cfg.Agent.MaxRetries,
		Language:        cfg.Agent.Language,
		UserNotes:       cfg.Agent.UserNotes,
		CodeFromMessage: cfg.Agent.CodeFromMessage,
		MaxIterations:   cfg.Agent.MaxIterations,
	}
}

// Start starts the pruner and the thread API.
func (a *app) Start() error {
	if a.pruner != nil {
		a.pruner.Start()
	}
	return a.gateway.Start()
}

// Addr returns the thread API address.
func (a *app) Addr() string {
	if a.gateway == nil {
		return ""
	}
	return a.gateway.Addr()
}

// Stop releases everything newApp or Start acquired. It tolerates a
// partially built app.
func (a *app) Stop() {
	if a.gateway != nil {
		if err := a.gateway.Stop(); err != nil {
			a.logger.Error().Err(err).Msg("Failed to stop gateway")
		}
	}
	if a.watcher != nil {
		_ = a.watcher.Stop()
	}
	if a.pruner != nil {
		a.pruner.Stop()
	}
	if c, ok := a.store.(io.Closer); ok {
		if err := c.Close(); err != nil {
			a.logger.Error().Err(err).Msg("Failed to close checkpoint store")
		}
	}
}
