package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config represents the giga-agent configuration
type Config struct {
	Agent      AgentConfig      `json:"agent" mapstructure:"agent"`
	AI         AIConfig         `json:"ai" mapstructure:"ai"`
	ToolServer ToolServerConfig `json:"tool_server" mapstructure:"tool_server"`
	Kernel     KernelConfig     `json:"kernel" mapstructure:"kernel"`
	Store      StoreConfig      `json:"store" mapstructure:"store"`
	Gateway    GatewayConfig    `json:"gateway" mapstructure:"gateway"`
	Tasks      TasksConfig      `json:"tasks" mapstructure:"tasks"`
	Registry   RegistryConfig   `json:"registry" mapstructure:"registry"`
	RAG        RAGConfig        `json:"rag" mapstructure:"rag"`
	Logging    LoggingConfig    `json:"logging" mapstructure:"logging"`
	Tracing    TracingConfig    `json:"tracing" mapstructure:"tracing"`

	// Data directory for SQLite files and logs
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// AgentConfig holds turn controller settings
type AgentConfig struct {
	Model       string  `json:"model" mapstructure:"model"`
	Temperature float64 `json:"temperature" mapstructure:"temperature"`
	MaxTokens   int     `json:"max_tokens" mapstructure:"max_tokens"`
	Language    string  `json:"language" mapstructure:"language"`
	UserNotes   string  `json:"user_notes" mapstructure:"user_notes"`

	// CodeFromMessage takes python code from the fenced block of the
	// assistant message instead of the tool call arguments.
	CodeFromMessage bool `json:"code_from_message" mapstructure:"code_from_message"`

	// MaxIterations caps model calls per turn; 0 means unlimited.
	MaxIterations int `json:"max_iterations" mapstructure:"max_iterations"`

	ApprovalMode string `json:"approval_mode" mapstructure:"approval_mode"` // interrupt, auto

	// MaxRetries bounds retries of a retryable model error per profile.
	MaxRetries int `json:"max_retries" mapstructure:"max_retries"`

	// SubAgents are nested agents offered to the model as tools.
	SubAgents []SubAgentConfig `json:"sub_agents" mapstructure:"sub_agents"`
}

// SubAgentConfig describes a nested agent
type SubAgentConfig struct {
	Name        string   `json:"name" mapstructure:"name"`
	Description string   `json:"description" mapstructure:"description"`
	Prompt      string   `json:"prompt" mapstructure:"prompt"`
	Tools       []string `json:"tools" mapstructure:"tools"`
}

// AIConfig holds model provider configuration
type AIConfig struct {
	Profiles []AIProfile `json:"profiles" mapstructure:"profiles"`
}

// AIProfile represents a model provider profile
type AIProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // openai, anthropic
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	BaseURL  string `json:"base_url" mapstructure:"base_url"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// ToolServerConfig holds the tool server address used by the invocation
// client and the listen address of the bundled tool server.
type ToolServerConfig struct {
	BaseURL string `json:"base_url" mapstructure:"base_url"`
	Timeout int    `json:"timeout" mapstructure:"timeout"` // seconds
	Host    string `json:"host" mapstructure:"host"`
	Port    int    `json:"port" mapstructure:"port"`
}

// KernelConfig holds code-execution kernel endpoints
type KernelConfig struct {
	BaseURL   string `json:"base_url" mapstructure:"base_url"`
	UploadURL string `json:"upload_url" mapstructure:"upload_url"`
	Timeout   int    `json:"timeout" mapstructure:"timeout"` // seconds
}

// StoreConfig holds checkpoint store settings
type StoreConfig struct {
	Driver        string `json:"driver" mapstructure:"driver"` // memory, sqlite
	Path          string `json:"path" mapstructure:"path"`
	Retention     string `json:"retention" mapstructure:"retention"` // duration, e.g. 720h
	PruneSchedule string `json:"prune_schedule" mapstructure:"prune_schedule"`
}

// GatewayConfig holds the thread API server configuration
type GatewayConfig struct {
	Host string `json:"host" mapstructure:"host"`
	Port int    `json:"port" mapstructure:"port"`
	// SharedSecret guards the API when set.
	SharedSecret      string `json:"shared_secret" mapstructure:"shared_secret"`
	RequestsPerMinute int    `json:"requests_per_minute" mapstructure:"requests_per_minute"`
	MaxConcurrentRuns int    `json:"max_concurrent_runs" mapstructure:"max_concurrent_runs"`
}

// TasksConfig holds the task service and MCP proxy server configuration
type TasksConfig struct {
	Host     string `json:"host" mapstructure:"host"`
	Port     int    `json:"port" mapstructure:"port"`
	DBPath   string `json:"db_path" mapstructure:"db_path"`
	SeedPath string `json:"seed_path" mapstructure:"seed_path"`
}

// RegistryConfig holds the tool manifest settings
type RegistryConfig struct {
	ManifestPath string `json:"manifest_path" mapstructure:"manifest_path"`
	Watch        bool   `json:"watch" mapstructure:"watch"`
}

// RAGConfig holds knowledge-base service settings
type RAGConfig struct {
	APIURL      string `json:"api_url" mapstructure:"api_url"`
	SecretToken string `json:"secret_token" mapstructure:"secret_token"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Model:           "gpt-4o",
			Temperature:     0,
			MaxTokens:       4096,
			Language:        "ru",
			CodeFromMessage: true,
			ApprovalMode:    "interrupt",
			MaxRetries:      3,
		},
		AI: AIConfig{Profiles: []AIProfile{}},
		ToolServer: ToolServerConfig{
			BaseURL: "http://127.0.0.1:8811",
			Timeout: 600,
			Host:    "0.0.0.0",
			Port:    8811,
		},
		Kernel: KernelConfig{
			BaseURL:   "http://127.0.0.1:9090",
			UploadURL: "http://127.0.0.1:9092",
			Timeout:   60,
		},
		Store: StoreConfig{
			Driver:        "memory",
			Retention:     "720h",
			PruneSchedule: "@daily",
		},
		Gateway: GatewayConfig{
			Host:              "0.0.0.0",
			Port:              2024,
			RequestsPerMinute: 60,
			MaxConcurrentRuns: 10,
		},
		Tasks: TasksConfig{
			Host: "0.0.0.0",
			Port: 8082,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Redaction: true,
		},
		Tracing: TracingConfig{
			ServiceName: "giga-agent",
			SampleRatio: 1,
		},
	}
}

// ToolTimeout returns the tool invocation timeout
func (c *Config) ToolTimeout() time.Duration {
	return time.Duration(c.ToolServer.Timeout) * time.Second
}

// KernelTimeout returns the kernel request timeout
func (c *Config) KernelTimeout() time.Duration {
	return time.Duration(c.Kernel.Timeout) * time.Second
}

// RetentionDuration parses Store.Retention; an empty value disables pruning.
func (c *Config) RetentionDuration() (time.Duration, error) {
	if c.Store.Retention == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Store.Retention)
	if err != nil {
		return 0, fmt.Errorf("invalid store retention %q: %w", c.Store.Retention, err)
	}
	return d, nil
}

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	cp := *c
	cp.AI.Profiles = make([]AIProfile, len(c.AI.Profiles))
	for i, p := range c.AI.Profiles {
		if p.APIKey != "" {
			p.APIKey = "***"
		}
		cp.AI.Profiles[i] = p
	}
	if cp.RAG.SecretToken != "" {
		cp.RAG.SecretToken = "***"
	}
	if cp.Gateway.SharedSecret != "" {
		cp.Gateway.SharedSecret = "***"
	}
	data, _ := json.MarshalIndent(&cp, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	for i, profile := range c.AI.Profiles {
		if profile.ID == "" {
			return fmt.Errorf("AI profile %d: ID is required", i)
		}
		if profile.APIKey == "" {
			return fmt.Errorf("AI profile %s: api_key is required", profile.ID)
		}
		switch profile.Provider {
		case "openai", "anthropic":
		default:
			return fmt.Errorf("AI profile %s: invalid provider %q (must be: openai, anthropic)", profile.ID, profile.Provider)
		}
	}

	if c.Agent.MaxIterations < 0 {
		return fmt.Errorf("agent max_iterations must not be negative")
	}
	seen := make(map[string]bool, len(c.Agent.SubAgents))
	for i, sa := range c.Agent.SubAgents {
		if sa.Name == "" || sa.Description == "" {
			return fmt.Errorf("sub-agent %d: name and description are required", i)
		}
		if seen[sa.Name] {
			return fmt.Errorf("sub-agent %s: duplicate name", sa.Name)
		}
		seen[sa.Name] = true
	}
	switch c.Agent.ApprovalMode {
	case "interrupt", "auto":
	default:
		return fmt.Errorf("invalid approval mode %q (must be: interrupt, auto)", c.Agent.ApprovalMode)
	}

	if c.ToolServer.BaseURL == "" {
		return fmt.Errorf("tool server base_url is required")
	}
	if c.ToolServer.Timeout <= 0 {
		return fmt.Errorf("tool server timeout must be positive")
	}
	if c.Kernel.BaseURL == "" {
		return fmt.Errorf("kernel base_url is required")
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store path is required for sqlite driver")
		}
	default:
		return fmt.Errorf("invalid store driver %q (must be: memory, sqlite)", c.Store.Driver)
	}
	if _, err := c.RetentionDuration(); err != nil {
		return err
	}

	for name, port := range map[string]int{"gateway": c.Gateway.Port, "tool_server": c.ToolServer.Port, "tasks": c.Tasks.Port} {
		if port < 1 || port > 65535 {
			return fmt.Errorf("%s port %d out of range", name, port)
		}
	}

	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing sample_ratio must be within [0, 1]")
	}

	return nil
}
