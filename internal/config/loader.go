package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// legacyEnv maps environment variables used by the deployment scripts onto
// config keys. They win over the config file, like GIGA_ prefixed variables.
var legacyEnv = map[string]string{
	"agent.code_from_message": "REPL_FROM_MESSAGE",
	"agent.user_notes":        "GIGA_AGENT_USER_NOTES",
	"agent.language":          "GIGA_AGENT_LANG",
	"tool_server.base_url":    "TOOL_CLIENT_API",
	"kernel.base_url":         "JUPYTER_CLIENT_API",
	"kernel.upload_url":       "JUPYTER_UPLOAD_API",
	"rag.api_url":             "LANGCONNECT_API_URL",
	"rag.secret_token":        "LANGCONNECT_API_SECRET_TOKEN",
}

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{configPath: configPath}
}

// Load reads the config file (JSON or YAML by extension) when it exists,
// applies GIGA_ prefixed and legacy environment variables and fills
// derived paths.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetEnvPrefix("GIGA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindDefaults(v, cfg)
	for key, env := range legacyEnv {
		if err := v.BindEnv(key, "GIGA_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, fmt.Errorf("failed to bind env %s: %w", env, err)
		}
	}

	configPath := l.GetConfigPath()
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".giga-agent")
	}
	if cfg.Store.Driver == "sqlite" && cfg.Store.Path == "" {
		cfg.Store.Path = filepath.Join(cfg.DataDir, "checkpoints.db")
	}
	if cfg.Tasks.DBPath == "" {
		cfg.Tasks.DBPath = filepath.Join(cfg.DataDir, "tasks.db")
	}
	if len(cfg.AI.Profiles) == 0 {
		cfg.AI.Profiles = profilesFromEnv()
	}

	return cfg, nil
}

// profilesFromEnv builds provider profiles from the conventional SDK
// variables when the config file declares none.
func profilesFromEnv() []AIProfile {
	var profiles []AIProfile
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		profiles = append(profiles, AIProfile{
			ID:       "openai-env",
			Provider: "openai",
			APIKey:   key,
			BaseURL:  os.Getenv("OPENAI_BASE_URL"),
			Priority: 1,
		})
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		profiles = append(profiles, AIProfile{
			ID:       "anthropic-env",
			Provider: "anthropic",
			APIKey:   key,
			Priority: 2,
		})
	}
	return profiles
}

// bindDefaults registers every leaf key so AutomaticEnv can override keys
// that are absent from the config file.
func bindDefaults(v *viper.Viper, cfg *Config) {
	defaults := map[string]any{
		"agent.model":                 cfg.Agent.Model,
		"agent.temperature":           cfg.Agent.Temperature,
		"agent.max_tokens":            cfg.Agent.MaxTokens,
		"agent.language":              cfg.Agent.Language,
		"agent.user_notes":            cfg.Agent.UserNotes,
		"agent.code_from_message":     cfg.Agent.CodeFromMessage,
		"agent.max_iterations":        cfg.Agent.MaxIterations,
		"agent.approval_mode":         cfg.Agent.ApprovalMode,
		"agent.max_retries":           cfg.Agent.MaxRetries,
		"tool_server.base_url":        cfg.ToolServer.BaseURL,
		"tool_server.timeout":         cfg.ToolServer.Timeout,
		"tool_server.host":            cfg.ToolServer.Host,
		"tool_server.port":            cfg.ToolServer.Port,
		"kernel.base_url":             cfg.Kernel.BaseURL,
		"kernel.upload_url":           cfg.Kernel.UploadURL,
		"kernel.timeout":              cfg.Kernel.Timeout,
		"store.driver":                cfg.Store.Driver,
		"store.path":                  cfg.Store.Path,
		"store.retention":             cfg.Store.Retention,
		"store.prune_schedule":        cfg.Store.PruneSchedule,
		"gateway.host":                cfg.Gateway.Host,
		"gateway.port":                cfg.Gateway.Port,
		"gateway.shared_secret":       cfg.Gateway.SharedSecret,
		"gateway.requests_per_minute": cfg.Gateway.RequestsPerMinute,
		"gateway.max_concurrent_runs": cfg.Gateway.MaxConcurrentRuns,
		"tasks.host":                  cfg.Tasks.Host,
		"tasks.port":                  cfg.Tasks.Port,
		"tasks.db_path":               cfg.Tasks.DBPath,
		"tasks.seed_path":             cfg.Tasks.SeedPath,
		"registry.manifest_path":      cfg.Registry.ManifestPath,
		"registry.watch":              cfg.Registry.Watch,
		"rag.api_url":                 cfg.RAG.APIURL,
		"rag.secret_token":            cfg.RAG.SecretToken,
		"logging.level":               cfg.Logging.Level,
		"logging.file":                cfg.Logging.File,
		"logging.audit_file":          cfg.Logging.AuditFile,
		"logging.pretty":              cfg.Logging.Pretty,
		"logging.redaction":           cfg.Logging.Redaction,
		"tracing.enabled":             cfg.Tracing.Enabled,
		"tracing.service_name":        cfg.Tracing.ServiceName,
		"tracing.sample_ratio":        cfg.Tracing.SampleRatio,
		"data_dir":                    cfg.DataDir,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".giga-agent", "config.yaml")
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
