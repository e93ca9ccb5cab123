package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration for Loom.
// It is loaded from ~/.loom/config.yaml and can be overridden by environment variables.
type Config struct {
	Backends     map[string]BackendConfig `mapstructure:"backends" yaml:"backends"`
	Roles        RolesConfig              `mapstructure:"roles" yaml:"roles"`
	Assembler    AssemblerConfig          `mapstructure:"assembler" yaml:"assembler"`
	Router       RouterConfig             `mapstructure:"router" yaml:"router"`
	Orchestrator OrchestratorConfig       `mapstructure:"orchestrator" yaml:"orchestrator"`
	Knowledge    KnowledgeConfig          `mapstructure:"knowledge" yaml:"knowledge"`
	Projects     ProjectsConfig           `mapstructure:"projects" yaml:"projects"`
	Modes        ModesConfig              `mapstructure:"modes" yaml:"modes"`
	Logging      LoggingConfig            `mapstructure:"logging" yaml:"logging"`
	Metrics      MetricsConfig            `mapstructure:"metrics" yaml:"metrics"`
}

// BackendConfig contains configuration for one model-serving backend.
type BackendConfig struct {
	// Endpoint is the API base URL
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
	// APIKey is the bearer token (HuggingFace endpoints only)
	APIKey string `mapstructure:"api_key" yaml:"api_key,omitempty"`
	// TimeoutSec bounds one generation call
	TimeoutSec int `mapstructure:"timeout_sec" yaml:"timeout_sec"`
	// DiscoveryTimeoutSec bounds model listing and availability probes
	DiscoveryTimeoutSec int `mapstructure:"discovery_timeout_sec" yaml:"discovery_timeout_sec"`
	MaxTokens           int     `mapstructure:"max_tokens" yaml:"max_tokens"`
	Temperature         float64 `mapstructure:"temperature" yaml:"temperature"`
}

// RolesConfig locates the persisted role registry and the fallback
// assignments used when it is missing or corrupt.
type RolesConfig struct {
	Path     string                 `mapstructure:"path" yaml:"path"`
	Defaults map[string]RoleDefault `mapstructure:"defaults" yaml:"defaults"`
}

// RoleDefault is a fallback role assignment.
type RoleDefault struct {
	Backend     string `mapstructure:"backend" yaml:"backend"`
	Model       string `mapstructure:"model" yaml:"model"`
	DisplayName string `mapstructure:"display_name" yaml:"display_name,omitempty"`
}

// AssemblerConfig bounds the assembled prompt.
type AssemblerConfig struct {
	// CharBudget is the maximum prompt size in characters
	CharBudget int `mapstructure:"char_budget" yaml:"char_budget"`
	// HistoryTurns is the number of trailing conversation turns considered
	HistoryTurns int `mapstructure:"history_turns" yaml:"history_turns"`
	// TopK is the maximum number of retrieved passages
	TopK int `mapstructure:"top_k" yaml:"top_k"`
	// MinScore discards passages scoring below it
	MinScore float64 `mapstructure:"min_score" yaml:"min_score"`
	// RetrievalTimeoutSec bounds one retriever query
	RetrievalTimeoutSec int `mapstructure:"retrieval_timeout_sec" yaml:"retrieval_timeout_sec"`
}

// RouterConfig is the keyword→role table used by auto routing.
type RouterConfig struct {
	// TieRole answers when scores are equal or nothing matched
	TieRole string       `mapstructure:"tie_role" yaml:"tie_role"`
	Rules   []RouterRule `mapstructure:"rules" yaml:"rules"`
}

// RouterRule maps a regular expression to a role with a weight.
type RouterRule struct {
	Pattern string  `mapstructure:"pattern" yaml:"pattern"`
	Role    string  `mapstructure:"role" yaml:"role"`
	Weight  float64 `mapstructure:"weight" yaml:"weight"`
}

// OrchestratorConfig tunes request handling.
type OrchestratorConfig struct {
	// SuggestionTTLSec is how long an assisted-mode suggestion may be confirmed
	SuggestionTTLSec int `mapstructure:"suggestion_ttl_sec" yaml:"suggestion_ttl_sec"`
	// DefaultMode is the agent mode used when a request names none
	DefaultMode string `mapstructure:"default_mode" yaml:"default_mode"`
}

// KnowledgeConfig contains configuration for the local passage index.
type KnowledgeConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	DBPath  string `mapstructure:"db_path" yaml:"db_path"`
}

// ProjectsConfig locates per-project metadata documents.
type ProjectsConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// ModesConfig points at an optional agent-mode catalog override.
type ModesConfig struct {
	File string `mapstructure:"file" yaml:"file,omitempty"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	File  string `mapstructure:"file" yaml:"file"`
	// MaxSizeMB rotates the log file once it grows past this size
	MaxSizeMB  int `mapstructure:"max_size_mb" yaml:"max_size_mb,omitempty"`
	MaxBackups int `mapstructure:"max_backups" yaml:"max_backups,omitempty"`
}

// MetricsConfig exposes prometheus metrics when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr,omitempty"`
}

// Default returns the configuration written on first run.
func Default() *Config {
	return &Config{
		Backends: map[string]BackendConfig{
			"ollama": {
				Endpoint:            "http://127.0.0.1:11434",
				TimeoutSec:          120,
				DiscoveryTimeoutSec: 5,
				MaxTokens:           2048,
				Temperature:         0.7,
			},
			"huggingface": {
				Endpoint:            "http://127.0.0.1:8080",
				TimeoutSec:          120,
				DiscoveryTimeoutSec: 5,
				MaxTokens:           1024,
				Temperature:         0.7,
			},
		},
		Roles: RolesConfig{
			Path: "~/.loom/roles.yaml",
			Defaults: map[string]RoleDefault{
				"reasoning": {Backend: "ollama", Model: "qwen2.5-coder:14b", DisplayName: "Qwen 2.5 Coder 14B"},
				"fast":      {Backend: "ollama", Model: "llama3.2:3b", DisplayName: "Llama 3.2 3B"},
			},
		},
		Assembler: AssemblerConfig{
			CharBudget:          24000,
			HistoryTurns:        8,
			TopK:                5,
			MinScore:            0.05,
			RetrievalTimeoutSec: 10,
		},
		Router: RouterConfig{
			TieRole: "reasoning",
			Rules:   DefaultRouterRules(),
		},
		Orchestrator: OrchestratorConfig{
			SuggestionTTLSec: 600,
			DefaultMode:      "GENERAL",
		},
		Knowledge: KnowledgeConfig{
			Enabled: true,
			DBPath:  "~/.loom/knowledge.db",
		},
		Projects: ProjectsConfig{
			Dir: "~/.loom/projects",
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "~/.loom/logs/loom.log",
		},
	}
}

// DefaultRouterRules is the keyword→role table shipped with Loom.
// Patterns run against the lowercased query.
func DefaultRouterRules() []RouterRule {
	return []RouterRule{
		// Reasoning signals: design, analysis, debugging, DSP math
		{Pattern: `\b(why|explain|design|architect\w*|analy[sz]e|compare|trade-?offs?|refactor|debug)\b`, Role: "reasoning", Weight: 1.0},
		{Pattern: `\b(algorithm|derive|prove|optimi[sz]e|complexity|dsp|filter design|stability)\b`, Role: "reasoning", Weight: 0.8},
		{Pattern: `(?s).{400,}`, Role: "reasoning", Weight: 1.0},

		// Fast signals: lookups, formatting, short edits
		{Pattern: `\b(list|rename|format|typo|summari[sz]e|translate|convert|syntax of|what is|define)\b`, Role: "fast", Weight: 1.0},
		{Pattern: `^\s*(hi|hello|hey|thanks|thank you)\b`, Role: "fast", Weight: 1.5},
		{Pattern: `\b(quick|short|one-liner|tl;?dr)\b`, Role: "fast", Weight: 0.8},
	}
}

// Load reads configuration from the default location (~/.loom/config.yaml)
// and merges with environment variables. If no config file exists, it creates
// one with default values.
func Load() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	configPath := filepath.Join(homeDir, ".loom", "config.yaml")
	return LoadFromPath(configPath)
}

// LoadFromPath reads configuration from a specific file path and merges with
// environment variables. If the file doesn't exist, it creates one with default values.
func LoadFromPath(path string) (*Config, error) {
	path = expandPath(path)

	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeConfigFile(path, Default()); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Example: LOOM_BACKENDS_OLLAMA_ENDPOINT
	v.SetEnvPrefix("LOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.applyDefaults()

	cfg.Roles.Path = expandPath(cfg.Roles.Path)
	cfg.Knowledge.DBPath = expandPath(cfg.Knowledge.DBPath)
	cfg.Projects.Dir = expandPath(cfg.Projects.Dir)
	cfg.Modes.File = expandPath(cfg.Modes.File)
	cfg.Logging.File = expandPath(cfg.Logging.File)

	return &cfg, nil
}

// applyDefaults fills zero values left by a partial config file.
func (c *Config) applyDefaults() {
	d := Default()

	if len(c.Backends) == 0 {
		c.Backends = d.Backends
	}
	if c.Roles.Path == "" {
		c.Roles.Path = d.Roles.Path
	}
	if c.Roles.Defaults == nil {
		c.Roles.Defaults = map[string]RoleDefault{}
	}
	if c.Assembler.CharBudget == 0 {
		c.Assembler.CharBudget = d.Assembler.CharBudget
	}
	if c.Assembler.HistoryTurns == 0 {
		c.Assembler.HistoryTurns = d.Assembler.HistoryTurns
	}
	if c.Assembler.TopK == 0 {
		c.Assembler.TopK = d.Assembler.TopK
	}
	if c.Assembler.RetrievalTimeoutSec == 0 {
		c.Assembler.RetrievalTimeoutSec = d.Assembler.RetrievalTimeoutSec
	}
	if c.Router.TieRole == "" {
		c.Router.TieRole = d.Router.TieRole
	}
	if len(c.Router.Rules) == 0 {
		c.Router.Rules = d.Router.Rules
	}
	if c.Orchestrator.SuggestionTTLSec == 0 {
		c.Orchestrator.SuggestionTTLSec = d.Orchestrator.SuggestionTTLSec
	}
	if c.Orchestrator.DefaultMode == "" {
		c.Orchestrator.DefaultMode = d.Orchestrator.DefaultMode
	}
	if c.Knowledge.DBPath == "" {
		c.Knowledge.DBPath = d.Knowledge.DBPath
	}
	if c.Projects.Dir == "" {
		c.Projects.Dir = d.Projects.Dir
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
}

// SaveToPath writes the configuration to a specific file path.
func (c *Config) SaveToPath(path string) error {
	path = expandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return writeConfigFile(path, c)
}

// GetDataDir returns the Loom data directory path (~/.loom).
func (c *Config) GetDataDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".loom")
}

// EnsureDirectories creates all directories Loom writes into.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Roles.Path),
		c.Projects.Dir,
	}
	if c.Logging.File != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.File))
	}
	if c.Knowledge.Enabled {
		dirs = append(dirs, filepath.Dir(c.Knowledge.DBPath))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Validate checks the configuration for common errors and inconsistencies.
func (c *Config) Validate() error {
	validBackends := map[string]bool{"ollama": true, "huggingface": true}
	validRoles := map[string]bool{"reasoning": true, "fast": true}

	for name, b := range c.Backends {
		if !validBackends[name] {
			return fmt.Errorf("unknown backend '%s', must be one of: ollama, huggingface", name)
		}
		if b.Endpoint == "" {
			return fmt.Errorf("backends.%s.endpoint cannot be empty", name)
		}
		if b.TimeoutSec < 0 || b.DiscoveryTimeoutSec < 0 {
			return fmt.Errorf("backends.%s timeouts cannot be negative", name)
		}
	}

	for role, d := range c.Roles.Defaults {
		if !validRoles[role] {
			return fmt.Errorf("invalid role '%s' in roles.defaults, must be one of: reasoning, fast", role)
		}
		if !validBackends[d.Backend] {
			return fmt.Errorf("roles.defaults.%s.backend '%s' must be one of: ollama, huggingface", role, d.Backend)
		}
		if d.Model == "" {
			return fmt.Errorf("roles.defaults.%s.model cannot be empty", role)
		}
	}

	if c.Assembler.CharBudget < 256 {
		return fmt.Errorf("assembler.char_budget must be at least 256")
	}
	if c.Assembler.HistoryTurns < 0 || c.Assembler.TopK < 0 {
		return fmt.Errorf("assembler.history_turns and assembler.top_k cannot be negative")
	}
	if c.Assembler.MinScore < 0 || c.Assembler.MinScore > 1 {
		return fmt.Errorf("assembler.min_score must be between 0 and 1")
	}

	if !validRoles[c.Router.TieRole] {
		return fmt.Errorf("invalid router.tie_role '%s', must be one of: reasoning, fast", c.Router.TieRole)
	}
	for i, r := range c.Router.Rules {
		if !validRoles[r.Role] {
			return fmt.Errorf("router.rules[%d]: invalid role '%s'", i, r.Role)
		}
		if r.Weight <= 0 {
			return fmt.Errorf("router.rules[%d]: weight must be positive", i)
		}
		if _, err := regexp.Compile(r.Pattern); err != nil {
			return fmt.Errorf("router.rules[%d]: invalid pattern: %w", i, err)
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level)
	}

	return nil
}

// writeConfigFile writes a Config struct to a YAML file.
// Uses gopkg.in/yaml.v3 directly to ensure proper tag-based serialization.
func writeConfigFile(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// expandPath expands ~ to the user's home directory in a path string.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[1:])
	}
	return path
}
