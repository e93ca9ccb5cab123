package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Router.TieRole != "reasoning" {
		t.Errorf("expected tie role 'reasoning', got '%s'", cfg.Router.TieRole)
	}

	ollama, exists := cfg.Backends["ollama"]
	if !exists {
		t.Fatal("expected 'ollama' backend to exist")
	}
	if ollama.Endpoint != "http://127.0.0.1:11434" {
		t.Errorf("expected ollama endpoint 'http://127.0.0.1:11434', got '%s'", ollama.Endpoint)
	}

	if _, ok := cfg.Roles.Defaults["reasoning"]; !ok {
		t.Error("expected a default reasoning role")
	}
	if _, ok := cfg.Roles.Defaults["fast"]; !ok {
		t.Error("expected a default fast role")
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestLoadFromPath(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, ".loom", "config.yaml")

	cfg, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("config file was not created")
	}

	if cfg.Assembler.CharBudget != Default().Assembler.CharBudget {
		t.Errorf("expected char budget %d, got %d", Default().Assembler.CharBudget, cfg.Assembler.CharBudget)
	}
	if len(cfg.Router.Rules) != len(DefaultRouterRules()) {
		t.Errorf("expected %d router rules, got %d", len(DefaultRouterRules()), len(cfg.Router.Rules))
	}
}

func TestLoadFromPath_PartialFileGetsDefaults(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	content := "assembler:\n  char_budget: 4000\nlogging:\n  level: debug\n"
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Assembler.CharBudget != 4000 {
		t.Errorf("expected char budget 4000, got %d", cfg.Assembler.CharBudget)
	}
	if cfg.Assembler.TopK != Default().Assembler.TopK {
		t.Errorf("expected default top_k, got %d", cfg.Assembler.TopK)
	}
	if cfg.Router.TieRole != "reasoning" {
		t.Errorf("expected default tie role, got %q", cfg.Router.TieRole)
	}
	if _, ok := cfg.Backends["ollama"]; !ok {
		t.Error("expected default backends to be filled in")
	}
}

func TestLoadFromPath_EnvOverride(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	t.Setenv("LOOM_LOGGING_LEVEL", "warn")

	cfg, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("expected env override 'warn', got %q", cfg.Logging.Level)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid default", func(c *Config) {}, false},
		{"unknown backend", func(c *Config) {
			c.Backends["openai"] = BackendConfig{Endpoint: "https://api.openai.com"}
		}, true},
		{"empty endpoint", func(c *Config) {
			c.Backends["ollama"] = BackendConfig{}
		}, true},
		{"bad role default", func(c *Config) {
			c.Roles.Defaults["creative"] = RoleDefault{Backend: "ollama", Model: "x"}
		}, true},
		{"tiny budget", func(c *Config) { c.Assembler.CharBudget = 10 }, true},
		{"min score out of range", func(c *Config) { c.Assembler.MinScore = 1.5 }, true},
		{"bad tie role", func(c *Config) { c.Router.TieRole = "slow" }, true},
		{"bad rule pattern", func(c *Config) {
			c.Router.Rules = append(c.Router.Rules, RouterRule{Pattern: "([", Role: "fast", Weight: 1})
		}, true},
		{"zero weight", func(c *Config) {
			c.Router.Rules = append(c.Router.Rules, RouterRule{Pattern: "x", Role: "fast"})
		}, true},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := expandPath("~/.loom/x.db"); got != filepath.Join(home, ".loom/x.db") {
		t.Errorf("expandPath = %q", got)
	}
	if got := expandPath("/abs/path"); got != "/abs/path" {
		t.Errorf("expandPath changed absolute path: %q", got)
	}
}
