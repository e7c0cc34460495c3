package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const envPrefix = "CARELINE"

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load reads the JSON config file, if present, and overlays CARELINE_*
// environment variables. A missing file yields defaults.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := DefaultConfig()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			if err := v.Unmarshal(cfg); err != nil {
				return nil, fmt.Errorf("failed to unmarshal config: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
	}

	applyEnvOverrides(v, cfg)

	if err := applyPaths(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides covers keys that AutomaticEnv cannot see when they are
// absent from the config file.
func applyEnvOverrides(v *viper.Viper, cfg *Config) {
	for _, key := range []string{"data_dir", "logging.level", "gateway.port", "routing.classifier", "anthropic_api_key", "openai_api_key"} {
		_ = v.BindEnv(key)
	}

	if s := v.GetString("data_dir"); s != "" {
		cfg.DataDir = s
	}
	if s := v.GetString("logging.level"); s != "" {
		cfg.Logging.Level = s
	}
	if p := v.GetInt("gateway.port"); p != 0 {
		cfg.Gateway.Port = p
	}
	if s := v.GetString("routing.classifier"); s != "" {
		cfg.Routing.Classifier = s
	}

	if len(cfg.AI.Profiles) > 0 {
		return
	}
	if key := v.GetString("anthropic_api_key"); key != "" {
		cfg.AI.Profiles = append(cfg.AI.Profiles, AIProfile{ID: "anthropic-env", Provider: "anthropic", APIKey: key, Priority: 0})
	}
	if key := v.GetString("openai_api_key"); key != "" {
		cfg.AI.Profiles = append(cfg.AI.Profiles, AIProfile{ID: "openai-env", Provider: "openai", APIKey: key, Model: "gpt-4o-mini", Priority: 1})
	}
}

func applyPaths(cfg *Config) error {
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".careline")
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "careline.log")
	}
	if cfg.Logging.AuditFile == "" {
		cfg.Logging.AuditFile = filepath.Join(cfg.DataDir, "audit.log")
	}
	if cfg.Session.Dir == "" {
		cfg.Session.Dir = filepath.Join(cfg.DataDir, "sessions")
	}
	if cfg.Knowledge.DocsDir == "" {
		cfg.Knowledge.DocsDir = filepath.Join(cfg.DataDir, "docs")
	}
	if cfg.Knowledge.DBPath == "" {
		cfg.Knowledge.DBPath = filepath.Join(cfg.DataDir, "knowledge.db")
	}
	if cfg.Records.Path == "" {
		cfg.Records.Path = filepath.Join(cfg.DataDir, "records.json")
	}
	if cfg.Records.DBPath == "" {
		cfg.Records.DBPath = filepath.Join(cfg.DataDir, "records.db")
	}
	return nil
}

// Save saves the configuration to file
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to resolve config path")
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("orchestrator", cfg.Orchestrator)
	v.Set("routing", cfg.Routing)
	v.Set("session", cfg.Session)
	v.Set("knowledge", cfg.Knowledge)
	v.Set("records", cfg.Records)
	v.Set("tools", cfg.Tools)
	v.Set("guardrails", cfg.Guardrails)
	v.Set("logging", cfg.Logging)
	v.Set("gateway", cfg.Gateway)
	v.Set("ai", cfg.AI)
	v.Set("data_dir", cfg.DataDir)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
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
	return filepath.Join(home, ".careline", "careline.json")
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
