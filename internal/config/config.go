package config

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// Config represents the main careline configuration
type Config struct {
	// Orchestrator holds the turn-processing options
	Orchestrator OrchestratorConfig `json:"orchestrator" mapstructure:"orchestrator"`

	// Routing selects and tunes the intent classifier
	Routing RoutingConfig `json:"routing" mapstructure:"routing"`

	// Session storage and expiry
	Session SessionConfig `json:"session" mapstructure:"session"`

	// Knowledge base used by the retrieval agent
	Knowledge KnowledgeConfig `json:"knowledge" mapstructure:"knowledge"`

	// Records used by the transactional agent
	Records RecordsConfig `json:"records" mapstructure:"records"`

	// Tools
	Tools ToolsConfig `json:"tools" mapstructure:"tools"`

	// Guardrails
	Guardrails GuardrailsConfig `json:"guardrails" mapstructure:"guardrails"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Tracing
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`

	// Gateway configuration
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// AI configuration
	AI AIConfig `json:"ai" mapstructure:"ai"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// OrchestratorConfig holds the explicit options passed into the router and
// orchestrator at construction.
type OrchestratorConfig struct {
	RetrievalRelevanceThreshold float64       `json:"retrieval_relevance_threshold" mapstructure:"retrieval_relevance_threshold"`
	MaxDelegations              int           `json:"max_delegations" mapstructure:"max_delegations"`
	ToolRetryBudget             int           `json:"tool_retry_budget" mapstructure:"tool_retry_budget"`
	TurnDeadline                time.Duration `json:"turn_deadline" mapstructure:"turn_deadline"`
	CitationPolicy              string        `json:"citation_policy" mapstructure:"citation_policy"` // per_turn, persist
	HistoryWindow               int           `json:"history_window" mapstructure:"history_window"`
	RetrievalTopK               int           `json:"retrieval_top_k" mapstructure:"retrieval_top_k"`
}

// RoutingConfig holds router configuration
type RoutingConfig struct {
	Classifier string `json:"classifier" mapstructure:"classifier"` // auto, llm, keyword
}

// SessionConfig holds session store configuration
type SessionConfig struct {
	Store          string        `json:"store" mapstructure:"store"` // file, memory
	Dir            string        `json:"dir" mapstructure:"dir"`
	IdleTimeout    time.Duration `json:"idle_timeout" mapstructure:"idle_timeout"`
	ExpirySchedule string        `json:"expiry_schedule" mapstructure:"expiry_schedule"`
}

// KnowledgeConfig holds document index configuration
type KnowledgeConfig struct {
	Backend string `json:"backend" mapstructure:"backend"` // sqlite, chromem
	DocsDir string `json:"docs_dir" mapstructure:"docs_dir"`
	DBPath  string `json:"db_path" mapstructure:"db_path"`
	Watch   bool   `json:"watch" mapstructure:"watch"`
}

// RecordsConfig holds record source configuration
type RecordsConfig struct {
	Backend         string `json:"backend" mapstructure:"backend"` // json, sqlite
	Path            string `json:"path" mapstructure:"path"`
	DBPath          string `json:"db_path" mapstructure:"db_path"`
	DefaultMemberID string `json:"default_member_id" mapstructure:"default_member_id"`
}

// ToolsConfig holds tool configuration
type ToolsConfig struct {
	Timeout  time.Duration               `json:"timeout" mapstructure:"timeout"`
	Policies map[string]ToolPolicyConfig `json:"policies" mapstructure:"policies"` // keyed by agent target
}

// ToolPolicyConfig defines tool access policies
type ToolPolicyConfig struct {
	Allow []string `json:"allow" mapstructure:"allow"`
	Deny  []string `json:"deny" mapstructure:"deny"`
}

// GuardrailsConfig holds guardrail settings
type GuardrailsConfig struct {
	Enabled           bool     `json:"enabled" mapstructure:"enabled"`
	SensitiveKeywords []string `json:"sensitive_keywords" mapstructure:"sensitive_keywords"`
	BlockedPatterns   []string `json:"blocked_patterns" mapstructure:"blocked_patterns"`
	HandoffOnOffTopic bool     `json:"handoff_on_off_topic" mapstructure:"handoff_on_off_topic"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	MaxBackup int    `json:"max_backups" mapstructure:"max_backups"`
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Port         int    `json:"port" mapstructure:"port"`
	Host         string `json:"host" mapstructure:"host"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
}

// AIConfig holds AI provider configuration
type AIConfig struct {
	Profiles    []AIProfile   `json:"profiles" mapstructure:"profiles"`
	Model       string        `json:"model" mapstructure:"model"`
	Temperature float64       `json:"temperature" mapstructure:"temperature"`
	MaxTokens   int           `json:"max_tokens" mapstructure:"max_tokens"`
	Timeout     time.Duration `json:"timeout" mapstructure:"timeout"`
}

// AIProfile represents an AI provider profile
type AIProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	Model    string `json:"model" mapstructure:"model"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Orchestrator: OrchestratorConfig{
			RetrievalRelevanceThreshold: 0.35,
			MaxDelegations:              3,
			ToolRetryBudget:             2,
			TurnDeadline:                20 * time.Second,
			CitationPolicy:              "per_turn",
			HistoryWindow:               6,
			RetrievalTopK:               4,
		},
		Routing: RoutingConfig{
			Classifier: "auto",
		},
		Session: SessionConfig{
			Store:          "file",
			IdleTimeout:    30 * time.Minute,
			ExpirySchedule: "@every 5m",
		},
		Knowledge: KnowledgeConfig{
			Backend: "chromem",
			Watch:   true,
		},
		Records: RecordsConfig{
			Backend:         "json",
			DefaultMemberID: "MBR156655633",
		},
		Tools: ToolsConfig{
			Timeout: 10 * time.Second,
			Policies: map[string]ToolPolicyConfig{
				"conversational": {Allow: []string{}, Deny: []string{"*"}},
				"retrieval":      {Allow: []string{"search_documents"}},
				"transactional":  {Allow: []string{"resolve_member", "fetch_billing_info", "check_plan_coverage", "schedule_appointment"}},
			},
		},
		Guardrails: GuardrailsConfig{
			Enabled: true,
			SensitiveKeywords: []string{
				"ssn", "social security", "full medical record", "diagnosis code", "mental health notes",
			},
			BlockedPatterns: []string{`\b\d{3}-\d{2}-\d{4}\b`},
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			MaxBackup: 5,
			Compress:  true,
			Redaction: true,
		},
		Tracing: TracingConfig{
			SampleRatio: 1,
		},
		Gateway: GatewayConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
		AI: AIConfig{
			Profiles:    []AIProfile{},
			Model:       "claude-sonnet-4-5",
			Temperature: 0.2,
			MaxTokens:   1024,
			Timeout:     15 * time.Second,
		},
	}
}

// String returns a JSON representation of the config with API keys masked
func (c *Config) String() string {
	masked := *c
	masked.AI.Profiles = make([]AIProfile, len(c.AI.Profiles))
	for i, p := range c.AI.Profiles {
		if p.APIKey != "" {
			p.APIKey = "***"
		}
		masked.AI.Profiles[i] = p
	}
	if masked.Gateway.SharedSecret != "" {
		masked.Gateway.SharedSecret = "***"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	o := c.Orchestrator
	if o.RetrievalRelevanceThreshold < 0 || o.RetrievalRelevanceThreshold > 1 {
		return fmt.Errorf("orchestrator.retrieval_relevance_threshold must be within [0,1], got %v", o.RetrievalRelevanceThreshold)
	}
	if o.MaxDelegations < 0 {
		return fmt.Errorf("orchestrator.max_delegations must be >= 0")
	}
	if o.ToolRetryBudget < 0 {
		return fmt.Errorf("orchestrator.tool_retry_budget must be >= 0")
	}
	if o.TurnDeadline <= 0 {
		return fmt.Errorf("orchestrator.turn_deadline must be positive")
	}
	if o.CitationPolicy != "per_turn" && o.CitationPolicy != "persist" {
		return fmt.Errorf("orchestrator.citation_policy must be per_turn or persist, got %q", o.CitationPolicy)
	}

	switch c.Routing.Classifier {
	case "auto", "keyword":
	case "llm":
		if len(c.AI.Profiles) == 0 {
			return fmt.Errorf("routing.classifier llm requires at least one AI profile")
		}
	default:
		return fmt.Errorf("invalid routing.classifier: %s", c.Routing.Classifier)
	}

	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0,1], got %v", c.Tracing.SampleRatio)
	}

	if c.Session.Store != "file" && c.Session.Store != "memory" {
		return fmt.Errorf("invalid session.store: %s", c.Session.Store)
	}
	if c.Knowledge.Backend != "sqlite" && c.Knowledge.Backend != "chromem" {
		return fmt.Errorf("invalid knowledge.backend: %s", c.Knowledge.Backend)
	}
	if c.Records.Backend != "json" && c.Records.Backend != "sqlite" {
		return fmt.Errorf("invalid records.backend: %s", c.Records.Backend)
	}

	for _, p := range c.Guardrails.BlockedPatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("invalid guardrails.blocked_patterns entry %q: %w", p, err)
		}
	}

	for i, profile := range c.AI.Profiles {
		if profile.ID == "" {
			return fmt.Errorf("AI profile %d: ID is required", i)
		}
		if profile.APIKey == "" {
			return fmt.Errorf("AI profile %s: api_key is required", profile.ID)
		}
		if profile.Provider != "anthropic" && profile.Provider != "openai" {
			return fmt.Errorf("AI profile %s: invalid provider %s (must be: anthropic, openai)", profile.ID, profile.Provider)
		}
	}

	return nil
}
