package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validator performs field-level checks and collects every problem found,
// where Config.Validate stops at the first structural error.
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidateTemperature validates temperature value
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 1 {
		return fmt.Errorf("temperature must be between 0 and 1, got %f", temp)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateSchedule validates a cron expression or descriptor such as "@every 5m"
func (v *Validator) ValidateSchedule(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return nil
}

// ValidateToolPolicies rejects policies for unknown agent targets
func (v *Validator) ValidateToolPolicies(policies map[string]ToolPolicyConfig) error {
	for target := range policies {
		switch target {
		case "conversational", "retrieval", "transactional":
		default:
			return fmt.Errorf("tool policy for unknown agent target: %s", target)
		}
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error

	if err := cfg.Validate(); err != nil {
		errs = append(errs, err)
	}

	for i, profile := range cfg.AI.Profiles {
		if profile.Provider != "" {
			if err := v.ValidateAPIKey(profile.APIKey, profile.Provider); err != nil {
				errs = append(errs, fmt.Errorf("AI profile %d (%s): %w", i, profile.ID, err))
			}
		}
	}
	if err := v.ValidateTemperature(cfg.AI.Temperature); err != nil {
		errs = append(errs, fmt.Errorf("ai: %w", err))
	}
	if err := v.ValidateMaxTokens(cfg.AI.MaxTokens); err != nil {
		errs = append(errs, fmt.Errorf("ai: %w", err))
	}
	if cfg.AI.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("ai.timeout must be positive"))
	}
	if cfg.Tools.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("tools.timeout must be positive"))
	}
	if err := v.ValidateToolPolicies(cfg.Tools.Policies); err != nil {
		errs = append(errs, err)
	}
	if cfg.Session.IdleTimeout <= 0 {
		errs = append(errs, fmt.Errorf("session.idle_timeout must be positive"))
	}
	if err := v.ValidateSchedule(cfg.Session.ExpirySchedule); err != nil {
		errs = append(errs, fmt.Errorf("session.expiry_schedule: %w", err))
	}
	if cfg.Orchestrator.HistoryWindow <= 0 {
		errs = append(errs, fmt.Errorf("orchestrator.history_window must be positive"))
	}
	if cfg.Orchestrator.RetrievalTopK <= 0 {
		errs = append(errs, fmt.Errorf("orchestrator.retrieval_top_k must be positive"))
	}
	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, err)
	}

	return errs
}
