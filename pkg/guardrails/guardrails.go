package guardrails

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/harun/careline/internal/config"
	"github.com/harun/careline/internal/observability"
	"github.com/harun/careline/pkg/routing"
	"github.com/harun/careline/pkg/toolexecutor"
)

// HandoffMessage replaces responses that would leak sensitive material.
const HandoffMessage = "I'm not able to share that information here. " +
	"I've flagged this conversation so a member services representative can follow up with you securely."

// Reasons a handoff was requested.
const (
	ReasonResponseLeak = "response_leak"
	ReasonToolLeak     = "tool_output_leak"
	ReasonHumanRequest = "human_requested"
	ReasonOffTopic     = "off_topic"
)

// Stages reported in metrics.
const (
	StageInput  = "input"
	StageOutput = "output"
)

var humanRequestPatterns = []routing.Pattern{
	routing.Keyword("human"),
	routing.Keyword("representative"),
	routing.Keyword("real person"),
	routing.Keyword("live agent"),
	routing.Keyword("speak to someone"),
	routing.Keyword("talk to someone"),
	routing.Keyword("operator"),
}

var onTopicPatterns = []routing.Pattern{
	routing.Keyword("kaiser"), routing.Keyword("kp"),
	routing.Keyword("co-pay"), routing.Keyword("copay"),
	routing.Keyword("coverage"), routing.Keyword("covered"),
	routing.Keyword("appointment"), routing.Keyword("doctor"),
	routing.Keyword("physician"), routing.Keyword("plan"),
	routing.Keyword("bill"), routing.Keyword("deductible"),
	routing.Keyword("benefit"), routing.Keyword("claim"),
}

// Verdict is the outcome of reviewing a turn.
type Verdict struct {
	HandoffRequired bool     `json:"handoff_required"`
	Reasons         []string `json:"reasons,omitempty"`
	Response        string   `json:"response"`
	Redacted        bool     `json:"redacted,omitempty"`
}

// Checker reviews turns.
type Checker struct {
	enabled   bool
	offTopic  bool
	sensitive []routing.Pattern
	matcher   *routing.PatternMatcher
}

// New creates a Checker from configuration.
func New(cfg config.GuardrailsConfig) (*Checker, error) {
	observability.EnsureRegistered()

	c := &Checker{
		enabled:  cfg.Enabled,
		offTopic: cfg.HandoffOnOffTopic,
		matcher:  routing.NewPatternMatcher(4096),
	}
	for _, kw := range cfg.SensitiveKeywords {
		c.sensitive = append(c.sensitive, routing.Keyword(kw))
	}
	for _, expr := range cfg.BlockedPatterns {
		p := routing.Pattern{Type: routing.PatternRegex, Value: expr}
		if _, err := c.matcher.Compile(p); err != nil {
			return nil, fmt.Errorf("invalid blocked pattern: %w", err)
		}
		c.sensitive = append(c.sensitive, p)
	}
	return c, nil
}

// Enabled reports whether the checker does anything.
func (c *Checker) Enabled() bool {
	return c != nil && c.enabled
}

// Review inspects the user input, the drafted response and the tool
// records of one turn.
func (c *Checker) Review(ctx context.Context, input, response string, invocations []toolexecutor.Invocation) Verdict {
	v := Verdict{Response: response}
	if !c.Enabled() {
		return v
	}

	if _, ok := c.matcher.MatchAny(humanRequestPatterns, input); ok {
		v.flag(ReasonHumanRequest)
		observability.RecordGuardrailBlock(StageInput, ReasonHumanRequest)
	} else if c.offTopic {
		if _, ok := c.matcher.MatchAny(onTopicPatterns, input); !ok {
			v.flag(ReasonOffTopic)
			observability.RecordGuardrailBlock(StageInput, ReasonOffTopic)
		}
	}

	if c.Leaks(response) {
		v.flag(ReasonResponseLeak)
		v.Response = HandoffMessage
		v.Redacted = true
		observability.RecordGuardrailBlock(StageOutput, ReasonResponseLeak)
	}

	for _, inv := range invocations {
		if inv.Payload == nil {
			continue
		}
		if c.Leaks(payloadText(inv.Payload)) {
			v.flag(ReasonToolLeak)
			observability.RecordGuardrailBlock(StageOutput, ReasonToolLeak)
			break
		}
	}

	if v.HandoffRequired {
		observability.RecordSecurityAudit(ctx, "guardrail_handoff", "guardrails", "flagged", map[string]interface{}{
			"reasons":  v.Reasons,
			"redacted": v.Redacted,
		})
	}
	return v
}

// Leaks reports whether text contains sensitive material.
func (c *Checker) Leaks(text string) bool {
	if !c.Enabled() || text == "" {
		return false
	}
	_, ok := c.matcher.MatchAny(c.sensitive, text)
	return ok
}

func (v *Verdict) flag(reason string) {
	v.HandoffRequired = true
	for _, r := range v.Reasons {
		if r == reason {
			return
		}
	}
	v.Reasons = append(v.Reasons, reason)
}

func payloadText(payload interface{}) string {
	if s, ok := payload.(string); ok {
		return s
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprint(payload)
	}
	return string(data)
}

