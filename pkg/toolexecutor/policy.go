package toolexecutor

import (
	"fmt"
)

// ToolPolicy defines which tools a caller may use
type ToolPolicy struct {
	Allow []string `json:"allow"` // List of allowed tools (* for all)
	Deny  []string `json:"deny"`  // List of denied tools (overrides allow)
}

// EvaluationResult explains a policy decision
type EvaluationResult struct {
	Allowed       bool
	Reason        string
	ViolationType string // "deny_list", "not_in_allow_list", ""
}

// Evaluate decides whether toolName may run. A nil policy allows everything;
// deny entries override allow entries; anything not allowed is denied.
func (tp *ToolPolicy) Evaluate(toolName string) EvaluationResult {
	if tp == nil {
		return EvaluationResult{Allowed: true, Reason: "no policy configured"}
	}

	for _, denied := range tp.Deny {
		if denied == toolName || denied == "*" {
			return EvaluationResult{
				Reason:        fmt.Sprintf("tool '%s' is in deny list", toolName),
				ViolationType: "deny_list",
			}
		}
	}

	for _, allowed := range tp.Allow {
		if allowed == toolName || allowed == "*" {
			return EvaluationResult{Allowed: true, Reason: "allowed by policy"}
		}
	}

	return EvaluationResult{
		Reason:        fmt.Sprintf("tool '%s' is not in allow list", toolName),
		ViolationType: "not_in_allow_list",
	}
}

// IsToolAllowed checks if a tool is allowed by the policy
func (tp *ToolPolicy) IsToolAllowed(toolName string) bool {
	return tp.Evaluate(toolName).Allowed
}

// ValidatePolicy rejects policies that name unknown tools.
func ValidatePolicy(policy *ToolPolicy, known []string) error {
	if policy == nil {
		return nil
	}
	set := make(map[string]struct{}, len(known))
	for _, name := range known {
		set[name] = struct{}{}
	}
	check := func(list []string, kind string) error {
		for _, name := range list {
			if name == "*" {
				continue
			}
			if _, ok := set[name]; !ok {
				return fmt.Errorf("%s list names unknown tool %q", kind, name)
			}
		}
		return nil
	}
	if err := check(policy.Allow, "allow"); err != nil {
		return err
	}
	return check(policy.Deny, "deny")
}
