package agent

import (
	"context"
	"fmt"

	"github.com/harun/careline/pkg/llm"
	"github.com/harun/careline/pkg/session"
	"github.com/harun/careline/pkg/toolexecutor"
)

// Directive tells the orchestrator what to do after a dispatch.
type Directive string

const (
	DirectiveDone          Directive = "DONE"
	DirectiveNeedsMoreInfo Directive = "NEEDS_MORE_INFO"
	DirectiveDelegate      Directive = "DELEGATE"
	DirectiveRetry         Directive = "RETRY"
)

// Valid reports whether d is a known directive.
func (d Directive) Valid() bool {
	switch d {
	case DirectiveDone, DirectiveNeedsMoreInfo, DirectiveDelegate, DirectiveRetry:
		return true
	}
	return false
}

// DefaultRetryBudget is the number of RETRY results an agent may return
// in one turn.
const DefaultRetryBudget = 2

// Request is the input to one dispatch.
type Request struct {
	SessionID string
	State     session.State
	History   []session.Turn
	Input     string
	Slots     map[string]string
	Entry     session.PlanEntry

	// Attempt counts RETRY results already returned by this agent in the
	// current turn.
	Attempt int
}

// Result is what an agent hands back to the orchestrator.
type Result struct {
	Response    string                    `json:"response"`
	Delta       session.Delta             `json:"delta"`
	ClearFacts  []string                  `json:"clear_facts,omitempty"`
	Invocations []toolexecutor.Invocation `json:"invocations,omitempty"`
	Directive   Directive                 `json:"directive"`
	DelegateTo  session.Target            `json:"delegate_to,omitempty"`
}

// Agent is the capability every specialized agent implements.
type Agent interface {
	Target() session.Target
	Handle(ctx context.Context, req Request) (Result, error)
}

// Tools invokes tool adapters.
type Tools interface {
	Invoke(ctx context.Context, toolName string, args map[string]interface{}, opts *toolexecutor.CallOptions) toolexecutor.Invocation
}

// Options are shared by all agents. Nil Completer selects the template
// responses.
type Options struct {
	Tools       Tools
	Policy      *toolexecutor.ToolPolicy
	Completer   llm.Completer
	Model       string
	Temperature float64
	MaxTokens   int
	RetryBudget int
}

func (o Options) retryBudget() int {
	if o.RetryBudget < 0 {
		return 0
	}
	if o.RetryBudget == 0 {
		return DefaultRetryBudget
	}
	return o.RetryBudget
}

// caller wraps tool invocation for one dispatch and collects the records.
type caller struct {
	tools   Tools
	opts    toolexecutor.CallOptions
	records []toolexecutor.Invocation
}

func newCaller(o Options, target session.Target, req Request) *caller {
	return &caller{
		tools: o.Tools,
		opts: toolexecutor.CallOptions{
			Policy:    o.Policy,
			SessionID: req.SessionID,
			Caller:    string(target),
			Attempt:   req.Attempt + 1,
		},
	}
}

func (c *caller) call(ctx context.Context, tool string, args map[string]interface{}) toolexecutor.Invocation {
	var inv toolexecutor.Invocation
	if c.tools == nil {
		inv = toolexecutor.Invocation{
			Tool:    tool,
			Args:    args,
			Attempt: c.opts.Attempt,
			Err:     toolexecutor.NewError(toolexecutor.ErrInternal, "no tool executor configured"),
		}
	} else {
		opts := c.opts
		inv = c.tools.Invoke(ctx, tool, args, &opts)
	}
	c.records = append(c.records, inv)
	return inv
}

// failure turns a failed invocation into RETRY while budget remains and
// into a DONE explanation otherwise.
func failure(inv toolexecutor.Invocation, req Request, budget int) (Directive, string) {
	if inv.Err.Kind.Transient() && req.Attempt < budget {
		return DirectiveRetry, ""
	}
	return DirectiveDone, explain(inv)
}

var toolSubjects = map[string]string{
	"resolve_member":       "member",
	"fetch_billing_info":   "billing",
	"check_plan_coverage":  "coverage",
	"schedule_appointment": "scheduling",
	"search_documents":     "plan document",
}

func explainUnexpected(tool string) string {
	subject := toolSubjects[tool]
	if subject == "" {
		subject = "account"
	}
	return fmt.Sprintf("Something went wrong while handling your %s request. Please try again later.", subject)
}

// explain renders a user-facing sentence for a failed invocation. Raw
// error text never reaches the user.
func explain(inv toolexecutor.Invocation) string {
	subject := toolSubjects[inv.Tool]
	if subject == "" {
		subject = "account"
	}
	switch inv.Err.Kind {
	case toolexecutor.ErrNotFound:
		return fmt.Sprintf("I couldn't find matching %s information for your account.", subject)
	case toolexecutor.ErrInvalidArgument:
		return fmt.Sprintf("Some details in your request didn't look right, so I couldn't complete the %s lookup. Dates should look like 2025-11-10.", subject)
	case toolexecutor.ErrAuthorizationDenied:
		return fmt.Sprintf("I'm not able to access %s information from here. A human representative can help with this.", subject)
	case toolexecutor.ErrTimeout, toolexecutor.ErrRateLimited:
		return fmt.Sprintf("The %s system isn't responding right now. Please try again in a few minutes.", subject)
	default:
		return fmt.Sprintf("Something went wrong while handling your %s request. Please try again later.", subject)
	}
}
