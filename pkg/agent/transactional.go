package agent

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/harun/careline/pkg/coretools"
	"github.com/harun/careline/pkg/routing"
	"github.com/harun/careline/pkg/session"
)

// TransactionalOptions configures the transactional agent.
type TransactionalOptions struct {
	Options

	// DefaultMemberID stands in for an authenticated member when neither
	// the turn nor the session names one.
	DefaultMemberID string
	Keywords        *routing.KeywordClassifier
}

// Transactional resolves the member and then runs billing, coverage and
// scheduling actions in that order.
type Transactional struct {
	opts TransactionalOptions
}

// NewTransactional creates the transactional agent.
func NewTransactional(opts TransactionalOptions) *Transactional {
	if opts.Keywords == nil {
		opts.Keywords = routing.NewKeywordClassifier(nil)
	}
	return &Transactional{opts: opts}
}

func (a *Transactional) Target() session.Target {
	return session.TargetTransactional
}

// txn is the working set for one dispatch.
type txn struct {
	req      Request
	res      *Result
	c        *caller
	useFacts bool
}

// value returns a slot, then a value proposed earlier in this dispatch,
// then a session fact.
func (t *txn) value(slot, fact string) string {
	if v := strings.TrimSpace(t.req.Slots[slot]); v != "" {
		return v
	}
	if v, ok := t.res.Delta.Get(fact); ok {
		return fmt.Sprint(v)
	}
	if t.useFacts {
		return t.req.State.FactString(fact)
	}
	return ""
}

func (t *txn) finish() (Result, error) {
	t.res.Invocations = t.c.records
	return *t.res, nil
}

func (a *Transactional) Handle(ctx context.Context, req Request) (Result, error) {
	res := Result{Delta: session.Delta{Source: string(a.Target())}}
	t := &txn{req: req, res: &res, c: newCaller(a.opts.Options, a.Target(), req)}

	intents := a.opts.Keywords.Intents(req.Input)
	if len(intents) == 0 {
		intents = parseIntents(req.State.FactStrings(FactPendingIntents))
	}
	if len(intents) == 0 {
		if target, ok := a.opts.Keywords.Target(req.Input); ok && target == session.TargetRetrieval {
			res.Directive = DirectiveDelegate
			res.DelegateTo = session.TargetRetrieval
			return t.finish()
		}
		res.Directive = DirectiveNeedsMoreInfo
		res.Response = "I can help with billing questions, plan coverage and scheduling appointments. What would you like to do?"
		return t.finish()
	}

	memberID := strings.TrimSpace(req.Slots[routing.SlotMemberID])
	known := req.State.FactString(FactMemberID)
	if memberID == "" {
		memberID = known
	}
	if memberID == "" {
		memberID = a.opts.DefaultMemberID
	}
	if memberID == "" {
		res.Directive = DirectiveNeedsMoreInfo
		res.Delta.Set(FactPendingIntents, intentStrings(intents))
		res.Response = "To look that up I need your member ID. It starts with MBR and is printed on your member card."
		return t.finish()
	}
	t.useFacts = known == "" || known == memberID

	// identity first
	inv := t.c.call(ctx, coretools.ToolResolveMember, map[string]interface{}{"member_id": memberID})
	if !inv.OK() {
		res.Directive, res.Response = failure(inv, req, a.opts.retryBudget())
		if res.Directive == DirectiveDone {
			res.ClearFacts = []string{FactPendingIntents}
		}
		return t.finish()
	}
	member := inv.PayloadMap()
	res.Delta.Set(FactMemberID, memberID)
	res.Delta.Set(FactMemberName, member["name"])
	res.Delta.Set(FactPlanID, member["plan_id"])

	var parts []string
	var missing []routing.Intent
	var questions []string
	for _, intent := range intents {
		var text, question string
		var retry bool
		switch intent {
		case routing.IntentBilling:
			text, retry = a.billing(ctx, t, memberID)
		case routing.IntentCoverage:
			text, question, retry = a.coverage(ctx, t)
		case routing.IntentScheduling:
			text, question, retry = a.scheduling(ctx, t, memberID)
		}
		if retry {
			res.Directive = DirectiveRetry
			res.Response = ""
			return t.finish()
		}
		if question != "" {
			missing = append(missing, intent)
			questions = append(questions, question)
			continue
		}
		parts = append(parts, text)
	}

	if len(missing) > 0 {
		res.Directive = DirectiveNeedsMoreInfo
		res.Delta.Set(FactPendingIntents, intentStrings(missing))
		res.Response = strings.Join(append(parts, questions...), "\n\n")
		return t.finish()
	}

	res.Directive = DirectiveDone
	res.ClearFacts = []string{FactPendingIntents}
	res.Response = strings.Join(parts, "\n\n")
	return t.finish()
}

// step runs one action tool. It reports retry when the caller should
// return RETRY, and otherwise returns the payload or a failure sentence.
func (a *Transactional) step(ctx context.Context, t *txn, tool string, args map[string]interface{}) (map[string]interface{}, string, bool) {
	inv := t.c.call(ctx, tool, args)
	if inv.OK() {
		if p := inv.PayloadMap(); p != nil {
			return p, "", false
		}
		return nil, explainUnexpected(tool), false
	}
	directive, text := failure(inv, t.req, a.opts.retryBudget())
	if directive == DirectiveRetry {
		return nil, "", true
	}
	return nil, text, false
}

func (a *Transactional) billing(ctx context.Context, t *txn, memberID string) (string, bool) {
	args := map[string]interface{}{"member_id": memberID}
	if date := strings.TrimSpace(t.req.Slots[routing.SlotVisitDate]); date != "" {
		args["visit_date"] = date
	} else if t.useFacts {
		if date := t.req.State.FactString(FactVisitDate); date != "" {
			args["visit_date"] = date
		}
	}

	p, failed, retry := a.step(ctx, t, coretools.ToolFetchBillingInfo, args)
	if retry || p == nil {
		return failed, retry
	}

	d := &t.res.Delta
	d.Set(FactVisitDate, p["visit_date"])
	d.Set(FactDoctor, p["doctor"])
	d.Set(FactVisitReason, p["reason"])
	d.Set(FactDeductibleStatus, p["deductible_status"])
	if v, ok := number(p["copay"]); ok {
		d.Set(FactCopay, formatAmount(v))
	}
	if v, ok := number(p["outstanding_balance"]); ok {
		d.Set(FactOutstandingBal, formatAmount(v))
	}
	if v, ok := number(p["deductible"]); ok {
		d.Set(FactDeductible, formatAmount(v))
	}
	return billingText(p), false
}

func (a *Transactional) coverage(ctx context.Context, t *txn) (string, string, bool) {
	planID := t.value(routing.SlotPlanID, FactPlanID)
	code := strings.TrimSpace(t.req.Slots[routing.SlotProcedureCode])
	if code == "" && a.opts.Keywords.MentionsPhysicalTherapy(t.req.Input) {
		code = routing.ProcedurePhysicalTherapy
	}
	if code == "" && t.useFacts {
		code = t.req.State.FactString(FactProcedureCode)
	}
	if code == "" {
		return "", "Which procedure or service would you like me to check coverage for?", false
	}

	p, failed, retry := a.step(ctx, t, coretools.ToolCheckPlanCoverage, map[string]interface{}{
		"plan_id":        planID,
		"procedure_code": code,
	})
	if retry || p == nil {
		return failed, "", retry
	}

	covered, _ := p["covered"].(bool)
	t.res.Delta.Set(FactProcedureCode, p["procedure_code"])
	t.res.Delta.Set(FactCovered, strconv.FormatBool(covered))
	return coverageText(p), "", false
}

func (a *Transactional) scheduling(ctx context.Context, t *txn, memberID string) (string, string, bool) {
	doctor := t.value(routing.SlotDoctor, FactDoctor)
	if doctor == "" {
		return "", "Which doctor would you like to schedule with?", false
	}
	reason := "Follow-up visit"
	if r := t.value("", FactVisitReason); r != "" {
		reason = "Follow-up regarding " + lowerFirst(r)
	}

	p, failed, retry := a.step(ctx, t, coretools.ToolScheduleAppointment, map[string]interface{}{
		"member_id": memberID,
		"doctor":    doctor,
		"reason":    reason,
	})
	if retry || p == nil {
		return failed, "", retry
	}

	t.res.Delta.Set(FactAppointmentID, p["appointment_id"])
	t.res.Delta.Set(FactAppointmentTime, p["scheduled_at"])
	return appointmentText(p), "", false
}

func billingText(p map[string]interface{}) string {
	copay, _ := number(p["copay"])
	balance, _ := number(p["outstanding_balance"])
	status := fmt.Sprint(p["deductible_status"])

	var b strings.Builder
	fmt.Fprintf(&b, "For your visit on %v with %v, your co-pay was $%.2f.", p["visit_date"], p["doctor"], copay)
	if d, ok := number(p["deductible"]); ok {
		fmt.Fprintf(&b, " Your deductible is $%s", formatAmount(d))
		if status != "" {
			fmt.Fprintf(&b, " and its status is '%s'", status)
		}
		b.WriteString(".")
	} else if status != "" {
		fmt.Fprintf(&b, " Your deductible status is '%s'.", status)
	}
	fmt.Fprintf(&b, " Your outstanding balance is $%.2f.", balance)
	return b.String()
}

func coverageText(p map[string]interface{}) string {
	code := fmt.Sprint(p["procedure_code"])
	subject := code
	if code == routing.ProcedurePhysicalTherapy {
		subject = "physical therapy"
	}
	status := "is not covered"
	if covered, _ := p["covered"].(bool); covered {
		status = "is covered"
	}
	text := fmt.Sprintf("Regarding %s, it %s under your plan (%v).", subject, status, p["plan_id"])
	if details := strings.TrimSuffix(strings.TrimSpace(fmt.Sprint(p["details"])), "."); details != "" {
		text += " Details: " + details + "."
	}
	return text
}

func appointmentText(p map[string]interface{}) string {
	when := fmt.Sprint(p["scheduled_at"])
	if ts, err := time.Parse(time.RFC3339, when); err == nil {
		when = ts.Format("January 2, 2006 at 3:04 PM MST")
	}
	return fmt.Sprintf("I've scheduled a follow-up with %v on %s for the reason: %v.", p["doctor"], when, p["reason"])
}

func parseIntents(values []string) []routing.Intent {
	set := make(map[routing.Intent]bool, len(values))
	for _, v := range values {
		set[routing.Intent(v)] = true
	}
	var out []routing.Intent
	for _, intent := range routing.Intents {
		if set[intent] {
			out = append(out, intent)
		}
	}
	return out
}

func intentStrings(intents []routing.Intent) []string {
	out := make([]string, len(intents))
	for i, intent := range intents {
		out[i] = string(intent)
	}
	return out
}

func number(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
