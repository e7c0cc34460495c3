package coretools

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/harun/careline/pkg/knowledge"
	"github.com/harun/careline/pkg/records"
	"github.com/harun/careline/pkg/toolexecutor"
)

// Tool names.
const (
	ToolResolveMember       = "resolve_member"
	ToolFetchBillingInfo    = "fetch_billing_info"
	ToolCheckPlanCoverage   = "check_plan_coverage"
	ToolScheduleAppointment = "schedule_appointment"
	ToolSearchDocuments     = "search_documents"
)

// DefaultTopK is the passage count when search_documents gets no top_k.
const DefaultTopK = 4

const dateLayout = "2006-01-02"

// Options configures core tool registration. Nil sources make the tools
// that need them fail with INTERNAL.
type Options struct {
	Members   records.Source
	Visits    records.Source
	Plans     records.Source
	Coverage  records.Source
	Documents knowledge.Source

	Appointments *AppointmentBook
	Now          func() time.Time
	DefaultTopK  int
}

// CatalogSources fills the record sources from a catalog.
func CatalogSources(cat *records.Catalog, opts Options) Options {
	opts.Members = cat.Collection(records.Members)
	opts.Visits = cat.Collection(records.Visits)
	opts.Plans = cat.Collection(records.Plans)
	opts.Coverage = cat.Collection(records.Coverage)
	return opts
}

// SQLiteSources fills the record sources from a SQLite store.
func SQLiteSources(store *records.SQLiteStore, opts Options) Options {
	opts.Members = store.Source(records.Members)
	opts.Visits = store.Source(records.Visits)
	opts.Plans = store.Source(records.Plans)
	opts.Coverage = store.Source(records.Coverage)
	return opts
}

// RegisterCoreTools registers the member, billing, coverage, scheduling
// and document search tools.
func RegisterCoreTools(executor *toolexecutor.ToolExecutor, opts Options) error {
	if executor == nil {
		return errors.New("tool executor is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Appointments == nil {
		opts.Appointments = NewAppointmentBook()
	}
	if opts.DefaultTopK <= 0 {
		opts.DefaultTopK = DefaultTopK
	}

	tools := []toolexecutor.ToolDefinition{
		resolveMemberTool(opts),
		fetchBillingInfoTool(opts),
		checkPlanCoverageTool(opts),
		scheduleAppointmentTool(opts),
		searchDocumentsTool(opts),
	}

	for _, tool := range tools {
		if err := executor.RegisterTool(tool); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", tool.Name, err)
		}
	}
	return nil
}

var errSourceMissing = errors.New("record source not configured")

func resolveMemberTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        ToolResolveMember,
		Description: "Resolve a member id to the member's name and plan.",
		Category:    toolexecutor.CategoryRead,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "member_id", Type: "string", Description: "Member identifier", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			if opts.Members == nil {
				return nil, errSourceMissing
			}
			memberID := strings.TrimSpace(stringParam(params, "member_id"))
			member, ok, err := opts.Members.FindByField(ctx, "member_id", memberID)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, toolexecutor.NotFound("no member %s", memberID)
			}
			return map[string]interface{}{
				"member_id": memberID,
				"name":      member.String("name"),
				"plan_id":   member.String("plan_id"),
			}, nil
		},
	}
}

func fetchBillingInfoTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        ToolFetchBillingInfo,
		Description: "Fetch copay, deductible and balance for a member's visit. Defaults to the most recent visit.",
		Category:    toolexecutor.CategoryRead,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "member_id", Type: "string", Description: "Member identifier", Required: true},
			{Name: "visit_date", Type: "string", Description: "Visit date (YYYY-MM-DD)", Required: false},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			if opts.Visits == nil {
				return nil, errSourceMissing
			}
			memberID := strings.TrimSpace(stringParam(params, "member_id"))
			visitDate := strings.TrimSpace(stringParam(params, "visit_date"))
			if visitDate != "" {
				if _, err := time.Parse(dateLayout, visitDate); err != nil {
					return nil, toolexecutor.InvalidArgument("visit_date %q is not YYYY-MM-DD", visitDate)
				}
			}

			visits, err := opts.Visits.FilterByField(ctx, "member_id", memberID)
			if err != nil {
				return nil, err
			}
			if len(visits) == 0 {
				return nil, toolexecutor.NotFound("no visits for member %s", memberID)
			}

			visit, ok := pickVisit(visits, visitDate)
			if !ok {
				return nil, toolexecutor.NotFound("no visit on %s for member %s", visitDate, memberID)
			}

			payload := map[string]interface{}{
				"member_id":           memberID,
				"visit_date":          visit.String("visit_date"),
				"doctor":              visit.String("doctor"),
				"deductible_status":   visit.String("deductible_status"),
				"copay":               floatOrZero(visit, "copay"),
				"outstanding_balance": floatOrZero(visit, "outstanding_balance"),
			}
			if d, ok := visit.Float("deductible"); ok {
				payload["deductible"] = d
			}
			if reason := visit.String("reason"); reason != "" {
				payload["reason"] = reason
			}
			return payload, nil
		},
	}
}

// pickVisit returns the visit on date, or the latest visit when date is empty.
func pickVisit(visits []records.Record, date string) (records.Record, bool) {
	if date != "" {
		for _, v := range visits {
			if v.String("visit_date") == date {
				return v, true
			}
		}
		return nil, false
	}
	sorted := append([]records.Record(nil), visits...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].String("visit_date") > sorted[j].String("visit_date")
	})
	return sorted[0], true
}

func checkPlanCoverageTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        ToolCheckPlanCoverage,
		Description: "Check whether a plan covers a procedure code.",
		Category:    toolexecutor.CategoryRead,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "plan_id", Type: "string", Description: "Plan identifier", Required: true},
			{Name: "procedure_code", Type: "string", Description: "Procedure code, e.g. PT_GENERIC", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			if opts.Plans == nil || opts.Coverage == nil {
				return nil, errSourceMissing
			}
			planID := strings.TrimSpace(stringParam(params, "plan_id"))
			code := strings.ToUpper(strings.TrimSpace(stringParam(params, "procedure_code")))

			if _, ok, err := opts.Plans.FindByField(ctx, "plan_id", planID); err != nil {
				return nil, err
			} else if !ok {
				return nil, toolexecutor.NotFound("no plan %s", planID)
			}

			rows, err := opts.Coverage.FilterByField(ctx, "plan_id", planID)
			if err != nil {
				return nil, err
			}
			for _, row := range rows {
				if row.String("procedure_code") == code {
					return map[string]interface{}{
						"plan_id":        planID,
						"procedure_code": code,
						"covered":        row.Bool("covered"),
						"details":        row.String("details"),
					}, nil
				}
			}
			return nil, toolexecutor.NotFound("plan %s has no coverage entry for %s", planID, code)
		},
	}
}

func scheduleAppointmentTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        ToolScheduleAppointment,
		Description: "Schedule an appointment for a member with a doctor.",
		Category:    toolexecutor.CategoryWrite,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "member_id", Type: "string", Description: "Member identifier", Required: true},
			{Name: "doctor", Type: "string", Description: "Doctor name", Required: true},
			{Name: "reason", Type: "string", Description: "Reason for the visit", Required: true},
			{Name: "requested_time", Type: "string", Description: "Requested start time (RFC 3339)", Required: false},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			memberID := strings.TrimSpace(stringParam(params, "member_id"))
			if opts.Members != nil {
				if _, ok, err := opts.Members.FindByField(ctx, "member_id", memberID); err != nil {
					return nil, err
				} else if !ok {
					return nil, toolexecutor.NotFound("no member %s", memberID)
				}
			}

			at := opts.Now().UTC()
			if raw := strings.TrimSpace(stringParam(params, "requested_time")); raw != "" {
				t, err := time.Parse(time.RFC3339, raw)
				if err != nil {
					return nil, toolexecutor.InvalidArgument("requested_time %q is not RFC 3339", raw)
				}
				at = t.UTC()
			}

			appt, err := opts.Appointments.Book(ctx, Appointment{
				MemberID:    memberID,
				Doctor:      strings.TrimSpace(stringParam(params, "doctor")),
				Reason:      strings.TrimSpace(stringParam(params, "reason")),
				ScheduledAt: at,
			})
			if err != nil {
				return nil, err
			}
			return appt.Payload(), nil
		},
	}
}

func searchDocumentsTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        ToolSearchDocuments,
		Description: "Search plan documents and FAQs. Returns passages ordered by relevance.",
		Category:    toolexecutor.CategoryRead,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "query", Type: "string", Description: "Search query", Required: true},
			{Name: "top_k", Type: "number", Description: "Maximum passages to return", Required: false, Default: opts.DefaultTopK},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			if opts.Documents == nil {
				return nil, errors.New("document source not configured")
			}
			query := strings.TrimSpace(stringParam(params, "query"))
			topK := opts.DefaultTopK
			if v, ok := numberParam(params, "top_k"); ok {
				if v < 1 || v != math.Trunc(v) {
					return nil, toolexecutor.InvalidArgument("top_k must be a positive integer")
				}
				topK = int(v)
			}

			passages, err := opts.Documents.Search(ctx, query, topK)
			if err != nil {
				return nil, err
			}
			if len(passages) > topK {
				passages = passages[:topK]
			}
			return map[string]interface{}{
				"query":    query,
				"passages": passages,
			}, nil
		},
	}
}

// Passages extracts search_documents output from an invocation payload.
func Passages(payload interface{}) []knowledge.Passage {
	m, ok := payload.(map[string]interface{})
	if !ok {
		return nil
	}
	ps, _ := m["passages"].([]knowledge.Passage)
	return ps
}

func stringParam(params map[string]interface{}, key string) string {
	switch v := params[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func numberParam(params map[string]interface{}, key string) (float64, bool) {
	switch v := params[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func floatOrZero(r records.Record, field string) float64 {
	f, _ := r.Float(field)
	return f
}
