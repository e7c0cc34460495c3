package agent

// Fact keys written by the agents.
const (
	FactMemberID          = "member_id"
	FactMemberName        = "member_name"
	FactPlanID            = "plan_id"
	FactVisitDate         = "visit_date"
	FactDoctor            = "doctor"
	FactVisitReason       = "visit_reason"
	FactCopay             = "copay"
	FactDeductible        = "deductible"
	FactDeductibleStatus  = "deductible_status"
	FactOutstandingBal    = "outstanding_balance"
	FactProcedureCode     = "procedure_code"
	FactCovered           = "covered"
	FactAppointmentID     = "appointment_id"
	FactAppointmentTime   = "appointment_time"
	FactPendingIntents    = "pending_intents"
	FactCitations         = "citations"
	FactCitationSources   = "citation_sources"
	FactLastRetrievalText = "last_retrieval_query"
)
