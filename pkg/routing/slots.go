package routing

import (
	"regexp"
	"strings"
)

// Slot keys.
const (
	SlotMemberID      = "member_id"
	SlotVisitDate     = "visit_date"
	SlotPlanID        = "plan_id"
	SlotProcedureCode = "procedure_code"
	SlotDoctor        = "doctor"
)

// ProcedurePhysicalTherapy is the code assumed when a turn mentions
// physical therapy without naming a code.
const ProcedurePhysicalTherapy = "PT_GENERIC"

var (
	memberIDPattern  = regexp.MustCompile(`\bMBR\d{6,}\b`)
	visitDatePattern = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`)
	planIDPattern    = regexp.MustCompile(`\b(?:EPO|PPO|HMO)_[A-Z0-9_]+\b`)
	procedurePattern = regexp.MustCompile(`\b[A-Z]{2,}(?:_[A-Z0-9]+)+\b`)
	doctorPattern    = regexp.MustCompile(`\bDr\.?\s+([A-Z][A-Za-z'-]+)`)
)

var slotMatcher = NewKeywordClassifier(nil)

// ExtractSlots pulls identifiers out of free text. Missing slots are absent
// from the map.
func ExtractSlots(text string) map[string]string {
	slots := make(map[string]string)
	if m := memberIDPattern.FindString(text); m != "" {
		slots[SlotMemberID] = m
	}
	if m := visitDatePattern.FindString(text); m != "" {
		slots[SlotVisitDate] = m
	}
	if m := planIDPattern.FindString(text); m != "" {
		slots[SlotPlanID] = m
	}
	for _, code := range procedurePattern.FindAllString(text, -1) {
		if planIDPattern.MatchString(code) || strings.HasPrefix(code, "MBR") {
			continue
		}
		slots[SlotProcedureCode] = code
		break
	}
	if _, ok := slots[SlotProcedureCode]; !ok && slotMatcher.MentionsPhysicalTherapy(text) {
		slots[SlotProcedureCode] = ProcedurePhysicalTherapy
	}
	if m := doctorPattern.FindStringSubmatch(text); m != nil {
		slots[SlotDoctor] = "Dr. " + m[1]
	}
	return slots
}

// MergeSlots overlays later maps onto earlier ones, skipping empty values.
func MergeSlots(maps ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, m := range maps {
		for k, v := range m {
			if v = strings.TrimSpace(v); v != "" {
				out[k] = v
			}
		}
	}
	return out
}
