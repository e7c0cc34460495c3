package session

import (
	"fmt"
	"time"
)

// PlanStatus is the completion status of a plan entry.
type PlanStatus string

const (
	PlanPending PlanStatus = "pending"
	PlanDone    PlanStatus = "done"
	PlanFailed  PlanStatus = "failed"
)

// validTransitions holds the only legal plan status moves. Terminal
// statuses have no outgoing edges.
var validTransitions = map[PlanStatus][]PlanStatus{
	PlanPending: {PlanDone, PlanFailed},
	PlanDone:    {},
	PlanFailed:  {},
}

// CanTransition reports whether a plan entry may move from one status to another.
func CanTransition(from, to PlanStatus) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ErrInvalidTransition reports an attempted backward or unknown status move.
// The orchestrator treats it as session state corruption.
type ErrInvalidTransition struct {
	EntryID string
	From    PlanStatus
	To      PlanStatus
}

func (e ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid plan transition for %s: %s -> %s", e.EntryID, e.From, e.To)
}

// PlanEntry is one sub-task awaiting execution by an agent.
type PlanEntry struct {
	ID          string     `json:"id"`
	Target      Target     `json:"target"`
	Description string     `json:"description,omitempty"`
	Status      PlanStatus `json:"status"`
	Resolution  string     `json:"resolution,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Open reports whether the entry still awaits execution.
func (p PlanEntry) Open() bool {
	return p.Status == PlanPending
}
