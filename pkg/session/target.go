package session

import (
	"fmt"
	"strings"
)

// Target names one of the specialized agents a turn can be dispatched to.
type Target string

const (
	TargetConversational Target = "conversational"
	TargetRetrieval      Target = "retrieval"
	TargetTransactional  Target = "transactional"
)

// Targets lists every dispatchable target in a stable order.
var Targets = []Target{TargetConversational, TargetRetrieval, TargetTransactional}

// Valid reports whether t is one of the known targets.
func (t Target) Valid() bool {
	switch t {
	case TargetConversational, TargetRetrieval, TargetTransactional:
		return true
	}
	return false
}

// ParseTarget maps a label such as "TRANSACTIONAL" or "retrieval" to a Target.
func ParseTarget(label string) (Target, error) {
	t := Target(strings.ToLower(strings.TrimSpace(label)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown agent target %q", label)
	}
	return t, nil
}
