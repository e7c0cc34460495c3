package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one utterance in the conversation.
type Turn struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Fact is an accumulated value keyed by a stable string key.
type Fact struct {
	Value     interface{} `json:"value"`
	UpdatedAt time.Time   `json:"updated_at"`
	Source    string      `json:"source,omitempty"`
}

// ErrPlanEntryNotFound is returned when a transition names an unknown entry.
var ErrPlanEntryNotFound = errors.New("plan entry not found")

// State is the mutable record carried through one session. Only the
// orchestrator mutates it; agents see snapshots and propose deltas.
type State struct {
	ID        string          `json:"id"`
	Turns     []Turn          `json:"turns"`
	Facts     map[string]Fact `json:"facts"`
	Plan      []PlanEntry     `json:"plan"`
	LastError string          `json:"last_error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// NewState creates an empty session state.
func NewState(id string, now time.Time) *State {
	return &State{
		ID:        id,
		Turns:     []Turn{},
		Facts:     map[string]Fact{},
		Plan:      []PlanEntry{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AppendTurn appends a turn. Turns are never edited or removed.
func (s *State) AppendTurn(role Role, text string, at time.Time) {
	s.Turns = append(s.Turns, Turn{Role: role, Text: text, Timestamp: at})
	s.touch(at)
}

// History returns the last window turns, oldest first. A non-positive
// window returns every turn.
func (s *State) History(window int) []Turn {
	start := 0
	if window > 0 && len(s.Turns) > window {
		start = len(s.Turns) - window
	}
	out := make([]Turn, len(s.Turns)-start)
	copy(out, s.Turns[start:])
	return out
}

// Fact returns the fact stored under key.
func (s *State) Fact(key string) (Fact, bool) {
	f, ok := s.Facts[key]
	return f, ok
}

// FactString returns the fact under key rendered as a string, or "".
func (s *State) FactString(key string) string {
	f, ok := s.Facts[key]
	if !ok || f.Value == nil {
		return ""
	}
	if str, ok := f.Value.(string); ok {
		return str
	}
	return fmt.Sprint(f.Value)
}

// FactStrings returns a list-valued fact as strings. It accepts both
// in-memory []string values and []interface{} values decoded from JSON.
func (s *State) FactStrings(key string) []string {
	f, ok := s.Facts[key]
	if !ok {
		return nil
	}
	switch v := f.Value.(type) {
	case []string:
		return append([]string(nil), v...)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	}
	return nil
}

// ClearFact removes a fact outright. This is an explicit reset by the owner
// of the state, distinct from a delta carrying an empty value.
func (s *State) ClearFact(key string, at time.Time) {
	if _, ok := s.Facts[key]; ok {
		delete(s.Facts, key)
		s.touch(at)
	}
}

// ApplyDelta merges a proposed delta into the facts and returns the keys
// that changed. Within the delta the last non-empty value for a key wins;
// empty values never replace anything.
func (s *State) ApplyDelta(d Delta, at time.Time) []string {
	if s.Facts == nil {
		s.Facts = map[string]Fact{}
	}
	merged := d.reduce()
	changed := make([]string, 0, len(merged))
	for _, u := range merged {
		s.Facts[u.Key] = Fact{Value: u.Value, UpdatedAt: at, Source: d.Source}
		changed = append(changed, u.Key)
	}
	if len(changed) > 0 {
		s.touch(at)
	}
	return changed
}

// AddPlanEntry appends a pending plan entry and returns it.
func (s *State) AddPlanEntry(target Target, description string, at time.Time) PlanEntry {
	id, err := gonanoid.New(12)
	if err != nil {
		id = fmt.Sprintf("plan-%d", at.UnixNano())
	}
	entry := PlanEntry{
		ID:          id,
		Target:      target,
		Description: description,
		Status:      PlanPending,
		CreatedAt:   at,
		UpdatedAt:   at,
	}
	s.Plan = append(s.Plan, entry)
	s.touch(at)
	return entry
}

// TransitionPlan moves a plan entry to a new status. Backward or repeated
// moves return ErrInvalidTransition and leave the entry untouched.
func (s *State) TransitionPlan(id string, to PlanStatus, resolution string, at time.Time) error {
	for i := range s.Plan {
		if s.Plan[i].ID != id {
			continue
		}
		from := s.Plan[i].Status
		if !CanTransition(from, to) {
			return ErrInvalidTransition{EntryID: id, From: from, To: to}
		}
		s.Plan[i].Status = to
		s.Plan[i].Resolution = resolution
		s.Plan[i].UpdatedAt = at
		s.touch(at)
		return nil
	}
	return fmt.Errorf("%w: %s", ErrPlanEntryNotFound, id)
}

// PendingEntry returns the oldest open plan entry.
func (s *State) PendingEntry() (PlanEntry, bool) {
	for _, p := range s.Plan {
		if p.Open() {
			return p, true
		}
	}
	return PlanEntry{}, false
}

// Snapshot returns a deep copy safe to hand to agents and callers.
func (s *State) Snapshot() State {
	out := State{
		ID:        s.ID,
		Turns:     append([]Turn{}, s.Turns...),
		Facts:     make(map[string]Fact, len(s.Facts)),
		Plan:      append([]PlanEntry{}, s.Plan...),
		LastError: s.LastError,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
	for k, f := range s.Facts {
		f.Value = copyValue(f.Value)
		out.Facts[k] = f
	}
	return out
}

// Validate checks the structural invariants of a loaded state.
func (s *State) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("session state has empty id")
	}
	seen := make(map[string]struct{}, len(s.Plan))
	for _, p := range s.Plan {
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("duplicate plan entry %s", p.ID)
		}
		seen[p.ID] = struct{}{}
		if _, ok := validTransitions[p.Status]; !ok {
			return fmt.Errorf("plan entry %s has unknown status %q", p.ID, p.Status)
		}
		if !p.Target.Valid() {
			return fmt.Errorf("plan entry %s has unknown target %q", p.ID, p.Target)
		}
	}
	for i, t := range s.Turns {
		if t.Role != RoleUser && t.Role != RoleAssistant {
			return fmt.Errorf("turn %d has unknown role %q", i, t.Role)
		}
	}
	return nil
}

func (s *State) touch(at time.Time) {
	if at.After(s.UpdatedAt) {
		s.UpdatedAt = at
	}
}

// isEmpty reports whether v carries no information: nil, blank strings,
// and empty slices or maps.
func isEmpty(v interface{}) bool {
	if v == nil {
		return true
	}
	if str, ok := v.(string); ok {
		return strings.TrimSpace(str) == ""
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map:
		return rv.Len() == 0
	case reflect.Ptr, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// copyValue deep-copies composite fact values through JSON; scalars are
// returned as-is.
func copyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case nil, string, bool, int, int64, float64:
		return t
	case []string:
		return append([]string(nil), t...)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}
