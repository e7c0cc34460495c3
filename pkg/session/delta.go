package session

// FactUpdate proposes a value for one fact key.
type FactUpdate struct {
	Key   string      `json:"key"`
	Value interface{} `json:"value"`
}

// Delta is a proposed partial update to a session's facts, produced by an
// agent and merged by the orchestrator.
type Delta struct {
	Source string       `json:"source,omitempty"`
	Facts  []FactUpdate `json:"facts,omitempty"`
}

// Set appends a proposed value. Later calls for the same key win.
func (d *Delta) Set(key string, value interface{}) {
	d.Facts = append(d.Facts, FactUpdate{Key: key, Value: value})
}

// Empty reports whether the delta proposes nothing.
func (d Delta) Empty() bool {
	return len(d.reduce()) == 0
}

// Get returns the value that would be applied for key.
func (d Delta) Get(key string) (interface{}, bool) {
	for _, u := range d.reduce() {
		if u.Key == key {
			return u.Value, true
		}
	}
	return nil, false
}

// Merge appends other's updates after d's, so other wins on conflicts.
func (d Delta) Merge(other Delta) Delta {
	out := Delta{Source: d.Source, Facts: append(append([]FactUpdate{}, d.Facts...), other.Facts...)}
	if out.Source == "" {
		out.Source = other.Source
	}
	return out
}

// reduce collapses the update list to one update per key, keeping the last
// non-empty value and the order of first appearance.
func (d Delta) reduce() []FactUpdate {
	index := make(map[string]int, len(d.Facts))
	var out []FactUpdate
	for _, u := range d.Facts {
		if u.Key == "" || isEmpty(u.Value) {
			continue
		}
		if i, ok := index[u.Key]; ok {
			out[i].Value = u.Value
			continue
		}
		index[u.Key] = len(out)
		out = append(out, u)
	}
	return out
}
