package agent

import (
	"fmt"
	"sync"

	"github.com/harun/careline/pkg/session"
)

// Registry maps each target to exactly one agent.
type Registry struct {
	agents map[session.Target]Agent
	mu     sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[session.Target]Agent)}
}

// Register adds a. Unknown targets and duplicates are rejected.
func (r *Registry) Register(a Agent) error {
	if a == nil {
		return fmt.Errorf("agent is nil")
	}
	target := a.Target()
	if !target.Valid() {
		return fmt.Errorf("agent has unknown target %q", target)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[target]; exists {
		return fmt.Errorf("agent for %s already registered", target)
	}
	r.agents[target] = a
	return nil
}

// Get returns the agent for target.
func (r *Registry) Get(target session.Target) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[target]
	return a, ok
}

// Targets lists registered targets in the canonical order.
func (r *Registry) Targets() []session.Target {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []session.Target
	for _, t := range session.Targets {
		if _, ok := r.agents[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

// NewDefaultRegistry registers the conversational, retrieval and
// transactional agents built from opts.
func NewDefaultRegistry(conv ConversationalOptions, ret RetrievalOptions, tx TransactionalOptions) (*Registry, error) {
	r := NewRegistry()
	for _, a := range []Agent{NewConversational(conv), NewRetrieval(ret), NewTransactional(tx)} {
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}
