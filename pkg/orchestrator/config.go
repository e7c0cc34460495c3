package orchestrator

import (
	"time"

	"github.com/harun/careline/internal/config"
	"github.com/harun/careline/pkg/agent"
)

// Citation policies.
const (
	CitationPerTurn = "per_turn"
	CitationPersist = "persist"
)

// Config holds the orchestrator options.
type Config struct {
	MaxDelegations int
	TurnDeadline   time.Duration
	CitationPolicy string
	HistoryWindow  int
}

// DefaultConfig returns the default orchestrator options.
func DefaultConfig() Config {
	return Config{
		MaxDelegations: 3,
		TurnDeadline:   20 * time.Second,
		CitationPolicy: CitationPerTurn,
		HistoryWindow:  6,
	}
}

// FromConfig maps application configuration onto orchestrator options.
// A max_delegations of 0 is kept and disables delegation. Other zero
// values fall back to defaults.
func FromConfig(c config.OrchestratorConfig) Config {
	out := DefaultConfig()
	if c.MaxDelegations >= 0 {
		out.MaxDelegations = c.MaxDelegations
	}
	if c.TurnDeadline > 0 {
		out.TurnDeadline = c.TurnDeadline
	}
	if c.CitationPolicy != "" {
		out.CitationPolicy = c.CitationPolicy
	}
	if c.HistoryWindow > 0 {
		out.HistoryWindow = c.HistoryWindow
	}
	return out
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.MaxDelegations < 0 {
		c.MaxDelegations = 0
	}
	if c.TurnDeadline <= 0 {
		c.TurnDeadline = d.TurnDeadline
	}
	if c.CitationPolicy != CitationPersist {
		c.CitationPolicy = CitationPerTurn
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = d.HistoryWindow
	}
	return c
}

// citationFacts are cleared at the start of each turn under the per-turn policy.
var citationFacts = []string{agent.FactCitations, agent.FactCitationSources}
