package routing

import (
	"context"
	"math"

	"github.com/harun/careline/pkg/session"
)

// Decision sources.
const (
	SourceLLM        = "llm"
	SourceKeyword    = "keyword"
	SourceContinuity = "continuity"
	SourceFallback   = "fallback"
)

// Decision is the routing outcome for one turn.
type Decision struct {
	Target     session.Target    `json:"target"`
	Confidence float64           `json:"confidence"`
	Slots      map[string]string `json:"slots,omitempty"`
	Source     string            `json:"source"`
}

// Input is everything classification may look at.
type Input struct {
	History []session.Turn
	Text    string
	Pending *session.PlanEntry
}

// InputFromState builds an Input from a session and the current text.
func InputFromState(st *session.State, text string, window int) Input {
	in := Input{History: st.History(window), Text: text}
	if p, ok := st.PendingEntry(); ok {
		in.Pending = &p
	}
	return in
}

// Classifier labels a turn.
type Classifier interface {
	Classify(ctx context.Context, in Input) (Decision, error)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ctx context.Context, in Input) (Decision, error)

func (f ClassifierFunc) Classify(ctx context.Context, in Input) (Decision, error) {
	return f(ctx, in)
}

func fallbackDecision(text string) Decision {
	return Decision{
		Target:     session.TargetConversational,
		Confidence: 0,
		Slots:      ExtractSlots(text),
		Source:     SourceFallback,
	}
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
