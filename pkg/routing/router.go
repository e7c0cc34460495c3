package routing

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/careline/internal/observability"
	"github.com/harun/careline/internal/tracing"
)

// Router picks the agent for a turn.
type Router struct {
	classifier Classifier
	keywords   *KeywordClassifier
	stats      *StatisticsTracker
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithKeywords sets the keyword classifier used for topic-change detection.
func WithKeywords(k *KeywordClassifier) RouterOption {
	return func(r *Router) {
		if k != nil {
			r.keywords = k
		}
	}
}

// WithStatistics shares a statistics tracker.
func WithStatistics(st *StatisticsTracker) RouterOption {
	return func(r *Router) {
		if st != nil {
			r.stats = st
		}
	}
}

// NewRouter creates a router. A nil classifier routes on keywords alone.
func NewRouter(classifier Classifier, opts ...RouterOption) *Router {
	observability.EnsureRegistered()

	r := &Router{
		keywords: NewKeywordClassifier(nil),
		stats:    NewStatisticsTracker(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if classifier == nil {
		classifier = r.keywords
	}
	r.classifier = classifier
	return r
}

// Route returns a decision for in. It never fails.
func (r *Router) Route(ctx context.Context, in Input) Decision {
	ctx, span := tracing.StartSpan(ctx, "careline.routing", "routing.route")
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	start := time.Now()

	decision := r.decide(ctx, in)
	if decision.Slots == nil {
		decision.Slots = map[string]string{}
	}

	span.SetAttributes(
		attribute.String("routing.target", string(decision.Target)),
		attribute.String("routing.source", decision.Source),
		attribute.Float64("routing.confidence", decision.Confidence),
	)
	observability.RecordRoutingDecision(string(decision.Target), decision.Source)
	r.stats.Record(decision, time.Since(start))

	logger.Debug().
		Str("target", string(decision.Target)).
		Str("source", decision.Source).
		Float64("confidence", decision.Confidence).
		Msg("Routed turn")
	return decision
}

func (r *Router) decide(ctx context.Context, in Input) Decision {
	if in.Pending != nil && in.Pending.Open() && in.Pending.Target.Valid() &&
		!r.keywords.TopicChanged(*in.Pending, in.Text) {
		return Decision{
			Target:     in.Pending.Target,
			Confidence: 1,
			Slots:      ExtractSlots(in.Text),
			Source:     SourceContinuity,
		}
	}

	d, err := r.classifier.Classify(ctx, in)
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, log.Logger)
		logger.Warn().Err(err).Msg("Classifier failed, routing to conversational")
		return fallbackDecision(in.Text)
	}
	if !d.Target.Valid() {
		return fallbackDecision(in.Text)
	}
	d.Confidence = clamp01(d.Confidence)
	if d.Source == "" {
		d.Source = SourceLLM
	}
	return d
}

// Keywords returns the keyword classifier.
func (r *Router) Keywords() *KeywordClassifier {
	return r.keywords
}

// Statistics returns the router's statistics tracker.
func (r *Router) Statistics() *StatisticsTracker {
	return r.stats
}
