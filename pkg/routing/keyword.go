package routing

import (
	"context"

	"github.com/harun/careline/pkg/session"
)

// Intent is one transactional action a turn can ask for.
type Intent string

const (
	IntentBilling    Intent = "billing"
	IntentCoverage   Intent = "coverage"
	IntentScheduling Intent = "scheduling"
)

// Intents lists transactional intents in the order they are served.
var Intents = []Intent{IntentBilling, IntentCoverage, IntentScheduling}

var intentKeywords = map[Intent][]Pattern{
	IntentBilling: keywords(
		"copay", "co-pay", "bill", "billing", "deductible", "balance",
	),
	IntentCoverage: keywords(
		"coverage", "cover", "covered", "benefit", "benefits", "physical therapy", "pt",
	),
	IntentScheduling: keywords(
		"appointment", "schedule", "reschedule", "follow-up", "follow up", "book",
	),
}

var retrievalKeywords = keywords(
	"policy", "faq", "how does my plan work", "what is",
)

var physicalTherapyKeywords = keywords("physical therapy", "pt")

func keywords(values ...string) []Pattern {
	out := make([]Pattern, len(values))
	for i, v := range values {
		out[i] = Keyword(v)
	}
	return out
}

// Keyword classifier confidences.
const (
	KeywordMatchConfidence = 0.8
	KeywordMissConfidence  = 0.5
)

// KeywordClassifier routes on fixed keyword sets. Transactional keywords
// win over retrieval keywords; anything else is conversational.
type KeywordClassifier struct {
	matcher *PatternMatcher
}

// NewKeywordClassifier creates a classifier. A nil matcher gets a fresh one.
func NewKeywordClassifier(matcher *PatternMatcher) *KeywordClassifier {
	if matcher == nil {
		matcher = NewPatternMatcher(0)
	}
	return &KeywordClassifier{matcher: matcher}
}

func (k *KeywordClassifier) Classify(_ context.Context, in Input) (Decision, error) {
	target, matched := k.Target(in.Text)
	confidence := KeywordMissConfidence
	if matched {
		confidence = KeywordMatchConfidence
	}
	return Decision{
		Target:     target,
		Confidence: confidence,
		Slots:      ExtractSlots(in.Text),
		Source:     SourceKeyword,
	}, nil
}

// Target returns the keyword target for text and whether any keyword matched.
func (k *KeywordClassifier) Target(text string) (session.Target, bool) {
	if len(k.Intents(text)) > 0 {
		return session.TargetTransactional, true
	}
	if _, ok := k.matcher.MatchAny(retrievalKeywords, text); ok {
		return session.TargetRetrieval, true
	}
	return session.TargetConversational, false
}

// Intents returns the transactional intents text mentions, in serving order.
func (k *KeywordClassifier) Intents(text string) []Intent {
	var out []Intent
	for _, intent := range Intents {
		if _, ok := k.matcher.MatchAny(intentKeywords[intent], text); ok {
			out = append(out, intent)
		}
	}
	return out
}

// MentionsPhysicalTherapy reports whether text asks about physical therapy.
func (k *KeywordClassifier) MentionsPhysicalTherapy(text string) bool {
	_, ok := k.matcher.MatchAny(physicalTherapyKeywords, text)
	return ok
}

// TopicChanged reports whether text points at a specialized target other
// than the one the pending entry is waiting on.
func (k *KeywordClassifier) TopicChanged(pending session.PlanEntry, text string) bool {
	target, matched := k.Target(text)
	return matched && target != session.TargetConversational && target != pending.Target
}
