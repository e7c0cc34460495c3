package routing

import (
	"context"
	"fmt"
	"strings"

	"github.com/harun/careline/pkg/llm"
	"github.com/harun/careline/pkg/session"
)

const classifierSystemPrompt = `You route member-services chat turns for a health plan.
Pick exactly one target:
- transactional: billing, copays, deductibles, balances, plan coverage checks, scheduling appointments.
- retrieval: questions answered from plan documents, policies and FAQs.
- conversational: greetings, small talk and anything else.
Extract any slots you can see: member_id, visit_date (YYYY-MM-DD), plan_id, procedure_code, doctor.`

var classificationSchema = map[string]interface{}{
	"type":     "object",
	"required": []string{"target", "confidence"},
	"properties": map[string]interface{}{
		"target": map[string]interface{}{
			"type": "string",
			"enum": []string{"conversational", "retrieval", "transactional", "CONVERSATIONAL", "RETRIEVAL", "TRANSACTIONAL"},
		},
		"confidence": map[string]interface{}{"type": "number"},
		"slots": map[string]interface{}{
			"type":                 "object",
			"additionalProperties": map[string]interface{}{"type": "string"},
		},
	},
}

type classification struct {
	Target     string            `json:"target"`
	Confidence float64           `json:"confidence"`
	Slots      map[string]string `json:"slots"`
}

// LLMClassifier asks a language model for the target.
type LLMClassifier struct {
	completer llm.Completer
	model     string
}

// NewLLMClassifier creates a classifier backed by completer. An empty model
// leaves the provider default in place.
func NewLLMClassifier(completer llm.Completer, model string) *LLMClassifier {
	return &LLMClassifier{completer: completer, model: model}
}

func (c *LLMClassifier) Classify(ctx context.Context, in Input) (Decision, error) {
	req := llm.Request{
		Model:       c.model,
		System:      classifierSystemPrompt,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: classifierPrompt(in)}},
		Temperature: 0,
		MaxTokens:   256,
	}

	var out classification
	if err := llm.CompleteJSON(ctx, c.completer, req, classificationSchema, &out); err != nil {
		return Decision{}, err
	}
	target, err := session.ParseTarget(out.Target)
	if err != nil {
		return Decision{}, err
	}

	return Decision{
		Target:     target,
		Confidence: clamp01(out.Confidence),
		Slots:      MergeSlots(out.Slots, ExtractSlots(in.Text)),
		Source:     SourceLLM,
	}, nil
}

func classifierPrompt(in Input) string {
	var b strings.Builder
	if len(in.History) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, t := range in.History {
			fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Text)
		}
		b.WriteString("\n")
	}
	if in.Pending != nil {
		fmt.Fprintf(&b, "Open task (%s): %s\n\n", in.Pending.Target, in.Pending.Description)
	}
	fmt.Fprintf(&b, "Current message: %s", in.Text)
	return b.String()
}
