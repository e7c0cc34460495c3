package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/harun/careline/internal/tracing"
	"github.com/harun/careline/pkg/coretools"
	"github.com/harun/careline/pkg/knowledge"
	"github.com/harun/careline/pkg/llm"
	"github.com/harun/careline/pkg/routing"
	"github.com/harun/careline/pkg/session"
)

// DefaultRelevanceThreshold is the minimum passage score the retrieval
// agent accepts.
const DefaultRelevanceThreshold = 0.35

// maxPassageChars bounds each passage in the grounding prompt.
const maxPassageChars = 1000

const groundingSystemPrompt = `You answer health plan questions using only the provided context passages.
If the context does not contain the answer, say that you could not find it in the plan documents.
Cite passages by their bracket number, for example [1].`

// RetrievalOptions configures the retrieval agent.
type RetrievalOptions struct {
	Options
	RelevanceThreshold float64
	TopK               int
}

// Retrieval answers from plan documents.
type Retrieval struct {
	opts RetrievalOptions
}

// NewRetrieval creates the retrieval agent.
func NewRetrieval(opts RetrievalOptions) *Retrieval {
	if opts.TopK <= 0 {
		opts.TopK = coretools.DefaultTopK
	}
	return &Retrieval{opts: opts}
}

func (a *Retrieval) Target() session.Target {
	return session.TargetRetrieval
}

// Handle searches with a slot-enriched query first and the bare input
// second. Passages below the threshold are discarded; if none remain the
// agent asks for clarification and cites nothing.
func (a *Retrieval) Handle(ctx context.Context, req Request) (Result, error) {
	c := newCaller(a.opts.Options, a.Target(), req)
	res := Result{Delta: session.Delta{Source: string(a.Target())}}

	var passages []knowledge.Passage
	var used string
	for _, q := range searchQueries(req) {
		inv := c.call(ctx, coretools.ToolSearchDocuments, map[string]interface{}{
			"query": q,
			"top_k": a.opts.TopK,
		})
		if !inv.OK() {
			res.Invocations = c.records
			res.Directive, res.Response = failure(inv, req, a.opts.retryBudget())
			return res, nil
		}
		passages = a.relevant(coretools.Passages(inv.Payload))
		used = q
		if len(passages) > 0 {
			break
		}
	}
	res.Invocations = c.records

	if len(passages) == 0 {
		res.Directive = DirectiveNeedsMoreInfo
		res.Response = "I couldn't find anything in our plan documents about that. " +
			"Could you tell me a bit more, for example the name of the benefit or service you're asking about?"
		return res, nil
	}

	ids := make([]string, len(passages))
	for i, p := range passages {
		ids[i] = p.ID
	}
	res.Delta.Set(FactCitations, ids)
	res.Delta.Set(FactCitationSources, documentIDs(passages))
	res.Delta.Set(FactLastRetrievalText, used)

	res.Directive = DirectiveDone
	res.Response = a.answer(ctx, req.Input, passages)
	return res, nil
}

func (a *Retrieval) relevant(ps []knowledge.Passage) []knowledge.Passage {
	threshold := a.opts.RelevanceThreshold
	out := make([]knowledge.Passage, 0, len(ps))
	for _, p := range ps {
		if p.Score >= threshold {
			out = append(out, p)
		}
	}
	return out
}

func (a *Retrieval) answer(ctx context.Context, question string, passages []knowledge.Passage) string {
	if a.opts.Completer != nil {
		resp, err := a.opts.Completer.Complete(ctx, llm.Request{
			Model:       a.opts.Model,
			System:      groundingSystemPrompt,
			Messages:    []llm.Message{{Role: llm.RoleUser, Content: GroundingPrompt(question, passages)}},
			Temperature: a.opts.Temperature,
			MaxTokens:   a.opts.MaxTokens,
		})
		if err == nil && strings.TrimSpace(resp.Text) != "" {
			return strings.TrimSpace(resp.Text) + "\n\n" + sourcesLine(passages)
		}
		logger := tracing.LoggerFromContext(ctx, log.Logger)
		logger.Warn().Err(err).Msg("Grounded completion failed, using extracts")
	}
	return extractiveAnswer(passages)
}

// GroundingPrompt renders the numbered context block and the question.
func GroundingPrompt(question string, passages []knowledge.Passage) string {
	var b strings.Builder
	b.WriteString("Context:\n")
	for i, p := range passages {
		fmt.Fprintf(&b, "[%d] Source: %s\n%s\n\n", i+1, p.DocumentID, truncate(p.Text, maxPassageChars))
	}
	fmt.Fprintf(&b, "Question: %s\nAnswer:", question)
	return b.String()
}

func extractiveAnswer(passages []knowledge.Passage) string {
	var b strings.Builder
	b.WriteString("Here's what I found in our plan documents:")
	for i, p := range passages {
		fmt.Fprintf(&b, "\n\n[%d] %s", i+1, strings.TrimSpace(truncate(p.Text, 400)))
	}
	b.WriteString("\n\n" + sourcesLine(passages))
	return b.String()
}

func sourcesLine(passages []knowledge.Passage) string {
	parts := make([]string, len(passages))
	for i, p := range passages {
		parts[i] = fmt.Sprintf("[%d] %s", i+1, p.DocumentID)
	}
	return "Sources: " + strings.Join(parts, ", ")
}

func documentIDs(passages []knowledge.Passage) []string {
	seen := make(map[string]struct{}, len(passages))
	var out []string
	for _, p := range passages {
		if _, ok := seen[p.DocumentID]; ok {
			continue
		}
		seen[p.DocumentID] = struct{}{}
		out = append(out, p.DocumentID)
	}
	return out
}

// searchQueries returns the input enriched with non-identifying slots,
// followed by the bare input when the two differ.
func searchQueries(req Request) []string {
	input := strings.TrimSpace(req.Input)
	keys := make([]string, 0, len(req.Slots))
	for k := range req.Slots {
		if k == routing.SlotMemberID {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	enriched := input
	for _, k := range keys {
		if v := req.Slots[k]; v != "" && !strings.Contains(enriched, v) {
			enriched += " " + v
		}
	}
	if enriched == input {
		return []string{input}
	}
	return []string{enriched, input}
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max]) + "..."
}
