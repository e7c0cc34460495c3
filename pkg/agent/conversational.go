package agent

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/harun/careline/internal/tracing"
	"github.com/harun/careline/pkg/llm"
	"github.com/harun/careline/pkg/session"
)

const conversationalSystemPrompt = `You are a friendly member-services assistant for a health plan.
Keep answers short and plain. Never invent account details such as balances, copays or coverage.
Offer to look up billing, plan coverage or appointments, or to connect the member with a human representative.`

// ConversationalOptions configures the conversational agent.
type ConversationalOptions struct {
	Options
}

// Conversational answers small talk and general questions without tools.
type Conversational struct {
	opts ConversationalOptions
}

// NewConversational creates the conversational agent.
func NewConversational(opts ConversationalOptions) *Conversational {
	return &Conversational{opts: opts}
}

func (a *Conversational) Target() session.Target {
	return session.TargetConversational
}

// Handle always returns DONE.
func (a *Conversational) Handle(ctx context.Context, req Request) (Result, error) {
	res := Result{Directive: DirectiveDone, Delta: session.Delta{Source: string(a.Target())}}

	if a.opts.Completer != nil {
		text, err := a.complete(ctx, req)
		if err == nil && strings.TrimSpace(text) != "" {
			res.Response = strings.TrimSpace(text)
			return res, nil
		}
		logger := tracing.LoggerFromContext(ctx, log.Logger)
		logger.Warn().Err(err).Msg("Conversational completion failed, using template")
	}

	res.Response = conversationalTemplate(req)
	return res, nil
}

func (a *Conversational) complete(ctx context.Context, req Request) (string, error) {
	messages := make([]llm.Message, 0, len(req.History)+1)
	for _, t := range req.History {
		role := llm.RoleUser
		if t.Role == session.RoleAssistant {
			role = llm.RoleAssistant
		}
		messages = append(messages, llm.Message{Role: role, Content: t.Text})
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: req.Input})

	system := conversationalSystemPrompt
	if name := req.State.FactString(FactMemberName); name != "" {
		system += "\nThe member's name is " + name + "."
	}

	resp, err := a.opts.Completer.Complete(ctx, llm.Request{
		Model:       a.opts.Model,
		System:      system,
		Messages:    messages,
		Temperature: a.opts.Temperature,
		MaxTokens:   a.opts.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

var greetings = []string{"hi", "hello", "hey", "good morning", "good afternoon", "good evening"}

func conversationalTemplate(req Request) string {
	var b strings.Builder
	lower := strings.ToLower(strings.TrimSpace(req.Input))
	for _, g := range greetings {
		if lower == g || strings.HasPrefix(lower, g+" ") || strings.HasPrefix(lower, g+"!") || strings.HasPrefix(lower, g+",") {
			b.WriteString("Hi")
			if name := req.State.FactString(FactMemberName); name != "" {
				b.WriteString(" " + firstName(name))
			}
			b.WriteString("! ")
			break
		}
	}
	b.WriteString("Thanks for reaching out. I can help with questions about your plan, co-pays, coverage and appointments. ")
	b.WriteString("If you need specific details about your account, just ask, or I can connect you with a human representative.")
	return b.String()
}

func firstName(full string) string {
	if fields := strings.Fields(full); len(fields) > 0 {
		return fields[0]
	}
	return full
}
