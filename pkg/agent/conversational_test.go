package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/careline/pkg/llm"
	"github.com/harun/careline/pkg/session"
)

func TestConversational_Template(t *testing.T) {
	st := session.NewState("S1", t0)
	var d session.Delta
	d.Set(FactMemberName, "Jordan Alvarez")
	st.ApplyDelta(d, t0)

	a := NewConversational(ConversationalOptions{})
	res, err := a.Handle(context.Background(), request(st, "Hello there", nil))
	require.NoError(t, err)
	assert.Equal(t, DirectiveDone, res.Directive)
	assert.Contains(t, res.Response, "Hi Jordan! Thanks for reaching out.")
	assert.Empty(t, res.Invocations)

	res, err = a.Handle(context.Background(), request(st, "who are you", nil))
	require.NoError(t, err)
	assert.NotContains(t, res.Response, "Hi ")
}

func TestConversational_Completion(t *testing.T) {
	st := session.NewState("S1", t0)
	st.AppendTurn(session.RoleUser, "hi", t0)
	st.AppendTurn(session.RoleAssistant, "hello!", t0)

	var got llm.Request
	a := NewConversational(ConversationalOptions{Options: Options{
		Completer: llm.CompleterFunc(func(_ context.Context, req llm.Request) (llm.Response, error) {
			got = req
			return llm.Response{Text: "  Happy to help.  "}, nil
		}),
	}})
	res, err := a.Handle(context.Background(), request(st, "thanks", nil))
	require.NoError(t, err)
	assert.Equal(t, "Happy to help.", res.Response)
	require.Len(t, got.Messages, 3)
	assert.Equal(t, llm.RoleAssistant, got.Messages[1].Role)
	assert.Equal(t, "thanks", got.Messages[2].Content)

	a = NewConversational(ConversationalOptions{Options: Options{
		Completer: llm.CompleterFunc(func(context.Context, llm.Request) (llm.Response, error) {
			return llm.Response{}, errors.New("down")
		}),
	}})
	res, err = a.Handle(context.Background(), request(st, "thanks", nil))
	require.NoError(t, err)
	assert.Contains(t, res.Response, "Thanks for reaching out.")
}
