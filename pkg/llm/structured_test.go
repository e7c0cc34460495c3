package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var labelSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"target":     map[string]interface{}{"type": "string", "enum": []string{"a", "b"}},
		"confidence": map[string]interface{}{"type": "number", "minimum": 0, "maximum": 1},
	},
	"required": []string{"target", "confidence"},
}

type label struct {
	Target     string  `json:"target"`
	Confidence float64 `json:"confidence"`
}

func replying(text string) Completer {
	return CompleterFunc(func(_ context.Context, req Request) (Response, error) {
		return Response{Text: text, Provider: "fake"}, nil
	})
}

func TestCompleteJSON(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		want    label
		wantErr string
	}{
		{name: "plain", reply: `{"target":"a","confidence":0.9}`, want: label{"a", 0.9}},
		{name: "fenced", reply: "```json\n{\"target\":\"b\",\"confidence\":0.4}\n```", want: label{"b", 0.4}},
		{name: "prose", reply: `Sure! {"target":"a","confidence":1} Hope that helps.`, want: label{"a", 1}},
		{name: "no json", reply: "I think it is a.", wantErr: "no JSON object"},
		{name: "schema violation", reply: `{"target":"c","confidence":0.5}`, wantErr: "does not match schema"},
		{name: "out of range", reply: `{"target":"a","confidence":3}`, wantErr: "does not match schema"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got label
			err := CompleteJSON(context.Background(), replying(tt.reply), Request{}, labelSchema, &got)
			if tt.wantErr != "" {
				var le *Error
				require.ErrorAs(t, err, &le)
				assert.Equal(t, ErrInternal, le.Kind)
				assert.Contains(t, le.Message, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCompleteJSON_AddsSchemaHint(t *testing.T) {
	var system string
	c := CompleterFunc(func(_ context.Context, req Request) (Response, error) {
		system = req.System
		return Response{Text: `{"target":"a","confidence":0.5}`}, nil
	})
	var got label
	require.NoError(t, CompleteJSON(context.Background(), c, Request{System: "classify"}, labelSchema, &got))
	assert.Contains(t, system, "classify")
	assert.Contains(t, system, `"required":["target","confidence"]`)
}

func TestCompleteJSON_PropagatesCompleterError(t *testing.T) {
	c := CompleterFunc(func(context.Context, Request) (Response, error) {
		return Response{}, &Error{Kind: ErrTimeout}
	})
	var got label
	err := CompleteJSON(context.Background(), c, Request{}, labelSchema, &got)
	var le *Error
	require.ErrorAs(t, err, &le)
	assert.Equal(t, ErrTimeout, le.Kind)
}
