package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// CompleteJSON asks for a JSON object matching schema, validates the reply
// and decodes it into out. Unparseable or invalid replies are INTERNAL.
func CompleteJSON(ctx context.Context, c Completer, req Request, schema map[string]interface{}, out interface{}) error {
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return &Error{Kind: ErrInternal, Message: "invalid schema", Err: err}
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
	if err != nil {
		return &Error{Kind: ErrInternal, Message: "invalid schema", Err: err}
	}

	hint := "Respond with a single JSON object and nothing else. It must match this JSON schema:\n" + string(schemaJSON)
	if req.System != "" {
		req.System += "\n\n" + hint
	} else {
		req.System = hint
	}

	resp, err := c.Complete(ctx, req)
	if err != nil {
		return Classify("", err)
	}

	raw, ok := ExtractJSON(resp.Text)
	if !ok {
		return &Error{Kind: ErrInternal, Provider: resp.Provider, Message: "no JSON object in completion"}
	}

	result, err := compiled.Validate(gojsonschema.NewStringLoader(raw))
	if err != nil {
		return &Error{Kind: ErrInternal, Provider: resp.Provider, Message: "unparseable JSON", Err: err}
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return &Error{
			Kind:     ErrInternal,
			Provider: resp.Provider,
			Message:  "completion does not match schema",
			Err:      errors.New(strings.Join(msgs, "; ")),
		}
	}

	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return &Error{Kind: ErrInternal, Provider: resp.Provider, Message: fmt.Sprintf("decode: %v", err), Err: err}
	}
	return nil
}

// ExtractJSON returns the outermost JSON object in text, tolerating code
// fences and surrounding prose.
func ExtractJSON(text string) (string, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", false
	}
	candidate := text[start : end+1]
	if !json.Valid([]byte(candidate)) {
		return "", false
	}
	return candidate, true
}
