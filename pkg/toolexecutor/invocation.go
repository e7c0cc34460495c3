package toolexecutor

import (
	"time"
)

// Invocation records one call to a tool. Args is a private copy taken
// before the handler ran.
type Invocation struct {
	ID        string                 `json:"id"`
	Tool      string                 `json:"tool"`
	Args      map[string]interface{} `json:"args"`
	Payload   interface{}            `json:"payload,omitempty"`
	Err       *ToolError             `json:"error,omitempty"`
	Attempt   int                    `json:"attempt"`
	StartedAt time.Time              `json:"started_at"`
	Latency   time.Duration          `json:"latency"`
}

// OK reports whether the call succeeded.
func (i Invocation) OK() bool {
	return i.Err == nil
}

// Outcome is "success" or the failure kind.
func (i Invocation) Outcome() string {
	if i.Err == nil {
		return "success"
	}
	return string(i.Err.Kind)
}

// PayloadMap returns the payload as a map when it is one.
func (i Invocation) PayloadMap() map[string]interface{} {
	m, _ := i.Payload.(map[string]interface{})
	return m
}

func copyArgs(args map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(args))
	for k, v := range args {
		switch t := v.(type) {
		case []interface{}:
			out[k] = append([]interface{}(nil), t...)
		case []string:
			out[k] = append([]string(nil), t...)
		case map[string]interface{}:
			out[k] = copyArgs(t)
		default:
			out[k] = v
		}
	}
	return out
}
