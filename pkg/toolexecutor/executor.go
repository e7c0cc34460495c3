package toolexecutor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/careline/internal/observability"
	"github.com/harun/careline/internal/tracing"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultTimeout bounds a call when the caller supplies none.
const DefaultTimeout = 10 * time.Second

// ToolCategory separates lookups from actions with side effects
type ToolCategory string

const (
	CategoryRead  ToolCategory = "read"
	CategoryWrite ToolCategory = "write"
)

// ToolParameter defines a parameter for a tool
type ToolParameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
}

// ToolDefinition defines a tool's metadata and handler
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Category    ToolCategory    `json:"category"`
	Parameters  []ToolParameter `json:"parameters"`
	Handler     ToolHandler     `json:"-"`
}

// ToolHandler is the function signature for tool execution. Handlers
// return *ToolError to choose a failure kind; other errors become INTERNAL.
type ToolHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// CallOptions carries per-call settings.
type CallOptions struct {
	Policy    *ToolPolicy
	Timeout   time.Duration
	SessionID string
	Caller    string // agent target making the call
	Attempt   int
}

// ToolExecutor manages and executes tools
type ToolExecutor struct {
	tools          map[string]*ToolDefinition
	schemas        map[string]*gojsonschema.Schema
	defaultTimeout time.Duration
	mu             sync.RWMutex
}

// Option configures a ToolExecutor
type Option func(*ToolExecutor)

// WithDefaultTimeout sets the timeout used when CallOptions carries none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(te *ToolExecutor) {
		if d > 0 {
			te.defaultTimeout = d
		}
	}
}

// New creates a new ToolExecutor
func New(opts ...Option) *ToolExecutor {
	observability.EnsureRegistered()

	te := &ToolExecutor{
		tools:          make(map[string]*ToolDefinition),
		schemas:        make(map[string]*gojsonschema.Schema),
		defaultTimeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(te)
	}

	log.Debug().Dur("default_timeout", te.defaultTimeout).Msg("Tool executor initialized")
	return te
}

// RegisterTool registers a new tool
func (te *ToolExecutor) RegisterTool(def ToolDefinition) error {
	if err := validateToolDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}
	if def.Category == "" {
		def.Category = CategoryRead
	}

	schema, err := generateJSONSchema(def)
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}

	te.mu.Lock()
	defer te.mu.Unlock()

	if _, exists := te.tools[def.Name]; exists {
		return fmt.Errorf("tool %s already registered", def.Name)
	}
	te.tools[def.Name] = &def
	te.schemas[def.Name] = schema

	log.Info().Str("tool", def.Name).Str("category", string(def.Category)).Msg("Tool registered")
	return nil
}

// GetTool returns a tool definition by name
func (te *ToolExecutor) GetTool(name string) *ToolDefinition {
	te.mu.RLock()
	defer te.mu.RUnlock()
	return te.tools[name]
}

// ListTools returns all registered tool names, sorted
func (te *ToolExecutor) ListTools() []string {
	te.mu.RLock()
	defer te.mu.RUnlock()

	tools := make([]string, 0, len(te.tools))
	for name := range te.tools {
		tools = append(tools, name)
	}
	sort.Strings(tools)
	return tools
}

// Invoke runs one tool call and always returns a record of it. Policy
// denial, unknown tools and schema violations fail before the handler runs.
func (te *ToolExecutor) Invoke(ctx context.Context, toolName string, args map[string]interface{}, opts *CallOptions) (inv Invocation) {
	if opts == nil {
		opts = &CallOptions{}
	}
	attempt := opts.Attempt
	if attempt <= 0 {
		attempt = 1
	}

	id, err := gonanoid.New(10)
	if err != nil {
		id = fmt.Sprintf("inv-%d", time.Now().UnixNano())
	}
	inv = Invocation{
		ID:        id,
		Tool:      toolName,
		Args:      copyArgs(args),
		Attempt:   attempt,
		StartedAt: time.Now(),
	}

	ctx, span := tracing.StartSpan(
		ctx,
		"careline.toolexecutor",
		"tool.invoke",
		attribute.String("tool", toolName),
		attribute.Int("attempt", attempt),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("tool", toolName).Int("attempt", attempt).Logger()

	defer func() {
		inv.Latency = time.Since(inv.StartedAt)
		kind := ""
		if inv.Err != nil {
			kind = string(inv.Err.Kind)
			tracing.RecordSpanError(span, inv.Err)
		}
		observability.RecordToolExecution(toolName, inv.Latency, kind)
		te.audit(ctx, inv, opts)
	}()

	if result := opts.Policy.Evaluate(toolName); !result.Allowed {
		logger.Warn().Str("caller", opts.Caller).Str("violation", result.ViolationType).Msg("Tool execution blocked by policy")
		inv.Err = &ToolError{Kind: ErrAuthorizationDenied, Tool: toolName, Message: result.Reason}
		return inv
	}

	te.mu.RLock()
	tool := te.tools[toolName]
	schema := te.schemas[toolName]
	te.mu.RUnlock()

	if tool == nil {
		logger.Error().Msg("Tool not found")
		inv.Err = &ToolError{Kind: ErrNotFound, Tool: toolName, Message: "tool not registered"}
		return inv
	}

	if err := validateParameters(schema, inv.Args); err != nil {
		logger.Error().Err(err).Msg("Parameter validation failed")
		inv.Err = &ToolError{Kind: ErrInvalidArgument, Tool: toolName, Message: err.Error(), Err: err}
		return inv
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = te.defaultTimeout
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	handlerCtx := ContextWithCall(timeoutCtx, CallInfo{
		InvocationID: inv.ID,
		SessionID:    opts.SessionID,
		Caller:       opts.Caller,
		Attempt:      attempt,
	})

	type outcome struct {
		payload interface{}
		err     error
	}
	// Buffered so a handler finishing after the timeout never blocks.
	done := make(chan outcome, 1)
	handlerArgs := copyArgs(inv.Args)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		payload, err := tool.Handler(handlerCtx, handlerArgs)
		done <- outcome{payload: payload, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			inv.Err = AsToolError(toolName, out.err)
			logger.Error().Str("kind", string(inv.Err.Kind)).Err(out.err).Msg("Tool execution failed")
			return inv
		}
		inv.Payload = out.payload
		logger.Debug().Dur("duration", time.Since(inv.StartedAt)).Msg("Tool execution completed")
		return inv

	case <-timeoutCtx.Done():
		kind := ErrTimeout
		msg := fmt.Sprintf("tool execution timeout after %v", timeout)
		if ctx.Err() == context.Canceled {
			kind = ErrInternal
			msg = "tool call cancelled"
		}
		inv.Err = &ToolError{Kind: kind, Tool: toolName, Message: msg, Err: timeoutCtx.Err()}
		logger.Error().Dur("timeout", timeout).Msg("Tool execution timeout")
		return inv
	}
}

func (te *ToolExecutor) audit(ctx context.Context, inv Invocation, opts *CallOptions) {
	keys := make([]string, 0, len(inv.Args))
	for k := range inv.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	meta := map[string]interface{}{
		"invocation_id": inv.ID,
		"arg_keys":      keys,
		"attempt":       inv.Attempt,
		"latency_ms":    inv.Latency.Milliseconds(),
		"caller":        opts.Caller,
	}
	status := "success"
	if inv.Err != nil {
		status = "failure"
		meta["error_kind"] = string(inv.Err.Kind)
		meta["error"] = inv.Err.Message
	}
	observability.RecordToolAudit(ctx, inv.Tool, opts.SessionID, status, meta)
}

// validateToolDefinition validates a tool definition
func validateToolDefinition(def ToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}
	if def.Category != "" && def.Category != CategoryRead && def.Category != CategoryWrite {
		return fmt.Errorf("invalid tool category %s", def.Category)
	}

	validTypes := map[string]bool{
		"string": true, "number": true, "boolean": true,
		"object": true, "array": true, "integer": true,
	}
	for _, param := range def.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if param.Description == "" {
			return fmt.Errorf("parameter description cannot be empty for %s", param.Name)
		}
		if !validTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %q for %s", param.Type, param.Name)
		}
	}

	return nil
}

// generateJSONSchema generates a JSON Schema from tool parameters
func generateJSONSchema(def ToolDefinition) (*gojsonschema.Schema, error) {
	properties := make(map[string]interface{}, len(def.Parameters))
	required := []string{}

	for _, param := range def.Parameters {
		paramSchema := map[string]interface{}{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Type == "string" && param.Required {
			paramSchema["minLength"] = 1
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}
		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	schemaMap := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schemaMap["required"] = required
	}

	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
}

// validateParameters validates parameters against a JSON Schema
func validateParameters(schema *gojsonschema.Schema, params map[string]interface{}) error {
	if schema == nil {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return err
	}

	if !result.Valid() {
		errs := []string{}
		for _, e := range result.Errors() {
			errs = append(errs, e.String())
		}
		return fmt.Errorf("validation errors: %v", errs)
	}

	return nil
}
