package toolexecutor

import "context"

type callContextKey struct{}

// CallInfo describes the call a handler is serving.
type CallInfo struct {
	InvocationID string
	SessionID    string
	Caller       string
	Attempt      int
}

// ContextWithCall attaches call information for tool handlers.
func ContextWithCall(ctx context.Context, info CallInfo) context.Context {
	return context.WithValue(ctx, callContextKey{}, info)
}

// CallFromContext extracts call information, if any.
func CallFromContext(ctx context.Context) (CallInfo, bool) {
	info, ok := ctx.Value(callContextKey{}).(CallInfo)
	return info, ok
}
