package tool

import "context"

type callContextKey struct{}

// CallContext carries the identity of the current tool invocation. The
// engine attaches it before executing tools so builtins can scope their
// side effects (artifact reads, event emission) to the right owner and run.
type CallContext struct {
	RunID      int64
	OwnerID    int64
	JobID      *int64
	TraceID    string
	ToolCallID string
}

// WithCallContext attaches call context to the given context.
func WithCallContext(ctx context.Context, cc CallContext) context.Context {
	return context.WithValue(ctx, callContextKey{}, cc)
}

// CallContextFrom extracts the call context. It reports false when the tool
// is executed outside an engine dispatch (e.g. directly in a test).
func CallContextFrom(ctx context.Context) (CallContext, bool) {
	cc, ok := ctx.Value(callContextKey{}).(CallContext)
	return cc, ok
}
