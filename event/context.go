package event

import "context"

type emitterContextKey struct{}

// WithEmitter attaches an emitter to the context. The engine installs the
// current run's emitter before executing tools so that builtins (notify_user,
// watch_worker) can emit under the right identity.
func WithEmitter(ctx context.Context, e *Emitter) context.Context {
	return context.WithValue(ctx, emitterContextKey{}, e)
}

// FromContext returns the emitter attached to the context, if any.
func FromContext(ctx context.Context) (*Emitter, bool) {
	e, ok := ctx.Value(emitterContextKey{}).(*Emitter)
	return e, ok
}
