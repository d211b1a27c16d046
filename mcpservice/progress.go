package mcpservice

import "context"

// ProgressReporter reports progress of a long-running invocation. The
// dispatch engine injects an implementation into the handler context when
// the request carried a progress token; handlers retrieve it with
// ProgressFrom and call Report to emit notifications/progress correlated to
// the current request.
type ProgressReporter interface {
	// Report emits a progress update. Values are forwarded to the client
	// as-is; the handler chooses meaningful scales. total may be zero.
	Report(ctx context.Context, progress, total float64) error
}

type progressKey struct{}

// WithProgressReporter returns a context carrying the provided reporter.
func WithProgressReporter(ctx context.Context, pr ProgressReporter) context.Context {
	if pr == nil {
		return ctx
	}
	return context.WithValue(ctx, progressKey{}, pr)
}

// ProgressFrom retrieves the ProgressReporter from the context, if present.
func ProgressFrom(ctx context.Context) (ProgressReporter, bool) {
	if v := ctx.Value(progressKey{}); v != nil {
		if pr, ok := v.(ProgressReporter); ok && pr != nil {
			return pr, true
		}
	}
	return nil, false
}
