package logging

import "context"

type contextKey int

const (
	contextKeyLoggers contextKey = 1 + iota
	contextKeyInjectedField
)

var contextKeys = []contextKey{
	contextKeyLoggers,
	contextKeyInjectedField,
}

// WithInherit copies loggers and injected fields of inheritFrom into ctx.
// Used where a request context must not be cancelled with its parent
// but should keep logging like it.
func WithInherit(ctx, inheritFrom context.Context) context.Context {
	for _, k := range contextKeys {
		if v := inheritFrom.Value(k); v != nil {
			ctx = context.WithValue(ctx, k, v) // no shadow
		}
	}
	return ctx
}
