package container

import (
	"context"

	"servicekit/domain/registry"
)

type pathKey struct{}

// WithPath appends name to the in-flight resolution path carried by the
// context. The path follows the call chain through factories, which is what
// lets a direct re-entrant request for a name already under construction be
// rejected instead of deadlocking.
func WithPath(ctx context.Context, name registry.ServiceName) context.Context {
	existing := PathFromContext(ctx)
	next := make([]registry.ServiceName, 0, len(existing)+1)
	next = append(next, existing...)
	next = append(next, name)
	return context.WithValue(ctx, pathKey{}, next)
}

// PathFromContext returns the in-flight resolution path, outermost first.
func PathFromContext(ctx context.Context) []registry.ServiceName {
	if path, ok := ctx.Value(pathKey{}).([]registry.ServiceName); ok {
		return path
	}
	return nil
}

// PathContains reports whether name is already being constructed on this
// call chain.
func PathContains(ctx context.Context, name registry.ServiceName) bool {
	for _, n := range PathFromContext(ctx) {
		if n == name {
			return true
		}
	}
	return false
}
