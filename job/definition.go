package job

import "context"

// Definition is a typed job definition with a handler function.
// T is the payload type (must be JSON-serializable).
type Definition[T any] struct {
	// Type is the unique identifier for this kind of work.
	Type string

	// Handler processes one decoded payload on behalf of a tenant.
	Handler func(ctx context.Context, tenantID string, payload T) error
}

// NewDefinition creates a typed job definition.
func NewDefinition[T any](jobType string, handler func(ctx context.Context, tenantID string, payload T) error) *Definition[T] {
	return &Definition[T]{
		Type:    jobType,
		Handler: handler,
	}
}
