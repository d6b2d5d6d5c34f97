// ABOUTME: Authentication context for tracking the operator through request handlers
// ABOUTME: Provides WithOperator/OperatorFromContext for propagating identity via context

package auth

import (
	"context"
)

// operatorKey is the key type for storing the operator in context.Context.
type operatorKey struct{}

// WithOperator returns a new context carrying the authenticated operator name.
func WithOperator(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, operatorKey{}, subject)
}

// OperatorFromContext returns the authenticated operator, or "" when the
// request was not authenticated.
func OperatorFromContext(ctx context.Context) string {
	subject, _ := ctx.Value(operatorKey{}).(string)
	return subject
}
