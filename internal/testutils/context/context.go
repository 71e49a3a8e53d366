package context

import (
	"context"
	"testing"
	"time"
)

// DefaultTimeout bounds contexts of tests running without -timeout.
const DefaultTimeout = 30 * time.Second

// WithTest wraps context with deadline.
//
// The deadline is 1 second before test's deadline, to be able to clean-up resources.
// If the test has no deadline, DefaultTimeout is used.
func WithTest(ctx context.Context, t *testing.T) (context.Context, func()) {
	if deadline, ok := t.Deadline(); ok {
		return context.WithDeadline(ctx, deadline.Add(-time.Second))
	}
	return context.WithTimeout(ctx, DefaultTimeout)
}
