package deadletter

import (
	"context"

	leaseq "github.com/eugener/leaseq/internal"
)

// Func adapts a plain function to leaseq.DeadletterSink.
type Func func(ctx context.Context, name string, props map[string]any) error

var _ leaseq.DeadletterSink = Func(nil)

// Insert calls f.
func (f Func) Insert(ctx context.Context, name string, props map[string]any) error {
	return f(ctx, name, props)
}
