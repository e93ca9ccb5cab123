package logging

import (
	"context"
	"time"
)

// DetachContextWithTimeout returns a context that keeps parent's values but
// not its cancellation, bounded by its own timeout. Writes that must not be
// torn by a disconnecting caller run under it.
//
//	syncCtx, cancel := logging.DetachContextWithTimeout(ctx, 10*time.Second)
//	defer cancel()
func DetachContextWithTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), timeout)
}
