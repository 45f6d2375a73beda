package concurrency

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/open62541-go/pubsub-core/pkg/logger"
)

// SafeGo runs fn in its own goroutine and recovers from panics so that one
// misbehaving transport callback cannot take down the event loop goroutine.
func SafeGo(ctx context.Context, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("panic recovered: %v", r)
				stack := string(debug.Stack())
				logger.L().ErrorContext(ctx, "goroutine panic", "error", err, "stack", stack)
			}
		}()
		fn()
	}()
}
