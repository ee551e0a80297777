// SPDX-License-Identifier: MIT

// Package safego launches goroutines that can never crash the daemon.
//
// The long-lived background goroutines of the supervision engine (the
// manager's suture supervisor, each slot's supervisor loop, the
// ManagedProcess wait-for-exit goroutine) are started through Go so a
// programming error three layers down strands one entity instead of killing
// the process. The detached goroutine of the HTTP shutdown handler uses
// RecoverToError instead.
package safego

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
)

// Go runs fn in a new goroutine, recovering and logging any panic instead of
// letting it propagate. name identifies the loop in log output.
func Go(ctx context.Context, name string, logger *slog.Logger, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logPanic(ctx, logger, name, r, debug.Stack())
			}
		}()
		fn()
	}()
}

// GoWithRecover is like Go but reports the recovered panic (or fn's own
// returned error) on errCh, which is always closed exactly once.
func GoWithRecover(ctx context.Context, name string, logger *slog.Logger, fn func() error, errCh chan<- error) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logPanic(ctx, logger, name, r, debug.Stack())
				if errCh != nil {
					errCh <- fmt.Errorf("panic in %s: %v", name, r)
					close(errCh)
				}
			}
		}()

		err := fn()
		if errCh != nil {
			if err != nil {
				errCh <- err
			}
			close(errCh)
		}
	}()
}

func logPanic(ctx context.Context, logger *slog.Logger, name string, r interface{}, stack []byte) {
	if logger == nil {
		return
	}
	logger.ErrorContext(ctx, "recovered panic in background goroutine",
		slog.String("goroutine", name),
		slog.Any("panic", r),
		slog.String("stack", string(stack)),
	)
}

// RecoverToError runs fn and converts a panic into an error return instead
// of letting it propagate. Used by the detached goroutine of the HTTP
// manager-shutdown handler, which logs the error rather than crash the
// daemon.
func RecoverToError(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
