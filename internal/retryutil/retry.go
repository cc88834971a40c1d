// Package retryutil schedules best-effort deferred retries for notices
// that should not block or fail their caller.
package retryutil

import (
	"context"
	"log/slog"
	"time"
)

const (
	defaultRetryDelay   = 2 * time.Second
	defaultRetryTimeout = 12 * time.Second
)

// AsyncRetry runs fn once on its own goroutine after delay, bounded by
// timeout. The outcome is logged, never returned; task delivery must not go
// through here, only user-facing notices.
func AsyncRetry(logger *slog.Logger, name string, delay, timeout time.Duration, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	if delay <= 0 {
		delay = defaultRetryDelay
	}
	if timeout <= 0 {
		timeout = defaultRetryTimeout
	}
	if logger != nil {
		logger.Info(name+"_retry_scheduled", "delay", delay.String(), "timeout", timeout.String())
	}
	go func() {
		timer := time.NewTimer(delay)
		<-timer.C
		timer.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			if logger != nil {
				logger.Warn(name+"_retry_failed", "error", err.Error())
			}
			return
		}
		if logger != nil {
			logger.Info(name + "_retry_ok")
		}
	}()
}
