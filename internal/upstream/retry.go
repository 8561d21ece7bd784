package upstream

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/avast/retry-go/v4"
)

// RetryHooks customises the retry loop run by Do.
type RetryHooks struct {
	// RetryIf reports whether a failed attempt may be retried. A nil
	// RetryIf retries every failure.
	RetryIf func(err error) bool

	// OnRetry is called after a failed attempt that will be retried, with
	// the 1-based number of the next attempt and the delay before it.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// Do sends a request to the upstream, retrying up to Retries extra times
// with a random delay in (0, RetryDelay] between attempts. The returned
// error is the last attempt's error.
func (u *Upstream) Do(ctx context.Context, method string, params []any, hooks RetryHooks) (json.RawMessage, error) {
	return doWithRetry(ctx, u, method, hooks, func(ctx context.Context) (json.RawMessage, error) {
		return u.Call(ctx, method, params)
	})
}

func doWithRetry[T any](ctx context.Context, u *Upstream, method string, hooks RetryHooks, fn func(context.Context) (T, error)) (T, error) {
	attempts := uint(u.retries) + 1
	var nextDelay time.Duration

	return retry.DoWithData(
		func() (T, error) {
			return fn(ctx)
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			if hooks.RetryIf == nil {
				return true
			}
			return hooks.RetryIf(err)
		}),
		retry.DelayType(func(_ uint, _ error, _ *retry.Config) time.Duration {
			return nextDelay
		}),
		retry.OnRetry(func(n uint, err error) {
			// OnRetry also fires for the final attempt, which is not followed by a delay.
			if n+1 >= attempts {
				return
			}
			nextDelay = Jitter(u.retryDelay)
			u.logger.Debug("upstream call failed, retrying",
				slog.String("upstream", u.id),
				slog.String("method", method),
				slog.Int("attempt", int(n)+1),
				slog.Int("retries", u.retries),
				slog.Duration("delay", nextDelay),
				slog.String("error", err.Error()),
			)
			if hooks.OnRetry != nil {
				hooks.OnRetry(int(n)+2, nextDelay, err)
			}
		}),
	)
}

// Jitter returns a random duration in (0, limit]. A non-positive limit yields 0.
func Jitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(limit))) + 1
}

// WithTimeout runs fn and waits at most d for it to finish. On timeout the
// call is abandoned: its context is cancelled and any late result is
// discarded.
func WithTimeout[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if d <= 0 {
		return fn(ctx)
	}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(callCtx)
		done <- result{value: v, err: err}
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case r := <-done:
		return r.value, r.err
	case <-timer.C:
		return zero, ErrTimeout
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
