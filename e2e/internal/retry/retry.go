// Package retry runs single-shot operations against a node with a fixed retry budget.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/astriaorg/astria/system-tests/e2e/internal/fatal"
	"github.com/astriaorg/astria/system-tests/e2e/internal/metrics"
	"github.com/cenkalti/backoff/v5"
)

type Options struct {
	// Name identifies the operation in logs and metrics, e.g. "node0 abci_info".
	Name string

	// Retries is the number of additional attempts after the first one fails.
	Retries uint

	Log *slog.Logger

	// Reconnect, when set, is called before every retry to re-establish the endpoint.
	Reconnect func()
}

// Permanent marks err so that Do returns it without further attempts.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do calls op until it succeeds or 1+Retries attempts have failed, and returns the last error
// in the latter case. Each attempt is expected to re-acquire whatever connection it needs.
// Fatal errors are never retried.
func Do[T any](ctx context.Context, opts Options, op func(context.Context) (T, error)) (T, error) {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	attempt := 0
	res, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		res, err := op(ctx)
		if err != nil && fatal.Is(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	},
		backoff.WithBackOff(&backoff.ZeroBackOff{}),
		backoff.WithMaxTries(opts.Retries+1),
		backoff.WithNotify(func(err error, _ time.Duration) {
			metrics.RetriesTotal.WithLabelValues(opts.Name).Inc()
			log.Warn("--> Retrying", "operation", opts.Name, "attempt", attempt, "error", err)
			if opts.Reconnect != nil {
				opts.Reconnect()
			}
		}),
	)
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		log.Warn("--> Giving up", "operation", opts.Name, "attempts", attempt, "error", err)
		var zero T
		return zero, err
	}
	return res, nil
}
