package poll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

var ErrTimeout = errors.New("polling timed out")

// Until evaluates condition immediately and then once per interval until it reports true,
// returns an error, or the timeout elapses. The deadline is only checked between attempts, so
// the condition is always evaluated at least once.
func Until(ctx context.Context, condition func() (bool, error), timeout, interval time.Duration) error {
	return UntilWithClock(ctx, clockwork.NewRealClock(), condition, timeout, interval)
}

func UntilWithClock(ctx context.Context, clock clockwork.Clock, condition func() (bool, error), timeout, interval time.Duration) error {
	deadline := clock.Now().Add(timeout)

	ticker := clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		ok, err := condition()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		if !clock.Now().Before(deadline) {
			return fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("polling cancelled: %w", ctx.Err())
		case <-ticker.Chan():
		}
	}
}
