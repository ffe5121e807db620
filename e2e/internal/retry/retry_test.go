package retry_test

import (
	"context"
	"errors"
	"testing"

	"github.com/astriaorg/astria/system-tests/e2e/internal/fatal"
	"github.com/astriaorg/astria/system-tests/e2e/internal/retry"
	"github.com/stretchr/testify/require"
)

func TestRetry_Do_SucceedsWithinBudget(t *testing.T) {
	t.Parallel()

	attempts, reconnects := 0, 0
	opts := retry.Options{Name: "test", Retries: 2, Reconnect: func() { reconnects++ }}
	res, err := retry.Do(context.Background(), opts, func(context.Context) (uint64, error) {
		attempts++
		if attempts < 3 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, uint64(42), res)
	require.Equal(t, 3, attempts)
	require.Equal(t, 2, reconnects)
}

func TestRetry_Do_ReturnsLastErrorWhenExhausted(t *testing.T) {
	t.Parallel()

	attempts := 0
	errs := []error{errors.New("first"), errors.New("second")}
	_, err := retry.Do(context.Background(), retry.Options{Name: "test", Retries: 1}, func(context.Context) (string, error) {
		err := errs[attempts]
		attempts++
		return "", err
	})
	require.ErrorIs(t, err, errs[1])
	require.Equal(t, 2, attempts)
}

func TestRetry_Do_ZeroRetriesIsSingleShot(t *testing.T) {
	t.Parallel()

	attempts := 0
	_, err := retry.Do(context.Background(), retry.Options{Name: "test"}, func(context.Context) (int, error) {
		attempts++
		return 0, errors.New("nope")
	})
	require.Error(t, err)
	require.Equal(t, 1, attempts)
}

func TestRetry_Do_PermanentAndFatalStopImmediately(t *testing.T) {
	t.Parallel()

	for name, mk := range map[string]func(error) error{
		"permanent": retry.Permanent,
		"fatal":     fatal.Wrap,
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			cause := errors.New("malformed response")
			attempts := 0
			_, err := retry.Do(context.Background(), retry.Options{Name: "test", Retries: 5}, func(context.Context) (int, error) {
				attempts++
				return 0, mk(cause)
			})
			require.ErrorIs(t, err, cause)
			require.Equal(t, 1, attempts)
		})
	}
}
