package fatal_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/astriaorg/astria/system-tests/e2e/internal/fatal"
	"github.com/stretchr/testify/require"
)

func TestFatal_Errorf(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection refused")
	err := fatal.Errorf("node0: failed to get last block height: %w", cause)

	require.True(t, fatal.Is(err))
	require.ErrorIs(t, err, cause)
	require.Equal(t, "node0: failed to get last block height: connection refused", err.Error())
}

func TestFatal_Wrap(t *testing.T) {
	t.Parallel()

	require.NoError(t, fatal.Wrap(nil))

	cause := errors.New("boom")
	wrapped := fatal.Wrap(cause)
	require.True(t, fatal.Is(wrapped))
	require.ErrorIs(t, wrapped, cause)

	// Wrapping twice keeps a single layer.
	require.Same(t, wrapped, fatal.Wrap(wrapped))
}

func TestFatal_IsThroughWrapping(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("outer: %w", fatal.Errorf("inner"))
	require.True(t, fatal.Is(err))
	require.False(t, fatal.Is(errors.New("plain")))
	require.False(t, fatal.Is(nil))
}
