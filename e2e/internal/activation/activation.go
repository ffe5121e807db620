// Package activation estimates the block height a network will reach after a wall-clock
// duration, from its recent block rate.
package activation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/astriaorg/astria/system-tests/e2e/internal/jsonrpc"
)

// MaxSampleBlocks bounds how far back the block rate is sampled.
const MaxSampleBlocks = 1000

var ErrChainTooShort = errors.New("need current height to be greater than 1")

// Source is the subset of the CometBFT RPC the calculator reads. *jsonrpc.Client satisfies it.
type Source interface {
	Header(ctx context.Context, height *uint64) (jsonrpc.Header, error)
	Status(ctx context.Context) (jsonrpc.Status, error)
}

// Point is a calculated activation height.
type Point struct {
	Network       string
	CurrentHeight uint64
	CurrentTime   time.Time
	HeightDiff    uint64
	Height        uint64
	// Instant is when the network is expected to reach Height.
	Instant time.Time
}

// Calculate samples the block rate over the last MaxSampleBlocks blocks (or back to block 1)
// and projects it duration into the future.
func Calculate(ctx context.Context, src Source, duration time.Duration) (*Point, error) {
	if duration <= 0 {
		return nil, fmt.Errorf("duration must be positive, got %s", duration)
	}
	latest, err := src.Header(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest block: %w", err)
	}
	if latest.Height <= 1 {
		return nil, ErrChainTooShort
	}

	// Block 0 does not exist, so the oldest sample is block 1.
	sample := min(MaxSampleBlocks, latest.Height-1)
	oldHeight := latest.Height - sample
	old, err := src.Header(ctx, &oldHeight)
	if err != nil {
		return nil, fmt.Errorf("failed to get block at height %d: %w", oldHeight, err)
	}

	status, err := src.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get network name: %w", err)
	}

	diff, err := HeightDiff(sample, latest.Time.Sub(old.Time), duration)
	if err != nil {
		return nil, err
	}
	return &Point{
		Network:       status.Network,
		CurrentHeight: latest.Height,
		CurrentTime:   latest.Time,
		HeightDiff:    diff,
		Height:        latest.Height + diff,
		Instant:       latest.Time.Add(duration),
	}, nil
}

// HeightDiff returns how many blocks are produced in duration, rounded up, given that
// sampleBlocks blocks took elapsed.
func HeightDiff(sampleBlocks uint64, elapsed, duration time.Duration) (uint64, error) {
	if elapsed <= 0 {
		return 0, fmt.Errorf("block times do not increase over the last %d blocks", sampleBlocks)
	}
	ms := float64(duration.Milliseconds())
	elapsedMs := float64(elapsed) / float64(time.Millisecond)
	return uint64(math.Ceil(ms * float64(sampleBlocks) / elapsedMs)), nil
}

const day = 24 * time.Hour

const maxDays = uint64(math.MaxInt64 / int64(day))

var ErrDurationOverflow = errors.New("duration out of range")

// ParseDuration accepts everything time.ParseDuration does, plus a leading whole number of
// 24 hour days, as in "2d", "1d12h" or "7d30m".
func ParseDuration(s string) (time.Duration, error) {
	days, rest, found := strings.Cut(s, "d")
	if !found {
		return time.ParseDuration(s)
	}
	n, err := strconv.ParseUint(days, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	if n > maxDays {
		return 0, fmt.Errorf("invalid duration %q: %w", s, ErrDurationOverflow)
	}
	d := time.Duration(n) * day
	if rest == "" {
		return d, nil
	}
	extra, err := time.ParseDuration(rest)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if extra > 0 && d > math.MaxInt64-extra {
		return 0, fmt.Errorf("invalid duration %q: %w", s, ErrDurationOverflow)
	}
	return d + extra, nil
}
