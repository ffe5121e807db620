package sequencer

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/astriaorg/astria/system-tests/e2e/internal/fatal"
	"github.com/astriaorg/astria/system-tests/e2e/internal/jsonrpc"
	"github.com/astriaorg/astria/system-tests/e2e/internal/metrics"
	"github.com/astriaorg/astria/system-tests/e2e/internal/poll"
	"github.com/astriaorg/astria/system-tests/e2e/internal/retry"
	"github.com/astriaorg/astria/system-tests/e2e/internal/upgradesinfo"
)

func rpcQuery[T any](ctx context.Context, c *Controller, op string, retries uint, fn func(context.Context, *jsonrpc.Client) (T, error)) (T, error) {
	opts := retry.Options{Name: c.cfg.Name + " " + op, Retries: retries, Log: c.log}
	return retry.Do(ctx, opts, func(ctx context.Context) (T, error) {
		var res T
		err := c.withRPC(ctx, func(cl *jsonrpc.Client) error {
			var err error
			res, err = fn(ctx, cl)
			return err
		})
		return res, err
	})
}

// TryLastBlockHeight makes a single attempt to read the latest block height. Errors are
// recoverable.
func (c *Controller) TryLastBlockHeight(ctx context.Context) (uint64, error) {
	h, err := rpcQuery(ctx, c, "abci_info", 0, func(ctx context.Context, cl *jsonrpc.Client) (uint64, error) {
		return cl.LastBlockHeight(ctx)
	})
	if err != nil {
		return 0, err
	}
	metrics.BlockHeight.WithLabelValues(c.cfg.Name).Set(float64(h))
	return h, nil
}

func (c *Controller) LastBlockHeight(ctx context.Context) (uint64, error) {
	h, err := rpcQuery(ctx, c, "abci_info", c.cfg.RPCRetries, func(ctx context.Context, cl *jsonrpc.Client) (uint64, error) {
		return cl.LastBlockHeight(ctx)
	})
	if err != nil {
		return 0, fatal.Errorf("%s: failed to get last block height: %w", c.cfg.Name, err)
	}
	metrics.BlockHeight.WithLabelValues(c.cfg.Name).Set(float64(h))
	return h, nil
}

func (c *Controller) CurrentAppVersion(ctx context.Context) (uint64, error) {
	v, err := rpcQuery(ctx, c, "abci_info", c.cfg.RPCRetries, func(ctx context.Context, cl *jsonrpc.Client) (uint64, error) {
		return cl.AppVersion(ctx)
	})
	if err != nil {
		return 0, fatal.Errorf("%s: failed to get current app version: %w", c.cfg.Name, err)
	}
	return v, nil
}

func (c *Controller) GenesisAppVersion(ctx context.Context) (uint64, error) {
	v, err := rpcQuery(ctx, c, "genesis", c.cfg.RPCRetries, func(ctx context.Context, cl *jsonrpc.Client) (uint64, error) {
		return cl.GenesisAppVersion(ctx)
	})
	if err != nil {
		return 0, fatal.Errorf("%s: failed to get app version at genesis: %w", c.cfg.Name, err)
	}
	return v, nil
}

// Block returns the raw JSON of the block at height.
func (c *Controller) Block(ctx context.Context, height uint64) ([]byte, error) {
	b, err := rpcQuery(ctx, c, "block", c.cfg.RPCRetries, func(ctx context.Context, cl *jsonrpc.Client) ([]byte, error) {
		return cl.Block(ctx, height)
	})
	if err != nil {
		return nil, fatal.Errorf("%s: failed to get block %d: %w", c.cfg.Name, height, err)
	}
	return b, nil
}

// VoteExtensionsEnableHeight reads the consensus parameter at the latest height. Querying
// without a height is unreliable on CometBFT.
func (c *Controller) VoteExtensionsEnableHeight(ctx context.Context) (uint64, error) {
	height, err := c.LastBlockHeight(ctx)
	if err != nil {
		return 0, err
	}
	v, err := rpcQuery(ctx, c, "consensus_params", c.cfg.RPCRetries, func(ctx context.Context, cl *jsonrpc.Client) (uint64, error) {
		return cl.VoteExtensionsEnableHeight(ctx, height)
	})
	if err != nil {
		return 0, fatal.Errorf("%s: failed to get vote extensions enable height: %w", c.cfg.Name, err)
	}
	return v, nil
}

func (c *Controller) UpgradesInfo(ctx context.Context) (*upgradesinfo.Info, error) {
	opts := retry.Options{Name: c.cfg.Name + " GetUpgradesInfo", Retries: c.cfg.RPCRetries, Log: c.log}
	info, err := retry.Do(ctx, opts, func(ctx context.Context) (*upgradesinfo.Info, error) {
		var info *upgradesinfo.Info
		err := c.withUpgrades(ctx, func(cl *upgradesinfo.Client) error {
			var err error
			info, err = cl.UpgradesInfo(ctx)
			return err
		})
		return info, err
	})
	if err != nil {
		return nil, fatal.Errorf("%s: failed to get upgrade info: %w", c.cfg.Name, err)
	}
	return info, nil
}

// WaitUntilChainAtHeight polls the latest block height until it reaches height. Failed reads
// are logged and polling continues; only the timeout is fatal.
func (c *Controller) WaitUntilChainAtHeight(ctx context.Context, height uint64, timeout time.Duration) error {
	deadline := c.cfg.Clock.Now().Add(timeout)
	var latest uint64
	var seen bool

	err := poll.UntilWithClock(ctx, c.cfg.Clock, func() (bool, error) {
		h, err := c.TryLastBlockHeight(ctx)
		if err != nil {
			c.log.Warn("--> Failed to get latest block height, retrying", "error", err)
		} else {
			latest, seen = h, true
		}
		if seen && latest >= height {
			return true, nil
		}
		c.log.Info("--> Awaiting block",
			"latestBlockHeight", heightString(latest, seen),
			"targetHeight", height,
			"remaining", deadline.Sub(c.cfg.Clock.Now()).Round(time.Millisecond))
		return false, nil
	}, timeout, c.cfg.PollInterval)
	if errors.Is(err, poll.ErrTimeout) {
		return fatal.Errorf("%s failed to reach block %d within %s; latest block height: %s",
			c.cfg.Name, height, timeout, heightString(latest, seen))
	}
	if err != nil {
		return err
	}

	c.log.Info("--> Finished awaiting block", "latestBlockHeight", latest, "targetHeight", height)
	return nil
}

func heightString(h uint64, seen bool) string {
	if !seen {
		return "unknown"
	}
	return strconv.FormatUint(h, 10)
}
