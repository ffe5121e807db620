package upgrade

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/astriaorg/astria/system-tests/e2e/internal/fatal"
	"github.com/astriaorg/astria/system-tests/e2e/internal/metrics"
	"github.com/astriaorg/astria/system-tests/e2e/internal/poll"
	"github.com/astriaorg/astria/system-tests/e2e/internal/upgradesinfo"
	"github.com/jonboulle/clockwork"
)

// Stager publishes an activation height to the cluster and restarts the node on the new binary.
type Stager interface {
	StageUpgrade(ctx context.Context, activationHeight uint64) error
	WaitForRollout(ctx context.Context, timeout time.Duration) error
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Node   Node
	Stager Stager

	// Lookahead is how many blocks past the current height the upgrade activates.
	Lookahead uint64

	// SafetyMargin is how many blocks below the activation height the node is still expected
	// to report the upgrade as scheduled. Closer than that, the transition may race the height
	// read.
	SafetyMargin uint64

	// PerBlockAllowance is the time allowed per block between the current height and the
	// activation height.
	PerBlockAllowance time.Duration

	PollInterval   time.Duration
	RolloutTimeout time.Duration

	// Verbose prints the scheduled changes once to Out.
	Verbose bool
	Out     io.Writer
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Node == nil {
		return errors.New("node is required")
	}
	if c.Stager == nil {
		return errors.New("stager is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Lookahead == 0 {
		c.Lookahead = 10
	}
	if c.SafetyMargin == 0 {
		c.SafetyMargin = 2
	}
	if c.SafetyMargin >= c.Lookahead {
		return fmt.Errorf("safety margin %d must be smaller than lookahead %d", c.SafetyMargin, c.Lookahead)
	}
	if c.PerBlockAllowance == 0 {
		c.PerBlockAllowance = 3 * time.Second
	}
	if c.PollInterval == 0 {
		c.PollInterval = time.Second
	}
	if c.RolloutTimeout == 0 {
		c.RolloutTimeout = 40 * time.Second
	}
	if c.Out == nil {
		c.Out = os.Stdout
	}
	return nil
}

// Protocol upgrades a single running node in place and verifies the result.
type Protocol struct {
	log *slog.Logger
	cfg Config
}

func NewProtocol(cfg Config) (*Protocol, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Protocol{log: cfg.Logger, cfg: cfg}, nil
}

type Result struct {
	ActivationHeight uint64
	*NodeResult
}

func (p *Protocol) Run(ctx context.Context) (*Result, error) {
	res, err := p.run(ctx)
	if err != nil {
		metrics.UpgradeRunsTotal.WithLabelValues("single", "error").Inc()
		return nil, err
	}
	metrics.UpgradeRunsTotal.WithLabelValues("single", "ok").Inc()
	return res, nil
}

func (p *Protocol) run(ctx context.Context) (*Result, error) {
	node := p.cfg.Node

	p.log.Info("==> Capturing pre-upgrade state", "node", node.Name())
	base, err := CaptureBaseline(ctx, node)
	if err != nil {
		return nil, err
	}

	current, err := node.LastBlockHeight(ctx)
	if err != nil {
		return nil, err
	}
	target := current + p.cfg.Lookahead
	p.log.Info("--> Setting upgrade activation height", "currentHeight", current, "activationHeight", target)

	p.log.Info("==> Staging upgrade")
	if err := p.cfg.Stager.StageUpgrade(ctx, target); err != nil {
		return nil, fatal.Errorf("failed to stage upgrade: %w", err)
	}
	p.log.Info("==> Waiting for sequencer to upgrade", "timeout", p.cfg.RolloutTimeout)
	if err := p.cfg.Stager.WaitForRollout(ctx, p.cfg.RolloutTimeout); err != nil {
		return nil, fatal.Errorf("failed to deploy the upgrade within %s: %w", p.cfg.RolloutTimeout, err)
	}

	p.log.Info("==> Waiting for activation height", "activationHeight", target)
	if err := p.waitForActivation(ctx, current, target); err != nil {
		return nil, err
	}

	p.log.Info("==> Verifying upgrade")
	nr, err := VerifyUpgraded(ctx, p.log, node, base, target)
	if err != nil {
		return nil, err
	}
	if p.cfg.Verbose {
		WriteChangeTable(p.cfg.Out, node.Name(), nr.Applied)
	}

	p.log.Info("--> Upgrade verified", "activationHeight", target, "appVersion", nr.AppVersionAfter)
	return &Result{ActivationHeight: target, NodeResult: nr}, nil
}

// waitForActivation polls the height until target. While safely below target it also checks
// the node still reports the upgrade as scheduled and not applied.
func (p *Protocol) waitForActivation(ctx context.Context, latest, target uint64) error {
	node := p.cfg.Node
	timeout := time.Duration(target-latest) * p.cfg.PerBlockAllowance
	printed := false

	err := poll.UntilWithClock(ctx, p.cfg.Clock, func() (bool, error) {
		h, err := node.TryLastBlockHeight(ctx)
		if err != nil {
			if fatal.Is(err) {
				return false, err
			}
			p.log.Warn("--> Failed to get latest block height, retrying", "error", err)
			return false, nil
		}
		latest = h

		if latest >= target {
			return true, nil
		}
		if latest+p.cfg.SafetyMargin < target {
			info, err := node.UpgradesInfo(ctx)
			if err != nil {
				return false, err
			}
			if err := upgradesinfo.CheckScheduled(info, target); err != nil {
				return false, fatal.Errorf("%s upgrade error at height %d: %w", node.Name(), latest, err)
			}
			if p.cfg.Verbose && !printed {
				WriteChangeTable(p.cfg.Out, node.Name(), info.Scheduled)
				printed = true
			}
		}
		p.log.Info("--> Awaiting activation", "latestBlockHeight", latest, "activationHeight", target)
		return false, nil
	}, timeout, p.cfg.PollInterval)
	if errors.Is(err, poll.ErrTimeout) {
		return fatal.Errorf("%s failed to reach activation height %d within %s; latest block height: %d",
			node.Name(), target, timeout, latest)
	}
	return err
}
