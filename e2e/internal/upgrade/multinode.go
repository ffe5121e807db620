package upgrade

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/astriaorg/astria/system-tests/e2e/internal/diff"
	"github.com/astriaorg/astria/system-tests/e2e/internal/fatal"
	"github.com/astriaorg/astria/system-tests/e2e/internal/metrics"
	"github.com/astriaorg/astria/system-tests/e2e/internal/sequencer"
)

// UpgradingNode is a node whose release the protocol can upgrade. *sequencer.Controller
// satisfies it.
type UpgradingNode interface {
	Node
	StageUpgrade(ctx context.Context, opts sequencer.StageOptions) error
	WaitForUpgrade(ctx context.Context, activationHeight uint64) error
}

type MultiNodeConfig struct {
	Logger *slog.Logger
	Nodes  []UpgradingNode

	ImageTag    string
	UpgradeName string
	PriceFeed   bool

	Lookahead uint64

	Verbose bool
	Out     io.Writer
}

func (c *MultiNodeConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if len(c.Nodes) == 0 {
		return errors.New("at least one node is required")
	}
	if c.ImageTag == "" {
		return errors.New("image tag is required")
	}
	if c.UpgradeName == "" {
		return errors.New("upgrade name is required")
	}
	if c.Lookahead == 0 {
		c.Lookahead = 10
	}
	if c.Out == nil {
		c.Out = os.Stdout
	}
	return nil
}

// MultiNodeProtocol upgrades every node of a network to activate at the same height and checks
// that they all agree afterwards.
type MultiNodeProtocol struct {
	log *slog.Logger
	cfg MultiNodeConfig
}

func NewMultiNodeProtocol(cfg MultiNodeConfig) (*MultiNodeProtocol, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &MultiNodeProtocol{log: cfg.Logger, cfg: cfg}, nil
}

type MultiNodeResult struct {
	ActivationHeight uint64
	Nodes            []*NodeResult
}

func (p *MultiNodeProtocol) Run(ctx context.Context) (*MultiNodeResult, error) {
	res, err := p.run(ctx)
	if err != nil {
		metrics.UpgradeRunsTotal.WithLabelValues("multi", "error").Inc()
		return nil, err
	}
	metrics.UpgradeRunsTotal.WithLabelValues("multi", "ok").Inc()
	return res, nil
}

func (p *MultiNodeProtocol) run(ctx context.Context) (*MultiNodeResult, error) {
	nodes := p.cfg.Nodes

	p.log.Info("==> Capturing pre-upgrade state", "nodes", len(nodes))
	baselines := make([]*Baseline, len(nodes))
	for i, n := range nodes {
		base, err := CaptureBaseline(ctx, n)
		if err != nil {
			return nil, err
		}
		baselines[i] = base
	}

	current, err := nodes[0].LastBlockHeight(ctx)
	if err != nil {
		return nil, err
	}
	target := current + p.cfg.Lookahead
	p.log.Info("--> Setting upgrade activation height", "currentHeight", current, "activationHeight", target)

	p.log.Info("==> Staging upgrade on all nodes", "image", p.cfg.ImageTag, "upgrade", p.cfg.UpgradeName)
	for _, n := range nodes {
		err := n.StageUpgrade(ctx, sequencer.StageOptions{
			ImageTag:         p.cfg.ImageTag,
			PriceFeed:        p.cfg.PriceFeed,
			UpgradeName:      p.cfg.UpgradeName,
			ActivationHeight: target,
		})
		if err != nil {
			return nil, err
		}
	}

	p.log.Info("==> Waiting for all nodes to upgrade", "activationHeight", target)
	for _, n := range nodes {
		if err := n.WaitForUpgrade(ctx, target); err != nil {
			return nil, err
		}
	}

	p.log.Info("==> Verifying upgrade on all nodes")
	results := make([]*NodeResult, len(nodes))
	for i, n := range nodes {
		nr, err := VerifyUpgraded(ctx, p.log, n, baselines[i], target)
		if err != nil {
			return nil, err
		}
		results[i] = nr
		if p.cfg.Verbose {
			WriteChangeTable(p.cfg.Out, n.Name(), nr.Applied)
		}
	}

	first := results[0]
	for _, nr := range results[1:] {
		if nr.AppVersionAfter != first.AppVersionAfter {
			return nil, fatal.Errorf("nodes disagree on app version after upgrade: %s has %d, %s has %d",
				first.Node, first.AppVersionAfter, nr.Node, nr.AppVersionAfter)
		}
		if d := diff.ChangeInfos(first.Applied, nr.Applied); d != "" {
			return nil, fatal.Errorf("nodes disagree on applied changes (-%s +%s):\n%s", first.Node, nr.Node, d)
		}
	}

	p.log.Info("--> Upgrade verified on all nodes", "activationHeight", target, "appVersion", first.AppVersionAfter)
	return &MultiNodeResult{ActivationHeight: target, Nodes: results}, nil
}
