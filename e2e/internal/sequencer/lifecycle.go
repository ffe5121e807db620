package sequencer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/astriaorg/astria/system-tests/e2e/internal/fatal"
	"github.com/astriaorg/astria/system-tests/e2e/internal/jsonrpc"
	"github.com/astriaorg/astria/system-tests/e2e/internal/kube"
	"github.com/astriaorg/astria/system-tests/e2e/internal/upgradesinfo"
)

var errNoDeployer = errors.New("no deployer configured")

type DeployOptions struct {
	ImageTag          string
	PersistentStorage bool
	PriceFeed         bool

	// UpgradeName deploys with pre-upgrade genesis. The upgrade itself is only included when
	// ActivationHeight is non-zero.
	UpgradeName      string
	ActivationHeight uint64
}

type StageOptions struct {
	ImageTag         string
	PriceFeed        bool
	UpgradeName      string
	ActivationHeight uint64
}

func (c *Controller) release() kube.Release {
	return kube.Release{
		Name:      c.cfg.Name + "-sequencer-chart",
		Namespace: c.namespace,
		ValuesFiles: []string{
			c.cfg.ValuesDir + "/all.yml",
			c.cfg.ValuesDir + "/" + c.cfg.Name + ".yml",
		},
	}
}

func (c *Controller) values(imageTag string, priceFeed, storage bool, upgradeName string, activationHeight uint64) kube.Values {
	return kube.Values{
		ImageTag:          imageTag,
		RPCPort:           RPCPodPort,
		GRPCPort:          GRPCPodPort,
		PriceFeed:         &priceFeed,
		PersistentStorage: storage,
		UpgradeName:       upgradeName,
		ActivationHeight:  activationHeight,
	}
}

// Deploy installs the node's release, waits for it to roll out and checks that the node we
// reach reports this controller's name as its moniker.
func (c *Controller) Deploy(ctx context.Context, opts DeployOptions) error {
	if c.cfg.Deployer == nil {
		return fatal.Wrap(errNoDeployer)
	}
	c.log.Info("==> Deploying sequencer", "image", opts.ImageTag, "namespace", c.namespace)

	values := c.values(opts.ImageTag, opts.PriceFeed, opts.PersistentStorage, opts.UpgradeName, opts.ActivationHeight)
	if err := c.cfg.Deployer.Install(ctx, c.release(), values); err != nil {
		return fatal.Errorf("%s: failed to deploy: %w", c.cfg.Name, err)
	}
	if err := c.waitForRollout(ctx, c.cfg.DeployTimeout); err != nil {
		return err
	}
	if err := c.ensureReportedNameMatches(ctx); err != nil {
		return err
	}

	c.log.Info("--> Sequencer deployed")
	return nil
}

// StageUpgrade upgrades the node's release to the new image with the given activation height.
// It does not wait for the node to restart.
func (c *Controller) StageUpgrade(ctx context.Context, opts StageOptions) error {
	if c.cfg.Deployer == nil {
		return fatal.Wrap(errNoDeployer)
	}
	c.log.Info("==> Staging upgrade", "image", opts.ImageTag, "upgrade", opts.UpgradeName, "activationHeight", opts.ActivationHeight)

	// A forward that has already exited usually means the node crashed after missing the
	// activation point. Don't reconnect; the pod gets restarted below instead.
	c.heightBeforeRestart = nil
	if c.state == Connected && !c.forwardExited() {
		h, err := c.TryLastBlockHeight(ctx)
		if err != nil {
			c.log.Warn("--> Failed to get block height before restart", "error", err)
		} else {
			c.heightBeforeRestart = &h
		}
	} else {
		c.log.Warn("--> Port-forwarding stopped, not recording block height before restart")
	}

	values := c.values(opts.ImageTag, opts.PriceFeed, true, opts.UpgradeName, opts.ActivationHeight)
	if err := c.cfg.Deployer.Upgrade(ctx, c.release(), values); err != nil {
		return fatal.Errorf("%s: failed to upgrade: %w", c.cfg.Name, err)
	}

	if c.heightBeforeRestart == nil {
		c.log.Info("--> Restarting pod", "pod", kube.SequencerPod)
		if err := c.cfg.Deployer.DeletePod(ctx, c.namespace, kube.SequencerPod); err != nil {
			return fatal.Errorf("%s: failed to restart pod: %w", c.cfg.Name, err)
		}
	}
	return nil
}

// WaitForUpgrade waits for the node to come back after StageUpgrade and to reach
// activationHeight. When the node was stopped for the upgrade rather than having crashed, it
// also checks that the upgrade is still only scheduled while safely below activation.
func (c *Controller) WaitForUpgrade(ctx context.Context, activationHeight uint64) error {
	if c.cfg.Deployer == nil {
		return fatal.Wrap(errNoDeployer)
	}
	if err := c.waitForRollout(ctx, c.cfg.RestartTimeout); err != nil {
		return err
	}

	if c.heightBeforeRestart != nil {
		// Two blocks in case one was committed between reading the height and shutting down.
		if err := c.WaitUntilChainAtHeight(ctx, *c.heightBeforeRestart+2, c.cfg.RestartBlocksTimeout); err != nil {
			return err
		}
		latest, err := c.LastBlockHeight(ctx)
		if err != nil {
			return err
		}
		if latest+c.cfg.SafetyMargin < activationHeight {
			if err := c.checkScheduled(ctx, activationHeight); err != nil {
				return err
			}
		}
	}

	latest, err := c.LastBlockHeight(ctx)
	if err != nil {
		return err
	}
	gap := uint64(1)
	if activationHeight > latest+1 {
		gap = activationHeight - latest
	}
	return c.WaitUntilChainAtHeight(ctx, activationHeight, time.Duration(gap)*c.cfg.PerBlockTimeout)
}

func (c *Controller) checkScheduled(ctx context.Context, activationHeight uint64) error {
	info, err := c.UpgradesInfo(ctx)
	if err != nil {
		return err
	}
	if err := upgradesinfo.CheckScheduled(info, activationHeight); err != nil {
		return fatal.Errorf("%s upgrade error: %w", c.cfg.Name, err)
	}
	for _, ci := range info.Scheduled {
		c.log.Info("--> Scheduled change",
			"change", ci.ChangeName,
			"activationHeight", ci.ActivationHeight,
			"appVersion", ci.AppVersion,
			"changeHash", ci.Base64Hash())
	}
	return nil
}

func (c *Controller) waitForRollout(ctx context.Context, timeout time.Duration) error {
	err := c.cfg.Deployer.WaitForRollout(ctx, c.namespace, kube.SequencerStatefulSet, kube.SequencerPod, timeout)
	if err != nil {
		return fatal.Errorf("%s: %w", c.cfg.Name, err)
	}
	return nil
}

func (c *Controller) ensureReportedNameMatches(ctx context.Context) error {
	status, err := rpcQuery(ctx, c, "status", c.cfg.NameCheckRetries, func(ctx context.Context, cl *jsonrpc.Client) (jsonrpc.Status, error) {
		return cl.Status(ctx)
	})
	if err != nil {
		return fatal.Errorf("%s: failed to fetch node name: %w", c.cfg.Name, err)
	}
	if status.Moniker != c.cfg.Name {
		return fatal.Wrap(fmt.Errorf("provided name `%s` does not match moniker `%s` as reported in `status` json-rpc response",
			c.cfg.Name, status.Moniker))
	}
	return nil
}
