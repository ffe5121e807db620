package upgradecmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/astriaorg/astria/system-tests/e2e/internal/astriacli"
	"github.com/astriaorg/astria/system-tests/e2e/internal/docker"
	"github.com/astriaorg/astria/system-tests/e2e/internal/logging"
	"github.com/astriaorg/astria/system-tests/e2e/internal/portforward"
	"github.com/astriaorg/astria/system-tests/e2e/internal/sequencer"
	"github.com/astriaorg/astria/system-tests/e2e/internal/upgrade"
	"github.com/spf13/cobra"
)

const balanceTimeout = 30 * time.Second

type MultiCmd struct{}

func NewMultiCmd() *MultiCmd {
	return &MultiCmd{}
}

func (c *MultiCmd) Command() *cobra.Command {
	var (
		tag         string
		deployTag   string
		cliTag      string
		nodes       []string
		upgradeName string
		priceFeed   bool
		lookahead   uint64
	)

	cmd := &cobra.Command{
		Use:   "multi",
		Short: "Upgrade every node of a multi-validator network and verify they agree afterwards",
		RunE: withEnv(func(ctx context.Context, env *Env, cmd *cobra.Command, args []string) error {
			if tag == "" {
				return errors.New("--tag is required")
			}
			if len(nodes) == 0 {
				return errors.New("--nodes is required")
			}

			cluster, err := env.Cluster()
			if err != nil {
				return err
			}
			fwd, err := env.Forwarder()
			if err != nil {
				return err
			}

			ctrls := make([]*sequencer.Controller, 0, len(nodes))
			defer func() {
				for _, ctrl := range ctrls {
					_ = ctrl.Close()
				}
			}()
			upgrading := make([]upgrade.UpgradingNode, 0, len(nodes))
			for _, name := range nodes {
				ctrl, err := sequencer.New(sequencer.Config{
					Name:      name,
					Logger:    logging.Node(env.Log, name),
					Forwarder: fwd,
					Deployer:  cluster,
				})
				if err != nil {
					return err
				}
				ctrls = append(ctrls, ctrl)
				upgrading = append(upgrading, ctrl)
			}

			if deployTag != "" {
				env.Log.Info("==> Deploying network", "tag", deployTag, "nodes", nodes)
				for _, ctrl := range ctrls {
					err := ctrl.Deploy(ctx, sequencer.DeployOptions{
						ImageTag:          deployTag,
						PersistentStorage: true,
						PriceFeed:         priceFeed,
						UpgradeName:       upgradeName,
					})
					if err != nil {
						return err
					}
				}
			}

			var bridge *bridgeCheck
			if cliTag != "" {
				cli, closeCli, err := newCli(ctx, env, fwd, cliTag)
				if err != nil {
					return err
				}
				defer closeCli()
				bridge = &bridgeCheck{cli: cli, nodes: nodes}
				if err := bridge.before(ctx); err != nil {
					return err
				}
			}

			p, err := upgrade.NewMultiNodeProtocol(upgrade.MultiNodeConfig{
				Logger:      env.Log,
				Nodes:       upgrading,
				ImageTag:    tag,
				UpgradeName: upgradeName,
				PriceFeed:   priceFeed,
				Lookahead:   lookahead,
				Verbose:     env.Verbose,
				Out:         cmd.OutOrStdout(),
			})
			if err != nil {
				return err
			}
			res, err := p.Run(ctx)
			if err != nil {
				return err
			}

			if bridge != nil {
				if err := bridge.after(ctx); err != nil {
					return err
				}
			}

			env.Log.Info("==> Network upgraded successfully",
				"activationHeight", res.ActivationHeight,
				"nodes", len(res.Nodes),
				"appVersion", res.Nodes[0].AppVersionAfter)
			return nil
		}),
	}

	cmd.Flags().StringVarP(&tag, "tag", "t", envWithDefault("ASTRIA_SEQUENCER_TAG", ""), "sequencer image tag to upgrade to (env: ASTRIA_SEQUENCER_TAG)")
	cmd.Flags().StringVar(&deployTag, "deploy-tag", envWithDefault("ASTRIA_DEPLOY_TAG", ""), "when set, first deploy every node with this pre-upgrade image tag (env: ASTRIA_DEPLOY_TAG)")
	cmd.Flags().StringVar(&cliTag, "cli-tag", envWithDefault("ASTRIA_CLI_TAG", ""), "when set, check bridge transfers with this astria-cli image tag before and after the upgrade (env: ASTRIA_CLI_TAG)")
	cmd.Flags().StringSliceVar(&nodes, "nodes", []string{"node0", "node1", "node2"}, "names of the nodes to upgrade")
	cmd.Flags().StringVar(&upgradeName, "upgrade-name", envWithDefault("ASTRIA_UPGRADE_NAME", defaultUpgradeName), "name of the upgrade in the chart values (env: ASTRIA_UPGRADE_NAME)")
	cmd.Flags().BoolVar(&priceFeed, "price-feed", true, "enable the price feed on every node")
	cmd.Flags().Uint64Var(&lookahead, "lookahead", 10, "number of blocks past the current height at which the upgrade activates")

	return cmd
}

func newCli(ctx context.Context, env *Env, fwd portforward.Forwarder, tag string) (*astriacli.Cli, func(), error) {
	runner, err := docker.NewRunner(env.Log)
	if err != nil {
		return nil, nil, err
	}
	cli, err := astriacli.New(astriacli.Config{
		Logger:    env.Log,
		Runner:    runner,
		Forwarder: fwd,
		ImageTag:  tag,
	})
	if err != nil {
		_ = runner.Close()
		return nil, nil, err
	}
	if err := runner.Pull(ctx, cli.Image()); err != nil {
		_ = runner.Close()
		return nil, nil, err
	}
	return cli, func() {
		_ = cli.Close()
		_ = runner.Close()
	}, nil
}

// bridgeCheck locks funds into the dev bridge account before and after the upgrade and
// checks every node sees the resulting balance.
type bridgeCheck struct {
	cli   *astriacli.Cli
	nodes []string

	expected uint64
}

func (b *bridgeCheck) before(ctx context.Context) error {
	if err := b.cli.InitBridgeAccount(ctx); err != nil {
		return err
	}
	balance, err := b.cli.Balance(ctx, b.nodes[0], astriacli.DevBridgeAddress)
	if err != nil {
		return fmt.Errorf("failed to get bridge account balance: %w", err)
	}
	b.expected = balance
	return b.lock(ctx)
}

func (b *bridgeCheck) after(ctx context.Context) error {
	return b.lock(ctx)
}

func (b *bridgeCheck) lock(ctx context.Context) error {
	if err := b.cli.BridgeLock(ctx); err != nil {
		return err
	}
	b.expected += astriacli.DevBridgeLockAmount
	for _, node := range b.nodes {
		if err := b.cli.WaitUntilBalance(ctx, node, astriacli.DevBridgeAddress, b.expected, balanceTimeout); err != nil {
			return err
		}
	}
	return nil
}
