package upgradecmd

import (
	"context"
	"errors"
	"path"

	"github.com/astriaorg/astria/system-tests/e2e/internal/kube"
	"github.com/astriaorg/astria/system-tests/e2e/internal/logging"
	"github.com/astriaorg/astria/system-tests/e2e/internal/sequencer"
	"github.com/astriaorg/astria/system-tests/e2e/internal/upgrade"
	"github.com/spf13/cobra"
)

type RunCmd struct{}

func NewRunCmd() *RunCmd {
	return &RunCmd{}
}

func (c *RunCmd) Command() *cobra.Command {
	var (
		tag         string
		rpcURL      string
		node        string
		upgradeName string
		lookahead   uint64
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Upgrade a running single-node network in place and verify the upgrade",
		RunE: withEnv(func(ctx context.Context, env *Env, cmd *cobra.Command, args []string) error {
			if tag == "" {
				return errors.New("--tag is required")
			}
			if rpcURL == "" {
				return errors.New("--sequencer-rpc-url is required")
			}

			cluster, err := env.Cluster()
			if err != nil {
				return err
			}
			fwd, err := env.Forwarder()
			if err != nil {
				return err
			}

			log := logging.Node(env.Log, node)
			ctrl, err := sequencer.New(sequencer.Config{
				Name:      node,
				Logger:    log,
				Forwarder: fwd,
				Deployer:  cluster,
				RPCURL:    rpcURL,
			})
			if err != nil {
				return err
			}
			defer ctrl.Close()

			stager := &kube.ImageStager{
				Log:       log,
				Cluster:   cluster,
				Namespace: ctrl.Namespace(),
				ValuesFiles: []string{
					path.Join(sequencer.DefaultValuesDir, "all.yml"),
					path.Join(sequencer.DefaultValuesDir, "single.yml"),
				},
				UpgradeName: upgradeName,
				Image:       sequencerImageRepo + ":" + tag,
			}

			p, err := upgrade.NewProtocol(upgrade.Config{
				Logger:    log,
				Node:      ctrl,
				Stager:    stager,
				Lookahead: lookahead,
				Verbose:   env.Verbose,
				Out:       cmd.OutOrStdout(),
			})
			if err != nil {
				return err
			}
			res, err := p.Run(ctx)
			if err != nil {
				return err
			}

			log.Info("==> Sequencer upgraded successfully",
				"activationHeight", res.ActivationHeight,
				"appVersionBefore", res.AppVersionBefore,
				"appVersionAfter", res.AppVersionAfter)
			return nil
		}),
	}

	cmd.Flags().StringVarP(&tag, "tag", "t", envWithDefault("ASTRIA_SEQUENCER_TAG", ""), "sequencer image tag to upgrade to (env: ASTRIA_SEQUENCER_TAG)")
	cmd.Flags().StringVarP(&rpcURL, "sequencer-rpc-url", "u", envWithDefault("ASTRIA_SEQUENCER_RPC_URL", ""), "URL of the sequencer's RPC endpoint (env: ASTRIA_SEQUENCER_RPC_URL)")
	cmd.Flags().StringVar(&node, "node", "node0", "name of the node to upgrade")
	cmd.Flags().StringVar(&upgradeName, "upgrade-name", envWithDefault("ASTRIA_UPGRADE_NAME", defaultUpgradeName), "name of the upgrade in the chart values (env: ASTRIA_UPGRADE_NAME)")
	cmd.Flags().Uint64Var(&lookahead, "lookahead", 10, "number of blocks past the current height at which the upgrade activates")

	return cmd
}
