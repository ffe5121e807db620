package upgradecmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/astriaorg/astria/system-tests/e2e/internal/activation"
	"github.com/astriaorg/astria/system-tests/e2e/internal/jsonrpc"
	"github.com/spf13/cobra"
)

type ActivationPointCmd struct{}

func NewActivationPointCmd() *ActivationPointCmd {
	return &ActivationPointCmd{}
}

func (c *ActivationPointCmd) Command() *cobra.Command {
	var (
		duration string
		rpcURL   string
	)

	cmd := &cobra.Command{
		Use:   "activation-point",
		Short: "Estimate the block height a network reaches after a given duration",
		RunE: withEnv(func(ctx context.Context, env *Env, cmd *cobra.Command, args []string) error {
			if rpcURL == "" {
				return errors.New("--sequencer-url is required")
			}
			d, err := activation.ParseDuration(duration)
			if err != nil {
				return err
			}

			client := jsonrpc.New(strings.TrimRight(rpcURL, "/"), jsonrpc.WithLogger(env.Log))
			p, err := activation.Calculate(ctx, client, d)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !env.Verbose {
				fmt.Fprint(out, p.Height)
				return nil
			}
			fmt.Fprintf(out, "current height on `%s`: %d\n", p.Network, p.CurrentHeight)
			fmt.Fprintf(out, "calculated height difference: %d\n", p.HeightDiff)
			fmt.Fprintf(out, "calculated activation height on `%s`: %d\n", p.Network, p.Height)
			fmt.Fprintf(out, "calculated activation instant on `%s`: %s\n", p.Network, p.Instant.Format(time.RFC3339))
			return nil
		}),
	}

	cmd.Flags().StringVarP(&duration, "duration", "d", "", "duration until the activation point, e.g. 90m or 2d12h")
	_ = cmd.MarkFlagRequired("duration")
	cmd.Flags().StringVarP(&rpcURL, "sequencer-url", "u", envWithDefault("ASTRIA_SEQUENCER_RPC_URL", ""), "URL of the sequencer node (env: ASTRIA_SEQUENCER_RPC_URL)")

	return cmd
}
