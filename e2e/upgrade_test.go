//go:build e2e

package e2e_test

import (
	"path"
	"path/filepath"
	"testing"
	"time"

	"github.com/astriaorg/astria/system-tests/e2e/internal/activation"
	"github.com/astriaorg/astria/system-tests/e2e/internal/jsonrpc"
	"github.com/astriaorg/astria/system-tests/e2e/internal/kube"
	"github.com/astriaorg/astria/system-tests/e2e/internal/portforward"
	"github.com/astriaorg/astria/system-tests/e2e/internal/sequencer"
	"github.com/astriaorg/astria/system-tests/e2e/internal/upgrade"
	"github.com/stretchr/testify/require"
)

// TestE2E_SingleNodeUpgrade upgrades the dev cluster's node0 in place. It expects a cluster
// deployed with `just deploy cluster && just deploy upgrade-test` and the upgraded image loaded.
func TestE2E_SingleNodeUpgrade(t *testing.T) {
	tag := envOrSkip(t, "ASTRIA_E2E_SEQUENCER_TAG")
	rpcURL := envWithDefault("ASTRIA_E2E_RPC_URL", defaultRPCURL)
	log := newTestLoggerForTest(t)

	fwd, err := portforward.New(portforward.Config{Logger: log})
	require.NoError(t, err)

	cluster := kube.NewCluster(log, &kube.ExecRunner{Log: log, Dir: workspace}, filepath.Join(workspace, "charts", "sequencer"))
	ctrl, err := sequencer.New(sequencer.Config{
		Name:      "node0",
		Logger:    log,
		Forwarder: fwd,
		Deployer:  cluster,
		RPCURL:    rpcURL,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctrl.Close() })

	p, err := upgrade.NewProtocol(upgrade.Config{
		Logger: log,
		Node:   ctrl,
		Stager: &kube.ImageStager{
			Log:       log,
			Cluster:   cluster,
			Namespace: ctrl.Namespace(),
			ValuesFiles: []string{
				path.Join(sequencer.DefaultValuesDir, "all.yml"),
				path.Join(sequencer.DefaultValuesDir, "single.yml"),
			},
			UpgradeName: envWithDefault("ASTRIA_E2E_UPGRADE_NAME", "upgrade1"),
			Image:       "ghcr.io/astriaorg/sequencer:" + tag,
		},
		Verbose: verbose,
	})
	require.NoError(t, err)

	res, err := p.Run(t.Context())
	require.NoError(t, err)
	require.Greater(t, res.AppVersionAfter, res.AppVersionBefore)
	require.NotEmpty(t, res.Applied)
	for _, c := range res.Applied {
		require.Equal(t, res.ActivationHeight, c.ActivationHeight)
	}
}

func TestE2E_ActivationPoint(t *testing.T) {
	rpcURL := envOrSkip(t, "ASTRIA_E2E_RPC_URL")
	client := jsonrpc.New(rpcURL, jsonrpc.WithLogger(newTestLoggerForTest(t)))

	p, err := activation.Calculate(t.Context(), client, time.Hour)
	require.NoError(t, err)
	require.Greater(t, p.Height, p.CurrentHeight)
	require.NotEmpty(t, p.Network)
}
