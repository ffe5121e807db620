package kube_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/astriaorg/astria/system-tests/e2e/internal/kube"
	"github.com/stretchr/testify/require"
)

type call struct {
	name   string
	args   []string
	stdin  string
	values string
}

// fakeRunner records invocations and captures the contents of any rendered values file
// while it still exists.
type fakeRunner struct {
	mu     sync.Mutex
	calls  []call
	output map[string][]byte
	fail   map[string]error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{output: map[string][]byte{}, fail: map[string]error{}}
}

func (f *fakeRunner) Run(_ context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c := call{name: name, args: args, stdin: string(stdin)}
	for _, a := range args {
		if path, ok := strings.CutPrefix(a, "--values="); ok && strings.Contains(path, "sequencer-values-") {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, err
			}
			c.values = string(data)
		}
	}
	f.calls = append(f.calls, c)

	key := name + " " + args[0]
	if err := f.fail[key]; err != nil {
		return []byte("boom"), err
	}
	return f.output[key], nil
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestKube_Values_Render(t *testing.T) {
	t.Parallel()

	enabled := true
	out, err := kube.Values{
		ImageTag:          "pr-1234",
		RPCPort:           26657,
		GRPCPort:          8080,
		PriceFeed:         &enabled,
		PersistentStorage: true,
		UpgradeName:       "upgrade1",
		ActivationHeight:  110,
	}.Render()
	require.NoError(t, err)
	require.YAMLEq(t, `
genesis:
  postLatestUpgrade: false
images:
  sequencer:
    devTag: pr-1234
ports:
  cometbftRpc: 26657
  sequencerGrpc: 8080
sequencer:
  priceFeed:
    enabled: true
  upgrades:
    upgrade1:
      activationHeight: 110
sequencer-relayer:
  images:
    sequencerRelayer:
      devTag: pr-1234
  storage:
    enabled: true
storage:
  enabled: true
`, string(out))
}

func TestKube_Values_UpgradeWithoutHeightIsExcluded(t *testing.T) {
	t.Parallel()

	out, err := kube.Values{UpgradeName: "upgrade1"}.Render()
	require.NoError(t, err)
	require.YAMLEq(t, `
genesis:
  postLatestUpgrade: false
sequencer:
  upgrades:
    upgrade1:
      included: false
`, string(out))

	out, err = kube.Values{}.Render()
	require.NoError(t, err)
	require.YAMLEq(t, `{}`, string(out))
}

func TestKube_Helm_Install(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	h := kube.NewHelm(runner, "charts/sequencer")

	err := h.Install(context.Background(), kube.Release{
		Name:        "node1-sequencer-chart",
		Namespace:   "astria-validator-node1",
		ValuesFiles: []string{"dev/values/validators/all.yml", "dev/values/validators/node1.yml"},
	}, kube.Values{ImageTag: "latest"})
	require.NoError(t, err)

	require.Len(t, runner.calls, 1)
	c := runner.calls[0]
	require.Equal(t, "helm", c.name)
	require.Equal(t, []string{"install", "--namespace=astria-validator-node1", "node1-sequencer-chart", "charts/sequencer",
		"--values=dev/values/validators/all.yml", "--values=dev/values/validators/node1.yml"}, c.args[:6])
	require.Equal(t, "--create-namespace", c.args[len(c.args)-1])
	require.Contains(t, c.values, "devTag: latest")
}

func TestKube_Helm_TemplateEmptyIsError(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	h := kube.NewHelm(runner, "charts/sequencer")
	_, err := h.Template(context.Background(), kube.UpgradeConfigMapTemplate, nil, kube.Values{})
	require.ErrorContains(t, err, "empty manifest")
}

func TestKube_ImageStager(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	runner.output["helm template"] = []byte("kind: ConfigMap\n")
	cluster := kube.NewCluster(newLogger(), runner, "charts/sequencer")
	stager := &kube.ImageStager{
		Log:         newLogger(),
		Cluster:     cluster,
		Namespace:   "astria-dev-cluster",
		ValuesFiles: []string{"dev/values/validators/all.yml", "dev/values/validators/single.yml"},
		UpgradeName: "upgrade1",
		Image:       "ghcr.io/astriaorg/sequencer:pr-1234",
	}

	require.NoError(t, stager.StageUpgrade(context.Background(), 110))
	require.Len(t, runner.calls, 3)

	tmpl := runner.calls[0]
	require.Equal(t, []string{"template", "charts/sequencer", "--dry-run", "--show-only=templates/upgrade_configmap.yaml"}, tmpl.args[:4])
	require.Contains(t, tmpl.values, "activationHeight: 110")
	require.Contains(t, tmpl.values, "postLatestUpgrade: false")

	apply := runner.calls[1]
	require.Equal(t, "kubectl", apply.name)
	require.Equal(t, []string{"apply", "--namespace=astria-dev-cluster", "--filename=-"}, apply.args)
	require.Equal(t, "kind: ConfigMap\n", apply.stdin)

	setImage := runner.calls[2]
	require.Equal(t, []string{"set", "image", "--namespace=astria-dev-cluster", "statefulset", "sequencer", "sequencer=ghcr.io/astriaorg/sequencer:pr-1234"}, setImage.args)

	require.NoError(t, stager.WaitForRollout(context.Background(), 40*time.Second))
	require.Equal(t, []string{"rollout", "status", "statefulset/sequencer", "--namespace=astria-dev-cluster", "--timeout=40s"}, runner.calls[3].args)
}

func TestKube_WaitForRollout_FailureCollectsDiagnostics(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	runner.fail["kubectl rollout"] = errors.New("exit status 1")
	runner.output["kubectl get"] = []byte("sequencer-0   0/1   CrashLoopBackOff\n")
	k := kube.NewKubectl(newLogger(), runner)

	err := k.WaitForRollout(context.Background(), "astria-dev-cluster", "sequencer", "sequencer-0", 40*time.Second)
	require.ErrorContains(t, err, "did not roll out within 40s")

	require.Len(t, runner.calls, 3)
	require.Equal(t, []string{"get", "pods", "--namespace=astria-dev-cluster"}, runner.calls[1].args)
	require.Equal(t, []string{"events", "--namespace=astria-dev-cluster", "--for=Pod/sequencer-0", "--types=Warning"}, runner.calls[2].args)
}
