package sequencer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/astriaorg/astria/system-tests/e2e/internal/kube"
	"github.com/astriaorg/astria/system-tests/e2e/internal/portforward"
	"github.com/jonboulle/clockwork"
)

const (
	RPCPodPort  = 26657
	GRPCPodPort = 8080

	DevClusterNamespace = "astria-dev-cluster"
	DefaultValuesDir    = "dev/values/validators"
)

// Namespace returns the cluster namespace a node is deployed to.
func Namespace(name string) string {
	if name == "node0" {
		return DevClusterNamespace
	}
	return "astria-validator-" + name
}

// Deployer manages the node's helm release and pod. *kube.Cluster satisfies it.
type Deployer interface {
	Install(ctx context.Context, rel kube.Release, values kube.Values) error
	Upgrade(ctx context.Context, rel kube.Release, values kube.Values) error
	WaitForRollout(ctx context.Context, namespace, statefulSet, pod string, timeout time.Duration) error
	DeletePod(ctx context.Context, namespace, pod string) error
}

type Config struct {
	Name      string
	Logger    *slog.Logger
	Forwarder portforward.Forwarder

	// Deployer is only needed for Deploy, StageUpgrade and WaitForUpgrade.
	Deployer Deployer

	Clock clockwork.Clock

	// RPCURL, when set, is used for JSON-RPC instead of forwarding the pod's RPC port.
	RPCURL string

	ValuesDir string

	PollInterval     time.Duration
	RPCRetries       uint
	NameCheckRetries uint

	// SafetyMargin is how many blocks below the activation height the scheduled-changes
	// invariant is still checked.
	SafetyMargin uint64

	DeployTimeout        time.Duration
	RestartTimeout       time.Duration
	RestartBlocksTimeout time.Duration
	PerBlockTimeout      time.Duration
}

func (c *Config) Validate() error {
	if c.Name == "" {
		return errors.New("name is required")
	}
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Forwarder == nil {
		return errors.New("forwarder is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.ValuesDir == "" {
		c.ValuesDir = DefaultValuesDir
	}
	if c.PollInterval == 0 {
		c.PollInterval = time.Second
	}
	if c.RPCRetries == 0 {
		c.RPCRetries = 1
	}
	if c.NameCheckRetries == 0 {
		c.NameCheckRetries = 5
	}
	if c.SafetyMargin == 0 {
		c.SafetyMargin = 2
	}
	if c.DeployTimeout == 0 {
		c.DeployTimeout = 600 * time.Second
	}
	// Termination takes up to 30s, plus 10s for the new pod to come up.
	if c.RestartTimeout == 0 {
		c.RestartTimeout = 40 * time.Second
	}
	if c.RestartBlocksTimeout == 0 {
		c.RestartBlocksTimeout = 30 * time.Second
	}
	if c.PerBlockTimeout == 0 {
		c.PerBlockTimeout = 10 * time.Second
	}
	return nil
}
