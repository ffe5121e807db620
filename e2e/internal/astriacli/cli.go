// Package astriacli runs astria-cli sequencer subcommands in a container against a
// port-forwarded node.
package astriacli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/astriaorg/astria/system-tests/e2e/internal/docker"
	"github.com/astriaorg/astria/system-tests/e2e/internal/fatal"
	"github.com/astriaorg/astria/system-tests/e2e/internal/kube"
	"github.com/astriaorg/astria/system-tests/e2e/internal/poll"
	"github.com/astriaorg/astria/system-tests/e2e/internal/portforward"
	"github.com/astriaorg/astria/system-tests/e2e/internal/retry"
	"github.com/astriaorg/astria/system-tests/e2e/internal/sequencer"
	"github.com/jonboulle/clockwork"
)

const (
	imageRepo = "ghcr.io/astriaorg/astria-cli"

	// Asset is the denomination balances are reported in.
	Asset = "nria"
)

// Well-known dev network accounts used by the bridge flow.
const (
	DevChainID            = "sequencer-test-chain-0"
	DevRollupName         = "astria"
	DevBridgePrivateKey   = "dfa7108e38ab71f89f356c72afc38600d5758f11a8c337164713e4471411d2e0"
	DevBridgeAddress      = "astria13ahqz4pjqfmynk9ylrqv4fwe4957x2p0h5782u"
	DevFunderPrivateKey   = "934ab488f9e1900f6a08f50605ce1409ca9d95ebdc400dafc2e8a4306419fd52"
	DevDestinationAddress = "0xaC21B97d35Bf75A7dAb16f35b111a50e78A72F30"
	DevBridgeLockAmount   = 10_000_000_000
)

const (
	defaultPollInterval      = time.Second
	defaultRetries      uint = 9
)

var ErrUnexpectedOutput = errors.New("unexpected astria-cli output")

// ContainerRunner runs a one-shot container. *docker.Runner satisfies it.
type ContainerRunner interface {
	Run(ctx context.Context, spec docker.RunSpec) (*docker.RunResult, error)
}

type Config struct {
	Logger    *slog.Logger
	Runner    ContainerRunner
	Forwarder portforward.Forwarder
	Clock     clockwork.Clock

	// ImageTag selects the astria-cli image. Defaults to "latest".
	ImageTag string

	// Retries is the number of additional attempts per command. Every retry restarts the
	// port-forward.
	Retries *uint

	PollInterval time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Runner == nil {
		return errors.New("container runner is required")
	}
	if c.Forwarder == nil {
		return errors.New("forwarder is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.ImageTag == "" {
		c.ImageTag = "latest"
	}
	if c.Retries == nil {
		r := defaultRetries
		c.Retries = &r
	}
	if c.PollInterval == 0 {
		c.PollInterval = defaultPollInterval
	}
	return nil
}

// Cli drives astria-cli against one node at a time. Switching nodes restarts the forward.
type Cli struct {
	log *slog.Logger
	cfg Config

	mu   sync.Mutex
	node string
	fwd  portforward.Endpoint
}

func New(cfg Config) (*Cli, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Cli{log: cfg.Logger.With("component", "astria-cli"), cfg: cfg, node: "node0"}, nil
}

func (c *Cli) Image() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.imageLocked()
}

func (c *Cli) imageLocked() string {
	return imageRepo + ":" + c.cfg.ImageTag
}

func (c *Cli) SetImageTag(tag string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.ImageTag = tag
}

func (c *Cli) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopForwardLocked()
}

// Balance returns account's balance in nria as reported by node.
func (c *Cli) Balance(ctx context.Context, node, account string) (uint64, error) {
	out, err := c.exec(ctx, node, "account", "balance", account)
	if err != nil {
		return 0, err
	}
	return ParseBalance(out)
}

// WaitUntilBalance polls account's balance on node until it equals expected. Failures to read
// the balance are logged and retried until timeout.
func (c *Cli) WaitUntilBalance(ctx context.Context, node, account string, expected uint64, timeout time.Duration) error {
	current := "unknown"
	err := poll.UntilWithClock(ctx, c.cfg.Clock, func() (bool, error) {
		balance, err := c.Balance(ctx, node, account)
		if err != nil {
			if fatal.Is(err) {
				return false, err
			}
			c.log.Warn("--> Failed to get balance", "node", node, "error", err)
			return false, nil
		}
		current = strconv.FormatUint(balance, 10)
		if balance == expected {
			return true, nil
		}
		c.log.Info("--> Awaiting balance", "node", node, "account", account, "balance", balance, "expected", expected)
		return false, nil
	}, timeout, c.cfg.PollInterval)
	if errors.Is(err, poll.ErrTimeout) {
		return fatal.Errorf("failed to get balance %d within %s; current balance: %s", expected, timeout, current)
	}
	if err != nil {
		return err
	}
	c.log.Info("--> Balance reached", "node", node, "account", account, "balance", expected)
	return nil
}

// InitBridgeAccount registers the dev bridge account on node0.
func (c *Cli) InitBridgeAccount(ctx context.Context) error {
	_, err := c.exec(ctx, "node0", "init-bridge-account",
		"--rollup-name="+DevRollupName,
		"--private-key="+DevBridgePrivateKey,
		"--sequencer.chain-id="+DevChainID,
		"--fee-asset="+Asset,
		"--asset="+Asset,
	)
	return fatal.Wrap(err)
}

// BridgeLock transfers DevBridgeLockAmount from the dev funder to the dev bridge account on
// node0.
func (c *Cli) BridgeLock(ctx context.Context) error {
	_, err := c.exec(ctx, "node0", "bridge-lock", DevBridgeAddress,
		"--amount="+strconv.FormatUint(DevBridgeLockAmount, 10),
		"--destination-chain-address="+DevDestinationAddress,
		"--private-key="+DevFunderPrivateKey,
		"--sequencer.chain-id="+DevChainID,
		"--fee-asset="+Asset,
		"--asset="+Asset,
	)
	return fatal.Wrap(err)
}

// ParseBalance extracts the balance from `sequencer account balance` output, whose last line
// is of the form "<n>nria".
func ParseBalance(stdout string) (uint64, error) {
	lines := strings.Split(strings.TrimRight(stdout, "\r\n"), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	amount, ok := strings.CutSuffix(last, Asset)
	if !ok {
		return 0, fmt.Errorf("%w: expected last line of `sequencer account balance` output to end with `%s`: stdout: `%s`",
			ErrUnexpectedOutput, Asset, stdout)
	}
	n, err := strconv.ParseUint(amount, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid balance %q: %v", ErrUnexpectedOutput, amount, err)
	}
	return n, nil
}

// exec runs `sequencer <args> --sequencer-url=...` against node, retrying with a fresh
// port-forward after each failure.
func (c *Cli) exec(ctx context.Context, node string, args ...string) (string, error) {
	return retry.Do(ctx, retry.Options{
		Name:    "astria-cli " + args[0],
		Retries: *c.cfg.Retries,
		Log:     c.log,
		Reconnect: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			_ = c.stopForwardLocked()
		},
	}, func(ctx context.Context) (string, error) {
		return c.execOnce(ctx, node, args)
	})
}

func (c *Cli) execOnce(ctx context.Context, node string, args []string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.fwd == nil || c.node != node || c.fwd.Exited() {
		_ = c.stopForwardLocked()
		c.node = node
		c.log.Info("--> Starting port-forwarding", "node", node)
		fwd, err := c.cfg.Forwarder.Forward(ctx, portforward.Spec{
			Namespace:  sequencer.Namespace(node),
			Target:     "pod/" + kube.SequencerPod,
			RemotePort: sequencer.RPCPodPort,
		})
		if err != nil {
			return "", fmt.Errorf("failed to forward to %s: %w", node, err)
		}
		c.fwd = fwd
	}

	cmd := append([]string{"sequencer"}, args...)
	cmd = append(cmd, fmt.Sprintf("--sequencer-url=http://localhost:%d", c.fwd.LocalPort()))
	image := c.imageLocked()
	c.log.Debug("--> Running astria-cli", "image", image, "cmd", strings.Join(cmd, " "))

	res, err := c.cfg.Runner.Run(ctx, docker.RunSpec{Image: image, Cmd: cmd, HostNetwork: true})
	if err != nil {
		_ = c.stopForwardLocked()
		return "", fmt.Errorf("failed to run %s: %w", image, err)
	}
	if res.ExitCode != 0 {
		_ = c.stopForwardLocked()
		return "", fmt.Errorf("astria-cli %s exited with code %d: %s", args[0], res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return res.Stdout, nil
}

func (c *Cli) stopForwardLocked() error {
	if c.fwd == nil {
		return nil
	}
	fwd := c.fwd
	c.fwd = nil
	return fwd.Close()
}
