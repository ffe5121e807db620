// Package sequencer manages a single sequencer node in the test cluster: its helm release, the
// port-forwards used to reach it, and the queries the upgrade flow makes against it.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/astriaorg/astria/system-tests/e2e/internal/jsonrpc"
	"github.com/astriaorg/astria/system-tests/e2e/internal/kube"
	"github.com/astriaorg/astria/system-tests/e2e/internal/portforward"
	"github.com/astriaorg/astria/system-tests/e2e/internal/upgradesinfo"
)

type State int

const (
	Disconnected State = iota
	PortForwarding
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case PortForwarding:
		return "port-forwarding"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Controller is not safe for concurrent use.
type Controller struct {
	log       *slog.Logger
	cfg       Config
	namespace string

	state    State
	rpcFwd   portforward.Endpoint
	grpcFwd  portforward.Endpoint
	rpc      *jsonrpc.Client
	upgrades *upgradesinfo.Client

	heightBeforeRestart *uint64
}

func New(cfg Config) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Controller{
		log:       cfg.Logger.With("node", cfg.Name),
		cfg:       cfg,
		namespace: Namespace(cfg.Name),
	}, nil
}

func (c *Controller) Name() string {
	return c.cfg.Name
}

func (c *Controller) Namespace() string {
	return c.namespace
}

func (c *Controller) State() State {
	return c.state
}

// Close tears down port-forwarding and leaves the controller disconnected.
func (c *Controller) Close() error {
	c.disconnect()
	return nil
}

func (c *Controller) connect(ctx context.Context) error {
	if c.state == Connected {
		if !c.forwardExited() {
			return nil
		}
		c.log.Warn("--> Port-forwarding exited, reconnecting")
		c.disconnect()
	}

	c.state = PortForwarding

	rpcURL := c.cfg.RPCURL
	if rpcURL == "" {
		ep, err := c.cfg.Forwarder.Forward(ctx, c.forwardSpec(RPCPodPort))
		if err != nil {
			c.disconnect()
			return fmt.Errorf("failed to forward rpc port: %w", err)
		}
		c.rpcFwd = ep
		rpcURL = "http://" + ep.Addr()
	}

	ep, err := c.cfg.Forwarder.Forward(ctx, c.forwardSpec(GRPCPodPort))
	if err != nil {
		c.disconnect()
		return fmt.Errorf("failed to forward grpc port: %w", err)
	}
	c.grpcFwd = ep

	upgrades, err := upgradesinfo.Dial(ep.Addr())
	if err != nil {
		c.disconnect()
		return err
	}
	c.upgrades = upgrades
	c.rpc = jsonrpc.New(rpcURL, jsonrpc.WithLogger(c.log))
	c.state = Connected

	c.log.Debug("--> Connected", "rpc", rpcURL, "grpc", ep.Addr())
	return nil
}

func (c *Controller) disconnect() {
	if c.upgrades != nil {
		if err := c.upgrades.Close(); err != nil {
			c.log.Debug("--> Failed to close grpc connection", "error", err)
		}
		c.upgrades = nil
	}
	for _, ep := range []portforward.Endpoint{c.rpcFwd, c.grpcFwd} {
		if ep == nil {
			continue
		}
		if err := ep.Close(); err != nil {
			c.log.Warn("--> Failed to stop port-forwarding", "error", err)
		}
	}
	c.rpcFwd, c.grpcFwd, c.rpc = nil, nil, nil
	c.state = Disconnected
}

func (c *Controller) forwardExited() bool {
	return (c.rpcFwd != nil && c.rpcFwd.Exited()) || (c.grpcFwd != nil && c.grpcFwd.Exited())
}

func (c *Controller) forwardSpec(port int) portforward.Spec {
	return portforward.Spec{Namespace: c.namespace, Target: "pod/" + kube.SequencerPod, RemotePort: port}
}

// withRPC runs fn against a connected JSON-RPC client. A transport failure drops the
// forwarding so that the next call re-establishes it.
func (c *Controller) withRPC(ctx context.Context, fn func(*jsonrpc.Client) error) error {
	if err := c.connect(ctx); err != nil {
		return err
	}
	err := fn(c.rpc)
	if errors.Is(err, jsonrpc.ErrTransport) {
		c.log.Debug("--> RPC transport failure, dropping port-forwarding", "error", err)
		c.disconnect()
	}
	return err
}

func (c *Controller) withUpgrades(ctx context.Context, fn func(*upgradesinfo.Client) error) error {
	if err := c.connect(ctx); err != nil {
		return err
	}
	err := fn(c.upgrades)
	if errors.Is(err, upgradesinfo.ErrTransport) {
		c.log.Debug("--> gRPC transport failure, dropping port-forwarding", "error", err)
		c.disconnect()
	}
	return err
}
