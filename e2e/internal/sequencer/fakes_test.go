package sequencer_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/astriaorg/astria/system-tests/e2e/internal/kube"
	"github.com/astriaorg/astria/system-tests/e2e/internal/portforward"
	"github.com/astriaorg/astria/system-tests/e2e/internal/sequencer"
	"github.com/astriaorg/astria/system-tests/e2e/internal/upgradesinfo"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
)

// fakeNode serves the JSON-RPC and gRPC endpoints of a sequencer node. Each abci_info call
// advances the height by step.
type fakeNode struct {
	mu sync.Mutex

	moniker    string
	height     uint64
	step       uint64
	appVersion uint64
	genesisApp uint64
	info       upgradesinfo.Info

	rpcAddr  string
	grpcAddr string
}

func newFakeNode(t *testing.T, moniker string) *fakeNode {
	t.Helper()

	n := &fakeNode{moniker: moniker, height: 100, appVersion: 1, genesisApp: 1}

	rpc := httptest.NewServer(http.HandlerFunc(n.serveRPC))
	t.Cleanup(rpc.Close)
	n.rpcAddr = rpc.Listener.Addr().String()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := grpc.NewServer(grpc.UnknownServiceHandler(upgradesinfo.Handler(func() (*upgradesinfo.Info, error) {
		n.mu.Lock()
		defer n.mu.Unlock()
		info := n.info
		return &info, nil
	})))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	n.grpcAddr = lis.Addr().String()

	return n
}

func (n *fakeNode) set(f func(n *fakeNode)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	f(n)
}

func (n *fakeNode) serveRPC(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Method string            `json:"method"`
		Params map[string]string `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	var result string
	switch req.Method {
	case "abci_info":
		n.height += n.step
		result = fmt.Sprintf(`{"response":{"last_block_height":"%d","app_version":"%d"}}`, n.height, n.appVersion)
	case "genesis":
		result = fmt.Sprintf(`{"genesis":{"consensus_params":{"version":{"app":"%d"}}}}`, n.genesisApp)
	case "block":
		result = fmt.Sprintf(`{"block":{"header":{"height":"%s"}}}`, req.Params["height"])
	case "consensus_params":
		result = `{"consensus_params":{"abci":{"vote_extensions_enable_height":"1"}}}`
	case "status":
		result = fmt.Sprintf(`{"node_info":{"moniker":%q,"network":"sequencer-test-chain-0"}}`, n.moniker)
	default:
		_, _ = fmt.Fprintf(w, `{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"Method not found"}}`)
		return
	}
	_, _ = fmt.Fprintf(w, `{"jsonrpc":"2.0","id":1,"result":%s}`, result)
}

type fakeEndpoint struct {
	addr   string
	mu     sync.Mutex
	exited bool
	closed bool
}

func (e *fakeEndpoint) Addr() string { return e.addr }

func (e *fakeEndpoint) LocalPort() int {
	_, port, _ := net.SplitHostPort(e.addr)
	var p int
	_, _ = fmt.Sscanf(port, "%d", &p)
	return p
}

func (e *fakeEndpoint) Exited() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exited
}

func (e *fakeEndpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// fakeForwarder maps remote ports to the fake node's listeners. Addresses queued in
// overrides are handed out first, letting tests inject dead endpoints.
type fakeForwarder struct {
	node      *fakeNode
	mu        sync.Mutex
	specs     []portforward.Spec
	endpoints []*fakeEndpoint
	overrides []string
	fail      error
}

func (f *fakeForwarder) Forward(_ context.Context, spec portforward.Spec) (portforward.Endpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs = append(f.specs, spec)
	if f.fail != nil {
		return nil, f.fail
	}
	addr := f.node.rpcAddr
	if spec.RemotePort == sequencer.GRPCPodPort {
		addr = f.node.grpcAddr
	}
	if len(f.overrides) > 0 {
		addr, f.overrides = f.overrides[0], f.overrides[1:]
	}
	ep := &fakeEndpoint{addr: addr}
	f.endpoints = append(f.endpoints, ep)
	return ep, nil
}

func (f *fakeForwarder) last() *fakeEndpoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.endpoints[len(f.endpoints)-1]
}

type deployCall struct {
	op      string
	release kube.Release
	values  kube.Values
	timeout time.Duration
	pod     string
}

type fakeDeployer struct {
	calls      []deployCall
	onUpgrade  func()
	rolloutErr error
}

func (d *fakeDeployer) Install(_ context.Context, rel kube.Release, values kube.Values) error {
	d.calls = append(d.calls, deployCall{op: "install", release: rel, values: values})
	return nil
}

func (d *fakeDeployer) Upgrade(_ context.Context, rel kube.Release, values kube.Values) error {
	d.calls = append(d.calls, deployCall{op: "upgrade", release: rel, values: values})
	if d.onUpgrade != nil {
		d.onUpgrade()
	}
	return nil
}

func (d *fakeDeployer) WaitForRollout(_ context.Context, namespace, statefulSet, pod string, timeout time.Duration) error {
	d.calls = append(d.calls, deployCall{op: "rollout", timeout: timeout, pod: pod})
	return d.rolloutErr
}

func (d *fakeDeployer) DeletePod(_ context.Context, namespace, pod string) error {
	d.calls = append(d.calls, deployCall{op: "delete", pod: pod})
	return nil
}

func (d *fakeDeployer) ops() []string {
	ops := make([]string, 0, len(d.calls))
	for _, c := range d.calls {
		ops = append(ops, c.op)
	}
	return ops
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newController(t *testing.T, name string, node *fakeNode, fwd *fakeForwarder, dep sequencer.Deployer) *sequencer.Controller {
	t.Helper()
	c, err := sequencer.New(sequencer.Config{
		Name:                 name,
		Logger:               newLogger(),
		Forwarder:            fwd,
		Deployer:             dep,
		PollInterval:         5 * time.Millisecond,
		RestartBlocksTimeout: 2 * time.Second,
		PerBlockTimeout:      500 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

var errForward = errors.New("unable to forward port")

func (e *fakeEndpoint) set(exited bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.exited = exited
}

func deployOptions(tag string) sequencer.DeployOptions {
	return sequencer.DeployOptions{ImageTag: tag, UpgradeName: "upgrade1"}
}

func stageOptions(height uint64) sequencer.StageOptions {
	return sequencer.StageOptions{ImageTag: "pr-1234", PriceFeed: true, UpgradeName: "upgrade1", ActivationHeight: height}
}
