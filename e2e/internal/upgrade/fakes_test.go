package upgrade_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/astriaorg/astria/system-tests/e2e/internal/sequencer"
	"github.com/astriaorg/astria/system-tests/e2e/internal/upgradesinfo"
)

var errTransport = errors.New("connection refused")

// fakeNode is an in-memory sequencer. Once staged, every TryLastBlockHeight commits a block.
// Changes move from scheduled to applied at appliedAt, which defaults to the activation height.
type fakeNode struct {
	mu sync.Mutex

	name       string
	height     uint64
	genesisApp uint64
	appBefore  uint64
	appAfter   uint64

	block1Before []byte
	block1After  []byte

	hashB []byte

	staged     bool
	stuck      bool
	activation uint64
	appliedAt  uint64
	failReads  int

	checkedHeights []uint64
	stageOpts      []sequencer.StageOptions
}

func newFakeNode(name string) *fakeNode {
	return &fakeNode{
		name:         name,
		height:       100,
		genesisApp:   1,
		appBefore:    1,
		appAfter:     2,
		block1Before: []byte(`{"block":{"header":{"height":"1","app_hash":"AAAA"}}}`),
		hashB:        []byte("hash-b"),
	}
}

func (n *fakeNode) Name() string { return n.name }

func (n *fakeNode) LastBlockHeight(context.Context) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.height, nil
}

func (n *fakeNode) TryLastBlockHeight(context.Context) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failReads > 0 {
		n.failReads--
		return 0, errTransport
	}
	if n.staged && !n.stuck {
		n.height++
	}
	return n.height, nil
}

func (n *fakeNode) upgraded() bool {
	return n.staged && n.height >= n.activation
}

func (n *fakeNode) CurrentAppVersion(context.Context) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.upgraded() {
		return n.appAfter, nil
	}
	return n.appBefore, nil
}

func (n *fakeNode) GenesisAppVersion(context.Context) (uint64, error) {
	return n.genesisApp, nil
}

func (n *fakeNode) Block(context.Context, uint64) ([]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.upgraded() && n.block1After != nil {
		return n.block1After, nil
	}
	return n.block1Before, nil
}

func (n *fakeNode) UpgradesInfo(context.Context) (*upgradesinfo.Info, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.checkedHeights = append(n.checkedHeights, n.height)

	changes := []upgradesinfo.ChangeInfo{
		{ActivationHeight: n.activation, ChangeName: "price_feed", AppVersion: n.appAfter, ChangeHash: []byte("hash-a")},
		{ActivationHeight: n.activation, ChangeName: "validator_update_action", AppVersion: n.appAfter, ChangeHash: n.hashB},
	}
	appliedAt := n.appliedAt
	if appliedAt == 0 {
		appliedAt = n.activation
	}
	if n.staged && n.height >= appliedAt {
		return &upgradesinfo.Info{Applied: changes}, nil
	}
	return &upgradesinfo.Info{Scheduled: changes}, nil
}

func (n *fakeNode) stage(height uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.staged = true
	n.activation = height
}

func (n *fakeNode) StageUpgrade(_ context.Context, opts sequencer.StageOptions) error {
	n.stage(opts.ActivationHeight)
	n.stageOpts = append(n.stageOpts, opts)
	return nil
}

func (n *fakeNode) WaitForUpgrade(_ context.Context, activationHeight uint64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.height = activationHeight
	return nil
}

type fakeStager struct {
	node       *fakeNode
	staged     []uint64
	timeouts   []time.Duration
	rolloutErr error
}

func (s *fakeStager) StageUpgrade(_ context.Context, activationHeight uint64) error {
	s.staged = append(s.staged, activationHeight)
	s.node.stage(activationHeight)
	return nil
}

func (s *fakeStager) WaitForRollout(_ context.Context, timeout time.Duration) error {
	s.timeouts = append(s.timeouts, timeout)
	return s.rolloutErr
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}
