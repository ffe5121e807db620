// Package upgrade verifies that a live sequencer network performs a coordinated binary upgrade
// at a predetermined block height without losing data.
package upgrade

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"

	"github.com/astriaorg/astria/system-tests/e2e/internal/diff"
	"github.com/astriaorg/astria/system-tests/e2e/internal/fatal"
	"github.com/astriaorg/astria/system-tests/e2e/internal/upgradesinfo"
	"github.com/olekukonko/tablewriter"
)

var ErrAlreadyUpgraded = errors.New("node is not running its genesis app version")

// Node is the read side of a sequencer node. *sequencer.Controller satisfies it.
type Node interface {
	Name() string
	LastBlockHeight(ctx context.Context) (uint64, error)
	TryLastBlockHeight(ctx context.Context) (uint64, error)
	CurrentAppVersion(ctx context.Context) (uint64, error)
	GenesisAppVersion(ctx context.Context) (uint64, error)
	Block(ctx context.Context, height uint64) ([]byte, error)
	UpgradesInfo(ctx context.Context) (*upgradesinfo.Info, error)
}

// Baseline is what a node looked like before the upgrade was staged.
type Baseline struct {
	Block1            []byte
	AppVersion        uint64
	GenesisAppVersion uint64
}

// NodeResult is what a node looked like once it passed the activation height.
type NodeResult struct {
	Node             string
	AppVersionBefore uint64
	AppVersionAfter  uint64
	Applied          []upgradesinfo.ChangeInfo
}

// CaptureBaseline records block 1 and the app versions, and fails if the node has already
// moved past its genesis app version.
func CaptureBaseline(ctx context.Context, node Node) (*Baseline, error) {
	block1, err := node.Block(ctx, 1)
	if err != nil {
		return nil, err
	}
	current, err := node.CurrentAppVersion(ctx)
	if err != nil {
		return nil, err
	}
	genesis, err := node.GenesisAppVersion(ctx)
	if err != nil {
		return nil, err
	}
	if current != genesis {
		return nil, fatal.Errorf("%s: %w: app version is %d but genesis app version is %d; the network has "+
			"probably already been upgraded, or persistent volumes were not cleaned up from a previous run",
			node.Name(), ErrAlreadyUpgraded, current, genesis)
	}
	return &Baseline{Block1: block1, AppVersion: current, GenesisAppVersion: genesis}, nil
}

// VerifyUpgraded checks a node that has reached activationHeight against its baseline: the app
// version went up, block 1 is unchanged, and every change is applied at activationHeight with
// the new app version.
func VerifyUpgraded(ctx context.Context, log *slog.Logger, node Node, base *Baseline, activationHeight uint64) (*NodeResult, error) {
	after, err := node.CurrentAppVersion(ctx)
	if err != nil {
		return nil, err
	}
	if after <= base.AppVersion {
		return nil, fatal.Errorf("%s: app version did not increase: was %d before the upgrade, now %d",
			node.Name(), base.AppVersion, after)
	}
	log.Info("--> App version increased", "node", node.Name(), "before", base.AppVersion, "after", after)

	block1, err := node.Block(ctx, 1)
	if err != nil {
		return nil, err
	}
	if d := diff.JSON("block 1 before upgrade", "block 1 after upgrade", base.Block1, block1); d != "" {
		return nil, fatal.Errorf("%s: block 1 changed across the upgrade:\n%s", node.Name(), d)
	}

	info, err := node.UpgradesInfo(ctx)
	if err != nil {
		return nil, err
	}
	if err := upgradesinfo.CheckApplied(info, activationHeight, after); err != nil {
		return nil, fatal.Errorf("%s upgrade error: %w", node.Name(), err)
	}

	return &NodeResult{Node: node.Name(), AppVersionBefore: base.AppVersion, AppVersionAfter: after, Applied: info.Applied}, nil
}

// WriteChangeTable renders change infos as a table.
func WriteChangeTable(w io.Writer, node string, changes []upgradesinfo.ChangeInfo) {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(true)
	table.SetHeader([]string{"Node", "Change", "Activation Height", "App Version", "Change Hash"})
	for _, c := range changes {
		table.Append([]string{
			node,
			c.ChangeName,
			strconv.FormatUint(c.ActivationHeight, 10),
			strconv.FormatUint(c.AppVersion, 10),
			c.Base64Hash(),
		})
	}
	table.Render()
}
