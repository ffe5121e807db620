package jsonrpc

import (
	"context"
	"fmt"
	"time"
)

type ABCIInfo struct {
	LastBlockHeight uint64
	AppVersion      uint64
}

func (c *Client) ABCIInfo(ctx context.Context) (ABCIInfo, error) {
	res, err := c.Call(ctx, "abci_info")
	if err != nil {
		return ABCIInfo{}, err
	}
	height, err := Uint(res, "abci_info", "response.last_block_height")
	if err != nil {
		return ABCIInfo{}, err
	}
	version, err := Uint(res, "abci_info", "response.app_version")
	if err != nil {
		return ABCIInfo{}, err
	}
	return ABCIInfo{LastBlockHeight: height, AppVersion: version}, nil
}

func (c *Client) LastBlockHeight(ctx context.Context) (uint64, error) {
	res, err := c.Call(ctx, "abci_info")
	if err != nil {
		return 0, err
	}
	return Uint(res, "abci_info", "response.last_block_height")
}

func (c *Client) AppVersion(ctx context.Context) (uint64, error) {
	res, err := c.Call(ctx, "abci_info")
	if err != nil {
		return 0, err
	}
	return Uint(res, "abci_info", "response.app_version")
}

func (c *Client) GenesisAppVersion(ctx context.Context) (uint64, error) {
	res, err := c.Call(ctx, "genesis")
	if err != nil {
		return 0, err
	}
	return Uint(res, "genesis", "genesis.consensus_params.version.app")
}

// Block returns the raw `result` of the block method at height.
func (c *Client) Block(ctx context.Context, height uint64) ([]byte, error) {
	return c.Call(ctx, "block", Height(height))
}

type Header struct {
	Height uint64
	Time   time.Time
}

// Header returns the header of the block at height, or of the latest block when height is nil.
func (c *Client) Header(ctx context.Context, height *uint64) (Header, error) {
	var params []Param
	if height != nil {
		params = append(params, Height(*height))
	}
	res, err := c.Call(ctx, "block", params...)
	if err != nil {
		return Header{}, err
	}
	h, err := Uint(res, "block", "block.header.height")
	if err != nil {
		return Header{}, err
	}
	raw, err := String(res, "block", "block.header.time")
	if err != nil {
		return Header{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return Header{}, fmt.Errorf("failed to parse block time %q: %w", raw, err)
	}
	return Header{Height: h, Time: ts}, nil
}

func (c *Client) VoteExtensionsEnableHeight(ctx context.Context, height uint64) (uint64, error) {
	res, err := c.Call(ctx, "consensus_params", Height(height))
	if err != nil {
		return 0, err
	}
	return Uint(res, "consensus_params", "consensus_params.abci.vote_extensions_enable_height")
}

type Status struct {
	Moniker string
	Network string
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	res, err := c.Call(ctx, "status")
	if err != nil {
		return Status{}, err
	}
	moniker, err := String(res, "status", "node_info.moniker")
	if err != nil {
		return Status{}, err
	}
	network, err := String(res, "status", "node_info.network")
	if err != nil {
		return Status{}, err
	}
	return Status{Moniker: moniker, Network: network}, nil
}
