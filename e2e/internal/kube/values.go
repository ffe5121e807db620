package kube

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Values are the chart overrides applied on top of the validator values files. Zero-valued
// fields are left out of the rendered overrides.
type Values struct {
	ImageTag string

	RPCPort  int
	GRPCPort int

	PriceFeed *bool

	PersistentStorage bool

	// UpgradeName, when set, switches the chart to pre-upgrade genesis. The upgrade is included
	// in upgrades.json only when ActivationHeight is non-zero.
	UpgradeName      string
	ActivationHeight uint64
}

// Overrides returns the nested value tree for v.
func (v Values) Overrides() map[string]any {
	root := map[string]any{}
	if v.ImageTag != "" {
		setPath(root, "images.sequencer.devTag", v.ImageTag)
		setPath(root, "sequencer-relayer.images.sequencerRelayer.devTag", v.ImageTag)
	}
	if v.RPCPort != 0 {
		setPath(root, "ports.cometbftRpc", v.RPCPort)
	}
	if v.GRPCPort != 0 {
		setPath(root, "ports.sequencerGrpc", v.GRPCPort)
	}
	if v.PriceFeed != nil {
		setPath(root, "sequencer.priceFeed.enabled", *v.PriceFeed)
	}
	if v.PersistentStorage {
		setPath(root, "storage.enabled", true)
		setPath(root, "sequencer-relayer.storage.enabled", true)
	}
	if v.UpgradeName != "" {
		setPath(root, "genesis.postLatestUpgrade", false)
		if v.ActivationHeight != 0 {
			setPath(root, "sequencer.upgrades."+v.UpgradeName+".activationHeight", v.ActivationHeight)
		} else {
			setPath(root, "sequencer.upgrades."+v.UpgradeName+".included", false)
		}
	}
	return root
}

// Render returns the overrides as a YAML values document.
func (v Values) Render() ([]byte, error) {
	out, err := yaml.Marshal(v.Overrides())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal values: %w", err)
	}
	return out, nil
}

// setPath assigns value at the dot-separated path, creating intermediate maps.
func setPath(root map[string]any, path string, value any) {
	keys := strings.Split(path, ".")
	m := root
	for _, k := range keys[:len(keys)-1] {
		next, ok := m[k].(map[string]any)
		if !ok {
			next = map[string]any{}
			m[k] = next
		}
		m = next
	}
	m[keys[len(keys)-1]] = value
}
