// Package upgradesinfo queries a sequencer node's applied and scheduled upgrade changes over
// gRPC and checks them against an expected activation height.
package upgradesinfo

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/astriaorg/astria/system-tests/e2e/internal/fatal"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
)

// ChangeInfo describes a single change belonging to an upgrade.
type ChangeInfo struct {
	ActivationHeight uint64
	ChangeName       string
	AppVersion       uint64
	ChangeHash       []byte
}

func (c ChangeInfo) String() string {
	return fmt.Sprintf("upgrade change `%s` with activation height %d, app version %d, change hash %s",
		c.ChangeName, c.ActivationHeight, c.AppVersion, c.Base64Hash())
}

// Base64Hash returns the change hash in the standard base64 form used on the wire.
func (c ChangeInfo) Base64Hash() string {
	return base64.StdEncoding.EncodeToString(c.ChangeHash)
}

// Info is a node's view of upgrade changes at query time.
type Info struct {
	Applied   []ChangeInfo
	Scheduled []ChangeInfo
}

func decodeResponse(msg protoreflect.Message) (*Info, error) {
	if msg.Descriptor().FullName() != responseDesc.FullName() {
		return nil, fmt.Errorf("unexpected response message %s", msg.Descriptor().FullName())
	}
	applied, err := decodeList(msg.Get(responseDesc.Fields().ByName("applied")).List())
	if err != nil {
		return nil, fmt.Errorf("failed to decode applied changes: %w", err)
	}
	scheduled, err := decodeList(msg.Get(responseDesc.Fields().ByName("scheduled")).List())
	if err != nil {
		return nil, fmt.Errorf("failed to decode scheduled changes: %w", err)
	}
	return &Info{Applied: applied, Scheduled: scheduled}, nil
}

func decodeList(list protoreflect.List) ([]ChangeInfo, error) {
	fields := changeInfoDesc.Fields()
	out := make([]ChangeInfo, 0, list.Len())
	for i := range list.Len() {
		m := list.Get(i).Message()
		name := m.Get(fields.ByName("change_name")).String()
		hash, err := base64.StdEncoding.DecodeString(m.Get(fields.ByName("base64_hash")).String())
		if err != nil {
			return nil, fmt.Errorf("malformed hash for change %q: %w", name, err)
		}
		out = append(out, ChangeInfo{
			ActivationHeight: m.Get(fields.ByName("activation_height")).Uint(),
			ChangeName:       name,
			AppVersion:       m.Get(fields.ByName("app_version")).Uint(),
			ChangeHash:       hash,
		})
	}
	return out, nil
}

// EncodeResponse builds the wire response for info. It is used by in-process fake nodes.
func EncodeResponse(info *Info) *dynamicpb.Message {
	resp := dynamicpb.NewMessage(responseDesc)
	encodeList(resp.Mutable(responseDesc.Fields().ByName("applied")).List(), info.Applied)
	encodeList(resp.Mutable(responseDesc.Fields().ByName("scheduled")).List(), info.Scheduled)
	return resp
}

// NewRequest returns an empty upgrades query request.
func NewRequest() *dynamicpb.Message {
	return dynamicpb.NewMessage(requestDesc)
}

func encodeList(list protoreflect.List, changes []ChangeInfo) {
	fields := changeInfoDesc.Fields()
	for _, c := range changes {
		m := dynamicpb.NewMessage(changeInfoDesc)
		m.Set(fields.ByName("activation_height"), protoreflect.ValueOfUint64(c.ActivationHeight))
		m.Set(fields.ByName("change_name"), protoreflect.ValueOfString(c.ChangeName))
		m.Set(fields.ByName("app_version"), protoreflect.ValueOfUint64(c.AppVersion))
		m.Set(fields.ByName("base64_hash"), protoreflect.ValueOfString(c.Base64Hash()))
		list.Append(protoreflect.ValueOfMessage(m))
	}
}

// CheckChangeInfos asserts that infos is non-empty and that every entry activates at
// activationHeight and, when appVersion is non-nil, carries that app version.
func CheckChangeInfos(infos []ChangeInfo, activationHeight uint64, appVersion *uint64) error {
	if len(infos) == 0 {
		return fatal.Errorf("expected at least one change info, got none")
	}
	for _, c := range infos {
		if c.ActivationHeight != activationHeight {
			return fatal.Errorf("expected activation height %d, got %d in %s", activationHeight, c.ActivationHeight, c)
		}
		if appVersion != nil && c.AppVersion != *appVersion {
			return fatal.Errorf("expected app version %d, got %d in %s", *appVersion, c.AppVersion, c)
		}
	}
	return nil
}

// CheckScheduled asserts the node's view ahead of activation: nothing applied yet, and every
// scheduled change targets activationHeight.
func CheckScheduled(info *Info, activationHeight uint64) error {
	if len(info.Applied) != 0 {
		return fatal.Errorf("expected no applied upgrades before activation, found %d: %s", len(info.Applied), joinChanges(info.Applied))
	}
	if err := CheckChangeInfos(info.Scheduled, activationHeight, nil); err != nil {
		return fatal.Errorf("scheduled upgrades: %w", err)
	}
	return nil
}

// CheckApplied asserts the node's view after activation: nothing left scheduled, and every
// applied change targets activationHeight with appVersion.
func CheckApplied(info *Info, activationHeight, appVersion uint64) error {
	if len(info.Scheduled) != 0 {
		return fatal.Errorf("expected no scheduled upgrades after activation, found %d: %s", len(info.Scheduled), joinChanges(info.Scheduled))
	}
	if err := CheckChangeInfos(info.Applied, activationHeight, &appVersion); err != nil {
		return fatal.Errorf("applied upgrades: %w", err)
	}
	return nil
}

func joinChanges(infos []ChangeInfo) string {
	parts := make([]string, 0, len(infos))
	for _, c := range infos {
		parts = append(parts, c.String())
	}
	return strings.Join(parts, "; ")
}

func dynamicNewResponse() *dynamicpb.Message {
	return dynamicpb.NewMessage(responseDesc)
}
