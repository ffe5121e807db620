package upgradesinfo_test

import (
	"testing"

	"github.com/astriaorg/astria/system-tests/e2e/internal/fatal"
	"github.com/astriaorg/astria/system-tests/e2e/internal/upgradesinfo"
	"github.com/stretchr/testify/require"
)

func change(name string, height, version uint64) upgradesinfo.ChangeInfo {
	return upgradesinfo.ChangeInfo{ActivationHeight: height, ChangeName: name, AppVersion: version, ChangeHash: []byte("hash")}
}

func TestCheckChangeInfos(t *testing.T) {
	t.Parallel()

	two := uint64(2)
	tests := []struct {
		name       string
		infos      []upgradesinfo.ChangeInfo
		appVersion *uint64
		wantErr    string
	}{
		{name: "empty", wantErr: "at least one change info"},
		{name: "all match", infos: []upgradesinfo.ChangeInfo{change("a", 110, 2), change("b", 110, 2)}, appVersion: &two},
		{name: "version not checked", infos: []upgradesinfo.ChangeInfo{change("a", 110, 7)}},
		{name: "wrong height", infos: []upgradesinfo.ChangeInfo{change("a", 110, 2), change("b", 109, 2)}, wantErr: "expected activation height 110, got 109"},
		{name: "wrong version", infos: []upgradesinfo.ChangeInfo{change("a", 110, 3)}, appVersion: &two, wantErr: "expected app version 2, got 3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := upgradesinfo.CheckChangeInfos(tt.infos, 110, tt.appVersion)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.wantErr)
			require.True(t, fatal.Is(err))
		})
	}
}

func TestCheckScheduled(t *testing.T) {
	t.Parallel()

	ok := &upgradesinfo.Info{Scheduled: []upgradesinfo.ChangeInfo{change("a", 110, 2)}}
	require.NoError(t, upgradesinfo.CheckScheduled(ok, 110))

	applied := &upgradesinfo.Info{
		Applied:   []upgradesinfo.ChangeInfo{change("a", 110, 2)},
		Scheduled: []upgradesinfo.ChangeInfo{change("b", 110, 2)},
	}
	require.ErrorContains(t, upgradesinfo.CheckScheduled(applied, 110), "expected no applied upgrades")

	require.ErrorContains(t, upgradesinfo.CheckScheduled(&upgradesinfo.Info{}, 110), "at least one change info")
}

func TestCheckApplied(t *testing.T) {
	t.Parallel()

	ok := &upgradesinfo.Info{Applied: []upgradesinfo.ChangeInfo{change("a", 110, 2)}}
	require.NoError(t, upgradesinfo.CheckApplied(ok, 110, 2))

	leftover := &upgradesinfo.Info{
		Applied:   []upgradesinfo.ChangeInfo{change("a", 110, 2)},
		Scheduled: []upgradesinfo.ChangeInfo{change("b", 110, 2)},
	}
	require.ErrorContains(t, upgradesinfo.CheckApplied(leftover, 110, 2), "expected no scheduled upgrades")
	require.ErrorContains(t, upgradesinfo.CheckApplied(ok, 110, 3), "expected app version 3, got 2")
}

func TestChangeInfo_String(t *testing.T) {
	t.Parallel()

	require.Equal(t,
		"upgrade change `price_feed` with activation height 110, app version 2, change hash aGFzaA==",
		change("price_feed", 110, 2).String())
}
