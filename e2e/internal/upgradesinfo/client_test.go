package upgradesinfo_test

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/astriaorg/astria/system-tests/e2e/internal/upgradesinfo"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

const bufSize = 1024 * 1024

func newTestClient(t *testing.T, info func() (*upgradesinfo.Info, error)) *upgradesinfo.Client {
	t.Helper()

	lis := bufconn.Listen(bufSize)
	srv := grpc.NewServer(grpc.UnknownServiceHandler(upgradesinfo.Handler(info)))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return upgradesinfo.NewFromConn(conn)
}

func TestUpgradesInfo_RoundTrip(t *testing.T) {
	t.Parallel()

	want := &upgradesinfo.Info{
		Applied: []upgradesinfo.ChangeInfo{
			{ActivationHeight: 1, ChangeName: "genesis_change", AppVersion: 1, ChangeHash: []byte("hash0")},
		},
		Scheduled: []upgradesinfo.ChangeInfo{
			{ActivationHeight: 110, ChangeName: "validator_update_action", AppVersion: 2, ChangeHash: []byte("hash1")},
			{ActivationHeight: 110, ChangeName: "price_feed", AppVersion: 2, ChangeHash: []byte("hash2")},
		},
	}
	c := newTestClient(t, func() (*upgradesinfo.Info, error) { return want, nil })

	got, err := c.UpgradesInfo(context.Background())
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestUpgradesInfo_EmptyLists(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func() (*upgradesinfo.Info, error) { return &upgradesinfo.Info{}, nil })

	got, err := c.UpgradesInfo(context.Background())
	require.NoError(t, err)
	require.Empty(t, got.Applied)
	require.Empty(t, got.Scheduled)
}

func TestUpgradesInfo_ServerErrorIsTransport(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func() (*upgradesinfo.Info, error) { return nil, errors.New("node not ready") })

	_, err := c.UpgradesInfo(context.Background())
	require.ErrorIs(t, err, upgradesinfo.ErrTransport)
}
