package upgradesinfo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/astriaorg/astria/system-tests/e2e/internal/metrics"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

var ErrTransport = errors.New("grpc transport failure")

const defaultTimeout = 5 * time.Second

type Client struct {
	conn    grpc.ClientConnInterface
	closer  func() error
	timeout time.Duration
}

// Dial creates a client for the plaintext gRPC endpoint at target (host:port). The connection
// is established lazily on the first call.
func Dial(target string) (*Client, error) {
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create grpc client for %s: %w", target, err)
	}
	return &Client{conn: conn, closer: conn.Close, timeout: defaultTimeout}, nil
}

// NewFromConn wraps an existing connection. Close leaves conn open.
func NewFromConn(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn, timeout: defaultTimeout}
}

func (c *Client) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}

// UpgradesInfo issues a single GetUpgradesInfo call.
func (c *Client) UpgradesInfo(ctx context.Context) (*Info, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	req := NewRequest()
	resp := dynamicNewResponse()
	err := c.conn.Invoke(ctx, GetUpgradesInfoMethod, req, resp)
	metrics.RequestDuration.WithLabelValues("grpc", "GetUpgradesInfo").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RequestsTotal.WithLabelValues("grpc", "GetUpgradesInfo", "transport_error").Inc()
		return nil, fmt.Errorf("%w: GetUpgradesInfo: %w", ErrTransport, err)
	}
	metrics.RequestsTotal.WithLabelValues("grpc", "GetUpgradesInfo", "ok").Inc()
	info, err := decodeResponse(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to decode GetUpgradesInfo response: %w", err)
	}
	return info, nil
}
