// Package jsonrpc is a minimal CometBFT JSON-RPC client covering the handful of methods the
// upgrade flow reads from a sequencer node.
package jsonrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/astriaorg/astria/system-tests/e2e/internal/metrics"
	"github.com/tidwall/gjson"
)

var (
	// ErrTransport wraps failures to reach the node at all, as opposed to the node answering
	// with an error object or a malformed body.
	ErrTransport = errors.New("rpc transport failure")

	ErrMissingField = errors.New("missing field in rpc response")
)

const defaultTimeout = 5 * time.Second

// Error is a JSON-RPC error object returned by the node.
type Error struct {
	Method  string
	Code    int64
	Message string
	Data    string
}

func (e *Error) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("rpc method %s failed with code %d: %s: %s", e.Method, e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc method %s failed with code %d: %s", e.Method, e.Code, e.Message)
}

// Param is a single named request parameter. CometBFT accepts string values for every numeric
// parameter, so values are always sent as strings.
type Param struct {
	Key   string
	Value string
}

func Height(h uint64) Param {
	return Param{Key: "height", Value: strconv.FormatUint(h, 10)}
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

type Client struct {
	url  string
	http *http.Client
	log  *slog.Logger
}

func New(url string, opts ...Option) *Client {
	c := &Client{
		url:  url,
		http: &http.Client{Timeout: defaultTimeout},
		log:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) URL() string {
	return c.url
}

// Call issues a single request and returns the raw JSON of the `result` member.
func (c *Client) Call(ctx context.Context, method string, params ...Param) ([]byte, error) {
	start := time.Now()
	result, err := c.call(ctx, method, params)
	metrics.RequestDuration.WithLabelValues("jsonrpc", method).Observe(time.Since(start).Seconds())
	res := "ok"
	switch {
	case errors.Is(err, ErrTransport):
		res = "transport_error"
	case err != nil:
		res = "error"
	}
	metrics.RequestsTotal.WithLabelValues("jsonrpc", method, res).Inc()
	return result, err
}

func (c *Client) call(ctx context.Context, method string, params []Param) ([]byte, error) {
	p := make(map[string]string, len(params))
	for _, param := range params {
		p[param.Key] = param.Value
	}
	payload, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  p,
		"id":      1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	c.log.Debug("--> Sending rpc request", "url", c.url, "method", method, "params", p)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrTransport, method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read %s response: %w", ErrTransport, method, err)
	}

	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("invalid %s response (status %d): %q", method, resp.StatusCode, truncate(body, 256))
	}

	if errObj := gjson.GetBytes(body, "error"); errObj.Exists() && errObj.Type != gjson.Null {
		return nil, &Error{
			Method:  method,
			Code:    errObj.Get("code").Int(),
			Message: errObj.Get("message").String(),
			Data:    errObj.Get("data").String(),
		}
	}

	result := gjson.GetBytes(body, "result")
	if !result.Exists() {
		return nil, fmt.Errorf("%w: expected `%s` response to have field `result`", ErrMissingField, method)
	}
	return []byte(result.Raw), nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// Uint reads the unsigned integer at path in result. CometBFT encodes 64-bit integers as JSON
// strings, but plain numbers are accepted too.
func Uint(result []byte, method, path string) (uint64, error) {
	r := gjson.GetBytes(result, path)
	if !r.Exists() {
		return 0, fmt.Errorf("%w: expected `%s` response to have field `%s`", ErrMissingField, method, path)
	}
	if r.Type != gjson.String && r.Type != gjson.Number {
		return 0, fmt.Errorf("expected `%s` field `%s` to be an integer, got %s", method, path, r.Raw)
	}
	v, err := strconv.ParseUint(r.String(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse `%s` field `%s` %q: %w", method, path, r.String(), err)
	}
	return v, nil
}

// String reads the string at path in result.
func String(result []byte, method, path string) (string, error) {
	r := gjson.GetBytes(result, path)
	if !r.Exists() {
		return "", fmt.Errorf("%w: expected `%s` response to have field `%s`", ErrMissingField, method, path)
	}
	return r.String(), nil
}
