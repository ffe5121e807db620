package prometheus_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/astriaorg/astria/system-tests/e2e/internal/prometheus"
	"github.com/stretchr/testify/require"
)

const scrape = `# HELP astria_system_tests_requests_total Total number of requests sent to sequencer nodes
# TYPE astria_system_tests_requests_total counter
astria_system_tests_requests_total{method="abci_info",result="ok",transport="jsonrpc"} 12
astria_system_tests_requests_total{method="abci_info",result="error",transport="jsonrpc"} 2
# HELP astria_system_tests_block_height Latest block height observed per node
# TYPE astria_system_tests_block_height gauge
astria_system_tests_block_height{node="node0"} 110
`

func TestPrometheus_MetricsClient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = w.Write([]byte(scrape))
	}))
	t.Cleanup(srv.Close)

	client := prometheus.NewMetricsClient(srv.URL)
	require.NoError(t, client.WaitForReady(context.Background(), time.Second))

	require.Len(t, client.CounterValues(prometheus.MetricNameRequestsTotal), 2)
	require.Empty(t, client.GaugeValues(prometheus.MetricNameRequestsTotal))

	v, ok := client.Value(prometheus.MetricNameRequestsTotal, map[string]string{"method": "abci_info", "result": "error"})
	require.True(t, ok)
	require.Equal(t, 2.0, v)

	v, ok = client.Value(prometheus.MetricNameBlockHeight, map[string]string{"node": "node0"})
	require.True(t, ok)
	require.Equal(t, 110.0, v)

	_, ok = client.Value(prometheus.MetricNameBlockHeight, map[string]string{"node": "node9"})
	require.False(t, ok)
	require.Nil(t, client.GaugeValues("missing"))
}

func TestPrometheus_MetricsClient_BadStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	err := prometheus.NewMetricsClient(srv.URL).Fetch(context.Background())
	require.ErrorContains(t, err, "unexpected status")
}
