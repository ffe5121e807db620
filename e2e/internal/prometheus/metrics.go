// Package prometheus scrapes a Prometheus text endpoint, such as the one served by the
// upgrade-test driver, and looks up sample values.
package prometheus

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/astriaorg/astria/system-tests/e2e/internal/poll"
	prom "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/model"
)

const (
	MetricNameBuildInfo        = "astria_system_tests_build_info"
	MetricNameRequestsTotal    = "astria_system_tests_requests_total"
	MetricNameUpgradeRunsTotal = "astria_system_tests_upgrade_runs_total"
	MetricNameBlockHeight      = "astria_system_tests_block_height"
)

type LabeledValue struct {
	Labels map[string]string
	Value  float64
}

type MetricsClient struct {
	url      string
	hc       *http.Client
	families map[string]*prom.MetricFamily
}

func NewMetricsClient(url string) *MetricsClient {
	return &MetricsClient{
		url:      url,
		hc:       &http.Client{Timeout: 5 * time.Second},
		families: make(map[string]*prom.MetricFamily),
	}
}

// WaitForReady polls until the endpoint serves a parseable scrape.
func (m *MetricsClient) WaitForReady(ctx context.Context, timeout time.Duration) error {
	return poll.Until(ctx, func() (bool, error) {
		return m.Fetch(ctx) == nil, nil
	}, timeout, 100*time.Millisecond)
}

func (m *MetricsClient) Fetch(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.url, nil)
	if err != nil {
		return err
	}
	resp, err := m.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s from %s", resp.Status, m.url)
	}

	parser := expfmt.NewTextParser(model.LegacyValidation)
	families, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to parse metrics from %s: %w", m.url, err)
	}
	m.families = families
	return nil
}

func (m *MetricsClient) GaugeValues(name string) []LabeledValue {
	return m.values(name, func(metric *prom.Metric) (float64, bool) {
		if metric.Gauge == nil {
			return 0, false
		}
		return metric.Gauge.GetValue(), true
	})
}

func (m *MetricsClient) CounterValues(name string) []LabeledValue {
	return m.values(name, func(metric *prom.Metric) (float64, bool) {
		if metric.Counter == nil {
			return 0, false
		}
		return metric.Counter.GetValue(), true
	})
}

// Value returns the first sample of name whose labels include all of labels.
func (m *MetricsClient) Value(name string, labels map[string]string) (float64, bool) {
	samples := m.CounterValues(name)
	samples = append(samples, m.GaugeValues(name)...)
	for _, s := range samples {
		if matches(s.Labels, labels) {
			return s.Value, true
		}
	}
	return 0, false
}

func (m *MetricsClient) values(name string, get func(*prom.Metric) (float64, bool)) []LabeledValue {
	family, ok := m.families[name]
	if !ok {
		return nil
	}
	var values []LabeledValue
	for _, metric := range family.Metric {
		v, ok := get(metric)
		if !ok {
			continue
		}
		labels := make(map[string]string, len(metric.Label))
		for _, label := range metric.Label {
			labels[label.GetName()] = label.GetValue()
		}
		values = append(values, LabeledValue{Labels: labels, Value: v})
	}
	return values
}

func matches(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}
