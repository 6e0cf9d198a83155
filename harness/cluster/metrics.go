package cluster

import (
	"fmt"
	"io"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// Metrics is a parsed prometheus scrape, keyed by family name.
type Metrics map[string]*dto.MetricFamily

func ParseMetrics(r io.Reader) (Metrics, error) {
	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(r)
	if err != nil {
		return nil, fmt.Errorf("parse metrics: %w", err)
	}
	return Metrics(families), nil
}

// Value returns the sample of the named family whose labels are a superset
// of the given ones. Counters and gauges only.
func (m Metrics) Value(name string, labels map[string]string) (float64, bool) {
	family, ok := m[name]
	if !ok {
		return 0, false
	}
outer:
	for _, metric := range family.GetMetric() {
		have := map[string]string{}
		for _, lp := range metric.GetLabel() {
			have[lp.GetName()] = lp.GetValue()
		}
		for k, v := range labels {
			if have[k] != v {
				continue outer
			}
		}
		if c := metric.GetCounter(); c != nil {
			return c.GetValue(), true
		}
		if g := metric.GetGauge(); g != nil {
			return g.GetValue(), true
		}
	}
	return 0, false
}

// AssertNoErrorCounters fails if any *_errors_total family carries a
// non-zero sample, excluding families in allowed.
func (m Metrics) AssertNoErrorCounters(allowed []string) error {
	for name, family := range m {
		if !strings.HasSuffix(name, "_errors_total") {
			continue
		}
		if contains(allowed, name) {
			continue
		}
		for _, metric := range family.GetMetric() {
			if c := metric.GetCounter(); c != nil && c.GetValue() > 0 {
				return fmt.Errorf("metric %s reports %v errors", name, c.GetValue())
			}
		}
	}
	return nil
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
