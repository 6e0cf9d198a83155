package cluster

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleScrape = `# TYPE pageserver_getpage_requests_total counter
pageserver_getpage_requests_total{tenant_id="t1",shard_id="0001"} 42
pageserver_getpage_requests_total{tenant_id="t1",shard_id="0002"} 7
# TYPE pageserver_resident_bytes gauge
pageserver_resident_bytes 1048576
# TYPE pageserver_upload_errors_total counter
pageserver_upload_errors_total 0
# TYPE pageserver_eviction_errors_total counter
pageserver_eviction_errors_total 3
`

func TestParseMetricsAndValue(t *testing.T) {
	m, err := ParseMetrics(strings.NewReader(sampleScrape))
	require.NoError(t, err)

	v, ok := m.Value("pageserver_getpage_requests_total", map[string]string{"shard_id": "0002"})
	require.True(t, ok)
	assert.Equal(t, 7.0, v)

	v, ok = m.Value("pageserver_resident_bytes", nil)
	require.True(t, ok)
	assert.Equal(t, 1048576.0, v)

	_, ok = m.Value("pageserver_getpage_requests_total", map[string]string{"shard_id": "9999"})
	assert.False(t, ok)
	_, ok = m.Value("no_such_family", nil)
	assert.False(t, ok)
}

func TestAssertNoErrorCounters(t *testing.T) {
	m, err := ParseMetrics(strings.NewReader(sampleScrape))
	require.NoError(t, err)

	err = m.AssertNoErrorCounters(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pageserver_eviction_errors_total")

	// Zero-valued counters never trip the check, allow-listed ones are skipped.
	assert.NoError(t, m.AssertNoErrorCounters([]string{"pageserver_eviction_errors_total"}))
}
