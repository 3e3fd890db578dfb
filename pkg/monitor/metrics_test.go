package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsCollectorRecordProbe(t *testing.T) {
	m := NewMetricsCollector()
	m.RecordProbe(10*time.Millisecond, true, "db1")
	m.RecordProbe(20*time.Millisecond, false, "db1")
	m.RecordProbe(5*time.Millisecond, true, "db2")

	assert.Equal(t, int64(3), m.GetProbeCount())
	assert.Equal(t, int64(2), m.GetProbeSuccess())
	assert.Equal(t, int64(1), m.GetProbeError())
	assert.InDelta(t, 66.67, m.GetSuccessRate(), 0.1)
	assert.Equal(t, int64(2), m.GetServerProbeCount("db1"))
}

func TestMetricsCollectorErrorTally(t *testing.T) {
	m := NewMetricsCollector()
	m.RecordError("timeout")
	m.RecordError("timeout")
	m.RecordError("access_denied")

	assert.Equal(t, int64(2), m.GetErrorCount("timeout"))
	assert.Equal(t, int64(1), m.GetErrorCount("access_denied"))
	assert.Equal(t, int64(3), m.GetProbeError())
}

func TestMetricsCollectorActiveProbes(t *testing.T) {
	m := NewMetricsCollector()
	m.StartProbe()
	m.StartProbe()
	assert.Equal(t, int64(2), m.GetActiveProbes())
	m.EndProbe()
	assert.Equal(t, int64(1), m.GetActiveProbes())
	m.EndProbe()
	m.EndProbe() // must not go negative
	assert.Equal(t, int64(0), m.GetActiveProbes())
}

func TestMetricsCollectorSnapshot(t *testing.T) {
	m := NewMetricsCollector()
	m.RecordProbe(100*time.Millisecond, true, "db1")
	m.RecordSlowProbe()

	snap := m.GetSnapshot()
	require.NotNil(t, snap)
	assert.Equal(t, int64(1), snap.ProbeCount)
	assert.Equal(t, int64(1), snap.SlowProbeCount)
	assert.Equal(t, 100*time.Millisecond, snap.AvgDuration)
}

func TestMetricsCollectorReset(t *testing.T) {
	m := NewMetricsCollector()
	m.RecordProbe(time.Millisecond, true, "db1")
	m.Reset()
	assert.Equal(t, int64(0), m.GetProbeCount())
	assert.Empty(t, m.GetAllErrors())
}
