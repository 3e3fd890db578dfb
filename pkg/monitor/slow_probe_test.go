package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlowProbeAnalyzerRecordAndThreshold(t *testing.T) {
	a := NewSlowProbeAnalyzer(50*time.Millisecond, 10)
	assert.False(t, a.IsSlow(10*time.Millisecond))
	assert.True(t, a.IsSlow(60*time.Millisecond))

	id := a.Record("ping", 100*time.Millisecond, "db1", nil)
	require.Greater(t, id, int64(0))

	id2 := a.Record("ping", 10*time.Millisecond, "db1", nil)
	assert.Equal(t, int64(0), id2)

	log, ok := a.Get(id)
	require.True(t, ok)
	assert.Equal(t, "db1", log.ServerName)
}

func TestSlowProbeAnalyzerBoundedRing(t *testing.T) {
	a := NewSlowProbeAnalyzer(time.Millisecond, 2)
	a.Record("ping", 10*time.Millisecond, "db1", nil)
	a.Record("ping", 20*time.Millisecond, "db1", nil)
	a.Record("ping", 30*time.Millisecond, "db1", nil)

	all := a.All()
	require.Len(t, all, 2)
	assert.Equal(t, 20*time.Millisecond, all[0].Duration)
	assert.Equal(t, 30*time.Millisecond, all[1].Duration)
}

func TestSlowProbeAnalyzerByServerAndError(t *testing.T) {
	a := NewSlowProbeAnalyzer(time.Millisecond, 10)
	a.Record("ping", 10*time.Millisecond, "db1", errors.New("timeout"))
	a.Record("ping", 10*time.Millisecond, "db2", nil)

	db1 := a.ByServer("db1")
	require.Len(t, db1, 1)
	assert.Equal(t, "timeout", db1[0].Error)
}

func TestSlowProbeAnalyzerAnalyze(t *testing.T) {
	a := NewSlowProbeAnalyzer(time.Millisecond, 10)
	a.Record("ping", 10*time.Millisecond, "db1", nil)
	a.Record("ping", 30*time.Millisecond, "db1", nil)
	a.Record("ping", 20*time.Millisecond, "db2", errors.New("refused"))

	analysis := a.Analyze()
	assert.Equal(t, 3, analysis.TotalProbes)
	assert.Equal(t, 1, analysis.ErrorCount)
	assert.Equal(t, 30*time.Millisecond, analysis.MaxDuration)
	assert.Equal(t, 10*time.Millisecond, analysis.MinDuration)
	assert.Equal(t, 2, analysis.ServerStats["db1"].ProbeCount)
	assert.Equal(t, 20*time.Millisecond, analysis.ServerStats["db1"].AvgDuration)
}

func TestSlowProbeAnalyzerClear(t *testing.T) {
	a := NewSlowProbeAnalyzer(time.Millisecond, 10)
	a.Record("ping", 10*time.Millisecond, "db1", nil)
	a.Clear()
	assert.Equal(t, 0, a.Count())
}

func TestProbeContextRecordsSlowProbe(t *testing.T) {
	m := NewMetricsCollector()
	s := NewSlowProbeAnalyzer(time.Millisecond, 10)

	pc := NewProbeContext(context.Background(), m, s, "db1", "ping")
	pc.Start()
	time.Sleep(2 * time.Millisecond)
	pc.End(true, nil)

	assert.Equal(t, int64(1), m.GetProbeCount())
	assert.Equal(t, int64(1), m.GetSlowProbeCount())
	assert.Equal(t, 1, s.Count())
}
