package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// SlowProbeLog is one probe whose duration crossed the configured
// threshold, kept around for operators to inspect which server(s) are
// degraded and why.
type SlowProbeLog struct {
	ID         int64
	Probe      string // "ping", "show_slave_status", "variables", ...
	Duration   time.Duration
	Timestamp  time.Time
	ServerName string
	Error      string
}

// SlowProbeAnalyzer keeps a bounded ring of recent slow probes per
// monitor for diagnostics; event classification does not consult it.
type SlowProbeAnalyzer struct {
	mu         sync.RWMutex
	slow       []*SlowProbeLog
	slowByID   map[int64]*SlowProbeLog
	threshold  time.Duration
	maxEntries int
	nextID     int64
}

// NewSlowProbeAnalyzer creates an analyzer flagging probes at or above
// threshold, retaining at most maxEntries log lines.
func NewSlowProbeAnalyzer(threshold time.Duration, maxEntries int) *SlowProbeAnalyzer {
	return &SlowProbeAnalyzer{
		slow:       make([]*SlowProbeLog, 0, maxEntries),
		slowByID:   make(map[int64]*SlowProbeLog),
		threshold:  threshold,
		maxEntries: maxEntries,
		nextID:     1,
	}
}

// IsSlow reports whether duration meets or exceeds the threshold.
func (s *SlowProbeAnalyzer) IsSlow(duration time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return duration >= s.threshold
}

// Record appends a slow-probe entry if duration qualifies, returning its
// ID, or 0 if the probe was not slow.
func (s *SlowProbeAnalyzer) Record(probe string, duration time.Duration, server string, probeErr error) int64 {
	if !s.IsSlow(duration) {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	log := &SlowProbeLog{
		ID:         s.nextID,
		Probe:      probe,
		Duration:   duration,
		Timestamp:  time.Now(),
		ServerName: server,
	}
	if probeErr != nil {
		log.Error = probeErr.Error()
	}

	s.slowByID[log.ID] = log
	s.slow = append(s.slow, log)
	s.nextID++

	if len(s.slow) > s.maxEntries {
		oldest := s.slow[0]
		delete(s.slowByID, oldest.ID)
		s.slow = s.slow[1:]
	}

	return log.ID
}

// Get returns one slow-probe entry by ID.
func (s *SlowProbeAnalyzer) Get(id int64) (*SlowProbeLog, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log, ok := s.slowByID[id]
	return log, ok
}

// All returns every retained slow-probe entry, oldest first.
func (s *SlowProbeAnalyzer) All() []*SlowProbeLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*SlowProbeLog, len(s.slow))
	copy(result, s.slow)
	return result
}

// ByServer returns the retained slow-probe entries for one server.
func (s *SlowProbeAnalyzer) ByServer(server string) []*SlowProbeLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := []*SlowProbeLog{}
	for _, log := range s.slow {
		if log.ServerName == server {
			result = append(result, log)
		}
	}
	return result
}

// Since returns the retained slow-probe entries at or after start.
func (s *SlowProbeAnalyzer) Since(start time.Time) []*SlowProbeLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := []*SlowProbeLog{}
	for _, log := range s.slow {
		if !log.Timestamp.Before(start) {
			result = append(result, log)
		}
	}
	return result
}

// Count returns the number of retained slow-probe entries.
func (s *SlowProbeAnalyzer) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.slow)
}

// Clear discards every retained entry and resets the ID counter.
func (s *SlowProbeAnalyzer) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slow = make([]*SlowProbeLog, 0, s.maxEntries)
	s.slowByID = make(map[int64]*SlowProbeLog)
	s.nextID = 1
}

// SetThreshold changes the slow-probe cutoff.
func (s *SlowProbeAnalyzer) SetThreshold(threshold time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threshold = threshold
}

// Threshold returns the current slow-probe cutoff.
func (s *SlowProbeAnalyzer) Threshold() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.threshold
}

// ServerSlowStats summarizes slow-probe activity for one server.
type ServerSlowStats struct {
	ServerName    string
	ProbeCount    int
	TotalDuration time.Duration
	MaxDuration   time.Duration
	AvgDuration   time.Duration
}

// SlowProbeAnalysis is an aggregate view over every retained slow probe.
type SlowProbeAnalysis struct {
	TotalProbes   int
	AvgDuration   time.Duration
	MaxDuration   time.Duration
	MinDuration   time.Duration
	TotalDuration time.Duration
	ErrorCount    int
	ServerStats   map[string]*ServerSlowStats
}

// Analyze computes an aggregate view over every currently retained
// slow-probe entry.
func (s *SlowProbeAnalyzer) Analyze() *SlowProbeAnalysis {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.slow) == 0 {
		return &SlowProbeAnalysis{ServerStats: map[string]*ServerSlowStats{}}
	}

	analysis := &SlowProbeAnalysis{
		TotalProbes: len(s.slow),
		ServerStats: make(map[string]*ServerSlowStats),
		MaxDuration: s.slow[0].Duration,
		MinDuration: s.slow[0].Duration,
	}

	var total time.Duration
	for _, log := range s.slow {
		total += log.Duration
		if log.Duration > analysis.MaxDuration {
			analysis.MaxDuration = log.Duration
		}
		if log.Duration < analysis.MinDuration {
			analysis.MinDuration = log.Duration
		}
		if log.Error != "" {
			analysis.ErrorCount++
		}

		st, ok := analysis.ServerStats[log.ServerName]
		if !ok {
			st = &ServerSlowStats{ServerName: log.ServerName}
			analysis.ServerStats[log.ServerName] = st
		}
		st.ProbeCount++
		st.TotalDuration += log.Duration
		if log.Duration > st.MaxDuration {
			st.MaxDuration = log.Duration
		}
	}

	analysis.TotalDuration = total
	analysis.AvgDuration = total / time.Duration(len(s.slow))
	for _, st := range analysis.ServerStats {
		st.AvgDuration = st.TotalDuration / time.Duration(st.ProbeCount)
	}

	return analysis
}

// Recommendations turns the current analysis into plain-English
// suggestions an operator can act on; no automated decision uses it.
func (s *SlowProbeAnalyzer) Recommendations() []string {
	analysis := s.Analyze()
	var recs []string

	if analysis.TotalProbes > 100 {
		recs = append(recs, fmt.Sprintf("%d slow probes recorded; check network latency to backend servers", analysis.TotalProbes))
	}
	if analysis.AvgDuration > time.Second {
		recs = append(recs, fmt.Sprintf("average probe duration is %v; consider raising monitor_interval or checking server load", analysis.AvgDuration))
	}
	if analysis.TotalProbes > 0 {
		errRate := float64(analysis.ErrorCount) / float64(analysis.TotalProbes)
		if errRate > 0.1 {
			recs = append(recs, fmt.Sprintf("%.1f%% of slow probes also failed; investigate connectivity before tuning timeouts", errRate*100))
		}
	}
	for name, st := range analysis.ServerStats {
		if st.ProbeCount > 10 {
			recs = append(recs, fmt.Sprintf("server %s has %d slow probes; consider excluding it from routing until investigated", name, st.ProbeCount))
		}
	}

	return recs
}

// ProbeContext ties a MetricsCollector and SlowProbeAnalyzer together for
// the duration of one probe, mirroring the start/end bracket the monitor
// wraps around every server check in a tick.
type ProbeContext struct {
	Metrics    *MetricsCollector
	SlowProbes *SlowProbeAnalyzer
	Ctx        context.Context
	StartTime  time.Time
	ServerName string
	Probe      string
}

// NewProbeContext starts timing one probe.
func NewProbeContext(ctx context.Context, metrics *MetricsCollector, slow *SlowProbeAnalyzer, server, probe string) *ProbeContext {
	return &ProbeContext{
		Metrics:    metrics,
		SlowProbes: slow,
		Ctx:        ctx,
		StartTime:  time.Now(),
		ServerName: server,
		Probe:      probe,
	}
}

// Start marks the probe as in flight.
func (pc *ProbeContext) Start() {
	pc.Metrics.StartProbe()
}

// End records the probe's outcome and duration, folding a slow-probe log
// entry in if it qualifies.
func (pc *ProbeContext) End(success bool, probeErr error) {
	duration := time.Since(pc.StartTime)
	pc.Metrics.RecordProbe(duration, success, pc.ServerName)
	pc.Metrics.EndProbe()

	if pc.SlowProbes.IsSlow(duration) {
		pc.Metrics.RecordSlowProbe()
		pc.SlowProbes.Record(pc.Probe, duration, pc.ServerName, probeErr)
	}
}
