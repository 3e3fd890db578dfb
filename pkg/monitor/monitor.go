// Package monitor implements the cluster monitor framework: a tick loop
// that periodically probes a set of servers, classifies their status
// transitions, persists a journal so a restart doesn't forget recent
// history, and dispatches an operator script on interesting events.
package monitor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/kasuganosora/blrproxy/pkg/mserver"
)

// ErrServerClaimed is returned by Monitor.AddServer when another
// monitor already owns the server.
var ErrServerClaimed = fmt.Errorf("monitor: server already claimed by another monitor")

// claims tracks server-name -> owning-monitor-name across every Monitor
// in the process, mirroring the original's process-wide ownership table:
// a server may be watched by exactly one monitor at a time.
var claims = struct {
	mu    sync.Mutex
	owner map[string]string
}{owner: make(map[string]string)}

func claimServer(server, owner string) (existing string, ok bool) {
	claims.mu.Lock()
	defer claims.mu.Unlock()
	if cur, taken := claims.owner[server]; taken && cur != owner {
		return cur, false
	}
	claims.owner[server] = owner
	return "", true
}

func releaseServer(server, owner string) {
	claims.mu.Lock()
	defer claims.mu.Unlock()
	if claims.owner[server] == owner {
		delete(claims.owner, server)
	}
}

// Config carries a monitor's tunables, named after the monitor's own
// config parameters (monitor_interval, backend_connect_timeout,
// journal_max_age, script, script_timeout), plus the slow-probe threshold.
type Config struct {
	Interval          time.Duration
	ConnectTimeout    time.Duration
	JournalMaxAge     time.Duration
	JournalDir        string
	Script            string
	ScriptTimeout     time.Duration
	SlowProbeThreshold time.Duration
}

// DefaultConfig returns the monitor's stock tunables.
func DefaultConfig() Config {
	return Config{
		Interval:           2 * time.Second,
		ConnectTimeout:     3 * time.Second,
		JournalMaxAge:      8 * time.Hour,
		Script:             "",
		ScriptTimeout:      90 * time.Second,
		SlowProbeThreshold: time.Second,
	}
}

// Monitor owns a set of servers, ticking on Config.Interval to probe
// each one, update its Status, and dispatch events. Exactly one monitor
// may claim a given server name at a time (AddServer enforces this).
type Monitor struct {
	Name    string
	Config  Config
	Metrics *MetricsCollector
	Slow    *SlowProbeAnalyzer

	prober  *Prober
	journal *Journal
	script  *ScriptDispatcher

	mu      sync.RWMutex
	servers map[string]*mserver.Server
	masterID map[string]string // server name -> master server name, for $PARENT/$CHILDREN

	quit   chan struct{}
	wg     sync.WaitGroup
	ticked chan struct{} // buffered 1; signaled after every completed tick, for tests
}

// New creates a monitor with the given name and config. If cfg.JournalDir
// is non-empty, a Badger journal is opened there; callers that don't want
// persistence should leave it empty.
func New(name string, cfg Config) (*Monitor, error) {
	m := &Monitor{
		Name:     name,
		Config:   cfg,
		Metrics:  NewMetricsCollector(),
		Slow:     NewSlowProbeAnalyzer(cfg.SlowProbeThreshold, 500),
		prober:   NewProber(cfg.ConnectTimeout),
		servers:  make(map[string]*mserver.Server),
		masterID: make(map[string]string),
		quit:     make(chan struct{}),
		ticked:   make(chan struct{}, 1),
	}
	if cfg.Script != "" {
		m.script = NewScriptDispatcher(cfg.Script, cfg.ScriptTimeout)
	}
	if cfg.JournalDir != "" {
		j, err := OpenJournal(cfg.JournalDir, name)
		if err != nil {
			return nil, err
		}
		m.journal = j
	}
	return m, nil
}

// AddServer claims exclusive ownership of s for this monitor and begins
// tracking it. If another monitor already owns a server with this name it
// returns an error that wraps ErrServerClaimed and names that monitor.
func (m *Monitor) AddServer(s *mserver.Server) error {
	if owner, ok := claimServer(s.Name, m.Name); !ok {
		return fmt.Errorf("%w: %s is owned by monitor %s", ErrServerClaimed, s.Name, owner)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.servers[s.Name] = s

	if m.journal != nil {
		if entry, found, err := m.journal.Load(s.Name); err == nil && found {
			if fresh, _ := m.journal.IsFresh(m.Config.JournalMaxAge); fresh {
				s.SetStatus(mserver.Status(entry.Status))
			}
		}
	}
	return nil
}

// RemoveServer stops tracking s and releases this monitor's claim on it.
func (m *Monitor) RemoveServer(name string) {
	m.mu.Lock()
	delete(m.servers, name)
	delete(m.masterID, name)
	m.mu.Unlock()
	releaseServer(name, m.Name)
}

// Servers returns a snapshot slice of every server currently tracked.
func (m *Monitor) Servers() []*mserver.Server {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*mserver.Server, 0, len(m.servers))
	for _, s := range m.servers {
		out = append(out, s)
	}
	return out
}

// Start launches the tick-loop goroutine. Calling Start twice is a
// programming error; callers must Stop before restarting.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.run()
}

// Stop signals the tick loop to exit and waits for it to finish,
// closing the prober and journal.
func (m *Monitor) Stop() {
	close(m.quit)
	m.wg.Wait()
	m.prober.Close()
	if m.journal != nil {
		m.journal.Close()
	}
}

func (m *Monitor) run() {
	defer m.wg.Done()
	interval := m.Config.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.quit:
			return
		case <-ticker.C:
			m.Tick(context.Background())
			select {
			case m.ticked <- struct{}{}:
			default:
			}
		}
	}
}

// Tick runs one probe-and-classify pass over every tracked server. It is
// exported so tests and an admin "check now" request can force an
// off-schedule pass without waiting for the ticker.
func (m *Monitor) Tick(ctx context.Context) {
	for _, s := range m.Servers() {
		before := s.Status()

		pc := NewProbeContext(ctx, m.Metrics, m.Slow, s.Name, "tick")
		pc.Start()
		result := m.prober.Probe(ctx, s)
		pc.End(result.Reachable, result.Err)

		after := m.applyResult(s, before, result)

		events := Classify(before, after)
		if len(events) > 0 && m.script != nil {
			m.dispatchEvents(ctx, s, events)
		}
		if m.journal != nil {
			m.journal.Save(JournalEntry{ServerName: s.Name, Status: uint64(after)})
		}
	}
}

func (m *Monitor) applyResult(s *mserver.Server, before mserver.Status, result ProbeResult) mserver.Status {
	if result.Err != nil {
		m.Metrics.RecordError(result.ErrKind)
	}

	if !result.Reachable {
		s.ClearBits(mserver.StatusRunning | mserver.StatusMaster | mserver.StatusSlave)
		if result.ErrKind == errKindAuth {
			s.SetBits(mserver.StatusAuthError)
		}
		return s.Status()
	}

	s.ClearBits(mserver.StatusAuthError)
	s.SetBits(mserver.StatusRunning)
	ApplyRole(s, result)

	if result.IsSlave {
		m.mu.Lock()
		m.masterID[s.Name] = "" // role known but master server identity resolved by caller via GTID/master.ini lookup
		m.mu.Unlock()
	}

	return s.Status()
}

func (m *Monitor) dispatchEvents(ctx context.Context, initiator *mserver.Server, events []Event) {
	all := m.Servers()
	var parent *mserver.Server
	var children []*mserver.Server
	m.mu.RLock()
	parentName := m.masterID[initiator.Name]
	m.mu.RUnlock()
	for _, s := range all {
		if s.Name == parentName {
			parent = s
		}
		m.mu.RLock()
		childOf := m.masterID[s.Name] == initiator.Name
		m.mu.RUnlock()
		if childOf {
			children = append(children, s)
		}
	}

	for _, ev := range events {
		if err := m.script.Launch(ctx, ev, initiator, parent, children, all); err != nil {
			// A failed script must not abort the tick; the next tick
			// will try again if the condition persists.
			log.Printf("monitor %s: %v", m.Name, err)
		}
	}
}
