package monitor

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/kasuganosora/blrproxy/pkg/mserver"
)

// ProbeResult is what one tick's probe of a single server discovered.
type ProbeResult struct {
	Reachable    bool
	IsMaster     bool
	IsSlave      bool
	SlaveRunning bool
	VersionString string
	GTIDPositions map[uint32]string
	Err          error
	ErrKind      string
}

// Prober opens short-lived database/sql connections to backend servers
// to determine role and health; one Prober is shared across a monitor's
// ticks, holding a small connection cache keyed by server name so a
// steady-state tick reuses its *sql.DB rather than reopening per probe.
type Prober struct {
	Timeout time.Duration

	conns map[string]*sql.DB
}

// NewProber creates a Prober with the given per-probe timeout.
func NewProber(timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Prober{Timeout: timeout, conns: make(map[string]*sql.DB)}
}

func (p *Prober) dbFor(s *mserver.Server) (*sql.DB, error) {
	if db, ok := p.conns[s.Name]; ok {
		return db, nil
	}
	db, err := sql.Open("mysql", s.DSN())
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Minute)
	p.conns[s.Name] = db
	return db, nil
}

// Invalidate drops the cached connection for s, forcing a fresh dial on
// the next Probe call; Probe calls it after observing an auth error. An
// address change does not invalidate the cached connection.
func (p *Prober) Invalidate(s *mserver.Server) {
	if db, ok := p.conns[s.Name]; ok {
		db.Close()
		delete(p.conns, s.Name)
	}
}

// Close releases every cached connection.
func (p *Prober) Close() {
	for name, db := range p.conns {
		db.Close()
		delete(p.conns, name)
	}
}

// Probe pings s, then runs SHOW SLAVE STATUS and a small set of session
// variables to determine role. A failure to connect or authenticate is
// reported in Err/ErrKind rather than returned as a Go error, since a
// down server is an expected, tick-to-tick outcome, not a programming
// error.
func (p *Prober) Probe(ctx context.Context, s *mserver.Server) ProbeResult {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	db, err := p.dbFor(s)
	if err != nil {
		return ProbeResult{Err: err, ErrKind: classifyErr(err)}
	}

	if err := db.PingContext(ctx); err != nil {
		kind := classifyErr(err)
		if kind == errKindAuth {
			p.Invalidate(s)
		}
		return ProbeResult{Err: err, ErrKind: kind}
	}

	result := ProbeResult{Reachable: true, GTIDPositions: make(map[uint32]string)}

	var version string
	if err := db.QueryRowContext(ctx, "SELECT @@version").Scan(&version); err == nil {
		result.VersionString = version
	}

	rows, err := db.QueryContext(ctx, "SHOW SLAVE STATUS")
	if err == nil {
		result.IsSlave, result.SlaveRunning = scanSlaveStatus(rows)
	}
	if !result.IsSlave {
		result.IsMaster = true
	}

	return result
}

// scanSlaveStatus consumes a SHOW SLAVE STATUS result set without
// depending on a fixed column order or count, which varies between
// MySQL and MariaDB: it maps column names to values for the one row
// returned (if any).
func scanSlaveStatus(rows *sql.Rows) (isSlave, running bool) {
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil || !rows.Next() {
		return false, false
	}

	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return false, false
	}

	isSlave = true
	byName := make(map[string]any, len(cols))
	for i, c := range cols {
		byName[strings.ToLower(c)] = vals[i]
	}

	ioRunning, _ := byName["slave_io_running"].([]byte)
	sqlRunning, _ := byName["slave_sql_running"].([]byte)
	running = strings.EqualFold(string(ioRunning), "yes") && strings.EqualFold(string(sqlRunning), "yes")
	return isSlave, running
}

const (
	errKindAuth    = "access_denied"
	errKindTimeout = "timeout"
	errKindRefused = "refused"
	errKindOther   = "other"
)

func classifyErr(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, context.DeadlineExceeded), strings.Contains(msg, "timeout"):
		return errKindTimeout
	case strings.Contains(msg, "access denied"):
		return errKindAuth
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "no route to host"):
		return errKindRefused
	default:
		return errKindOther
	}
}

// ApplyRole sets the Master/Slave status bits on s based on the probe
// result, and records the probed version string.
func ApplyRole(s *mserver.Server, r ProbeResult) {
	if r.VersionString != "" {
		s.SetVersionString(r.VersionString)
	}
	s.ClearBits(mserver.StatusMaster | mserver.StatusSlave)
	if r.IsMaster {
		s.SetBits(mserver.StatusMaster)
	}
	if r.IsSlave {
		s.SetBits(mserver.StatusSlave)
	}
}
