package binlog

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kasuganosora/blrproxy/pkg/dcb"
	"github.com/kasuganosora/blrproxy/pkg/utils"
	"github.com/kasuganosora/blrproxy/server/protocol"
)

// MasterState is one state of the master-ingest FSM. The proxy drives its
// upstream connection through this chain exactly once per (re)connect; the
// names and order are the router's own, not a generic client handshake.
type MasterState int32

const (
	BLRMUnconfigured MasterState = iota
	BLRMUnconnected
	BLRMConnecting
	BLRMAuthenticated
	BLRMTimestamp
	BLRMServerID
	BLRMHBPeriod
	BLRMChksum1
	BLRMChksum2
	BLRMMariaDB10
	BLRMGtidMode
	BLRMMUuid
	BLRMSUuid
	BLRMLatin1
	BLRMUtf8
	BLRMSelect1
	BLRMSelectVer
	BLRMSelectVerCom
	BLRMSelectHostname
	BLRMMap
	BLRMRegister
	BLRMCheckSemiSync
	BLRMRequestSemiSync
	BLRMRequestBinlogDump
	BLRMBinlogDump
	BLRMSlaveStopped
)

var masterStateNames = map[MasterState]string{
	BLRMUnconfigured:      "UNCONFIGURED",
	BLRMUnconnected:       "UNCONNECTED",
	BLRMConnecting:        "CONNECTING",
	BLRMAuthenticated:     "AUTHENTICATED",
	BLRMTimestamp:         "TIMESTAMP",
	BLRMServerID:          "SERVERID",
	BLRMHBPeriod:          "HBPERIOD",
	BLRMChksum1:           "CHKSUM1",
	BLRMChksum2:           "CHKSUM2",
	BLRMMariaDB10:         "MARIADB10",
	BLRMGtidMode:          "GTIDMODE",
	BLRMMUuid:             "MUUID",
	BLRMSUuid:             "SUUID",
	BLRMLatin1:            "LATIN1",
	BLRMUtf8:              "UTF8",
	BLRMSelect1:           "SELECT1",
	BLRMSelectVer:         "SELECTVER",
	BLRMSelectVerCom:      "SELECTVERCOM",
	BLRMSelectHostname:    "SELECTHOSTNAME",
	BLRMMap:               "MAP",
	BLRMRegister:          "REGISTER",
	BLRMCheckSemiSync:     "CHECK_SEMISYNC",
	BLRMRequestSemiSync:   "REQUEST_SEMISYNC",
	BLRMRequestBinlogDump: "REQUEST_BINLOGDUMP",
	BLRMBinlogDump:        "BINLOGDUMP",
	BLRMSlaveStopped:      "SLAVE_STOPPED",
}

func (s MasterState) String() string {
	if n, ok := masterStateNames[s]; ok {
		return n
	}
	return "UNKNOWN"
}

// registrationQuery is one step of the linear registration chain: either a
// COM_QUERY text sent verbatim, or a marker handled specially (handshake,
// MariaDB10 GTID registration, the binlog dump request itself).
type registrationQuery struct {
	state MasterState
	query string // empty for specially-handled states
}

// registrationChain is the exact linear order blr_master.c issues queries
// in; GTIDMODE's response is tolerated either way (older servers lack it).
var registrationChain = []registrationQuery{
	{BLRMTimestamp, "SELECT UNIX_TIMESTAMP()"},
	{BLRMServerID, "SHOW VARIABLES LIKE 'SERVER_ID'"},
	{BLRMHBPeriod, ""}, // SET @master_heartbeat_period = <n>000000000
	{BLRMChksum1, "SET @master_binlog_checksum = @@global.binlog_checksum"},
	{BLRMChksum2, "SELECT @master_binlog_checksum"},
	{BLRMGtidMode, "SELECT @@GLOBAL.GTID_MODE"},
	{BLRMMUuid, "SHOW VARIABLES LIKE 'SERVER_UUID'"},
	{BLRMSUuid, "SHOW VARIABLES LIKE 'SERVER_UUID'"},
	{BLRMLatin1, "SET NAMES latin1"},
	{BLRMUtf8, "SET NAMES utf8"},
	{BLRMSelect1, "SELECT 1"},
	{BLRMSelectVer, "SELECT VERSION()"},
	{BLRMSelectVerCom, "SELECT @@version_comment limit 1"},
	{BLRMSelectHostname, "SELECT @@hostname"},
	{BLRMMap, "SELECT @@max_allowed_packet"},
	{BLRMCheckSemiSync, "SHOW VARIABLES LIKE 'rpl_semi_sync_master_enabled'"},
}

// trxStreamState tracks whether an event currently straddles multiple wire
// packets, needed because any event over 2^24-1 bytes is split across
// several MySQL packets with no event framing of its own.
type trxStreamState int

const (
	streamDone trxStreamState = iota
	streamStarted
	streamOngoing
)

// MasterConfig describes the upstream server this Master connects to and
// registers against as a replica.
type MasterConfig struct {
	Host              string
	Port              int
	User              string
	Password          string
	ServerID          uint32
	Heartbeat         time.Duration
	TrxSafe           bool
	UseGTID           bool
	SemiSyncRequested bool
	TLS               *tls.Config

	BackoffBase time.Duration
	BackoffMax  time.Duration
}

func (c MasterConfig) addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Master drives the proxy's single upstream replication connection. It
// implements dcb.Handler and is added to a dcb.Worker like any other
// backend connection; all FSM state is therefore only ever touched from
// that worker's goroutine.
type Master struct {
	cfg    MasterConfig
	file   *File
	worker *dcb.Worker

	state   atomic.Int32
	dcb     *dcb.DCB
	attempt int

	// SavedResponses holds the verbatim reply to each registration query,
	// replayed to slaves during their own handshake so they see identical
	// session variables to what the real master returned.
	mu             sync.Mutex
	SavedResponses map[MasterState][]byte
	LastError      error

	chainIdx int

	streamState   trxStreamState
	streamBuf     []byte
	inTransaction bool

	BinlogName       string
	BinlogPosition   uint32 // safe resume point: end of last completed transaction
	CurrentPos       uint32
	LastEventReceived time.Time
	LastEventTimestamp uint32

	semiSyncEnabled bool

	OnEvent func(header protocol.BinlogEventHeader, body []byte, fileRotated bool)

	closed atomic.Bool
}

// NewMaster creates a Master bound to file as its write target. GTID
// tracking, if wanted, is wired by the caller through OnEvent.
func NewMaster(cfg MasterConfig, file *File, worker *dcb.Worker) *Master {
	m := &Master{
		cfg:            cfg,
		file:           file,
		worker:         worker,
		SavedResponses: make(map[MasterState][]byte),
	}
	m.state.Store(int32(BLRMUnconnected))
	return m
}

// State returns the FSM's current state.
func (m *Master) State() MasterState { return MasterState(m.state.Load()) }

func (m *Master) setState(s MasterState) { m.state.Store(int32(s)) }

// Start dials the upstream master and begins the registration chain. It
// blocks until the initial TCP connect (not the full handshake) completes.
func (m *Master) Start(ctx context.Context) error {
	if m.State() == BLRMBinlogDump {
		return nil
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", m.cfg.addr())
	if err != nil {
		return m.scheduleReconnect(err)
	}
	if m.cfg.TLS != nil {
		conn = tls.Client(conn, m.cfg.TLS)
	}
	m.setState(BLRMConnecting)
	handle := dcb.New(dcb.RoleBackend, conn, m, nil)
	m.dcb = handle
	return m.worker.Add(handle)
}

func (m *Master) scheduleReconnect(cause error) error {
	m.mu.Lock()
	m.LastError = cause
	m.mu.Unlock()
	m.attempt++
	backoff := m.cfg.BackoffBase * time.Duration(m.attempt)
	if m.cfg.BackoffMax > 0 && backoff > m.cfg.BackoffMax {
		backoff = m.cfg.BackoffMax
	}
	log.Printf("binlog master: connect to %s failed, retrying in %s: %v", m.cfg.addr(), backoff, cause)
	time.AfterFunc(backoff, func() {
		if !m.closed.Load() {
			_ = m.Start(context.Background())
		}
	})
	return cause
}

// ReadyForReading implements dcb.Handler. During the registration chain it
// consumes exactly one packet per call; once BINLOGDUMP is reached it
// switches to the steady-state event reader.
func (m *Master) ReadyForReading(d *dcb.DCB) error {
	if m.State() == BLRMBinlogDump {
		return m.consumeEventPackets(d)
	}
	return m.consumeHandshakePacket(d)
}

func (m *Master) consumeHandshakePacket(d *dcb.DCB) error {
	ok, data := d.Read(4, 0)
	if !ok {
		return nil
	}
	var pkt protocol.Packet
	if err := pkt.Unmarshal(bytes.NewReader(data)); err != nil {
		return err
	}

	switch m.State() {
	case BLRMConnecting:
		var hs protocol.HandshakeV10Packet
		if err := hs.Unmarshal(bytes.NewReader(pkt.RawBytes())); err != nil {
			return err
		}
		scramble := append(append([]byte(nil), hs.AuthPluginDataPart...), hs.AuthPluginDataPart2...)
		resp := protocol.HandshakeResponse{}
		resp.User = m.cfg.User
		resp.AuthResponse = utils.GeneratePasswordHash(m.cfg.Password, scramble)
		resp.ClientCapabilities = uint16(protocol.CLIENT_PROTOCOL_41 | protocol.CLIENT_LONG_PASSWORD | protocol.CLIENT_SECURE_CONNECTION)
		body, err := resp.Marshal()
		if err != nil {
			return err
		}
		if err := m.sendRaw(d, pkt.SequenceID+1, body); err != nil {
			return err
		}
		m.setState(BLRMAuthenticated)
		return nil
	case BLRMAuthenticated:
		if pkt.GetCommandType() == 0xff {
			return m.fatalf("auth failed")
		}
		m.chainIdx = 0
		return m.sendNextRegistrationQuery(d)
	default:
		return m.handleRegistrationResponse(d, pkt)
	}
}

func (m *Master) handleRegistrationResponse(d *dcb.DCB, pkt protocol.Packet) error {
	if m.State() == BLRMRequestSemiSync {
		m.semiSyncEnabled = pkt.GetCommandType() != 0xff
		return m.sendRegisterSlave(d)
	}

	cur := registrationChain[m.chainIdx]
	if pkt.GetCommandType() == 0xff && cur.state != BLRMGtidMode {
		return m.fatalf("registration query at state %s failed", cur.state)
	}
	m.mu.Lock()
	m.SavedResponses[cur.state] = append([]byte(nil), pkt.RawBytes()...)
	m.mu.Unlock()

	m.chainIdx++
	if m.chainIdx < len(registrationChain) {
		return m.sendNextRegistrationQuery(d)
	}
	if cur.state == BLRMCheckSemiSync && m.cfg.SemiSyncRequested {
		return m.sendRequestSemiSync(d)
	}
	return m.sendRegisterSlave(d)
}

// sendRequestSemiSync asks the master to enable semi-sync acking for this
// connection; REQUEST_SEMISYNC runs after the CHECK_SEMISYNC response
// arrives when the configuration opted in (SemiSyncRequested). The content
// of the CHECK_SEMISYNC response is not inspected.
func (m *Master) sendRequestSemiSync(d *dcb.DCB) error {
	m.setState(BLRMRequestSemiSync)
	return m.sendComQuery(d, "SET @rpl_semi_sync_slave = 1")
}

func (m *Master) sendNextRegistrationQuery(d *dcb.DCB) error {
	cur := registrationChain[m.chainIdx]
	m.setState(cur.state)
	query := cur.query
	if cur.state == BLRMHBPeriod {
		seconds := int64(m.cfg.Heartbeat / time.Second)
		if seconds <= 0 {
			seconds = 300
		}
		query = fmt.Sprintf("SET @master_heartbeat_period = %d000000000", seconds)
	}
	return m.sendComQuery(d, query)
}

func (m *Master) sendComQuery(d *dcb.DCB, query string) error {
	body := append([]byte{protocol.COM_QUERY}, []byte(query)...)
	return m.sendRaw(d, 0, body)
}

func (m *Master) sendRaw(d *dcb.DCB, seq uint8, body []byte) error {
	pkt := protocol.Packet{PayloadLength: uint32(len(body)), SequenceID: seq, Payload: body}
	return d.WriteQueueAppend(pkt.RawBytes())
}

func (m *Master) sendRegisterSlave(d *dcb.DCB) error {
	m.setState(BLRMRegister)
	body := []byte{protocol.COM_REGISTER_SLAVE}
	var idBuf [4]byte
	idBuf[0] = byte(m.cfg.ServerID)
	idBuf[1] = byte(m.cfg.ServerID >> 8)
	idBuf[2] = byte(m.cfg.ServerID >> 16)
	idBuf[3] = byte(m.cfg.ServerID >> 24)
	body = append(body, idBuf[:]...)
	if err := m.sendRaw(d, 0, body); err != nil {
		return err
	}
	m.setState(BLRMRequestBinlogDump)
	return m.sendBinlogDumpRequest(d)
}

func (m *Master) sendBinlogDumpRequest(d *dcb.DCB) error {
	body := []byte{protocol.COM_BINLOG_DUMP}
	var posBuf [4]byte
	pos := m.BinlogPosition
	if pos == 0 {
		pos = 4
	}
	posBuf[0] = byte(pos)
	posBuf[1] = byte(pos >> 8)
	posBuf[2] = byte(pos >> 16)
	posBuf[3] = byte(pos >> 24)
	body = append(body, posBuf[:]...)
	body = append(body, 0, 0) // flags
	var sidBuf [4]byte
	sidBuf[0] = byte(m.cfg.ServerID)
	sidBuf[1] = byte(m.cfg.ServerID >> 8)
	sidBuf[2] = byte(m.cfg.ServerID >> 16)
	sidBuf[3] = byte(m.cfg.ServerID >> 24)
	body = append(body, sidBuf[:]...)
	body = append(body, []byte(m.BinlogName)...)
	if err := m.sendRaw(d, 0, body); err != nil {
		return err
	}
	m.setState(BLRMBinlogDump)
	m.attempt = 0
	return nil
}

// consumeEventPackets handles the steady-state stream: every packet here
// is a binlog event (or a fragment of one), never a query response.
func (m *Master) consumeEventPackets(d *dcb.DCB) error {
	for {
		ok, data := d.Read(4, 0)
		if !ok {
			return nil
		}
		var pkt protocol.Packet
		if err := pkt.Unmarshal(bytes.NewReader(data)); err != nil {
			return err
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		payload := pkt.Payload
		if m.streamState == streamDone {
			// Only the first packet of an event carries the OK byte;
			// continuation packets are raw event bytes.
			if payload[0] == 0xff {
				return m.fatalf("master sent error in replication stream")
			}
			payload = payload[1:] // strip the leading OK byte
			if m.semiSyncEnabled && len(payload) >= 2 && payload[0] == 0xef {
				// Semi-sync marker: next byte is ackReq; strip both.
				payload = payload[2:]
			}
		}

		switch m.streamState {
		case streamDone:
			if len(payload) < protocol.BINLOG_EVENT_HEADER_LENGTH {
				log.Printf("binlog master: short non-event packet (%d bytes), dropping", len(payload))
				continue
			}
			if len(pkt.Payload) == 0xffffff {
				m.streamState = streamStarted
				m.streamBuf = append([]byte(nil), payload...)
				continue
			}
			if err := m.handleEvent(payload); err != nil {
				return err
			}
		case streamStarted, streamOngoing:
			m.streamBuf = append(m.streamBuf, payload...)
			if len(pkt.Payload) == 0xffffff {
				m.streamState = streamOngoing
				continue
			}
			m.streamState = streamDone
			body := m.streamBuf
			m.streamBuf = nil
			if err := m.handleEvent(body); err != nil {
				return err
			}
		}
	}
}

func (m *Master) handleEvent(raw []byte) error {
	var header protocol.BinlogEventHeader
	if err := header.Unmarshal(bytes.NewReader(raw[:protocol.BINLOG_EVENT_HEADER_LENGTH])); err != nil {
		return err
	}
	body := raw[protocol.BINLOG_EVENT_HEADER_LENGTH:]

	m.LastEventReceived = time.Now()
	m.LastEventTimestamp = header.Timestamp

	m.trackTransaction(header, body)

	isSafePoint := !m.inTransaction
	pos, err := m.file.AppendEvent(header, body, isSafePoint)
	if err != nil {
		return fmt.Errorf("binlog master: append event: %w", err)
	}
	m.CurrentPos = pos + header.EventLength
	if isSafePoint {
		m.BinlogPosition = m.CurrentPos
	}

	if header.EventType == uint8(protocol.BINLOG_ROTATE_EVENT) {
		var rot protocol.RotateEvent
		rot.Header = header
		if err := rot.Unmarshal(bytes.NewReader(body)); err == nil {
			m.BinlogName = rot.BinlogFile
		}
	}

	if m.OnEvent != nil {
		m.OnEvent(header, body, header.EventType == uint8(protocol.BINLOG_ROTATE_EVENT))
	}
	return nil
}

// trackTransaction implements the BEGIN/GTID .. COMMIT/XID boundary rules
// that gate BinlogPosition advancement when TrxSafe is set.
func (m *Master) trackTransaction(header protocol.BinlogEventHeader, body []byte) {
	if !m.cfg.TrxSafe {
		return
	}
	switch header.EventType {
	case uint8(protocol.BINLOG_GTID_EVENT):
		var ev protocol.GtidEvent
		ev.Header = header
		if err := ev.Unmarshal(bytes.NewReader(body)); err == nil {
			if ev.Flags&(protocol.GTID_FL_DDL|protocol.GTID_FL_STANDALONE) == 0 {
				m.inTransaction = true
			}
		}
	case uint8(protocol.BINLOG_QUERY_EVENT):
		stmt := extractQueryStatement(body)
		switch {
		case strings.HasPrefix(stmt, "BEGIN"):
			m.inTransaction = true
		case strings.HasPrefix(stmt, "COMMIT"):
			m.inTransaction = false
		}
	case uint8(protocol.BINLOG_XID_EVENT):
		m.inTransaction = false
	}
}

// extractQueryStatement best-effort pulls the SQL text out of a
// QUERY_EVENT body without a full parse: schema-len and status-var-len
// are skipped via their own length-prefix fields, then db-name, then the
// remaining bytes are the statement.
func extractQueryStatement(body []byte) string {
	// Layout: thread_id(4) exec_time(4) schema_length(1) error_code(2)
	// status_vars_length(2) status_vars(status_vars_length)
	// schema_name(schema_length) NUL statement.
	if len(body) < 13 {
		return ""
	}
	schemaLen := int(body[8])
	statusVarLen := int(body[11]) | int(body[12])<<8
	stmtStart := 13 + statusVarLen + schemaLen + 1
	if stmtStart > len(body) {
		return ""
	}
	return strings.ToUpper(strings.TrimSpace(string(body[stmtStart:])))
}

func (m *Master) fatalf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	m.mu.Lock()
	m.LastError = err
	m.mu.Unlock()
	m.setState(BLRMSlaveStopped)
	return err
}

// WriteReady implements dcb.Handler; the DCB drains its own write queue so
// there is nothing extra for Master to do here.
func (m *Master) WriteReady(d *dcb.DCB) error { return nil }

// Error implements dcb.Handler.
func (m *Master) Error(d *dcb.DCB, err error) {
	log.Printf("binlog master: connection error: %v", err)
}

// Hangup implements dcb.Handler: the upstream connection dropped, so the
// FSM resets to UNCONNECTED and a reconnect is scheduled from the last
// safe position.
func (m *Master) Hangup(d *dcb.DCB) {
	m.setState(BLRMUnconnected)
	m.streamState = streamDone
	m.streamBuf = nil
	if !m.closed.Load() {
		_ = m.scheduleReconnect(errors.New("upstream master closed connection"))
	}
}

// Shutdown implements dcb.Handler.
func (m *Master) Shutdown(d *dcb.DCB) {}

// Close stops the Master from reconnecting and tears down its connection.
func (m *Master) Close() {
	m.closed.Store(true)
	if m.dcb != nil {
		m.dcb.Close()
	}
}

// CheckHeartbeat force-closes the upstream connection if no event has been
// received within Heartbeat+1s, per the router's heartbeat housekeeping
// task; callers run this off a ticker.
func (m *Master) CheckHeartbeat() {
	if m.State() != BLRMBinlogDump || m.cfg.Heartbeat <= 0 {
		return
	}
	if time.Since(m.LastEventReceived) > m.cfg.Heartbeat+time.Second {
		log.Printf("binlog master: no event received within heartbeat window, forcing reconnect")
		if m.dcb != nil {
			m.dcb.Close()
		}
	}
}

// SavedResponse returns the verbatim saved response for a
// registration state, or nil if none was recorded (e.g. GTIDMODE on a
// server that doesn't support it).
func (m *Master) SavedResponse(state MasterState) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.SavedResponses[state]
}
