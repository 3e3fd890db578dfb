package binlog

import (
	"bytes"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kasuganosora/blrproxy/pkg/binlog/gtidmap"
	"github.com/kasuganosora/blrproxy/pkg/dcb"
	"github.com/kasuganosora/blrproxy/server/protocol"
	"github.com/kasuganosora/blrproxy/server/response"
)

// ReplicaState is one state of a downstream replica connection's FSM.
type ReplicaState int32

const (
	BLRSCreated ReplicaState = iota
	BLRSUnregistered
	BLRSRegistered
	BLRSDumping
	BLRSErrored
)

func (s ReplicaState) String() string {
	switch s {
	case BLRSCreated:
		return "CREATED"
	case BLRSUnregistered:
		return "UNREGISTERED"
	case BLRSRegistered:
		return "REGISTERED"
	case BLRSDumping:
		return "DUMPING"
	case BLRSErrored:
		return "ERRORED"
	default:
		return "UNKNOWN"
	}
}

const (
	burstMaxEvents = 100
	burstMaxBytes  = 1 << 20 // 1MB per catch-up burst
)

// Router owns the on-disk binlog file set, the upstream Master ingesting
// into it, and every downstream Replica currently being served from it.
type Router struct {
	mu       sync.RWMutex
	file     *File
	gtids    *gtidmap.Store
	Master   *Master
	replicas map[uint64]*Replica

	ServerID uint32
	Strict   bool // set from configuration; handleBinlogDump does not read it
}

// NewRouter creates a Router serving file and holding store (may be nil).
// handleBinlogDump does not look start positions up in store.
func NewRouter(file *File, store *gtidmap.Store, serverID uint32) *Router {
	return &Router{
		file:     file,
		gtids:    store,
		replicas: make(map[uint64]*Replica),
		ServerID: serverID,
	}
}

// currentPos reports the router's live write position, used by
// a Replica catching up to detect it has reached the tip of the stream.
func (r *Router) currentPos() uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.file.CurrentPos
}

// NotifyReplicas wakes every DUMPING replica so it re-checks for new
// events; cmd/service calls it from Master.OnEvent after every event the
// Master appends to disk.
func (r *Router) NotifyReplicas() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rep := range r.replicas {
		rep.wake()
	}
}

func (r *Router) register(rep *Replica) {
	r.mu.Lock()
	r.replicas[rep.id] = rep
	r.mu.Unlock()
}

func (r *Router) unregister(id uint64) {
	r.mu.Lock()
	delete(r.replicas, id)
	r.mu.Unlock()
}

// Replica is one downstream slave connection. It implements dcb.Handler;
// command handling runs on its owning worker goroutine, while catch-up
// bursts run on the replica's own catchUpLoop goroutine.
type Replica struct {
	id     uint64
	router *Router
	d      *dcb.DCB

	state atomic.Int32

	ServerID uint32
	Hostname string
	User     string
	Port     uint16
	Rank     uint32

	Heartbeat time.Duration

	lastSentFile string
	lastSentPos  uint32
	threadID     uint64

	wakeCh chan struct{}
}

var replicaIDCounter uint64

// NewReplica creates a Replica bound to router. Callers construct a DCB
// with the returned Replica as its Handler and add it to a worker.
func NewReplica(router *Router) *Replica {
	id := atomic.AddUint64(&replicaIDCounter, 1)
	rep := &Replica{
		id:       id,
		router:   router,
		threadID: id,
		wakeCh:   make(chan struct{}, 1),
	}
	rep.state.Store(int32(BLRSCreated))
	return rep
}

func (rep *Replica) State() ReplicaState { return ReplicaState(rep.state.Load()) }
func (rep *Replica) setState(s ReplicaState) { rep.state.Store(int32(s)) }

func (rep *Replica) wake() {
	select {
	case rep.wakeCh <- struct{}{}:
	default:
	}
}

// ReadyForReading implements dcb.Handler.
func (rep *Replica) ReadyForReading(d *dcb.DCB) error {
	rep.d = d
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
		if err := rep.handleCommand(d, pkt); err != nil {
			return err
		}
	}
}

func (rep *Replica) handleCommand(d *dcb.DCB, pkt protocol.Packet) error {
	cmd := pkt.Payload[0]
	switch cmd {
	case protocol.COM_REGISTER_SLAVE:
		return rep.handleRegisterSlave(d, pkt)
	case protocol.COM_BINLOG_DUMP:
		return rep.handleBinlogDump(d, pkt)
	case protocol.COM_QUERY:
		return HandleAdminQuery(rep, d, string(pkt.Payload[1:]), pkt.SequenceID)
	default:
		return rep.replyErr(d, pkt.SequenceID+1, fmt.Sprintf("command 0x%x not supported on replication connection", cmd))
	}
}

// handleRegisterSlave parses COM_REGISTER_SLAVE's body: server_id(4),
// hostname(lenenc-str), user(lenenc-str), password(lenenc-str), port(2),
// replication_rank(4), master_id(4).
func (rep *Replica) handleRegisterSlave(d *dcb.DCB, pkt protocol.Packet) error {
	body := pkt.Payload[1:]
	if len(body) < 4 {
		return rep.replyErr(d, pkt.SequenceID+1, "malformed COM_REGISTER_SLAVE")
	}
	off := 0
	rep.ServerID = uint32(body[0]) | uint32(body[1])<<8 | uint32(body[2])<<16 | uint32(body[3])<<24
	off += 4

	var s string
	s, off = readLenencString(body, off)
	rep.Hostname = s
	s, off = readLenencString(body, off)
	rep.User = s
	_, off = readLenencString(body, off) // password, not retained in plaintext form
	if off+2 <= len(body) {
		rep.Port = uint16(body[off]) | uint16(body[off+1])<<8
		off += 2
	}
	if off+4 <= len(body) {
		rep.Rank = uint32(body[off]) | uint32(body[off+1])<<8 | uint32(body[off+2])<<16 | uint32(body[off+3])<<24
		off += 4
	}

	rep.setState(BLRSRegistered)
	rep.router.register(rep)
	return rep.replyOK(d, pkt.SequenceID+1)
}

func readLenencString(b []byte, off int) (string, int) {
	if off >= len(b) {
		return "", off
	}
	n := int(b[off])
	off++
	if off+n > len(b) {
		return "", off
	}
	return string(b[off : off+n]), off + n
}

// handleBinlogDump parses COM_BINLOG_DUMP's body: position(4), flags(2),
// server_id(4), filename(rest), takes the starting position verbatim (an
// empty filename means the router's live file, at position 4 if none is
// given; the GTID map is not consulted), sends the fake Rotate+FDE
// preamble, and transitions to DUMPING.
func (rep *Replica) handleBinlogDump(d *dcb.DCB, pkt protocol.Packet) error {
	body := pkt.Payload[1:]
	if len(body) < 10 {
		return rep.replyErr(d, pkt.SequenceID+1, "malformed COM_BINLOG_DUMP")
	}
	pos := uint32(body[0]) | uint32(body[1])<<8 | uint32(body[2])<<16 | uint32(body[3])<<24
	filename := string(body[10:])

	file := filename
	if file == "" {
		file = rep.router.file.Path
		if pos == 0 {
			pos = 4
		}
	}

	if err := rep.sendFakeRotate(d, file, pos); err != nil {
		return err
	}
	if err := rep.sendFakeFDE(d); err != nil {
		return err
	}

	rep.lastSentFile = file
	rep.lastSentPos = pos
	rep.setState(BLRSDumping)

	go rep.catchUpLoop()
	return nil
}

func (rep *Replica) sendFakeRotate(d *dcb.DCB, file string, pos uint32) error {
	ev := protocol.RotateEvent{NextPosition: uint64(pos), BinlogFile: file}
	eventLength := uint32(protocol.BINLOG_EVENT_HEADER_LENGTH) + uint32(8+len(file))
	ev.Header = protocol.BinlogEventHeader{
		Timestamp:   0,
		EventType:   uint8(protocol.BINLOG_ROTATE_EVENT),
		ServerID:    rep.router.ServerID,
		EventLength: eventLength,
		NextPos:     0,
	}
	raw, err := ev.Marshal()
	if err != nil {
		return err
	}
	return rep.sendEventFrame(d, raw)
}

func (rep *Replica) sendFakeFDE(d *dcb.DCB) error {
	fde := rep.router.file.FDE
	if fde == nil {
		return nil
	}
	raw, err := fde.Marshal()
	if err != nil {
		return err
	}
	return rep.sendEventFrame(d, raw)
}

// sendEventFrame writes one pre-marshaled event (header+body) to the
// replica, prefixing the 0x00 OK byte MySQL's replication stream expects
// and splitting into multiple packets if the event exceeds 2^24-1 bytes,
// terminated by an empty packet per the wire convention.
func (rep *Replica) sendEventFrame(d *dcb.DCB, raw []byte) error {
	payload := append([]byte{0x00}, raw...)
	const maxPacket = 0xffffff
	seq := uint8(0)
	for len(payload) >= maxPacket {
		chunk := payload[:maxPacket]
		payload = payload[maxPacket:]
		pkt := protocol.Packet{PayloadLength: uint32(len(chunk)), SequenceID: seq, Payload: chunk}
		if err := d.WriteQueueAppend(pkt.RawBytes()); err != nil {
			return err
		}
		seq++
	}
	pkt := protocol.Packet{PayloadLength: uint32(len(payload)), SequenceID: seq, Payload: payload}
	if err := d.WriteQueueAppend(pkt.RawBytes()); err != nil {
		return err
	}
	if len(raw)+1 >= maxPacket {
		empty := protocol.Packet{PayloadLength: 0, SequenceID: seq + 1, Payload: nil}
		return d.WriteQueueAppend(empty.RawBytes())
	}
	return nil
}

// catchUpLoop runs on its own goroutine (not the worker goroutine) since it
// blocks on rep.wakeCh between bursts; socket writes go straight through
// the DCB's WriteQueueAppend from this goroutine.
func (rep *Replica) catchUpLoop() {
	for rep.State() == BLRSDumping {
		rep.burst()
		select {
		case <-rep.wakeCh:
		case <-time.After(time.Second):
		}
		if !rep.d.IsOpen() {
			return
		}
	}
}

func (rep *Replica) burst() {
	sent := 0
	sentBytes := 0
	pos := rep.lastSentPos
	file := rep.lastSentFile

	for sent < burstMaxEvents && sentBytes < burstMaxBytes {
		if file != rep.router.file.Path {
			// Replica is still reading an older, rotated-away file; not
			// modeled here beyond the live file, so stop the burst and
			// let an operator-side backfill process handle historical
			// files.
			return
		}
		if pos >= rep.router.currentPos() {
			return // caught up to the tip
		}

		header, body, nextPos, err := rep.router.file.ReadEventAt(pos)
		if err != nil {
			log.Printf("binlog replica %d: read at %d: %v", rep.ServerID, pos, err)
			return
		}

		skip := header.EventType == uint8(protocol.BINLOG_START_ENCRYPTION_EVENT) ||
			header.EventType == uint8(protocol.BINLOG_IGNORABLE_EVENT) ||
			header.Flags&protocol.BINLOG_EVENT_IGNORABLE != 0

		if !skip {
			if pos < rep.lastSentPos && file == rep.lastSentFile {
				log.Printf("binlog replica %d: duplicate send of %s:%d rejected", rep.ServerID, file, pos)
				return
			}
			raw := make([]byte, 0, protocol.BINLOG_EVENT_HEADER_LENGTH+len(body))
			headerBytes, _ := header.Marshal()
			raw = append(raw, headerBytes...)
			raw = append(raw, body...)
			if err := rep.sendEventFrame(rep.d, raw); err != nil {
				log.Printf("binlog replica %d: send failed: %v", rep.ServerID, err)
				rep.setState(BLRSErrored)
				return
			}
			rep.lastSentFile = file
			rep.lastSentPos = nextPos
			sent++
			sentBytes += len(body)
		}

		pos = nextPos
	}
}

// SendHeartbeat emits a HEARTBEAT_LOG_EVENT naming the replica's current
// file, used when no real event has been sent within Heartbeat seconds.
func (rep *Replica) SendHeartbeat() error {
	if rep.Heartbeat <= 0 || rep.State() != BLRSDumping {
		return nil
	}
	ev := protocol.HeartbeatLogEvent{Timestamp: rep.lastSentFile}
	eventLength := uint32(protocol.BINLOG_EVENT_HEADER_LENGTH) + uint32(len(rep.lastSentFile)+1)
	ev.Header = protocol.BinlogEventHeader{
		EventType:   uint8(protocol.BINLOG_HEARTBEAT_LOG_EVENT),
		ServerID:    rep.router.ServerID,
		EventLength: eventLength,
	}
	raw, err := ev.Marshal()
	if err != nil {
		return err
	}
	return rep.sendEventFrame(rep.d, raw)
}

func (rep *Replica) replyOK(d *dcb.DCB, seq uint8) error {
	pkt := response.NewOKBuilder().Build(seq, 0, 0, 0)
	raw, err := pkt.Marshal()
	if err != nil {
		return err
	}
	return d.WriteQueueAppend(raw)
}

func (rep *Replica) replyErr(d *dcb.DCB, seq uint8, msg string) error {
	pkt := response.NewErrorBuilder().Build(seq, 1105, "HY000", msg)
	raw, err := pkt.Marshal()
	if err != nil {
		return err
	}
	return d.WriteQueueAppend(raw)
}

// WriteReady implements dcb.Handler.
func (rep *Replica) WriteReady(d *dcb.DCB) error { return nil }

// Error implements dcb.Handler.
func (rep *Replica) Error(d *dcb.DCB, err error) {
	log.Printf("binlog replica %d: connection error: %v", rep.ServerID, err)
	rep.setState(BLRSErrored)
}

// Hangup implements dcb.Handler.
func (rep *Replica) Hangup(d *dcb.DCB) {
	rep.setState(BLRSErrored)
	rep.router.unregister(rep.id)
}

// Shutdown implements dcb.Handler.
func (rep *Replica) Shutdown(d *dcb.DCB) {}
