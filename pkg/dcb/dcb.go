// Package dcb implements the Descriptor Control Block layer: one DCB per
// socket, owned by exactly one Worker for its entire lifetime, with a
// read queue and a write queue built on pkg/buffer, optional TLS framing,
// and write-queue backpressure.
package dcb

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kasuganosora/blrproxy/pkg/buffer"
)

// Role distinguishes the two kinds of socket a DCB wraps.
type Role int

const (
	RoleClient Role = iota
	RoleBackend
)

func (r Role) String() string {
	if r == RoleBackend {
		return "backend"
	}
	return "client"
}

// State is the DCB lifecycle state.
type State int32

const (
	StateCreated State = iota
	StatePolling
	StateNoPolling
	StateDisconnected
)

// ErrClosed is returned by operations attempted on a disconnected DCB.
var ErrClosed = errors.New("dcb: closed")

// Handler is implemented by the protocol object driving a DCB. All methods
// run exclusively on the DCB's owning worker goroutine.
type Handler interface {
	ReadyForReading(d *DCB) error
	WriteReady(d *DCB) error
	Error(d *DCB, err error)
	Hangup(d *DCB)
	Shutdown(d *DCB)
}

// Manager is notified of DCB lifecycle transitions so it can track pools
// of DCBs (e.g. a backend connection pool keyed by server).
type Manager interface {
	Add(d *DCB)
	Remove(d *DCB)
}

// WatermarkCallback fires when the write queue crosses HighWater (high
// true) or drops back below LowWater (high false).
type WatermarkCallback func(d *DCB, high bool)

// TLSState tracks the asymmetric want-read/want-write bookkeeping that a
// non-blocking TLS handshake/read/write needs.
type TLSState struct {
	Conn            *tls.Conn
	Established     bool
	ReadWantWrite   bool
	WriteWantRead   bool
	RetryWriteSize  int
}

// DCB is the per-socket control block. Fields are only ever mutated by the
// worker goroutine that owns the DCB (dcb.Worker), except for the atomic
// state/generation fields and the fields explicitly marked otherwise.
type DCB struct {
	UID        uint64
	Role       Role
	Conn       net.Conn
	worker     *Worker
	manager    Manager
	Handler    Handler

	state      int32 // State, accessed atomically for cross-goroutine reads
	generation uint64

	ReadQueue  *buffer.Buffer
	WriteQueue *buffer.Buffer

	TLS *TLSState

	HighWater         int
	LowWater          int
	highWaterReached  bool
	onHighWater       WatermarkCallback
	onLowWater        WatermarkCallback

	readsEnabled     bool
	savedTriggered   uint32
	triggeredEvent   uint32

	LastRead  time.Time
	LastWrite time.Time

	// MaxReadAmount bounds the bytes read in one ReadyForReading turn
	// before the handler must yield back to the loop (fairness cap).
	MaxReadAmount int

	Session any

	callbackMu sync.Mutex
	callbacks  []callbackEntry

	StrictRead bool // when true, Read never over-reads past maxBytes

	open int32 // 1 while Close has not yet been called
}

type callbackEntry struct {
	reason   string
	fn       func(d *DCB, reason string)
	userdata any
}

var uidCounter uint64

func nextUID() uint64 {
	return atomic.AddUint64(&uidCounter, 1)
}

// New creates a DCB in StateCreated. It does not register the DCB with a
// worker; call Worker.Add to do that.
func New(role Role, conn net.Conn, handler Handler, manager Manager) *DCB {
	d := &DCB{
		UID:           nextUID(),
		Role:          role,
		Conn:          conn,
		Handler:       handler,
		manager:       manager,
		ReadQueue:     buffer.New(),
		WriteQueue:    buffer.New(),
		HighWater:     256 * 1024,
		LowWater:      64 * 1024,
		MaxReadAmount: 0,
		readsEnabled:  true,
		open:          1,
	}
	atomic.StoreInt32(&d.state, int32(StateCreated))
	return d
}

// State returns the DCB's current lifecycle state.
func (d *DCB) State() State {
	return State(atomic.LoadInt32(&d.state))
}

// Generation returns the current generation counter, used to detect stale
// fake-event delivery after the DCB has been closed and its slot reused.
func (d *DCB) Generation() uint64 {
	return atomic.LoadUint64(&d.generation)
}

// Worker returns the owning worker. Nil until the DCB is added to one.
func (d *DCB) Worker() *Worker { return d.worker }

// IsOpen reports whether Close has not yet run to completion.
func (d *DCB) IsOpen() bool {
	return atomic.LoadInt32(&d.open) == 1
}

// EnableEvents transitions CREATED/NOPOLLING -> POLLING and starts the
// dedicated reader goroutine that feeds read-ready/hangup events to the
// owning worker.
func (d *DCB) EnableEvents() error {
	st := d.State()
	if st != StateCreated && st != StateNoPolling {
		return fmt.Errorf("dcb %d: cannot enable events from state %d", d.UID, st)
	}
	atomic.StoreInt32(&d.state, int32(StatePolling))
	d.readsEnabled = true
	if d.savedTriggered != 0 {
		d.triggeredEvent |= d.savedTriggered
		d.savedTriggered = 0
		d.worker.postFake(d)
	}
	if st == StateCreated {
		go d.readerLoop()
	}
	return nil
}

// DisableEvents stops delivery of further read-ready notifications without
// tearing down the reader goroutine; any pending read-ready signal is
// stashed so EnableEvents can replay it.
func (d *DCB) DisableEvents() {
	atomic.StoreInt32(&d.state, int32(StateNoPolling))
	d.readsEnabled = false
}

// SetWatermarkCallbacks installs the high/low-water throttle hooks.
func (d *DCB) SetWatermarkCallbacks(high, low WatermarkCallback) {
	d.onHighWater = high
	d.onLowWater = low
}

// AddCallback registers a (reason, fn) pair invoked by TriggerCallback.
func (d *DCB) AddCallback(reason string, fn func(d *DCB, reason string), userdata any) {
	d.callbackMu.Lock()
	defer d.callbackMu.Unlock()
	d.callbacks = append(d.callbacks, callbackEntry{reason: reason, fn: fn, userdata: userdata})
}

// TriggerCallback runs every callback registered under reason.
func (d *DCB) TriggerCallback(reason string) {
	d.callbackMu.Lock()
	entries := make([]callbackEntry, 0, len(d.callbacks))
	for _, e := range d.callbacks {
		if e.reason == reason {
			entries = append(entries, e)
		}
	}
	d.callbackMu.Unlock()
	for _, e := range entries {
		e.fn(d, reason)
	}
}

// Close marks the DCB closed, closes the socket, and asks the worker to
// finish teardown (invoking Handler.Shutdown) on the owning goroutine.
// Double-close is a no-op.
func (d *DCB) Close() {
	if !atomic.CompareAndSwapInt32(&d.open, 1, 0) {
		return
	}
	atomic.StoreInt32(&d.state, int32(StateDisconnected))
	atomic.AddUint64(&d.generation, 1)
	if d.Conn != nil {
		d.Conn.Close()
	}
	if d.worker != nil {
		d.worker.postHangup(d)
	}
	if d.manager != nil {
		d.manager.Remove(d)
	}
}

// WriteQueueAppend appends data to the write queue and immediately drains
// as much as the connection will currently accept.
func (d *DCB) WriteQueueAppend(data []byte) error {
	if !d.IsOpen() {
		return ErrClosed
	}
	d.WriteQueue.Append(data)
	d.checkHighWater()
	return d.WriteQueueDrain()
}

// WriteQueueDrain writes queued bytes until the connection would block or
// the queue empties.
func (d *DCB) WriteQueueDrain() error {
	for !d.WriteQueue.Empty() {
		data := d.WriteQueue.Data()
		n, err := d.writeSome(data)
		if n > 0 {
			d.WriteQueue.Consume(n)
			d.LastWrite = time.Now()
		}
		if err != nil {
			if isWouldBlock(err) {
				return nil
			}
			d.Handler.Error(d, err)
			return err
		}
		if n == 0 {
			break
		}
	}
	d.checkLowWater()
	return nil
}

func (d *DCB) writeSome(data []byte) (int, error) {
	if d.TLS != nil && d.TLS.Conn != nil {
		n, err := d.TLS.Conn.Write(data)
		return n, err
	}
	return d.Conn.Write(data)
}

func isWouldBlock(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}

func (d *DCB) checkHighWater() {
	if d.highWaterReached {
		return
	}
	if d.WriteQueue.Length() >= d.HighWater {
		d.highWaterReached = true
		if d.onHighWater != nil {
			d.onHighWater(d, true)
		}
	}
}

func (d *DCB) checkLowWater() {
	if !d.highWaterReached {
		return
	}
	if d.WriteQueue.Length() <= d.LowWater {
		d.highWaterReached = false
		if d.onLowWater != nil {
			d.onLowWater(d, false)
		}
	}
}

// Read drains the read queue, optionally bounded by maxBytes when
// StrictRead is set. minBytes of zero means "return whatever is queued".
func (d *DCB) Read(minBytes, maxBytes int) (bool, []byte) {
	avail := d.ReadQueue.Length()
	if avail == 0 || (minBytes > 0 && avail < minBytes) {
		return false, nil
	}
	if d.StrictRead && maxBytes > 0 && avail > maxBytes {
		avail = maxBytes
	}
	head, err := d.ReadQueue.Split(avail)
	if err != nil {
		return false, nil
	}
	return true, head.Data()
}
