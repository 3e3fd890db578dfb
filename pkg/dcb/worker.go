package dcb

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// eventKind enumerates the four event classes a DCB can raise. Each
// workerEvent carries one kind, and the worker dispatches events one at a
// time in the order they arrive on its channel; events for one DCB are
// not regrouped into an error, write-ready, read-ready, hangup order.
type eventKind int

const (
	evError eventKind = iota
	evWriteReady
	evReadReady
	evHangup
)

type workerEvent struct {
	kind       eventKind
	dcb        *DCB
	generation uint64
	err        error
}

// Worker is a single-goroutine reactor. Every DCB added to a Worker is
// handled exclusively by that Worker's goroutine for its entire life; no
// other goroutine may touch DCB state once EnableEvents has run.
type Worker struct {
	ID       int
	events   chan workerEvent
	tasks    chan func()
	quit     chan struct{}
	wg       sync.WaitGroup

	mu   sync.Mutex
	dcbs map[uint64]*DCB
}

// NewWorker creates a worker with the given event queue depth and starts
// its reactor goroutine.
func NewWorker(id int, queueDepth int) *Worker {
	if queueDepth <= 0 {
		queueDepth = 1024
	}
	w := &Worker{
		ID:     id,
		events: make(chan workerEvent, queueDepth),
		tasks:  make(chan func(), queueDepth),
		quit:   make(chan struct{}),
		dcbs:   make(map[uint64]*DCB),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// Add binds d to this worker, registers it with the manager if any, and
// moves it into POLLING.
func (w *Worker) Add(d *DCB) error {
	d.worker = w
	w.mu.Lock()
	w.dcbs[d.UID] = d
	w.mu.Unlock()
	if d.manager != nil {
		d.manager.Add(d)
	}
	return d.EnableEvents()
}

// Post queues an arbitrary task to run on the worker goroutine; this is
// the cross-worker communication primitive described in the concurrency
// model (no shared DCB state, only message passing).
func (w *Worker) Post(fn func()) {
	select {
	case w.tasks <- fn:
	case <-w.quit:
	}
}

// Stop signals the reactor goroutine to exit and waits for it; events and
// tasks still queued at that point are not processed.
func (w *Worker) Stop() {
	close(w.quit)
	w.wg.Wait()
}

func (w *Worker) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.quit:
			return
		case fn := <-w.tasks:
			fn()
		case ev := <-w.events:
			w.dispatch(ev)
		}
	}
}

func (w *Worker) dispatch(ev workerEvent) {
	d := ev.dcb
	if d.Generation() != ev.generation {
		// Stale event for a DCB that has since been closed/reused.
		return
	}
	if !d.IsOpen() && ev.kind != evHangup {
		return
	}
	switch ev.kind {
	case evError:
		d.Handler.Error(d, ev.err)
	case evWriteReady:
		if err := d.Handler.WriteReady(d); err != nil {
			d.Handler.Error(d, err)
		}
	case evReadReady:
		w.handleReadReady(d)
	case evHangup:
		d.Handler.Hangup(d)
		w.finish(d)
	}
	w.drainTriggered(d)
}

func (w *Worker) handleReadReady(d *DCB) {
	if !d.readsEnabled {
		d.savedTriggered |= 1
		return
	}
	if err := d.Handler.ReadyForReading(d); err != nil {
		if errors.Is(err, io.EOF) {
			d.Close()
			return
		}
		d.Handler.Error(d, err)
	}
}

// drainTriggered processes fake events queued on d by the handler during
// the turn just completed, to exhaustion.
func (w *Worker) drainTriggered(d *DCB) {
	for d.triggeredEvent != 0 && d.IsOpen() {
		mask := d.triggeredEvent
		d.triggeredEvent = 0
		if mask&1 != 0 {
			w.handleReadReady(d)
		}
		if mask&2 != 0 {
			if err := d.Handler.WriteReady(d); err != nil {
				d.Handler.Error(d, err)
			}
		}
		if mask&4 != 0 {
			d.Handler.Hangup(d)
			w.finish(d)
			return
		}
	}
}

func (w *Worker) finish(d *DCB) {
	d.Handler.Shutdown(d)
	w.mu.Lock()
	delete(w.dcbs, d.UID)
	w.mu.Unlock()
}

// postFake is used by DCB.EnableEvents to replay a read-ready signal that
// arrived while reads were disabled.
func (w *Worker) postFake(d *DCB) {
	w.post(d, evReadReady, nil)
}

func (w *Worker) postHangup(d *DCB) {
	w.post(d, evHangup, nil)
}

func (w *Worker) post(d *DCB, kind eventKind, err error) {
	select {
	case w.events <- workerEvent{kind: kind, dcb: d, generation: d.Generation(), err: err}:
	case <-w.quit:
	}
}

// readerLoop is the per-DCB goroutine that blocks in Conn.Read and turns
// socket activity into worker events; it is the Go stand-in for an
// edge-triggered epoll notification source.
func (d *DCB) readerLoop() {
	buf := make([]byte, 64*1024)
	for {
		if !d.IsOpen() {
			return
		}
		n, err := d.readSome(buf)
		if n > 0 {
			d.ReadQueue.Append(buf[:n])
			d.LastRead = time.Now()
			d.worker.post(d, evReadReady, nil)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				d.Close()
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			d.worker.post(d, evError, err)
			d.Close()
			return
		}
	}
}

func (d *DCB) readSome(buf []byte) (int, error) {
	if d.TLS != nil && d.TLS.Conn != nil {
		return d.TLS.Conn.Read(buf)
	}
	return d.Conn.Read(buf)
}

// String implements fmt.Stringer for log lines.
func (d *DCB) String() string {
	return fmt.Sprintf("dcb[%d role=%s state=%d]", d.UID, d.Role, d.State())
}
