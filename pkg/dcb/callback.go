package dcb

// TriggerReadEvent injects a synthetic read-ready event. The event is
// OR-ed into the DCB's triggered mask, which the worker drains at the end
// of a turn in flight, and a task is also posted to the owning worker to
// drain the mask; the calling goroutine is not inspected.
func (d *DCB) TriggerReadEvent() {
	d.trigger(1)
}

// TriggerWriteEvent injects a synthetic write-ready event.
func (d *DCB) TriggerWriteEvent() {
	d.trigger(2)
}

// TriggerHangupEvent injects a synthetic hangup, used to tear a DCB down
// from within handler code without recursively calling Close.
func (d *DCB) TriggerHangupEvent() {
	d.trigger(4)
}

func (d *DCB) trigger(mask uint32) {
	if !d.IsOpen() {
		return
	}
	d.triggeredEvent |= mask
	// If no worker turn is in flight for this DCB right now, the mask
	// would never be drained; post a real event to kick the loop.
	d.worker.Post(func() {
		if d.triggeredEvent&mask != 0 {
			w := d.worker
			w.drainTriggered(d)
		}
	})
}

// PauseReadsCallback returns a WatermarkCallback that disables read
// delivery on peer when this DCB's write queue crosses HighWater, and
// re-enables it once the queue drains below LowWater. This is the
// canonical "upstream" backpressure callback: installed on a backend DCB,
// it throttles the paired client DCB's reads.
func PauseReadsCallback(peer *DCB) WatermarkCallback {
	return func(_ *DCB, high bool) {
		if peer == nil || !peer.IsOpen() {
			return
		}
		if high {
			peer.DisableEvents()
		} else {
			peer.EnableEvents()
		}
	}
}

// PauseGroupReadsCallback is the canonical "downstream" backpressure
// callback: installed on a client DCB, it throttles reads on every backend
// DCB belonging to the same session when the client can't keep up with
// what backends are sending it.
func PauseGroupReadsCallback(peers func() []*DCB) WatermarkCallback {
	return func(_ *DCB, high bool) {
		for _, p := range peers() {
			if p == nil || !p.IsOpen() {
				continue
			}
			if high {
				p.DisableEvents()
			} else {
				p.EnableEvents()
			}
		}
	}
}
