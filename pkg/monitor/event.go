package monitor

import "github.com/kasuganosora/blrproxy/pkg/mserver"

// Event is a single status transition the monitor observed for one
// server during a tick, used both for script dispatch and for the
// monitor's own event log.
type Event int

const (
	EventServerDown Event = iota
	EventServerUp
	EventMasterDown
	EventMasterUp
	EventSlaveDown
	EventSlaveUp
	EventLostMaster
	EventLostSlave
	EventNewMaster
	EventNewSlave
)

func (e Event) String() string {
	switch e {
	case EventServerDown:
		return "server_down"
	case EventServerUp:
		return "server_up"
	case EventMasterDown:
		return "master_down"
	case EventMasterUp:
		return "master_up"
	case EventSlaveDown:
		return "slave_down"
	case EventSlaveUp:
		return "slave_up"
	case EventLostMaster:
		return "lost_master"
	case EventLostSlave:
		return "lost_slave"
	case EventNewMaster:
		return "new_master"
	case EventNewSlave:
		return "new_slave"
	default:
		return "unknown"
	}
}

// StatusChange pairs a server with the status it had before and after a
// tick, and classifies it into zero or more Events.
type StatusChange struct {
	Server *mserver.Server
	Before mserver.Status
	After  mserver.Status
}

// Classify compares before and after and returns every event that
// applies, following the same down/up-then-lost/new split the original
// monitor used: a server going from Running to not-Running always
// raises *_down, and additionally raises a role-specific down/lost event
// if it held Master or Slave at the time.
func Classify(before, after mserver.Status) []Event {
	var events []Event

	wasUp := before&mserver.StatusRunning != 0
	isUp := after&mserver.StatusRunning != 0
	wasMaster := before&mserver.StatusMaster != 0
	isMaster := after&mserver.StatusMaster != 0
	wasSlave := before&mserver.StatusSlave != 0
	isSlave := after&mserver.StatusSlave != 0

	switch {
	case wasUp && !isUp:
		events = append(events, EventServerDown)
		if wasMaster {
			events = append(events, EventMasterDown, EventLostMaster)
		}
		if wasSlave {
			events = append(events, EventSlaveDown, EventLostSlave)
		}
	case !wasUp && isUp:
		events = append(events, EventServerUp)
	case wasUp && isUp:
		if wasMaster && !isMaster {
			events = append(events, EventLostMaster)
		}
		if !wasMaster && isMaster {
			events = append(events, EventNewMaster)
		}
		if wasSlave && !isSlave {
			events = append(events, EventLostSlave)
		}
		if !wasSlave && isSlave {
			events = append(events, EventNewSlave)
		}
	}

	return events
}
