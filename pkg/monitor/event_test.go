package monitor

import (
	"testing"

	"github.com/kasuganosora/blrproxy/pkg/mserver"
	"github.com/stretchr/testify/assert"
)

func TestClassifyServerDown(t *testing.T) {
	before := mserver.StatusRunning | mserver.StatusMaster
	after := mserver.Status(0)
	events := Classify(before, after)
	assert.Contains(t, events, EventServerDown)
	assert.Contains(t, events, EventMasterDown)
	assert.Contains(t, events, EventLostMaster)
}

func TestClassifyServerUp(t *testing.T) {
	events := Classify(0, mserver.StatusRunning)
	assert.Equal(t, []Event{EventServerUp}, events)
}

func TestClassifyRoleChangeWhileUp(t *testing.T) {
	before := mserver.StatusRunning | mserver.StatusSlave
	after := mserver.StatusRunning | mserver.StatusMaster
	events := Classify(before, after)
	assert.Contains(t, events, EventLostSlave)
	assert.Contains(t, events, EventNewMaster)
}

func TestClassifyNoChange(t *testing.T) {
	s := mserver.StatusRunning | mserver.StatusMaster
	events := Classify(s, s)
	assert.Empty(t, events)
}
