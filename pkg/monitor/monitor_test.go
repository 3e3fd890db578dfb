package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/kasuganosora/blrproxy/pkg/mserver"
	"github.com/stretchr/testify/require"
)

func TestMonitorAddServerClaimsOwnership(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Interval = 0 // not started in this test
	m1, err := New("claim-test-mon1", cfg)
	require.NoError(t, err)
	defer m1.prober.Close()

	m2, err := New("claim-test-mon2", cfg)
	require.NoError(t, err)
	defer m2.prober.Close()

	s := mserver.New("claim-test-db1", mserver.Address{Host: "127.0.0.1", Port: 3306})
	require.NoError(t, m1.AddServer(s))

	err = m2.AddServer(s)
	require.ErrorIs(t, err, ErrServerClaimed)

	m1.RemoveServer(s.Name)
	require.NoError(t, m2.AddServer(s))
	m2.RemoveServer(s.Name)
}

func TestMonitorTickMarksUnreachableServerDown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConnectTimeout = 200 * time.Millisecond
	m, err := New("tick-test-mon", cfg)
	require.NoError(t, err)
	defer m.prober.Close()

	s := mserver.New("tick-test-db1", mserver.Address{Host: "127.0.0.1", Port: 1, User: "u", Password: "p"})
	s.SetBits(mserver.StatusRunning)
	require.NoError(t, m.AddServer(s))

	m.Tick(context.Background())

	require.False(t, s.Is(mserver.StatusRunning))
}
