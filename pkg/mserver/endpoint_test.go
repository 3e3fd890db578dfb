package mserver

import (
	"net"
	"testing"

	"github.com/kasuganosora/blrproxy/pkg/dcb"
	"github.com/stretchr/testify/require"
)

type nopHandler struct{}

func (nopHandler) ReadyForReading(d *dcb.DCB) error { return nil }
func (nopHandler) WriteReady(d *dcb.DCB) error       { return nil }
func (nopHandler) Error(d *dcb.DCB, err error)       {}
func (nopHandler) Hangup(d *dcb.DCB)                 {}
func (nopHandler) Shutdown(d *dcb.DCB)               {}

func TestEndpointAcquireDialsWhenPoolEmpty(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err == nil {
			defer conn.Close()
			buf := make([]byte, 1)
			conn.Read(buf)
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	server := New("backend1", Address{Host: "127.0.0.1", Port: addr.Port})

	pool := dcb.NewPoolManager(func(d *dcb.DCB) string { return d.Session.(string) })
	worker := dcb.NewWorker(1, 16)
	defer worker.Stop()

	ep := NewEndpoint(server, pool, worker, nopHandler{})
	d, err := ep.Acquire()
	require.NoError(t, err)
	require.NotNil(t, d)
	require.Equal(t, 1, pool.Count("backend1"))

	ep.Close()
}
