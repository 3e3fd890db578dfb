package mserver

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/kasuganosora/blrproxy/pkg/dcb"
)

// Endpoint binds one client session to a backend DCB drawn from a
// server's connection pool, dialing a fresh connection when none is
// idle. It is the router-facing counterpart of Server: Server tracks
// identity and health, Endpoint tracks "this session's current link to
// that server".
type Endpoint struct {
	Server  *Server
	Pool    *dcb.PoolManager
	Worker  *dcb.Worker
	Handler dcb.Handler

	dcb *dcb.DCB
}

// NewEndpoint creates an Endpoint bound to server, pulling connections
// from pool and dispatching them onto worker.
func NewEndpoint(server *Server, pool *dcb.PoolManager, worker *dcb.Worker, handler dcb.Handler) *Endpoint {
	return &Endpoint{Server: server, Pool: pool, Worker: worker, Handler: handler}
}

// Acquire returns the session's current backend DCB, dialing and
// registering a new one if none exists yet or the previous one closed.
func (e *Endpoint) Acquire() (*dcb.DCB, error) {
	if e.dcb != nil && e.dcb.IsOpen() {
		return e.dcb, nil
	}
	if e.Pool != nil {
		if d := e.Pool.Acquire(e.Server.Name); d != nil {
			e.dcb = d
			return d, nil
		}
	}
	d, err := e.dial()
	if err != nil {
		return nil, err
	}
	e.dcb = d
	return d, nil
}

func (e *Endpoint) dial() (*dcb.DCB, error) {
	addr := e.Server.Address()
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", addr.Host, addr.Port), 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("endpoint: dial %s: %w", e.Server.Name, err)
	}
	if addr.TLS {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: addr.Host})
		conn = tlsConn
	}
	d := dcb.New(dcb.RoleBackend, conn, e.Handler, e.Pool)
	d.Session = e.Server.Name
	if err := e.Worker.Add(d); err != nil {
		conn.Close()
		return nil, fmt.Errorf("endpoint: register dcb for %s: %w", e.Server.Name, err)
	}
	return d, nil
}

// Release unbinds the endpoint's DCB without closing it. The DCB stays
// registered in the pool it was added to (if any), where a later Acquire
// can pick it up; with a nil Pool it is simply dropped from the endpoint.
func (e *Endpoint) Release() {
	e.dcb = nil
}

// Close tears down the endpoint's current backend connection.
func (e *Endpoint) Close() {
	if e.dcb != nil {
		e.dcb.Close()
		e.dcb = nil
	}
}
