package binlog

import (
	"bytes"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kasuganosora/blrproxy/pkg/dcb"
	"github.com/kasuganosora/blrproxy/server/protocol"
	"github.com/stretchr/testify/require"
)

// pipeDCB returns a DCB wired to one end of a net.Pipe, with a goroutine
// continuously draining the other end into a synchronized buffer so
// WriteQueueAppend never blocks on an unread pipe.
func pipeDCB(t *testing.T, handler dcb.Handler) (*dcb.DCB, *sync.Mutex, *bytes.Buffer) {
	t.Helper()
	client, peer := net.Pipe()
	t.Cleanup(func() { client.Close(); peer.Close() })

	var mu sync.Mutex
	out := &bytes.Buffer{}
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := peer.Read(buf)
			if n > 0 {
				mu.Lock()
				out.Write(buf[:n])
				mu.Unlock()
			}
			if err != nil {
				return
			}
		}
	}()

	return dcb.New(dcb.RoleClient, client, handler, nil), &mu, out
}

func readPacket(t *testing.T, r *bytes.Reader) protocol.Packet {
	t.Helper()
	var pkt protocol.Packet
	require.NoError(t, pkt.Unmarshal(r))
	return pkt
}

func TestReadLenencString(t *testing.T) {
	body := append([]byte{5}, []byte("hello")...)
	s, off := readLenencString(body, 0)
	require.Equal(t, "hello", s)
	require.Equal(t, 6, off)

	s, off = readLenencString(body, 100)
	require.Equal(t, "", s)
	require.Equal(t, 100, off)
}

func TestSendFakeRotateWritesFramedEvent(t *testing.T) {
	router := &Router{ServerID: 99, replicas: make(map[uint64]*Replica)}
	rep := NewReplica(router)
	d, mu, out := pipeDCB(t, rep)

	require.NoError(t, rep.sendFakeRotate(d, "blrproxy-bin.000002", 4))
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	data := append([]byte(nil), out.Bytes()...)
	mu.Unlock()

	r := bytes.NewReader(data)
	pkt := readPacket(t, r)
	require.Equal(t, byte(0x00), pkt.Payload[0])

	var header protocol.BinlogEventHeader
	require.NoError(t, header.Unmarshal(bytes.NewReader(pkt.Payload[1 : 1+protocol.BINLOG_EVENT_HEADER_LENGTH])))
	require.Equal(t, uint8(protocol.BINLOG_ROTATE_EVENT), header.EventType)

	var rot protocol.RotateEvent
	rot.Header = header
	require.NoError(t, rot.Unmarshal(bytes.NewReader(pkt.Payload[1+protocol.BINLOG_EVENT_HEADER_LENGTH:])))
	require.Equal(t, "blrproxy-bin.000002", rot.BinlogFile)
}

func TestBurstSendsQueuedEvents(t *testing.T) {
	dir := t.TempDir()
	bf, err := Create(filepath.Join(dir, "blrproxy-bin.000001"), newFDE())
	require.NoError(t, err)
	defer bf.Close()

	startPos := bf.CurrentPos
	h := protocol.BinlogEventHeader{EventType: uint8(protocol.BINLOG_QUERY_EVENT), ServerID: 1}
	_, err = bf.AppendEvent(h, []byte("SELECT 1"), true)
	require.NoError(t, err)

	router := &Router{file: bf, ServerID: 1, replicas: make(map[uint64]*Replica)}
	rep := NewReplica(router)
	d, mu, out := pipeDCB(t, rep)
	rep.d = d
	rep.lastSentFile = bf.Path
	rep.lastSentPos = startPos
	rep.setState(BLRSDumping)

	rep.burst()
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	n := out.Len()
	mu.Unlock()
	require.Greater(t, n, 0)
	require.Greater(t, rep.lastSentPos, startPos)
}

func TestBurstStopsAtTip(t *testing.T) {
	dir := t.TempDir()
	bf, err := Create(filepath.Join(dir, "blrproxy-bin.000001"), newFDE())
	require.NoError(t, err)
	defer bf.Close()

	router := &Router{file: bf, ServerID: 1, replicas: make(map[uint64]*Replica)}
	rep := NewReplica(router)
	d, _, _ := pipeDCB(t, rep)
	rep.d = d
	rep.lastSentFile = bf.Path
	rep.lastSentPos = bf.CurrentPos
	rep.setState(BLRSDumping)

	rep.burst() // nothing queued past the FDE; must return without blocking
}

func TestRouterRegisterUnregister(t *testing.T) {
	router := &Router{replicas: make(map[uint64]*Replica)}
	rep := NewReplica(router)
	router.register(rep)
	require.Len(t, router.replicas, 1)
	router.unregister(rep.id)
	require.Len(t, router.replicas, 0)
}

func TestReplicaStateString(t *testing.T) {
	require.Equal(t, "DUMPING", BLRSDumping.String())
	require.Equal(t, "UNKNOWN", ReplicaState(99).String())
}
