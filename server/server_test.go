package server

import (
	"bytes"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/kasuganosora/blrproxy/pkg/binlog"
	"github.com/kasuganosora/blrproxy/pkg/dcb"
	"github.com/kasuganosora/blrproxy/pkg/utils"
	"github.com/kasuganosora/blrproxy/server/protocol"
	"github.com/stretchr/testify/require"
)

type staticAuth map[string]string

func (a staticAuth) PasswordFor(user string) (string, bool) {
	pw, ok := a[user]
	return pw, ok
}

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

// waitForBytes polls briefly for the pipe drain goroutine to catch up;
// writes to a net.Pipe complete synchronously but the drain read happens
// on a separate goroutine.
func waitForBytes(t *testing.T, mu *sync.Mutex, out *bytes.Buffer) {
	t.Helper()
	for i := 0; i < 100; i++ {
		mu.Lock()
		n := out.Len()
		mu.Unlock()
		if n > 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

func readPacket(t *testing.T, r *bytes.Reader) protocol.Packet {
	t.Helper()
	var pkt protocol.Packet
	require.NoError(t, pkt.Unmarshal(r))
	return pkt
}

func newTestRouter(t *testing.T) *binlog.Router {
	t.Helper()
	return binlog.NewRouter(nil, nil, 7)
}

// handshakeResponsePacket builds a full HandshakeResponse packet (header
// included) carrying user/password scrambled against salt the way a real
// client would, so ClientHandler.authenticate can verify it unmodified.
func handshakeResponsePacket(t *testing.T, user, password string, salt []byte, seq uint8) []byte {
	t.Helper()
	resp := &protocol.HandshakeResponse{
		Packet:             protocol.Packet{SequenceID: seq},
		ClientCapabilities: uint16(serverCapabilities),
		MaxPacketSize:      1 << 24,
		CharacterSet:       33,
		Reserved:           make([]byte, 19),
		User:               user,
		AuthResponse:       utils.GeneratePasswordHash(password, salt),
	}
	raw, err := resp.Marshal()
	require.NoError(t, err)
	return raw
}

func TestSendHandshakeWritesHandshakeV10(t *testing.T) {
	router := newTestRouter(t)
	h := NewClientHandler(staticAuth{}, router, "5.5.5-10.3.12-MariaDB-blrproxy")
	d, mu, out := pipeDCB(t, h)

	require.NoError(t, h.SendHandshake(d))
	waitForBytes(t, mu, out)

	var hs protocol.HandshakeV10Packet
	mu.Lock()
	raw := append([]byte(nil), out.Bytes()...)
	mu.Unlock()
	require.NoError(t, hs.Unmarshal(bytes.NewReader(raw)))
	require.Equal(t, uint8(10), hs.ProtocolVersion)
	require.Equal(t, "5.5.5-10.3.12-MariaDB-blrproxy", hs.ServerVersion)
	require.Len(t, hs.AuthPluginDataPart, 8)
	require.Equal(t, "mysql_native_password", hs.AuthPluginName)
}

func TestAuthenticateAcceptsCorrectPassword(t *testing.T) {
	router := newTestRouter(t)
	h := NewClientHandler(staticAuth{"repl": "secret"}, router, "blrproxy")
	d, mu, out := pipeDCB(t, h)

	respRaw := handshakeResponsePacket(t, "repl", "secret", h.salt, 1)
	d.ReadQueue.Append(respRaw)

	require.NoError(t, h.ReadyForReading(d))
	waitForBytes(t, mu, out)

	require.True(t, h.authed)

	mu.Lock()
	raw := append([]byte(nil), out.Bytes()...)
	mu.Unlock()
	pkt := readPacket(t, bytes.NewReader(raw))
	require.Equal(t, uint8(0x00), pkt.GetCommandType())

	_, isReplica := d.Handler.(*binlog.Replica)
	require.True(t, isReplica, "handler should be swapped to a Replica after auth")
}

func TestAuthenticateRejectsWrongPassword(t *testing.T) {
	router := newTestRouter(t)
	h := NewClientHandler(staticAuth{"repl": "secret"}, router, "blrproxy")
	d, mu, out := pipeDCB(t, h)

	respRaw := handshakeResponsePacket(t, "repl", "wrong", h.salt, 1)
	d.ReadQueue.Append(respRaw)

	require.Error(t, h.ReadyForReading(d))
	waitForBytes(t, mu, out)

	require.False(t, h.authed)

	mu.Lock()
	raw := append([]byte(nil), out.Bytes()...)
	mu.Unlock()
	pkt := readPacket(t, bytes.NewReader(raw))
	require.Equal(t, uint8(0xff), pkt.GetCommandType())

	_, isReplica := d.Handler.(*binlog.Replica)
	require.False(t, isReplica)
}

func TestAuthenticateRejectsUnknownUser(t *testing.T) {
	router := newTestRouter(t)
	h := NewClientHandler(staticAuth{}, router, "blrproxy")
	d, mu, out := pipeDCB(t, h)

	respRaw := handshakeResponsePacket(t, "ghost", "whatever", h.salt, 1)
	d.ReadQueue.Append(respRaw)

	require.Error(t, h.ReadyForReading(d))
	waitForBytes(t, mu, out)

	mu.Lock()
	raw := append([]byte(nil), out.Bytes()...)
	mu.Unlock()
	pkt := readPacket(t, bytes.NewReader(raw))
	require.Equal(t, uint8(0xff), pkt.GetCommandType())
}

func TestReadyForReadingNoopWithoutData(t *testing.T) {
	router := newTestRouter(t)
	h := NewClientHandler(staticAuth{}, router, "blrproxy")
	d, _, _ := pipeDCB(t, h)

	require.NoError(t, h.ReadyForReading(d))
	require.False(t, h.authed)
}
