package server

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"log"

	"github.com/kasuganosora/blrproxy/pkg/binlog"
	"github.com/kasuganosora/blrproxy/pkg/dcb"
	"github.com/kasuganosora/blrproxy/pkg/utils"
	"github.com/kasuganosora/blrproxy/server/protocol"
	"github.com/kasuganosora/blrproxy/server/response"
)

// serverCapabilities is what blrproxy advertises in its own handshake.
// It does not claim CLIENT_CONNECT_ATTRS or compression; a replica only
// needs enough capability to authenticate and issue COM_REGISTER_SLAVE /
// COM_BINLOG_DUMP.
const serverCapabilities = protocol.CLIENT_LONG_PASSWORD |
	protocol.CLIENT_PROTOCOL_41 |
	protocol.CLIENT_SECURE_CONNECTION |
	protocol.CLIENT_PLUGIN_AUTH |
	protocol.CLIENT_CONNECT_WITH_DB

var connIDCounter uint32

// Authenticator resolves the plaintext password configured for a user, so
// ClientHandler stays independent of pkg/config's concrete shape.
type Authenticator interface {
	PasswordFor(user string) (password string, ok bool)
}

// ClientHandler drives one accepted client connection through the MySQL
// handshake and, once authenticated, hands it off to a binlog.Replica. It
// implements dcb.Handler for the handshake phase only; authenticate swaps
// the DCB's Handler to a Replica before the first COM_REGISTER_SLAVE /
// COM_BINLOG_DUMP packet ever reaches it.
type ClientHandler struct {
	auth          Authenticator
	router        *binlog.Router
	serverVersion string

	connID uint32
	salt   []byte
	authed bool
}

// NewClientHandler creates a per-connection handshake handler. router is
// shared across all connections and is where authenticated clients are
// registered as replicas.
func NewClientHandler(auth Authenticator, router *binlog.Router, serverVersion string) *ClientHandler {
	connIDCounter++
	salt := make([]byte, 20)
	if _, err := rand.Read(salt); err != nil {
		// crypto/rand failing means the platform's entropy source is
		// broken; a predictable scramble is no worse than a crash here.
		for i := range salt {
			salt[i] = byte(i + 1)
		}
	}
	return &ClientHandler{
		auth:          auth,
		router:        router,
		serverVersion: serverVersion,
		connID:        connIDCounter,
		salt:          salt,
	}
}

// SendHandshake writes the initial HandshakeV10 packet. Callers must call
// this once, immediately after wrapping the accepted conn in a *dcb.DCB,
// before the first ReadyForReading callback fires.
func (h *ClientHandler) SendHandshake(d *dcb.DCB) error {
	hs := &protocol.HandshakeV10Packet{
		Packet:              protocol.Packet{SequenceID: 0},
		ProtocolVersion:     10,
		ServerVersion:       h.serverVersion,
		ThreadID:            h.connID,
		AuthPluginDataPart:  h.salt[:8],
		CapabilityFlags1:    uint16(serverCapabilities),
		CharacterSet:        33, // utf8_general_ci
		StatusFlags:         uint16(protocol.SERVER_STATUS_AUTOCOMMIT),
		CapabilityFlags2:    uint16(serverCapabilities >> 16),
		AuthPluginDataPart2: h.salt[8:20],
		AuthPluginName:      "mysql_native_password",
	}
	raw, err := hs.Marshal()
	if err != nil {
		return fmt.Errorf("marshal handshake: %w", err)
	}
	return d.WriteQueueAppend(raw)
}

// ReadyForReading implements dcb.Handler. Before authentication it expects
// exactly one HandshakeResponse packet; after a successful check it swaps
// d.Handler to a binlog.Replica and returns, so every subsequent read
// dispatches straight to replication command handling.
func (h *ClientHandler) ReadyForReading(d *dcb.DCB) error {
	if h.authed {
		// Handler was swapped below; this call should be unreachable in
		// practice, but fail closed rather than silently drop bytes.
		return fmt.Errorf("client handler: read after handoff")
	}

	ok, data := d.Read(4, 0)
	if !ok {
		return nil
	}

	resp := &protocol.HandshakeResponse{}
	if err := resp.Unmarshal(bytes.NewReader(data), uint32(serverCapabilities)); err != nil {
		return fmt.Errorf("unmarshal handshake response: %w", err)
	}

	return h.authenticate(d, resp)
}

func (h *ClientHandler) authenticate(d *dcb.DCB, resp *protocol.HandshakeResponse) error {
	password, ok := h.auth.PasswordFor(resp.User)
	if !ok {
		return h.replyAuthErr(d, resp.SequenceID+1, fmt.Sprintf("Access denied for user '%s'", resp.User))
	}

	expected := utils.GeneratePasswordHash(password, h.salt)
	if expected != resp.AuthResponse {
		return h.replyAuthErr(d, resp.SequenceID+1, fmt.Sprintf("Access denied for user '%s'", resp.User))
	}

	okPkt := response.NewOKBuilder().Build(resp.SequenceID+1, 0, 0, 0)
	raw, err := okPkt.Marshal()
	if err != nil {
		return fmt.Errorf("marshal ok: %w", err)
	}
	if err := d.WriteQueueAppend(raw); err != nil {
		return err
	}

	h.authed = true
	log.Printf("server: client %q (conn %d) authenticated", resp.User, h.connID)

	rep := binlog.NewReplica(h.router)
	d.Handler = rep
	return nil
}

func (h *ClientHandler) replyAuthErr(d *dcb.DCB, seq uint8, msg string) error {
	errPkt := response.NewErrorBuilder().Build(seq, 1045, "28000", msg)
	raw, err := errPkt.Marshal()
	if err != nil {
		return err
	}
	if werr := d.WriteQueueAppend(raw); werr != nil {
		return werr
	}
	return fmt.Errorf("server: %s", msg)
}

// WriteReady implements dcb.Handler. The DCB's own write queue drains
// itself; nothing further is needed here during the handshake phase.
func (h *ClientHandler) WriteReady(d *dcb.DCB) error { return nil }

// Error implements dcb.Handler.
func (h *ClientHandler) Error(d *dcb.DCB, err error) {
	log.Printf("server: conn %d error: %v", h.connID, err)
}

// Hangup implements dcb.Handler.
func (h *ClientHandler) Hangup(d *dcb.DCB) {
	log.Printf("server: conn %d hung up before authenticating", h.connID)
}

// Shutdown implements dcb.Handler.
func (h *ClientHandler) Shutdown(d *dcb.DCB) {}
