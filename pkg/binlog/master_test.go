package binlog

import (
	"testing"
	"time"

	"github.com/kasuganosora/blrproxy/server/protocol"
	"github.com/stretchr/testify/require"
)

func TestMasterConfigAddr(t *testing.T) {
	cfg := MasterConfig{Host: "10.0.0.5", Port: 3306}
	require.Equal(t, "10.0.0.5:3306", cfg.addr())
}

func TestMasterStateString(t *testing.T) {
	require.Equal(t, "BINLOGDUMP", BLRMBinlogDump.String())
	require.Equal(t, "SLAVE_STOPPED", BLRMSlaveStopped.String())
	require.Equal(t, "UNKNOWN", MasterState(999).String())
}

func TestRegistrationChainEndsBeforeRegister(t *testing.T) {
	require.Equal(t, BLRMTimestamp, registrationChain[0].state)
	require.Equal(t, BLRMCheckSemiSync, registrationChain[len(registrationChain)-1].state)
	for _, step := range registrationChain {
		if step.state == BLRMHBPeriod {
			require.Empty(t, step.query)
		}
	}
}

func TestNewMasterStartsUnconnected(t *testing.T) {
	m := NewMaster(MasterConfig{Host: "x", Port: 1}, nil, nil)
	require.Equal(t, BLRMUnconnected, m.State())
	require.Nil(t, m.SavedResponse(BLRMTimestamp))
}

func TestSavedResponseRoundTrip(t *testing.T) {
	m := NewMaster(MasterConfig{}, nil, nil)
	m.mu.Lock()
	m.SavedResponses[BLRMServerID] = []byte("resp")
	m.mu.Unlock()
	require.Equal(t, []byte("resp"), m.SavedResponse(BLRMServerID))
}

func TestExtractQueryStatementBeginCommit(t *testing.T) {
	body := queryEventBody(t, "mydb", "BEGIN")
	require.Equal(t, "BEGIN", extractQueryStatement(body))

	body = queryEventBody(t, "mydb", "commit")
	require.Equal(t, "COMMIT", extractQueryStatement(body))
}

func TestExtractQueryStatementShortBody(t *testing.T) {
	require.Equal(t, "", extractQueryStatement([]byte{1, 2, 3}))
}

func TestTrackTransactionQueryEvents(t *testing.T) {
	m := NewMaster(MasterConfig{TrxSafe: true}, nil, nil)
	header := protocol.BinlogEventHeader{EventType: uint8(protocol.BINLOG_QUERY_EVENT)}

	m.trackTransaction(header, queryEventBody(t, "db", "BEGIN"))
	require.True(t, m.inTransaction)

	m.trackTransaction(header, queryEventBody(t, "db", "COMMIT"))
	require.False(t, m.inTransaction)
}

func TestTrackTransactionXidCloses(t *testing.T) {
	m := NewMaster(MasterConfig{TrxSafe: true}, nil, nil)
	m.inTransaction = true
	header := protocol.BinlogEventHeader{EventType: uint8(protocol.BINLOG_XID_EVENT)}
	m.trackTransaction(header, []byte{0, 0, 0, 0, 0, 0, 0, 1})
	require.False(t, m.inTransaction)
}

func TestTrackTransactionIgnoredWhenNotTrxSafe(t *testing.T) {
	m := NewMaster(MasterConfig{TrxSafe: false}, nil, nil)
	header := protocol.BinlogEventHeader{EventType: uint8(protocol.BINLOG_QUERY_EVENT)}
	m.trackTransaction(header, queryEventBody(t, "db", "BEGIN"))
	require.False(t, m.inTransaction)
}

func TestCheckHeartbeatNoopWhenNotDumping(t *testing.T) {
	m := NewMaster(MasterConfig{Heartbeat: time.Second}, nil, nil)
	m.CheckHeartbeat() // must not panic with a nil dcb and no events received yet
}

// queryEventBody builds a minimal QUERY_EVENT body carrying statement as
// its trailing SQL text, matching the layout extractQueryStatement parses:
// thread_id(4) exec_time(4) schema_len(1) error_code(2) status_vars_len(2)
// status_vars(status_vars_len) schema(schema_len) NUL statement.
func queryEventBody(t *testing.T, schema, statement string) []byte {
	t.Helper()
	body := make([]byte, 0, 13+len(schema)+1+len(statement))
	body = append(body, 0, 0, 0, 0) // thread_id
	body = append(body, 0, 0, 0, 0) // exec_time
	body = append(body, byte(len(schema)))
	body = append(body, 0, 0) // error_code
	body = append(body, 0, 0) // status_vars_len
	body = append(body, []byte(schema)...)
	body = append(body, 0) // NUL terminator
	body = append(body, []byte(statement)...)
	return body
}
