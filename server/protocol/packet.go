package protocol

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"errors"
	"io"
)

type Packet struct {
	PayloadLength uint32 `mysql:"int<3>"`
	SequenceID    uint8  `mysql:"int<1>"`
	rawData      []byte // 保存原始数据
	Payload      []byte // 保存载荷数据
}

func (p *Packet) Unmarshal(r io.Reader) (err error) {
	buf := make([]byte, 4)
	_, err = io.ReadFull(r, buf)
	if err != nil {
		return err
	}
	// MySQL协议使用小端序
	p.PayloadLength = uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16
	p.SequenceID = buf[3]

	// 读取载荷数据（如果长度大于0）
	p.Payload = nil
	if p.PayloadLength > 0 && p.PayloadLength < 0xffffff {
		p.Payload = make([]byte, p.PayloadLength)
		_, err = io.ReadFull(r, p.Payload)
		if err != nil {
			return err
		}
	}
	return nil
}

// RawBytes 返回完整的原始字节数据（包括包头）
func (p *Packet) RawBytes() []byte {
	buf := new(bytes.Buffer)
	// 写入包头
	buf.Write([]byte{
		byte(p.PayloadLength),
		byte(p.PayloadLength >> 8),
		byte(p.PayloadLength >> 16),
		p.SequenceID,
	})
	// 写入载荷
	if p.Payload != nil {
		buf.Write(p.Payload)
	}
	return buf.Bytes()
}

// GetCommandType 获取包的命令类型（第一个字节）
func (p *Packet) GetCommandType() uint8 {
	if len(p.Payload) > 0 {
		return p.Payload[0]
	}
	return 0
}

// https://dev.mysql.com/doc/dev/mysql-server/latest/page_protocol_connection_phase_packets_protocol_handshake_v10.html
// https://www.wireshark.org/docs/dfref/m/mysql.html
type HandshakeV10Packet struct {
	Packet
	ProtocolVersion    uint8  `mysql:"int<1>"`
	ServerVersion      string `mysql:"string<NUL>"`
	ThreadID           uint32 `mysql:"int<4>"`
	AuthPluginDataPart []byte `mysql:"binary<8>"` // 改为固定长度字节数组
	Filter             uint8  `mysql:"int<1>"`    // 实际为 capability_flags 的低8位
	CapabilityFlags1   uint16 `mysql:"int<2>"`    // 重命名为 CapabilityFlags1
	CharacterSet       uint8  `mysql:"int<1>"`
	StatusFlags        uint16 `mysql:"int<2>"`
	CapabilityFlags2   uint16 `mysql:"int<2>"` // 重命名为 CapabilityFlags2
	AuthPluginDataLen  uint8  `mysql:"int<1>"`
	Reserved           []byte `mysql:"binary<6>"` // 改为6字节，符合MariaDB协议
	// MariaDB 特定字段移到末尾并标记可选
	MariaDBCaps         uint32 `mysql:"int<4>,optional"`
	AuthPluginDataPart2 []byte `mysql:"binary<var>,optional"` // 动态长度
	AuthPluginName      string `mysql:"string<NUL>,optional"`
}

func (p *HandshakeV10Packet) Unmarshal(r io.Reader) (err error) {
	if err = p.Packet.Unmarshal(r); err != nil {
		return err
	}

	// 从 Packet.Payload 中读取 Handshake 数据
	nb := bytes.NewBuffer(p.Packet.Payload)
	p.ProtocolVersion, _ = nb.ReadByte()
	p.ServerVersion, _ = ReadStringByNullEnd(nb)
	p.ThreadID, _ = ReadNumber[uint32](nb, 4)
	authPart := make([]byte, 8)
	nb.Read(authPart)
	p.AuthPluginDataPart = authPart
	p.Filter, _ = ReadNumber[uint8](nb, 1)
	p.CapabilityFlags1, _ = ReadNumber[uint16](nb, 2)
	p.CharacterSet, _ = ReadNumber[uint8](nb, 1)
	p.StatusFlags, _ = ReadNumber[uint16](nb, 2)
	p.CapabilityFlags2, _ = ReadNumber[uint16](nb, 2)
	p.AuthPluginDataLen, _ = ReadNumber[uint8](nb, 1)

	// 读取保留字段（6字节）
	reserved := make([]byte, 6)
	_, err = nb.Read(reserved)
	if err != nil {
		return err
	}
	p.Reserved = reserved

	// 读取 MariaDBCaps（4字节）
	p.MariaDBCaps, _ = ReadNumber[uint32](nb, 4)

	// 检查是否有额外的认证插件数据
	if p.AuthPluginDataLen > 8 {
		authPluginDataPart2Length := int(p.AuthPluginDataLen - 8)
		authDataPart2 := make([]byte, authPluginDataPart2Length)
		_, err = nb.Read(authDataPart2)
		if err != nil {
			return err
		}
		p.AuthPluginDataPart2 = authDataPart2
	}

	// 检查是否有认证插件名称
	if nb.Len() > 0 {
		p.AuthPluginName, _ = ReadStringByNullEnd(nb)
	}

	return nil
}

func (p *HandshakeV10Packet) Marshal() ([]byte, error) {
	buf := new(bytes.Buffer)

	// 修复：AuthPluginDataLen 应该是 AuthPluginDataPart (8字节) + AuthPluginDataPart2 的总长度
	if len(p.AuthPluginDataPart2) > 0 {
		p.AuthPluginDataPart2 = append(p.AuthPluginDataPart2, 0) // 添加0结尾
		p.AuthPluginDataLen = uint8(8 + len(p.AuthPluginDataPart2))
	}

	// 1. 写入 ProtocolVersion
	WriteNumber(buf, p.ProtocolVersion, 1)
	// 2. 写入 ServerVersion (以0结尾)
	WriteStringByNullEnd(buf, p.ServerVersion)
	// 3. 写入 ThreadID (4字节小端)
	WriteNumber(buf, p.ThreadID, 4)
	// 4. 写入 AuthPluginDataPart (9字节)+0
	WriteBinary(buf, append(p.AuthPluginDataPart, 0))

	// 6. 写入 CapabilityFlags1 (2字节小端)
	WriteNumber(buf, p.CapabilityFlags1, 2)
	// 7. 写入 CharacterSet
	WriteNumber(buf, p.CharacterSet, 1)
	// 8. 写入 StatusFlags (2字节小端)
	WriteNumber(buf, p.StatusFlags, 2)
	// 9. 写入 CapabilityFlags2 (2字节小端)
	WriteNumber(buf, p.CapabilityFlags2, 2)
	// 10. 写入 AuthPluginDataLen
	WriteNumber(buf, p.AuthPluginDataLen, 1)
	// 11. 写入 Reserved (6字节)
	WriteBinary(buf, []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x00})
	// 12. 写入 MariaDBCaps (4字节小端)
	WriteNumber(buf, p.MariaDBCaps, 4)
	// 13. 写入 AuthPluginDataPart2
	if len(p.AuthPluginDataPart2) > 0 {
		WriteBinary(buf, p.AuthPluginDataPart2)
	}
	// 14. 写入 AuthPluginName (以0结尾)
	if p.AuthPluginName != "" {
		WriteStringByNullEnd(buf, p.AuthPluginName)
	}

	// 组装Packet头部
	payload := buf.Bytes()
	packetBuf := new(bytes.Buffer)
	// PayloadLength 3字节小端
	packetBuf.Write([]byte{byte(len(payload)), byte(len(payload) >> 8), byte(len(payload) >> 16)})
	// SequenceID
	packetBuf.WriteByte(p.SequenceID)
	// Payload
	packetBuf.Write(payload)

	return packetBuf.Bytes(), nil
}

type HandshakeResponse struct {
	Packet
	ClientCapabilities         uint16                    `mysql:"int<2>"`
	ExtendedClientCapabilities uint16                    `mysql:"int<2>"`
	MaxPacketSize              uint32                    `mysql:"int<4>"`
	CharacterSet               uint8                     `mysql:"int<1>"`
	Reserved                   []byte                    `mysql:"binary<19>"`
	MariaDBCaps                uint32                    `mysql:"int<4>"`
	User                       string                    `mysql:"string<NUL>"`
	AuthResponse               string                    `mysql:"string<lenenc>"` // 通常是密码
	Database                   string                    `mysql:"string<NUL>"`
	ClientAuthPluginName       string                    `mysql:"string<NUL>"`
	ConnectionAttributesLength uint64                    `mysql:"int<lenenc>"`
	ConnectionAttributes       []ConnectionAttributeItem `mysql:"array"`
	ZstdCompressionLevel       uint8                     `mysql:"int<1>"`
}

func (p *HandshakeResponse) Unmarshal(r io.Reader, capabilities uint32) (err error) {
	p.Packet.Unmarshal(r)
	// 使用Payload中的数据创建reader
	reader := bufio.NewReader(bytes.NewReader(p.Payload))
	p.ClientCapabilities, _ = ReadNumber[uint16](reader, 2)
	p.ExtendedClientCapabilities, _ = ReadNumber[uint16](reader, 2)
	p.MaxPacketSize, _ = ReadNumber[uint32](reader, 4)
	p.CharacterSet, _ = ReadNumber[uint8](reader, 1)
	p.Reserved = make([]byte, 19)
	io.ReadFull(reader, p.Reserved)
	p.MariaDBCaps, _ = ReadNumber[uint32](reader, 4)
	// 读取用户名（NUL结尾字符串）
	p.User, _ = ReadStringByNullEndFromReader(reader)

	// 修复：根据能力标志正确处理认证响应
	switch {
	case capabilities&CLIENT_PLUGIN_AUTH_LENENC_CLIENT_DATA != 0:
		// 长度编码的认证响应
		p.AuthResponse, _ = ReadStringByLenencFromReader[uint8](reader)
	case capabilities&CLIENT_SECURE_CONNECTION != 0:
		// 安全连接：1字节长度 + N字节内容
		authLen, _ := ReadNumber[uint8](reader, 1)
		authData := make([]byte, authLen)
		io.ReadFull(reader, authData)
		p.AuthResponse = hex.EncodeToString(authData)
	default:
		// 旧密码认证：NUL结尾字符串
		p.AuthResponse, _ = ReadStringByNullEndFromReader(reader)
	}

	if capabilities&CLIENT_CONNECT_WITH_DB != 0 {
		p.Database, _ = ReadStringByNullEndFromReader(reader)
	}

	if capabilities&CLIENT_PLUGIN_AUTH != 0 {
		p.ClientAuthPluginName, _ = ReadStringByNullEndFromReader(reader)
	}

	// 修复：连接属性解析使用有限读取器
	if capabilities&CLIENT_CONNECT_ATTRS != 0 {
		attrLen, _ := ReadLenencNumber[uint64](reader)
		p.ConnectionAttributesLength = attrLen
		p.ConnectionAttributes = make([]ConnectionAttributeItem, 0)

		// 使用有限读取器确保不读取额外数据
		attrReader := io.LimitReader(reader, int64(attrLen))
		for {
			item := &ConnectionAttributeItem{}
			err := item.Unmarshal(attrReader)
			if err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				return err
			}
			p.ConnectionAttributes = append(p.ConnectionAttributes, *item)
		}
	}

	if capabilities&CLIENT_ZSTD_COMPRESSION_ALGORITHM != 0 {
		p.ZstdCompressionLevel, _ = ReadNumber[uint8](reader, 1)
	}

	return nil
}

func (p *HandshakeResponse) Marshal() ([]byte, error) {
	buf := new(bytes.Buffer)

	// 1. 写入 ClientCapabilities (2字节小端)
	WriteNumber(buf, p.ClientCapabilities, 2)
	// 2. 写入 ExtendedClientCapabilities (2字节小端)
	WriteNumber(buf, p.ExtendedClientCapabilities, 2)
	// 3. 写入 MaxPacketSize (4字节小端)
	WriteNumber(buf, p.MaxPacketSize, 4)
	// 4. 写入 CharacterSet (1字节)
	WriteNumber(buf, p.CharacterSet, 1)
	// 5. 写入 Reserved (19字节)
	WriteBinary(buf, p.Reserved)
	// 6. 写入 MariaDBCaps (4字节小端)
	WriteNumber(buf, p.MariaDBCaps, 4)
	// 7. 写入 User (NUL结尾字符串)
	WriteStringByNullEnd(buf, p.User)
	// 8. 写入 AuthResponse (1字节长度+N字节内容)
	authRespBytes, err := hex.DecodeString(p.AuthResponse)
	if err != nil {
		return nil, err
	}
	WriteNumber(buf, uint8(len(authRespBytes)), 1)
	WriteBinary(buf, authRespBytes)
	// 9. 写入 Database (如果存在，NUL结尾字符串)
	if p.Database != "" {
		WriteStringByNullEnd(buf, p.Database)
	}
	// 10. 写入 ClientAuthPluginName (如果存在，NUL结尾字符串)
	if p.ClientAuthPluginName != "" {
		WriteStringByNullEnd(buf, p.ClientAuthPluginName)
	}
	// 11. 写入 ConnectionAttributes (如果存在)
	if len(p.ConnectionAttributes) > 0 {
		// 先序列化所有属性到一个临时buffer
		attrBuf := new(bytes.Buffer)
		for _, attr := range p.ConnectionAttributes {
			attrData, err := attr.Marshal()
			if err != nil {
				return nil, err
			}
			attrBuf.Write(attrData)
		}
		attrData := attrBuf.Bytes()
		// 写入属性长度（lenenc）
		WriteLenencNumber(buf, uint64(len(attrData)))
		// 写入属性数据
		WriteBinary(buf, attrData)
	}
	// 12. 写入 ZstdCompressionLevel (如果存在，1字节)
	if p.ZstdCompressionLevel != 0 {
		WriteNumber(buf, p.ZstdCompressionLevel, 1)
	}

	// 组装Packet头部
	payload := buf.Bytes()
	packetBuf := new(bytes.Buffer)
	// PayloadLength 3字节小端
	packetBuf.Write([]byte{byte(len(payload)), byte(len(payload) >> 8), byte(len(payload) >> 16)})
	// SequenceID
	packetBuf.WriteByte(p.SequenceID)
	// Payload
	packetBuf.Write(payload)

	return packetBuf.Bytes(), nil
}

type ConnectionAttributeItem struct {
	Name  string `mysql:"string<lenenc>"`
	Value string `mysql:"string<lenenc>"`
}

func (p *ConnectionAttributeItem) Unmarshal(r io.Reader) (err error) {
	p.Name, err = ReadStringByLenencFromReader[uint8](r)
	if err != nil {
		return
	}
	p.Value, err = ReadStringByLenencFromReader[uint8](r)
	if err != nil {
		return
	}
	return nil
}

func (p *ConnectionAttributeItem) Marshal() ([]byte, error) {
	buf := new(bytes.Buffer)

	// 写入Name (长度编码)
	WriteStringByLenenc(buf, p.Name)
	// 写入Value (长度编码)
	WriteStringByLenenc(buf, p.Value)

	return buf.Bytes(), nil
}

// https://dev.mysql.com/doc/dev/mysql-server/latest/page_protocol_basic_ok_packet.html
// https://mariadb.com/docs/server/clients-and-utilities/server-client-software/client-libraries/clientserver-protocol/4-server-response-packets/ok_packet
type OkPacket struct {
	Packet
	OkInPacket
}

func (p *OkPacket) Unmarshal(r io.Reader, conditional uint32) (err error) {
	if err = p.Packet.Unmarshal(r); err != nil {
		return err
	}

	// 从 Packet.Payload 中读取 OkInPacket 数据
	payloadReader := bytes.NewReader(p.Packet.Payload)
	if err = p.OkInPacket.Unmarshal(payloadReader, conditional); err != nil {
		return err
	}
	return nil
}

func (p *OkPacket) Marshal() ([]byte, error) {
	buf := new(bytes.Buffer)

	// 写入 OK 包内容
	WriteNumber(buf, p.OkInPacket.Header, 1)
	WriteLenencNumber(buf, p.OkInPacket.AffectedRows)
	WriteLenencNumber(buf, p.OkInPacket.LastInsertId)

	// StatusFlags 和 Warnings 都需要在 CLIENT_PROTOCOL_41 时写入
	// 这里我们假设客户端支持 CLIENT_PROTOCOL_41，实际使用时应该传入条件参数
	WriteNumber(buf, p.OkInPacket.StatusFlags, 2)
	WriteNumber(buf, p.OkInPacket.Warnings, 2)

	// Info precedes SessionStateInfo on the wire, so it is written (possibly
	// empty) whenever session state follows
	if p.OkInPacket.Info != "" || p.OkInPacket.SessionStateInfo != "" {
		WriteStringByLenenc(buf, p.OkInPacket.Info)
	}

	if p.OkInPacket.SessionStateInfo != "" {
		WriteStringByLenenc(buf, p.OkInPacket.SessionStateInfo)
	}

	// 组装Packet头部
	payload := buf.Bytes()
	packetBuf := new(bytes.Buffer)
	// PayloadLength 3字节小端
	packetBuf.Write([]byte{byte(len(payload)), byte(len(payload) >> 8), byte(len(payload) >> 16)})
	// SequenceID
	packetBuf.WriteByte(p.SequenceID)
	// Payload
	packetBuf.Write(payload)

	return packetBuf.Bytes(), nil
}

type OkInPacket struct {
	Header       uint8  `mysql:"int<1>"`
	AffectedRows uint64 `mysql:"int<lenenc>"` // 改为 uint64
	LastInsertId uint64 `mysql:"int<lenenc>"` // 改为 uint64
	StatusFlags  uint16 `mysql:"int<2>,conditional=CLIENT_PROTOCOL_41"`
	Warnings     uint16 `mysql:"int<2>,conditional=CLIENT_PROTOCOL_41"`
	Info         string `mysql:"string<lenenc>,optional"`
	// 8.0+ 新增字段
	SessionStateInfo string `mysql:"string<lenenc>,conditional=SERVER_SESSION_STATE_CHANGED"`
}

// IsAutoCommit 检查是否处于自动提交模式
func (p *OkInPacket) IsAutoCommit() bool {
	return p.StatusFlags&SERVER_STATUS_AUTOCOMMIT != 0
}

// IsInTransaction 检查是否在事务中
func (p *OkInPacket) IsInTransaction() bool {
	return p.StatusFlags&SERVER_STATUS_IN_TRANS != 0
}

// IsInTransactionReadOnly 检查是否在只读事务中
func (p *OkInPacket) IsInTransactionReadOnly() bool {
	return p.StatusFlags&SERVER_STATUS_IN_TRANS_READONLY != 0
}

// HasMoreResults 检查是否还有更多结果
func (p *OkInPacket) HasMoreResults() bool {
	return p.StatusFlags&SERVER_MORE_RESULTS_EXISTS != 0
}

// HasSessionStateChanged 检查会话状态是否发生变化
func (p *OkInPacket) HasSessionStateChanged() bool {
	return p.StatusFlags&SERVER_SESSION_STATE_CHANGED != 0
}

// SetAutoCommit 设置自动提交标志
func (p *OkInPacket) SetAutoCommit(autoCommit bool) {
	if autoCommit {
		p.StatusFlags |= SERVER_STATUS_AUTOCOMMIT
	} else {
		p.StatusFlags &^= SERVER_STATUS_AUTOCOMMIT
	}
}

// SetInTransaction 设置事务标志
func (p *OkInPacket) SetInTransaction(inTransaction bool) {
	if inTransaction {
		p.StatusFlags |= SERVER_STATUS_IN_TRANS
	} else {
		p.StatusFlags &^= SERVER_STATUS_IN_TRANS
	}
}

// SetInTransactionReadOnly 设置只读事务标志
func (p *OkInPacket) SetInTransactionReadOnly(readOnly bool) {
	if readOnly {
		p.StatusFlags |= SERVER_STATUS_IN_TRANS_READONLY
	} else {
		p.StatusFlags &^= SERVER_STATUS_IN_TRANS_READONLY
	}
}

// SetMoreResults 设置更多结果标志
func (p *OkInPacket) SetMoreResults(hasMore bool) {
	if hasMore {
		p.StatusFlags |= SERVER_MORE_RESULTS_EXISTS
	} else {
		p.StatusFlags &^= SERVER_MORE_RESULTS_EXISTS
	}
}

// SetSessionStateChanged 设置会话状态变化标志
func (p *OkInPacket) SetSessionStateChanged(changed bool) {
	if changed {
		p.StatusFlags |= SERVER_SESSION_STATE_CHANGED
	} else {
		p.StatusFlags &^= SERVER_SESSION_STATE_CHANGED
	}
}

// GetStatusFlagsDescription 获取状态标志的描述
func (p *OkInPacket) GetStatusFlagsDescription() []string {
	var descriptions []string

	if p.IsInTransaction() {
		descriptions = append(descriptions, "IN_TRANSACTION")
	}
	if p.IsAutoCommit() {
		descriptions = append(descriptions, "AUTOCOMMIT")
	}
	if p.HasMoreResults() {
		descriptions = append(descriptions, "MORE_RESULTS")
	}
	if p.IsInTransactionReadOnly() {
		descriptions = append(descriptions, "IN_TRANSACTION_READONLY")
	}
	if p.HasSessionStateChanged() {
		descriptions = append(descriptions, "SESSION_STATE_CHANGED")
	}

	return descriptions
}

func (p *OkInPacket) Unmarshal(r io.Reader, conditional uint32) (err error) {
	reader := bufio.NewReader(r)
	p.Header, _ = reader.ReadByte()
	p.AffectedRows, _ = ReadLenencNumber[uint64](reader)
	p.LastInsertId, _ = ReadLenencNumber[uint64](reader)
	if conditional&CLIENT_PROTOCOL_41 != 0 {
		p.StatusFlags, _ = ReadNumber[uint16](reader, 2)
		p.Warnings, _ = ReadNumber[uint16](reader, 2)
	}

	p.Info, _ = ReadStringByLenencFromReader[uint8](reader)
	// 只有在 StatusFlags 包含 SERVER_SESSION_STATE_CHANGED 时才读取 SessionStateInfo
	if p.StatusFlags&SERVER_SESSION_STATE_CHANGED != 0 {
		p.SessionStateInfo, _ = ReadStringByLenencFromReader[uint8](reader)
	}
	return nil
}

// https://dev.mysql.com/doc/dev/mysql-server/latest/page_protocol_basic_err_packet.html
type ErrorPacket struct {
	Packet
	ErrorInPacket
}

type ErrorInPacket struct {
	Header         uint8  `mysql:"int<1>"`
	ErrorCode      uint16 `mysql:"int<2>"`
	SqlStateMarker string `mysql:"string<1>,conditional=CLIENT_PROTOCOL_41"`
	SqlState       string `mysql:"string<5>,conditional=CLIENT_PROTOCOL_41"`
	ErrorMessage   string `mysql:"string<EOF>"`
}

func (p *ErrorInPacket) Unmarshal(r io.Reader, conditional uint32) (err error) {
	reader := bufio.NewReader(r)
	p.Header, _ = reader.ReadByte()
	p.ErrorCode, _ = ReadNumber[uint16](reader, 2)

	// 根据MariaDB协议规范,只有当CLIENT_PROTOCOL_41启用且下一个字节是'#'时才读取SQL状态
	if conditional&CLIENT_PROTOCOL_41 != 0 {
		// 检查下一个字节是否为'#'
		peekBytes, err := reader.Peek(1)
		if err == nil && len(peekBytes) > 0 && peekBytes[0] == '#' {
			// 读取SQL状态标记('#')
			marker, _ := reader.ReadByte()
			p.SqlStateMarker = string(marker)
			// 读取SQL状态(5字节)
			state := make([]byte, 5)
			io.ReadFull(reader, state)
			p.SqlState = string(state)
		}
	}

	// 读取剩余数据作为错误消息（以NULL结尾）
	p.ErrorMessage, _ = ReadStringByNullEndFromReader(reader)
	return nil
}

func (p *ErrorPacket) Marshal() ([]byte, error) {
	buf := new(bytes.Buffer)

	// 写入错误包内容
	WriteNumber(buf, p.ErrorInPacket.Header, 1)
	WriteNumber(buf, p.ErrorInPacket.ErrorCode, 2)

	if p.ErrorInPacket.SqlState != "" {
		WriteBinary(buf, []byte(p.ErrorInPacket.SqlStateMarker))
		WriteBinary(buf, []byte(p.ErrorInPacket.SqlState))
	}

	WriteStringByNullEnd(buf, p.ErrorInPacket.ErrorMessage)

	// 组装Packet头部
	payload := buf.Bytes()
	packetBuf := new(bytes.Buffer)
	// PayloadLength 3字节小端
	packetBuf.Write([]byte{byte(len(payload)), byte(len(payload) >> 8), byte(len(payload) >> 16)})
	// SequenceID
	packetBuf.WriteByte(p.SequenceID)
	// Payload
	packetBuf.Write(payload)

	return packetBuf.Bytes(), nil
}

// https://dev.mysql.com/doc/dev/mysql-server/latest/page_protocol_basic_eof_packet.html
type EofPacket struct {
	Packet
	EofInPacket
}

func (p *EofPacket) Unmarshal(r io.Reader, conditional uint32) (err error) {
	if err = p.Packet.Unmarshal(r); err != nil {
		return err
	}

	// 从 Packet.Payload 中读取 EofInPacket 数据
	payloadReader := bytes.NewReader(p.Packet.Payload)
	if err = p.EofInPacket.Unmarshal(payloadReader, conditional); err != nil {
		return err
	}
	return nil
}

type EofInPacket struct {
	Header      uint8  `mysql:"int<1>"`
	Warnings    uint16 `mysql:"int<2>,conditional=CLIENT_PROTOCOL_41"`
	StatusFlags uint16 `mysql:"int<2>,conditional=CLIENT_PROTOCOL_41"`
}

// IsAutoCommit 检查是否处于自动提交模式
func (p *EofInPacket) IsAutoCommit() bool {
	return p.StatusFlags&SERVER_STATUS_AUTOCOMMIT != 0
}

// IsInTransaction 检查是否在事务中
func (p *EofInPacket) IsInTransaction() bool {
	return p.StatusFlags&SERVER_STATUS_IN_TRANS != 0
}

// IsInTransactionReadOnly 检查是否在只读事务中
func (p *EofInPacket) IsInTransactionReadOnly() bool {
	return p.StatusFlags&SERVER_STATUS_IN_TRANS_READONLY != 0
}

// HasMoreResults 检查是否还有更多结果
func (p *EofInPacket) HasMoreResults() bool {
	return p.StatusFlags&SERVER_MORE_RESULTS_EXISTS != 0
}

// HasSessionStateChanged 检查会话状态是否发生变化
func (p *EofInPacket) HasSessionStateChanged() bool {
	return p.StatusFlags&SERVER_SESSION_STATE_CHANGED != 0
}

// SetAutoCommit 设置自动提交标志
func (p *EofInPacket) SetAutoCommit(autoCommit bool) {
	if autoCommit {
		p.StatusFlags |= SERVER_STATUS_AUTOCOMMIT
	} else {
		p.StatusFlags &^= SERVER_STATUS_AUTOCOMMIT
	}
}

// SetInTransaction 设置事务标志
func (p *EofInPacket) SetInTransaction(inTransaction bool) {
	if inTransaction {
		p.StatusFlags |= SERVER_STATUS_IN_TRANS
	} else {
		p.StatusFlags &^= SERVER_STATUS_IN_TRANS
	}
}

// SetInTransactionReadOnly 设置只读事务标志
func (p *EofInPacket) SetInTransactionReadOnly(readOnly bool) {
	if readOnly {
		p.StatusFlags |= SERVER_STATUS_IN_TRANS_READONLY
	} else {
		p.StatusFlags &^= SERVER_STATUS_IN_TRANS_READONLY
	}
}

// SetMoreResults 设置更多结果标志
func (p *EofInPacket) SetMoreResults(hasMore bool) {
	if hasMore {
		p.StatusFlags |= SERVER_MORE_RESULTS_EXISTS
	} else {
		p.StatusFlags &^= SERVER_MORE_RESULTS_EXISTS
	}
}

// SetSessionStateChanged 设置会话状态变化标志
func (p *EofInPacket) SetSessionStateChanged(changed bool) {
	if changed {
		p.StatusFlags |= SERVER_SESSION_STATE_CHANGED
	} else {
		p.StatusFlags &^= SERVER_SESSION_STATE_CHANGED
	}
}

// GetStatusFlagsDescription 获取状态标志的描述
func (p *EofInPacket) GetStatusFlagsDescription() []string {
	var descriptions []string

	if p.IsInTransaction() {
		descriptions = append(descriptions, "IN_TRANSACTION")
	}
	if p.IsAutoCommit() {
		descriptions = append(descriptions, "AUTOCOMMIT")
	}
	if p.HasMoreResults() {
		descriptions = append(descriptions, "MORE_RESULTS")
	}
	if p.IsInTransactionReadOnly() {
		descriptions = append(descriptions, "IN_TRANSACTION_READONLY")
	}
	if p.HasSessionStateChanged() {
		descriptions = append(descriptions, "SESSION_STATE_CHANGED")
	}

	return descriptions
}

func (p *EofInPacket) Unmarshal(r io.Reader, conditional uint32) (err error) {
	reader := bufio.NewReader(r)
	p.Header, _ = reader.ReadByte()

	if conditional&CLIENT_PROTOCOL_41 != 0 {
		p.Warnings, _ = ReadNumber[uint16](reader, 2)
		p.StatusFlags, _ = ReadNumber[uint16](reader, 2)
	}

	return nil
}

// IsEofPacket 安全判断是否为EOF包
// 根据MariaDB文档，需要同时检查：
// 1. 包头为 0xFE
// 2. 包长度 < 9字节（防止与超长数据行混淆）
func IsEofPacket(packet []byte) bool {
	if len(packet) < 5 {
		return false
	}
	// 检查包长度（前3字节）
	packetLength := int(packet[0]) | int(packet[1])<<8 | int(packet[2])<<16
	// 检查包头（载荷第1字节，索引4；索引3是序列号）
	header := packet[4]
	// EOF包必须是0xFE且长度小于9
	return header == 0xFE && packetLength < 9
}

func (p *EofPacket) Marshal() ([]byte, error) {
	buf := new(bytes.Buffer)

	// 写入 EOF 包内容
	WriteNumber(buf, p.EofInPacket.Header, 1)

	// 在 CLIENT_PROTOCOL_41 条件下，总是写入 Warnings 和 StatusFlags
	WriteNumber(buf, p.EofInPacket.Warnings, 2)
	WriteNumber(buf, p.EofInPacket.StatusFlags, 2)

	// 组装Packet头部
	payload := buf.Bytes()
	packetBuf := new(bytes.Buffer)
	// PayloadLength 3字节小端
	packetBuf.Write([]byte{byte(len(payload)), byte(len(payload) >> 8), byte(len(payload) >> 16)})
	// SequenceID
	packetBuf.WriteByte(p.SequenceID)
	// Payload
	packetBuf.Write(payload)

	return packetBuf.Bytes(), nil
}

// https://dev.mysql.com/doc/dev/mysql-server/latest/page_protocol_com_query_response_text_resultset_column_definition.html
type FieldMeta struct {
	Catalog                   string  `mysql:"string<lenenc>"`
	Schema                    string  `mysql:"string<lenenc>"`
	Table                     string  `mysql:"string<lenenc>"`
	OrgTable                  string  `mysql:"string<lenenc>"`
	Name                      string  `mysql:"string<lenenc>"`
	OrgName                   string  `mysql:"string<lenenc>"`
	LengthOfFixedLengthFields uint32  `mysql:"int<lenenc>"`
	CharacterSet              uint16  `mysql:"int<2>"`
	ColumnLength              uint32  `mysql:"int<4>"`
	Type                      uint8   `mysql:"int<1>"`
	Flags                     uint16  `mysql:"int<2>"`
	Decimals                  uint8   `mysql:"int<1>"`
	Reserved                  string  `mysql:"string<2>"`
	DefaultValue              *string `mysql:"string<lenenc>,omitempty"` // 如果为 NULL 这个为 0xFB
	ExtendedMetadata          string  `mysql:"string<lenenc>,optional"` // MariaDB扩展元数据（如'point', 'json'）
}

// ColumnCountPacket 列数包
type ColumnCountPacket struct {
	Packet
	ColumnCount     uint64 `mysql:"int<lenenc>"`
	MetadataFollows *uint8 `mysql:"int<1>,omitempty"` // MARIADB_CLIENT_CACHE_METADATA能力
}

func (p *ColumnCountPacket) Unmarshal(r io.Reader, capabilities uint32) error {
	if err := p.Packet.Unmarshal(r); err != nil {
		return err
	}

	// 使用Payload中的数据创建reader
	reader := bufio.NewReader(bytes.NewReader(p.Payload))
	p.ColumnCount, _ = ReadLenencNumber[uint64](reader)

	// 如果支持MARIADB_CLIENT_CACHE_METADATA,读取metadata follows字节
	if capabilities&MARIADB_CLIENT_CACHE_METADATA != 0 {
		// 检查是否还有数据可读
		peekBytes, err := reader.Peek(1)
		if err == nil && len(peekBytes) > 0 {
			metadataFollows, _ := reader.ReadByte()
			p.MetadataFollows = &metadataFollows
		}
	}

	return nil
}

func (p *ColumnCountPacket) UnmarshalDefault(r io.Reader) error {
	// 兼容性调用,使用默认能力
	return p.Unmarshal(r, 0)
}

func (p *ColumnCountPacket) Marshal(capabilities uint32) ([]byte, error) {
	buf := new(bytes.Buffer)

	// 写入列数（长度编码）
	WriteLenencNumber(buf, p.ColumnCount)

	// 如果支持MARIADB_CLIENT_CACHE_METADATA且有metadata follows,写入该字节
	if capabilities&MARIADB_CLIENT_CACHE_METADATA != 0 && p.MetadataFollows != nil {
		buf.WriteByte(*p.MetadataFollows)
	}

	// 组装Packet头部
	payload := buf.Bytes()
	packetBuf := new(bytes.Buffer)
	// PayloadLength 3字节小端
	packetBuf.Write([]byte{byte(len(payload)), byte(len(payload) >> 8), byte(len(payload) >> 16)})
	// SequenceID
	packetBuf.WriteByte(p.SequenceID)
	// Payload
	packetBuf.Write(payload)

	return packetBuf.Bytes(), nil
}

func (p *ColumnCountPacket) MarshalDefault() ([]byte, error) {
	// 兼容性调用,使用默认能力
	return p.Marshal(0)
}

// FieldMetaPacket 字段元数据包
type FieldMetaPacket struct {
	Packet
	FieldMeta
}

func (p *FieldMetaPacket) Unmarshal(r io.Reader, capabilities uint32) error {
	if err := p.Packet.Unmarshal(r); err != nil {
		return err
	}

	// 使用Payload中的数据创建reader
	reader := bufio.NewReader(bytes.NewReader(p.Payload))

	// 读取字段元数据
	p.Catalog, _ = ReadStringByLenencFromReader[uint8](reader)
	p.Schema, _ = ReadStringByLenencFromReader[uint8](reader)
	p.Table, _ = ReadStringByLenencFromReader[uint8](reader)
	p.OrgTable, _ = ReadStringByLenencFromReader[uint8](reader)
	p.Name, _ = ReadStringByLenencFromReader[uint8](reader)
	p.OrgName, _ = ReadStringByLenencFromReader[uint8](reader)
	p.LengthOfFixedLengthFields, _ = ReadLenencNumber[uint32](reader)
	p.CharacterSet, _ = ReadNumber[uint16](reader, 2)
	p.ColumnLength, _ = ReadNumber[uint32](reader, 4)
	p.Type, _ = ReadNumber[uint8](reader, 1)
	p.Flags, _ = ReadNumber[uint16](reader, 2)
	p.Decimals, _ = ReadNumber[uint8](reader, 1)

	// 读取保留字段（2字节）
	reserved := make([]byte, 2)
	io.ReadFull(reader, reserved)
	p.Reserved = string(reserved)

	// 读取扩展元数据（如果支持）
	if capabilities&MARIADB_CLIENT_EXTENDED_METADATA != 0 {
		// 检查是否有扩展元数据
		peekBytes, err := reader.Peek(1)
		if err == nil && len(peekBytes) > 0 {
			// 扩展元数据格式: int<1> data_type + string value
			for {
				// 读取数据类型
				_, err := reader.ReadByte()
				if err != nil {
					break
				}

				// 读取值
				value, err := ReadStringByLenencFromReader[uint8](reader)
				if err != nil {
					break
				}

				// 0x00: type, 0x01: format
				// 这里简单存储扩展元数据,实际使用时可能需要更详细的解析
				if p.ExtendedMetadata == "" {
					p.ExtendedMetadata = value
				}
			}
		}
	}

	// 读取默认值（可选）
	// 检查是否还有数据可读
	peekBytes, err := reader.Peek(1)
	if err == nil && len(peekBytes) > 0 {
		defaultValue, _ := ReadStringByLenencFromReader[uint8](reader)
		p.DefaultValue = &defaultValue
	}

	return nil
}

func (p *FieldMetaPacket) Marshal(capabilities uint32) ([]byte, error) {
	buf := new(bytes.Buffer)

	// 写入字段元数据
	WriteStringByLenenc(buf, p.Catalog)
	WriteStringByLenenc(buf, p.Schema)
	WriteStringByLenenc(buf, p.Table)
	WriteStringByLenenc(buf, p.OrgTable)
	WriteStringByLenenc(buf, p.Name)
	WriteStringByLenenc(buf, p.OrgName)
	p.LengthOfFixedLengthFields = 0xc
	WriteLenencNumber(buf, uint64(p.LengthOfFixedLengthFields))
	WriteNumber(buf, p.CharacterSet, 2)
	WriteNumber(buf, p.ColumnLength, 4)
	WriteNumber(buf, p.Type, 1)
	WriteNumber(buf, p.Flags, 2)
	WriteNumber(buf, p.Decimals, 1)
	WriteBinary(buf, []byte{0x00, 0x00})

	// 写入扩展元数据（如果支持且有数据）
	if capabilities&MARIADB_CLIENT_EXTENDED_METADATA != 0 && p.ExtendedMetadata != "" {
		// 写入类型标识(0x00表示type)
		buf.WriteByte(0x00)
		// 写入扩展元数据值
		WriteStringByLenenc(buf, p.ExtendedMetadata)
	}

	if p.DefaultValue != nil {
		WriteStringByLenenc(buf, *p.DefaultValue)
	}

	// 组装Packet头部
	payload := buf.Bytes()
	packetBuf := new(bytes.Buffer)
	// PayloadLength 3字节小端
	packetBuf.Write([]byte{byte(len(payload)), byte(len(payload) >> 8), byte(len(payload) >> 16)})
	// SequenceID
	packetBuf.WriteByte(p.SequenceID)
	// Payload
	packetBuf.Write(payload)

	return packetBuf.Bytes(), nil
}

// UnmarshalDefault 兼容性调用,使用默认能力
func (p *FieldMetaPacket) UnmarshalDefault(r io.Reader) error {
	return p.Unmarshal(r, 0)
}

// MarshalDefault 兼容性调用,使用默认能力
func (p *FieldMetaPacket) MarshalDefault() ([]byte, error) {
	return p.Marshal(0)
}

// RowDataPacket 数据行包
type RowDataPacket struct {
	Packet
	RowData []string `mysql:"array:string<lenenc>"`
}

func (p *RowDataPacket) Unmarshal(r io.Reader) error {
	if err := p.Packet.Unmarshal(r); err != nil {
		return err
	}

	// 从 Packet.Payload 中读取行数据
	reader := bufio.NewReader(bytes.NewReader(p.Packet.Payload))

	// 读取行数据（长度编码字符串数组）
	p.RowData = make([]string, 0)
	for {
		// 检查是否还有数据可读
		peekBytes, err := reader.Peek(1)
		if err != nil || len(peekBytes) == 0 {
			break
		}

		value, err := ReadStringByLenencFromReader[uint8](reader)
		if err != nil {
			break
		}
		p.RowData = append(p.RowData, value)
	}

	return nil
}

func (p *RowDataPacket) Marshal() ([]byte, error) {
	buf := new(bytes.Buffer)

	// 写入行数据
	for _, value := range p.RowData {
		WriteStringByLenenc(buf, value)
	}

	// 组装Packet头部
	payload := buf.Bytes()
	packetBuf := new(bytes.Buffer)
	// PayloadLength 3字节小端
	packetBuf.Write([]byte{byte(len(payload)), byte(len(payload) >> 8), byte(len(payload) >> 16)})
	// SequenceID
	packetBuf.WriteByte(p.SequenceID)
	// Payload
	packetBuf.Write(payload)

	return packetBuf.Bytes(), nil
}

