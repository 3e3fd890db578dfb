package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestIsEofPacket 测试EOF包判断
func TestIsEofPacket(t *testing.T) {
	// 标准EOF包：05 00 00 03 FE 00 00 02 00
	// Packet Length: 5
	// Sequence ID: 3
	// Header: 0xFE
	// Warnings: 0
	// Status Flags: 0x0002
	validEof := []byte{0x05, 0x00, 0x00, 0x03, 0xFE, 0x00, 0x00, 0x02, 0x00}
	assert.True(t, IsEofPacket(validEof), "Should be EOF packet")

	// 包长度>=9字节，不应被识别为EOF（可能是数据行）
	longData := []byte{
		0x10, 0x00, 0x00, 0x04, // 包长度 16, 序列ID 4
		0xFE, // 第一个字节是 0xFE（数据行的一部分）
		// ... 其他15字节数据
	}
	for i := 0; i < 15; i++ {
		longData = append(longData, byte(i))
	}
	assert.False(t, IsEofPacket(longData), "Should not be EOF packet (too long)")

	// 包头不是 0xFE
	notEof := []byte{0x05, 0x00, 0x00, 0x03, 0x00, 0x00, 0x02, 0x00}
	assert.False(t, IsEofPacket(notEof), "Should not be EOF packet (wrong header)")

	// 包太短（< 4字节）
	tooShort := []byte{0x03, 0x00, 0x00}
	assert.False(t, IsEofPacket(tooShort), "Should not be EOF packet (too short)")
}

// TestOkPacketWithSessionState 测试带会话状态的OK包
func TestOkPacketWithSessionState(t *testing.T) {
	packet := &OkPacket{
		Packet: Packet{
			SequenceID: 1,
		},
		OkInPacket: OkInPacket{
			Header:           0x00,
			AffectedRows:     1,
			LastInsertId:     100,
			StatusFlags:      0x4002, // AUTOCOMMIT | SESSION_STATE_CHANGED
			Warnings:         0,
			Info:             "",
			SessionStateInfo: "schema=testdb;",
		},
	}

	data, err := packet.Marshal()
	assert.NoError(t, err)

	// 反序列化验证
	packet2 := &OkPacket{}
	capabilities := uint32(CLIENT_PROTOCOL_41 | CLIENT_SESSION_TRACK)
	err = packet2.Unmarshal(bytes.NewReader(data), capabilities)
	assert.NoError(t, err)
	assert.Equal(t, packet.OkInPacket.Header, packet2.OkInPacket.Header)
	assert.Equal(t, packet.OkInPacket.AffectedRows, packet2.OkInPacket.AffectedRows)
	assert.Equal(t, packet.OkInPacket.LastInsertId, packet2.OkInPacket.LastInsertId)
	assert.Equal(t, packet.OkInPacket.StatusFlags, packet2.OkInPacket.StatusFlags)
	assert.Equal(t, packet.OkInPacket.Warnings, packet2.OkInPacket.Warnings)
	assert.Equal(t, packet.OkInPacket.SessionStateInfo, packet2.OkInPacket.SessionStateInfo)
	assert.True(t, packet2.OkInPacket.HasSessionStateChanged())

	t.Logf("OkPacket with session state: %+v", packet)
}

// TestErrorPacketWithoutSqlState 测试不带SQL状态的错误包
func TestErrorPacketWithoutSqlState(t *testing.T) {
	// FF 0A 00 45 72 72 6f 72 20 6d 65 73 73 61 67 65 00
	// Header: 0xFF
	// Error Code: 10
	// Error Message: "Error message\0"
	testData := []byte{
		0xFF,       // Header
		0x0A, 0x00, // Error Code: 10
		'E', 'r', 'r', 'o', 'r', ' ', 'm', 'e', 's', 's', 'a', 'g', 'e',
		0x00, // NULL 终止符
	}

	packet := &ErrorPacket{}
	capabilities := uint32(CLIENT_PROTOCOL_41)
	err := packet.ErrorInPacket.Unmarshal(bytes.NewReader(testData), capabilities)
	assert.NoError(t, err)
	assert.Equal(t, uint8(0xFF), packet.ErrorInPacket.Header)
	assert.Equal(t, uint16(10), packet.ErrorInPacket.ErrorCode)
	// 没有SQL状态
	assert.Equal(t, "", packet.ErrorInPacket.SqlStateMarker)
	assert.Equal(t, "", packet.ErrorInPacket.SqlState)
	assert.Equal(t, "Error message", packet.ErrorInPacket.ErrorMessage)

	t.Logf("ErrorPacket without SQL state: %+v", packet)
}

// TestErrorPacketWithSqlState 测试带SQL状态的错误包
func TestErrorPacketWithSqlState(t *testing.T) {
	testData := []byte{
		0xFF,       // Header
		0x15, 0x04, // Error Code: 1045
		'#',                     // SQL State Marker
		'2', '8', '0', '0', '0', // SQL State: 28000
		'A', 'c', 'c', 'e', 's', 's', ' ', 'd', 'e', 'n', 'i', 'e', 'd', ' ', 'f', 'o', 'r', ' ', 'u', 's', 'e', 'r', ' ', '\'', 'r', 'o', 'o', 't', '\'', '@', '\'', 'l', 'o', 'c', 'a', 'l', 'h', 'o', 's', 't', '\'', ' ', '(', 'u', 's', 'i', 'n', 'g', ' ', 'p', 'a', 's', 's', 'w', 'o', 'r', 'd', ':', ' ', 'Y', 'E', 'S', ')',
		0x00, // NULL 终止符
	}

	packet := &ErrorPacket{}
	capabilities := uint32(CLIENT_PROTOCOL_41)
	err := packet.ErrorInPacket.Unmarshal(bytes.NewReader(testData), capabilities)
	assert.NoError(t, err)
	assert.Equal(t, uint8(0xFF), packet.ErrorInPacket.Header)
	assert.Equal(t, uint16(1045), packet.ErrorInPacket.ErrorCode)
	assert.Equal(t, "#", packet.ErrorInPacket.SqlStateMarker)
	assert.Equal(t, "28000", packet.ErrorInPacket.SqlState)
	assert.Equal(t, "Access denied for user 'root'@'localhost' (using password: YES)", packet.ErrorInPacket.ErrorMessage)

	t.Logf("ErrorPacket: %+v", packet)
}

// TestEofPacketWithStatusFlags 测试带状态标志的EOF包
func TestEofPacketWithStatusFlags(t *testing.T) {
	packet := &EofPacket{
		Packet: Packet{
			SequenceID: 3,
		},
		EofInPacket: EofInPacket{
			Header:      0xFE,
			Warnings:    1,
			StatusFlags: 0x4002, // AUTOCOMMIT | SESSION_STATE_CHANGED
		},
	}

	data, err := packet.Marshal()
	assert.NoError(t, err)

	// 反序列化验证
	packet2 := &EofPacket{}
	err = packet2.Unmarshal(bytes.NewReader(data), CLIENT_PROTOCOL_41)
	assert.NoError(t, err)
	assert.Equal(t, packet.EofInPacket.Header, packet2.EofInPacket.Header)
	assert.Equal(t, packet.EofInPacket.Warnings, packet2.EofInPacket.Warnings)
	assert.Equal(t, packet.EofInPacket.StatusFlags, packet2.EofInPacket.StatusFlags)
	assert.True(t, packet2.EofInPacket.IsAutoCommit())
	assert.True(t, packet2.EofInPacket.HasSessionStateChanged())

	t.Logf("EofPacket with status flags: %+v", packet)
}

// TestResultSetPacketStructure 测试完整的结果集包结构：列数包、字段元数据包、
// 中间 EOF、数据行包、最终 EOF 依次排列，这是 admin 查询响应实际使用的排列方式。
func TestResultSetPacketStructure(t *testing.T) {
	columnCount := &ColumnCountPacket{
		Packet:      Packet{SequenceID: 1},
		ColumnCount: 1,
	}
	columnCountData, _ := columnCount.MarshalDefault()

	fieldMeta := &FieldMetaPacket{
		Packet: Packet{SequenceID: 2},
		FieldMeta: FieldMeta{
			Catalog:                   "def",
			Schema:                    "test",
			Table:                     "users",
			OrgTable:                  "users",
			Name:                      "id",
			OrgName:                   "id",
			LengthOfFixedLengthFields: 12,
			CharacterSet:              33,
			ColumnLength:              11,
			Type:                      0x03, // INT
			Flags:                     0x81, // NOT_NULL | PRI_KEY
			Decimals:                  0,
			Reserved:                  "\x00\x00",
		},
	}
	fieldMetaData, _ := fieldMeta.MarshalDefault()

	intermediateEof := &EofPacket{Packet: Packet{SequenceID: 3}}
	intermediateEofData, _ := intermediateEof.Marshal()

	rowData := &RowDataPacket{
		Packet:  Packet{SequenceID: 4},
		RowData: []string{"123"},
	}
	rowDataData, _ := rowData.Marshal()

	finalEof := &EofPacket{Packet: Packet{SequenceID: 5}}
	finalEofData, _ := finalEof.Marshal()

	allData := make([]byte, 0, len(columnCountData)+len(fieldMetaData)+len(intermediateEofData)+len(rowDataData)+len(finalEofData))
	allData = append(allData, columnCountData...)
	allData = append(allData, fieldMetaData...)
	allData = append(allData, intermediateEofData...)
	allData = append(allData, rowDataData...)
	allData = append(allData, finalEofData...)

	t.Logf("Complete result set packet size: %d bytes", len(allData))
	assert.Greater(t, len(allData), 0)
}
