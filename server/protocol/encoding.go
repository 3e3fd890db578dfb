package protocol

import (
	"bytes"
	"io"
)

// Number is the set of unsigned integer widths the MySQL/MariaDB wire
// format uses for fixed-length fields.
type Number interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64
}

// ReadNumber reads an n-byte little-endian unsigned integer.
func ReadNumber[T Number](r io.Reader, n int) (T, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, err
	}
	var v uint64
	for i := 0; i < n; i++ {
		v |= uint64(buf[i]) << (8 * uint(i))
	}
	return T(v), nil
}

// WriteNumber writes val as an n-byte little-endian unsigned integer.
func WriteNumber[T Number](buf *bytes.Buffer, val T, n int) error {
	v := uint64(val)
	b := make([]byte, n)
	for i := 0; i < n; i++ {
		b[i] = byte(v >> (8 * uint(i)))
	}
	_, err := buf.Write(b)
	return err
}

// WriteBinary writes raw bytes unchanged.
func WriteBinary(buf *bytes.Buffer, b []byte) error {
	_, err := buf.Write(b)
	return err
}

// ReadStringByNullEnd reads a NUL-terminated string from a *bytes.Buffer,
// stopping before the terminator.
func ReadStringByNullEnd(buf *bytes.Buffer) (string, error) {
	s, err := buf.ReadString(0)
	if err != nil {
		return s, err
	}
	return s[:len(s)-1], nil
}

// ReadStringByNullEndFromReader is the io.Reader counterpart of
// ReadStringByNullEnd; it reads one byte at a time so it never
// over-consumes past the terminator on a shared reader.
func ReadStringByNullEndFromReader(r io.Reader) (string, error) {
	var out []byte
	b := make([]byte, 1)
	for {
		if _, err := io.ReadFull(r, b); err != nil {
			return string(out), err
		}
		if b[0] == 0 {
			return string(out), nil
		}
		out = append(out, b[0])
	}
}

// WriteStringByNullEnd writes s followed by a NUL terminator.
func WriteStringByNullEnd(buf *bytes.Buffer, s string) error {
	buf.WriteString(s)
	return buf.WriteByte(0)
}

// ReadStringFixedFromReader reads exactly n bytes from r as a string.
func ReadStringFixedFromReader(r io.Reader, n int) (string, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// ReadLenencNumber reads a MySQL length-encoded integer.
// https://dev.mysql.com/doc/dev/mysql-server/latest/page_protocol_basic_dt_integers.html
func ReadLenencNumber[T Number](r io.Reader) (T, error) {
	first := make([]byte, 1)
	if _, err := io.ReadFull(r, first); err != nil {
		return 0, err
	}
	switch first[0] {
	case 0xfb:
		return 0, nil
	case 0xfc:
		v, err := ReadNumber[uint64](r, 2)
		return T(v), err
	case 0xfd:
		v, err := ReadNumber[uint64](r, 3)
		return T(v), err
	case 0xfe:
		v, err := ReadNumber[uint64](r, 8)
		return T(v), err
	default:
		return T(first[0]), nil
	}
}

// WriteLenencNumber writes val as a MySQL length-encoded integer.
func WriteLenencNumber(buf *bytes.Buffer, val uint64) error {
	switch {
	case val < 0xfb:
		return buf.WriteByte(byte(val))
	case val <= 0xffff:
		if err := buf.WriteByte(0xfc); err != nil {
			return err
		}
		return WriteNumber(buf, val, 2)
	case val <= 0xffffff:
		if err := buf.WriteByte(0xfd); err != nil {
			return err
		}
		return WriteNumber(buf, val, 3)
	default:
		if err := buf.WriteByte(0xfe); err != nil {
			return err
		}
		return WriteNumber(buf, val, 8)
	}
}

// ReadStringByLenencFromReader reads a length-encoded string: a
// length-encoded integer followed by that many bytes.
func ReadStringByLenencFromReader[T Number](r io.Reader) (string, error) {
	length, err := ReadLenencNumber[T](r)
	if err != nil {
		return "", err
	}
	if length == 0 {
		return "", nil
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// WriteStringByLenenc writes s as a length-encoded string.
func WriteStringByLenenc(buf *bytes.Buffer, s string) error {
	if err := WriteLenencNumber(buf, uint64(len(s))); err != nil {
		return err
	}
	_, err := buf.WriteString(s)
	return err
}
