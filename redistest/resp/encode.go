package resp

import (
	"errors"
	"io"
	"strconv"
	"strings"
)

var crlf = []byte("\r\n")

// ErrInvalidValue is returned if the value to encode is of an
// unsupported type, or if a simple string or error contains \r or \n.
var ErrInvalidValue = errors.New("resp: invalid value")

// Error is encoded as an error reply.
type Error string

// Pong is encoded as the PONG simple string.
type Pong struct{}

// OK is encoded as the OK simple string.
type OK struct{}

// NilArray is encoded as a nil array, as returned by EXEC for an
// aborted transaction. A nil interface value is encoded as a nil bulk
// string.
type NilArray struct{}

// SimpleString is encoded as a simple string.
type SimpleString string

// BulkString is encoded as a bulk string, the default encoding of Go
// strings and byte slices.
type BulkString string

// Encode encodes v and writes it to w in a single call to Write, so
// that concurrent writers to a connection do not interleave partial
// replies.
func Encode(w io.Writer, v interface{}) error {
	buf, err := Append(nil, v)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// Append appends the encoding of v to buf and returns the extended
// buffer.
func Append(buf []byte, v interface{}) ([]byte, error) {
	switch v := v.(type) {
	case nil:
		return append(buf, "$-1\r\n"...), nil
	case NilArray:
		return append(buf, "*-1\r\n"...), nil
	case OK:
		return append(buf, "+OK\r\n"...), nil
	case Pong:
		return append(buf, "+PONG\r\n"...), nil
	case SimpleString:
		return appendLine(buf, '+', string(v))
	case Error:
		return appendLine(buf, '-', string(v))
	case bool:
		if v {
			return appendInt(buf, ':', 1), nil
		}
		return appendInt(buf, ':', 0), nil
	case int:
		return appendInt(buf, ':', int64(v)), nil
	case int64:
		return appendInt(buf, ':', v), nil
	case string:
		return appendBulk(buf, v), nil
	case BulkString:
		return appendBulk(buf, string(v)), nil
	case []byte:
		return appendBulk(buf, string(v)), nil
	case []string:
		if v == nil {
			return append(buf, "*-1\r\n"...), nil
		}
		buf = appendInt(buf, '*', int64(len(v)))
		for _, s := range v {
			buf = appendBulk(buf, s)
		}
		return buf, nil
	case []interface{}:
		return appendArray(buf, v)
	case Array:
		return appendArray(buf, v)
	}
	return nil, ErrInvalidValue
}

func appendArray(buf []byte, vals []interface{}) ([]byte, error) {
	if vals == nil {
		return append(buf, "*-1\r\n"...), nil
	}
	buf = appendInt(buf, '*', int64(len(vals)))
	for _, v := range vals {
		var err error
		if buf, err = Append(buf, v); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func appendLine(buf []byte, prefix byte, s string) ([]byte, error) {
	if strings.ContainsAny(s, "\r\n") {
		return nil, ErrInvalidValue
	}
	buf = append(buf, prefix)
	buf = append(buf, s...)
	return append(buf, crlf...), nil
}

func appendInt(buf []byte, prefix byte, n int64) []byte {
	buf = append(buf, prefix)
	buf = strconv.AppendInt(buf, n, 10)
	return append(buf, crlf...)
}

func appendBulk(buf []byte, s string) []byte {
	buf = appendInt(buf, '$', int64(len(s)))
	buf = append(buf, s...)
	return append(buf, crlf...)
}
