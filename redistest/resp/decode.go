// Package resp encodes and decodes the Redis Serialization Protocol
// (RESP2) for the mock servers of the redistest package.
//
// See http://redis.io/topics/protocol for the reference.
package resp

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
)

var (
	// ErrInvalidPrefix is returned if a value starts with an unknown
	// type prefix.
	ErrInvalidPrefix = errors.New("resp: invalid prefix")

	// ErrMissingCRLF is returned if a line is not terminated by \r\n.
	ErrMissingCRLF = errors.New("resp: missing CRLF")

	// ErrInvalidInteger is returned if an integer, or the length of a
	// bulk string or array, cannot be parsed.
	ErrInvalidInteger = errors.New("resp: invalid integer")

	// ErrInvalidLength is returned if the length of a bulk string or
	// array is negative, other than the -1 of a nil value.
	ErrInvalidLength = errors.New("resp: invalid length")

	// ErrInvalidRequest is returned by ReadRequest if the value is not
	// a non-empty array of bulk strings or an inline command.
	ErrInvalidRequest = errors.New("resp: invalid request")
)

// Array is a decoded array. A nil Array is a nil array.
type Array []interface{}

func (a Array) String() string {
	var buf bytes.Buffer
	for i, v := range a {
		fmt.Fprintf(&buf, "[%2d] %[2]v (%[2]T)\n", i, v)
	}
	return buf.String()
}

// Reader decodes values from a stream. Simple strings are decoded as
// SimpleString, errors as Error, integers as int64, bulk strings as
// string and arrays as Array. Nil values are decoded as nil.
type Reader struct {
	br *bufio.Reader
}

// NewReader returns a Reader that decodes values from r.
func NewReader(r io.Reader) *Reader {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &Reader{br: br}
}

// DecodeRequest reads a single request from br.
func DecodeRequest(br *bufio.Reader) ([]string, error) {
	return NewReader(br).ReadRequest()
}

// ReadRequest reads a command sent by a client, either as an array of
// bulk strings or as an inline command, a line of space-separated
// words as sent by telnet.
func (r *Reader) ReadRequest() ([]string, error) {
	b, err := r.br.Peek(1)
	if err != nil {
		return nil, err
	}
	if b[0] != '*' {
		line, err := r.readLine()
		if err != nil {
			return nil, err
		}
		words := bytes.Fields(line)
		if len(words) == 0 {
			return nil, ErrInvalidRequest
		}
		req := make([]string, len(words))
		for i, w := range words {
			req[i] = string(w)
		}
		return req, nil
	}

	v, err := r.ReadValue()
	if err != nil {
		return nil, err
	}
	ar, _ := v.(Array)
	if len(ar) == 0 {
		return nil, ErrInvalidRequest
	}
	req := make([]string, len(ar))
	for i, v := range ar {
		s, ok := v.(string)
		if !ok {
			return nil, ErrInvalidRequest
		}
		req[i] = s
	}
	return req, nil
}

// ReadValue reads the next value.
func (r *Reader) ReadValue() (interface{}, error) {
	line, err := r.readLine()
	if err != nil {
		return nil, err
	}
	if len(line) == 0 {
		return nil, ErrInvalidPrefix
	}

	prefix, rest := line[0], line[1:]
	switch prefix {
	case '+':
		return SimpleString(rest), nil
	case '-':
		return Error(rest), nil
	case ':':
		return parseInt(rest)
	case '$':
		n, err := parseLen(rest)
		if err != nil || n < 0 {
			return nil, err
		}
		buf := make([]byte, n+2)
		if _, err := io.ReadFull(r.br, buf); err != nil {
			return nil, err
		}
		if !bytes.HasSuffix(buf, crlf) {
			return nil, ErrMissingCRLF
		}
		return string(buf[:n]), nil
	case '*':
		n, err := parseLen(rest)
		if err != nil || n < 0 {
			return Array(nil), err
		}
		ar := make(Array, n)
		for i := range ar {
			if ar[i], err = r.ReadValue(); err != nil {
				return nil, err
			}
		}
		return ar, nil
	}
	return nil, ErrInvalidPrefix
}

// readLine returns the next line without its terminating \r\n.
func (r *Reader) readLine() ([]byte, error) {
	line, err := r.br.ReadBytes('\n')
	if err != nil {
		if err == io.EOF && len(line) > 0 {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	if len(line) < 2 || line[len(line)-2] != '\r' {
		return nil, ErrMissingCRLF
	}
	return line[:len(line)-2], nil
}

func parseInt(b []byte) (int64, error) {
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0, ErrInvalidInteger
	}
	return n, nil
}

// parseLen parses the length of a bulk string or array, -1 being the
// length of a nil value.
func parseLen(b []byte) (int, error) {
	n, err := parseInt(b)
	if err != nil {
		return 0, err
	}
	if n < -1 {
		return 0, ErrInvalidLength
	}
	return int(n), nil
}
