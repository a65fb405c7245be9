package wire

import (
	"encoding/binary"
	"errors"
)

// Decode errors. ErrIncomplete means the span ended before a decision could be
// made and the caller should retry with more data; ErrMalformed means the bytes
// violate the grammar and retrying will not help.
var (
	ErrIncomplete = errors.New("incomplete data")
	ErrMalformed  = errors.New("malformed data")
)

// Reader consumes a byte span with bounds-checked fixed-width reads. The byte
// order for multi-byte integers can be switched mid-message for protocols that
// carry an in-band endianness flag.
type Reader struct {
	buf   []byte
	off   int
	order binary.ByteOrder
}

// NewReader returns a Reader over buf using network byte order.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf, order: binary.BigEndian}
}

// SetOrder switches the byte order applied to subsequent integer reads.
func (r *Reader) SetOrder(order binary.ByteOrder) {
	r.order = order
}

// Len returns the number of unconsumed bytes.
func (r *Reader) Len() int {
	return len(r.buf) - r.off
}

// Rest returns all unconsumed bytes without advancing.
func (r *Reader) Rest() []byte {
	return r.buf[r.off:]
}

// Take consumes and returns the next n bytes.
func (r *Reader) Take(n int) ([]byte, error) {
	if n < 0 {
		return nil, ErrMalformed
	}
	if r.Len() < n {
		return nil, ErrIncomplete
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

// Skip consumes n bytes.
func (r *Reader) Skip(n int) error {
	_, err := r.Take(n)
	return err
}

func (r *Reader) Uint8() (uint8, error) {
	b, err := r.Take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) Uint16() (uint16, error) {
	b, err := r.Take(2)
	if err != nil {
		return 0, err
	}
	return r.order.Uint16(b), nil
}

func (r *Reader) Uint32() (uint32, error) {
	b, err := r.Take(4)
	if err != nil {
		return 0, err
	}
	return r.order.Uint32(b), nil
}

func (r *Reader) Uint64() (uint64, error) {
	b, err := r.Take(8)
	if err != nil {
		return 0, err
	}
	return r.order.Uint64(b), nil
}

// String32 consumes a 4-byte length prefix followed by that many bytes.
func (r *Reader) String32() ([]byte, error) {
	n, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	return r.Take(int(n))
}

// CString consumes bytes up to and including a NUL terminator and returns the
// bytes before it.
func (r *Reader) CString() ([]byte, error) {
	rest := r.Rest()
	for i, b := range rest {
		if b == 0x00 {
			r.off += i + 1
			return rest[:i], nil
		}
	}
	return nil, ErrIncomplete
}
