// Package message implements the structured payload carried on every bus topic:
// an ordered sequence of typed fields, encoded back to back as MessagePack
// values. Fields must be read in the order they were written; the first field
// that is absent or of the wrong type fails the read.
package message

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

var (
	// ErrFieldMissing is returned when the payload ends before the requested field.
	ErrFieldMissing = errors.New("message: field missing")
	// ErrFieldType is returned when the next field has a different type.
	ErrFieldType = errors.New("message: field type mismatch")
)

// FieldError locates a failed read.
type FieldError struct {
	Index int
	Want  string
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("field %d (%s): %v", e.Index, e.Want, e.Err)
}

func (e *FieldError) Unwrap() error { return e.Err }

// Reader decodes fields sequentially from a payload.
type Reader struct {
	dec   *msgpack.Decoder
	index int
}

func NewReader(payload []byte) *Reader {
	return &Reader{dec: msgpack.NewDecoder(bytes.NewReader(payload))}
}

// Index returns how many fields have been consumed.
func (r *Reader) Index() int { return r.index }

func (r *Reader) peek(want string, accept func(byte) bool) error {
	c, err := r.dec.PeekCode()
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return &FieldError{Index: r.index, Want: want, Err: ErrFieldMissing}
		}
		return &FieldError{Index: r.index, Want: want, Err: err}
	}
	if !accept(c) {
		return &FieldError{Index: r.index, Want: want, Err: fmt.Errorf("%w: code 0x%02x", ErrFieldType, c)}
	}
	return nil
}

func (r *Reader) fail(want string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		err = ErrFieldMissing
	}
	return &FieldError{Index: r.index, Want: want, Err: err}
}

func (r *Reader) ReadString() (string, error) {
	if err := r.peek("string", msgpcode.IsString); err != nil {
		return "", err
	}
	s, err := r.dec.DecodeString()
	if err != nil {
		return "", r.fail("string", err)
	}
	r.index++
	return s, nil
}

func (r *Reader) ReadInt32() (int32, error) {
	if err := r.peek("int32", isInt); err != nil {
		return 0, err
	}
	n, err := r.dec.DecodeInt64()
	if err != nil {
		return 0, r.fail("int32", err)
	}
	if n < math.MinInt32 || n > math.MaxInt32 {
		return 0, &FieldError{Index: r.index, Want: "int32", Err: fmt.Errorf("%w: %d out of range", ErrFieldType, n)}
	}
	r.index++
	return int32(n), nil
}

func (r *Reader) ReadFloat64() (float64, error) {
	if err := r.peek("float64", isFloat); err != nil {
		return 0, err
	}
	f, err := r.dec.DecodeFloat64()
	if err != nil {
		return 0, r.fail("float64", err)
	}
	r.index++
	return f, nil
}

func (r *Reader) ReadBinary() ([]byte, error) {
	if err := r.peek("binary", msgpcode.IsBin); err != nil {
		return nil, err
	}
	b, err := r.dec.DecodeBytes()
	if err != nil {
		return nil, r.fail("binary", err)
	}
	r.index++
	return b, nil
}

func isInt(c byte) bool {
	if msgpcode.IsFixedNum(c) {
		return true
	}
	switch c {
	case msgpcode.Uint8, msgpcode.Uint16, msgpcode.Uint32, msgpcode.Uint64,
		msgpcode.Int8, msgpcode.Int16, msgpcode.Int32, msgpcode.Int64:
		return true
	}
	return false
}

func isFloat(c byte) bool {
	return c == msgpcode.Float || c == msgpcode.Double
}

// Writer appends typed fields to a payload.
type Writer struct {
	buf bytes.Buffer
	enc *msgpack.Encoder
	err error
}

func NewWriter() *Writer {
	w := &Writer{}
	w.enc = msgpack.NewEncoder(&w.buf)
	return w
}

func (w *Writer) WriteString(s string) *Writer {
	if w.err == nil {
		w.err = w.enc.EncodeString(s)
	}
	return w
}

func (w *Writer) WriteInt32(n int32) *Writer {
	if w.err == nil {
		w.err = w.enc.EncodeInt32(n)
	}
	return w
}

func (w *Writer) WriteFloat64(f float64) *Writer {
	if w.err == nil {
		w.err = w.enc.EncodeFloat64(f)
	}
	return w
}

func (w *Writer) WriteBinary(b []byte) *Writer {
	if b == nil {
		// msgpack encodes a nil slice as nil, which is not a binary field.
		b = []byte{}
	}
	if w.err == nil {
		w.err = w.enc.EncodeBytes(b)
	}
	return w
}

// Bytes returns the encoded payload or the first write error.
func (w *Writer) Bytes() ([]byte, error) {
	if w.err != nil {
		return nil, w.err
	}
	return append([]byte(nil), w.buf.Bytes()...), nil
}

// MustBytes is Bytes for payloads built from in-memory values, where encoding
// into a bytes.Buffer cannot fail.
func (w *Writer) MustBytes() []byte {
	b, err := w.Bytes()
	if err != nil {
		panic(err)
	}
	return b
}
