package bc

// Canonical wire encoding, shared by the host→guest context buffer,
// the guest→host effect buffer, transaction hashing, and persisted
// records: little-endian fixed-width integers, u32-length-prefixed
// byte strings, options as a u8 tag followed by the payload when
// present, sequences as a u32 count then elements, structs in
// declaration order with no padding. No tags, no field names.

import (
	"encoding/binary"

	"github.com/chain/txvm/errors"
)

// ErrTrailing is produced by strict decoders when input remains after
// the value has been read.
var ErrTrailing = errors.New("trailing bytes after canonical value")

// ErrTruncated is produced when the input ends mid-value.
var ErrTruncated = errors.New("truncated canonical value")

// A Writer accumulates a canonical encoding.
type Writer struct {
	buf []byte
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer {
	return &Writer{}
}

// Bytes returns the encoding so far.
func (w *Writer) Bytes() []byte {
	return w.buf
}

func (w *Writer) Byte(b byte) {
	w.buf = append(w.buf, b)
}

func (w *Writer) U32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *Writer) U64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *Writer) I64(v int64) {
	w.U64(uint64(v))
}

// Raw appends b with no length prefix (fixed-width fields).
func (w *Writer) Raw(b []byte) {
	w.buf = append(w.buf, b...)
}

// VarBytes appends a u32 length prefix followed by b.
func (w *Writer) VarBytes(b []byte) {
	w.U32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *Writer) String(s string) {
	w.VarBytes([]byte(s))
}

func (w *Writer) Id(id Id) {
	w.Raw(id[:])
}

func (w *Writer) Hash(h [32]byte) {
	w.Raw(h[:])
}

// A Reader consumes a canonical encoding. Errors are sticky: after
// the first failure every read returns zero values and Err reports
// the failure.
type Reader struct {
	buf []byte
	pos int
	err error
}

// NewReader returns a Reader over buf.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Err returns the first error encountered, if any.
func (r *Reader) Err() error {
	return r.err
}

// Len returns the number of unread bytes.
func (r *Reader) Len() int {
	return len(r.buf) - r.pos
}

// Finish confirms the input is fully consumed. Strict parsers call it
// after reading the outermost value.
func (r *Reader) Finish() error {
	if r.err != nil {
		return r.err
	}
	if r.pos != len(r.buf) {
		r.err = ErrTrailing
	}
	return r.err
}

func (r *Reader) fail() {
	if r.err == nil {
		r.err = ErrTruncated
	}
}

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.Len() < n {
		r.fail()
		return nil
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *Reader) Byte() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) U32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *Reader) U64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *Reader) I64() int64 {
	return int64(r.U64())
}

// VarBytes reads a u32-length-prefixed byte string, capped at max to
// keep hostile lengths from allocating unboundedly. A copy is
// returned; the reader's buffer is not aliased.
func (r *Reader) VarBytes(max uint32) []byte {
	n := r.U32()
	if r.err != nil {
		return nil
	}
	if n > max {
		r.err = errors.Wrapf(ErrTruncated, "byte string length %d exceeds bound %d", n, max)
		return nil
	}
	b := r.take(int(n))
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func (r *Reader) String(max uint32) string {
	return string(r.VarBytes(max))
}

func (r *Reader) Id() (id Id) {
	b := r.take(32)
	if b != nil {
		copy(id[:], b)
	}
	return id
}

func (r *Reader) Hash() (h [32]byte) {
	b := r.take(32)
	if b != nil {
		copy(h[:], b)
	}
	return h
}
