package buffer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrShortBuffer is returned when a read runs past the end of the input.
var ErrShortBuffer = errors.New("buffer: unexpected end of input")

// Writer appends varint-framed values to a growing byte slice. All integers
// on the wire use the continuation-bit encoding; strings and byte blobs are
// length-prefixed with no terminator.
type Writer struct {
	buf []byte
}

// NewWriter returns a Writer with the given initial capacity.
func NewWriter(capacity int) *Writer {
	return &Writer{buf: make([]byte, 0, capacity)}
}

// Bytes returns the accumulated encoding. The slice aliases the writer's
// internal storage and is invalidated by further writes.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Len returns the number of encoded bytes so far.
func (w *Writer) Len() int {
	return len(w.buf)
}

// WriteUvarint appends an unsigned varint.
func (w *Writer) WriteUvarint(v uint64) {
	w.buf = binary.AppendUvarint(w.buf, v)
}

// WriteVarint appends a signed varint (zig-zag encoded).
func (w *Writer) WriteVarint(v int64) {
	w.buf = binary.AppendVarint(w.buf, v)
}

// WriteBytes appends a length-prefixed byte blob.
func (w *Writer) WriteBytes(b []byte) {
	w.WriteUvarint(uint64(len(b)))
	w.buf = append(w.buf, b...)
}

// WriteString appends a length-prefixed string.
func (w *Writer) WriteString(s string) {
	w.WriteUvarint(uint64(len(s)))
	w.buf = append(w.buf, s...)
}

// WriteFloat64 appends a float64 as its IEEE-754 bits in a fixed 8 bytes.
func (w *Writer) WriteFloat64(f float64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], math.Float64bits(f))
	w.buf = append(w.buf, tmp[:]...)
}

// Reader consumes values produced by Writer from a byte slice.
type Reader struct {
	buf []byte
	pos int
}

// NewReader wraps the given encoding for reading.
func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

// Remaining reports how many bytes are left unread.
func (r *Reader) Remaining() int {
	return len(r.buf) - r.pos
}

// ReadUvarint consumes an unsigned varint.
func (r *Reader) ReadUvarint() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.pos:])
	if n <= 0 {
		return 0, fmt.Errorf("read uvarint at offset %d: %w", r.pos, ErrShortBuffer)
	}
	r.pos += n
	return v, nil
}

// ReadVarint consumes a signed varint.
func (r *Reader) ReadVarint() (int64, error) {
	v, n := binary.Varint(r.buf[r.pos:])
	if n <= 0 {
		return 0, fmt.Errorf("read varint at offset %d: %w", r.pos, ErrShortBuffer)
	}
	r.pos += n
	return v, nil
}

// ReadBytes consumes a length-prefixed byte blob. The result is a copy and
// remains valid after the reader is discarded.
func (r *Reader) ReadBytes() ([]byte, error) {
	n, err := r.ReadUvarint()
	if err != nil {
		return nil, err
	}
	if uint64(r.Remaining()) < n {
		return nil, fmt.Errorf("read %d bytes at offset %d: %w", n, r.pos, ErrShortBuffer)
	}
	out := make([]byte, n)
	copy(out, r.buf[r.pos:r.pos+int(n)])
	r.pos += int(n)
	return out, nil
}

// ReadString consumes a length-prefixed string.
func (r *Reader) ReadString() (string, error) {
	b, err := r.ReadBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadFloat64 consumes a fixed 8-byte IEEE-754 float64.
func (r *Reader) ReadFloat64() (float64, error) {
	if r.Remaining() < 8 {
		return 0, fmt.Errorf("read float64 at offset %d: %w", r.pos, ErrShortBuffer)
	}
	bits := binary.BigEndian.Uint64(r.buf[r.pos : r.pos+8])
	r.pos += 8
	return math.Float64frombits(bits), nil
}
