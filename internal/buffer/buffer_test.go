package buffer

import (
	"errors"
	"math"
	"testing"
)

func TestVarintRoundTrip(t *testing.T) {
	values := []int64{0, 1, -1, 127, 128, -128, 1 << 20, -(1 << 20), math.MaxInt64, math.MinInt64}
	w := NewWriter(64)
	for _, v := range values {
		w.WriteVarint(v)
	}
	rd := NewReader(w.Bytes())
	for _, want := range values {
		got, err := rd.ReadVarint()
		if err != nil {
			t.Fatalf("read varint: %v", err)
		}
		if got != want {
			t.Fatalf("varint round trip: got %d, want %d", got, want)
		}
	}
	if rd.Remaining() != 0 {
		t.Fatalf("expected empty reader, %d bytes left", rd.Remaining())
	}
}

func TestUvarintRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 127, 128, 16384, math.MaxUint64}
	w := NewWriter(64)
	for _, v := range values {
		w.WriteUvarint(v)
	}
	rd := NewReader(w.Bytes())
	for _, want := range values {
		got, err := rd.ReadUvarint()
		if err != nil {
			t.Fatalf("read uvarint: %v", err)
		}
		if got != want {
			t.Fatalf("uvarint round trip: got %d, want %d", got, want)
		}
	}
}

func TestStringsAndBytes(t *testing.T) {
	w := NewWriter(0)
	w.WriteString("")
	w.WriteString("hello")
	w.WriteBytes([]byte{0x00, 0xff, 0x7f})
	w.WriteFloat64(3.5)

	rd := NewReader(w.Bytes())
	if s, err := rd.ReadString(); err != nil || s != "" {
		t.Fatalf("empty string: %q, %v", s, err)
	}
	if s, err := rd.ReadString(); err != nil || s != "hello" {
		t.Fatalf("string: %q, %v", s, err)
	}
	b, err := rd.ReadBytes()
	if err != nil || len(b) != 3 || b[1] != 0xff {
		t.Fatalf("bytes: %v, %v", b, err)
	}
	f, err := rd.ReadFloat64()
	if err != nil || f != 3.5 {
		t.Fatalf("float: %v, %v", f, err)
	}
}

func TestShortBuffer(t *testing.T) {
	w := NewWriter(0)
	w.WriteString("truncated payload")
	data := w.Bytes()[:4]

	rd := NewReader(data)
	if _, err := rd.ReadString(); !errors.Is(err, ErrShortBuffer) {
		t.Fatalf("expected ErrShortBuffer, got %v", err)
	}

	rd = NewReader(nil)
	if _, err := rd.ReadUvarint(); !errors.Is(err, ErrShortBuffer) {
		t.Fatalf("expected ErrShortBuffer on empty input, got %v", err)
	}
	if _, err := rd.ReadFloat64(); !errors.Is(err, ErrShortBuffer) {
		t.Fatalf("expected ErrShortBuffer on float read, got %v", err)
	}
}

func TestReadBytesIsACopy(t *testing.T) {
	w := NewWriter(0)
	w.WriteBytes([]byte("aaaa"))
	data := w.Bytes()
	rd := NewReader(data)
	b, err := rd.ReadBytes()
	if err != nil {
		t.Fatal(err)
	}
	data[1] = 'z'
	if string(b) != "aaaa" {
		t.Fatalf("ReadBytes result aliases input: %q", b)
	}
}
