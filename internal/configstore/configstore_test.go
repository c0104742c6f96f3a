package configstore

import (
	"testing"

	"github.com/oriys/pulsar/internal/buffer"
)

func TestSetGetDelete(t *testing.T) {
	s := New()
	s.Set("requirements", "numpy")
	s.Set("tuning", "{\"level\":2}")

	if v, ok := s.Get("requirements"); !ok || v != "numpy" {
		t.Fatalf("get: %q %v", v, ok)
	}
	if _, ok := s.Get("absent"); ok {
		t.Fatal("absent key must not resolve")
	}
	s.Set("requirements", "pandas")
	if v, _ := s.Get("requirements"); v != "pandas" {
		t.Fatalf("overwrite: %q", v)
	}
	s.Delete("requirements")
	if _, ok := s.Get("requirements"); ok {
		t.Fatal("deleted key must not resolve")
	}
	if s.Len() != 1 {
		t.Fatalf("len: %d", s.Len())
	}
}

func TestSerializeLoadRoundTrip(t *testing.T) {
	s := New()
	s.Set("a", "1")
	s.Set("b", "two")
	s.Set("c", "")

	w := buffer.NewWriter(64)
	s.Serialize(w)

	loaded := New()
	loaded.Set("stale", "gone after load")
	if err := loaded.Load(buffer.NewReader(w.Bytes())); err != nil {
		t.Fatal(err)
	}
	if loaded.Len() != 3 {
		t.Fatalf("len after load: %d", loaded.Len())
	}
	for _, kv := range [][2]string{{"a", "1"}, {"b", "two"}, {"c", ""}} {
		if v, ok := loaded.Get(kv[0]); !ok || v != kv[1] {
			t.Fatalf("load %s: %q %v", kv[0], v, ok)
		}
	}
	if _, ok := loaded.Get("stale"); ok {
		t.Fatal("load must replace prior entries")
	}
}
