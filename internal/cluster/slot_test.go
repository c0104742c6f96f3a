package cluster

import "testing"

func TestKeySlotKnownValues(t *testing.T) {
	// value published in the cluster specification
	if got := KeySlot("foo"); got != 12182 {
		t.Fatalf("slot of foo: got %d, want 12182", got)
	}
	if got := KeySlot(""); got < 0 || got >= NumSlots {
		t.Fatalf("slot of empty key out of range: %d", got)
	}
}

func TestKeySlotHashTags(t *testing.T) {
	if KeySlot("{user1000}.following") != KeySlot("{user1000}.followers") {
		t.Fatal("keys sharing a hash tag must land on one slot")
	}
	if KeySlot("{user1000}.following") != KeySlot("user1000") {
		t.Fatal("hash tag must hash exactly the tag content")
	}
	// an empty tag falls back to the whole key
	if KeySlot("foo{}{bar}") != int(crc16([]byte("foo{}{bar}"))%NumSlots) {
		t.Fatal("an empty tag must hash the whole key")
	}
	if KeySlot("foo{bar}") != KeySlot("bar") {
		t.Fatal("tagged key must hash the tag")
	}
}

func TestKeySlotRange(t *testing.T) {
	keys := []string{"a", "b", "abc", "x:y:z", "{tag}suffix", "{unclosed"}
	for _, k := range keys {
		slot := KeySlot(k)
		if slot < 0 || slot >= NumSlots {
			t.Fatalf("slot of %q out of range: %d", k, slot)
		}
	}
}
