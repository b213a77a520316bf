package scanner

import (
	"fmt"
	"testing"
)

func TestDedupSeen(t *testing.T) {
	d := NewDedup(10)

	if d.Seen("m1") {
		t.Error("first observation must not be deduplicated")
	}
	if !d.Seen("m1") {
		t.Error("second observation must be deduplicated")
	}
	if d.Seen("m2") {
		t.Error("distinct id must not be deduplicated")
	}
}

func TestDedupEmptyID(t *testing.T) {
	d := NewDedup(10)
	if d.Seen("") || d.Seen("") {
		t.Error("empty ids must never be deduplicated")
	}
	if d.Len() != 0 {
		t.Errorf("empty ids must not be tracked, len=%d", d.Len())
	}
}

func TestDedupEviction(t *testing.T) {
	d := NewDedup(3)
	for i := 0; i < 3; i++ {
		d.Seen(fmt.Sprintf("m%d", i))
	}

	// m3 evicts m0, the oldest entry.
	d.Seen("m3")
	if d.Len() != 3 {
		t.Fatalf("len=%d, want 3", d.Len())
	}
	if d.Seen("m0") {
		t.Error("evicted id should be treated as new")
	}
	if !d.Seen("m3") {
		t.Error("recent id should still be tracked")
	}
}
