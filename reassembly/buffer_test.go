package reassembly

import "testing"

func TestInsertKeepsSortedOrder(t *testing.T) {
	b := New(99)
	b.Insert(103, 0, []byte("d"))
	b.Insert(101, 0, []byte("b"))
	b.Insert(102, 0, []byte("c"))
	b.Insert(100, 0, []byte("a"))

	want := []uint16{100, 101, 102, 103}
	if b.Len() != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), b.Len())
	}
	for i, e := range b.entries {
		if e.seqNr != want[i] {
			t.Errorf("entry %d: expected seq %d, got %d", i, want[i], e.seqNr)
		}
	}
}

func TestInsertDuplicateReplacesWithoutGrowth(t *testing.T) {
	b := New(99)
	b.Insert(100, 1, []byte("old"))
	b.Insert(101, 1, []byte("keep"))
	b.Insert(100, 2, []byte("new"))

	if b.Len() != 2 {
		t.Fatalf("expected duplicate insert to leave 2 entries, got %d", b.Len())
	}
	if string(b.entries[0].payload) != "new" {
		t.Errorf("expected duplicate to replace payload, got %q", b.entries[0].payload)
	}
}

func TestReleaseInOrderWithFullBufferedPayloads(t *testing.T) {
	b := New(99)
	b.Insert(100, 0, []byte("hello"))
	b.Insert(101, 0, []byte("world"))

	dest := make([]byte, 32)
	n := b.Release(dest)
	if string(dest[:n]) != "hello" {
		t.Errorf("expected 'hello', got %q", dest[:n])
	}

	n = b.Release(dest)
	if string(dest[:n]) != "world" {
		t.Errorf("expected 'world', got %q", dest[:n])
	}

	if n := b.Release(dest); n != 0 {
		t.Errorf("expected zero bytes once drained, got %d", n)
	}
}

func TestReleaseStashesPartialPayload(t *testing.T) {
	b := New(99)
	b.Insert(100, 0, []byte("hello world"))

	small := make([]byte, 5)
	n := b.Release(small)
	if n != 5 || string(small) != "hello" {
		t.Fatalf("expected first 5 bytes 'hello', got %q (n=%d)", small[:n], n)
	}
	if b.Len() != 1 {
		t.Errorf("expected head packet to remain buffered until pending drains, got len %d", b.Len())
	}

	rest := make([]byte, 32)
	n = b.Release(rest)
	if string(rest[:n]) != " world" {
		t.Errorf("expected remaining ' world', got %q", rest[:n])
	}
	if b.AckNr() != 100 {
		t.Errorf("expected ack_nr advanced to 100, got %d", b.AckNr())
	}
}

func TestReleaseWithheldUntilGapFills(t *testing.T) {
	b := New(99)
	b.Insert(101, 0, []byte("second"))

	dest := make([]byte, 32)
	if n := b.Release(dest); n != 0 {
		t.Errorf("expected zero bytes while seq 100 is missing, got %d", n)
	}

	b.Insert(100, 0, []byte("first"))
	n := b.Release(dest)
	if string(dest[:n]) != "first" {
		t.Errorf("expected 'first' once the gap fills, got %q", dest[:n])
	}
}

func TestGapAndSelectiveAckBitmap(t *testing.T) {
	b := New(99)
	if b.Gap() {
		t.Error("expected no gap on an empty buffer")
	}

	b.Insert(100, 0, []byte("a"))
	if b.Gap() {
		t.Error("expected no gap when the buffer is exactly contiguous from ack_nr")
	}
	if bm := b.SelectiveAckBitmap(4); bm != nil {
		t.Errorf("expected nil bitmap with no gap, got %x", bm)
	}

	b.Insert(102, 0, []byte("c"))
	if !b.Gap() {
		t.Error("expected a gap once 101 is missing")
	}

	bm := b.SelectiveAckBitmap(4)
	if len(bm) != 4 {
		t.Fatalf("expected a 4-byte bitmap, got %d bytes", len(bm))
	}
	// ack_nr is still 99 (100 hasn't been released yet), so bit k
	// corresponds to seq_nr 101+k: bit 1 (seq 102) should be set, bit 0
	// (seq 101) should not.
	if bm[0]&0x01 != 0 {
		t.Error("expected bit 0 (seq 101) unset")
	}
	if bm[0]&0x02 == 0 {
		t.Error("expected bit 1 (seq 102) set")
	}
}

func TestHasAndHighestSeq(t *testing.T) {
	b := New(0)
	if _, ok := b.HighestSeq(); ok {
		t.Error("expected no highest seq on empty buffer")
	}
	b.Insert(5, 0, []byte("x"))
	b.Insert(7, 0, []byte("y"))

	if !b.Has(5) || !b.Has(7) {
		t.Error("expected Has to report buffered sequence numbers")
	}
	if b.Has(6) {
		t.Error("expected Has to report false for a missing sequence number")
	}
	if got, ok := b.HighestSeq(); !ok || got != 7 {
		t.Errorf("expected highest seq 7, got %d (ok=%v)", got, ok)
	}
}
