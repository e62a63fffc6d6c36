package seq16

import "testing"

func TestGreaterWithinHalfSpace(t *testing.T) {
	if !Greater(10, 11) {
		t.Error("expected 11 to be ahead of 10")
	}
	if Greater(11, 10) {
		t.Error("expected 10 not to be ahead of 11")
	}
	if Greater(5, 5) {
		t.Error("expected a value not to be ahead of itself")
	}
}

func TestGreaterWrapsAroundZero(t *testing.T) {
	if !Greater(65535, 0) {
		t.Error("expected 0 to be ahead of 65535 across the wrap")
	}
	if !Greater(65530, 5) {
		t.Error("expected 5 to be ahead of 65530 across the wrap")
	}
}

func TestGreaterRejectsFarSideOfHalfSpace(t *testing.T) {
	// Exactly half the space apart: neither side is "ahead" under the
	// strict less-than-half-space rule.
	if Greater(0, 0x8000) {
		t.Error("expected exactly-half-space apart to not count as ahead")
	}
}

func TestLessMirrorsGreater(t *testing.T) {
	if !Less(10, 11) {
		t.Error("expected 10 to come before 11")
	}
	if Less(11, 10) {
		t.Error("expected 11 not to come before 10")
	}
}

func TestFollows(t *testing.T) {
	if !Follows(100, 101) {
		t.Error("expected 101 to follow 100")
	}
	if Follows(100, 102) {
		t.Error("expected 102 not to immediately follow 100")
	}
	if !Follows(65535, 0) {
		t.Error("expected 0 to follow 65535 across the wrap")
	}
}

func TestDistanceWraps(t *testing.T) {
	if got := Distance(65530, 5); got != 11 {
		t.Errorf("expected wrapping distance 11, got %d", got)
	}
	if got := Distance(10, 10); got != 0 {
		t.Errorf("expected zero distance for equal values, got %d", got)
	}
}

func TestSequenceWrapAroundStaysOrdered(t *testing.T) {
	// Mirrors the wrap-around scenario: a stream of sequence numbers that
	// crosses the 65535/0 boundary must still compare as strictly
	// increasing in wire order.
	seq := uint16(65533)
	for i := 0; i < 6; i++ {
		next := seq + 1
		if !Greater(seq, next) {
			t.Fatalf("expected %d to be ahead of %d", next, seq)
		}
		seq = next
	}
}
