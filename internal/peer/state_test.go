package peer

import "testing"

func TestHasPieceBitOrdering(t *testing.T) {
	bf := []byte{0b10000000, 0b01000000}

	cases := []struct {
		index int
		want  bool
	}{
		{0, true},
		{1, false},
		{9, true},
		{8, false},
	}

	for _, c := range cases {
		if got := HasPiece(bf, c.index); got != c.want {
			t.Errorf("HasPiece(bf, %d) = %v, want %v", c.index, got, c.want)
		}
	}
}

func TestHasPieceOutOfRangeIsFalse(t *testing.T) {
	bf := []byte{0xFF}

	if HasPiece(bf, 100) {
		t.Error("HasPiece out of range: want false")
	}
}

func TestNewStateInitialValues(t *testing.T) {
	s := NewState()
	snap := s.Clone()

	if !snap.AmChoking || !snap.PeerChoking {
		t.Errorf("initial choking = (%v, %v), want (true, true)", snap.AmChoking, snap.PeerChoking)
	}

	if snap.AmInterested || snap.PeerInterested {
		t.Errorf("initial interested = (%v, %v), want (false, false)", snap.AmInterested, snap.PeerInterested)
	}
}

func TestSetHaveGrowsBitfield(t *testing.T) {
	s := NewState()
	s.setHave(9)

	snap := s.Clone()
	if !HasPiece(snap.Bitfield, 9) {
		t.Errorf("HasPiece(bitfield, 9) = false after setHave(9)")
	}
}
