package peerwire

import (
	"bytes"
	"testing"
)

func TestHandshakeRoundTrip(t *testing.T) {
	h := Handshake{
		InfoHash: [20]byte{1, 2, 3},
		PeerID:   [20]byte{9, 9, 9},
	}

	encoded := EncodeHandshake(h)
	if len(encoded) != HandshakeLength {
		t.Fatalf("len(encoded) = %d, want %d", len(encoded), HandshakeLength)
	}

	decoded, err := DecodeHandshake(bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("DecodeHandshake: %v", err)
	}

	if decoded.InfoHash != h.InfoHash || decoded.PeerID != h.PeerID {
		t.Errorf("round trip mismatch: got %+v, want %+v", decoded, h)
	}
}

func TestDecodeHandshakeRejectsBadProtocol(t *testing.T) {
	buf := EncodeHandshake(Handshake{})
	buf[0] = 18

	if _, err := DecodeHandshake(bytes.NewReader(buf)); err == nil {
		t.Fatal("DecodeHandshake: want error for bad protocol length byte")
	}
}
