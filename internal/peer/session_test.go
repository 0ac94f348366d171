package peer

import (
	"net"
	"testing"
	"time"

	"btcore/internal/peerwire"
	"btcore/internal/piecemanager"
)

var (
	testInfoHash  = mustFixedBytes("12345678901234567890")
	testLocalPeer = mustFixedBytes("-TEST0-1234567890123")
	testMockPeer  = mustFixedBytes("-MOCK0-1234567890123")
)

func mustFixedBytes(s string) [20]byte {
	var b [20]byte
	copy(b[:], s)
	return b
}

// startMockPeer accepts one connection, reads a 68-byte handshake,
// and writes back a handshake carrying respInfoHash/respPeerID.
func startMockPeer(t *testing.T, respInfoHash, respPeerID [20]byte) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		if _, err := peerwire.DecodeHandshake(conn); err != nil {
			return
		}

		conn.Write(peerwire.EncodeHandshake(peerwire.Handshake{InfoHash: respInfoHash, PeerID: respPeerID}))

		// Keep the connection open briefly so the session's Interested/
		// Unchoke writes (on the accept path) don't hit a reset.
		time.Sleep(200 * time.Millisecond)
	}()

	t.Cleanup(func() { ln.Close() })

	return ln.Addr().String()
}

func TestHandshakeAccept(t *testing.T) {
	addr := startMockPeer(t, testInfoHash, testMockPeer)

	s := New(addr)
	queue := piecemanager.NewQueue(nil)
	results := make(chan piecemanager.Response, 1)

	if err := s.Start(testInfoHash, testLocalPeer, queue, results); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if s.PeerID != testMockPeer {
		t.Errorf("PeerID = %q, want %q", s.PeerID, testMockPeer)
	}
}

func TestHandshakeReject(t *testing.T) {
	badHash := mustFixedBytes("ZZZZZZZZZZZZZZZZZZZZ")
	addr := startMockPeer(t, badHash, testMockPeer)

	s := New(addr)
	queue := piecemanager.NewQueue(nil)
	results := make(chan piecemanager.Response, 1)

	err := s.Start(testInfoHash, testLocalPeer, queue, results)
	if err != ErrInfoHashMismatch {
		t.Fatalf("Start err = %v, want ErrInfoHashMismatch", err)
	}
}

func TestRequesterReportsPieceUnavailable(t *testing.T) {
	addr := startMockPeer(t, testInfoHash, testMockPeer)

	s := New(addr)
	queue := piecemanager.NewQueue([]piecemanager.Request{{PieceIndex: 0, Length: 16384}})
	results := make(chan piecemanager.Response, 1)

	if err := s.Start(testInfoHash, testLocalPeer, queue, results); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// No Bitfield/Have was ever sent by the mock peer, so the peer's
	// bitfield is empty and the piece must be reported unavailable.
	select {
	case resp := <-results:
		if resp.Err == nil || resp.Err.Kind != piecemanager.PieceUnavailable {
			t.Errorf("response = %+v, want PieceUnavailable error", resp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for PieceUnavailable response")
	}
}
