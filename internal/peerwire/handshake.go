package peerwire

import (
	"bytes"
	"fmt"
	"io"
)

const protocolName = "BitTorrent protocol"

// HandshakeLength is the fixed wire length of a handshake: 1 + 19 + 8 + 20 + 20.
const HandshakeLength = 68

// Handshake is the 68-byte prologue exchanged before any framed
// message on a peer connection.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

// ErrInfoHashMismatch names a remote info hash that does not
// byte-for-byte match the local one. DecodeHandshake never returns it:
// decoding only reports malformed handshakes, and the mismatch check
// belongs to the caller, which holds the local info hash. peer.Session
// makes that check and reports it with its own peer.ErrInfoHashMismatch.
var ErrInfoHashMismatch = fmt.Errorf("peerwire: info hash mismatch")

// EncodeHandshake serializes h into the 68-byte wire form.
func EncodeHandshake(h Handshake) []byte {
	buf := make([]byte, HandshakeLength)
	buf[0] = 19
	copy(buf[1:20], protocolName)
	// buf[20:28] reserved, left zero
	copy(buf[28:48], h.InfoHash[:])
	copy(buf[48:68], h.PeerID[:])

	return buf
}

// DecodeHandshake reads exactly 68 bytes from r and validates the
// protocol name and length marker.
func DecodeHandshake(r io.Reader) (Handshake, error) {
	buf := make([]byte, HandshakeLength)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Handshake{}, fmt.Errorf("peerwire: reading handshake: %w", err)
	}

	if buf[0] != 19 || !bytes.Equal(buf[1:20], []byte(protocolName)) {
		return Handshake{}, fmt.Errorf("peerwire: invalid protocol header")
	}

	var h Handshake
	copy(h.InfoHash[:], buf[28:48])
	copy(h.PeerID[:], buf[48:68])

	return h, nil
}
