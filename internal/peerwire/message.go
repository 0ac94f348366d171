// Package peerwire implements the BitTorrent peer wire protocol's
// framing: the handshake and the length-prefixed message format.
package peerwire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ID identifies a peer-protocol message type.
type ID uint8

const (
	Choke         ID = 0
	Unchoke       ID = 1
	Interested    ID = 2
	NotInterested ID = 3
	Have          ID = 4
	Bitfield      ID = 5
	Request       ID = 6
	Piece         ID = 7
	Cancel        ID = 8
	Port          ID = 9
)

// MaxFrameLength bounds the length prefix accepted by Decode, guarding
// against a peer claiming an absurd frame size.
const MaxFrameLength = 1 << 20

// Message is a single decoded peer-protocol frame. A KeepAlive message
// has KeepAlive set true and all other fields zero.
type Message struct {
	KeepAlive bool
	ID        ID
	Payload   []byte
}

// MalformedFrame is returned by Decode when a frame's length exceeds
// MaxFrameLength, names an unknown message id, or is truncated.
type MalformedFrame struct {
	Reason string
}

func (e *MalformedFrame) Error() string {
	return fmt.Sprintf("peerwire: malformed frame: %s", e.Reason)
}

// Encode serializes m into its wire representation: a 4-byte
// big-endian length prefix followed by the id byte and payload, or
// four zero bytes for a keep-alive.
func Encode(m Message) []byte {
	if m.KeepAlive {
		return []byte{0, 0, 0, 0}
	}

	buf := make([]byte, 4+1+len(m.Payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(1+len(m.Payload)))
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)

	return buf
}

// Decode reads exactly one frame from r: the 4-byte length prefix and
// then length bytes of id+payload (or none, for a keep-alive).
func Decode(r io.Reader) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Message{}, fmt.Errorf("peerwire: reading length prefix: %w", err)
	}

	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return Message{KeepAlive: true}, nil
	}

	if length > MaxFrameLength {
		return Message{}, &MalformedFrame{Reason: fmt.Sprintf("length %d exceeds cap %d", length, MaxFrameLength)}
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, &MalformedFrame{Reason: fmt.Sprintf("truncated payload: %v", err)}
	}

	id := ID(body[0])
	if id > Port {
		return Message{}, &MalformedFrame{Reason: fmt.Sprintf("unknown message id %d", id)}
	}

	return Message{ID: id, Payload: body[1:]}, nil
}

// NewHave builds a Have message for the given piece index.
func NewHave(index uint32) Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, index)
	return Message{ID: Have, Payload: payload}
}

// NewRequest builds a Request message for a block.
func NewRequest(index, begin, length uint32) Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	binary.BigEndian.PutUint32(payload[8:12], length)
	return Message{ID: Request, Payload: payload}
}

// NewCancel builds a Cancel message for a block.
func NewCancel(index, begin, length uint32) Message {
	m := NewRequest(index, begin, length)
	m.ID = Cancel
	return m
}

// NewPiece builds a Piece message carrying block data.
func NewPiece(index, begin uint32, block []byte) Message {
	payload := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	copy(payload[8:], block)
	return Message{ID: Piece, Payload: payload}
}

// ParseRequest extracts index, begin and length from a Request or
// Cancel message's payload.
func ParseRequest(payload []byte) (index, begin, length uint32, err error) {
	if len(payload) < 12 {
		return 0, 0, 0, &MalformedFrame{Reason: fmt.Sprintf("request payload too short: %d bytes", len(payload))}
	}

	index = binary.BigEndian.Uint32(payload[0:4])
	begin = binary.BigEndian.Uint32(payload[4:8])
	length = binary.BigEndian.Uint32(payload[8:12])

	return index, begin, length, nil
}

// ParsePiece extracts index, begin and block data from a Piece
// message's payload.
func ParsePiece(payload []byte) (index, begin uint32, block []byte, err error) {
	if len(payload) < 8 {
		return 0, 0, nil, &MalformedFrame{Reason: fmt.Sprintf("piece payload too short: %d bytes", len(payload))}
	}

	index = binary.BigEndian.Uint32(payload[0:4])
	begin = binary.BigEndian.Uint32(payload[4:8])
	block = payload[8:]

	return index, begin, block, nil
}

// ParseHave extracts the piece index from a Have message's payload.
func ParseHave(payload []byte) (uint32, error) {
	if len(payload) < 4 {
		return 0, &MalformedFrame{Reason: fmt.Sprintf("have payload too short: %d bytes", len(payload))}
	}

	return binary.BigEndian.Uint32(payload[0:4]), nil
}
