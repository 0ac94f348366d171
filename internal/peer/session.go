// Package peer owns one TCP connection to a remote peer: it performs
// the handshake and then splits into a listener task (reads frames,
// mutates State) and a requester task (pulls work from the shared
// queue, sends Request messages, assembles pieces), per spec.md §4.3.
package peer

import (
	"bytes"
	"fmt"
	"log"
	"net"
	"time"

	"btcore/internal/peerwire"
	"btcore/internal/piecemanager"
	"btcore/internal/piecework"
)

const (
	maxInFlight          = 5
	blockChannelCapacity = 100
	requesterTick        = 100 * time.Millisecond
	dialTimeout          = 5 * time.Second
)

// ErrInfoHashMismatch is returned by Start when the remote handshake's
// info hash does not match the local one.
var ErrInfoHashMismatch = fmt.Errorf("peer: info hash mismatch")

// blockDelivery is one Piece message forwarded from the listener to
// the requester over the bounded SPSC channel.
type blockDelivery struct {
	index uint32
	begin uint32
	data  []byte
}

// Session owns one peer's TCP connection and the pair of goroutines
// that drive it.
type Session struct {
	Addr   string
	PeerID [20]byte

	conn  net.Conn
	state *State

	blocks chan blockDelivery
	done   chan struct{}
}

// New constructs a Session for addr; it does not dial until Start is
// called.
func New(addr string) *Session {
	return &Session{
		Addr:   addr,
		state:  NewState(),
		blocks: make(chan blockDelivery, blockChannelCapacity),
		done:   make(chan struct{}),
	}
}

// State returns the session's peer-state record, e.g. for the
// controller to inspect availability.
func (s *Session) State() *State {
	return s.state
}

// Done returns a channel closed when the session's goroutines have
// both exited, for the controller's reconciler to reap finished
// sessions.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Start dials addr, performs the handshake, sends Interested and
// Unchoke, and then launches the listener and requester goroutines.
// Either half of the prologue failing is fatal and returned directly;
// a started session owns both goroutines until the socket closes.
func (s *Session) Start(localInfoHash, localPeerID [20]byte, queue *piecemanager.Queue, results chan<- piecemanager.Response) error {
	conn, err := net.DialTimeout("tcp", s.Addr, dialTimeout)
	if err != nil {
		return fmt.Errorf("peer: dialing %s: %w", s.Addr, err)
	}

	if err := sendHandshake(conn, localInfoHash, localPeerID); err != nil {
		conn.Close()
		return fmt.Errorf("peer: sending handshake to %s: %w", s.Addr, err)
	}

	remote, err := peerwire.DecodeHandshake(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("peer: reading handshake from %s: %w", s.Addr, err)
	}

	if !bytes.Equal(remote.InfoHash[:], localInfoHash[:]) {
		conn.Close()
		return ErrInfoHashMismatch
	}

	s.conn = conn
	s.PeerID = remote.PeerID

	if err := s.sendMessage(peerwire.Message{ID: peerwire.Interested}); err != nil {
		conn.Close()
		return fmt.Errorf("peer: sending Interested to %s: %w", s.Addr, err)
	}
	s.state.setAmInterested(true)

	if err := s.sendMessage(peerwire.Message{ID: peerwire.Unchoke}); err != nil {
		conn.Close()
		return fmt.Errorf("peer: sending Unchoke to %s: %w", s.Addr, err)
	}
	s.state.setAmChoking(false)

	var listenerDone, requesterDone = make(chan struct{}), make(chan struct{})

	go func() {
		defer close(listenerDone)
		s.listen()
	}()

	go func() {
		defer close(requesterDone)
		s.request(queue, results)
	}()

	go func() {
		<-listenerDone
		<-requesterDone
		conn.Close()
		close(s.done)
	}()

	return nil
}

func sendHandshake(conn net.Conn, infoHash, peerID [20]byte) error {
	conn.SetWriteDeadline(time.Now().Add(dialTimeout))
	_, err := conn.Write(peerwire.EncodeHandshake(peerwire.Handshake{InfoHash: infoHash, PeerID: peerID}))
	return err
}

func (s *Session) sendMessage(m peerwire.Message) error {
	s.conn.SetWriteDeadline(time.Now().Add(60 * time.Second))
	_, err := s.conn.Write(peerwire.Encode(m))
	return err
}

// listen reads frames indefinitely, mutating State under its mutex
// and forwarding Piece messages to the requester. A decode error
// closes the session with ConnectionLost semantics: it closes the
// blocks channel and returns, and the requester observes the closed
// channel on its next tick.
func (s *Session) listen() {
	receivedAny := false

	for {
		msg, err := peerwire.Decode(s.conn)
		if err != nil {
			log.Printf("[FAIL]\tpeer %s: decode error, closing: %v\n", s.Addr, err)
			close(s.blocks)
			return
		}

		if msg.KeepAlive {
			log.Printf("[INFO]\tpeer %s: keep-alive\n", s.Addr)
			continue
		}

		switch msg.ID {
		case peerwire.Choke:
			s.state.setChoking(true)
		case peerwire.Unchoke:
			s.state.setChoking(false)
		case peerwire.Interested:
			s.state.setInterested(true)
		case peerwire.NotInterested:
			s.state.setInterested(false)
		case peerwire.Bitfield:
			if receivedAny {
				log.Printf("[ERROR]\tpeer %s: Bitfield received after other messages, closing\n", s.Addr)
				close(s.blocks)
				return
			}
			s.state.setBitfield(append([]byte(nil), msg.Payload...))
		case peerwire.Have:
			index, err := peerwire.ParseHave(msg.Payload)
			if err != nil {
				log.Printf("[ERROR]\tpeer %s: malformed Have: %v\n", s.Addr, err)
				continue
			}
			s.state.setHave(int(index))
		case peerwire.Piece:
			index, begin, data, err := peerwire.ParsePiece(msg.Payload)
			if err != nil {
				log.Printf("[ERROR]\tpeer %s: malformed Piece: %v\n", s.Addr, err)
				continue
			}

			select {
			case s.blocks <- blockDelivery{index: index, begin: begin, data: data}:
			default:
				log.Printf("[FAIL]\tpeer %s: block channel full, dropping piece %d offset %d\n", s.Addr, index, begin)
			}
		case peerwire.Request, peerwire.Cancel, peerwire.Port:
			log.Printf("[INFO]\tpeer %s: ignoring message id=%d in download-only profile\n", s.Addr, msg.ID)
		}

		receivedAny = true
	}
}

// request maintains one current piece at a time: pop work, drain
// delivered blocks, issue requests while unchoked, and submit
// completed pieces through the result channel. It returns when the
// connection closes (observed as the blocks channel closing), after
// reporting any piece in progress as ConnectionLost. An empty queue or
// an unavailable piece does not end it: it keeps polling the queue.
func (s *Session) request(queue *piecemanager.Queue, results chan<- piecemanager.Response) {
	var current *piecework.Work

	ticker := time.NewTicker(requesterTick)
	defer ticker.Stop()

	for range ticker.C {
		if current == nil {
			select {
			case b, ok := <-s.blocks:
				if !ok {
					return
				}
				log.Printf("[ERROR]\tpeer %s: block for piece %d with no piece in progress, discarding\n", s.Addr, b.index)
			default:
			}

			req, ok := queue.Pop()
			if !ok {
				continue
			}

			snap := s.state.Clone()
			if !HasPiece(snap.Bitfield, req.PieceIndex) {
				results <- piecemanager.Response{
					PieceIndex: req.PieceIndex,
					Err:        &piecemanager.PieceErr{Kind: piecemanager.PieceUnavailable},
					PeerKey:    s.Addr,
				}
				continue
			}

			current = piecework.New(req.PieceIndex, req.Length)
		}

		if current.IsComplete() {
			data, err := current.Assemble()
			if err != nil {
				results <- piecemanager.Response{
					PieceIndex: current.Index,
					Err:        &piecemanager.PieceErr{Kind: piecemanager.InvalidData},
					PeerKey:    s.Addr,
				}
			} else {
				results <- piecemanager.Response{PieceIndex: current.Index, Data: data, PeerKey: s.Addr}
			}

			current = nil
			continue
		}

		if !s.drainBlocks(current) {
			// Connection closed: fail the in-flight piece and stop.
			results <- piecemanager.Response{
				PieceIndex: current.Index,
				Err:        &piecemanager.PieceErr{Kind: piecemanager.ConnectionLost},
				PeerKey:    s.Addr,
			}
			return
		}

		snap := s.state.Clone()
		if snap.PeerChoking {
			continue
		}

		s.issueRequests(current)
	}
}

// drainBlocks non-blockingly consumes everything currently buffered
// on the listener->requester channel, matching each delivery to an
// InProgress block by offset. It returns false once the channel has
// been closed by the listener (connection lost).
func (s *Session) drainBlocks(current *piecework.Work) bool {
	for {
		select {
		case b, ok := <-s.blocks:
			if !ok {
				return false
			}

			if int(b.index) != current.Index {
				log.Printf("[ERROR]\tpeer %s: block for piece %d while assembling piece %d, discarding\n", s.Addr, b.index, current.Index)
				continue
			}

			if !current.CompleteBlockAt(int64(b.begin), b.data) {
				log.Printf("[ERROR]\tpeer %s: block at offset %d matches no InProgress block, discarding\n", s.Addr, b.begin)
			}
		default:
			return true
		}
	}
}

// issueRequests selects up to maxInFlight Empty blocks, flips them to
// InProgress, and batch-writes Request messages.
func (s *Session) issueRequests(current *piecework.Work) {
	inFlight := 0
	for _, b := range current.Blocks {
		if b.Status == piecework.InProgress {
			inFlight++
		}
	}

	empties := current.EmptyBlocks()
	for _, idx := range empties {
		if inFlight >= maxInFlight {
			break
		}

		b := current.Blocks[idx]
		current.MarkInProgress(idx)
		inFlight++

		msg := peerwire.NewRequest(uint32(current.Index), uint32(b.Offset), uint32(b.Length))
		if err := s.sendMessage(msg); err != nil {
			log.Printf("[FAIL]\tpeer %s: sending Request for piece %d offset %d: %v\n", s.Addr, current.Index, b.Offset, err)
			current.MarkEmpty(idx)
		}
	}
}
