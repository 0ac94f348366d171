package piecemanager

import (
	"crypto/sha1"
	"log"
	"sync"
)

const resultChannelCapacity = 100

// Sink is the storage collaborator a verified piece is handed to.
// spec.md treats the on-disk writer as an external component; this
// is the narrow seam this module exposes to it.
type Sink interface {
	WritePiece(index int, data []byte) error
}

// PeerEvictor is notified when a peer's session should be dropped
// after a Timeout/PeerChoked/ConnectionLost response, so the
// controller can remove it from the active-peers map.
type PeerEvictor interface {
	EvictPeer(peerKey string)
}

// Manager owns the shared work queue and the result channel (C5): it
// verifies completed pieces against the expected SHA-1 digest, hands
// verified bytes to storage, and tracks per-piece completion.
type Manager struct {
	Queue   *Queue
	Results chan Response

	hashes       [][20]byte
	pieceLengths []int64
	sink         Sink
	evict        PeerEvictor

	mu        sync.Mutex
	completed []bool
	doneCount int
}

// NewManager builds a piece manager for a torrent with the given
// expected piece hashes and per-piece lengths, wiring it to storage
// and the peer evictor used on fatal peer errors.
func NewManager(hashes [][20]byte, lengths []int64, sink Sink, evict PeerEvictor) *Manager {
	requests := make([]Request, len(hashes))
	for i := range hashes {
		requests[i] = Request{PieceIndex: i, Length: lengths[i]}
	}

	return &Manager{
		Queue:        NewQueue(requests),
		Results:      make(chan Response, resultChannelCapacity),
		hashes:       hashes,
		pieceLengths: lengths,
		sink:         sink,
		evict:        evict,
		completed:    make([]bool, len(hashes)),
	}
}

// IsComplete reports whether every piece's bitmap bit is set.
func (m *Manager) IsComplete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.doneCount == len(m.completed)
}

// Progress returns (completed, total) piece counts for reporting.
func (m *Manager) Progress() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.doneCount, len(m.completed)
}

// Run consumes Results until stop is closed, verifying, storing, and
// re-queueing as spec.md §4.5 describes. It returns when stop closes,
// or, when onComplete is non-nil, right after calling onComplete once
// every piece has been verified; with a nil onComplete it keeps
// running until stop closes.
func (m *Manager) Run(stop <-chan struct{}, onComplete func()) {
	for {
		select {
		case <-stop:
			return
		case resp := <-m.Results:
			m.handle(resp)

			if m.IsComplete() && onComplete != nil {
				onComplete()
				return
			}
		}
	}
}

func (m *Manager) handle(resp Response) {
	if resp.Err != nil {
		switch resp.Err.Kind {
		case Timeout, PeerChoked, ConnectionLost:
			if m.evict != nil && resp.PeerKey != "" {
				m.evict.EvictPeer(resp.PeerKey)
			}
		case InvalidData, PieceUnavailable:
			// Re-queued below; no peer eviction required.
		}

		m.Queue.PushBack(Request{PieceIndex: resp.PieceIndex, Length: m.lengthOf(resp.PieceIndex)})

		log.Printf("[FAIL]\tpiece %d response error: %s\n", resp.PieceIndex, resp.Err.Kind)
		return
	}

	sum := sha1.Sum(resp.Data)
	if sum != m.hashes[resp.PieceIndex] {
		log.Printf("[ERROR]\tpiece %d hash mismatch, re-queueing\n", resp.PieceIndex)
		m.Queue.PushBack(Request{PieceIndex: resp.PieceIndex, Length: m.lengthOf(resp.PieceIndex)})
		return
	}

	if err := m.sink.WritePiece(resp.PieceIndex, resp.Data); err != nil {
		log.Printf("[ERROR]\tpiece %d write failed, re-queueing: %v\n", resp.PieceIndex, err)
		m.Queue.PushBack(Request{PieceIndex: resp.PieceIndex, Length: m.lengthOf(resp.PieceIndex)})
		return
	}

	m.mu.Lock()
	if !m.completed[resp.PieceIndex] {
		m.completed[resp.PieceIndex] = true
		m.doneCount++
	}
	m.mu.Unlock()

	log.Printf("[INFO]\tpiece %d verified and written\n", resp.PieceIndex)
}

func (m *Manager) lengthOf(index int) int64 {
	return m.pieceLengths[index]
}
