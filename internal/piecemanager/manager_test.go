package piecemanager

import (
	"crypto/sha1"
	"sync"
	"testing"
	"time"
)

type fakeSink struct {
	mu      sync.Mutex
	written map[int][]byte
	fail    bool
}

func newFakeSink() *fakeSink {
	return &fakeSink{written: make(map[int][]byte)}
}

func (f *fakeSink) WritePiece(index int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fail {
		return errWriteFailed
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	f.written[index] = cp

	return nil
}

var errWriteFailed = &PieceErr{Kind: InvalidData}

type fakeEvictor struct {
	mu     sync.Mutex
	evicts []string
}

func (f *fakeEvictor) EvictPeer(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evicts = append(f.evicts, key)
}

func TestManagerVerifiesAndWrites(t *testing.T) {
	data := []byte("hello world, this is piece data")
	hash := sha1.Sum(data)

	sink := newFakeSink()
	m := NewManager([][20]byte{hash}, []int64{int64(len(data))}, sink, nil)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		m.Run(stop, func() { close(done) })
	}()

	m.Results <- Response{PieceIndex: 0, Data: data}

	<-done

	if string(sink.written[0]) != string(data) {
		t.Errorf("written[0] = %q, want %q", sink.written[0], data)
	}

	if !m.IsComplete() {
		t.Error("IsComplete = false, want true")
	}
}

func TestManagerRequeuesOnHashMismatch(t *testing.T) {
	hash := sha1.Sum([]byte("expected"))
	sink := newFakeSink()
	m := NewManager([][20]byte{hash}, []int64{8}, sink, nil)

	// Drain the request NewManager queued for piece 0, so the item
	// waited for below is the re-queued one.
	m.Queue.Pop()

	stop := make(chan struct{})
	go m.Run(stop, nil)

	m.Results <- Response{PieceIndex: 0, Data: []byte("WRONGDAT")}

	req := waitForQueueItem(t, m.Queue)
	if req.PieceIndex != 0 {
		t.Errorf("re-queued PieceIndex = %d, want 0", req.PieceIndex)
	}

	close(stop)
}

func TestManagerEvictsPeerOnConnectionLost(t *testing.T) {
	sink := newFakeSink()
	evictor := &fakeEvictor{}
	m := NewManager([][20]byte{{}}, []int64{8}, sink, evictor)

	// Drain the request NewManager queued for piece 0, so the item
	// waited for below is the re-queued one.
	m.Queue.Pop()

	stop := make(chan struct{})
	go m.Run(stop, nil)

	m.Results <- Response{PieceIndex: 0, Err: &PieceErr{Kind: ConnectionLost}, PeerKey: "peer-1"}

	waitForQueueItem(t, m.Queue)

	evictor.mu.Lock()
	defer evictor.mu.Unlock()
	if len(evictor.evicts) != 1 || evictor.evicts[0] != "peer-1" {
		t.Errorf("evicts = %v, want [peer-1]", evictor.evicts)
	}

	close(stop)
}

func TestManagerDoesNotEvictOnInvalidData(t *testing.T) {
	hash := sha1.Sum([]byte("expected"))
	sink := newFakeSink()
	evictor := &fakeEvictor{}
	m := NewManager([][20]byte{hash}, []int64{8}, sink, evictor)

	// Drain the request NewManager queued for piece 0, so the item
	// waited for below is the re-queued one.
	m.Queue.Pop()

	stop := make(chan struct{})
	go m.Run(stop, nil)

	m.Results <- Response{PieceIndex: 0, Err: &PieceErr{Kind: InvalidData}, PeerKey: "peer-1"}

	waitForQueueItem(t, m.Queue)

	evictor.mu.Lock()
	defer evictor.mu.Unlock()
	if len(evictor.evicts) != 0 {
		t.Errorf("evicts = %v, want none for InvalidData", evictor.evicts)
	}

	close(stop)
}

func waitForQueueItem(t *testing.T, q *Queue) Request {
	t.Helper()

	for i := 0; i < 1000; i++ {
		if req, ok := q.Pop(); ok {
			return req
		}
		time.Sleep(time.Millisecond)
	}

	t.Fatal("timed out waiting for queue item")
	return Request{}
}
