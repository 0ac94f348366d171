// Package controller composes a tracker session (C4), a piece
// manager (C5) and one peer.Session per discovered peer (C3) into the
// consumer-facing Torrent type spec.md §6 describes, running the
// peer-pool reconciler that keeps the active-peers map within
// maxPeers, grounded on the teacher's ConnectToPeers/StartDownload
// orchestration in torrent/p2p.go.
package controller

import (
	"fmt"
	"log"
	"sync"
	"time"

	"btcore/internal/filetree"
	"btcore/internal/metainfo"
	"btcore/internal/peer"
	"btcore/internal/peerid"
	"btcore/internal/piecemanager"
	"btcore/internal/storage"
	"btcore/internal/tracker"
)

const (
	maxPeers   = 10
	listenPort = 6882
)

// reconcileTick is a var, not a const, so tests can shrink the
// reconciler's wake interval instead of waiting out the real 10s.
var reconcileTick = 10 * time.Second

// Torrent is the consumer-facing handle for one torrent download: it
// owns the tracker session, the piece manager and the pool of active
// peer sessions, and exposes the API spec.md §6 names.
type Torrent struct {
	meta   *metainfo.Metainfo
	runID  string
	peerID [20]byte
	tree   filetree.Entry

	trackerSession *tracker.Session
	manager        *piecemanager.Manager
	writer         *storage.Writer

	mu          sync.Mutex
	activePeers map[string]*peer.Session
	started     bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// Load takes a .torrent's metainfo, already parsed by the caller with
// metainfo.Load, builds the file tree, opens the storage writer under
// outputDir, and returns a Torrent ready to Start.
func Load(meta *metainfo.Metainfo, outputDir string) (*Torrent, error) {
	id, err := peerid.Generate()
	if err != nil {
		return nil, fmt.Errorf("controller: generating peer id: %w", err)
	}

	specs := fileSpecs(meta)
	writer, err := storage.NewWriter(outputDir, specs, meta.PieceLength)
	if err != nil {
		return nil, fmt.Errorf("controller: opening storage: %w", err)
	}

	tree, err := filetree.Build(meta.Name, treeSpecs(meta))
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("controller: building file tree: %w", err)
	}

	lengths := make([]int64, meta.NumPieces())
	for i := range lengths {
		lengths[i] = meta.PieceLengthAt(i)
	}

	t := &Torrent{
		meta:        meta,
		runID:       peerid.RunID(),
		peerID:      id,
		tree:        tree,
		writer:      writer,
		activePeers: make(map[string]*peer.Session),
		stop:        make(chan struct{}),
	}

	t.manager = piecemanager.NewManager(meta.PieceHashes, lengths, writer, t)
	t.trackerSession = tracker.NewSession(meta.Announce, meta.InfoHash, id, listenPort)
	t.trackerSession.Left = uint64(meta.TotalLength())

	return t, nil
}

func fileSpecs(m *metainfo.Metainfo) []storage.FileSpec {
	if !m.IsMultiFile() {
		return []storage.FileSpec{{Path: m.Name, Length: m.Length, Offset: 0}}
	}

	specs := make([]storage.FileSpec, 0, len(m.Files))
	var offset int64
	for _, f := range m.Files {
		path := m.Name
		for _, seg := range f.Path {
			path = path + "/" + seg
		}

		specs = append(specs, storage.FileSpec{Path: path, Length: f.Length, Offset: offset})
		offset += f.Length
	}

	return specs
}

func treeSpecs(m *metainfo.Metainfo) []filetree.FileSpec {
	if !m.IsMultiFile() {
		return nil
	}

	specs := make([]filetree.FileSpec, 0, len(m.Files))
	for _, f := range m.Files {
		specs = append(specs, filetree.FileSpec{Path: f.Path})
	}

	return specs
}

// Name returns the torrent's display name (the metainfo "name" field).
func (t *Torrent) Name() string {
	return t.meta.Name
}

// InfoHash returns the 20-byte SHA-1 identifying this torrent.
func (t *Torrent) InfoHash() [20]byte {
	return t.meta.InfoHash
}

// FileTree returns the rooted file/directory tree for display.
func (t *Torrent) FileTree() filetree.Entry {
	return t.tree
}

// PeerList returns the tracker's most recently announced peer list.
func (t *Torrent) PeerList() []tracker.Peer {
	return t.trackerSession.Snapshot().PeerList
}

// Progress returns (piecesCompleted, totalPieces).
func (t *Torrent) Progress() (int, int) {
	return t.manager.Progress()
}

// ActivePeerCount returns the number of peer sessions the reconciler
// currently considers active, for status reporting.
func (t *Torrent) ActivePeerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.activePeers)
}

// Start is idempotent: a second call is a no-op once the goroutines
// from the first call have been launched. The tracker's first
// announce happens inside RunLoop itself, not here: per spec.md §7,
// tracker errors never escape the announce task, so a transient
// HTTP hiccup at startup must be logged and retried rather than
// returned to the caller or left to wedge a future Start call.
func (t *Torrent) Start() error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return nil
	}
	t.started = true
	t.mu.Unlock()

	t.wg.Add(3)
	go func() {
		defer t.wg.Done()
		t.trackerSession.RunLoop(t.stop)
	}()

	go func() {
		defer t.wg.Done()
		t.manager.Run(t.stop, func() {
			if err := t.trackerSession.AnnounceCompleted(); err != nil {
				log.Printf("[FAIL]\trun %s: completed announce: %v\n", t.runID, err)
			}
		})
	}()

	go func() {
		defer t.wg.Done()
		t.reconcile()
	}()

	log.Printf("[INFO]\trun %s: started %s (%d pieces)\n", t.runID, t.meta.Name, t.meta.NumPieces())

	return nil
}

// reconcile is the single writer of activePeers: every tick it snapshots
// the tracker's peer list, reaps sessions whose Done channel has
// closed, and starts new sessions up to maxPeers.
func (t *Torrent) reconcile() {
	ticker := time.NewTicker(reconcileTick)
	defer ticker.Stop()

	t.reconcileOnce()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.reconcileOnce()
		}
	}
}

func (t *Torrent) reconcileOnce() {
	t.mu.Lock()
	for key, session := range t.activePeers {
		select {
		case <-session.Done():
			delete(t.activePeers, key)
		default:
		}
	}

	slots := maxPeers - len(t.activePeers)
	reserved := make(map[string]struct{}, len(t.activePeers))
	for key := range t.activePeers {
		reserved[key] = struct{}{}
	}
	t.mu.Unlock()

	if slots <= 0 {
		return
	}

	for _, p := range t.trackerSession.Snapshot().PeerList {
		if slots <= 0 {
			return
		}

		key := p.Addr()
		if _, taken := reserved[key]; taken {
			continue
		}
		reserved[key] = struct{}{}
		slots--

		go t.connectPeer(key)
	}
}

// connectPeer dials and handshakes one candidate peer off the
// reconciler goroutine, since Session.Start blocks on a TCP dial plus
// a handshake round trip (up to several seconds per peer); connectPeer
// takes the lock only to register the started session,
// matching the teacher's semaphore-bounded connection fan-out in
// ConnectToPeers/StartDownload.
func (t *Torrent) connectPeer(key string) {
	session := peer.New(key)

	if err := session.Start(t.meta.InfoHash, t.peerID, t.manager.Queue, t.manager.Results); err != nil {
		log.Printf("[FAIL]\trun %s: peer %s: %v\n", t.runID, key, err)
		return
	}

	t.mu.Lock()
	t.activePeers[key] = session
	t.mu.Unlock()
}

// EvictPeer implements piecemanager.PeerEvictor: it removes peerKey
// from the active-peers map so the reconciler's next tick can
// replace it. The session's own goroutines close themselves down
// when their connection breaks; eviction here only stops the
// controller from counting a known-bad peer against maxPeers.
func (t *Torrent) EvictPeer(peerKey string) {
	t.mu.Lock()
	delete(t.activePeers, peerKey)
	t.mu.Unlock()
}

// Shutdown stops the tracker loop, the piece manager and the
// reconciler, closes storage, and waits for all three to return.
func (t *Torrent) Shutdown() error {
	close(t.stop)
	t.wg.Wait()

	return t.writer.Close()
}
