// Package tracker builds HTTP announce requests, decodes bencoded
// tracker responses, and runs the periodic announce loop (C4), plus
// the compact/dict peer-list decoder (C7) in decode.go.
package tracker

import (
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackpal/bencode-go"
)

// Event tags the lifecycle event reported on an announce.
type Event string

const (
	Started   Event = "started"
	Stopped   Event = "stopped"
	Completed Event = "completed"
)

const (
	defaultNumwant      = 50
	errorBackoff        = 5 * time.Second
	httpTimeout         = 15 * time.Second
)

// rawResponse mirrors the bencoded tracker response.
type rawResponse struct {
	FailureReason string      `bencode:"failure reason"`
	WarningMsg    string      `bencode:"warning message"`
	Interval      int64       `bencode:"interval"`
	MinInterval   int64       `bencode:"min interval"`
	TrackerID     string      `bencode:"tracker id"`
	Complete      int64       `bencode:"complete"`
	Incomplete    int64       `bencode:"incomplete"`
	Peers         interface{} `bencode:"peers"`
}

// Session owns one tracker's announce state: the fields spec.md §3
// names, guarded by a mutex since the announce loop mutates it while
// a controller's reconciler reads a snapshot concurrently.
type Session struct {
	mu sync.Mutex

	InfoHash    [20]byte
	PeerID      [20]byte
	AnnounceURL string
	Port        uint16

	Downloaded uint64
	Uploaded   uint64
	Left       uint64

	peerList     []Peer
	interval     time.Duration
	minInterval  time.Duration
	nextAnnounce time.Time
	trackerID    string
	started      bool

	client *http.Client
}

// NewSession constructs a tracker session for one torrent.
func NewSession(announceURL string, infoHash, peerID [20]byte, port uint16) *Session {
	return &Session{
		InfoHash:    infoHash,
		PeerID:      peerID,
		AnnounceURL: announceURL,
		Port:        port,
		client:      &http.Client{Timeout: httpTimeout},
	}
}

// Snapshot is a clone of the tracker session's announce-visible state,
// safe to read without holding the session's lock.
type Snapshot struct {
	PeerList     []Peer
	Interval     time.Duration
	NextAnnounce time.Time
}

// Snapshot clones the current peer list and schedule under the lock
// and releases it immediately, per §5's "clone under the lock and
// release before iterating" discipline.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	peers := make([]Peer, len(s.peerList))
	copy(peers, s.peerList)

	sort.Slice(peers, func(i, j int) bool { return peers[i].Less(peers[j]) })

	return Snapshot{
		PeerList:     peers,
		Interval:     s.interval,
		NextAnnounce: s.nextAnnounce,
	}
}

// buildQuery assembles the announce URL's query string. info_hash is
// appended last because most URL-encoding helpers (including Go's
// url.Values.Encode, which sorts by key) cannot be trusted to
// percent-encode arbitrary raw bytes positioned correctly among
// readable keys — so it's hand-appended after the rest is encoded,
// matching spec.md §4.4's explicit ordering requirement.
func (s *Session) buildQuery(event Event) string {
	values := url.Values{}
	values.Set("peer_id", string(s.PeerID[:]))
	values.Set("port", strconv.Itoa(int(s.Port)))
	values.Set("uploaded", strconv.FormatUint(s.Uploaded, 10))
	values.Set("downloaded", strconv.FormatUint(s.Downloaded, 10))
	values.Set("left", strconv.FormatUint(s.Left, 10))
	values.Set("numwant", strconv.Itoa(defaultNumwant))
	values.Set("compact", "1")

	if event != "" {
		values.Set("event", string(event))
	}

	if s.trackerID != "" {
		values.Set("trackerid", s.trackerID)
	}

	// url.Values.Encode already percent-encodes peer_id's raw bytes,
	// but it also sorts keys, which would not leave info_hash last —
	// append info_hash manually, last, as its own already-escaped
	// segment.
	query := values.Encode()
	query += "&info_hash=" + percentEncodeBytes(s.InfoHash[:])

	return query
}

// percentEncodeBytes percent-encodes raw bytes byte-by-byte, which is
// what a BitTorrent tracker expects for info_hash/peer_id — not the
// hex form, and not a UTF-8-aware escaper.
func percentEncodeBytes(b []byte) string {
	const hex = "0123456789ABCDEF"

	var sb strings.Builder
	for _, c := range b {
		if isUnreserved(c) {
			sb.WriteByte(c)
			continue
		}

		sb.WriteByte('%')
		sb.WriteByte(hex[c>>4])
		sb.WriteByte(hex[c&0x0F])
	}

	return sb.String()
}

func isUnreserved(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') ||
		c == '-' || c == '_' || c == '.' || c == '~'
}

// Announce issues one HTTP GET to the tracker and updates the
// session's peer list, interval and schedule. event is "started" on
// the very first announce of a session's lifetime.
func (s *Session) Announce() error {
	s.mu.Lock()
	event := Event("")
	if !s.started {
		event = Started
	}
	query := s.buildQuery(event)
	announceURL := s.AnnounceURL
	s.mu.Unlock()

	fullURL := announceURL
	if strings.Contains(announceURL, "?") {
		fullURL += "&" + query
	} else {
		fullURL += "?" + query
	}

	req, err := http.NewRequest(http.MethodGet, fullURL, nil)
	if err != nil {
		return fmt.Errorf("tracker: building request: %w", err)
	}
	req.Header.Set("User-Agent", "btcore/1.0")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("tracker: announce request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tracker: unexpected status %d", resp.StatusCode)
	}

	var raw rawResponse
	if err := bencode.Unmarshal(resp.Body, &raw); err != nil {
		return fmt.Errorf("tracker: decoding response: %w", err)
	}

	if raw.FailureReason != "" {
		return fmt.Errorf("tracker: failure reason: %s", raw.FailureReason)
	}

	peers, err := DecodePeers(raw.Peers)
	if err != nil {
		return fmt.Errorf("tracker: decoding peers: %w", err)
	}

	s.mu.Lock()
	s.started = true
	s.peerList = peers
	if raw.Interval > 0 {
		s.interval = time.Duration(raw.Interval) * time.Second
	}
	if raw.MinInterval > 0 {
		s.minInterval = time.Duration(raw.MinInterval) * time.Second
	}
	if raw.TrackerID != "" {
		s.trackerID = raw.TrackerID
	}

	next := time.Now().Add(s.interval)
	if next.Before(time.Now()) {
		next = time.Now().Add(errorBackoff)
	}
	s.nextAnnounce = next
	s.mu.Unlock()

	return nil
}

// RunLoop runs the single long-lived announce task for this session:
// at most one announce in flight at a time, rescheduling on both
// success and failure per spec.md §4.4. It returns only when stop is
// closed.
func (s *Session) RunLoop(stop <-chan struct{}) {
	for {
		if err := s.Announce(); err != nil {
			log.Printf("[FAIL]\ttracker announce to %s: %v\n", s.AnnounceURL, err)

			s.mu.Lock()
			s.nextAnnounce = time.Now().Add(errorBackoff)
			wait := time.Until(s.nextAnnounce)
			s.mu.Unlock()

			select {
			case <-stop:
				return
			case <-time.After(wait):
			}

			continue
		}

		s.mu.Lock()
		wait := time.Until(s.nextAnnounce)
		s.mu.Unlock()

		if wait < 0 {
			wait = errorBackoff
		}

		select {
		case <-stop:
			return
		case <-time.After(wait):
		}
	}
}

// AnnounceCompleted sends a one-shot "completed" event, used by the
// piece manager when every piece has been verified.
func (s *Session) AnnounceCompleted() error {
	s.mu.Lock()
	s.Left = 0
	s.mu.Unlock()

	query := s.buildQuery(Completed)

	s.mu.Lock()
	announceURL := s.AnnounceURL
	s.mu.Unlock()

	sep := "?"
	if strings.Contains(announceURL, "?") {
		sep = "&"
	}

	resp, err := s.client.Get(announceURL + sep + query)
	if err != nil {
		return fmt.Errorf("tracker: completed announce: %w", err)
	}
	defer resp.Body.Close()

	return nil
}
