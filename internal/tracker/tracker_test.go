package tracker

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestAnnounceParsesResponseAndSchedulesNext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// interval = 1800, one compact peer.
		peers := string([]byte{10, 0, 0, 1, 0x1A, 0xE1})
		body := "d8:intervali1800e5:peers" + itoa(len(peers)) + ":" + peers + "e"
		w.Write([]byte(body))
	}))
	defer srv.Close()

	s := NewSession(srv.URL, [20]byte{1}, [20]byte{2}, 6882)

	before := time.Now()
	if err := s.Announce(); err != nil {
		t.Fatalf("Announce: %v", err)
	}

	snap := s.Snapshot()
	if len(snap.PeerList) != 1 {
		t.Fatalf("len(PeerList) = %d, want 1", len(snap.PeerList))
	}

	if snap.Interval != 1800*time.Second {
		t.Errorf("Interval = %v, want 1800s", snap.Interval)
	}

	wantNext := before.Add(1800 * time.Second)
	if snap.NextAnnounce.Before(wantNext.Add(-2*time.Second)) || snap.NextAnnounce.After(wantNext.Add(2*time.Second)) {
		t.Errorf("NextAnnounce = %v, want close to %v", snap.NextAnnounce, wantNext)
	}
}

func TestAnnounceFailureReasonIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("d14:failure reason11:bad requeste"))
	}))
	defer srv.Close()

	s := NewSession(srv.URL, [20]byte{1}, [20]byte{2}, 6882)

	if err := s.Announce(); err == nil {
		t.Fatal("Announce: want error for failure reason response")
	}
}

func TestBuildQueryOrdersInfoHashLast(t *testing.T) {
	s := NewSession("http://tracker.test/announce", [20]byte{0xDE, 0xAD}, [20]byte{0xBE, 0xEF}, 6882)

	query := s.buildQuery(Started)

	if !strings.HasSuffix(query, "info_hash="+percentEncodeBytes(s.InfoHash[:])) {
		t.Errorf("query = %q, want info_hash as the last parameter", query)
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}
