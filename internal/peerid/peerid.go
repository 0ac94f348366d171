// Package peerid generates the client's 20-byte BitTorrent peer id
// and a separate per-run correlation id used only for log lines.
package peerid

import (
	crand "crypto/rand"
	"fmt"

	"github.com/google/uuid"
)

const (
	prefix       = "-RS0001-"
	idLength     = 20
	randomLength = idLength - len(prefix)
	charset      = "0123456789abcdefghijklmnopqrstuvwxyz"
)

// Generate returns a new 20-byte client peer id: the fixed client
// prefix followed by 12 random alphanumeric bytes.
func Generate() ([20]byte, error) {
	random := make([]byte, randomLength)
	if _, err := crand.Read(random); err != nil {
		return [20]byte{}, fmt.Errorf("peerid: generating random bytes: %w", err)
	}

	for i, b := range random {
		random[i] = charset[int(b)%len(charset)]
	}

	var id [20]byte
	copy(id[:], prefix)
	copy(id[len(prefix):], random)

	return id, nil
}

// RunID returns a fresh correlation id for tagging a controller run's
// log lines; it has no protocol meaning and never crosses the wire.
func RunID() string {
	return uuid.New().String()
}
