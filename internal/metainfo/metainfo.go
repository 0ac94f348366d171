// Package metainfo parses .torrent files and computes the info hash
// that identifies a torrent on the wire.
package metainfo

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"io"
	"strconv"

	"github.com/jackpal/bencode-go"
)

// FileEntry describes one file of a multi-file torrent.
type FileEntry struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

// rawInfo mirrors the bencoded `info` dictionary.
type rawInfo struct {
	PieceLength int64       `bencode:"piece length"`
	Pieces      string      `bencode:"pieces"`
	Name        string      `bencode:"name"`
	Length      int64       `bencode:"length"`
	Files       []FileEntry `bencode:"files"`
}

// rawFile mirrors the bencoded root dictionary of a .torrent file.
type rawFile struct {
	Announce     string     `bencode:"announce"`
	AnnounceList [][]string `bencode:"announce-list"`
	Info         rawInfo    `bencode:"info"`
}

// Metainfo is the parsed, validated view of a .torrent file that the
// rest of this module consumes.
type Metainfo struct {
	Announce     string
	AnnounceList [][]string
	Name         string
	PieceLength  int64
	PieceHashes  [][20]byte
	Length       int64 // 0 for multi-file torrents; use TotalLength
	Files        []FileEntry
	InfoHash     [20]byte
}

// IsMultiFile reports whether this torrent describes more than one file.
func (m *Metainfo) IsMultiFile() bool {
	return len(m.Files) > 0
}

// TotalLength returns the sum of all file lengths, single- or
// multi-file.
func (m *Metainfo) TotalLength() int64 {
	if !m.IsMultiFile() {
		return m.Length
	}

	var total int64
	for _, f := range m.Files {
		total += f.Length
	}

	return total
}

// NumPieces returns the number of pieces implied by PieceHashes.
func (m *Metainfo) NumPieces() int {
	return len(m.PieceHashes)
}

// PieceLengthAt returns the length in bytes of piece i: PieceLength
// for every piece except the last, which carries the remainder.
func (m *Metainfo) PieceLengthAt(i int) int64 {
	if i == m.NumPieces()-1 {
		if rem := m.TotalLength() % m.PieceLength; rem != 0 {
			return rem
		}
	}

	return m.PieceLength
}

// Load decodes a .torrent file from r and computes its info hash.
//
// The info hash MUST be the SHA-1 of the info dictionary exactly as
// it appeared on the wire, not a re-encoding of the decoded struct —
// bencode.Unmarshal does not preserve byte ranges, so the raw bytes
// are located independently via extractInfoBytes.
func Load(r io.Reader) (*Metainfo, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("metainfo: reading input: %w", err)
	}

	var raw rawFile
	if err := bencode.Unmarshal(bytes.NewReader(data), &raw); err != nil {
		return nil, fmt.Errorf("metainfo: decoding bencode: %w", err)
	}

	if raw.Info.Name == "" {
		return nil, fmt.Errorf("metainfo: missing info.name")
	}

	if len(raw.Info.Pieces)%20 != 0 {
		return nil, fmt.Errorf("metainfo: pieces length %d not a multiple of 20", len(raw.Info.Pieces))
	}

	infoBytes, err := extractInfoBytes(data)
	if err != nil {
		return nil, fmt.Errorf("metainfo: locating info dict: %w", err)
	}

	numPieces := len(raw.Info.Pieces) / 20
	hashes := make([][20]byte, numPieces)
	for i := 0; i < numPieces; i++ {
		copy(hashes[i][:], raw.Info.Pieces[i*20:(i+1)*20])
	}

	m := &Metainfo{
		Announce:     raw.Announce,
		AnnounceList: raw.AnnounceList,
		Name:         raw.Info.Name,
		PieceLength:  raw.Info.PieceLength,
		PieceHashes:  hashes,
		Length:       raw.Info.Length,
		Files:        raw.Info.Files,
		InfoHash:     sha1.Sum(infoBytes),
	}

	return m, nil
}

// extractInfoBytes locates the bencoded "info" sub-dictionary inside
// a raw .torrent buffer and returns its exact byte range, preserving
// the original encoding for info-hash purposes.
func extractInfoBytes(data []byte) ([]byte, error) {
	idx := bytes.Index(data, []byte("4:info"))
	if idx < 0 {
		return nil, fmt.Errorf("no \"4:info\" key found")
	}

	start := idx + len("4:info")

	depth := 0
	for i := start; i < len(data); i++ {
		b := data[i]

		switch {
		case b == 'd' || b == 'l':
			depth++
		case b == 'e':
			depth--

			if depth == 0 {
				return data[start : i+1], nil
			}
		case b == 'i':
			j := i + 1
			for ; j < len(data) && data[j] != 'e'; j++ {
			}

			if j >= len(data) {
				return nil, fmt.Errorf("unterminated integer at offset %d", i)
			}

			i = j
		case b >= '0' && b <= '9':
			j := i
			for ; j < len(data) && data[j] >= '0' && data[j] <= '9'; j++ {
			}

			if j < len(data) && data[j] == ':' {
				length, err := strconv.Atoi(string(data[i:j]))
				if err != nil {
					return nil, fmt.Errorf("invalid string length at offset %d-%d", i, j)
				}

				j++
				i = j + length - 1
			}
		}
	}

	return nil, fmt.Errorf("unterminated info dictionary")
}
