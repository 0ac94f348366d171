// Package storage provides a concrete multi-file positional writer
// that the piece manager (C5) hands verified pieces to. spec.md
// treats the on-disk writer as an external collaborator; this is the
// one this module's CLI drives end to end.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

// FileSpec is one file of the torrent's content, positioned at
// Offset within the concatenated piece stream.
type FileSpec struct {
	Path   string
	Length int64
	Offset int64
}

// Writer writes verified piece data into the right byte ranges of the
// torrent's underlying file(s), matching the teacher's
// create/truncate/WriteAt sequence in StartDownload.
type Writer struct {
	files       []FileSpec
	handles     []*os.File
	pieceLength int64
}

// NewWriter creates (or truncates) every file in files under
// outputDir and returns a Writer ready to accept pieces of the given
// piece length.
func NewWriter(outputDir string, files []FileSpec, pieceLength int64) (*Writer, error) {
	w := &Writer{pieceLength: pieceLength}

	for _, f := range files {
		fullPath := filepath.Join(outputDir, f.Path)

		if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
			w.Close()
			return nil, fmt.Errorf("storage: creating directory for %s: %w", fullPath, err)
		}

		handle, err := os.OpenFile(fullPath, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			w.Close()
			return nil, fmt.Errorf("storage: opening %s: %w", fullPath, err)
		}

		if err := handle.Truncate(f.Length); err != nil {
			handle.Close()
			w.Close()
			return nil, fmt.Errorf("storage: truncating %s: %w", fullPath, err)
		}

		w.files = append(w.files, FileSpec{Path: fullPath, Length: f.Length, Offset: f.Offset})
		w.handles = append(w.handles, handle)
	}

	return w, nil
}

// WritePiece writes data — the assembled, verified bytes of piece
// index — into every file range it overlaps.
func (w *Writer) WritePiece(index int, data []byte) error {
	pieceStart := int64(index) * w.pieceLength
	pieceEnd := pieceStart + int64(len(data))

	for i, f := range w.files {
		fileStart := f.Offset
		fileEnd := f.Offset + f.Length

		start := max64(pieceStart, fileStart)
		end := min64(pieceEnd, fileEnd)

		if start >= end {
			continue
		}

		chunk := data[start-pieceStart : end-pieceStart]

		if _, err := w.handles[i].WriteAt(chunk, start-f.Offset); err != nil {
			return fmt.Errorf("storage: writing to %s: %w", f.Path, err)
		}
	}

	return nil
}

// Close closes every open file handle.
func (w *Writer) Close() error {
	var firstErr error

	for _, h := range w.handles {
		if h == nil {
			continue
		}

		if err := h.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
