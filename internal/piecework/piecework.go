// Package piecework models one in-flight piece as an ordered list of
// blocks, tracks their download status, and assembles the finished
// bytes.
package piecework

import "fmt"

// BlockSize is the maximum size, in bytes, of a single block — the
// unit of Request/Piece protocol messages.
const BlockSize = 16 * 1024

// Status is the download state of one block within a piece.
type Status int

const (
	Empty Status = iota
	InProgress
	Full
)

// Block is one sub-range of a piece.
type Block struct {
	Offset int64
	Length int64
	Status Status
	Data   []byte
}

// Work tracks one piece being assembled from blocks.
type Work struct {
	Index  int
	Length int64
	Blocks []Block
}

// New splits a piece of the given length into ⌈length/BlockSize⌉
// blocks, the last carrying the remainder (or a full BlockSize if
// length is an exact multiple).
func New(index int, length int64) *Work {
	var blocks []Block

	var offset int64
	for offset < length {
		remaining := length - offset
		blockLen := int64(BlockSize)
		if remaining < blockLen {
			blockLen = remaining
		}

		blocks = append(blocks, Block{
			Offset: offset,
			Length: blockLen,
			Status: Empty,
		})

		offset += blockLen
	}

	return &Work{Index: index, Length: length, Blocks: blocks}
}

// IsComplete reports whether every block has been fully received.
func (w *Work) IsComplete() bool {
	for _, b := range w.Blocks {
		if b.Status != Full {
			return false
		}
	}

	return true
}

// EmptyBlocks returns the indices, within Blocks, of blocks still in
// the Empty state, in offset order.
func (w *Work) EmptyBlocks() []int {
	var idxs []int
	for i, b := range w.Blocks {
		if b.Status == Empty {
			idxs = append(idxs, i)
		}
	}

	return idxs
}

// MarkInProgress transitions the block at blockIdx from Empty to
// InProgress.
func (w *Work) MarkInProgress(blockIdx int) {
	w.Blocks[blockIdx].Status = InProgress
}

// MarkEmpty reverts the block at blockIdx back to Empty, e.g. on a
// request timeout.
func (w *Work) MarkEmpty(blockIdx int) {
	w.Blocks[blockIdx].Status = Empty
	w.Blocks[blockIdx].Data = nil
}

// CompleteBlockAt finds the InProgress block whose offset matches
// begin and marks it Full with data. It reports false if no
// InProgress block matches — the caller should log and discard.
func (w *Work) CompleteBlockAt(begin int64, data []byte) bool {
	for i := range w.Blocks {
		if w.Blocks[i].Offset == begin && w.Blocks[i].Status == InProgress {
			w.Blocks[i].Status = Full
			w.Blocks[i].Data = data
			return true
		}
	}

	return false
}

// Assemble concatenates block data in offset order. It returns an
// error if the piece is not yet complete or a block's data does not
// match its declared length.
func (w *Work) Assemble() ([]byte, error) {
	buf := make([]byte, 0, w.Length)

	for _, b := range w.Blocks {
		if b.Status != Full {
			return nil, fmt.Errorf("piecework: piece %d block at offset %d is not Full", w.Index, b.Offset)
		}

		if int64(len(b.Data)) != b.Length {
			return nil, fmt.Errorf("piecework: piece %d block at offset %d has %d bytes, want %d", w.Index, b.Offset, len(b.Data), b.Length)
		}

		buf = append(buf, b.Data...)
	}

	if int64(len(buf)) != w.Length {
		return nil, fmt.Errorf("piecework: piece %d assembled %d bytes, want %d", w.Index, len(buf), w.Length)
	}

	return buf, nil
}
