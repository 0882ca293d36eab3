// Package xfer implements the sliding-window transfer buffer used by RRQ
// sessions: a ring of fixed-size blocks that tracks which sequence numbers
// are currently in flight and refills itself as the client's ACKs advance
// the window.
package xfer

import (
	"github.com/m-lab/tftpd/tftp"
)

// Fetcher is the minimal read surface a TransferWindow needs. It is kept
// local to this package (rather than imported from package fetcher) so
// that xfer has no dependency on how bytes are actually produced.
type Fetcher interface {
	Read(buf []byte) (int, error)
	ReadMmap(size int) ([]byte, error)
	IsEOF() bool
	IsMmapped() bool
}

type block struct {
	owned      []byte
	borrowed   []byte
	isBorrowed bool
	len        uint16
	blksz      uint16
}

func newOwnedBlock(size uint16) *block {
	return &block{owned: make([]byte, size), blksz: size}
}

func newRefBlock(size uint16) *block {
	return &block{isBorrowed: true, blksz: size}
}

func (b *block) init() {
	b.len = 0
}

func (b *block) setLen(sz int) {
	if sz > int(b.blksz) {
		panic("xfer: block length exceeds negotiated block size")
	}
	b.len = uint16(sz)
}

func (b *block) data() []byte {
	if b.isBorrowed {
		if b.borrowed == nil {
			if b.len == 0 {
				return nil
			}
			panic("xfer: borrowed block read before fill")
		}
		return b.borrowed[:b.len]
	}
	return b.owned[:b.len]
}

func (b *block) fill(f Fetcher) (int, error) {
	if b.isBorrowed {
		data, err := f.ReadMmap(int(b.blksz))
		if err != nil {
			return 0, err
		}
		b.borrowed = data
		b.setLen(len(data))
		return len(data), nil
	}

	n, err := f.Read(b.owned)
	if err != nil {
		return 0, err
	}
	b.setLen(n)
	return n, nil
}

type blockInfo struct {
	seq tftp.SequenceID
	idx uint16
}

// TransferWindow is the per-session sliding window of pending DATA blocks.
type TransferWindow struct {
	start    blockInfo
	activeSz uint16
	blocks   []*block
	eof      bool
}

// NewTransferWindow allocates a window of windowSize blocks of blkSize
// bytes each. Blocks borrow from the fetcher's own buffer when the
// fetcher reports it is mmapped, avoiding a copy; otherwise each block
// owns its storage.
func NewTransferWindow(fetcher Fetcher, blkSize, windowSize uint16) *TransferWindow {
	if windowSize == 0 {
		panic("xfer: window size must be > 0")
	}

	blocks := make([]*block, windowSize)
	for i := range blocks {
		if fetcher.IsMmapped() {
			blocks[i] = newRefBlock(blkSize)
		} else {
			blocks[i] = newOwnedBlock(blkSize)
		}
	}

	return &TransferWindow{blocks: blocks}
}

func (w *TransferWindow) windowSize() uint16 {
	return uint16(len(w.blocks))
}

func (w *TransferWindow) getRelBlock(idx uint16) (tftp.SequenceID, *block, bool) {
	if idx >= w.activeSz {
		return 0, nil, false
	}

	p := w.start.idx + idx
	if p >= w.windowSize() {
		p -= w.windowSize()
	}

	return w.start.seq.Add(idx), w.blocks[p], true
}

func (w *TransferWindow) allocBlock() *block {
	if w.activeSz >= w.windowSize() {
		return nil
	}

	p := w.start.idx + w.activeSz
	if p >= w.windowSize() {
		p -= w.windowSize()
	}

	w.activeSz++

	b := w.blocks[p]
	b.init()
	return b
}

func (w *TransferWindow) freeBlocks(blkID tftp.SequenceID) error {
	var delta uint16
	if w.activeSz != 0 {
		delta = blkID.Delta(w.start.seq)
	}

	switch {
	case delta == w.activeSz:
		w.start.idx = 0
		w.start.seq = blkID
		w.activeSz = 0
	case delta > w.activeSz:
		return &tftp.ProtocolError{Reason: "blk-id out of window"}
	default:
		w.start.idx = (w.start.idx + delta) % w.windowSize()
		w.start.seq = w.start.seq.Add(delta)
		w.activeSz -= delta
	}

	return nil
}

// FillWindow advances the window to blkID (the block after the last one
// the client acknowledged) and refills it up to the window size or EOF. It returns
// the number of bytes still sitting in the window after the advance —
// these are blocks that will be resent verbatim on this call's Iter,
// i.e. wasted retransmission traffic from the peer's perspective.
func (w *TransferWindow) FillWindow(blkID tftp.SequenceID, fetcher Fetcher) (wasted int, err error) {
	if w.activeSz > w.windowSize() {
		panic("xfer: active size exceeds window size")
	}

	if err := w.freeBlocks(blkID); err != nil {
		return 0, err
	}

	if w.activeSz > 0 {
		for i := uint16(0); i < w.activeSz; i++ {
			_, b, _ := w.getRelBlock(i)
			wasted += len(b.data())
		}
	}

	for w.activeSz < w.windowSize() && !w.eof {
		b := w.allocBlock()

		var sz int
		if fetcher.IsEOF() {
			b.setLen(0)
		} else {
			sz, err = b.fill(fetcher)
			if err != nil {
				return wasted, err
			}
		}

		if sz < int(b.blksz) {
			w.eof = true
		}
	}

	return wasted, nil
}

// IsEOF reports whether the transfer is complete: the fetcher is
// exhausted and every remaining block has been acknowledged.
func (w *TransferWindow) IsEOF() bool {
	return w.eof && w.activeSz == 0
}

// Iter returns the sequence of DATA blocks currently pending in the
// window, in order, ready to be sent or resent.
func (w *TransferWindow) Iter() []Entry {
	entries := make([]Entry, 0, w.activeSz)
	for i := uint16(0); i < w.activeSz; i++ {
		seq, b, ok := w.getRelBlock(i)
		if !ok {
			break
		}
		entries = append(entries, Entry{Seq: seq, Data: b.data()})
	}
	return entries
}

// Entry is one block ready for transmission, pairing its sequence number
// with its payload.
type Entry struct {
	Seq  tftp.SequenceID
	Data []byte
}
