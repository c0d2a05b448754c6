// Package orderedbuffer enforces the strict-in-order, bounded-window
// delivery rule from spec §4.3 ("Ordered delivery"): TaskFrame and
// ResultFrame carry (cycle, sequence_within_cycle) (CommitTokenFrame does
// not), and a receiver must buffer out-of-order arrivals within a window of
// W=64 and deliver strictly in order, dropping anything outside the
// window (spec §7 FrameOutOfWindow: "Drop; count.").
//
// Grounded on internal/sync/buffer.go's VertexBuffer: a map keyed for
// dedup plus an ordered-retrieval pass, generalized here from
// round-ordering over an unbounded buffer to
// (cycle, sequence_within_cycle)-ordering with a bounded window and a
// single advancing cursor rather than a full re-sort on every read.
package orderedbuffer

import (
	"sync"

	"github.com/cockroachdb/errors"
)

// ErrFrameOutOfWindow is the FrameOutOfWindow error kind from spec §7: the
// frame's sequence number is behind the delivery cursor or too far
// ahead of it to ever be buffered.
var ErrFrameOutOfWindow = errors.New("orderedbuffer: frame outside delivery window")

// DefaultWindow is W=64 from spec §4.3.
const DefaultWindow = 64

// Buffer tracks one sender's delivery stream: the next sequence number
// expected and anything received ahead of it, up to window slots deep.
// One Buffer per (remote peer, message type) pair; a single cycle's
// worth of state is cheap enough that callers are expected to keep one
// per sender for the lifetime of the connection rather than
// reallocating it every cycle.
type Buffer struct {
	mu sync.Mutex

	window uint64

	cycle   uint64
	next    uint64
	pending map[uint64][]byte
}

// New creates a Buffer with the given window. A window of 0 uses
// DefaultWindow.
func New(window uint64) *Buffer {
	if window == 0 {
		window = DefaultWindow
	}
	return &Buffer{window: window, pending: make(map[uint64][]byte)}
}

// Offer buffers payload at (cycle, seq) and returns every frame now
// ready for strictly-in-order delivery, which may be more than one if
// this offer fills a gap that unblocks a run of already-buffered
// frames. A cycle higher than anything seen so far opens a fresh
// window (the sender's cycle counter only advances); a lower cycle is
// stale and rejected the same as an out-of-window sequence.
func (b *Buffer) Offer(cycle, seq uint64, payload []byte) (delivered [][]byte, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case cycle > b.cycle:
		b.cycle = cycle
		b.next = 0
		b.pending = make(map[uint64][]byte)
	case cycle < b.cycle:
		return nil, ErrFrameOutOfWindow
	}

	if seq < b.next || seq >= b.next+b.window {
		return nil, ErrFrameOutOfWindow
	}

	b.pending[seq] = payload

	for {
		p, ok := b.pending[b.next]
		if !ok {
			break
		}
		delivered = append(delivered, p)
		delete(b.pending, b.next)
		b.next++
	}
	return delivered, nil
}

// Pending returns the number of out-of-order frames currently buffered,
// waiting on an earlier gap to fill.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
