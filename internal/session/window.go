package session

import (
	"bytes"
	"context"
	"sync"
)

// SlotState is the state of one block slot in a session's sliding
// window (§4.3).
type SlotState int

const (
	SlotEmpty SlotState = iota
	SlotReceived
	SlotWritten
)

type slotEntry struct {
	data []byte
}

// Window is the per-session sliding range of block indices currently in
// memory (§4.3, §GLOSSARY). Blocks below window_start have been durably
// written and their memory freed (I5); blocks at or above
// window_start+window_size have not been accepted yet. Because writes to
// disk happen strictly in increasing block-index order (§5), the window
// start doubles as the write cursor: the next block to be committed to
// disk is always exactly the one at index `start`.
type Window struct {
	mu      sync.Mutex
	start   uint32
	size    uint32
	blocks  map[uint32]*slotEntry // Received slots not yet written, keyed by absolute index
	writing bool                  // true while a write of a contiguous run is in flight

	highestIndex int64 // -1 until the first block is accepted

	flushWaiters map[uint32][]chan struct{}
}

// NewWindow creates a window of the given size starting at block index 0.
func NewWindow(size uint32) *Window {
	if size == 0 {
		size = 1
	}
	return &Window{
		size:         size,
		blocks:       make(map[uint32]*slotEntry),
		highestIndex: -1,
		flushWaiters: make(map[uint32][]chan struct{}),
	}
}

// Start returns the current window_start.
func (w *Window) Start() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.start
}

// HighestIndex returns the highest block index ever accepted, or -1 if
// none has been accepted yet. Used by finish() to validate
// expected_block_count.
func (w *Window) HighestIndex() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.highestIndex
}

// Put validates and records one block's bytes (§4.3 "put_blocks
// validates..."). It returns ErrWindowOutOfRange if idx is outside
// [start, start+size), and ErrBlockContentMismatch if idx is already
// Received with different bytes (replay with different payload, I4
// test #4). A replay with identical bytes succeeds as a no-op.
func (w *Window) Put(idx uint32, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if idx < w.start || idx >= w.start+w.size {
		return ErrWindowOutOfRange
	}
	if e, ok := w.blocks[idx]; ok {
		if !bytes.Equal(e.data, data) {
			return ErrBlockContentMismatch
		}
		return nil
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	w.blocks[idx] = &slotEntry{data: cp}
	if int64(idx) > w.highestIndex {
		w.highestIndex = int64(idx)
	}
	return nil
}

// TryBeginWrite returns the contiguous run of Received blocks starting
// at the current window_start, if one exists and no write is currently
// in flight. The caller must end the run exactly once, with EndWrite or
// AbortWrite, before another run can begin; the session manager always
// passes the whole run to EndWrite, also after a failed write that has
// cancelled the session.
func (w *Window) TryBeginWrite() (startIdx uint32, blocksOut [][]byte, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.writing {
		return 0, nil, false
	}
	var out [][]byte
	idx := w.start
	for {
		e, present := w.blocks[idx]
		if !present {
			break
		}
		out = append(out, e.data)
		idx++
	}
	if len(out) == 0 {
		return 0, nil, false
	}
	w.writing = true
	return w.start, out, true
}

// EndWrite commits count blocks (starting at the run returned by
// TryBeginWrite) as durably Written: their memory is freed and
// window_start advances past them (I5). Any flush_blocks waiters whose
// index is now below window_start are released.
func (w *Window) EndWrite(count int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for range count {
		delete(w.blocks, w.start)
		w.start++
		w.notifyLocked(w.start - 1)
	}
	w.writing = false
}

// AbortWrite releases the in-flight flag without advancing the window,
// so the run's blocks remain Received. The session manager does not call
// it: a failed run is ended with EndWrite once the session is cancelled.
func (w *Window) AbortWrite() {
	w.mu.Lock()
	w.writing = false
	w.mu.Unlock()
}

func (w *Window) notifyLocked(writtenIdx uint32) {
	waiters, ok := w.flushWaiters[writtenIdx]
	if !ok {
		return
	}
	for _, ch := range waiters {
		close(ch)
	}
	delete(w.flushWaiters, writtenIdx)
}

// WaitFlush blocks until slot idx has transitioned to Written (i.e.
// window_start > idx), or ctx is cancelled (§4.3 flush_blocks).
func (w *Window) WaitFlush(ctx context.Context, idx uint32) error {
	w.mu.Lock()
	if w.start > idx {
		w.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	w.flushWaiters[idx] = append(w.flushWaiters[idx], ch)
	w.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PeekReceived returns a copy of the bytes held for a Received slot, used
// by send_blocks to forward locally-held blocks that haven't yet reached
// disk. ok is false if idx is not currently Received (already Written, or
// never submitted).
func (w *Window) PeekReceived(idx uint32) (data []byte, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, present := w.blocks[idx]
	if !present {
		return nil, false
	}
	cp := make([]byte, len(e.data))
	copy(cp, e.data)
	return cp, true
}

// Slot reports the state of one block index, for diagnostics and tests.
func (w *Window) Slot(idx uint32) SlotState {
	w.mu.Lock()
	defer w.mu.Unlock()
	if idx < w.start {
		return SlotWritten
	}
	if _, ok := w.blocks[idx]; ok {
		return SlotReceived
	}
	return SlotEmpty
}
