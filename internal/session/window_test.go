package session

import (
	"context"
	"testing"
	"time"
)

func TestWindowOutOfRangeRejected(t *testing.T) {
	w := NewWindow(4)
	if err := w.Put(10, []byte("x")); err == nil {
		t.Fatal("expected out-of-range put to fail")
	}
}

func TestWindowReplayIdempotent(t *testing.T) {
	w := NewWindow(4)
	if err := w.Put(0, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	if err := w.Put(0, []byte("hello")); err != nil {
		t.Fatalf("identical replay should succeed: %v", err)
	}
	if err := w.Put(0, []byte("world")); err == nil {
		t.Fatal("expected mismatched replay to fail")
	}
}

func TestWindowOutOfOrderAcceptedWithinRange(t *testing.T) {
	w := NewWindow(4)
	if err := w.Put(2, []byte("c")); err != nil {
		t.Fatal(err)
	}
	if err := w.Put(0, []byte("a")); err != nil {
		t.Fatal(err)
	}
	if err := w.Put(1, []byte("b")); err != nil {
		t.Fatal(err)
	}

	start, blocks, ok := w.TryBeginWrite()
	if !ok || start != 0 || len(blocks) != 3 {
		t.Fatalf("expected contiguous run of 3 from 0, got start=%d blocks=%d ok=%v", start, len(blocks), ok)
	}
	w.EndWrite(3)
	if w.Start() != 3 {
		t.Fatalf("window_start = %d, want 3", w.Start())
	}
	if w.Slot(0) != SlotWritten || w.Slot(2) != SlotWritten {
		t.Fatal("expected written blocks to report SlotWritten")
	}
}

func TestWindowFlushReleasesMemory(t *testing.T) {
	w := NewWindow(4)
	_ = w.Put(0, []byte("a"))

	start, blocks, ok := w.TryBeginWrite()
	if !ok {
		t.Fatal("expected a run to begin")
	}
	w.EndWrite(len(blocks))
	_ = start
	if _, held := w.PeekReceived(0); held {
		t.Fatal("expected block 0's bytes to be released once written")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := w.WaitFlush(ctx, 0); err != nil {
		t.Fatalf("WaitFlush: %v", err)
	}
}

func TestWindowWaitFlushCancelled(t *testing.T) {
	w := NewWindow(4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := w.WaitFlush(ctx, 0); err == nil {
		t.Fatal("expected cancelled context to abort WaitFlush")
	}
}

func TestWindowConcurrentWriteInFlightRejectsSecondBegin(t *testing.T) {
	w := NewWindow(4)
	_ = w.Put(0, []byte("a"))
	_, _, ok := w.TryBeginWrite()
	if !ok {
		t.Fatal("expected first TryBeginWrite to succeed")
	}
	if _, _, ok := w.TryBeginWrite(); ok {
		t.Fatal("expected second concurrent TryBeginWrite to fail while a write is in flight")
	}
}
