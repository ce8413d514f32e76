package invoker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolRunsTasksFIFO(t *testing.T) {
	p := New("test", 1, 4, nil)
	defer p.Close()

	var order []int
	done := make(chan struct{})
	for i := range 5 {
		i := i
		go func() {
			_ = p.Submit(context.Background(), func(context.Context) error {
				order = append(order, i)
				if i == 4 {
					close(done)
				}
				return nil
			})
		}()
		time.Sleep(time.Millisecond)
	}
	<-done
	for i := range order {
		if order[i] != i {
			t.Fatalf("order = %v, want strictly increasing from submission", order)
		}
	}
}

func TestPoolPropagatesError(t *testing.T) {
	p := New("test", 2, 4, nil)
	defer p.Close()

	wantErr := errors.New("boom")
	err := p.Submit(context.Background(), func(context.Context) error { return wantErr })
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
}

func TestPoolRejectsAfterClose(t *testing.T) {
	p := New("test", 1, 1, nil)
	p.Close()
	err := p.Submit(context.Background(), func(context.Context) error { return nil })
	if !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("err = %v, want ErrPoolClosed", err)
	}
}

func TestPoolHonoursContextCancellation(t *testing.T) {
	p := New("test", 1, 1, nil)
	defer p.Close()

	block := make(chan struct{})
	go p.Submit(context.Background(), func(context.Context) error {
		<-block
		return nil
	})
	// the single worker is now busy; a second task should sit in the queue.
	ctx, cancel := context.WithCancel(context.Background())
	var started int32
	errc := make(chan error, 1)
	go func() {
		errc <- p.Submit(ctx, func(context.Context) error {
			atomic.AddInt32(&started, 1)
			return nil
		})
	}()
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	close(block)
}
