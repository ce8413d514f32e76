package throttle

import (
	"context"
	"testing"
	"time"
)

func TestSetAllowsWithinBudget(t *testing.T) {
	s := NewSet(map[Workload]Budget{
		WorkloadUser: {BytesPerSecond: 1000, Burst: 1000},
	}, Budget{})

	if !s.Allow(WorkloadUser, 500) {
		t.Fatal("expected first 500-byte request to be allowed")
	}
	if !s.Allow(WorkloadUser, 500) {
		t.Fatal("expected second 500-byte request to exhaust burst but still be allowed")
	}
	if s.Allow(WorkloadUser, 1) {
		t.Fatal("expected request beyond burst to be denied")
	}
}

func TestSetFallsBackForUnknownWorkload(t *testing.T) {
	s := NewSet(nil, Budget{})
	if !s.Allow(Workload("unknown"), 1_000_000) {
		t.Fatal("expected unbudgeted fallback to be unlimited")
	}
}

func TestSetWaitDelaysRatherThanRejects(t *testing.T) {
	s := NewSet(map[Workload]Budget{
		WorkloadRepair: {BytesPerSecond: 100, Burst: 100},
	}, Budget{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	if err := s.Wait(ctx, WorkloadRepair, 100); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	if err := s.Wait(ctx, WorkloadRepair, 50); err != nil {
		t.Fatalf("second wait should delay, not error: %v", err)
	}
	if time.Since(start) <= 0 {
		t.Fatal("expected some time to pass")
	}
}

func TestSetBudgetUpdatesAtRuntime(t *testing.T) {
	s := NewSet(map[Workload]Budget{WorkloadUser: {BytesPerSecond: 1, Burst: 1}}, Budget{})
	s.SetBudget(WorkloadUser, Budget{BytesPerSecond: 1000, Burst: 1000})
	if !s.Allow(WorkloadUser, 1000) {
		t.Fatal("expected updated budget to allow larger burst")
	}
}
