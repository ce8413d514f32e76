// Package throttle provides named, per-workload throttlers used to gate
// outbound read bytes and inbound write bytes (§5 "Throttling"): one
// golang.org/x/time/rate limiter per workload descriptor (user,
// replication, repair, tablet-logging, ...).
package throttle

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Workload is the category tag attached to an RPC that selects which
// throttler to charge.
type Workload string

const (
	WorkloadUser          Workload = "user"
	WorkloadReplication   Workload = "replication"
	WorkloadRepair        Workload = "repair"
	WorkloadTabletLogging Workload = "tablet-logging"
)

// Budget configures one workload's byte-rate limit.
type Budget struct {
	BytesPerSecond float64
	Burst          int
}

// Set is a collection of named throttlers, one per workload. Requests
// exceeding their throttler's budget are delayed, not rejected, matching
// §5: "A request exceeding its throttler's budget is delayed, not
// rejected."
type Set struct {
	mu       sync.RWMutex
	limiters map[Workload]*rate.Limiter
	fallback *rate.Limiter
}

// NewSet builds a Set from per-workload budgets. Workloads without an
// explicit budget fall back to fallback (pass a zero Budget for
// unlimited).
func NewSet(budgets map[Workload]Budget, fallback Budget) *Set {
	s := &Set{limiters: make(map[Workload]*rate.Limiter, len(budgets))}
	for wl, b := range budgets {
		s.limiters[wl] = newLimiter(b)
	}
	s.fallback = newLimiter(fallback)
	return s
}

func newLimiter(b Budget) *rate.Limiter {
	if b.BytesPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := b.Burst
	if burst <= 0 {
		burst = int(b.BytesPerSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return rate.NewLimiter(rate.Limit(b.BytesPerSecond), burst)
}

func (s *Set) limiterFor(wl Workload) *rate.Limiter {
	s.mu.RLock()
	l, ok := s.limiters[wl]
	s.mu.RUnlock()
	if ok {
		return l
	}
	return s.fallback
}

// Wait blocks until n bytes of budget are available for the given
// workload, or ctx is cancelled. This is the pacing behavior used for
// reads (§4.4 "pending reads are queued, not rejected").
func (s *Set) Wait(ctx context.Context, wl Workload, n int) error {
	l := s.limiterFor(wl)
	if l.Limit() == rate.Inf {
		return l.WaitN(ctx, n)
	}
	// WaitN rejects n above the burst, so larger requests are paced in
	// burst-sized steps.
	for n > 0 {
		step := min(n, l.Burst())
		if err := l.WaitN(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}

// Allow reports whether n bytes of budget are immediately available for
// the given workload, without blocking, consuming the budget if so.
func (s *Set) Allow(wl Workload, n int) bool {
	return s.limiterFor(wl).AllowN(time.Now(), n)
}

// SetBudget updates (or adds) the budget for a workload at runtime.
func (s *Set) SetBudget(wl Workload, b Budget) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limiters[wl] = newLimiter(b)
}
