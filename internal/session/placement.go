package session

import (
	"math/rand"
	"sort"

	"datanode/internal/location"
)

// pickLocation chooses a writable location of the requested medium class
// (§4.1 "Placement fairness"): among enabled, non-full candidates, prefer
// the one with the fewest open sessions, breaking ties by the lowest
// used_space/quota utilization ratio, and breaking remaining ties with a
// small random jitter so that many nodes racing the same tie don't all
// pile onto the same disk.
func pickLocation(candidates []*location.Manager, mediumClass string) (*location.Manager, error) {
	var eligible []*location.Manager
	for _, loc := range candidates {
		if loc.Medium().Class != mediumClass {
			continue
		}
		if !loc.Enabled() || loc.IsFull() {
			continue
		}
		eligible = append(eligible, loc)
	}
	if len(eligible) == 0 {
		return nil, ErrNoLocationAvailable
	}

	jitter := make(map[*location.Manager]float64, len(eligible))
	for _, loc := range eligible {
		jitter[loc] = rand.Float64() //nolint:gosec // placement tie-break, not security sensitive
	}
	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.SessionCount() != b.SessionCount() {
			return a.SessionCount() < b.SessionCount()
		}
		if a.UtilizationRatio() != b.UtilizationRatio() {
			return a.UtilizationRatio() < b.UtilizationRatio()
		}
		return jitter[a] < jitter[b]
	})
	return eligible[0], nil
}
