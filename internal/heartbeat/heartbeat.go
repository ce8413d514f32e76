// Package heartbeat turns registry.Event into the incremental reports a
// master expects (§6 "Heartbeat outputs"): a full report once on
// registration, then periodic deltas of {added_chunks, removed_chunks,
// medium_changed_chunks}, coalescing adds and removes that cancel out
// within one heartbeat window and chunking large deltas to a configured
// event cap. It only defines the collection and coalescing policy; the
// wire protocol that actually talks to a master is out of scope and
// lives behind the Reporter seam (Design Notes §9), the same
// construction-injected-collaborator pattern used throughout this tree.
//
// A config-driven periodic Run(ctx) loop gathers local state and hands
// it to an injected sender: a ticker plus an event-driven coalescing
// buffer fed by registry.Events().
package heartbeat

import (
	"context"
	"log/slog"
	"time"

	"datanode/internal/chunkid"
	"datanode/internal/logging"
	"datanode/internal/registry"
)

// ChunkSummary is the minimal per-chunk fact a heartbeat report carries.
type ChunkSummary struct {
	ChunkID  chunkid.ChunkID
	Location string
}

// FullReport is sent exactly once, on registration with the master.
type FullReport struct {
	Chunks []ChunkSummary
}

// Delta is one incremental heartbeat payload (§6: "{added_chunks,
// removed_chunks, medium_changed_chunks}"). MediumChanged entries are
// already split into their Added/Removed halves by the collector (§6
// "medium changes are reported as a remove-on-old-medium plus an
// add-on-new-medium pair"), so a Reporter implementation never needs to
// special-case them.
type Delta struct {
	AddedChunks   []ChunkSummary
	RemovedChunks []ChunkSummary
}

func (d Delta) empty() bool {
	return len(d.AddedChunks) == 0 && len(d.RemovedChunks) == 0
}

// Reporter is the wire-protocol seam: something that can actually talk
// to a master. internal/heartbeat never implements one itself.
type Reporter interface {
	SendFullReport(ctx context.Context, report FullReport) error
	SendDelta(ctx context.Context, delta Delta) error
}

// Config configures a Collector.
type Config struct {
	Registry *registry.Registry
	Reporter Reporter

	// Interval is how often pending events are flushed as a delta.
	Interval time.Duration
	// EventCap bounds how many chunk entries one SendDelta call carries;
	// a larger pending set is split across multiple calls (§6
	// "Incremental deltas are chunked to a configured event cap per
	// heartbeat").
	EventCap int

	Logger *slog.Logger
}

// Collector drains registry.Events(), coalesces them per window, and
// periodically hands the result to a Reporter.
type Collector struct {
	cfg    Config
	logger *slog.Logger

	adds    map[chunkid.ChunkID]ChunkSummary
	removes map[chunkid.ChunkID]ChunkSummary
}

// New builds a Collector. Call Run to start draining events.
func New(cfg Config) *Collector {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.EventCap <= 0 {
		cfg.EventCap = 1000
	}
	return &Collector{
		cfg:     cfg,
		logger:  logging.Default(cfg.Logger).With("component", "heartbeat"),
		adds:    make(map[chunkid.ChunkID]ChunkSummary),
		removes: make(map[chunkid.ChunkID]ChunkSummary),
	}
}

// Run sends the initial full report, then drains registry.Events() and
// flushes a coalesced Delta every cfg.Interval until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) error {
	if err := c.cfg.Reporter.SendFullReport(ctx, c.snapshot()); err != nil {
		return err
	}

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	events := c.cfg.Registry.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			c.absorb(ev)
		case <-ticker.C:
			c.flush(ctx)
		}
	}
}

func (c *Collector) snapshot() FullReport {
	chunks := c.cfg.Registry.List()
	out := make([]ChunkSummary, len(chunks))
	for i, ch := range chunks {
		out[i] = ChunkSummary{ChunkID: ch.ID, Location: ch.Location}
	}
	return FullReport{Chunks: out}
}

// absorb folds one registry event into the pending window, applying the
// add/remove cancellation rule of §6: "Chunks added then removed before
// a successful heartbeat cancel out."
func (c *Collector) absorb(ev registry.Event) {
	id := ev.Chunk.ID
	switch ev.Kind {
	case registry.EventAdded:
		c.adds[id] = ChunkSummary{ChunkID: id, Location: ev.Chunk.Location}
	case registry.EventRemoved:
		if _, stillPending := c.adds[id]; stillPending {
			delete(c.adds, id)
			return
		}
		c.removes[id] = ChunkSummary{ChunkID: id, Location: ev.Chunk.Location}
	case registry.EventMediumChanged:
		// If the add for this chunk hasn't been reported yet this
		// window, there's nothing to "remove" from the master's point
		// of view: just update the pending add to the new location.
		if _, stillPending := c.adds[id]; stillPending {
			c.adds[id] = ChunkSummary{ChunkID: id, Location: ev.Chunk.Location}
			return
		}
		if _, alreadyRemoving := c.removes[id]; !alreadyRemoving {
			c.removes[id] = ChunkSummary{ChunkID: id, Location: ev.PrevLocation}
		}
		c.adds[id] = ChunkSummary{ChunkID: id, Location: ev.Chunk.Location}
	}
}

// flush sends the pending window as one or more Delta calls, chunked to
// cfg.EventCap, and clears the pending state regardless of outcome: a
// delta whose delivery fails is logged and dropped, not retried, and no
// later full report re-sends it (the full report goes out only once, at
// the start of Run).
func (c *Collector) flush(ctx context.Context) {
	added := summaries(c.adds)
	removed := summaries(c.removes)
	c.adds = make(map[chunkid.ChunkID]ChunkSummary)
	c.removes = make(map[chunkid.ChunkID]ChunkSummary)

	for _, delta := range chunkDeltas(added, removed, c.cfg.EventCap) {
		if delta.empty() {
			continue
		}
		if err := c.cfg.Reporter.SendDelta(ctx, delta); err != nil {
			c.logger.Warn("heartbeat delta delivery failed", "error", err)
		}
	}
}

func summaries(m map[chunkid.ChunkID]ChunkSummary) []ChunkSummary {
	out := make([]ChunkSummary, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	return out
}

// chunkDeltas splits added/removed into Delta batches of at most cap
// total entries each.
func chunkDeltas(added, removed []ChunkSummary, eventCap int) []Delta {
	if len(added) == 0 && len(removed) == 0 {
		return nil
	}
	var out []Delta
	for len(added) > 0 || len(removed) > 0 {
		var d Delta
		remaining := eventCap
		if remaining > len(added) {
			d.AddedChunks, added = added, nil
			remaining -= len(d.AddedChunks)
		} else {
			d.AddedChunks, added = added[:remaining], added[remaining:]
			remaining = 0
		}
		if remaining > 0 {
			if remaining > len(removed) {
				d.RemovedChunks, removed = removed, nil
			} else {
				d.RemovedChunks, removed = removed[:remaining], removed[remaining:]
			}
		}
		out = append(out, d)
	}
	return out
}
