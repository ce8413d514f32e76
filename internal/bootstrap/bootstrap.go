// Package bootstrap assembles one data node's full component graph from
// a plain configuration struct: locations, registry, session manager,
// block store, RPC surface, peer client and heartbeat collector, wired
// together explicitly in one constructor rather than through a DI
// container.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"datanode/internal/blockstore"
	"datanode/internal/chunkid"
	"datanode/internal/heartbeat"
	"datanode/internal/invoker"
	"datanode/internal/location"
	"datanode/internal/logging"
	"datanode/internal/memtracker"
	"datanode/internal/peerclient"
	"datanode/internal/registry"
	"datanode/internal/rpcserver"
	"datanode/internal/session"
	"datanode/internal/throttle"
)

// LocationSpec describes one on-disk storage location.
type LocationSpec struct {
	ID          string
	Root        string
	MediumClass string
	MediumIndex int

	Quota                  int64
	LowWatermark           int64
	HighWatermark          int64
	DisableWritesWatermark int64
	TrashCleanupWatermark  int64

	// Trash, when true, moves removed chunks to Root/trash instead of
	// deleting them immediately (§9 Open Question, resolved per-location).
	Trash bool
}

// ThrottleBudget configures one named workload's byte-rate limit.
type ThrottleBudget struct {
	Workload       throttle.Workload
	BytesPerSecond float64
	Burst          int
}

// PeerSpec is one statically-known peer this node can forward blocks to
// or receive peer hints about.
type PeerSpec struct {
	NodeID string
	Addr   string
}

// Config is the full static configuration for one data node.
type Config struct {
	CellGUID string
	RPCAddr  string

	Locations []LocationSpec
	Throttle  []ThrottleBudget
	Peers     []PeerSpec

	MemoryCaps map[memtracker.Category]int64
	CacheBytes int64

	HeartbeatInterval time.Duration
	HeartbeatEventCap int

	Logger *slog.Logger
}

// Node owns every component of a running data node and its lifecycle.
type Node struct {
	cfg    Config
	logger *slog.Logger

	locations []*location.Manager
	locByID   map[string]*location.Manager
	mediaIdx  map[int]string

	registry  *registry.Registry
	memory    *memtracker.Tracker
	throttle  *throttle.Set
	sessions  *session.Manager
	blocks    *blockstore.Store
	peers     *peerclient.Client
	rpc       *rpcserver.Server
	heartbeat *heartbeat.Collector
	control   *invoker.Pool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// staticResolver resolves peer node ids from the statically-configured
// Peers list; a real deployment would source this from cluster
// membership instead, which is out of scope here (§1).
type staticResolver map[string]string

func (r staticResolver) Resolve(nodeID string) (string, error) {
	addr, ok := r[nodeID]
	if !ok {
		return "", fmt.Errorf("peer %q not configured", nodeID)
	}
	return addr, nil
}

// locationRemover adapts the per-location ScheduleChunkRemoval method to
// registry.Remover, which the registry calls with the full Chunk record
// rather than just an id.
type locationRemover struct {
	byID map[string]*location.Manager
}

func (r locationRemover) ScheduleRemoval(ctx context.Context, chunk registry.Chunk) error {
	loc, ok := r.byID[chunk.Location]
	if !ok {
		return fmt.Errorf("schedule removal: unknown location %q for chunk %s", chunk.Location, chunk.ID)
	}
	return loc.ScheduleChunkRemoval(ctx, chunk.ID)
}

// logReporter is the default heartbeat.Reporter: it logs what would be
// sent instead of talking to a master, since the master wire protocol is
// an external collaborator (§1) this core never implements. A real
// deployment supplies its own Reporter over whatever transport the
// master speaks.
type logReporter struct {
	logger *slog.Logger
}

func (r logReporter) SendFullReport(_ context.Context, report heartbeat.FullReport) error {
	r.logger.Info("heartbeat full report", "chunks", len(report.Chunks))
	return nil
}

func (r logReporter) SendDelta(_ context.Context, delta heartbeat.Delta) error {
	r.logger.Info("heartbeat delta", "added", len(delta.AddedChunks), "removed", len(delta.RemovedChunks))
	return nil
}

// New builds every component and recovers existing chunks from disk, but
// does not start any background loop or bind the RPC listener; call
// Start for that.
func New(cfg Config) (*Node, error) {
	logger := logging.Default(cfg.Logger).With("component", "bootstrap")

	if len(cfg.Locations) == 0 {
		return nil, fmt.Errorf("bootstrap: at least one location is required")
	}

	budgets := make(map[throttle.Workload]throttle.Budget, len(cfg.Throttle))
	for _, b := range cfg.Throttle {
		budgets[b.Workload] = throttle.Budget{BytesPerSecond: b.BytesPerSecond, Burst: b.Burst}
	}
	throttleSet := throttle.NewSet(budgets, throttle.Budget{})

	n := &Node{
		cfg:       cfg,
		logger:    logger,
		locByID:   make(map[string]*location.Manager, len(cfg.Locations)),
		mediaIdx:  make(map[int]string, len(cfg.Locations)),
		throttle:  throttleSet,
		memory:    memtracker.New(cfg.MemoryCaps),
	}

	for _, spec := range cfg.Locations {
		policy := location.DirectDeletePolicy
		if spec.Trash {
			policy = location.NewTrashPolicy()
		}
		loc, err := location.New(location.Config{
			ID:                     spec.ID,
			Root:                   spec.Root,
			Medium:                 location.MediumDescriptor{Class: spec.MediumClass, Index: spec.MediumIndex},
			Quota:                  spec.Quota,
			LowWatermark:           spec.LowWatermark,
			HighWatermark:          spec.HighWatermark,
			DisableWritesWatermark: spec.DisableWritesWatermark,
			TrashCleanupWatermark:  spec.TrashCleanupWatermark,
			CellGUID:               cfg.CellGUID,
			RemovalPolicy:          policy,
			Throttle:               throttleSet,
			Logger:                 cfg.Logger,
		})
		if err != nil {
			n.closeLocations()
			return nil, fmt.Errorf("open location %s: %w", spec.ID, err)
		}
		n.locations = append(n.locations, loc)
		n.locByID[spec.ID] = loc
		n.mediaIdx[spec.MediumIndex] = spec.MediumClass
	}

	n.registry = registry.New(locationRemover{byID: n.locByID}, cfg.Logger)

	if err := n.recoverChunks(); err != nil {
		n.closeLocations()
		return nil, fmt.Errorf("recover chunks from disk: %w", err)
	}

	if len(cfg.Peers) > 0 {
		resolver := make(staticResolver, len(cfg.Peers))
		for _, p := range cfg.Peers {
			resolver[p.NodeID] = p.Addr
		}
		n.peers = peerclient.New(peerclient.Config{Resolver: resolver})
	}

	var forwarder session.PeerForwarder
	if n.peers != nil {
		forwarder = n.peers
	}
	n.sessions = session.New(session.Config{
		Locations: n.locations,
		Registry:  n.registry,
		Memory:    n.memory,
		Throttle:  throttleSet,
		Forwarder: forwarder,
		Logger:    cfg.Logger,
	})

	n.blocks = blockstore.New(blockstore.Config{
		Registry:   n.registry,
		Locations:  n.locations,
		CacheBytes: cfg.CacheBytes,
		Memory:     n.memory,
		Logger:     cfg.Logger,
	})

	n.rpc = rpcserver.New(rpcserver.Config{
		Sessions:     n.sessions,
		Registry:     n.registry,
		Blocks:       n.blocks,
		Locations:    n.locations,
		Throttle:     throttleSet,
		MediaByIndex: n.mediaIdx,
		Addr:         cfg.RPCAddr,
		Logger:       cfg.Logger,
	})

	n.heartbeat = heartbeat.New(heartbeat.Config{
		Registry: n.registry,
		Reporter: logReporter{logger: logger},
		Interval: cfg.HeartbeatInterval,
		EventCap: cfg.HeartbeatEventCap,
		Logger:   cfg.Logger,
	})

	n.control = invoker.New("control", 4, 64, cfg.Logger)

	return n, nil
}

// recoverChunks scans every location and registers what it finds (§4.1
// "crash recovery"), before any session or RPC traffic can reach the
// registry.
func (n *Node) recoverChunks() error {
	for _, loc := range n.locations {
		descriptors, err := loc.Scan()
		if err != nil {
			return fmt.Errorf("scan location %s: %w", loc.ID(), err)
		}
		for _, d := range descriptors {
			kind := registry.KindBlob
			switch d.ID.ObjectType() {
			case chunkid.JournalChunk, chunkid.ErasureJournalPartChunk:
				kind = registry.KindJournal
			}
			chunk := registry.Chunk{
				ID:       d.ID,
				Location: loc.ID(),
				Kind:     kind,
				Info:     registry.Info{DiskBytes: d.DataBytes, MetaBytes: d.MetaBytes},
			}
			if err := n.registry.Register(chunk); err != nil {
				return fmt.Errorf("register recovered chunk %s: %w", d.ID, err)
			}
		}
		n.logger.Info("recovered chunks from location", "location", loc.ID(), "count", len(descriptors))
	}
	return nil
}

func (n *Node) closeLocations() {
	for _, loc := range n.locations {
		loc.Close()
	}
}

// Start binds the RPC listener and starts the heartbeat and periodic
// health-check loops. It returns once the RPC listener is bound. The
// background loops run until Stop is called, independent of ctx's own
// lifetime, so a caller can cancel ctx without losing the ability to
// shut down cleanly through Stop.
func (n *Node) Start(ctx context.Context) error {
	if err := n.rpc.Start(); err != nil {
		return fmt.Errorf("start rpc server: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.heartbeat.Run(runCtx); err != nil {
			n.logger.Error("heartbeat collector stopped", "error", err)
		}
	}()

	n.wg.Add(1)
	go n.runHealthChecks(runCtx)

	n.logger.Info("node started", "rpc_addr", n.rpc.Addr(), "locations", len(n.locations))
	return nil
}

// runHealthChecks is the node's single control-loop ticker (§9 DOMAIN
// STACK: "not a generic scheduler"), fanning each tick's batch of
// per-location health-check probes out across the node-wide control
// pool every 30 seconds instead of running them one location at a time.
func (n *Node) runHealthChecks(ctx context.Context) {
	defer n.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.probeLocations(ctx)
		}
	}
}

// probeLocations runs one round of health checks across every location
// concurrently, waiting for the slowest probe before returning so two
// overlapping ticks never race on the same location. A location whose
// health check fails has its logging escalated to debug until it passes
// again, so a flaky disk leaves a detailed trail without raising
// verbosity for locations that are fine.
func (n *Node) probeLocations(ctx context.Context) {
	filter, _ := n.logger.Handler().(*logging.ComponentFilterHandler)

	var g errgroup.Group
	for _, loc := range n.locations {
		g.Go(func() error {
			return n.control.Submit(ctx, func(ctx context.Context) error {
				err := loc.RunHealthCheck(ctx)
				if filter == nil {
					if err != nil {
						n.logger.Warn("location health check failed", "location", loc.ID(), "error", err)
					}
					return nil
				}
				if err != nil {
					filter.EscalateLocation(loc.ID(), slog.LevelDebug)
					n.logger.Warn("location health check failed", "location", loc.ID(), "error", err)
				} else {
					filter.DeescalateLocation(loc.ID())
				}
				return nil
			})
		})
	}
	_ = g.Wait()
}

// Stop shuts the RPC listener down gracefully, stops the background
// loops, and closes every location. Safe to call even if Start was never
// called.
func (n *Node) Stop(ctx context.Context) error {
	if err := n.rpc.Shutdown(ctx); err != nil {
		n.logger.Error("rpc shutdown error", "error", err)
	}
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()

	n.sessions.Close()
	n.control.Close()
	n.closeLocations()
	return nil
}
