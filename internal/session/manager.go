// Package session implements the write-session manager (§4.3): the
// sliding-window block-put protocol, replication pipelining, and
// finalize-into-registry handoff. It is the most intricate subsystem,
// supporting many concurrent per-session writers that share a
// location's single serialized write lane.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"datanode/internal/chunkid"
	"datanode/internal/location"
	"datanode/internal/logging"
	"datanode/internal/memtracker"
	"datanode/internal/metafooter"
	"datanode/internal/registry"
	"datanode/internal/throttle"
)

// SessionID identifies a write session: the chunk being written plus the
// medium index it was placed on (§3 "Session").
type SessionID struct {
	ChunkID     chunkid.ChunkID
	MediumIndex int
}

func (id SessionID) String() string {
	return fmt.Sprintf("%s@%d", id.ChunkID, id.MediumIndex)
}

// SessionType classifies who is driving a session, selecting both its
// throttle workload and its placement lease policy (§3).
type SessionType int

const (
	TypeUser SessionType = iota
	TypeReplication
	TypeRepair
)

func (t SessionType) workload() throttle.Workload {
	switch t {
	case TypeReplication:
		return throttle.WorkloadReplication
	case TypeRepair:
		return throttle.WorkloadRepair
	default:
		return throttle.WorkloadUser
	}
}

// State is a session's lifecycle stage (§3).
type State int

const (
	StateWaiting State = iota
	StateRunning
	StateFinishing
	StateCancelled
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateRunning:
		return "running"
	case StateFinishing:
		return "finishing"
	case StateCancelled:
		return "cancelled"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Options configures a new session (§4.3 start).
type Options struct {
	Type          SessionType
	SyncOnClose   bool
	PlacementID   string
	MediumClass   string
	WindowSize    uint32
	LeaseDuration time.Duration
	BytesPerWrite int
}

// PeerForwarder issues the PutBlocks call used by send_blocks to push
// locally-held bytes to a replication target (§4.3 "send_blocks issues a
// PutBlocks call to the target node"). A concrete net/http implementation
// lives in internal/peerclient; this is the construction-injected seam
// (Design Notes §9) that keeps the session package free of any transport
// dependency.
type PeerForwarder interface {
	PutBlocks(ctx context.Context, target string, id SessionID, firstBlockIndex uint32, blocks [][]byte) error
}

// session is the manager's private bookkeeping for one in-flight write.
type session struct {
	mu sync.Mutex

	id      SessionID
	opts    Options
	loc     *location.Manager
	objType chunkid.ObjectType

	state State
	err   error

	writer       Writer
	window       *Window
	writeOffset  int64
	blocks       []metafooter.BlockEntry
	writtenBytes int64

	leaseDeadline time.Time
}

func (s *session) isJournal() bool {
	return s.objType == chunkid.JournalChunk || s.objType == chunkid.ErasureJournalPartChunk
}

// Config configures a Manager.
type Config struct {
	Locations []*location.Manager
	Registry  *registry.Registry
	Memory    *memtracker.Tracker
	Throttle  *throttle.Set
	Forwarder PeerForwarder
	IO        IoEngine

	DefaultWindowSize    uint32
	DefaultLeaseDuration time.Duration
	DefaultBytesPerWrite int

	Now    func() time.Time
	Logger *slog.Logger
}

// Manager owns every in-flight write session on a node (§4.3).
type Manager struct {
	cfg Config
	now func() time.Time

	registry  *registry.Registry
	memory    *memtracker.Tracker
	throttle  *throttle.Set
	forwarder PeerForwarder
	io        IoEngine
	logger    *slog.Logger

	mu        sync.Mutex
	locations []*location.Manager
	sessions  map[SessionID]*session

	closeCh chan struct{}
	wg      sync.WaitGroup
}

// New constructs a Manager. It starts a background lease-sweep loop that
// cancels sessions with an expired lease; call Close to stop it.
func New(cfg Config) *Manager {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.DefaultWindowSize == 0 {
		cfg.DefaultWindowSize = 64
	}
	if cfg.DefaultLeaseDuration == 0 {
		cfg.DefaultLeaseDuration = 30 * time.Second
	}
	if cfg.DefaultBytesPerWrite == 0 {
		cfg.DefaultBytesPerWrite = 1 << 20
	}
	if cfg.IO == nil {
		cfg.IO = NewFileIoEngine()
	}

	m := &Manager{
		cfg:       cfg,
		now:       cfg.Now,
		registry:  cfg.Registry,
		memory:    cfg.Memory,
		throttle:  cfg.Throttle,
		forwarder: cfg.Forwarder,
		io:        cfg.IO,
		logger:    logging.Default(cfg.Logger).With("component", "session-manager"),
		locations: cfg.Locations,
		sessions:  make(map[SessionID]*session),
		closeCh:   make(chan struct{}),
	}
	m.wg.Add(1)
	go m.leaseSweepLoop()
	return m
}

// Close stops the lease-sweep loop. In-flight sessions are left as-is;
// callers that want a clean shutdown should cancel them first.
func (m *Manager) Close() {
	close(m.closeCh)
	m.wg.Wait()
}

func (m *Manager) leaseSweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweepExpiredLeases()
		case <-m.closeCh:
			return
		}
	}
}

func (m *Manager) sweepExpiredLeases() {
	now := m.now()
	m.mu.Lock()
	var expired []*session
	for _, s := range m.sessions {
		s.mu.Lock()
		if (s.state == StateWaiting || s.state == StateRunning) && now.After(s.leaseDeadline) {
			expired = append(expired, s)
		}
		s.mu.Unlock()
	}
	m.mu.Unlock()

	for _, s := range expired {
		m.logger.Warn("session lease expired", "session", s.id)
		_ = m.Cancel(s.id, fmt.Errorf("%w: lease expired", ErrSessionCancelled))
	}
}

// Start opens a new session (§4.3 start). It picks a location of the
// requested medium class, creates the session record, opens the on-disk
// writer (truncating any stale file), and installs the lease.
func (m *Manager) Start(ctx context.Context, id SessionID, opts Options) error {
	if opts.WindowSize == 0 {
		opts.WindowSize = m.cfg.DefaultWindowSize
	}
	if opts.LeaseDuration == 0 {
		opts.LeaseDuration = m.cfg.DefaultLeaseDuration
	}
	if opts.BytesPerWrite == 0 {
		opts.BytesPerWrite = m.cfg.DefaultBytesPerWrite
	}

	m.mu.Lock()
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionAlreadyExists, id)
	}
	locations := m.locations
	m.mu.Unlock()

	loc, err := pickLocation(locations, opts.MediumClass)
	if err != nil {
		return err
	}

	writer, err := m.io.Open(loc, id)
	if err != nil {
		return fmt.Errorf("open session writer: %w", err)
	}

	s := &session{
		id:            id,
		opts:          opts,
		loc:           loc,
		objType:       id.ChunkID.ObjectType(),
		state:         StateRunning,
		writer:        writer,
		window:        NewWindow(opts.WindowSize),
		leaseDeadline: m.now().Add(opts.LeaseDuration),
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	loc.UpdateSessionCount(1)
	m.logger.Info("session started", "session", id, "location", loc.ID(), "type", opts.Type)
	return nil
}

func (m *Manager) lookup(id SessionID) (*session, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchSession, id)
	}
	return s, nil
}

// PutBlocks accepts a streaming batch of blocks into the session's
// sliding window and opportunistically drains any contiguous prefix to
// disk (§4.3 put_blocks).
func (m *Manager) PutBlocks(ctx context.Context, id SessionID, firstBlockIndex uint32, blocks [][]byte, populateCache bool) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state != StateRunning {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: session is %s", ErrNoSuchSession, state)
	}
	if s.loc.WritesDisabled() {
		s.mu.Unlock()
		return location.ErrNoSpaceLeft
	}
	s.mu.Unlock()

	var totalBytes int64
	for _, b := range blocks {
		totalBytes += int64(len(b))
	}

	if m.memory != nil && !m.memory.Reserve(memtracker.CategorySession, totalBytes) {
		return ErrWriteThrottlingActive
	}
	if m.throttle != nil {
		if err := m.throttle.Wait(ctx, s.opts.Type.workload(), int(totalBytes)); err != nil {
			if m.memory != nil {
				m.memory.Release(memtracker.CategorySession, totalBytes)
			}
			return err
		}
	}

	s.mu.Lock()
	for i, b := range blocks {
		idx := firstBlockIndex + uint32(i) //nolint:gosec // block counts bounded by window size
		if err := s.window.Put(idx, b); err != nil {
			s.mu.Unlock()
			if m.memory != nil {
				m.memory.Release(memtracker.CategorySession, totalBytes)
			}
			return err
		}
	}
	s.mu.Unlock()

	m.drainWindow(ctx, s)
	return nil
}

// drainWindow writes every contiguous run of Received blocks currently
// at the front of the window to disk, on the location's serialized write
// lane, freeing their memory-tracker reservations as they land.
func (m *Manager) drainWindow(ctx context.Context, s *session) {
	for {
		startIdx, runBlocks, ok := s.window.TryBeginWrite()
		if !ok {
			return
		}

		err := s.loc.GetWriteInvoker().Submit(ctx, func(context.Context) error {
			return m.writeRun(s, startIdx, runBlocks)
		})

		// A failed run cancels the session before EndWrite wakes any
		// flush waiters, so FlushBlocks reports the cancellation rather
		// than success.
		if err != nil {
			m.logger.Error("session write failed", "session", s.id, "error", err)
			_ = m.Cancel(s.id, err)
		}
		s.window.EndWrite(len(runBlocks))

		var n int64
		for _, b := range runBlocks {
			n += int64(len(b))
		}
		if m.memory != nil {
			m.memory.Release(memtracker.CategorySession, n)
		}

		if err != nil {
			return
		}
	}
}

func (s *session) isBytesPerWrite() int {
	if s.opts.BytesPerWrite <= 0 {
		return 1 << 20
	}
	return s.opts.BytesPerWrite
}

// writeRun writes a contiguous run of blocks starting at startIdx,
// batched up to the session's bytes_per_write (§4.3 "batched up to
// bytes_per_write"), and records each block's final offset/size for the
// chunk-meta footer written at finish.
func (m *Manager) writeRun(s *session, startIdx uint32, blocks [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := s.isBytesPerWrite()
	var batch []byte
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		_, err := s.writer.WriteAt(batch, s.writeOffset)
		if err != nil {
			return err
		}
		s.writeOffset += int64(len(batch))
		s.loc.UpdateUsedSpace(int64(len(batch)))
		batch = batch[:0]
		return nil
	}

	for _, b := range blocks {
		entry := metafooter.BlockEntry{Offset: s.writeOffset + int64(len(batch)), Size: uint32(len(b))} //nolint:gosec // block sizes bounded by protocol
		s.blocks = append(s.blocks, entry)
		s.writtenBytes += int64(len(b))
		batch = append(batch, b...)
		if len(batch) >= limit {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

// SendBlocks forwards the locally-held bytes of a block range to a
// replication target (§4.3 send_blocks). Journal sessions reject this
// (I9).
func (m *Manager) SendBlocks(ctx context.Context, id SessionID, firstBlockIndex uint32, count uint32, target string) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	if s.isJournal() {
		return ErrJournalNoSendBlocks
	}
	if m.forwarder == nil {
		return fmt.Errorf("%w: no forwarder configured", ErrPipelineFailed)
	}

	blocks := make([][]byte, 0, count)
	for i := range count {
		idx := firstBlockIndex + i
		if s.window.Slot(idx) == SlotEmpty {
			return fmt.Errorf("%w: block %d not yet received", ErrWindowOutOfRange, idx)
		}
		data, ok := s.window.PeekReceived(idx)
		if !ok {
			return fmt.Errorf("%w: block %d already flushed locally, cannot forward from memory", ErrPipelineFailed, idx)
		}
		blocks = append(blocks, data)
	}

	if err := m.forwarder.PutBlocks(ctx, target, id, firstBlockIndex, blocks); err != nil {
		return fmt.Errorf("%w: %w", ErrPipelineFailed, err)
	}
	return nil
}

// FlushBlocks blocks until every block up to and including blockIndex is
// durably written (and fsynced, if sync_on_close) (§4.3 flush_blocks).
func (m *Manager) FlushBlocks(ctx context.Context, id SessionID, blockIndex uint32) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}

	m.drainWindow(ctx, s)
	if err := s.window.WaitFlush(ctx, blockIndex); err != nil {
		return err
	}

	s.mu.Lock()
	syncOnClose := s.opts.SyncOnClose
	writer := s.writer
	cancelled := s.state == StateCancelled
	s.mu.Unlock()
	if cancelled {
		return fmt.Errorf("%w: %s", ErrSessionCancelled, id)
	}
	if syncOnClose {
		return writer.Sync()
	}
	return nil
}

// Ping renews the session's lease (§4.3 ping).
func (m *Manager) Ping(id SessionID) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateWaiting && s.state != StateRunning {
		return fmt.Errorf("%w: session is %s", ErrNoSuchSession, s.state)
	}
	s.leaseDeadline = m.now().Add(s.opts.LeaseDuration)
	return nil
}

// Cancel voluntarily aborts a session, rolling back its partial write
// like an I/O failure would (§4.3, §5 "Cancellation").
func (m *Manager) Cancel(id SessionID, cause error) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state == StateCancelled || s.state == StateFinished {
		s.mu.Unlock()
		return nil
	}
	s.state = StateCancelled
	s.err = cause
	written := s.writtenBytes
	writer := s.writer
	loc := s.loc
	s.mu.Unlock()

	_ = writer.Close()
	m.io.Discard(loc, id)
	loc.UpdateUsedSpace(-written)
	loc.UpdateSessionCount(-1)

	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()

	m.logger.Info("session cancelled", "session", id, "cause", cause)
	return nil
}

// Finish finalizes a session into a registered chunk (§4.3 finish, I4).
func (m *Manager) Finish(ctx context.Context, id SessionID, meta metafooter.Footer, expectedBlockCount *uint32) (registry.Chunk, error) {
	s, err := m.lookup(id)
	if err != nil {
		return registry.Chunk{}, err
	}

	m.drainWindow(ctx, s)

	s.mu.Lock()
	if s.state != StateRunning {
		state := s.state
		s.mu.Unlock()
		return registry.Chunk{}, fmt.Errorf("%w: session is %s", ErrNoSuchSession, state)
	}
	s.state = StateFinishing
	highest := s.window.HighestIndex()
	start := s.window.Start()
	s.mu.Unlock()

	if highest+1 != int64(start) {
		_ = m.Cancel(id, ErrWindowNotFullyWritten)
		return registry.Chunk{}, ErrWindowNotFullyWritten
	}
	if expectedBlockCount != nil && int64(*expectedBlockCount) != highest+1 {
		_ = m.Cancel(id, ErrBlockCountMismatch)
		return registry.Chunk{}, ErrBlockCountMismatch
	}

	if s.isJournal() {
		return m.finishJournal(s, highest)
	}
	return m.finishBlob(s, meta)
}

func (m *Manager) finishBlob(s *session, meta metafooter.Footer) (registry.Chunk, error) {
	s.mu.Lock()
	meta.Blocks = s.blocks
	syncOnClose := s.opts.SyncOnClose
	writer := s.writer
	loc := s.loc
	s.mu.Unlock()

	if syncOnClose {
		if err := writer.Sync(); err != nil {
			_ = m.Cancel(s.id, err)
			return registry.Chunk{}, fmt.Errorf("%w: %w", ErrPipelineFailed, err)
		}
	}
	_ = writer.Close()

	footer := metafooter.Encode(meta)
	dataBytes, metaBytes, err := m.io.Finalize(loc, s.id, footer)
	if err != nil {
		_ = m.Cancel(s.id, err)
		return registry.Chunk{}, err
	}

	chunk := registry.Chunk{
		ID:       s.id.ChunkID,
		Location: loc.ID(),
		Kind:     registry.KindBlob,
		Info: registry.Info{
			DiskBytes: dataBytes,
			MetaBytes: metaBytes,
		},
	}
	return m.commit(s, chunk)
}

// commit registers the already-finalized chunk. A Register failure here
// means a duplicate chunk id slipped through (I1: fatal by construction,
// since chunk ids are freshly generated per New), not a condition this
// path tries to gracefully unwind beyond tearing down the session entry.
func (m *Manager) commit(s *session, chunk registry.Chunk) (registry.Chunk, error) {
	if err := m.registry.Register(chunk); err != nil {
		_ = m.Cancel(s.id, err)
		return registry.Chunk{}, err
	}

	s.mu.Lock()
	s.state = StateFinished
	s.mu.Unlock()

	s.loc.UpdateSessionCount(-1)
	m.mu.Lock()
	delete(m.sessions, s.id)
	m.mu.Unlock()

	m.logger.Info("session finished", "session", s.id, "chunk", chunk.ID)
	return chunk, nil
}
