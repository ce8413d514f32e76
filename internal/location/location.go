// Package location implements the per-disk storage substrate (§4.1):
// layout on disk, free-space accounting, named I/O invoker lanes,
// health, and quota/watermark policy. I/O is split into three
// independently-sized named lanes (meta-read, data-read, write) that New
// creates per location from the worker counts in Config, rather than
// routing through a hidden global dispatcher.
package location

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"datanode/internal/chunkid"
	"datanode/internal/invoker"
	"datanode/internal/logging"
	"datanode/internal/throttle"
)

var (
	ErrMissingRoot        = errors.New("location root directory is required")
	ErrCellGUIDMismatch   = errors.New("cell guid mismatch")
	ErrCellGUIDMissing    = errors.New("cell guid file missing")
	ErrLocationDisabled   = errors.New("location is disabled")
	ErrNoSpaceLeft        = errors.New("no space left on device")
	ErrManagerClosed      = errors.New("location manager closed")
)

// MediumDescriptor names a logical storage class and its index among
// locations of the same class (§3 "Location").
type MediumDescriptor struct {
	Class string
	Index int
}

// Direction discriminates pending I/O byte accounting.
type Direction int

const (
	DirectionIn Direction = iota
	DirectionOut
)

// RemovalPolicy decides how schedule_chunk_removal disposes of a chunk's
// files: immediate delete or move to trash/ for delayed GC. The choice
// is per-medium (§9 Open Question), modeled as a policy hook (interface
// + func adapter) rather than a hard-coded branch.
type RemovalPolicy interface {
	Dispose(ctx context.Context, m *Manager, dataPath, metaPath string) error
}

// RemovalPolicyFunc adapts an ordinary function to RemovalPolicy.
type RemovalPolicyFunc func(ctx context.Context, m *Manager, dataPath, metaPath string) error

func (f RemovalPolicyFunc) Dispose(ctx context.Context, m *Manager, dataPath, metaPath string) error {
	return f(ctx, m, dataPath, metaPath)
}

// DirectDeletePolicy removes both files immediately.
var DirectDeletePolicy RemovalPolicy = RemovalPolicyFunc(func(_ context.Context, _ *Manager, dataPath, metaPath string) error {
	return removeBoth(dataPath, metaPath)
})

// NewTrashPolicy moves both files into the location's trash/ subtree
// instead of deleting them immediately, for delayed GC by a periodic
// trash sweep.
func NewTrashPolicy() RemovalPolicy {
	return RemovalPolicyFunc(func(_ context.Context, m *Manager, dataPath, metaPath string) error {
		trashDir := filepath.Join(m.cfg.Root, "trash")
		if err := os.MkdirAll(trashDir, 0o755); err != nil {
			return err
		}
		for _, p := range []string{dataPath, metaPath} {
			if p == "" {
				continue
			}
			dest := filepath.Join(trashDir, filepath.Base(p))
			if err := os.Rename(p, dest); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
		return nil
	})
}

func removeBoth(dataPath, metaPath string) error {
	for _, p := range []string{dataPath, metaPath} {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// Config configures a Manager: a plain struct passed to New, with a Now
// hook so tests control time.
type Config struct {
	ID       string
	Root     string
	Medium   MediumDescriptor
	FileMode os.FileMode

	Quota                  int64
	LowWatermark           int64
	HighWatermark          int64
	DisableWritesWatermark int64
	TrashCleanupWatermark  int64

	CellGUID string // required cluster cell identifier recorded at Root/cell_guid

	DataReadWorkers int
	MetaReadWorkers int
	WriteWorkers    int

	RemovalPolicy RemovalPolicy
	Throttle      *throttle.Set

	Now    func() time.Time
	Logger *slog.Logger
}

// ChunkDescriptor is one chunk recovered by Scan.
type ChunkDescriptor struct {
	ID        chunkid.ChunkID
	DataBytes int64
	MetaBytes int64
}

// Manager owns one physical storage directory (§4.1).
type Manager struct {
	cfg Config
	now func() time.Time

	dataReadInvoker *invoker.Pool
	metaReadInvoker *invoker.Pool
	writeInvoker    *invoker.Pool

	throttle *throttle.Set
	logger   *slog.Logger

	mu                sync.Mutex
	availableSpace    int64
	usedSpace         int64
	sessionCount      int
	enabled           bool
	sick              bool
	closed            bool
	consecutiveHealthFailures int
	pendingIO         [2]int64 // indexed by Direction
}

// New constructs a Manager for the given configuration. It does not scan
// the directory; call Scan separately once construction succeeds.
func New(cfg Config) (*Manager, error) {
	if cfg.Root == "" {
		return nil, ErrMissingRoot
	}
	if cfg.FileMode == 0 {
		cfg.FileMode = 0o644
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.RemovalPolicy == nil {
		cfg.RemovalPolicy = DirectDeletePolicy
	}
	if cfg.DataReadWorkers <= 0 {
		cfg.DataReadWorkers = 4
	}
	if cfg.MetaReadWorkers <= 0 {
		cfg.MetaReadWorkers = 2
	}
	if cfg.WriteWorkers <= 0 {
		cfg.WriteWorkers = 1
	}

	logger := logging.Default(cfg.Logger).With("component", "location", "location_id", cfg.ID)

	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create location root: %w", err)
	}
	for _, sub := range []string{"trash", "sessions"} {
		if err := os.MkdirAll(filepath.Join(cfg.Root, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create %s dir: %w", sub, err)
		}
	}
	if err := checkCellGUID(cfg.Root, cfg.CellGUID); err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:            cfg,
		now:            cfg.Now,
		availableSpace: cfg.Quota,
		enabled:        true,
		throttle:       cfg.Throttle,
		logger:         logger,
	}
	m.dataReadInvoker = invoker.New("data-read", cfg.DataReadWorkers, cfg.DataReadWorkers*4, logger)
	m.metaReadInvoker = invoker.New("meta-read", cfg.MetaReadWorkers, cfg.MetaReadWorkers*4, logger)
	m.writeInvoker = invoker.New("write", cfg.WriteWorkers, cfg.WriteWorkers*8, logger)

	return m, nil
}

func checkCellGUID(root, want string) error {
	path := filepath.Join(root, "cell_guid")
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		if want == "" {
			return nil
		}
		return os.WriteFile(path, []byte(want), 0o644)
	}
	got := string(data)
	if want != "" && got != want {
		return fmt.Errorf("%w: have %q, want %q", ErrCellGUIDMismatch, got, want)
	}
	return nil
}

// Close drains and stops the invoker pools. After Close, ScheduleChunkRemoval
// and RunHealthCheck return ErrManagerClosed instead of submitting to a
// pool that is no longer accepting work.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.dataReadInvoker.Close()
	m.metaReadInvoker.Close()
	m.writeInvoker.Close()
}

// isClosed reports whether Close has already been called.
func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// ID returns the location's identifier.
func (m *Manager) ID() string { return m.cfg.ID }

// Root returns the location's root directory.
func (m *Manager) Root() string { return m.cfg.Root }

// Medium returns the location's medium descriptor.
func (m *Manager) Medium() MediumDescriptor { return m.cfg.Medium }

// GetDataReadInvoker returns the data-read lane.
func (m *Manager) GetDataReadInvoker() *invoker.Pool { return m.dataReadInvoker }

// GetMetaReadInvoker returns the meta-read lane.
func (m *Manager) GetMetaReadInvoker() *invoker.Pool { return m.metaReadInvoker }

// GetWriteInvoker returns the single serialized write lane.
func (m *Manager) GetWriteInvoker() *invoker.Pool { return m.writeInvoker }

// GetChunkPath returns the deterministic "hh/X.data" / "hh/X.ext" path
// for a chunk id, fanned out by the id's low byte (§6 on-disk layout).
func (m *Manager) GetChunkPath(id chunkid.ChunkID, ext string) string {
	sub := hex.EncodeToString([]byte{id.LowByte()})
	return filepath.Join(m.cfg.Root, sub, id.String()+"."+ext)
}

// EnsureChunkDir returns the fan-out subdirectory for id, creating it if
// necessary.
func (m *Manager) EnsureChunkDir(id chunkid.ChunkID) (string, error) {
	sub := hex.EncodeToString([]byte{id.LowByte()})
	dir := filepath.Join(m.cfg.Root, sub)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// IsFull reports whether available_space has crossed below
// high_watermark (§4.1 watermark policy).
func (m *Manager) IsFull() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.availableSpace < m.cfg.HighWatermark
}

// HasEnoughSpace reports whether writing n more bytes would still leave
// available_space at or above high_watermark.
func (m *Manager) HasEnoughSpace(n int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.availableSpace-n >= m.cfg.HighWatermark
}

// WritesDisabled reports whether available_space has crossed below
// disable_writes_watermark, at which point all in-progress writes must
// fail (§4.1).
func (m *Manager) WritesDisabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.availableSpace < m.cfg.DisableWritesWatermark
}

// BelowTrashCleanupWatermark reports whether the periodic trash scanner
// should run.
func (m *Manager) BelowTrashCleanupWatermark() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.availableSpace < m.cfg.TrashCleanupWatermark
}

// Enabled reports whether the location currently accepts new sessions.
func (m *Manager) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled && !m.sick
}

// UpdateUsedSpace adjusts used/available space by delta bytes (positive
// on write, negative on delete or rollback).
func (m *Manager) UpdateUsedSpace(delta int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usedSpace += delta
	m.availableSpace -= delta
}

// UpdateSessionCount adjusts the number of open sessions on this
// location, used by placement fairness (§4.1).
func (m *Manager) UpdateSessionCount(delta int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionCount += delta
}

// SessionCount and UtilizationRatio are used together by session
// placement (session_count, used_space/quota) lexicographic ordering
// (§4.1 "Placement fairness").
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionCount
}

func (m *Manager) UtilizationRatio() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg.Quota == 0 {
		return 0
	}
	return float64(m.usedSpace) / float64(m.cfg.Quota)
}

// PendingIOBytes returns the outstanding byte count for the given
// direction (§4.1 "Pending I/O accounting").
func (m *Manager) PendingIOBytes(dir Direction) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pendingIO[dir]
}

// BeginIO declares n bytes of I/O about to start in the given direction;
// the returned func must be called on completion to decrement it.
func (m *Manager) BeginIO(dir Direction, n int64) func() {
	m.mu.Lock()
	m.pendingIO[dir] += n
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		m.pendingIO[dir] -= n
		if m.pendingIO[dir] < 0 {
			m.pendingIO[dir] = 0
		}
		m.mu.Unlock()
	}
}

// ScheduleChunkRemoval enqueues a write-lane task that deletes (or
// trashes, per RemovalPolicy) both files of a chunk. It is guaranteed to
// run on the write invoker, serialized with other writes to this
// location, and is only ever invoked by the registry once all read-locks
// have been released (§4.2).
func (m *Manager) ScheduleChunkRemoval(ctx context.Context, id chunkid.ChunkID) error {
	if m.isClosed() {
		return ErrManagerClosed
	}
	dataPath := m.GetChunkPath(id, "data")
	metaPath := m.GetChunkPath(id, "meta")
	return m.writeInvoker.Submit(ctx, func(ctx context.Context) error {
		return m.cfg.RemovalPolicy.Dispose(ctx, m, dataPath, metaPath)
	})
}

// MarkFatalError disables the location following a fatal filesystem
// error on write close (§4.1 "any other I/O error from write close is
// fatal: location disables"). ENOSPC must not be passed here — it is
// non-fatal (session aborts, location stays up).
func (m *Manager) MarkFatalError(err error) {
	m.mu.Lock()
	m.enabled = false
	m.mu.Unlock()
	m.logger.Error("location disabled after fatal I/O error", "error", err)
}

// RunHealthCheck writes, reads back, and removes a small probe file.
// Two consecutive failures disable the location (§4.1 "Health").
func (m *Manager) RunHealthCheck(ctx context.Context) error {
	if m.isClosed() {
		return ErrManagerClosed
	}
	probePath := filepath.Join(m.cfg.Root, fmt.Sprintf(".health-probe-%d", rand.Int63()))
	payload := []byte("probe")

	writeErr := m.writeInvoker.Submit(ctx, func(context.Context) error {
		return os.WriteFile(probePath, payload, 0o644)
	})
	var readErr error
	if writeErr == nil {
		readErr = m.dataReadInvoker.Submit(ctx, func(context.Context) error {
			_, err := os.ReadFile(probePath)
			return err
		})
	}
	_ = os.Remove(probePath)

	err := writeErr
	if err == nil {
		err = readErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.consecutiveHealthFailures++
		if m.consecutiveHealthFailures >= 2 {
			m.sick = true
			m.logger.Error("location marked sick after repeated health-check failures", "error", err)
		}
		return err
	}
	m.consecutiveHealthFailures = 0
	m.sick = false
	return nil
}

// Scan enumerates existing chunk files on disk, validates that .data and
// .meta companion files exist in pairs, garbage-collects orphaned
// singletons, and reports every recovered chunk (§4.1).
func (m *Manager) Scan() ([]ChunkDescriptor, error) {
	var out []ChunkDescriptor
	entries, err := os.ReadDir(m.cfg.Root)
	if err != nil {
		return nil, err
	}
	for _, sub := range entries {
		if !sub.IsDir() || len(sub.Name()) != 2 {
			continue
		}
		if sub.Name() == "trash" || sub.Name() == "sessions" {
			continue
		}
		subPath := filepath.Join(m.cfg.Root, sub.Name())
		files, err := os.ReadDir(subPath)
		if err != nil {
			return nil, err
		}
		pairs := make(map[string]*ChunkDescriptor)
		order := make(map[string]int)
		for i, f := range files {
			if f.IsDir() {
				continue
			}
			ext := filepath.Ext(f.Name())
			base := f.Name()[:len(f.Name())-len(ext)]
			id, err := chunkid.Parse(base)
			if err != nil {
				continue
			}
			info, err := f.Info()
			if err != nil {
				return nil, err
			}
			d, ok := pairs[base]
			if !ok {
				d = &ChunkDescriptor{ID: id}
				pairs[base] = d
				order[base] = i
			}
			switch ext {
			case ".data":
				d.DataBytes = info.Size()
			case ".meta":
				d.MetaBytes = info.Size()
			}
		}
		for base, d := range pairs {
			dataPath := filepath.Join(subPath, base+".data")
			metaPath := filepath.Join(subPath, base+".meta")
			_, dataErr := os.Stat(dataPath)
			_, metaErr := os.Stat(metaPath)
			if dataErr != nil || metaErr != nil {
				// Orphaned singleton: garbage-collect it.
				_ = os.Remove(dataPath)
				_ = os.Remove(metaPath)
				continue
			}
			out = append(out, *d)
		}
	}
	return out, nil
}
