// Package blockstore implements the read-path block cache (§4.4): a
// weight-limited, content-addressed cache of decoded blocks backed by
// single-flight disk fetches, cooperating with the registry's read-lock
// protocol so a chunk scheduled for removal is never read from after
// its files start disappearing.
package blockstore

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"datanode/internal/chunkid"
	"datanode/internal/location"
	"datanode/internal/logging"
	"datanode/internal/memtracker"
	"datanode/internal/metafooter"
	"datanode/internal/registry"
)

// maxCacheEntries bounds the underlying LRU by entry count only to keep
// hashicorp/golang-lru happy (it requires a positive size); the real
// capacity this store enforces is byte-weight, not entry count, via the
// RemoveOldest loop in insertLocked.
const maxCacheEntries = 1 << 20

// Block is one decoded block returned by a range or set read.
type Block struct {
	Index uint32
	Data  []byte
}

// Config configures a Store.
type Config struct {
	Registry  *registry.Registry
	Locations []*location.Manager
	// CacheBytes is the total byte-weight budget across all cached
	// blocks. Zero means unbounded (eviction never triggers).
	CacheBytes int64
	Memory     *memtracker.Tracker
	Logger     *slog.Logger
}

// Store is the block cache and disk-read path for one node.
type Store struct {
	reg    *registry.Registry
	locs   map[string]*location.Manager
	mem    *memtracker.Tracker
	logger *slog.Logger

	capacity int64

	mu     sync.Mutex
	cache  *lru.Cache
	weight int64

	fetchMu sync.Mutex
	fetches map[chunkid.BlockID]*blockFetch
}

// blockFetch is the in-flight state for one block's disk read: the first
// caller for a given BlockID runs fn in the background and publishes its
// result to the cache (I6); concurrent callers for the same BlockID wait
// on done and receive the same result, without issuing their own disk
// read. The fetch runs independently of any single caller's context, so
// one caller giving up does not abort the read for the others still
// waiting on it.
type blockFetch struct {
	done chan struct{}
	err  error
}

// fetchOnce starts fn in the background if no fetch is already in flight
// for bid, then waits for either that fetch to finish or ctx to expire.
func (s *Store) fetchOnce(ctx context.Context, bid chunkid.BlockID, fn func() error) error {
	s.fetchMu.Lock()
	if s.fetches == nil {
		s.fetches = make(map[chunkid.BlockID]*blockFetch)
	}
	f, inFlight := s.fetches[bid]
	if !inFlight {
		f = &blockFetch{done: make(chan struct{})}
		s.fetches[bid] = f
	}
	s.fetchMu.Unlock()

	if !inFlight {
		go func() {
			f.err = fn()
			close(f.done)

			s.fetchMu.Lock()
			delete(s.fetches, bid)
			s.fetchMu.Unlock()
		}()
	}

	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func New(cfg Config) *Store {
	locs := make(map[string]*location.Manager, len(cfg.Locations))
	for _, l := range cfg.Locations {
		locs[l.ID()] = l
	}
	s := &Store{
		reg:      cfg.Registry,
		locs:     locs,
		mem:      cfg.Memory,
		logger:   logging.Default(cfg.Logger).With("component", "blockstore"),
		capacity: cfg.CacheBytes,
	}
	cache, err := lru.NewWithEvict(maxCacheEntries, s.onEvicted)
	if err != nil {
		// maxCacheEntries is a positive constant; NewWithEvict only
		// fails for size <= 0.
		panic(err)
	}
	s.cache = cache
	return s
}

type cachedBlock struct {
	data     []byte
	reserved bool
}

func (s *Store) onEvicted(key, value any) {
	blk := value.(cachedBlock)
	s.weight -= int64(len(blk.data))
	if s.mem != nil && blk.reserved {
		s.mem.Release(memtracker.CategoryBlockCache, int64(len(blk.data)))
	}
}

// FindCachedBlock is a pure cache lookup; it performs no I/O.
func (s *Store) FindCachedBlock(id chunkid.BlockID) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.cache.Get(id)
	if !ok {
		return nil, false
	}
	return v.(cachedBlock).data, true
}

// PutCachedBlock proactively populates the cache, used by the
// peer-distribution path to seed blocks this node didn't itself fetch
// from disk. Since the cache is content-addressed, a pre-existing entry
// with different bytes for the same id is a fatal mismatch (I6's
// single-writer-per-key guarantee would otherwise be silently violated).
func (s *Store) PutCachedBlock(id chunkid.BlockID, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.cache.Get(id); ok {
		if !bytes.Equal(v.(cachedBlock).data, data) {
			return fmt.Errorf("%w: %s", ErrBlockContentMismatch, id)
		}
		return nil
	}
	s.insertLocked(id, data)
	return nil
}

func (s *Store) insertLocked(id chunkid.BlockID, data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)

	reserved := true
	if s.mem != nil {
		reserved = s.mem.Reserve(memtracker.CategoryBlockCache, int64(len(cp)))
		if !reserved {
			s.logger.Debug("block-cache memory budget exceeded, caching without reservation", "block", id)
		}
	}

	s.cache.Add(id, cachedBlock{data: cp, reserved: reserved})
	s.weight += int64(len(cp))

	for s.capacity > 0 && s.weight > s.capacity {
		if _, _, ok := s.cache.RemoveOldest(); !ok {
			break
		}
	}
}

// evictChunk drops every cached block belonging to id, used when a read
// lock acquisition fails because removal has already been scheduled.
func (s *Store) evictChunk(id chunkid.ChunkID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.cache.Keys() {
		bid := k.(chunkid.BlockID)
		if bid.ChunkID == id {
			s.cache.Remove(bid)
		}
	}
}

// CacheWeight reports the current total byte-weight of cached blocks.
func (s *Store) CacheWeight() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.weight
}

// PendingReadBytes reports the outstanding disk-read byte count for
// locationID, used to decide whether new fetches should be queued
// rather than issued immediately.
func (s *Store) PendingReadBytes(locationID string) int64 {
	loc, ok := s.locs[locationID]
	if !ok {
		return 0
	}
	return loc.PendingIOBytes(location.DirectionIn)
}

// ReadOptions adjusts read_block_range / read_block_set behavior.
type ReadOptions struct {
	// SkipCache bypasses both the cache lookup and the cache-populating
	// single-flight path, going straight to disk on every call. Used for
	// workloads (§6 GetBlockSet/GetBlockRange "populate_cache") that
	// would otherwise flush useful entries out of a shared cache with a
	// single large scan.
	SkipCache bool
}

// ReadBlockRange reads count blocks starting at first, for a contiguous
// read. It may return fewer blocks than requested if the chunk ends
// earlier: for blob chunks that is an error, for journal chunks it is an
// empty suffix.
func (s *Store) ReadBlockRange(ctx context.Context, id chunkid.ChunkID, first, count uint32, opts ReadOptions) ([]Block, error) {
	loc, footer, release, err := s.openForRead(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	isJournal := id.ObjectType() == chunkid.JournalChunk || id.ObjectType() == chunkid.ErasureJournalPartChunk

	out := make([]Block, 0, count)
	for i := uint32(0); i < count; i++ {
		idx := first + i
		if int(idx) >= len(footer.Blocks) {
			if isJournal {
				break
			}
			return nil, fmt.Errorf("%w: block %d of chunk %s", ErrBlockNotFound, idx, id)
		}
		data, err := s.fetchBlock(ctx, loc, id, idx, footer, opts)
		if err != nil {
			return nil, err
		}
		out = append(out, Block{Index: idx, Data: data})
	}
	return out, nil
}

// ReadBlockSet performs a random-access read of indices. Missing blocks
// are returned as absent (nil) entries at their slot rather than errors.
func (s *Store) ReadBlockSet(ctx context.Context, id chunkid.ChunkID, indices []uint32, opts ReadOptions) ([]*Block, error) {
	loc, footer, release, err := s.openForRead(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	out := make([]*Block, len(indices))
	for i, idx := range indices {
		if int(idx) >= len(footer.Blocks) {
			continue
		}
		data, err := s.fetchBlock(ctx, loc, id, idx, footer, opts)
		if err != nil {
			continue
		}
		out[i] = &Block{Index: idx, Data: data}
	}
	return out, nil
}

// openForRead resolves id's location and chunk-meta footer, acquiring a
// registry read-lock that must be released by the caller. A chunk that
// is not registered (for example because its removal has completed), or
// whose read-lock cannot be acquired because removal is scheduled, has
// its cache entries evicted and yields ErrChunkUnavailable; the
// not-registered case also wraps registry.ErrChunkNotFound (§4.2/§4.4
// cooperation).
func (s *Store) openForRead(ctx context.Context, id chunkid.ChunkID) (*location.Manager, metafooter.Footer, func(), error) {
	chunk, ok := s.reg.Find(id)
	if !ok {
		s.evictChunk(id)
		return nil, metafooter.Footer{}, nil, fmt.Errorf("%w: %w: %s", ErrChunkUnavailable, registry.ErrChunkNotFound, id)
	}

	release, err := s.reg.TryAcquireReadLock(id)
	if err != nil {
		s.evictChunk(id)
		return nil, metafooter.Footer{}, nil, fmt.Errorf("%w: %s", ErrChunkUnavailable, id)
	}

	loc, ok := s.locs[chunk.Location]
	if !ok {
		release()
		return nil, metafooter.Footer{}, nil, fmt.Errorf("%w: %s", ErrUnknownLocation, chunk.Location)
	}

	footer, err := s.chunkFooter(ctx, loc, id, nil)
	if err != nil {
		release()
		return nil, metafooter.Footer{}, nil, err
	}
	return loc, footer, release, nil
}

func (s *Store) chunkFooter(ctx context.Context, loc *location.Manager, id chunkid.ChunkID, extensionTags map[string]bool) (metafooter.Footer, error) {
	var footer metafooter.Footer
	err := loc.GetMetaReadInvoker().Submit(ctx, func(context.Context) error {
		buf, err := os.ReadFile(loc.GetChunkPath(id, "meta"))
		if err != nil {
			return err
		}
		footer, err = metafooter.Decode(buf, extensionTags)
		return err
	})
	if err != nil {
		return metafooter.Footer{}, fmt.Errorf("read chunk-meta: %w", err)
	}
	return footer, nil
}

// ChunkMeta returns id's chunk-meta footer, filtered to extensionTags (nil
// means unfiltered), for the GetChunkMeta RPC (§6). It cooperates with the
// registry read-lock protocol the same way ReadBlockRange/ReadBlockSet do.
func (s *Store) ChunkMeta(ctx context.Context, id chunkid.ChunkID, extensionTags map[string]bool) (metafooter.Footer, error) {
	chunk, ok := s.reg.Find(id)
	if !ok {
		s.evictChunk(id)
		return metafooter.Footer{}, fmt.Errorf("%w: %w: %s", ErrChunkUnavailable, registry.ErrChunkNotFound, id)
	}

	release, err := s.reg.TryAcquireReadLock(id)
	if err != nil {
		s.evictChunk(id)
		return metafooter.Footer{}, fmt.Errorf("%w: %s", ErrChunkUnavailable, id)
	}
	defer release()

	loc, ok := s.locs[chunk.Location]
	if !ok {
		return metafooter.Footer{}, fmt.Errorf("%w: %s", ErrUnknownLocation, chunk.Location)
	}
	return s.chunkFooter(ctx, loc, id, extensionTags)
}

// fetchBlock serves block idx of id from cache, or performs a
// single-flight disk fetch that publishes the result to the cache
// before any waiter observes it (I6).
func (s *Store) fetchBlock(ctx context.Context, loc *location.Manager, id chunkid.ChunkID, idx uint32, footer metafooter.Footer, opts ReadOptions) ([]byte, error) {
	bid := chunkid.BlockID{ChunkID: id, Index: idx}

	if opts.SkipCache {
		return s.readBlockFromDisk(ctx, loc, id, idx, footer)
	}

	if data, ok := s.FindCachedBlock(bid); ok {
		return data, nil
	}

	fetchCtx := context.WithoutCancel(ctx)
	err := s.fetchOnce(ctx, bid, func() error {
		data, err := s.readBlockFromDisk(fetchCtx, loc, id, idx, footer)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.insertLocked(bid, data)
		s.mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}

	data, ok := s.FindCachedBlock(bid)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBlockNotFound, bid)
	}
	return data, nil
}

func (s *Store) readBlockFromDisk(ctx context.Context, loc *location.Manager, id chunkid.ChunkID, idx uint32, footer metafooter.Footer) ([]byte, error) {
	if int(idx) >= len(footer.Blocks) {
		return nil, fmt.Errorf("%w: block %d of chunk %s", ErrBlockNotFound, idx, id)
	}
	entry := footer.Blocks[idx]

	endIO := loc.BeginIO(location.DirectionIn, int64(entry.Size))
	defer endIO()

	var data []byte
	err := loc.GetDataReadInvoker().Submit(ctx, func(context.Context) error {
		r, err := openDiskReader(loc, id)
		if err != nil {
			return fmt.Errorf("open chunk data: %w", err)
		}
		defer r.Close()
		data, err = r.readBlockAt(int64(entry.Offset), entry.Size)
		return err
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}
