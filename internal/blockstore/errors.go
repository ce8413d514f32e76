package blockstore

import "errors"

var (
	// ErrChunkUnavailable is returned when a read is attempted against a
	// chunk that is not registered or whose removal has already been
	// scheduled in the registry.
	ErrChunkUnavailable = errors.New("chunk unavailable: removal scheduled")
	// ErrBlockNotFound is returned for a declared-present block that
	// cannot be located, either in a blob chunk's index or on disk.
	ErrBlockNotFound = errors.New("block not found")
	// ErrBlockContentMismatch is returned by PutCachedBlock when an
	// existing cache entry's bytes differ from the proactively-pushed
	// value for the same block id.
	ErrBlockContentMismatch = errors.New("cached block content mismatch")
	// ErrUnknownLocation is returned when a chunk's registered location
	// id has no matching *location.Manager attached to this store.
	ErrUnknownLocation = errors.New("chunk location not attached to this store")
)
