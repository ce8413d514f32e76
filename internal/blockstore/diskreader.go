package blockstore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"datanode/internal/chunkid"
	"datanode/internal/location"
)

// ErrBlockRangeOutOfBounds is returned when a block-index entry's
// offset/size fall outside the mapped data file, meaning the chunk-meta
// footer and the .data file have gone out of sync.
var ErrBlockRangeOutOfBounds = errors.New("block range exceeds mapped data file")

// diskReader memory-maps a chunk's .data file for a single read, scoped
// to the lifetime of one fetch (opened, read, closed). Block boundaries
// come from the chunk-meta footer's block index rather than from
// self-describing length prefixes in the data stream itself.
type diskReader struct {
	file *os.File
	data []byte
}

func openDiskReader(loc *location.Manager, id chunkid.ChunkID) (*diskReader, error) {
	path := loc.GetChunkPath(id, "data")
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() == 0 {
		f.Close()
		return nil, io.ErrUnexpectedEOF
	}
	data, err := syscall.Mmap(int(f.Fd()), 0, int(info.Size()), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap chunk data: %w", err)
	}
	return &diskReader{file: f, data: data}, nil
}

// readBlockAt copies out size bytes of mapped data starting at offset.
func (r *diskReader) readBlockAt(offset int64, size uint32) ([]byte, error) {
	end := offset + int64(size)
	if offset < 0 || end > int64(len(r.data)) {
		return nil, ErrBlockRangeOutOfBounds
	}
	out := make([]byte, size)
	copy(out, r.data[offset:end])
	return out, nil
}

func (r *diskReader) Close() error {
	var err error
	if r.data != nil {
		if unmapErr := syscall.Munmap(r.data); unmapErr != nil {
			err = unmapErr
		}
		r.data = nil
	}
	if r.file != nil {
		if closeErr := r.file.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		r.file = nil
	}
	return err
}
