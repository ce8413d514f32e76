package session

import (
	"fmt"
	"os"
	"path/filepath"

	"datanode/internal/location"
)

// Writer is the per-session on-disk handle. It abstracts direct
// *os.File usage behind an interface so tests can substitute an
// in-memory stand-in instead of touching a real filesystem.
type Writer interface {
	WriteAt(p []byte, off int64) (int, error)
	Sync() error
	Close() error
}

// IoEngine performs the filesystem-level lifecycle of a session's temp
// file: creation under the location's sessions/ staging area, and
// finalization (rename into the chunk's fan-out path plus the
// chunk-meta footer) or discard on failure. Construction-injected so the
// manager itself never calls os.* directly (Design Notes §9).
type IoEngine interface {
	Open(loc *location.Manager, id SessionID) (Writer, error)
	Finalize(loc *location.Manager, id SessionID, footer []byte) (dataBytes, metaBytes int64, err error)
	Discard(loc *location.Manager, id SessionID)
}

// fileIoEngine is the default IoEngine: O_CREATE|O_RDWR for the active
// handle, header-stamped companion files, atomic rename at seal time.
type fileIoEngine struct{}

// NewFileIoEngine returns the default filesystem-backed IoEngine.
func NewFileIoEngine() IoEngine { return fileIoEngine{} }

func sessionTempPath(loc *location.Manager, id SessionID) string {
	return filepath.Join(loc.Root(), "sessions", id.ChunkID.String()+".tmp")
}

func (fileIoEngine) Open(loc *location.Manager, id SessionID) (Writer, error) {
	path := sessionTempPath(loc, id)
	f, err := os.OpenFile(filepath.Clean(path), os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open session file: %w", err)
	}
	return f, nil
}

func (fileIoEngine) Finalize(loc *location.Manager, id SessionID, footer []byte) (int64, int64, error) {
	tempPath := sessionTempPath(loc, id)
	info, err := os.Stat(tempPath)
	if err != nil {
		return 0, 0, err
	}
	dataBytes := info.Size()

	if _, err := loc.EnsureChunkDir(id.ChunkID); err != nil {
		return 0, 0, err
	}
	dataPath := loc.GetChunkPath(id.ChunkID, "data")
	if err := os.Rename(tempPath, dataPath); err != nil {
		return 0, 0, fmt.Errorf("finalize data file: %w", err)
	}

	metaPath := loc.GetChunkPath(id.ChunkID, "meta")
	if err := os.WriteFile(metaPath, footer, 0o644); err != nil {
		return 0, 0, fmt.Errorf("write chunk-meta footer: %w", err)
	}
	return dataBytes, int64(len(footer)), nil
}

func (fileIoEngine) Discard(loc *location.Manager, id SessionID) {
	_ = os.Remove(sessionTempPath(loc, id))
}
