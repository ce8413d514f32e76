package session

import (
	"encoding/binary"

	"datanode/internal/metafooter"
	"datanode/internal/registry"
)

// finishJournal finalizes a journal-chunk session (§4.3 "Journal
// sessions"). Unlike a blob chunk, a journal chunk carries no block
// index or boundary keys in its chunk-meta footer: a minimal footer is
// still written, carrying only the final record count as an extension,
// so that location.Scan's .data/.meta pairing rule (§6 on-disk layout)
// stays uniform across every chunk variant instead of special-casing
// journals as the one kind with a missing companion file.
func (m *Manager) finishJournal(s *session, highestIndex int64) (registry.Chunk, error) {
	recordCount := highestIndex + 1

	s.mu.Lock()
	syncOnClose := s.opts.SyncOnClose
	writer := s.writer
	loc := s.loc
	s.mu.Unlock()

	if syncOnClose {
		if err := writer.Sync(); err != nil {
			_ = m.Cancel(s.id, err)
			return registry.Chunk{}, err
		}
	}
	_ = writer.Close()

	var recordCountBytes [8]byte
	binary.LittleEndian.PutUint64(recordCountBytes[:], uint64(recordCount)) //nolint:gosec // record counts bounded well under 2^63

	footer := metafooter.Encode(metafooter.Footer{
		Extensions: map[string][]byte{"record_count": recordCountBytes[:]},
	})

	dataBytes, metaBytes, err := m.io.Finalize(loc, s.id, footer)
	if err != nil {
		_ = m.Cancel(s.id, err)
		return registry.Chunk{}, err
	}

	chunk := registry.Chunk{
		ID:       s.id.ChunkID,
		Location: loc.ID(),
		Kind:     registry.KindJournal,
		Info: registry.Info{
			DiskBytes:   dataBytes,
			MetaBytes:   metaBytes,
			RecordCount: recordCount,
		},
	}
	return m.commit(s, chunk)
}
