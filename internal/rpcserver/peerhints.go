package rpcserver

import (
	"sync"
	"time"

	"datanode/internal/chunkid"
)

// peerHintTable is the receiving end of UpdatePeer (§4.4 "the peer table
// is notified so that subsequent requests for the same block may be
// redirected to known peers... exposed via the UpdatePeer interface").
// The block store itself stays free of this bookkeeping; it lives here
// at the RPC boundary since nothing in the core read path consumes it
// beyond attaching hints to GetBlockSet responses.
type peerHintTable struct {
	mu      sync.Mutex
	entries map[chunkid.BlockID]peerHint
}

type peerHint struct {
	peerID     string
	expiration time.Time
}

func newPeerHintTable() *peerHintTable {
	return &peerHintTable{entries: make(map[chunkid.BlockID]peerHint)}
}

func (t *peerHintTable) update(id chunkid.BlockID, peerID string, expiration time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[id] = peerHint{peerID: peerID, expiration: expiration}
}

// lookup returns the known peer for id, if any and not expired.
func (t *peerHintTable) lookup(id chunkid.BlockID, now time.Time) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.entries[id]
	if !ok || now.After(h.expiration) {
		return "", false
	}
	return h.peerID, true
}
