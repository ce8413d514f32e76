package rpcserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"datanode/internal/blockstore"
	"datanode/internal/chunkid"
	"datanode/internal/metafooter"
	"datanode/internal/registry"
	"datanode/internal/session"
)

func parseSessionType(s string) session.SessionType {
	switch s {
	case "replication":
		return session.TypeReplication
	case "repair":
		return session.TypeRepair
	default:
		return session.TypeUser
	}
}

func (s *Server) sessionID(chunkIDStr string, mediumIndex int) (session.SessionID, error) {
	id, err := chunkid.Parse(chunkIDStr)
	if err != nil {
		return session.SessionID{}, fmt.Errorf("parse chunk_id: %w", err)
	}
	return session.SessionID{ChunkID: id, MediumIndex: mediumIndex}, nil
}

// --- StartChunk ---

type startChunkRequest struct {
	ChunkID     string `json:"chunk_id"`
	SessionType string `json:"session_type"`
	SyncOnClose bool   `json:"sync_on_close"`
	MediumIndex int    `json:"medium_index"`
}

func (s *Server) handleStartChunk(ctx context.Context, r *http.Request) (any, error) {
	var req startChunkRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	id, err := s.sessionID(req.ChunkID, req.MediumIndex)
	if err != nil {
		return nil, err
	}
	mediumClass := s.cfg.MediaByIndex[req.MediumIndex]
	opts := session.Options{
		Type:        parseSessionType(req.SessionType),
		SyncOnClose: req.SyncOnClose,
		MediumClass: mediumClass,
	}
	if err := s.cfg.Sessions.Start(ctx, id, opts); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

// --- FinishChunk ---

type blockEntryJSON struct {
	Offset uint64 `json:"offset"`
	Size   uint32 `json:"size"`
}

type chunkMetaJSON struct {
	Blocks      []blockEntryJSON  `json:"blocks"`
	BoundaryMin []byte            `json:"boundary_min,omitempty"`
	BoundaryMax []byte            `json:"boundary_max,omitempty"`
	Extensions  map[string][]byte `json:"extensions,omitempty"`
}

func (m chunkMetaJSON) toFooter() metafooter.Footer {
	blocks := make([]metafooter.BlockEntry, len(m.Blocks))
	for i, b := range m.Blocks {
		blocks[i] = metafooter.BlockEntry{Offset: b.Offset, Size: b.Size}
	}
	return metafooter.Footer{
		Blocks:      blocks,
		BoundaryMin: m.BoundaryMin,
		BoundaryMax: m.BoundaryMax,
		Extensions:  m.Extensions,
	}
}

func footerToJSON(f metafooter.Footer) chunkMetaJSON {
	blocks := make([]blockEntryJSON, len(f.Blocks))
	for i, b := range f.Blocks {
		blocks[i] = blockEntryJSON{Offset: b.Offset, Size: b.Size}
	}
	return chunkMetaJSON{Blocks: blocks, BoundaryMin: f.BoundaryMin, BoundaryMax: f.BoundaryMax, Extensions: f.Extensions}
}

type finishChunkRequest struct {
	ChunkID            string        `json:"chunk_id"`
	MediumIndex        int           `json:"medium_index"`
	ChunkMeta          chunkMetaJSON `json:"chunk_meta"`
	ExpectedBlockCount *uint32       `json:"expected_block_count,omitempty"`
}

type chunkInfoResponse struct {
	ChunkID      string `json:"chunk_id"`
	Location     string `json:"location"`
	Kind         string `json:"kind"`
	Version      uint64 `json:"version"`
	DiskBytes    int64  `json:"disk_bytes"`
	MetaBytes    int64  `json:"meta_bytes"`
	Sealed       bool   `json:"sealed"`
	RecordCount  int64  `json:"record_count"`
	FlushedCount int64  `json:"flushed_count"`
}

func chunkToResponse(c registry.Chunk) chunkInfoResponse {
	return chunkInfoResponse{
		ChunkID:      c.ID.String(),
		Location:     c.Location,
		Kind:         c.Kind.String(),
		Version:      c.Version,
		DiskBytes:    c.Info.DiskBytes,
		MetaBytes:    c.Info.MetaBytes,
		Sealed:       c.Info.Sealed,
		RecordCount:  c.Info.RecordCount,
		FlushedCount: c.Info.FlushedCount,
	}
}

func (s *Server) handleFinishChunk(ctx context.Context, r *http.Request) (any, error) {
	var req finishChunkRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	id, err := s.sessionID(req.ChunkID, req.MediumIndex)
	if err != nil {
		return nil, err
	}
	chunk, err := s.cfg.Sessions.Finish(ctx, id, req.ChunkMeta.toFooter(), req.ExpectedBlockCount)
	if err != nil {
		return nil, err
	}
	return chunkToResponse(chunk), nil
}

// --- PutBlocks ---

type putBlocksRequest struct {
	ChunkID         string   `json:"chunk_id"`
	MediumIndex     int      `json:"medium_index"`
	FirstBlockIndex uint32   `json:"first_block_index"`
	Blocks          [][]byte `json:"blocks"`
	PopulateCache   bool     `json:"populate_cache"`
	FlushAfter      *uint32  `json:"flush_after,omitempty"`
}

func (s *Server) handlePutBlocks(ctx context.Context, r *http.Request) (any, error) {
	var req putBlocksRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	id, err := s.sessionID(req.ChunkID, req.MediumIndex)
	if err != nil {
		return nil, err
	}
	if err := s.cfg.Sessions.PutBlocks(ctx, id, req.FirstBlockIndex, req.Blocks, req.PopulateCache); err != nil {
		return nil, err
	}
	if req.FlushAfter != nil {
		if err := s.cfg.Sessions.FlushBlocks(ctx, id, *req.FlushAfter); err != nil {
			return nil, err
		}
	}
	return struct{}{}, nil
}

// --- SendBlocks ---

type sendBlocksRequest struct {
	ChunkID         string `json:"chunk_id"`
	MediumIndex     int    `json:"medium_index"`
	FirstBlockIndex uint32 `json:"first_block_index"`
	BlockCount      uint32 `json:"block_count"`
	TargetNodeID    string `json:"target_descriptor"`
}

func (s *Server) handleSendBlocks(ctx context.Context, r *http.Request) (any, error) {
	var req sendBlocksRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	id, err := s.sessionID(req.ChunkID, req.MediumIndex)
	if err != nil {
		return nil, err
	}
	if err := s.cfg.Sessions.SendBlocks(ctx, id, req.FirstBlockIndex, req.BlockCount, req.TargetNodeID); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

// --- FlushBlocks ---

type flushBlocksRequest struct {
	ChunkID     string `json:"chunk_id"`
	MediumIndex int    `json:"medium_index"`
	BlockIndex  uint32 `json:"block_index"`
}

func (s *Server) handleFlushBlocks(ctx context.Context, r *http.Request) (any, error) {
	var req flushBlocksRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	id, err := s.sessionID(req.ChunkID, req.MediumIndex)
	if err != nil {
		return nil, err
	}
	if err := s.cfg.Sessions.FlushBlocks(ctx, id, req.BlockIndex); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

// --- PingSession ---

type pingSessionRequest struct {
	ChunkID     string `json:"chunk_id"`
	MediumIndex int    `json:"medium_index"`
}

func (s *Server) handlePingSession(ctx context.Context, r *http.Request) (any, error) {
	var req pingSessionRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	id, err := s.sessionID(req.ChunkID, req.MediumIndex)
	if err != nil {
		return nil, err
	}
	if err := s.cfg.Sessions.Ping(id); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

// --- GetBlockSet / GetBlockRange ---

type blockResponse struct {
	Index uint32 `json:"index"`
	Data  []byte `json:"data"`
}

type peerHintResponse struct {
	Index  uint32 `json:"index"`
	PeerID string `json:"peer_id"`
}

type peerHintRequest struct {
	Index  uint32 `json:"index"`
	PeerID string `json:"peer_id"`
}

type getBlockSetRequest struct {
	ChunkID            string           `json:"chunk_id"`
	BlockIndices       []uint32         `json:"block_indices"`
	PopulateCache      bool             `json:"populate_cache"`
	WorkloadDescriptor string           `json:"workload_descriptor"`
	PeerHint           *peerHintRequest `json:"peer_hint,omitempty"`
}

type blockSetResponse struct {
	Blocks    []*blockResponse   `json:"blocks"`
	PeerHints []peerHintResponse `json:"peer_hints,omitempty"`
}

func (s *Server) handleGetBlockSet(ctx context.Context, r *http.Request) (any, error) {
	var req getBlockSetRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	id, err := chunkid.Parse(req.ChunkID)
	if err != nil {
		return nil, fmt.Errorf("parse chunk_id: %w", err)
	}

	if req.PeerHint != nil {
		s.hints.update(chunkid.BlockID{ChunkID: id, Index: req.PeerHint.Index}, req.PeerHint.PeerID, time.Now().Add(peerHintTTL))
	}

	opts := blockstore.ReadOptions{SkipCache: !req.PopulateCache}
	blocks, err := s.cfg.Blocks.ReadBlockSet(ctx, id, req.BlockIndices, opts)
	if err != nil {
		return nil, err
	}

	resp := blockSetResponse{Blocks: make([]*blockResponse, len(blocks))}
	var total int
	for i, b := range blocks {
		if b == nil {
			hintID := chunkid.BlockID{ChunkID: id, Index: req.BlockIndices[i]}
			if peerID, ok := s.hints.lookup(hintID, time.Now()); ok {
				resp.PeerHints = append(resp.PeerHints, peerHintResponse{Index: req.BlockIndices[i], PeerID: peerID})
			}
			continue
		}
		resp.Blocks[i] = &blockResponse{Index: b.Index, Data: b.Data}
		total += len(b.Data)
	}
	if err := s.paceRead(ctx, req.WorkloadDescriptor, total); err != nil {
		return nil, err
	}
	return resp, nil
}

const peerHintTTL = 5 * time.Minute

type getBlockRangeRequest struct {
	ChunkID            string `json:"chunk_id"`
	FirstIndex         uint32 `json:"first_index"`
	Count              uint32 `json:"count"`
	WorkloadDescriptor string `json:"workload_descriptor"`
}

type blockRangeResponse struct {
	Blocks []blockResponse `json:"blocks"`
}

func (s *Server) handleGetBlockRange(ctx context.Context, r *http.Request) (any, error) {
	var req getBlockRangeRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	id, err := chunkid.Parse(req.ChunkID)
	if err != nil {
		return nil, fmt.Errorf("parse chunk_id: %w", err)
	}

	blocks, err := s.cfg.Blocks.ReadBlockRange(ctx, id, req.FirstIndex, req.Count, blockstore.ReadOptions{})
	if err != nil {
		return nil, err
	}

	var total int
	out := make([]blockResponse, len(blocks))
	for i, b := range blocks {
		out[i] = blockResponse{Index: b.Index, Data: b.Data}
		total += len(b.Data)
	}
	if err := s.paceRead(ctx, req.WorkloadDescriptor, total); err != nil {
		return nil, err
	}
	return blockRangeResponse{Blocks: out}, nil
}

// --- GetChunkMeta ---

type getChunkMetaRequest struct {
	ChunkID       string   `json:"chunk_id"`
	ExtensionTags []string `json:"extension_tags,omitempty"`
	PartitionTag  *uint8   `json:"partition_tag,omitempty"`
}

func (s *Server) handleGetChunkMeta(ctx context.Context, r *http.Request) (any, error) {
	var req getChunkMetaRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	id, err := chunkid.Parse(req.ChunkID)
	if err != nil {
		return nil, fmt.Errorf("parse chunk_id: %w", err)
	}
	if req.PartitionTag != nil {
		id = chunkid.DeriveErasurePartID(id, *req.PartitionTag)
	}

	var tags map[string]bool
	if req.ExtensionTags != nil {
		tags = make(map[string]bool, len(req.ExtensionTags))
		for _, t := range req.ExtensionTags {
			tags[t] = true
		}
	}

	footer, err := s.cfg.Blocks.ChunkMeta(ctx, id, tags)
	if err != nil {
		return nil, err
	}
	return footerToJSON(footer), nil
}

// --- ProbeChunkSet ---

type probeChunkSetRequest struct {
	ChunkIDs []string `json:"chunk_ids"`
}

type chunkHealth struct {
	ChunkID          string `json:"chunk_id"`
	Present          bool   `json:"present"`
	RemovalScheduled bool   `json:"removal_scheduled"`
	ReadLockCount    int    `json:"read_lock_count"`
}

type probeChunkSetResponse struct {
	Results []chunkHealth `json:"results"`
}

func (s *Server) handleProbeChunkSet(ctx context.Context, r *http.Request) (any, error) {
	var req probeChunkSetRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	results := make([]chunkHealth, len(req.ChunkIDs))
	for i, raw := range req.ChunkIDs {
		id, err := chunkid.Parse(raw)
		if err != nil {
			results[i] = chunkHealth{ChunkID: raw}
			continue
		}
		_, present := s.cfg.Registry.Find(id)
		removalScheduled, _ := s.cfg.Registry.RemovalScheduled(id)
		readLocks, _ := s.cfg.Registry.ReadLockCount(id)
		results[i] = chunkHealth{
			ChunkID:          id.String(),
			Present:          present,
			RemovalScheduled: removalScheduled,
			ReadLockCount:    readLocks,
		}
	}
	return probeChunkSetResponse{Results: results}, nil
}

// --- UpdatePeer ---

type updatePeerRequest struct {
	ChunkID    string   `json:"chunk_id"`
	BlockIDs   []uint32 `json:"block_ids"`
	PeerID     string   `json:"peer_descriptor"`
	Expiration int64    `json:"expiration"` // unix seconds
}

func (s *Server) handleUpdatePeer(ctx context.Context, r *http.Request) (any, error) {
	var req updatePeerRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	id, err := chunkid.Parse(req.ChunkID)
	if err != nil {
		return nil, fmt.Errorf("parse chunk_id: %w", err)
	}
	expiration := time.Unix(req.Expiration, 0)
	for _, idx := range req.BlockIDs {
		s.hints.update(chunkid.BlockID{ChunkID: id, Index: idx}, req.PeerID, expiration)
	}
	return struct{}{}, nil
}
