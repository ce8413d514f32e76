package rpcserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"datanode/internal/blockstore"
	"datanode/internal/chunkid"
	"datanode/internal/location"
	"datanode/internal/memtracker"
	"datanode/internal/registry"
	"datanode/internal/session"
)

func newRawChunkID(t *testing.T) string {
	t.Helper()
	id, err := chunkid.New(chunkid.BlobChunk, 1)
	if err != nil {
		t.Fatal(err)
	}
	return id.String()
}

func newTestServer(t *testing.T) (*httptest.Server, *session.Manager) {
	t.Helper()
	loc, err := location.New(location.Config{ID: "loc-1", Root: t.TempDir(), Quota: 1 << 30, HighWatermark: 1024})
	if err != nil {
		t.Fatalf("location.New: %v", err)
	}
	t.Cleanup(loc.Close)

	reg := registry.New(nil, nil)
	mgr := session.New(session.Config{
		Locations: []*location.Manager{loc},
		Registry:  reg,
		Memory:    memtracker.New(nil),
	})
	t.Cleanup(mgr.Close)

	blocks := blockstore.New(blockstore.Config{
		Registry:  reg,
		Locations: []*location.Manager{loc},
	})

	srv := New(Config{
		Sessions:     mgr,
		Registry:     reg,
		Blocks:       blocks,
		Locations:    []*location.Manager{loc},
		MediaByIndex: map[int]string{0: ""},
	})
	return httptest.NewServer(srv.Handler()), mgr
}

func postJSON(t *testing.T, baseURL, method string, body any) (*http.Response, map[string]any) {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(baseURL+"/rpc/"+method, "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("POST %s: %v", method, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	chunkID := newRawChunkID(t)

	resp, _ := postJSON(t, srv.URL, "StartChunk", startChunkRequest{ChunkID: chunkID, MediumIndex: 0})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("StartChunk: status %d", resp.StatusCode)
	}

	resp, _ = postJSON(t, srv.URL, "PutBlocks", putBlocksRequest{
		ChunkID:         chunkID,
		FirstBlockIndex: 0,
		Blocks:          [][]byte{[]byte("hello"), []byte("world")},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PutBlocks: status %d", resp.StatusCode)
	}

	resp, _ = postJSON(t, srv.URL, "FlushBlocks", flushBlocksRequest{ChunkID: chunkID, BlockIndex: 1})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("FlushBlocks: status %d", resp.StatusCode)
	}

	count := uint32(2)
	resp, out := postJSON(t, srv.URL, "FinishChunk", finishChunkRequest{ChunkID: chunkID, ExpectedBlockCount: &count})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("FinishChunk: status %d, body %v", resp.StatusCode, out)
	}
	if out["kind"] != "blob" {
		t.Fatalf("unexpected chunk kind: %v", out)
	}

	resp, out = postJSON(t, srv.URL, "GetBlockRange", getBlockRangeRequest{ChunkID: chunkID, FirstIndex: 0, Count: 2})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GetBlockRange: status %d, body %v", resp.StatusCode, out)
	}
	blocks, _ := out["blocks"].([]any)
	if len(blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %+v", out)
	}

	resp, out = postJSON(t, srv.URL, "ProbeChunkSet", probeChunkSetRequest{ChunkIDs: []string{chunkID}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ProbeChunkSet: status %d, body %v", resp.StatusCode, out)
	}
	results, _ := out["results"].([]any)
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %+v", out)
	}
	first, _ := results[0].(map[string]any)
	if first["present"] != true {
		t.Fatalf("expected chunk to be present: %+v", first)
	}
}

func TestFlushBlocksOnMissingSessionReturnsNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	resp, out := postJSON(t, srv.URL, "FlushBlocks", flushBlocksRequest{ChunkID: newRawChunkID(t), BlockIndex: 0})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %v", resp.StatusCode, out)
	}
	if out["code"] != "no_such_session" {
		t.Fatalf("unexpected error code: %v", out)
	}
}
