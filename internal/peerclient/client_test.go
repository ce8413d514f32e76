package peerclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"datanode/internal/chunkid"
	"datanode/internal/session"
)

func newTestResolver(addr string) Resolver {
	return ResolverFunc(func(nodeID string) (string, error) { return addr, nil })
}

func TestPutBlocksSendsExpectedRequest(t *testing.T) {
	var gotPath string
	var gotBody putBlocksRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(Config{Resolver: newTestResolver(srv.URL)})

	id, err := chunkid.New(chunkid.BlobChunk, 1)
	if err != nil {
		t.Fatal(err)
	}
	sid := session.SessionID{ChunkID: id, MediumIndex: 2}

	err = c.PutBlocks(context.Background(), "peer-1", sid, 5, [][]byte{[]byte("a"), []byte("b")})
	if err != nil {
		t.Fatalf("PutBlocks: %v", err)
	}

	if gotPath != "/rpc/PutBlocks" {
		t.Fatalf("unexpected path: %s", gotPath)
	}
	if gotBody.ChunkID != id.String() || gotBody.MediumIndex != 2 || gotBody.FirstBlockIndex != 5 {
		t.Fatalf("unexpected request body: %+v", gotBody)
	}
	if len(gotBody.Blocks) != 2 || string(gotBody.Blocks[1]) != "b" {
		t.Fatalf("unexpected blocks: %+v", gotBody.Blocks)
	}
}

func TestPostPropagatesPeerErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(errorResponse{Code: "session_cancelled", Message: "session was cancelled"})
	}))
	defer srv.Close()

	c := New(Config{Resolver: newTestResolver(srv.URL)})
	id, err := chunkid.New(chunkid.BlobChunk, 1)
	if err != nil {
		t.Fatal(err)
	}
	sid := session.SessionID{ChunkID: id}

	err = c.PutBlocks(context.Background(), "peer-1", sid, 0, [][]byte{[]byte("x")})
	if err == nil {
		t.Fatal("expected an error from a non-200 peer response")
	}
}

func TestResolveFailureIsWrapped(t *testing.T) {
	c := New(Config{Resolver: ResolverFunc(func(string) (string, error) {
		return "", errors.New("resolver unavailable")
	})})
	id, err := chunkid.New(chunkid.BlobChunk, 1)
	if err != nil {
		t.Fatal(err)
	}
	sid := session.SessionID{ChunkID: id}

	err = c.PutBlocks(context.Background(), "peer-1", sid, 0, nil)
	if err == nil {
		t.Fatal("expected an error when the resolver fails")
	}
}
