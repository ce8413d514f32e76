package location

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"datanode/internal/chunkid"
)

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	if cfg.Root == "" {
		cfg.Root = t.TempDir()
	}
	if cfg.ID == "" {
		cfg.ID = "loc-1"
	}
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

func TestWatermarkTransitions(t *testing.T) {
	m := newTestManager(t, Config{
		Quota:         1000,
		LowWatermark:  100,
		HighWatermark: 200,
	})
	// available_space starts at quota (1000), well above high watermark.
	if m.IsFull() {
		t.Fatal("expected not full at full quota")
	}
	// Cross below high watermark: available drops to 150.
	m.UpdateUsedSpace(850)
	if !m.IsFull() {
		t.Fatal("expected full once available_space < high_watermark")
	}
	// Still full while between high and low watermark: no oscillation.
	m.UpdateUsedSpace(-20) // available back to 170, still < 200
	if !m.IsFull() {
		t.Fatal("expected still full inside [high, low] band")
	}
}

func TestHasEnoughSpace(t *testing.T) {
	m := newTestManager(t, Config{Quota: 1000, HighWatermark: 200})
	if !m.HasEnoughSpace(500) {
		t.Fatal("expected enough space for 500 bytes at full quota")
	}
	if m.HasEnoughSpace(850) {
		t.Fatal("expected not enough space when it would cross high watermark")
	}
}

func TestChunkPathFanOut(t *testing.T) {
	m := newTestManager(t, Config{})
	id, _ := chunkid.New(chunkid.BlobChunk, 1)
	path := m.GetChunkPath(id, "data")
	want := filepath.Base(filepath.Dir(path))
	if len(want) != 2 {
		t.Fatalf("fan-out dir %q should be 2 hex chars", want)
	}
}

func TestScanPairsAndGarbageCollectsOrphans(t *testing.T) {
	m := newTestManager(t, Config{})
	id, _ := chunkid.New(chunkid.BlobChunk, 1)
	dir, err := m.EnsureChunkDir(id)
	if err != nil {
		t.Fatal(err)
	}
	dataPath := filepath.Join(dir, id.String()+".data")
	metaPath := filepath.Join(dir, id.String()+".meta")
	os.WriteFile(dataPath, []byte("hello"), 0o644)
	os.WriteFile(metaPath, []byte("m"), 0o644)

	orphanID, _ := chunkid.New(chunkid.BlobChunk, 1)
	orphanPath := filepath.Join(dir, orphanID.String()+".data")
	os.WriteFile(orphanPath, []byte("orphan"), 0o644)

	descs, err := m.Scan()
	if err != nil {
		t.Fatal(err)
	}
	if len(descs) != 1 || descs[0].ID != id {
		t.Fatalf("descs = %+v, want exactly the paired chunk", descs)
	}
	if _, err := os.Stat(orphanPath); !os.IsNotExist(err) {
		t.Fatal("expected orphaned singleton to be garbage-collected")
	}
}

func TestScheduleChunkRemovalDirectDelete(t *testing.T) {
	m := newTestManager(t, Config{RemovalPolicy: DirectDeletePolicy})
	id, _ := chunkid.New(chunkid.BlobChunk, 1)
	dir, _ := m.EnsureChunkDir(id)
	dataPath := filepath.Join(dir, id.String()+".data")
	metaPath := filepath.Join(dir, id.String()+".meta")
	os.WriteFile(dataPath, []byte("x"), 0o644)
	os.WriteFile(metaPath, []byte("y"), 0o644)

	if err := m.ScheduleChunkRemoval(context.Background(), id); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(dataPath); !os.IsNotExist(err) {
		t.Fatal("expected data file to be deleted")
	}
}

func TestScheduleChunkRemovalTrashPolicy(t *testing.T) {
	m := newTestManager(t, Config{RemovalPolicy: NewTrashPolicy()})
	id, _ := chunkid.New(chunkid.BlobChunk, 1)
	dir, _ := m.EnsureChunkDir(id)
	dataPath := filepath.Join(dir, id.String()+".data")
	metaPath := filepath.Join(dir, id.String()+".meta")
	os.WriteFile(dataPath, []byte("x"), 0o644)
	os.WriteFile(metaPath, []byte("y"), 0o644)

	if err := m.ScheduleChunkRemoval(context.Background(), id); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(dataPath); !os.IsNotExist(err) {
		t.Fatal("expected data file to be moved out of its original path")
	}
	if _, err := os.Stat(filepath.Join(m.cfg.Root, "trash", id.String()+".data")); err != nil {
		t.Fatalf("expected data file under trash/: %v", err)
	}
}

func TestHealthCheckDisablesAfterTwoFailures(t *testing.T) {
	m := newTestManager(t, Config{})
	// Make the root unwritable-looking by pointing health checks at a
	// nonexistent nested path via a bogus root swap.
	m.cfg.Root = filepath.Join(m.cfg.Root, "does-not-exist", "deeper")

	if err := m.RunHealthCheck(context.Background()); err == nil {
		t.Fatal("expected first health check to fail")
	}
	if m.Enabled() == false {
		t.Fatal("one failure should not yet disable the location")
	}
	if err := m.RunHealthCheck(context.Background()); err == nil {
		t.Fatal("expected second health check to fail")
	}
	if m.Enabled() {
		t.Fatal("two consecutive failures should disable the location")
	}
}

func TestCellGUIDMismatchIsFatal(t *testing.T) {
	root := t.TempDir()
	if _, err := New(Config{ID: "a", Root: root, CellGUID: "cell-a"}); err != nil {
		t.Fatal(err)
	}
	if _, err := New(Config{ID: "a", Root: root, CellGUID: "cell-b"}); err == nil {
		t.Fatal("expected cell guid mismatch to be fatal on scan/open")
	}
}
