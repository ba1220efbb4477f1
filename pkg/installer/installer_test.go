package installer

import (
	"crypto/sha256"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/streamplane/agent/pkg/bundle"
	"github.com/streamplane/agent/pkg/chunkindex"
	"github.com/streamplane/agent/pkg/constants"
	"github.com/streamplane/agent/pkg/updateerrors"
)

// The kernel-facing pieces of an install (nbd, device-mapper verity) need a
// real kernel and root privileges to exercise honestly; the watermark reuse
// semantics they sit on top of are already covered by
// pkg/chunkindex.TestGetChunkHonorsWatermarks. These tests cover the parts
// of the orchestrator that are pure Go: the source hashes reader and the
// target-index open-or-build fallback (§4.5 steps 2-3).

func TestResolveSidecarURL(t *testing.T) {
	got, err := resolveSidecarURL("https://example.com/bundles/board-v1.bundle", "board-v1.hashes")
	if err != nil {
		t.Fatalf("resolveSidecarURL: %v", err)
	}
	want := "https://example.com/bundles/board-v1.hashes"
	if got != want {
		t.Errorf("resolveSidecarURL = %q, want %q", got, want)
	}
}

func TestOpenSourceHashesRoundTrip(t *testing.T) {
	var payload []byte
	for i := 0; i < 4; i++ {
		h := sha256.Sum256([]byte{byte(i)})
		payload = append(payload, h[:]...)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	img := bundle.Image{SourceURL: srv.URL + "/image.bundle", HashesName: "image.hashes"}
	sh, err := openSourceHashes(img)
	if err != nil {
		t.Fatalf("openSourceHashes: %v", err)
	}
	defer sh.Close()

	if sh.count != 4 {
		t.Fatalf("count = %d, want 4", sh.count)
	}
	got, err := sh.At(2)
	if err != nil {
		t.Fatalf("At(2): %v", err)
	}
	want := sha256.Sum256([]byte{2})
	if got != want {
		t.Errorf("At(2) = %x, want %x", got, want)
	}
}

func TestOpenSourceHashesRejectsBadSize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte{1, 2, 3}) // not a multiple of 32
	}))
	defer srv.Close()

	img := bundle.Image{SourceURL: srv.URL + "/image.bundle", HashesName: "image.hashes"}
	_, err := openSourceHashes(img)
	if !updateerrors.Is(err, updateerrors.KindSize) {
		t.Fatalf("openSourceHashes with truncated file: got %v, want SIZE error", err)
	}
}

func TestOpenSourceHashesPropagates404AsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	img := bundle.Image{SourceURL: srv.URL + "/image.bundle", HashesName: "missing.hashes"}
	_, err := openSourceHashes(img)
	if !updateerrors.Is(err, updateerrors.KindNotFound) {
		t.Fatalf("openSourceHashes with 404: got %v, want NOT_FOUND error", err)
	}
}

func TestOpenTargetIndexRebuildsByStreamingWhenNoSidecar(t *testing.T) {
	dir := t.TempDir()
	devicePath := filepath.Join(dir, "slot")
	f, err := os.Create(devicePath)
	if err != nil {
		t.Fatalf("create fake slot device: %v", err)
	}
	defer f.Close()
	content := make([]byte, 8*constants.BlockSize)
	for i := range content {
		content[i] = byte(i)
	}
	if _, err := f.WriteAt(content, 0); err != nil {
		t.Fatalf("write fake slot content: %v", err)
	}

	idx, err := openTargetIndex("rootfs.1", f, devicePath, 8)
	if err != nil {
		t.Fatalf("openTargetIndex: %v", err)
	}
	defer idx.Close()

	if idx.Count != 8 {
		t.Errorf("Count = %d, want 8", idx.Count)
	}
	// The rebuild hashed real content, so a chunk already on the slot must
	// be reusable by its own hash.
	want := sha256.Sum256(content[3*constants.BlockSize : 4*constants.BlockSize])
	var chunk chunkindex.Chunk
	if err := idx.GetChunk(want, &chunk); err != nil {
		t.Fatalf("GetChunk on a block the rebuild just hashed: %v", err)
	}
}

func TestOpenTargetIndexPrefersExportedSidecarOverRebuild(t *testing.T) {
	dir := t.TempDir()
	devicePath := filepath.Join(dir, "slot")
	f, err := os.Create(devicePath)
	if err != nil {
		t.Fatalf("create fake slot device: %v", err)
	}
	defer f.Close()
	content := make([]byte, 4*constants.BlockSize)
	if _, err := f.WriteAt(content, 0); err != nil {
		t.Fatalf("write fake slot content: %v", err)
	}

	built, err := chunkindex.BuildFromData("rootfs.1", f, 4)
	if err != nil {
		t.Fatalf("BuildFromData: %v", err)
	}
	if err := built.ExportForSlot(devicePath, "deadbeef"); err != nil {
		t.Fatalf("ExportForSlot: %v", err)
	}
	built.Close()

	// Change the slot's content but not its size: an index loaded from the
	// sidecar still lists the zero-block hash, a rebuilt one would not.
	changed := make([]byte, 4*constants.BlockSize)
	for i := range changed {
		changed[i] = 0xFF
	}
	if _, err := f.WriteAt(changed, 0); err != nil {
		t.Fatalf("overwrite fake slot content: %v", err)
	}

	idx, err := openTargetIndex("rootfs.1", f, devicePath, 4)
	if err != nil {
		t.Fatalf("openTargetIndex: %v", err)
	}
	defer idx.Close()

	zeroHash := sha256.Sum256(content[:constants.BlockSize])
	var chunk chunkindex.Chunk
	if err := idx.GetChunk(zeroHash, &chunk); !updateerrors.Is(err, updateerrors.KindModified) {
		t.Fatalf("GetChunk(zero hash) = %v, want MODIFIED (index loaded from the exported sidecar, not rebuilt)", err)
	}

	if _, ok := latestSidecar(devicePath); !ok {
		t.Fatalf("latestSidecar did not find the checksum-named sidecar export_for_slot just wrote")
	}
}
