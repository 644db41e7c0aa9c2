package reconciler

import (
	"bytes"
	"crypto/sha1"
	"hash/adler32"
	"os"
	"path/filepath"
	"testing"

	"github.com/gustash/steamdepot/internal/coremodel"
)

func mkManifest(depot coremodel.DepotId, id coremodel.ManifestId, files ...coremodel.FileEntry) *coremodel.Manifest {
	return &coremodel.Manifest{DepotID: depot, ManifestID: id, Files: files}
}

func chunkOf(data []byte, offset uint64) coremodel.ChunkEntry {
	return coremodel.ChunkEntry{
		ChunkID:            sha1.Sum(data),
		Offset:             offset,
		UncompressedLength: uint32(len(data)),
		Adler32Checksum:    adler32.Checksum(data),
	}
}

func fileEntryFromChunks(path string, chunks []coremodel.ChunkEntry, allBytes []byte) coremodel.FileEntry {
	return coremodel.FileEntry{
		Path:      path,
		TotalSize: uint64(len(allBytes)),
		SHA1Hash:  sha1.Sum(allBytes),
		Chunks:    chunks,
	}
}

func TestReconcileFreshInstallEnqueuesEveryChunk(t *testing.T) {
	dir := t.TempDir()
	a := bytes.Repeat([]byte("A"), 10)
	chunk := chunkOf(a, 0)
	f := fileEntryFromChunks("data.bin", []coremodel.ChunkEntry{chunk}, a)
	target := mkManifest(1, 100, f)

	filter, _ := NewIncludeFilter(nil, nil)
	res, err := Reconcile(1, filepath.Join(dir, "install"), filepath.Join(dir, "staging"), target, nil, filter, nil, false)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(res.WorkQueue) != 1 {
		t.Fatalf("expected 1 chunk in queue, got %d", len(res.WorkQueue))
	}
	if res.BytesComplete != 0 {
		t.Errorf("expected 0 bytes complete for fresh install, got %d", res.BytesComplete)
	}
}

func TestReconcileNoopWhenHashMatches(t *testing.T) {
	dir := t.TempDir()
	installDir := filepath.Join(dir, "install")
	a := bytes.Repeat([]byte("A"), 10)
	chunk := chunkOf(a, 0)
	f := fileEntryFromChunks("data.bin", []coremodel.ChunkEntry{chunk}, a)
	target := mkManifest(1, 100, f)
	previous := mkManifest(1, 99, f)

	if err := os.MkdirAll(installDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(installDir, "data.bin"), a, 0o644); err != nil {
		t.Fatal(err)
	}

	filter, _ := NewIncludeFilter(nil, nil)
	res, err := Reconcile(1, installDir, filepath.Join(dir, "staging"), target, previous, filter, nil, false)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(res.WorkQueue) != 0 {
		t.Fatalf("expected no-op rerun to enqueue nothing, got %d", len(res.WorkQueue))
	}
	if res.BytesComplete != int64(len(a)) {
		t.Errorf("expected %d bytes complete, got %d", len(a), res.BytesComplete)
	}
}

func TestReconcileDeltaReusesUnchangedChunks(t *testing.T) {
	dir := t.TempDir()
	installDir := filepath.Join(dir, "install")

	chunkA := bytes.Repeat([]byte("A"), 10)
	chunkB := bytes.Repeat([]byte("B"), 10)
	chunkBNew := bytes.Repeat([]byte("C"), 10)

	oldFile := fileEntryFromChunks("data.bin",
		[]coremodel.ChunkEntry{chunkOf(chunkA, 0), chunkOf(chunkB, 10)},
		append(append([]byte{}, chunkA...), chunkB...))
	newBytes := append(append([]byte{}, chunkA...), chunkBNew...)
	newFile := fileEntryFromChunks("data.bin",
		[]coremodel.ChunkEntry{chunkOf(chunkA, 0), chunkOf(chunkBNew, 10)},
		newBytes)

	previous := mkManifest(1, 99, oldFile)
	target := mkManifest(1, 100, newFile)

	if err := os.MkdirAll(installDir, 0o755); err != nil {
		t.Fatal(err)
	}
	onDisk := append(append([]byte{}, chunkA...), chunkB...)
	if err := os.WriteFile(filepath.Join(installDir, "data.bin"), onDisk, 0o644); err != nil {
		t.Fatal(err)
	}

	filter, _ := NewIncludeFilter(nil, nil)
	res, err := Reconcile(1, installDir, filepath.Join(dir, "staging"), target, previous, filter, nil, false)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(res.WorkQueue) != 1 {
		t.Fatalf("expected exactly 1 chunk fetched for a 1-chunk delta, got %d", len(res.WorkQueue))
	}
	if res.WorkQueue[0].Chunk.Offset != 10 {
		t.Errorf("expected the changed chunk at offset 10, got %d", res.WorkQueue[0].Chunk.Offset)
	}

	// The reused chunk A must already be correct at its (unchanged) offset.
	got, err := os.ReadFile(filepath.Join(installDir, "data.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got[0:10], chunkA) {
		t.Errorf("reused chunk bytes not preserved at offset 0")
	}
}

func TestIncludeFilterPathsAndRegexes(t *testing.T) {
	f, err := NewIncludeFilter([]string{"a/b.txt"}, []string{`^c/.*\.dll$`})
	if err != nil {
		t.Fatal(err)
	}
	if !f.Included("a/b.txt") {
		t.Error("expected explicit path to be included")
	}
	if !f.Included("c/foo.dll") {
		t.Error("expected regex match to be included")
	}
	if f.Included("d/nope.txt") {
		t.Error("expected unmatched path to be excluded")
	}
}

func TestIncludeFilterEmptyIncludesEverything(t *testing.T) {
	f, err := NewIncludeFilter(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !f.Included("anything") {
		t.Error("expected empty filter to include everything")
	}
}
