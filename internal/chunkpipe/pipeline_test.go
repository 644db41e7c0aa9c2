package chunkpipe

import (
	"bytes"
	"context"
	"crypto/sha1"
	"hash/adler32"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gustash/steamdepot/internal/cdnpool"
	"github.com/gustash/steamdepot/internal/coremodel"
)

type fakeCDN struct {
	mu       sync.Mutex
	failOnce map[[20]byte]bool
	calls    int32
}

func (f *fakeCDN) DownloadManifest(context.Context, coremodel.DepotId, coremodel.ManifestId, uint64, coremodel.CdnServer, coremodel.DepotKey, *coremodel.CdnServer, string) (*coremodel.Manifest, error) {
	return nil, nil
}

func (f *fakeCDN) DownloadChunk(_ context.Context, _ coremodel.DepotId, chunk coremodel.ChunkEntry, _ coremodel.CdnServer, dst []byte, _ coremodel.DepotKey, _ *coremodel.CdnServer, _ string) (int, error) {
	atomic.AddInt32(&f.calls, 1)
	plaintext := chunkPlaintext(chunk)
	n := copy(dst, plaintext)
	return n, nil
}

var chunkData = map[[20]byte][]byte{}

func chunkPlaintext(c coremodel.ChunkEntry) []byte {
	return chunkData[c.ChunkID]
}

func makeChunk(data []byte, offset uint64) coremodel.ChunkEntry {
	id := sha1.Sum(data)
	chunkData[id] = data
	return coremodel.ChunkEntry{
		ChunkID:            id,
		Offset:             offset,
		UncompressedLength: uint32(len(data)),
		Adler32Checksum:    adler32.Checksum(data),
	}
}

type fakeSettings struct{ mu sync.Mutex; m map[string]uint32 }

func (s *fakeSettings) Penalty(host string) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m[host]
}
func (s *fakeSettings) SetPenalty(host string, v uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[host] = v
}
func (s *fakeSettings) DecayAll(uint32) {}

func TestDrainWritesChunksAndVerifies(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")
	if err := os.WriteFile(path, make([]byte, 20), 0o644); err != nil {
		t.Fatal(err)
	}

	a := bytes.Repeat([]byte("A"), 10)
	b := bytes.Repeat([]byte("B"), 10)
	chunkA := makeChunk(a, 0)
	chunkB := makeChunk(b, 10)

	queue := []coremodel.ChunkWorkItem{
		{DepotID: 1, FilePath: path, Chunk: chunkA},
		{DepotID: 1, FilePath: path, Chunk: chunkB},
	}

	settings := &fakeSettings{m: map[string]uint32{}}
	pool, err := cdnpool.New([]coremodel.CdnServer{{Host: "cdn1", Type: coremodel.CdnServerCDN, NumEntries: 1}}, 1, settings, 4)
	if err != nil {
		t.Fatal(err)
	}

	counters := &Counters{Window: NewSpeedWindow()}
	deps := Deps{
		CDN:         &fakeCDN{failOnce: map[[20]byte]bool{}},
		Pool:        pool,
		Tokens:      NewTokenCache(),
		Resume:      NoopResume,
		RetryPolicy: coremodel.DefaultRetryPolicy(),
		DepotID:     1,
		Concurrency: 2,
	}

	if err := Drain(context.Background(), queue, coremodel.DepotKey{}, deps, counters); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got[:10], a) || !bytes.Equal(got[10:20], b) {
		t.Errorf("unexpected file contents: %q", got)
	}
	if counters.BytesDownloaded != 20 {
		t.Errorf("expected 20 bytes downloaded, got %d", counters.BytesDownloaded)
	}
}

func TestBufferPoolRoundsToPowerOfTwo(t *testing.T) {
	p := NewBufferPool()
	h := p.Get(100)
	if cap(h.full) < (1 << 20) {
		t.Errorf("expected at least 1MiB bucket, got cap %d", cap(h.full))
	}
	h.Release()
	if h.Buf != nil {
		t.Error("expected Buf to be nil after release")
	}
}

func TestSpeedWindowTotalBytes(t *testing.T) {
	w := NewSpeedWindow()
	w.Add(1000)
	if w.TotalBytes() != 1000 {
		t.Errorf("expected total 1000, got %d", w.TotalBytes())
	}
}

type fakeResume struct {
	mu        sync.Mutex
	done      map[[20]byte]bool
	filesDone []string
}

func (r *fakeResume) ChunkDone(id [20]byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done[id]
}

func (r *fakeResume) MarkChunkDone(id [20]byte, _ int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done[id] = true
}

func (r *fakeResume) MarkFileDone(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.filesDone = append(r.filesDone, path)
}

func TestDrainSkipsResumeCompletedChunks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")

	a := bytes.Repeat([]byte("A"), 10)
	b := bytes.Repeat([]byte("B"), 10)
	chunkA := makeChunk(a, 0)
	chunkB := makeChunk(b, 10)

	// Chunk A already landed in a previous, interrupted run.
	initial := make([]byte, 20)
	copy(initial, a)
	if err := os.WriteFile(path, initial, 0o644); err != nil {
		t.Fatal(err)
	}

	queue := []coremodel.ChunkWorkItem{
		{DepotID: 1, FilePath: path, Chunk: chunkA},
		{DepotID: 1, FilePath: path, Chunk: chunkB},
	}

	settings := &fakeSettings{m: map[string]uint32{}}
	pool, err := cdnpool.New([]coremodel.CdnServer{{Host: "cdn1", Type: coremodel.CdnServerCDN, NumEntries: 1}}, 1, settings, 4)
	if err != nil {
		t.Fatal(err)
	}

	cdn := &fakeCDN{failOnce: map[[20]byte]bool{}}
	resume := &fakeResume{done: map[[20]byte]bool{chunkA.ChunkID: true}}
	counters := &Counters{TotalFiles: 1, Window: NewSpeedWindow()}
	deps := Deps{
		CDN:         cdn,
		Pool:        pool,
		Tokens:      NewTokenCache(),
		Resume:      resume,
		RetryPolicy: coremodel.DefaultRetryPolicy(),
		DepotID:     1,
		Concurrency: 1,
	}

	if err := Drain(context.Background(), queue, coremodel.DepotKey{}, deps, counters); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	if got := atomic.LoadInt32(&cdn.calls); got != 1 {
		t.Errorf("expected only the missing chunk to be fetched, got %d fetches", got)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got[:10], a) || !bytes.Equal(got[10:20], b) {
		t.Errorf("unexpected file contents: %q", got)
	}
	if counters.FilesCompleted != 1 {
		t.Errorf("expected the file to be counted complete, got %d", counters.FilesCompleted)
	}
	if len(resume.filesDone) != 1 || resume.filesDone[0] != path {
		t.Errorf("expected the file to be marked done in the resume store, got %v", resume.filesDone)
	}
}
