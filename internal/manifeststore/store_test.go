package manifeststore

import (
	"context"
	"os"
	"testing"

	"github.com/gustash/steamdepot/internal/coremodel"
	"github.com/gustash/steamdepot/internal/ports"
	"github.com/gustash/steamdepot/internal/wireformat"
)

// fakeSession implements only GetManifestRequestCode; every other
// ports.SessionPort method panics if called, which no test here does.
type fakeSession struct {
	ports.SessionPort
	code  uint64
	calls int
}

func (f *fakeSession) GetManifestRequestCode(ctx context.Context, depot coremodel.DepotId, app coremodel.AppId, manifest coremodel.ManifestId, branch string) (uint64, error) {
	f.calls++
	return f.code, nil
}

func testManifest() *coremodel.Manifest {
	return &coremodel.Manifest{
		DepotID:    731,
		ManifestID: 1001,
		Files: []coremodel.FileEntry{
			{Path: "game.exe", TotalSize: 10, Flags: coremodel.FlagExecutable},
		},
	}
}

func testDepotKey() coremodel.DepotKey {
	var k coremodel.DepotKey
	for i := range k {
		k[i] = byte(i)
	}
	return k
}

func TestLoadCachedMissReturnsOkFalse(t *testing.T) {
	s, err := Open(t.TempDir(), &fakeSession{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	m, ok, err := s.LoadCached(731, 1001, testDepotKey())
	if err != nil {
		t.Fatalf("LoadCached: %v", err)
	}
	if ok || m != nil {
		t.Fatalf("LoadCached on empty store = (%v, %v), want (nil, false)", m, ok)
	}
}

func TestSaveAndDecodeThenLoadCachedHitsMemory(t *testing.T) {
	s, err := Open(t.TempDir(), &fakeSession{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	manifest := testManifest()
	raw, err := wireformat.EncodeManifest(manifest, true)
	if err != nil {
		t.Fatalf("EncodeManifest: %v", err)
	}

	decoded, err := s.SaveAndDecode(731, 1001, raw, testDepotKey())
	if err != nil {
		t.Fatalf("SaveAndDecode: %v", err)
	}
	if len(decoded.Files) != 1 || decoded.Files[0].Path != "game.exe" {
		t.Fatalf("decoded manifest = %+v", decoded)
	}

	got, ok, err := s.LoadCached(731, 1001, testDepotKey())
	if err != nil || !ok {
		t.Fatalf("LoadCached after SaveAndDecode = (%v, %v, %v)", got, ok, err)
	}
	if got.Files[0].Path != "game.exe" {
		t.Fatalf("cached manifest = %+v", got)
	}
}

func TestLoadCachedFromDiskAfterFreshStore(t *testing.T) {
	dir := t.TempDir()
	manifest := testManifest()
	raw, err := wireformat.EncodeManifest(manifest, true)
	if err != nil {
		t.Fatalf("EncodeManifest: %v", err)
	}

	s1, err := Open(dir, &fakeSession{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s1.SaveAndDecode(731, 1001, raw, testDepotKey()); err != nil {
		t.Fatalf("SaveAndDecode: %v", err)
	}

	// A fresh Store instance at the same directory has no in-memory cache
	// and must fall back to the disk sidecar-verified load path.
	s2, err := Open(dir, &fakeSession{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got, ok, err := s2.LoadCached(731, 1001, testDepotKey())
	if err != nil || !ok {
		t.Fatalf("LoadCached from disk = (%v, %v, %v)", got, ok, err)
	}
	if got.Files[0].Path != "game.exe" {
		t.Fatalf("disk-loaded manifest = %+v", got)
	}
}

func TestLoadCachedRejectsCorruptSidecar(t *testing.T) {
	dir := t.TempDir()
	manifest := testManifest()
	raw, err := wireformat.EncodeManifest(manifest, true)
	if err != nil {
		t.Fatalf("EncodeManifest: %v", err)
	}
	s, err := Open(dir, &fakeSession{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.SaveAndDecode(731, 1001, raw, testDepotKey()); err != nil {
		t.Fatalf("SaveAndDecode: %v", err)
	}

	// Reopen fresh (bypassing the memory cache) and corrupt the sidecar.
	s2, err := Open(dir, &fakeSession{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := writeCorruptSidecar(s2, 731, 1001); err != nil {
		t.Fatalf("corrupting sidecar: %v", err)
	}

	_, ok, err := s2.LoadCached(731, 1001, testDepotKey())
	if err != nil {
		t.Fatalf("LoadCached should report a clean miss, not an error, got %v", err)
	}
	if ok {
		t.Fatal("LoadCached should reject a manifest whose sidecar SHA-1 doesn't match")
	}
}

func writeCorruptSidecar(s *Store, depot coremodel.DepotId, manifest coremodel.ManifestId) error {
	return os.WriteFile(s.shaPath(depot, manifest), []byte("0000000000000000000000000000000000000000"), 0o600)
}

func TestRequestCodeCachesUntilForceRefresh(t *testing.T) {
	sess := &fakeSession{code: 42}
	s, err := Open(t.TempDir(), sess)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	code, err := s.RequestCode(context.Background(), 731, 730, 1001, "public", false)
	if err != nil {
		t.Fatalf("RequestCode: %v", err)
	}
	if code != 42 {
		t.Fatalf("code = %d, want 42", code)
	}
	if sess.calls != 1 {
		t.Fatalf("calls = %d, want 1", sess.calls)
	}

	// Second call within the TTL should hit the cache, not the session.
	if _, err := s.RequestCode(context.Background(), 731, 730, 1001, "public", false); err != nil {
		t.Fatalf("RequestCode: %v", err)
	}
	if sess.calls != 1 {
		t.Fatalf("calls after cached hit = %d, want 1", sess.calls)
	}

	// forceRefresh must bypass the cache even within the TTL.
	sess.code = 99
	code, err = s.RequestCode(context.Background(), 731, 730, 1001, "public", true)
	if err != nil {
		t.Fatalf("RequestCode: %v", err)
	}
	if code != 99 || sess.calls != 2 {
		t.Fatalf("forced refresh code=%d calls=%d, want 99/2", code, sess.calls)
	}
}
