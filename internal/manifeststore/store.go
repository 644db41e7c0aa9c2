// Package manifeststore resolves and caches depot manifests:
// an on-disk cache validated by a SHA-1 sidecar file, an in-process LRU on
// top of it, and a short-lived manifest-request-code cache. The fetch/cache
// split follows manifest.FetchBuild/FetchChunks, which
// separately fetches and persists raw manifest bytes before parsing them.
//
// Store does not itself talk to the CDN pool: the retry/rotation protocol
// (get connection, 403-then-token, broken-connection
// rotation) is orchestration that belongs to internal/engine, which calls
// LoadCached before its own fetch loop and PutDecoded after a successful
// fetch.
package manifeststore

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/gob"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/gustash/steamdepot/internal/coremodel"
	"github.com/gustash/steamdepot/internal/ports"
	"github.com/gustash/steamdepot/internal/wireformat"
)

const requestCodeTTL = 5 * time.Minute

const memCacheSize = 32

// Store resolves manifests through a two-level cache: an in-process LRU and
// an on-disk cache validated against a SHA-1 sidecar. On a miss the caller
// (internal/engine) fetches from the CDN and hands the result back.
type Store struct {
	dir     string
	session ports.SessionPort

	mem *lru.Cache

	mu           sync.Mutex
	requestCodes map[manifestKey]requestCodeEntry
}

type manifestKey struct {
	depot    coremodel.DepotId
	manifest coremodel.ManifestId
}

type requestCodeEntry struct {
	code      uint64
	expiresAt time.Time
}

// Open creates a Store rooted at dir (typically
// configDir()/manifests/<app_id>), creating it if necessary.
func Open(dir string, session ports.SessionPort) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	mem, err := lru.New(memCacheSize)
	if err != nil {
		return nil, err
	}
	return &Store{
		dir:          dir,
		session:      session,
		mem:          mem,
		requestCodes: make(map[manifestKey]requestCodeEntry),
	}, nil
}

func (s *Store) manifestPath(depot coremodel.DepotId, manifest coremodel.ManifestId) string {
	return filepath.Join(s.dir, fmt.Sprintf("%d_%d.manifest", depot, manifest))
}

func (s *Store) shaPath(depot coremodel.DepotId, manifest coremodel.ManifestId) string {
	return s.manifestPath(depot, manifest) + ".sha"
}

// legacyManifestPath is the pre-sidecar on-disk format this store falls
// back to reading (but never writes) for manifests cached by an older run.
func (s *Store) legacyManifestPath(depot coremodel.DepotId, manifest coremodel.ManifestId) string {
	return filepath.Join(s.dir, fmt.Sprintf("%d_%d.bin", depot, manifest))
}

// LoadCached consults the memory cache, then the on-disk cache (sidecar
// SHA-1 verified), returning (nil, false, nil) on a clean miss so
// the caller knows to fetch. A corrupt or mismatched sidecar is reported
// via ok=false rather than an error: log and discard, then refetch.
func (s *Store) LoadCached(depot coremodel.DepotId, manifest coremodel.ManifestId, depotKey coremodel.DepotKey) (m *coremodel.Manifest, ok bool, err error) {
	key := manifestKey{depot, manifest}
	if v, found := s.mem.Get(key); found {
		return v.(*coremodel.Manifest), true, nil
	}

	m, derr := s.loadDisk(depot, manifest, depotKey)
	if derr != nil || m == nil {
		return nil, false, nil
	}
	s.mem.Add(key, m)
	return m, true, nil
}

// SaveAndDecode decodes freshly fetched raw manifest bytes, persists them
// to the disk cache with a SHA-1 sidecar, and populates the memory
// cache, mirroring the fetch-then-persist-then-parse ordering in
// manifest.FetchBuild.
func (s *Store) SaveAndDecode(depot coremodel.DepotId, manifest coremodel.ManifestId, raw []byte, depotKey coremodel.DepotKey) (*coremodel.Manifest, error) {
	m, err := wireformat.DecodeManifest(raw, depot, manifest, depotKey)
	if err != nil {
		return nil, err
	}
	if err := s.saveDisk(depot, manifest, raw); err != nil {
		return nil, err
	}
	s.mem.Add(manifestKey{depot, manifest}, m)
	return m, nil
}

func (s *Store) gobPath(depot coremodel.DepotId, manifest coremodel.ManifestId) string {
	return filepath.Join(s.dir, fmt.Sprintf("%d_%d.gob", depot, manifest))
}

func (s *Store) gobShaPath(depot coremodel.DepotId, manifest coremodel.ManifestId) string {
	return s.gobPath(depot, manifest) + ".sha"
}

func (s *Store) loadDisk(depot coremodel.DepotId, manifest coremodel.ManifestId, depotKey coremodel.DepotKey) (*coremodel.Manifest, error) {
	raw, err := os.ReadFile(s.manifestPath(depot, manifest))
	if err == nil {
		wantHex, shaErr := os.ReadFile(s.shaPath(depot, manifest))
		if shaErr != nil {
			return nil, shaErr
		}
		got := sha1.Sum(raw)
		if hex.EncodeToString(got[:]) != string(wantHex) {
			return nil, fmt.Errorf("manifeststore: sidecar mismatch for %d_%d", depot, manifest)
		}
		return wireformat.DecodeManifest(raw, depot, manifest, depotKey)
	}

	if gobRaw, gerr := os.ReadFile(s.gobPath(depot, manifest)); gerr == nil {
		wantHex, shaErr := os.ReadFile(s.gobShaPath(depot, manifest))
		if shaErr != nil {
			return nil, shaErr
		}
		got := sha1.Sum(gobRaw)
		if hex.EncodeToString(got[:]) != string(wantHex) {
			return nil, fmt.Errorf("manifeststore: gob sidecar mismatch for %d_%d", depot, manifest)
		}
		var m coremodel.Manifest
		if derr := gob.NewDecoder(bytes.NewReader(gobRaw)).Decode(&m); derr != nil {
			return nil, derr
		}
		return &m, nil
	}

	raw, err = os.ReadFile(s.legacyManifestPath(depot, manifest))
	if err != nil {
		return nil, err
	}
	return wireformat.DecodeManifest(raw, depot, manifest, depotKey)
}

// PutDecoded caches a manifest the CDN client already decoded (the common
// case: CdnClient.DownloadManifest hands back a parsed *coremodel.Manifest,
// not the raw wire payload), populating both the memory LRU and an on-disk
// gob-encoded copy with its own SHA-1 sidecar.
func (s *Store) PutDecoded(depot coremodel.DepotId, manifest coremodel.ManifestId, m *coremodel.Manifest) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return err
	}
	if err := atomicWrite(s.gobPath(depot, manifest), buf.Bytes()); err != nil {
		return err
	}
	sum := sha1.Sum(buf.Bytes())
	if err := atomicWrite(s.gobShaPath(depot, manifest), []byte(hex.EncodeToString(sum[:]))); err != nil {
		return err
	}
	s.mem.Add(manifestKey{depot, manifest}, m)
	return nil
}

func (s *Store) saveDisk(depot coremodel.DepotId, manifest coremodel.ManifestId, raw []byte) error {
	if err := atomicWrite(s.manifestPath(depot, manifest), raw); err != nil {
		return err
	}
	sum := sha1.Sum(raw)
	return atomicWrite(s.shaPath(depot, manifest), []byte(hex.EncodeToString(sum[:])))
}

// atomicWrite writes via a temp file in the same directory plus rename, so
// a crash never leaves a torn manifest or sidecar; a crash between the two
// renames leaves a sidecar mismatch that loadDisk detects and discards.
func atomicWrite(name string, data []byte) error {
	tmp := name + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, name)
}

// RequestCode returns a cached manifest request code, refreshing it from
// the session if it is missing, expired, or forceRefresh is set (the latter
// used on an auth error).
func (s *Store) RequestCode(ctx context.Context, depot coremodel.DepotId, app coremodel.AppId, manifest coremodel.ManifestId, branch string, forceRefresh bool) (uint64, error) {
	key := manifestKey{depot, manifest}

	s.mu.Lock()
	entry, ok := s.requestCodes[key]
	s.mu.Unlock()

	if ok && !forceRefresh && time.Now().Before(entry.expiresAt) {
		return entry.code, nil
	}

	code, err := s.session.GetManifestRequestCode(ctx, depot, app, manifest, branch)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.requestCodes[key] = requestCodeEntry{code: code, expiresAt: time.Now().Add(requestCodeTTL)}
	s.mu.Unlock()

	return code, nil
}
