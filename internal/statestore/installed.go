package statestore

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/gustash/steamdepot/internal/coremodel"
)

// InstalledStore persists, per app, which ManifestId is currently installed
// for each DepotId. The file format is a deflate-compressed stream of
// fixed-width little-endian (depot_id uint64, manifest_id uint64) pairs,
// with no count or length prefix.
type InstalledStore struct {
	mu   sync.Mutex
	path string
}

func installedFileName(app coremodel.AppId) string {
	return fmt.Sprintf("installed_%d.bin", app)
}

// OpenInstalledStore opens (without yet reading) the installed-manifest
// store for one app.
func OpenInstalledStore(app coremodel.AppId) (*InstalledStore, error) {
	path, err := configFile(installedFileName(app))
	if err != nil {
		return nil, err
	}
	return &InstalledStore{path: path}, nil
}

// Load reads the installed-manifest map, returning an empty map if no file
// exists yet. Load is best-effort: a corrupt or truncated file also yields
// an empty map, alongside an error the caller should log as a warning and
// otherwise ignore.
func (s *InstalledStore) Load() (coremodel.InstalledManifestMap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return coremodel.InstalledManifestMap{}, nil
	}
	if err != nil {
		return coremodel.InstalledManifestMap{}, err
	}

	zr := flate.NewReader(bytes.NewReader(raw))
	defer zr.Close()
	plain, err := io.ReadAll(zr)
	if err != nil {
		return coremodel.InstalledManifestMap{}, fmt.Errorf("statestore: corrupt installed-manifest file %s: %w", s.path, err)
	}

	m := coremodel.InstalledManifestMap{}
	r := bytes.NewReader(plain)
	for r.Len() > 0 {
		var depot, manifest uint64
		if err := binary.Read(r, binary.LittleEndian, &depot); err != nil {
			return coremodel.InstalledManifestMap{}, fmt.Errorf("statestore: truncated installed-manifest file: %w", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &manifest); err != nil {
			return coremodel.InstalledManifestMap{}, fmt.Errorf("statestore: truncated installed-manifest file: %w", err)
		}
		m[coremodel.DepotId(depot)] = coremodel.ManifestId(manifest)
	}
	return m, nil
}

// Save compresses and atomically writes the installed-manifest map.
func (s *InstalledStore) Save(m coremodel.InstalledManifestMap) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var plain bytes.Buffer
	for depot, manifest := range m {
		binary.Write(&plain, binary.LittleEndian, uint64(depot))
		binary.Write(&plain, binary.LittleEndian, uint64(manifest))
	}

	var out bytes.Buffer
	zw, err := flate.NewWriter(&out, flate.BestCompression)
	if err != nil {
		return err
	}
	if _, err := zw.Write(plain.Bytes()); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}

	return atomicWrite(s.path, out.Bytes())
}
