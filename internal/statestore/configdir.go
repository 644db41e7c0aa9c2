// Package statestore persists the installed-manifest map, resume state, and
// account settings. The config-directory layout
// (os.UserConfigDir()/<app>/...) mirrors the convention used elsewhere in this codebase;
// the on-disk encodings (deflate-compressed length-prefixed maps, atomic
// temp+rename writes) are new for this domain's binary depot/manifest keys.
package statestore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gustash/steamdepot/internal/coremodel"
)

const appDirName = "steamdepot"

// testConfigDir overrides the config directory in tests.
var testConfigDir string

// SetTestConfigDir overrides the config directory; pass "" to reset.
func SetTestConfigDir(dir string) { testConfigDir = dir }

func configDir() (string, error) {
	if testConfigDir != "" {
		return testConfigDir, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, appDirName), nil
}

func configFile(name string) (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// ManifestCacheDir returns (creating if necessary) the per-app directory
// internal/manifeststore caches decoded manifests under.
func ManifestCacheDir(app coremodel.AppId) (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	full := filepath.Join(dir, "manifests", fmt.Sprintf("%d", app))
	if err := os.MkdirAll(full, 0o700); err != nil {
		return "", err
	}
	return full, nil
}

// atomicWrite writes data to name via a temp file in the same directory
// followed by rename, so a crash never leaves a half-written state file.
func atomicWrite(name string, data []byte) error {
	tmp := name + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, name)
}
