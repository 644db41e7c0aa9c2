// Package platform holds the OS-specific post-install fixups the
// file-attribute model doesn't cover by itself: a depot's FileEntry.Flags
// records Steam's own executable bit, but a macOS .app bundle's real
// entry point is named inside Info.plist and has to be discovered and
// chmod'd separately.
package platform

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"howett.net/plist"
)

// infoPlist is the subset of a macOS Info.plist this package reads.
type infoPlist struct {
	CFBundleExecutable string `plist:"CFBundleExecutable"`
}

// MacAppBundle is one discovered .app bundle within an install directory.
type MacAppBundle struct {
	AppPath        string
	InfoPlistPath  string
	ExecutablePath string
}

// FindMacAppBundles walks installDir at any depth for .app directories
// (without descending into a bundle once found) and resolves each one's
// main executable via its Info.plist.
func FindMacAppBundles(installDir string) ([]*MacAppBundle, error) {
	var bundles []*MacAppBundle

	err := filepath.Walk(installDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() || !strings.HasSuffix(info.Name(), ".app") {
			return nil
		}

		bundle := &MacAppBundle{
			AppPath:       path,
			InfoPlistPath: filepath.Join(path, "Contents", "Info.plist"),
		}
		if _, err := os.Stat(bundle.InfoPlistPath); err == nil {
			if exe, err := readBundleExecutable(bundle.InfoPlistPath); err == nil && exe != "" {
				bundle.ExecutablePath = filepath.Join(path, "Contents", "MacOS", exe)
				bundles = append(bundles, bundle)
			}
		}
		return filepath.SkipDir
	})

	return bundles, err
}

func readBundleExecutable(plistPath string) (string, error) {
	file, err := os.Open(plistPath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	var info infoPlist
	if err := plist.NewDecoder(file).Decode(&info); err != nil {
		return "", err
	}
	return info.CFBundleExecutable, nil
}

// MarkExecutable chmods the bundle's main executable to 0755.
func (b *MacAppBundle) MarkExecutable() error {
	if b.ExecutablePath == "" {
		return fmt.Errorf("platform: no executable path resolved for bundle %s", b.AppPath)
	}
	if _, err := os.Stat(b.ExecutablePath); err != nil {
		return fmt.Errorf("platform: bundle executable not found: %w", err)
	}
	if err := os.Chmod(b.ExecutablePath, 0o755); err != nil {
		return fmt.Errorf("platform: chmod bundle executable: %w", err)
	}
	return nil
}

// FixMacBundleExecutables finds and chmods every .app bundle's main
// executable under installDir. Depots that ship a .app never mark
// CFBundleExecutable via Steam's own FileFlags, so this runs as a fixup
// after a depot completes rather than during chunk reconciliation.
func FixMacBundleExecutables(installDir string) error {
	bundles, err := FindMacAppBundles(installDir)
	if err != nil {
		return fmt.Errorf("platform: find app bundles: %w", err)
	}
	for _, bundle := range bundles {
		if err := bundle.MarkExecutable(); err != nil {
			return err
		}
	}
	return nil
}
