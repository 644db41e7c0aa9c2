package engine

import (
	"bytes"
	"context"
	"crypto/sha1"
	"hash/adler32"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/gustash/steamdepot/internal/coreerr"
	"github.com/gustash/steamdepot/internal/coremodel"
	"github.com/gustash/steamdepot/internal/ports"
	"github.com/gustash/steamdepot/internal/statestore"
)

type fakeSession struct{}

func (fakeSession) RequestAppInfo(context.Context, coremodel.AppId) (*coremodel.AppInfo, error) {
	return &coremodel.AppInfo{
		AppID:  730,
		Name:   "Test App",
		Common: coremodel.CommonSection{FreeToDownload: true},
		Depots: []coremodel.DepotInfo{
			{DepotID: 731, ManifestsByBranch: map[string]coremodel.ManifestId{"public": 100}},
		},
	}, nil
}
func (fakeSession) RequestPackageInfo(context.Context, []uint32) ([]coremodel.PackageInfo, error) {
	return nil, nil
}
func (fakeSession) RequestDepotKey(context.Context, coremodel.DepotId, coremodel.AppId) (coremodel.DepotKey, error) {
	return coremodel.DepotKey{}, nil
}
func (fakeSession) GetManifestRequestCode(context.Context, coremodel.DepotId, coremodel.AppId, coremodel.ManifestId, string) (uint64, error) {
	return 42, nil
}
func (fakeSession) GetCdnAuthToken(context.Context, coremodel.AppId, coremodel.DepotId, string) (string, error) {
	return "", nil
}
func (fakeSession) GetServers(context.Context, uint32) ([]coremodel.CdnServer, error) {
	return []coremodel.CdnServer{{Host: "cdn1", Type: coremodel.CdnServerCDN, NumEntries: 1}}, nil
}
func (fakeSession) CheckBetaPassword(context.Context, coremodel.AppId, string, string) (coremodel.BranchKey, error) {
	return coremodel.BranchKey{}, nil
}
func (fakeSession) GetPrivateBetaDepotSection(context.Context, coremodel.AppId, string) (coremodel.DepotSection, error) {
	return coremodel.DepotSection{}, nil
}
func (fakeSession) RequestFreeAppLicense(context.Context, coremodel.AppId) (bool, error) {
	return false, nil
}
func (fakeSession) GetPublishedFileDetails(context.Context, coremodel.AppId, uint64) (coremodel.PublishedFileDetails, error) {
	return coremodel.PublishedFileDetails{}, nil
}
func (fakeSession) GetUGCDetails(context.Context, uint64) (coremodel.UgcDetails, error) {
	return coremodel.UgcDetails{}, nil
}
func (fakeSession) IsAnonymous() bool { return false }
func (fakeSession) OwnedPackages(context.Context) ([]coremodel.PackageInfo, error) {
	return nil, nil
}
func (fakeSession) State() coremodel.SessionState { return coremodel.SessionLoggedOn }

type fakeCDN struct {
	manifest      *coremodel.Manifest
	manifestErr   error
	content       []byte
	manifestCalls int32
	chunkCalls    int32
}

func (f *fakeCDN) DownloadManifest(context.Context, coremodel.DepotId, coremodel.ManifestId, uint64, coremodel.CdnServer, coremodel.DepotKey, *coremodel.CdnServer, string) (*coremodel.Manifest, error) {
	atomic.AddInt32(&f.manifestCalls, 1)
	if f.manifestErr != nil {
		return nil, f.manifestErr
	}
	return f.manifest, nil
}

func (f *fakeCDN) DownloadChunk(_ context.Context, _ coremodel.DepotId, _ coremodel.ChunkEntry, _ coremodel.CdnServer, dst []byte, _ coremodel.DepotKey, _ *coremodel.CdnServer, _ string) (int, error) {
	atomic.AddInt32(&f.chunkCalls, 1)
	return copy(dst, f.content), nil
}

func TestRunFreshInstallSingleDepot(t *testing.T) {
	statestore.SetTestConfigDir(t.TempDir())
	defer statestore.SetTestConfigDir("")

	installDir := t.TempDir()

	content := bytes.Repeat([]byte("x"), 16)
	chunkID := sha1.Sum(content)
	fileHash := sha1.Sum(content)

	manifest := &coremodel.Manifest{
		DepotID:           731,
		ManifestID:        100,
		TotalUncompressed: uint64(len(content)),
		Files: []coremodel.FileEntry{
			{
				Path:      "game.bin",
				TotalSize: uint64(len(content)),
				SHA1Hash:  fileHash,
				Chunks: []coremodel.ChunkEntry{
					{ChunkID: chunkID, Offset: 0, UncompressedLength: uint32(len(content)), Adler32Checksum: adler32.Checksum(content)},
				},
			},
		},
	}

	settings, err := statestore.OpenSettingsStore()
	if err != nil {
		t.Fatal(err)
	}
	installed, err := statestore.OpenInstalledStore(730)
	if err != nil {
		t.Fatal(err)
	}
	resume, err := statestore.OpenResumeStore(730)
	if err != nil {
		t.Fatal(err)
	}

	cc := CoreContext{
		Settings:  settings,
		Installed: installed,
		Resume:    resume,
		Session:   fakeSession{},
		CDN:       &fakeCDN{manifest: manifest, content: content},
		UI:        ports.NoopUiSink{},
		Options: coremodel.DownloadOptions{
			AppID:      730,
			Branch:     "public",
			InstallDir: installDir,
			Resume:     true,
		},
	}

	result, err := Run(context.Background(), cc)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.AllSucceeded() {
		t.Fatalf("expected all depots to succeed, got %+v", result.Outcomes)
	}

	got, err := os.ReadFile(filepath.Join(installDir, "game.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("unexpected file contents: %q", got)
	}

	m, err := installed.Load()
	if err != nil {
		t.Fatal(err)
	}
	if m[731] != 100 {
		t.Errorf("expected depot 731 installed at manifest 100, got %d", m[731])
	}
}

func testManifest(content []byte) *coremodel.Manifest {
	chunkID := sha1.Sum(content)
	return &coremodel.Manifest{
		DepotID:           731,
		ManifestID:        100,
		TotalUncompressed: uint64(len(content)),
		Files: []coremodel.FileEntry{
			{
				Path:      "game.bin",
				TotalSize: uint64(len(content)),
				SHA1Hash:  sha1.Sum(content),
				Chunks: []coremodel.ChunkEntry{
					{ChunkID: chunkID, Offset: 0, UncompressedLength: uint32(len(content)), Adler32Checksum: adler32.Checksum(content)},
				},
			},
		},
	}
}

func TestRunSecondRunFetchesNoChunks(t *testing.T) {
	statestore.SetTestConfigDir(t.TempDir())
	defer statestore.SetTestConfigDir("")

	installDir := t.TempDir()
	content := bytes.Repeat([]byte("y"), 32)
	cdn := &fakeCDN{manifest: testManifest(content), content: content}

	settings, err := statestore.OpenSettingsStore()
	if err != nil {
		t.Fatal(err)
	}
	installed, err := statestore.OpenInstalledStore(730)
	if err != nil {
		t.Fatal(err)
	}
	resume, err := statestore.OpenResumeStore(730)
	if err != nil {
		t.Fatal(err)
	}

	cc := CoreContext{
		Settings:  settings,
		Installed: installed,
		Resume:    resume,
		Session:   fakeSession{},
		CDN:       cdn,
		UI:        ports.NoopUiSink{},
		Options: coremodel.DownloadOptions{
			AppID:      730,
			Branch:     "public",
			InstallDir: installDir,
		},
	}

	if _, err := Run(context.Background(), cc); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if got := atomic.LoadInt32(&cdn.chunkCalls); got != 1 {
		t.Fatalf("expected 1 chunk fetch on first run, got %d", got)
	}

	result, err := Run(context.Background(), cc)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if !result.AllSucceeded() {
		t.Fatalf("expected second run to succeed, got %+v", result.Outcomes)
	}
	if got := atomic.LoadInt32(&cdn.chunkCalls); got != 1 {
		t.Errorf("expected no chunk fetches on second run, got %d total", got)
	}
}

func TestRunManifest404FailsDepotWithoutRetry(t *testing.T) {
	statestore.SetTestConfigDir(t.TempDir())
	defer statestore.SetTestConfigDir("")

	cdn := &fakeCDN{manifestErr: coreerr.HTTPStatusError("test", 404)}

	settings, err := statestore.OpenSettingsStore()
	if err != nil {
		t.Fatal(err)
	}
	installed, err := statestore.OpenInstalledStore(730)
	if err != nil {
		t.Fatal(err)
	}
	resume, err := statestore.OpenResumeStore(730)
	if err != nil {
		t.Fatal(err)
	}

	cc := CoreContext{
		Settings:  settings,
		Installed: installed,
		Resume:    resume,
		Session:   fakeSession{},
		CDN:       cdn,
		UI:        ports.NoopUiSink{},
		Options: coremodel.DownloadOptions{
			AppID:      730,
			Branch:     "public",
			InstallDir: t.TempDir(),
		},
	}

	result, err := Run(context.Background(), cc)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.AllSucceeded() {
		t.Fatal("expected the depot to fail")
	}
	if got := atomic.LoadInt32(&cdn.manifestCalls); got != 1 {
		t.Errorf("expected a 404 to abort after one manifest fetch, got %d", got)
	}
}
