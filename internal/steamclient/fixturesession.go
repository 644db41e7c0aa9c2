package steamclient

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"

	"github.com/gustash/steamdepot/internal/coremodel"
)

// Fixture is the on-disk shape a FixtureSession loads, following the
// auth.Session idiom of one JSON file per concern under the config
// directory. It stands in for the PICS/CM responses a real Steam session
// would otherwise provide.
type Fixture struct {
	Anonymous bool                        `json:"anonymous"`
	Apps      map[coremodel.AppId]AppFixture `json:"apps"`
	Servers   []coremodel.CdnServer       `json:"servers"`
}

// AppFixture is one app's fixed PICS projection plus the depot keys needed
// to decrypt its depots, keyed by depot id as a string since JSON object
// keys must be strings.
type AppFixture struct {
	Info      coremodel.AppInfo        `json:"info"`
	DepotKeys map[string]string        `json:"depot_keys"` // hex-encoded 32-byte keys
}

// LoadFixture reads a Fixture from path.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("steamclient: read fixture: %w", err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("steamclient: parse fixture: %w", err)
	}
	return &f, nil
}

// SaveFixture writes f to path the way auth.SaveSession persists a Session,
// for tooling that generates fixtures rather than hand-writing JSON.
func SaveFixture(path string, f *Fixture) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// FixtureSession implements ports.SessionPort against a Fixture loaded from
// disk instead of a live connection to Steam. It is meant for offline demos,
// integration tests, and as a template for a real session implementation:
// every method's contract (what SessionPort callers expect back) is
// preserved, only the source of truth differs.
type FixtureSession struct {
	fixture *Fixture
}

// NewFixtureSession wraps an already-loaded Fixture.
func NewFixtureSession(f *Fixture) *FixtureSession {
	return &FixtureSession{fixture: f}
}

func (s *FixtureSession) RequestAppInfo(_ context.Context, appID coremodel.AppId) (*coremodel.AppInfo, error) {
	app, ok := s.fixture.Apps[appID]
	if !ok {
		return nil, fmt.Errorf("steamclient: no fixture for app %d", appID)
	}
	info := app.Info
	return &info, nil
}

func (s *FixtureSession) RequestPackageInfo(context.Context, []uint32) ([]coremodel.PackageInfo, error) {
	return nil, nil
}

func (s *FixtureSession) RequestDepotKey(_ context.Context, depotID coremodel.DepotId, appID coremodel.AppId) (coremodel.DepotKey, error) {
	app, ok := s.fixture.Apps[appID]
	if !ok {
		return coremodel.DepotKey{}, fmt.Errorf("steamclient: no fixture for app %d", appID)
	}
	hexKey, ok := app.DepotKeys[fmt.Sprintf("%d", depotID)]
	if !ok {
		return coremodel.DepotKey{}, fmt.Errorf("steamclient: no depot key fixture for depot %d", depotID)
	}
	raw, err := hex.DecodeString(hexKey)
	if err != nil || len(raw) != 32 {
		return coremodel.DepotKey{}, fmt.Errorf("steamclient: malformed depot key fixture for depot %d", depotID)
	}
	var key coremodel.DepotKey
	copy(key[:], raw)
	return key, nil
}

// GetManifestRequestCode fabricates a deterministic, non-zero code from the
// (depot, manifest) pair. A real session mints this from a CM request; here
// it only needs to be stable across retries so caching and logging make
// sense in a fixture-backed run.
func (s *FixtureSession) GetManifestRequestCode(_ context.Context, depotID coremodel.DepotId, _ coremodel.AppId, manifestID coremodel.ManifestId, _ string) (uint64, error) {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d:%d", depotID, manifestID)
	return h.Sum64(), nil
}

func (s *FixtureSession) GetCdnAuthToken(context.Context, coremodel.AppId, coremodel.DepotId, string) (string, error) {
	return "", nil
}

func (s *FixtureSession) GetServers(context.Context, uint32) ([]coremodel.CdnServer, error) {
	if len(s.fixture.Servers) == 0 {
		return nil, fmt.Errorf("steamclient: fixture has no servers")
	}
	return s.fixture.Servers, nil
}

func (s *FixtureSession) CheckBetaPassword(context.Context, coremodel.AppId, string, string) (coremodel.BranchKey, error) {
	return coremodel.BranchKey{}, fmt.Errorf("steamclient: private branches are not supported in fixture sessions")
}

func (s *FixtureSession) GetPrivateBetaDepotSection(context.Context, coremodel.AppId, string) (coremodel.DepotSection, error) {
	return coremodel.DepotSection{}, fmt.Errorf("steamclient: private branches are not supported in fixture sessions")
}

func (s *FixtureSession) RequestFreeAppLicense(context.Context, coremodel.AppId) (bool, error) {
	return false, nil
}

func (s *FixtureSession) GetPublishedFileDetails(context.Context, coremodel.AppId, uint64) (coremodel.PublishedFileDetails, error) {
	return coremodel.PublishedFileDetails{}, fmt.Errorf("steamclient: workshop items are not supported in fixture sessions")
}

func (s *FixtureSession) GetUGCDetails(context.Context, uint64) (coremodel.UgcDetails, error) {
	return coremodel.UgcDetails{}, fmt.Errorf("steamclient: workshop items are not supported in fixture sessions")
}

func (s *FixtureSession) IsAnonymous() bool { return s.fixture.Anonymous }

func (s *FixtureSession) OwnedPackages(context.Context) ([]coremodel.PackageInfo, error) {
	return nil, nil
}

func (s *FixtureSession) State() coremodel.SessionState { return coremodel.SessionLoggedOn }
