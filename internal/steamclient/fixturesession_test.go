package steamclient

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/gustash/steamdepot/internal/coremodel"
)

func testFixture() *Fixture {
	return &Fixture{
		Anonymous: true,
		Apps: map[coremodel.AppId]AppFixture{
			730: {
				Info: coremodel.AppInfo{
					AppID: 730,
					Name:  "Counter-Strike",
					Depots: []coremodel.DepotInfo{
						{DepotID: 731},
					},
				},
				DepotKeys: map[string]string{
					"731": "0000000000000000000000000000000000000000000000000000000000000000",
				},
			},
		},
		Servers: []coremodel.CdnServer{
			{Host: "a.steamcontent.com", Type: coremodel.CdnServerCDN},
		},
	}
}

func TestLoadFixtureSaveFixtureRoundTrip(t *testing.T) {
	f := testFixture()
	path := filepath.Join(t.TempDir(), "fixture.json")
	if err := SaveFixture(path, f); err != nil {
		t.Fatalf("SaveFixture: %v", err)
	}
	got, err := LoadFixture(path)
	if err != nil {
		t.Fatalf("LoadFixture: %v", err)
	}
	if got.Anonymous != f.Anonymous {
		t.Errorf("Anonymous = %v, want %v", got.Anonymous, f.Anonymous)
	}
	app, ok := got.Apps[730]
	if !ok || app.Info.Name != "Counter-Strike" {
		t.Fatalf("apps[730] = %+v, ok=%v", app, ok)
	}
}

func TestLoadFixtureMissingFileErrors(t *testing.T) {
	if _, err := LoadFixture(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected an error for a missing fixture file")
	}
}

func TestFixtureSessionRequestAppInfoUnknownApp(t *testing.T) {
	s := NewFixtureSession(testFixture())
	if _, err := s.RequestAppInfo(context.Background(), 999); err == nil {
		t.Fatal("expected an error for an app not present in the fixture")
	}
}

func TestFixtureSessionRequestAppInfoKnownApp(t *testing.T) {
	s := NewFixtureSession(testFixture())
	info, err := s.RequestAppInfo(context.Background(), 730)
	if err != nil {
		t.Fatalf("RequestAppInfo: %v", err)
	}
	if info.Name != "Counter-Strike" {
		t.Fatalf("info.Name = %q, want Counter-Strike", info.Name)
	}
}

func TestFixtureSessionRequestDepotKeyRoundTrip(t *testing.T) {
	f := testFixture()
	f.Apps[730] = AppFixture{
		Info: f.Apps[730].Info,
		DepotKeys: map[string]string{
			"731": "0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f20",
		},
	}
	s := NewFixtureSession(f)
	key, err := s.RequestDepotKey(context.Background(), 731, 730)
	if err != nil {
		t.Fatalf("RequestDepotKey: %v", err)
	}
	if key[0] != 0x01 || key[31] != 0x20 {
		t.Fatalf("decoded key = %x, want first byte 0x01 and last byte 0x20", key)
	}
}

func TestFixtureSessionRequestDepotKeyMissingKey(t *testing.T) {
	s := NewFixtureSession(testFixture())
	if _, err := s.RequestDepotKey(context.Background(), 9999, 730); err == nil {
		t.Fatal("expected an error for a depot with no fixture key")
	}
}

func TestFixtureSessionGetManifestRequestCodeIsDeterministic(t *testing.T) {
	s := NewFixtureSession(testFixture())
	a, err := s.GetManifestRequestCode(context.Background(), 731, 730, 1001, "public")
	if err != nil {
		t.Fatalf("GetManifestRequestCode: %v", err)
	}
	b, err := s.GetManifestRequestCode(context.Background(), 731, 730, 1001, "public")
	if err != nil {
		t.Fatalf("GetManifestRequestCode: %v", err)
	}
	if a != b || a == 0 {
		t.Fatalf("code should be stable and non-zero, got %d then %d", a, b)
	}

	c, err := s.GetManifestRequestCode(context.Background(), 731, 730, 1002, "public")
	if err != nil {
		t.Fatalf("GetManifestRequestCode: %v", err)
	}
	if c == a {
		t.Fatal("a different manifest id should produce a different code")
	}
}

func TestFixtureSessionGetServers(t *testing.T) {
	s := NewFixtureSession(testFixture())
	servers, err := s.GetServers(context.Background(), 0)
	if err != nil {
		t.Fatalf("GetServers: %v", err)
	}
	if len(servers) != 1 || servers[0].Host != "a.steamcontent.com" {
		t.Fatalf("servers = %+v", servers)
	}
}

func TestFixtureSessionGetServersEmptyFixtureErrors(t *testing.T) {
	f := testFixture()
	f.Servers = nil
	s := NewFixtureSession(f)
	if _, err := s.GetServers(context.Background(), 0); err == nil {
		t.Fatal("expected an error when the fixture has no servers")
	}
}

func TestFixtureSessionUnsupportedOperationsError(t *testing.T) {
	s := NewFixtureSession(testFixture())
	if _, err := s.CheckBetaPassword(context.Background(), 730, "beta", "pw"); err == nil {
		t.Fatal("CheckBetaPassword should be unsupported in a fixture session")
	}
	if _, err := s.GetPrivateBetaDepotSection(context.Background(), 730, "beta"); err == nil {
		t.Fatal("GetPrivateBetaDepotSection should be unsupported in a fixture session")
	}
	if _, err := s.GetPublishedFileDetails(context.Background(), 730, 1); err == nil {
		t.Fatal("GetPublishedFileDetails should be unsupported in a fixture session")
	}
	if _, err := s.GetUGCDetails(context.Background(), 1); err == nil {
		t.Fatal("GetUGCDetails should be unsupported in a fixture session")
	}
}

func TestFixtureSessionAnonymousAndState(t *testing.T) {
	s := NewFixtureSession(testFixture())
	if !s.IsAnonymous() {
		t.Fatal("fixture marked anonymous=true should report IsAnonymous()")
	}
	if s.State() != coremodel.SessionLoggedOn {
		t.Fatalf("State() = %v, want SessionLoggedOn", s.State())
	}
}
