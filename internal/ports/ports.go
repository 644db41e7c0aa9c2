// Package ports declares the external collaborator interfaces the core
// consumes: the Steam session, the CDN HTTP client, and the
// UI/progress sink. The core never imports a concrete implementation of
// any of these; cmd/steamdepot wires real (or, here, stub) ones in.
package ports

import (
	"context"

	"github.com/gustash/steamdepot/internal/coremodel"
)

// SessionPort is every fallible Steam-session operation the core needs.
type SessionPort interface {
	RequestAppInfo(ctx context.Context, appID coremodel.AppId) (*coremodel.AppInfo, error)
	RequestPackageInfo(ctx context.Context, ids []uint32) ([]coremodel.PackageInfo, error)
	RequestDepotKey(ctx context.Context, depotID coremodel.DepotId, appID coremodel.AppId) (coremodel.DepotKey, error)
	GetManifestRequestCode(ctx context.Context, depotID coremodel.DepotId, appID coremodel.AppId, manifestID coremodel.ManifestId, branch string) (uint64, error)
	GetCdnAuthToken(ctx context.Context, appID coremodel.AppId, depotID coremodel.DepotId, host string) (string, error)
	GetServers(ctx context.Context, cellID uint32) ([]coremodel.CdnServer, error)
	CheckBetaPassword(ctx context.Context, appID coremodel.AppId, branch, password string) (coremodel.BranchKey, error)
	GetPrivateBetaDepotSection(ctx context.Context, appID coremodel.AppId, branch string) (coremodel.DepotSection, error)
	RequestFreeAppLicense(ctx context.Context, appID coremodel.AppId) (bool, error)
	GetPublishedFileDetails(ctx context.Context, appID coremodel.AppId, id uint64) (coremodel.PublishedFileDetails, error)
	GetUGCDetails(ctx context.Context, ugcID uint64) (coremodel.UgcDetails, error)
	IsAnonymous() bool
	OwnedPackages(ctx context.Context) ([]coremodel.PackageInfo, error)
	State() coremodel.SessionState
}

// CdnClient fetches manifests and chunks from a given CDN server.
type CdnClient interface {
	DownloadManifest(ctx context.Context, depotID coremodel.DepotId, manifestID coremodel.ManifestId, requestCode uint64, server coremodel.CdnServer, depotKey coremodel.DepotKey, proxy *coremodel.CdnServer, token string) (*coremodel.Manifest, error)
	DownloadChunk(ctx context.Context, depotID coremodel.DepotId, chunk coremodel.ChunkEntry, server coremodel.CdnServer, dst []byte, depotKey coremodel.DepotKey, proxy *coremodel.CdnServer, token string) (int, error)
}

// UiSink is the progress/diagnostic sink the core writes to.
type UiSink interface {
	WriteLine(string)
	WriteError(string)
	WriteDebug(category, msg string)
	UpdateProgress(state string, percent float64)
	OnProgress(cb func(coremodel.ProgressEvent))
	Progress(coremodel.ProgressEvent)
}

// NoopUiSink discards everything; useful for tests and ManifestOnly runs.
type NoopUiSink struct{}

func (NoopUiSink) WriteLine(string)                           {}
func (NoopUiSink) WriteError(string)                          {}
func (NoopUiSink) WriteDebug(string, string)                  {}
func (NoopUiSink) UpdateProgress(string, float64)             {}
func (NoopUiSink) OnProgress(func(coremodel.ProgressEvent))   {}
func (NoopUiSink) Progress(coremodel.ProgressEvent)           {}
