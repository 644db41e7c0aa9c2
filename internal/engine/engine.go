// Package engine orchestrates the full download:
// plan, fetch manifests, reconcile, drain the chunk pipeline, and commit
// install state — one depot at a time, processed sequentially relative
// to other depots. It replaces package-level Downloader/Updater
// singletons with explicit CoreContext injection.
package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/gustash/steamdepot/internal/cdnpool"
	"github.com/gustash/steamdepot/internal/chunkpipe"
	"github.com/gustash/steamdepot/internal/coreerr"
	"github.com/gustash/steamdepot/internal/coremodel"
	"github.com/gustash/steamdepot/internal/manifeststore"
	"github.com/gustash/steamdepot/internal/planner"
	"github.com/gustash/steamdepot/internal/ports"
	"github.com/gustash/steamdepot/internal/reconciler"
	"github.com/gustash/steamdepot/internal/statestore"
)

// CoreContext bundles every mutable singleton and collaborator the core
// needs, constructor-injected into Run instead of living as package-level
// globals.
type CoreContext struct {
	Settings  *statestore.SettingsStore
	Installed *statestore.InstalledStore
	Resume    *statestore.ResumeStore
	Options   coremodel.DownloadOptions
	Session   ports.SessionPort
	CDN       ports.CdnClient
	UI        ports.UiSink
}

// Run executes one full download end to end and returns
// a DownloadResult with per-depot outcomes (partial-success semantics).
func Run(ctx context.Context, cc CoreContext) (*coremodel.DownloadResult, error) {
	opts := cc.Options.WithDefaults()
	ui := cc.UI
	if ui == nil {
		ui = ports.NoopUiSink{}
	}

	plan, err := planner.Plan(ctx, cc.Session, opts)
	if err != nil {
		return nil, err
	}
	ui.WriteLine(fmt.Sprintf("resolved plan for %s: %d depot(s)", plan.AppName, len(plan.Depots)))

	filter, err := reconciler.NewIncludeFilter(opts.FileIncludePaths, opts.FileIncludeRegexes)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindInvalidInput, "engine.Run: compile include filter", err)
	}

	resumeState, err := loadOrCreateResumeState(cc.Resume, opts)
	if err != nil {
		ui.WriteError(fmt.Sprintf("resume state discarded: %v", err))
		resumeState = coremodel.NewResumeState(opts.AppID, coremodel.NormalizeBranch(opts.Branch), time.Now())
	}

	installed, err := cc.Installed.Load()
	if err != nil {
		ui.WriteError(fmt.Sprintf("installed-manifest map discarded: %v", err))
		installed = coremodel.InstalledManifestMap{}
	}

	manifestDir, err := statestore.ManifestCacheDir(opts.AppID)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindIO, "engine.Run: manifest cache dir", err)
	}
	store, err := manifeststore.Open(manifestDir, cc.Session)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindIO, "engine.Run: open manifest store", err)
	}

	result := &coremodel.DownloadResult{}

	// Phase 1: resolve a depot key, a CDN pool, and a manifest for every
	// depot up front. This is what makes the reverse-order claim
	// possible: a depot earlier in plan order needs every later
	// depot's manifest already in hand to know what it must NOT touch.
	fetched := make([]fetchedDepot, len(plan.Depots))
	manifestsByDepot := map[coremodel.DepotId]*coremodel.Manifest{}
	installDirGroups := map[string][]coremodel.DepotId{}

	for i, depot := range plan.Depots {
		fd := fetchedDepot{plan: depot}

		depotKey, err := cc.Session.RequestDepotKey(ctx, depot.DepotID, depot.ContainingAppID)
		if err != nil {
			fd.err = coreerr.Wrap(coreerr.KindAuthRequired, "engine.Run: request depot key", err)
			fetched[i] = fd
			continue
		}
		fd.depotKey = depotKey

		pool, err := buildCdnPool(ctx, cc, depot.ContainingAppID, opts.MaxConcurrency)
		if err != nil {
			fd.err = err
			fetched[i] = fd
			continue
		}
		fd.pool = pool

		tokens := chunkpipe.NewTokenCache()
		manifest, err := resolveManifest(ctx, cc.Session, cc.CDN, store, pool, tokens, opts.RetryPolicy, depot, opts.Branch, depotKey)
		if err != nil {
			fd.err = err
			fetched[i] = fd
			continue
		}
		fd.manifest = manifest
		fd.installDir = installDirFor(opts, depot.DepotID, manifest.ManifestID)

		manifestsByDepot[depot.DepotID] = manifest
		installDirGroups[fd.installDir] = append(installDirGroups[fd.installDir], depot.DepotID)
		fetched[i] = fd
	}

	claims := map[coremodel.DepotId]map[string]bool{}
	for _, group := range installDirGroups {
		if len(group) < 2 {
			continue
		}
		for depotID, mine := range reconciler.Claim(manifestsByDepot, group, filter) {
			claims[depotID] = mine
		}
	}

	// Phase 2: reconcile, drain, and commit each depot in plan order.
	for _, fd := range fetched {
		if fd.err != nil {
			outcome := coremodel.DepotOutcome{DepotID: fd.plan.DepotID, Error: fd.err.Error()}
			result.Outcomes = append(result.Outcomes, outcome)
			if opts.FailFast {
				return result, fd.err
			}
			ui.WriteError(fmt.Sprintf("depot %d failed: %v", fd.plan.DepotID, fd.err))
			continue
		}

		outcome := runDepot(ctx, cc, opts, ui, store, resumeState, installed, fd, claims[fd.plan.DepotID], filter)
		result.Outcomes = append(result.Outcomes, outcome)

		if !outcome.Succeeded {
			if opts.FailFast {
				return result, coreerr.New(coreerr.KindUnknown, fmt.Sprintf("engine.Run: depot %d: %s", fd.plan.DepotID, outcome.Error))
			}
			ui.WriteError(fmt.Sprintf("depot %d failed: %s", fd.plan.DepotID, outcome.Error))
		}
		if ctx.Err() != nil {
			if cc.Resume != nil {
				_ = cc.Resume.ForceSave(resumeState)
			}
			return result, coreerr.New(coreerr.KindCancelled, "engine.Run")
		}
	}

	if err := cc.Installed.Save(installed); err != nil {
		ui.WriteError(fmt.Sprintf("failed to persist installed-manifest map: %v", err))
	}

	if result.AllSucceeded() {
		if cc.Resume != nil {
			if err := cc.Resume.Clear(); err != nil {
				ui.WriteDebug("resume", fmt.Sprintf("failed to clear resume state: %v", err))
			}
		}
	} else if cc.Resume != nil {
		_ = cc.Resume.ForceSave(resumeState)
	}

	return result, nil
}

func loadOrCreateResumeState(store *statestore.ResumeStore, opts coremodel.DownloadOptions) (*coremodel.ResumeState, error) {
	if store == nil || !opts.Resume {
		return coremodel.NewResumeState(opts.AppID, coremodel.NormalizeBranch(opts.Branch), time.Now()), nil
	}
	state, err := store.Load()
	if err != nil {
		return nil, err
	}
	if state == nil {
		return coremodel.NewResumeState(opts.AppID, coremodel.NormalizeBranch(opts.Branch), time.Now()), nil
	}
	if state.AppID != opts.AppID || state.Branch != coremodel.NormalizeBranch(opts.Branch) {
		return coremodel.NewResumeState(opts.AppID, coremodel.NormalizeBranch(opts.Branch), time.Now()), nil
	}
	return state, nil
}

// installDirFor resolves the directory a depot materializes into. When
// install_dir is unset the layout is depots/<depot_id>/<manifest_id>: the
// manifest id stands in for the app's build number, which a manifest does
// not carry and a fixture session cannot supply (see DESIGN.md).
func installDirFor(opts coremodel.DownloadOptions, depotID coremodel.DepotId, manifestID coremodel.ManifestId) string {
	if opts.InstallDir != "" {
		return opts.InstallDir
	}
	return filepath.Join("depots", fmt.Sprintf("%d", depotID), fmt.Sprintf("%d", manifestID))
}

func configDirFor(installDir string) string {
	return filepath.Join(installDir, ".DepotDownloader")
}

func stagingDirFor(installDir string) string {
	return filepath.Join(configDirFor(installDir), "staging", "depot")
}

// buildCdnPool fetches the server list and constructs a pool for one
// depot's work.
func buildCdnPool(ctx context.Context, cc CoreContext, appID coremodel.AppId, maxConcurrency int) (*cdnpool.Pool, error) {
	servers, err := cc.Session.GetServers(ctx, cc.Options.CellID)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindNoServers, "engine.buildCdnPool", err)
	}
	return cdnpool.New(servers, appID, cc.Settings, maxConcurrency)
}
