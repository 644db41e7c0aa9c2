package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/gustash/steamdepot/internal/cdnpool"
	"github.com/gustash/steamdepot/internal/chunkpipe"
	"github.com/gustash/steamdepot/internal/coremodel"
	"github.com/gustash/steamdepot/internal/manifeststore"
	"github.com/gustash/steamdepot/internal/platform"
	"github.com/gustash/steamdepot/internal/ports"
	"github.com/gustash/steamdepot/internal/ratelimit"
	"github.com/gustash/steamdepot/internal/reconciler"
)

// depotResumeTracker adapts one depot's slot within a shared ResumeState to
// chunkpipe.ResumeTracker, throttling persistence the way
// update.Updater throttles its own progress writes.
type depotResumeTracker struct {
	mu    sync.Mutex
	state *coremodel.DepotResumeState
	save  func()
}

func newDepotResumeTracker(resumeState *coremodel.ResumeState, depotID coremodel.DepotId, manifestID coremodel.ManifestId, totalBytes int64, save func()) *depotResumeTracker {
	ds, ok := resumeState.Depots[depotID]
	if !ok || ds.ManifestID != manifestID {
		ds = &coremodel.DepotResumeState{
			ManifestID:        manifestID,
			CompletedChunkIDs: make(map[string]bool),
			CompletedFiles:    make(map[string]bool),
			TotalBytes:        totalBytes,
		}
		resumeState.Depots[depotID] = ds
	}
	return &depotResumeTracker{state: ds, save: save}
}

func (t *depotResumeTracker) ChunkDone(chunkID [20]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.CompletedChunkIDs[coremodel.ChunkIDHex(chunkID)]
}

func (t *depotResumeTracker) MarkChunkDone(chunkID [20]byte, bytes int64) {
	t.mu.Lock()
	t.state.CompletedChunkIDs[coremodel.ChunkIDHex(chunkID)] = true
	t.state.BytesDownloaded += bytes
	t.mu.Unlock()
	t.save()
}

func (t *depotResumeTracker) MarkFileDone(path string) {
	t.mu.Lock()
	t.state.CompletedFiles[path] = true
	t.mu.Unlock()
	t.save()
}

// fetchedDepot bundles everything the manifest-resolution phase produces for
// one depot, carried into the reconcile/drain phase.
type fetchedDepot struct {
	plan       coremodel.DepotPlan
	manifest   *coremodel.Manifest
	depotKey   coremodel.DepotKey
	pool       *cdnpool.Pool
	installDir string
	err        error
}

// runDepot reconciles, drains, and commits one depot against an already
// fetched manifest: reconcile, drain the chunk queue, and commit, after
// the manifest-resolution phase in Run.
func runDepot(ctx context.Context, cc CoreContext, opts coremodel.DownloadOptions, ui ports.UiSink, store *manifeststore.Store, resumeState *coremodel.ResumeState, installed coremodel.InstalledManifestMap, fd fetchedDepot, allowed map[string]bool, filter reconciler.IncludeFilter) coremodel.DepotOutcome {
	outcome := coremodel.DepotOutcome{DepotID: fd.plan.DepotID, BytesTotal: int64(fd.manifest.TotalUncompressed)}

	if opts.ManifestOnly {
		outcome.Succeeded = true
		return outcome
	}

	var previous *coremodel.Manifest
	if prevID, ok := installed[fd.plan.DepotID]; ok && prevID != coremodel.InstalledSentinel {
		if m, found, err := store.LoadCached(fd.plan.DepotID, prevID, fd.depotKey); err == nil && found {
			previous = m
		}
		if prevID == fd.manifest.ManifestID {
			ui.WriteLine(fmt.Sprintf("Already have manifest %d for depot %d.", prevID, fd.plan.DepotID))
		}
	}

	installed[fd.plan.DepotID] = coremodel.InstalledSentinel
	if err := cc.Installed.Save(installed); err != nil {
		ui.WriteDebug("installed", fmt.Sprintf("failed to persist in-progress marker: %v", err))
	}

	stagingDir := stagingDirFor(fd.installDir)
	result, err := reconciler.Reconcile(fd.plan.DepotID, fd.installDir, stagingDir, fd.manifest, previous, filter, allowed, opts.VerifyAll)
	if err != nil {
		outcome.Error = err.Error()
		return outcome
	}

	if opts.VerifyDiskSpace {
		needed := result.BytesTotal - result.BytesComplete
		if err := reconciler.DiskSpaceOK(fd.installDir, needed); err != nil {
			outcome.Error = err.Error()
			return outcome
		}
	}

	tracker := newDepotResumeTracker(resumeState, fd.plan.DepotID, fd.manifest.ManifestID, int64(fd.manifest.TotalUncompressed), func() {
		if cc.Resume != nil {
			_ = cc.Resume.Save(resumeState)
		}
	})

	deps := chunkpipe.Deps{
		Session:     cc.Session,
		CDN:         cc.CDN,
		Pool:        fd.pool,
		Limiter:     ratelimit.New(opts.MaxBytesPerSecond),
		Tokens:      chunkpipe.NewTokenCache(),
		Resume:      tracker,
		UI:          ui,
		RetryPolicy: opts.RetryPolicy,
		AppID:       fd.plan.ContainingAppID,
		DepotID:     fd.plan.DepotID,
		Concurrency: opts.MaxConcurrency,
	}
	counters := &chunkpipe.Counters{
		TotalFiles:    int32(result.TotalFiles),
		TotalBytes:    result.BytesTotal,
		BytesComplete: result.BytesComplete,
		Window:        chunkpipe.NewSpeedWindow(),
	}

	if err := chunkpipe.Drain(ctx, result.WorkQueue, fd.depotKey, deps, counters); err != nil {
		outcome.Error = err.Error()
		return outcome
	}

	toVerify := map[string]*coremodel.FileEntry{}
	for _, item := range result.WorkQueue {
		toVerify[item.FilePath] = item.File
	}
	if opts.VerifyAll {
		for i := range fd.manifest.Files {
			f := &fd.manifest.Files[i]
			if f.IsDirectory() {
				continue
			}
			toVerify[filepath.Join(fd.installDir, filepath.FromSlash(f.Path))] = f
		}
	}
	for path, f := range toVerify {
		if err := reconciler.VerifyFileHash(path, f); err != nil {
			outcome.Error = err.Error()
			return outcome
		}
	}

	for _, path := range result.FilesToDelete {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			ui.WriteDebug("delete", fmt.Sprintf("failed to remove stale file %s: %v", path, err))
		}
	}

	if runtime.GOOS == "darwin" {
		if err := platform.FixMacBundleExecutables(fd.installDir); err != nil {
			ui.WriteDebug("platform", fmt.Sprintf("failed to fix up .app bundle executables: %v", err))
		}
	}

	installed[fd.plan.DepotID] = fd.manifest.ManifestID
	if err := cc.Installed.Save(installed); err != nil {
		ui.WriteDebug("installed", fmt.Sprintf("failed to persist installed manifest: %v", err))
	}

	tracker.mu.Lock()
	tracker.state.IsComplete = true
	tracker.mu.Unlock()
	if cc.Resume != nil {
		_ = cc.Resume.ForceSave(resumeState)
	}

	outcome.Succeeded = true
	return outcome
}
