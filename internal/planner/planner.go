// Package planner implements the download planner:
// depot enumeration and filtering, manifest-ID resolution per branch
// (including branch-password unlock and depotfromapp redirection), the
// access check, and assembly of the final DownloadPlan. It is grounded on
// download.ResolveDownloadInfo/FetchProducts's filtering shape,
// generalized from FreeCarnival's single-product model to Steam's
// multi-depot, multi-branch one.
package planner

import (
	"context"
	"fmt"
	"runtime"
	"strings"

	"github.com/gustash/steamdepot/internal/coreerr"
	"github.com/gustash/steamdepot/internal/coremodel"
	"github.com/gustash/steamdepot/internal/ports"
)

// hostOS returns the host OS label the filter compares oslist against.
// FreeBSD is reported as "linux".
func hostOS() string {
	switch runtime.GOOS {
	case "windows":
		return "windows"
	case "darwin":
		return "macos"
	case "freebsd":
		return "linux"
	default:
		return "linux"
	}
}

// hostArch returns the host 32/64-bit architecture label.
func hostArch() string {
	switch runtime.GOARCH {
	case "386", "arm":
		return "32"
	default:
		return "64"
	}
}

// Plan resolves a DownloadOptions against the session port into a
// DownloadPlan end to end.
func Plan(ctx context.Context, session ports.SessionPort, opts coremodel.DownloadOptions) (*coremodel.DownloadPlan, error) {
	if session.State() != coremodel.SessionLoggedOn {
		return nil, coreerr.New(coreerr.KindNotLoggedIn, "planner.Plan")
	}

	app, err := session.RequestAppInfo(ctx, opts.AppID)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindNotFound, "planner.Plan.RequestAppInfo", err)
	}

	depotIDs, err := selectDepotIDs(app, opts)
	if err != nil {
		return nil, err
	}
	if len(depotIDs) == 0 {
		return nil, coreerr.New(coreerr.KindNotFound, "planner.Plan: no depots match filters")
	}

	pairsByDepot := map[coremodel.DepotId]coremodel.ManifestId{}
	for _, p := range opts.DepotManifestPairs {
		pairsByDepot[p.DepotID] = p.ManifestID
	}

	plan := &coremodel.DownloadPlan{AppID: opts.AppID, AppName: app.Name}

	accessibleAny := false
	for _, depotID := range depotIDs {
		depotIdx := depotIDIndex(app, depotID)
		manifestID, resolvedApp, err := resolveManifest(ctx, session, opts, app, depotIdx, pairsByDepot, depotID, map[coremodel.AppId]bool{opts.AppID: true})
		if err != nil {
			return nil, err
		}

		ok2, err := accountHasAccess(ctx, session, resolvedApp, depotID)
		if err != nil {
			return nil, err
		}
		if !ok2 {
			continue
		}
		accessibleAny = true

		plan.Depots = append(plan.Depots, coremodel.DepotPlan{
			DepotID:         depotID,
			ContainingAppID: resolvedApp.AppID,
			ManifestID:      manifestID,
		})
	}

	if !accessibleAny {
		return nil, coreerr.New(coreerr.KindPermissionDenied, "planner.Plan: no accessible depots")
	}

	return plan, nil
}

func depotIDIndex(app *coremodel.AppInfo, id coremodel.DepotId) int {
	for i, d := range app.Depots {
		if d.DepotID == id {
			return i
		}
	}
	return -1
}

// selectDepotIDs enumerates candidate depots (explicit pairs, or every
// depot declared by the app) and applies the OS/arch/language/low-violence
// filters.
func selectDepotIDs(app *coremodel.AppInfo, opts coremodel.DownloadOptions) ([]coremodel.DepotId, error) {
	if len(opts.DepotManifestPairs) > 0 {
		ids := make([]coremodel.DepotId, 0, len(opts.DepotManifestPairs))
		for _, p := range opts.DepotManifestPairs {
			ids = append(ids, p.DepotID)
		}
		return ids, nil
	}

	os := opts.OS
	if os == "" {
		os = hostOS()
	}
	arch := opts.Architecture
	if arch == "" {
		arch = hostArch()
	}
	lang := opts.Language
	if lang == "" {
		lang = "english"
	}

	var ids []coremodel.DepotId
	for _, d := range app.Depots {
		if len(d.OSList) > 0 && !opts.DownloadAllPlatforms {
			if !containsFold(d.OSList, os) {
				continue
			}
		}
		if d.OSArch != "" && !opts.DownloadAllArchs && !strings.EqualFold(d.OSArch, arch) {
			continue
		}
		if d.Language != "" && !opts.DownloadAllLanguages && !strings.EqualFold(d.Language, lang) {
			continue
		}
		if d.LowViolence && !opts.LowViolence {
			continue
		}
		ids = append(ids, d.DepotID)
	}
	return ids, nil
}

func containsFold(list []string, want string) bool {
	for _, s := range list {
		if strings.EqualFold(strings.TrimSpace(s), want) {
			return true
		}
	}
	return false
}

// resolveManifest implements the manifest-resolution steps
// 1-4: explicit pair, branch lookup (with password unlock), default-branch
// fallback, and depotfromapp redirection (guarded against self-reference).
func resolveManifest(ctx context.Context, session ports.SessionPort, opts coremodel.DownloadOptions, app *coremodel.AppInfo, depotIdx int, pairs map[coremodel.DepotId]coremodel.ManifestId, depotID coremodel.DepotId, visited map[coremodel.AppId]bool) (coremodel.ManifestId, *coremodel.AppInfo, error) {
	if mid, ok := pairs[depotID]; ok && mid != coremodel.ManifestIdLatest {
		return mid, app, nil
	}

	if depotIdx < 0 {
		return 0, nil, coreerr.New(coreerr.KindNotFound, fmt.Sprintf("planner.resolveManifest: depot %d not declared by app %d", depotID, app.AppID))
	}
	d := app.Depots[depotIdx]
	branch := coremodel.NormalizeBranch(opts.Branch)

	if mid, ok := d.ManifestsByBranch[branch]; ok {
		return mid, app, nil
	}

	if branch != coremodel.DefaultBranch {
		if opts.BranchPassword != "" {
			if _, err := session.CheckBetaPassword(ctx, app.AppID, branch, opts.BranchPassword); err == nil {
				section, err := session.GetPrivateBetaDepotSection(ctx, app.AppID, branch)
				if err == nil && section.ManifestGID != 0 {
					return section.ManifestGID, app, nil
				}
			}
		}
		if mid, ok := d.ManifestsByBranch[coremodel.DefaultBranch]; ok {
			return mid, app, nil
		}
	}

	if d.DepotFromApp != 0 {
		if visited[d.DepotFromApp] {
			return 0, nil, coreerr.New(coreerr.KindInvalidInput, "planner.resolveManifest: depotfromapp self-reference cycle")
		}
		visited[d.DepotFromApp] = true
		otherApp, err := session.RequestAppInfo(ctx, d.DepotFromApp)
		if err != nil {
			return 0, nil, coreerr.Wrap(coreerr.KindNotFound, "planner.resolveManifest.RequestAppInfo", err)
		}
		return resolveManifest(ctx, session, opts, otherApp, depotIDIndex(otherApp, depotID), pairs, depotID, visited)
	}

	return 0, nil, coreerr.New(coreerr.KindNotFound, fmt.Sprintf("planner.resolveManifest: no manifest for depot %d on branch %q", depotID, branch))
}

// accountHasAccess implements the access check: anonymous
// accounts hold the single anonymous dedicated-server package implicitly;
// otherwise the depot must be named by some owned package, or the app must
// be free-to-download.
func accountHasAccess(ctx context.Context, session ports.SessionPort, app *coremodel.AppInfo, depotID coremodel.DepotId) (bool, error) {
	if app.Common.FreeToDownload {
		return true, nil
	}
	if session.IsAnonymous() {
		return true, nil
	}
	packages, err := session.OwnedPackages(ctx)
	if err != nil {
		return false, coreerr.Wrap(coreerr.KindPermissionDenied, "planner.accountHasAccess", err)
	}
	for _, pkg := range packages {
		for _, a := range pkg.AppIDs {
			if a == app.AppID {
				return true, nil
			}
		}
		for _, d := range pkg.DepotIDs {
			if d == depotID {
				return true, nil
			}
		}
	}
	return false, nil
}
