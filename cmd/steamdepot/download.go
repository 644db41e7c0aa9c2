package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/gustash/steamdepot/internal/coremodel"
	"github.com/gustash/steamdepot/internal/engine"
	"github.com/gustash/steamdepot/internal/statestore"
	"github.com/gustash/steamdepot/internal/steamclient"
	"github.com/gustash/steamdepot/internal/ui"
)

func newDownloadCmd(log *slog.Logger) *cobra.Command {
	var (
		fixturePath      string
		appID            uint32
		branch           string
		branchPassword   string
		installDir       string
		osName           string
		arch             string
		language         string
		concurrency      int
		maxBytesPerSec   int64
		resume           bool
		verifyAll        bool
		manifestOnly     bool
		failFast         bool
		verifyDiskSpace  bool
		includePaths     []string
		includeRegexes   []string
		verbose          bool
	)

	cmd := &cobra.Command{
		Use:   "download",
		Short: "Plan and download an app's depots",
		Long: `Download resolves the branch manifest for every depot an app ships for the
requested OS/arch/language, reconciles it against whatever is already on
disk, and fetches only the chunks that changed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			fixture, err := steamclient.LoadFixture(fixturePath)
			if err != nil {
				return err
			}
			session := steamclient.NewFixtureSession(fixture)
			cdn := steamclient.NewHTTPCdnClient(&http.Client{Timeout: 60 * time.Second})

			sink := ui.New(os.Stdout, verbose)

			settings, err := statestore.OpenSettingsStore()
			if err != nil {
				return fmt.Errorf("open settings store: %w", err)
			}
			installed, err := statestore.OpenInstalledStore(coremodel.AppId(appID))
			if err != nil {
				return fmt.Errorf("open installed store: %w", err)
			}
			resumeStore, err := statestore.OpenResumeStore(coremodel.AppId(appID))
			if err != nil {
				return fmt.Errorf("open resume store: %w", err)
			}

			opts := coremodel.DownloadOptions{
				AppID:              coremodel.AppId(appID),
				Branch:             branch,
				BranchPassword:     branchPassword,
				OS:                 osName,
				Architecture:       arch,
				Language:           language,
				InstallDir:         installDir,
				FileIncludePaths:   includePaths,
				FileIncludeRegexes: includeRegexes,
				VerifyAll:          verifyAll,
				ManifestOnly:       manifestOnly,
				MaxConcurrency:     concurrency,
				Resume:             resume,
				FailFast:           failFast,
				VerifyDiskSpace:    verifyDiskSpace,
			}
			if maxBytesPerSec > 0 {
				opts.MaxBytesPerSecond = &maxBytesPerSec
			}

			cc := engine.CoreContext{
				Settings:  settings,
				Installed: installed,
				Resume:    resumeStore,
				Options:   opts,
				Session:   session,
				CDN:       cdn,
				UI:        sink,
			}

			result, err := engine.Run(cmd.Context(), cc)
			sink.Wait()
			if err != nil {
				return err
			}
			if !result.AllSucceeded() {
				for _, o := range result.Outcomes {
					if !o.Succeeded {
						log.Error("depot failed", "depot", o.DepotID, "error", o.Error)
					}
				}
				return fmt.Errorf("one or more depots failed")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&fixturePath, "fixture", "", "path to a session fixture JSON file (required)")
	cmd.Flags().Uint32Var(&appID, "app", 0, "Steam app id to download")
	cmd.Flags().StringVar(&branch, "branch", coremodel.DefaultBranch, "branch to resolve manifests against")
	cmd.Flags().StringVar(&branchPassword, "branch-password", "", "password for a private beta branch")
	cmd.Flags().StringVar(&installDir, "install-dir", "", "install directory (default: ./depots/<depot>/<manifest>)")
	cmd.Flags().StringVar(&osName, "os", "", "target OS filter (default: host OS)")
	cmd.Flags().StringVar(&arch, "arch", "", "target architecture filter")
	cmd.Flags().StringVar(&language, "language", "english", "target language filter")
	cmd.Flags().IntVar(&concurrency, "concurrency", 8, "max concurrent chunk downloads per depot")
	cmd.Flags().Int64Var(&maxBytesPerSec, "max-bytes-per-second", 0, "bandwidth cap in bytes/sec (0 = unlimited)")
	cmd.Flags().BoolVar(&resume, "resume", true, "resume a previous interrupted download")
	cmd.Flags().BoolVar(&verifyAll, "verify-all", false, "verify every file's hash, not just changed ones")
	cmd.Flags().BoolVar(&manifestOnly, "manifest-only", false, "resolve the plan and manifests without downloading")
	cmd.Flags().BoolVar(&failFast, "fail-fast", false, "abort the whole run on the first depot failure")
	cmd.Flags().BoolVar(&verifyDiskSpace, "verify-disk-space", true, "check free disk space before draining chunks")
	cmd.Flags().StringSliceVar(&includePaths, "include", nil, "only download files at exactly these paths")
	cmd.Flags().StringSliceVar(&includeRegexes, "include-regex", nil, "only download files matching these regexes")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "show per-file progress")

	cmd.MarkFlagRequired("fixture")
	cmd.MarkFlagRequired("app")

	return cmd
}
