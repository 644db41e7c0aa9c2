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

// newVerifyCmd is download with verify-all forced on and resume left off
// (a saved resume state is not consulted), the same
// relationship download and verify subcommands keep elsewhere
// (verify.Installation re-hashes every file; it never skips one because its
// hash already matched a previous run).
func newVerifyCmd(log *slog.Logger) *cobra.Command {
	var (
		fixturePath string
		appID       uint32
		branch      string
		installDir  string
		verbose     bool
	)

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Re-verify every installed file's hash, refetching any that fail",
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

			cc := engine.CoreContext{
				Settings:  settings,
				Installed: installed,
				Resume:    resumeStore,
				Session:   session,
				CDN:       cdn,
				UI:        sink,
				Options: coremodel.DownloadOptions{
					AppID:           coremodel.AppId(appID),
					Branch:          branch,
					InstallDir:      installDir,
					VerifyAll:       true,
					VerifyDiskSpace: true,
					FailFast:        false,
				},
			}

			result, err := engine.Run(cmd.Context(), cc)
			sink.Wait()
			if err != nil {
				return err
			}
			if !result.AllSucceeded() {
				for _, o := range result.Outcomes {
					if !o.Succeeded {
						log.Error("depot verification failed", "depot", o.DepotID, "error", o.Error)
					}
				}
				return fmt.Errorf("verification failed for one or more depots")
			}
			log.Info("verification complete", "app", appID)
			return nil
		},
	}

	cmd.Flags().StringVar(&fixturePath, "fixture", "", "path to a session fixture JSON file (required)")
	cmd.Flags().Uint32Var(&appID, "app", 0, "Steam app id to verify")
	cmd.Flags().StringVar(&branch, "branch", coremodel.DefaultBranch, "branch to resolve manifests against")
	cmd.Flags().StringVar(&installDir, "install-dir", "", "install directory to verify")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "show per-file progress")

	cmd.MarkFlagRequired("fixture")
	cmd.MarkFlagRequired("app")
	cmd.MarkFlagRequired("install-dir")

	return cmd
}
