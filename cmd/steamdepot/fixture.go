package main

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gustash/steamdepot/internal/coremodel"
	"github.com/gustash/steamdepot/internal/steamclient"
)

// newFixtureCmd scaffolds a session fixture template, since steamclient's
// FixtureSession reads one in place of a live Steam connection and nothing
// else in this tool can author one from scratch.
func newFixtureCmd() *cobra.Command {
	var (
		out   string
		appID uint32
	)

	cmd := &cobra.Command{
		Use:   "fixture-init",
		Short: "Write a template session fixture for --fixture",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := &steamclient.Fixture{
				Apps: map[coremodel.AppId]steamclient.AppFixture{
					coremodel.AppId(appID): {
						Info: coremodel.AppInfo{
							AppID: coremodel.AppId(appID),
							Name:  "TODO",
							Depots: []coremodel.DepotInfo{
								{DepotID: coremodel.DepotId(appID + 1), ManifestsByBranch: map[string]coremodel.ManifestId{"public": coremodel.ManifestIdLatest}},
							},
						},
						DepotKeys: map[string]string{
							fmt.Sprintf("%d", appID+1): hex.EncodeToString(make([]byte, 32)),
						},
					},
				},
				Servers: []coremodel.CdnServer{
					{Host: "TODO.steamcontent.com", Type: coremodel.CdnServerCDN, NumEntries: 1},
				},
			}
			if err := steamclient.SaveFixture(out, f); err != nil {
				return err
			}
			fmt.Printf("wrote template fixture to %s; fill in the TODO fields before use\n", out)
			return nil
		},
	}

	cmd.Flags().StringVar(&out, "out", "fixture.json", "output path")
	cmd.Flags().Uint32Var(&appID, "app", 730, "app id to seed the template with")

	return cmd
}
