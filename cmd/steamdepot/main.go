// Command steamdepot is the CLI entry point, replacing the original root
// main.go + cmd_*.go files (cobra subcommands each delegating to one
// domain package) with subcommands that delegate to internal/engine.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gustash/steamdepot/internal/corelog"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Fprintln(os.Stderr, "\nreceived interrupt signal, shutting down gracefully...")
		cancel()
	}()

	log := corelog.New(os.Stderr, slog.LevelInfo)

	rootCmd := &cobra.Command{
		Use:   "steamdepot",
		Short: "Download Steam depot content directly from the CDN",
		Long:  "steamdepot plans, fetches, and verifies Steam depot content from an existing authenticated session, without launching or managing game installs beyond the files themselves.",
	}

	rootCmd.AddCommand(newDownloadCmd(log))
	rootCmd.AddCommand(newVerifyCmd(log))
	rootCmd.AddCommand(newFixtureCmd())

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
