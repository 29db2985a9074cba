package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "0.1.0"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "okapi",
	Short: "Okapi - multi-tenant API gateway lifecycle manager",
	Long: `Okapi manages the tenant lifecycle of a multi-tenant platform:
tenants, the modules enabled for each of them, the init and
permission hooks a module change requires, install jobs and
per-tenant timers.

Instances cluster over Raft and share tenant state, so any
instance answers for any tenant while timers fire exactly once.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Okapi version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)
}
