package cli

import (
	"log"

	"github.com/spf13/cobra"

	"github.com/coven-labs/ritual-engine/cli/rituals"
	"github.com/coven-labs/ritual-engine/cli/tracker"
)

func init() {
	RootCmd.AddCommand(tracker.StartTracker)
	RootCmd.AddCommand(rituals.ListRituals)
}

// RootCmd represents the root command of the ritual engine CLI
var RootCmd = &cobra.Command{
	Use:   "ritual-engine",
	Short: "CLI for running the DKG ritual coordination engine",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
	},
}

// Execute executes the root command
func Execute(appName, version string) {
	RootCmd.Short = appName
	RootCmd.Version = version

	if err := RootCmd.Execute(); err != nil {
		log.Fatalf("failed to execute root command: %v", err)
	}
}
