// Package cli implements the edge gateway's command-line interface
// using Cobra.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "carnitrack-edge",
	Short: "carnitrack-edge — Edge gateway for WiFi retail scales",
	Long: `carnitrack-edge bridges WiFi-connected retail and butcher scales to
the CarniTrack Cloud: it accepts raw TCP connections from scale
hardware, tracks device activity and live sessions, and streams
weighing events to the Cloud REST API, buffering them locally whenever
Cloud is unreachable.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called from cmd/edge/main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
