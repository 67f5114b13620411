// Seiro is a sandboxed visionOS build orchestrator exposed as MCP tools.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "seiro",
	Short: "Seiro: sandboxed visionOS builds for AI coding agents.",
	Long: `Seiro validates a sandbox policy for visionOS projects, runs xcodebuild
under supervision and hands back short-lived build artifacts. It is served to
clients as MCP tools over stdio or HTTP.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, validateCmd, probeCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
