// Jaribu — on-demand isolated development environments with automatic
// runtime detection and test execution.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "jaribu",
	Short: "Jaribu — sandboxed development environments with automatic test execution.",
	Long: `Jaribu provisions short-lived isolated environments from GitHub repositories
or local paths, detects the project runtime (Python, Node.js, Bun), installs
dependencies, and runs the project's test suite with normalized results.`,
	RunE:          runServe, // Default to the MCP stdio server.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, gatewayCmd, runCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
