// lbforge — HTTP service for browsing, editing, and running lattice
// Boltzmann simulation cases.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "lbforge",
	Short: "lbforge — manage and run lattice Boltzmann simulation cases.",
	Long: `lbforge serves a sandboxed HTTP API over a directory of simulation
cases: browse them by domain, edit their XML configuration, duplicate
them, and compile and run them with make, with live output streaming
over WebSocket.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, mcpCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
