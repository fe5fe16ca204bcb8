package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "conduit",
	Short: "Conduit - OpenAI-compatible LLM gateway",
	Long: `Conduit is an OpenAI-compatible HTTP gateway that fronts an arbitrary set of
heterogeneous LLM backends and exposes them under a uniform /v1/chat/completions
and /v1/models surface.

It provides:
  - Transparent request/response translation for a dozen vendor protocols
  - SSE streaming bridged from upstream SSE and WebSocket backends
  - Per-backend authentication (bearer keys, JWT minting, OAuth, request signing)
  - Exponential-backoff retries for transient upstream failures
  - Runtime config reload without dropping in-flight requests`,
	Version: Version,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "models.json", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
