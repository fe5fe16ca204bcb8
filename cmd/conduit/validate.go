package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"relaylabs/conduit/pkg/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a model bindings file",
	Long: `Parse a models.json file and report which bindings would load.

Comment entries and disabled bindings are skipped and duplicate ids are
reported, as the server does at startup. No adapters are constructed and no
network connections are opened, so a binding the server would skip because
its adapter cannot be built (a missing api_key or base_url, an unknown
request_format) is still listed as active.`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	doc, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("config invalid: %w", err)
	}

	var active, disabled, comments int
	seen := map[string]bool{}
	for _, b := range doc.Models {
		switch {
		case b.IsComment():
			comments++
		case !b.IsEnabled():
			disabled++
			fmt.Printf("  - %s (disabled)\n", b.ID)
		default:
			if seen[b.ID] {
				fmt.Printf("  ! %s: duplicate id, only the first entry will load\n", b.ID)
				continue
			}
			seen[b.ID] = true
			active++
			fmt.Printf("  ✓ %s (adapter=%s", b.ID, b.Adapter)
			if b.RequestFormat != "" {
				fmt.Printf(", request_format=%s", b.RequestFormat)
			}
			fmt.Println(")")
		}
	}

	fmt.Printf("\n%d active, %d disabled, %d comment entries\n", active, disabled, comments)
	return nil
}
