// Package main implements the calseq CLI: dry-run planning of calibration
// solve sequences and audit queries against the provenance store.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	// configPath is the run-config YAML; empty means defaults plus
	// CALSEQ_* environment overrides.
	configPath string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "calseq",
	Short: "Calibration solve sequencing for drift-scan observations",
	Long: `calseq plans and audits calibration solve runs: calibrator field-window
selection, the fixed delay/prephase/bandpass/gain stage sequence, and the
provenance trail each run leaves behind.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "run-config YAML path (defaults apply when empty)")
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(provenanceCmd)
}
