package main

import (
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "vaultd",
	Short: "File-driven autonomous task orchestrator",
	Long: `vaultd watches a vault directory for task files, runs them through a
reasoning subprocess, gates sensitive actions behind human approval,
and executes approved actions through verified, rate-limited,
circuit-broken drivers.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.yaml", "path to the vaultd configuration file")
}
