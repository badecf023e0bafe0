package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/taskvault/vaultd/internal/config"
	"github.com/taskvault/vaultd/internal/vaultfs"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the vault's workflow folders if they don't already exist",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		vault := vaultfs.Open(cfg.VaultPath, nil)
		if err := vault.Init(); err != nil {
			return err
		}
		fmt.Printf("vault initialized at %s\n", cfg.VaultPath)
		return nil
	},
}
