package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/taskvault/vaultd/internal/breaker"
)

func init() {
	rootCmd.AddCommand(breakerCmd)
	breakerCmd.AddCommand(breakerResetCmd)
}

var breakerCmd = &cobra.Command{
	Use:   "breaker",
	Short: "Inspect or reset a driver's circuit breaker",
}

var breakerResetCmd = &cobra.Command{
	Use:   "reset <driver> [action-type]",
	Short: "Force a driver's circuit breaker back to closed",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := wire(cfgFile)
		if err != nil {
			return err
		}
		actionType := "*"
		if len(args) == 2 {
			actionType = args[1]
		}
		c.breakers.Reset(breaker.Key(args[0], actionType))
		fmt.Printf("breaker %s/%s reset to closed\n", args[0], actionType)
		return nil
	},
}
