package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/taskvault/vaultd/internal/vaultfs"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print a JSON snapshot of checkpoint, queue depth, and breaker state",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := wire(cfgFile)
		if err != nil {
			return err
		}

		cp, err := c.checkpoints.Load()
		if err != nil {
			return err
		}

		queueDepth := map[string]int{}
		for _, f := range []vaultfs.Folder{
			vaultfs.FolderInbox, vaultfs.FolderNeedsAction, vaultfs.FolderPlans,
			vaultfs.FolderPendingApproval, vaultfs.FolderErrorQueue, vaultfs.FolderNeedsHumanReview,
		} {
			entries, err := c.vault.List(f)
			if err != nil {
				continue
			}
			queueDepth[string(f)] = len(entries)
		}

		snapshot := map[string]interface{}{
			"checkpoint":  cp,
			"queue_depth": queueDepth,
			"breakers":    c.breakers.Stats(),
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snapshot)
	},
}
