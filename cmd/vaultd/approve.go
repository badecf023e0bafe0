package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(rejectCmd)
	rejectCmd.Flags().String("reason", "", "reason the approval was rejected")
}

var approveCmd = &cobra.Command{
	Use:   "approve <approval-id> <approver>",
	Short: "Approve a pending HITL approval",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := wire(cfgFile)
		if err != nil {
			return err
		}
		a, err := c.approvals.Approve(args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("approval %s: %s\n", a.ApprovalID, a.Status)
		return nil
	},
}

var rejectCmd = &cobra.Command{
	Use:   "reject <approval-id> <approver>",
	Short: "Reject a pending HITL approval",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := wire(cfgFile)
		if err != nil {
			return err
		}
		reason, _ := cmd.Flags().GetString("reason")
		a, err := c.approvals.Reject(args[0], args[1], reason)
		if err != nil {
			return err
		}
		fmt.Printf("approval %s: %s\n", a.ApprovalID, a.Status)
		return nil
	},
}
