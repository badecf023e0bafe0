// Command vaultd is the orchestrator's CLI surface: it starts the
// scheduler, and gives an operator the approve/reject/status/breaker
// reset commands spec §6's CLI section calls for. Built with cobra,
// grounded on the pack's jra3-linear-fuse cmd/linear-fuse/commands
// layout (one file per subcommand, a shared rootCmd, Execute() called
// from main) since the teacher's own cmd/ocx-cli is a hand-rolled
// os.Args switch with no subcommand library — cobra is already in the
// teacher's go.mod require block, unused by any teacher command.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
