// Package cli wires the aegis commands: the long-running server plus
// one-shot operator commands that talk to the shared store directly.
package cli

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root aegis command.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "aegis",
		Short: "Distributed rate limiting and security threat monitoring",
		Long: `Aegis enforces request quotas and watches authentication and input
signals for attack patterns. All state lives in a shared store, so any
number of instances enforce the same limits and blocks.`,
		SilenceUsage: true,
	}

	root.AddCommand(
		newServeCmd(),
		newCheckCmd(),
		newBlockedCmd(),
		newBlockCmd(),
		newUnblockCmd(),
		newThreatsCmd(),
		newConfigCmd(),
	)

	return root
}
