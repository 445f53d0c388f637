package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/aegis-sec/aegis/internal/blocklist"
	"github.com/aegis-sec/aegis/internal/clock"
)

func newBlockedCmd() *cobra.Command {
	var (
		configPath string
		redisAddr  string
		namespace  string
	)

	cmd := &cobra.Command{
		Use:   "blocked",
		Short: "List active blocks",
		Example: `  aegis blocked
  aegis blocked --namespace login`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := connectStore(configPath, redisAddr)
			if err != nil {
				return err
			}
			defer store.Close()

			blocks := blocklist.NewRegistry(store, clock.NewRealClock(), blocklist.Options{})

			var records []blocklist.BlockRecord
			if namespace != "" {
				records, err = blocks.ListBlocked(cmd.Context(), namespace)
			} else {
				records, err = blocks.ListSourceBlocks(cmd.Context())
			}
			if err != nil {
				return err
			}

			if len(records) == 0 {
				fmt.Println("no active blocks")
				return nil
			}
			for _, rec := range records {
				scope := rec.Namespace
				if scope == "" {
					scope = "all namespaces"
				}
				fmt.Printf("%-40s %-20s %-25s expires %s\n",
					rec.Identifier, scope, rec.Reason, rec.ExpiresAt.Format(time.RFC3339))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	cmd.Flags().StringVar(&redisAddr, "redis", "", "redis address (overrides config)")
	cmd.Flags().StringVarP(&namespace, "namespace", "n", "", "list blocks for one namespace instead of security blocks")

	return cmd
}

func newBlockCmd() *cobra.Command {
	var (
		configPath string
		redisAddr  string
		namespace  string
		duration   time.Duration
		reason     string
	)

	cmd := &cobra.Command{
		Use:   "block <identifier>",
		Short: "Block an identifier",
		Long: `Blocks an identifier for the given duration. Without --namespace the
block is a security block covering every namespace.`,
		Example: `  aegis block 203.0.113.7 --duration 1h --reason "abuse report"
  aegis block alice@example.com --namespace login --duration 30m`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := connectStore(configPath, redisAddr)
			if err != nil {
				return err
			}
			defer store.Close()

			blocks := blocklist.NewRegistry(store, clock.NewRealClock(), blocklist.Options{})
			if namespace != "" {
				err = blocks.Block(cmd.Context(), args[0], namespace, duration, reason)
			} else {
				err = blocks.BlockSource(cmd.Context(), args[0], duration, reason)
			}
			if err != nil {
				return err
			}
			fmt.Printf("blocked %s for %s\n", args[0], duration)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	cmd.Flags().StringVar(&redisAddr, "redis", "", "redis address (overrides config)")
	cmd.Flags().StringVarP(&namespace, "namespace", "n", "", "restrict the block to one namespace")
	cmd.Flags().DurationVar(&duration, "duration", time.Hour, "how long the block lasts")
	cmd.Flags().StringVar(&reason, "reason", "manual", "reason recorded with the block")

	return cmd
}

func newUnblockCmd() *cobra.Command {
	var (
		configPath string
		redisAddr  string
		namespace  string
	)

	cmd := &cobra.Command{
		Use:   "unblock <identifier>",
		Short: "Remove a block before it expires",
		Example: `  aegis unblock 203.0.113.7
  aegis unblock alice@example.com --namespace login`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := connectStore(configPath, redisAddr)
			if err != nil {
				return err
			}
			defer store.Close()

			blocks := blocklist.NewRegistry(store, clock.NewRealClock(), blocklist.Options{})
			if namespace != "" {
				err = blocks.Unblock(cmd.Context(), args[0], namespace)
			} else {
				err = blocks.UnblockSource(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}
			fmt.Printf("unblocked %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	cmd.Flags().StringVar(&redisAddr, "redis", "", "redis address (overrides config)")
	cmd.Flags().StringVarP(&namespace, "namespace", "n", "", "namespace of the block to remove")

	return cmd
}
