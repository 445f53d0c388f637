package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/aegis-sec/aegis/internal/blocklist"
	"github.com/aegis-sec/aegis/internal/clock"
	"github.com/aegis-sec/aegis/internal/ledger"
	"github.com/aegis-sec/aegis/internal/threat"
)

func newThreatsCmd() *cobra.Command {
	var (
		configPath string
		redisAddr  string
		limit      int
		all        bool
		resolveID  string
		stats      bool
	)

	cmd := &cobra.Command{
		Use:   "threats",
		Short: "Inspect the shared threat history",
		Example: `  aegis threats
  aegis threats --all --limit 50
  aegis threats --stats
  aegis threats --resolve 6f1c2a9e-...`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := connectStore(configPath, redisAddr)
			if err != nil {
				return err
			}
			defer store.Close()

			clk := clock.NewRealClock()
			blocks := blocklist.NewRegistry(store, clk, blocklist.Options{})
			led := ledger.New(store, clk, blocks, nil)

			if resolveID != "" {
				ok, err := led.Resolve(cmd.Context(), resolveID)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("unknown threat id %q", resolveID)
				}
				fmt.Printf("resolved %s\n", resolveID)
				return nil
			}

			if stats {
				snapshot, err := led.Metrics(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Printf("active threats:   %d\n", snapshot.ActiveThreatCount)
				fmt.Printf("security blocks:  %d\n", snapshot.BlockedCount)
				for typ, n := range snapshot.ThreatsByType {
					fmt.Printf("  %-22s %d\n", typ, n)
				}
				for _, src := range snapshot.TopSources {
					fmt.Printf("  source %-30s %d\n", src.Source, src.Count)
				}
				return nil
			}

			var (
				list    []*threat.Threat
				listErr error
			)
			if all {
				list, listErr = led.Recent(cmd.Context(), limit)
			} else {
				list, listErr = led.Active(cmd.Context(), limit)
			}
			if listErr != nil {
				return listErr
			}

			if len(list) == 0 {
				fmt.Println("no threats")
				return nil
			}
			for _, t := range list {
				state := "active"
				if t.Resolved {
					state = "resolved"
				}
				fmt.Printf("%s  %-8s %-10s %-22s %-30s %s\n",
					t.Timestamp.Format(time.RFC3339), state, t.Severity, t.Type, t.Source, t.ID)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	cmd.Flags().StringVar(&redisAddr, "redis", "", "redis address (overrides config)")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum entries to show")
	cmd.Flags().BoolVar(&all, "all", false, "include resolved threats")
	cmd.Flags().StringVar(&resolveID, "resolve", "", "mark the given threat id as resolved")
	cmd.Flags().BoolVar(&stats, "stats", false, "print the aggregate security snapshot")

	return cmd
}

