package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/aegis-sec/aegis/internal/blocklist"
	"github.com/aegis-sec/aegis/internal/clock"
	"github.com/aegis-sec/aegis/internal/quota"
)

func newCheckCmd() *cobra.Command {
	var (
		configPath string
		redisAddr  string
		statusOnly bool
		bucket     bool
		rate       float64
		burst      int
	)

	cmd := &cobra.Command{
		Use:   "check <namespace> <identifier>",
		Short: "Run a rate limit check against the shared store",
		Example: `  aegis check login alice@example.com
  aegis check public-api 203.0.113.7
  aegis check login alice@example.com --status
  aegis check api 203.0.113.7 --bucket --rate 10 --burst 20`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			namespace, identifier := args[0], args[1]

			cfg, store, err := connectStore(configPath, redisAddr)
			if err != nil {
				return err
			}
			defer store.Close()

			clk := clock.NewRealClock()
			blocks := blocklist.NewRegistry(store, clk, blocklist.Options{})
			engine := quota.NewEngine(store, blocks, clk, quota.Options{})

			var res quota.Result
			switch {
			case bucket:
				res, err = engine.CheckTokenBucket(cmd.Context(), identifier, namespace, rate, burst)
			default:
				p, ok := cfg.QuotaPolicies()[namespace]
				if !ok {
					return fmt.Errorf("unknown namespace %q", namespace)
				}
				if statusOnly {
					res, err = engine.GetStatus(cmd.Context(), identifier, namespace, p)
				} else {
					res, err = engine.CheckSlidingWindow(cmd.Context(), identifier, namespace, p)
				}
			}
			if err != nil {
				return err
			}

			if res.Allowed {
				fmt.Printf("allowed  %d/%d remaining, resets %s\n",
					res.Remaining, res.Limit, res.ResetTime.Format(time.RFC3339))
			} else if res.Blocked {
				fmt.Printf("blocked  retry after %ds\n", res.RetryAfterSeconds())
			} else {
				fmt.Printf("denied   limit %d reached, retry after %ds\n",
					res.Limit, res.RetryAfterSeconds())
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	cmd.Flags().StringVar(&redisAddr, "redis", "", "redis address (overrides config)")
	cmd.Flags().BoolVar(&statusOnly, "status", false, "inspect the quota without consuming a request")
	cmd.Flags().BoolVar(&bucket, "bucket", false, "probe a token bucket instead of the namespace policy")
	cmd.Flags().Float64Var(&rate, "rate", 10, "token refill rate per second (with --bucket)")
	cmd.Flags().IntVar(&burst, "burst", 10, "bucket capacity (with --bucket)")

	return cmd
}
