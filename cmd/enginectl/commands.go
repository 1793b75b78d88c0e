package main

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"genengine/internal/bootstrap"
	"genengine/internal/domain"
	"genengine/internal/infra/credentials"
)

func (c *cli) deleteJobCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-job <job-id>",
		Short: "Delete a finished job, refunding it first if it was never refunded",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRuntime(cmd, func(rt *bootstrap.Runtime) error {
				res, err := rt.Engine.DeleteJob(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if res.Applied {
					fmt.Fprintf(c.out, "deleted %s, refunded %d points (balance %d)\n", args[0], res.Entry.Amount, res.Entry.BalanceAfter)
					return nil
				}
				fmt.Fprintf(c.out, "deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func (c *cli) adjustPointsCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "adjust-points <user-id> <delta>",
		Short: "Apply a signed balance correction",
		Example: `  enginectl adjust-points 7f0c... -15 --reason "duplicate charge"
  enginectl adjust-points 7f0c... 40 --reason goodwill`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			delta, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil || delta == 0 {
				return fmt.Errorf("delta must be a non-zero integer, got %q", args[1])
			}
			return c.withRuntime(cmd, func(rt *bootstrap.Runtime) error {
				entry, err := rt.Engine.AdjustPoints(cmd.Context(), args[0], delta, reason)
				if err != nil {
					return err
				}
				fmt.Fprintf(c.out, "adjusted %s by %+d, balance %d\n", args[0], delta, entry.BalanceAfter)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the ledger entry")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func (c *cli) creditCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "credit <user-id> <amount>",
		Short: "Credit purchased or earned points",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil || amount <= 0 {
				return fmt.Errorf("amount must be a positive integer, got %q", args[1])
			}
			return c.withRuntime(cmd, func(rt *bootstrap.Runtime) error {
				entry, err := rt.Engine.Credit(cmd.Context(), args[0], amount, reason)
				if err != nil {
					return err
				}
				fmt.Fprintf(c.out, "credited %s with %d, balance %d\n", args[0], amount, entry.BalanceAfter)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "purchase", "reason recorded on the ledger entry")
	return cmd
}

func (c *cli) setTierCmd() *cobra.Command {
	var (
		days    int
		expires string
	)
	cmd := &cobra.Command{
		Use:   "set-tier <user-id> <free|plus|pro|flagship>",
		Short: "Change a user's subscription tier",
		Example: `  enginectl set-tier 7f0c... pro --days 30
  enginectl set-tier 7f0c... plus --expires 2026-12-31T00:00:00Z
  enginectl set-tier 7f0c... free`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tier, ok := domain.ParseTier(strings.ToLower(args[1]))
			if !ok {
				return fmt.Errorf("unknown tier %q", args[1])
			}
			expiry, err := parseExpiry(expires, days)
			if err != nil {
				return err
			}
			return c.withRuntime(cmd, func(rt *bootstrap.Runtime) error {
				if err := rt.Engine.SetTier(cmd.Context(), args[0], tier, expiry); err != nil {
					return err
				}
				if expiry != nil && tier != domain.TierFree {
					fmt.Fprintf(c.out, "%s is now %s until %s\n", args[0], tier, expiry.UTC().Format(time.RFC3339))
					return nil
				}
				fmt.Fprintf(c.out, "%s is now %s\n", args[0], tier)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "subscription length in days from now")
	cmd.Flags().StringVar(&expires, "expires", "", "subscription expiry as RFC3339")
	cmd.MarkFlagsMutuallyExclusive("days", "expires")
	return cmd
}

func (c *cli) setRiskCmd() *cobra.Command {
	var forDur time.Duration
	cmd := &cobra.Command{
		Use:   "set-risk <user-id> <normal|warning|restricted|banned>",
		Short: "Change a user's risk status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			risk := domain.RiskStatus(strings.ToLower(args[1]))
			var expiry *time.Time
			if risk == domain.RiskRestricted {
				if forDur <= 0 {
					return errors.New("restricted requires --for")
				}
				t := time.Now().Add(forDur)
				expiry = &t
			}
			return c.withRuntime(cmd, func(rt *bootstrap.Runtime) error {
				if err := rt.Engine.SetRisk(cmd.Context(), args[0], risk, expiry); err != nil {
					return err
				}
				fmt.Fprintf(c.out, "%s risk set to %s\n", args[0], risk)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&forDur, "for", 0, "how long a restriction lasts, e.g. 72h")
	return cmd
}

func (c *cli) statsCmd() *cobra.Command {
	var since, until string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Report job outcomes and points for a period (default: last 24h)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			end := time.Now().UTC()
			if until != "" {
				t, err := time.Parse(time.RFC3339, until)
				if err != nil {
					return fmt.Errorf("--until: %w", err)
				}
				end = t
			}
			start := end.Add(-24 * time.Hour)
			if since != "" {
				t, err := time.Parse(time.RFC3339, since)
				if err != nil {
					return fmt.Errorf("--since: %w", err)
				}
				start = t
			}
			return c.withRuntime(cmd, func(rt *bootstrap.Runtime) error {
				stats, err := rt.Engine.Stats(cmd.Context(), start, end)
				if err != nil {
					return err
				}
				c.printStats(stats)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "period start as RFC3339")
	cmd.Flags().StringVar(&until, "until", "", "period end as RFC3339")
	return cmd
}

func (c *cli) printStats(stats *domain.JobStats) {
	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintf(w, "period\t%s .. %s\n", stats.Since.UTC().Format(time.RFC3339), stats.Until.UTC().Format(time.RFC3339))
	statuses := make([]string, 0, len(stats.ByStatus))
	total := 0
	for s, n := range stats.ByStatus {
		statuses = append(statuses, string(s))
		total += n
	}
	sort.Strings(statuses)
	for _, s := range statuses {
		fmt.Fprintf(w, "%s\t%d\n", s, stats.ByStatus[domain.JobStatus(s)])
	}
	fmt.Fprintf(w, "total\t%d\n", total)
	fmt.Fprintf(w, "points spent\t%d\n", stats.SpentPoints)
	fmt.Fprintf(w, "points refunded\t%d\n", stats.RefundedPoints)
}

func (c *cli) sweepCmd() *cobra.Command {
	var resync bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one reconciler pass now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRuntime(cmd, func(rt *bootstrap.Runtime) error {
				rec := rt.Engine.NewReconciler()
				rep := rec.RunOnce(cmd.Context())
				if resync {
					n, err := rec.Resync(cmd.Context())
					if err != nil {
						return err
					}
					rep.Resynced += n
				}
				status := okColor
				if rep.Errors > 0 {
					status = warnColor
				}
				status.Fprintf(c.out,
					"timed_out=%d requeued=%d deferred=%d settled=%d redispatched=%d expired=%d reminded=%d resynced=%d errors=%d\n",
					rep.TimedOut, rep.Requeued, rep.Deferred, rep.Settled, rep.Redispatched,
					rep.Expired, rep.Reminded, rep.Resynced, rep.Errors)
				if rep.Errors > 0 {
					return fmt.Errorf("sweep finished with %d errors", rep.Errors)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&resync, "resync", false, "also rebuild concurrency counters from held slots")
	return cmd
}

func (c *cli) setCredentialCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-credential <" + credentials.ProviderVideo + "|" + credentials.ProviderModeration + "> <token>",
		Short: "Store a collaborator API token in the database",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRuntime(cmd, func(rt *bootstrap.Runtime) error {
				if rt.Credentials == nil {
					return errors.New("credentials need a postgres backend")
				}
				if err := rt.Credentials.SetToken(cmd.Context(), args[0], args[1]); err != nil {
					return err
				}
				fmt.Fprintf(c.out, "%s token stored\n", args[0])
				return nil
			})
		},
	}
}

func parseExpiry(expires string, days int) (*time.Time, error) {
	switch {
	case expires != "":
		t, err := time.Parse(time.RFC3339, expires)
		if err != nil {
			return nil, fmt.Errorf("--expires: %w", err)
		}
		return &t, nil
	case days > 0:
		t := time.Now().UTC().Add(time.Duration(days) * 24 * time.Hour)
		return &t, nil
	case days < 0:
		return nil, errors.New("--days must be positive")
	}
	return nil, nil
}
