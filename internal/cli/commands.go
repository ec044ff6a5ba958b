package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"billsync/backend/internal/domain"
	"billsync/backend/internal/realtime"
	"billsync/backend/internal/service"
)

// NewRecalcCommand creates the recalc command.
func NewRecalcCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "recalc <bill-id>",
		Short: "Recompute a bill's totals from its products",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, rootOpts, func(env *Env) error {
				bill, err := env.Service.Bills.RecalculateTotals(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return emit(cmd, rootOpts, bill, func(w io.Writer) {
					fmt.Fprintf(w, "%s %s: qty=%.2f amount=%.2f profit=%.2f products=%d\n",
						bill.BillNumber, bill.ID, bill.TotalQuantity, bill.TotalAmount, bill.TotalProfit, bill.ProductCount)
				})
			})
		},
	}
}

type driftOptions struct {
	fix bool
}

type driftReport struct {
	Drifted []domain.TotalsCheck `json:"drifted"`
	Fixed   []string             `json:"fixed,omitempty"`
}

// NewDriftCommand creates the drift command.
func NewDriftCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &driftOptions{}

	cmd := &cobra.Command{
		Use:   "drift",
		Short: "List bills whose stored totals disagree with their products",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, rootOpts, func(env *Env) error {
				checks, err := env.Service.Bills.FindDrift(cmd.Context())
				if err != nil {
					return err
				}
				report := driftReport{Drifted: checks}
				if opts.fix {
					for _, c := range checks {
						if _, err := env.Service.Bills.RecalculateTotals(cmd.Context(), c.BillID); err != nil {
							return err
						}
						report.Fixed = append(report.Fixed, c.BillID)
					}
				}
				return emit(cmd, rootOpts, report, func(w io.Writer) {
					if len(checks) == 0 {
						fmt.Fprintln(w, "no drift")
						return
					}
					for _, c := range checks {
						fields := make([]string, 0, len(c.Drift))
						for _, d := range c.Drift {
							fields = append(fields, fmt.Sprintf("%s %.2f!=%.2f", d.Field, d.Stored, d.Computed))
						}
						fmt.Fprintf(w, "%s: %s\n", c.BillID, strings.Join(fields, ", "))
					}
					if opts.fix {
						fmt.Fprintf(w, "fixed %d bill(s)\n", len(report.Fixed))
					}
				})
			})
		},
	}

	cmd.Flags().BoolVar(&opts.fix, "fix", false, "recalculate every drifted bill")
	return cmd
}

// NewOrphansCommand creates the orphans command.
func NewOrphansCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "orphans",
		Short: "List products that belong to no bill",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, rootOpts, func(env *Env) error {
				orphans, err := env.Analytics.Orphans(cmd.Context())
				if err != nil {
					return err
				}
				return emit(cmd, rootOpts, orphans, func(w io.Writer) {
					for _, p := range orphans {
						fmt.Fprintf(w, "%s\t%s\t%.2f\n", p.ID, p.ProductName, p.TotalAmount)
					}
					fmt.Fprintf(w, "%d orphan(s)\n", len(orphans))
				})
			})
		},
	}
}

type watchOptions struct {
	status string
	vendor string
	count  int
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &watchOptions{}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print bill snapshots as they change",
		Long: `Print bill snapshots as they change.

Runs until interrupted, or until --count snapshots have been printed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.count < 0 {
				return fmt.Errorf("--count must not be negative")
			}
			q := service.BillQuery{Status: domain.BillStatus(opts.status), Vendor: opts.vendor}.Query()
			q.Limit = 0
			if err := q.Validate(domain.KindBill); err != nil {
				return err
			}

			return withEnv(cmd, rootOpts, func(env *Env) error {
				ctx := cmd.Context()
				snaps := make(chan realtime.Snapshot[domain.Bill], 16)
				errs := make(chan error, 1)
				done := make(chan struct{})
				unsub := env.Sync.SubscribeBills(q, func(s realtime.Snapshot[domain.Bill]) {
					select {
					case snaps <- s:
					case <-done:
					case <-ctx.Done():
					}
				}, func(err error) {
					select {
					case errs <- err:
					default:
					}
				})
				defer unsub()
				defer close(done)

				for printed := 0; opts.count == 0 || printed < opts.count; printed++ {
					select {
					case <-ctx.Done():
						return nil
					case err := <-errs:
						return err
					case s := <-snaps:
						if err := printSnapshot(cmd, rootOpts, s); err != nil {
							return err
						}
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&opts.status, "status", "", "only bills with this status")
	cmd.Flags().StringVar(&opts.vendor, "vendor", "", "only bills from this vendor")
	cmd.Flags().IntVar(&opts.count, "count", 0, "stop after this many snapshots (0 = run until interrupted)")
	return cmd
}

func printSnapshot(cmd *cobra.Command, rootOpts *RootOptions, s realtime.Snapshot[domain.Bill]) error {
	if rootOpts.Format == "json" {
		// One compact object per line so the output can be piped.
		return emitLine(cmd, s)
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "-- %d bill(s), %d change(s), origin=%s\n", len(s.Items), len(s.Changes), s.Origin)
	for _, b := range s.Items {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\n", b.BillNumber, b.Vendor, b.Status, b.TotalAmount)
	}
	return nil
}
