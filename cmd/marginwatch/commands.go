package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/sawpanic/marginwatch/internal/models"
)

// withApp loads config, builds the components without observers and runs fn
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			// newApp migrates on open
			return withApp(cmd, func(ctx context.Context, a *app) error {
				fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
				return nil
			})
		},
	}
}

func newSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Load sample accounts, positions and quotes into an empty database",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.database.Store().Seed(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "sample data loaded")
				return nil
			})
		},
	}
}

func newMarginCmd() *cobra.Command {
	marginCmd := &cobra.Command{
		Use:   "margin",
		Short: "Evaluate margin status",
	}

	checkCmd := &cobra.Command{
		Use:   "check <clientId>",
		Short: "Evaluate one client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				status, err := a.margin.EvaluateClient(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), status)
			})
		},
	}

	allCmd := &cobra.Command{
		Use:   "all",
		Short: "Evaluate every client with an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				result, err := a.margin.EvaluateAll(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "CLIENT\tEQUITY\tREQUIREMENT\tSHORTFALL\tMARGIN CALL")
				for _, s := range result.Statuses {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n", s.ClientID,
						s.NetEquity.StringFixed(2), s.TotalMarginRequirement.StringFixed(2),
						s.MarginShortfall.StringFixed(2), s.MarginCallTriggered)
				}
				for _, f := range result.Failures {
					fmt.Fprintf(w, "%s\tERROR: %v\t\t\t\n", f.ClientID, f.Err)
				}
				if err := w.Flush(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "\n%d evaluated, %d failed, %d margin calls\n",
					len(result.Statuses), len(result.Failures), result.MarginCalls())
				return nil
			})
		},
	}

	marginCmd.AddCommand(checkCmd, allCmd)
	return marginCmd
}

func newScheduleCmd() *cobra.Command {
	scheduleCmd := &cobra.Command{
		Use:   "schedule",
		Short: "Inspect and run surveillance jobs",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List registered jobs, their cadence and trigger aliases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				sched, err := a.newScheduler(false)
				if err != nil {
					return err
				}
				defer sched.Shutdown()

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "JOB\tCADENCE")
				for _, st := range sched.Status() {
					fmt.Fprintf(w, "%s\t%s\n", st.Name, st.Cadence)
				}
				if err := w.Flush(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "\ntrigger names: %v\n", sched.Names())
				return nil
			})
		},
	}

	runCmd := &cobra.Command{
		Use:   "run <job>",
		Short: "Run a job or body alias once and print its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				sched, err := a.newScheduler(false)
				if err != nil {
					return err
				}
				defer sched.Shutdown()

				result, err := sched.Trigger(ctx, args[0])
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), result); err != nil {
					return err
				}
				if !result.Success {
					return fmt.Errorf("job %s failed: %s", result.JobName, result.Error)
				}
				return nil
			})
		},
	}

	scheduleCmd.AddCommand(listCmd, runCmd)
	return scheduleCmd
}

func newPositionsCmd() *cobra.Command {
	positionsCmd := &cobra.Command{
		Use:   "positions",
		Short: "Maintain client positions",
	}

	addCmd := &cobra.Command{
		Use:   "add <clientId> <symbol> <quantity> <costBasis>",
		Short: "Open a position or merge a fill at weighted-average cost",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			qty, err := parseQuantity(args[2])
			if err != nil {
				return err
			}
			cost, err := decimal.NewFromString(args[3])
			if err != nil || !cost.IsPositive() {
				return fmt.Errorf("cost basis must be a positive number, got %q", args[3])
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				pos, err := a.storage.AddToPosition(ctx, args[0], args[1], qty, cost)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), pos)
			})
		},
	}

	closeCmd := &cobra.Command{
		Use:   "close <clientId> <symbol> <quantity>",
		Short: "Close part or all of a position",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			qty, err := parseQuantity(args[2])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				pos, err := a.storage.ReducePosition(ctx, args[0], args[1], qty)
				if err != nil {
					return err
				}
				if pos == nil {
					fmt.Fprintf(cmd.OutOrStdout(), "position %s/%s closed\n", args[0], models.NormalizeSymbol(args[1]))
					return nil
				}
				return printJSON(cmd.OutOrStdout(), pos)
			})
		},
	}

	positionsCmd.AddCommand(addCmd, closeCmd)
	return positionsCmd
}

func newAccountsCmd() *cobra.Command {
	accountsCmd := &cobra.Command{
		Use:   "accounts",
		Short: "Maintain margin accounts",
	}

	setCmd := &cobra.Command{
		Use:   "set <clientId> <loanAmount>",
		Short: "Create or update a margin account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			loan, err := decimal.NewFromString(args[1])
			if err != nil || loan.IsNegative() {
				return fmt.Errorf("loan amount must be a non-negative number, got %q", args[1])
			}
			rateFlag, _ := cmd.Flags().GetString("rate")
			rate, err := decimal.NewFromString(rateFlag)
			if err != nil || !rate.IsPositive() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
				return fmt.Errorf("rate must be between 0 and 1, got %q", rateFlag)
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				account, err := a.storage.UpsertAccount(ctx, models.MarginAccount{
					ClientID:              args[0],
					LoanAmount:            loan,
					MaintenanceMarginRate: rate,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), account)
			})
		},
	}
	setCmd.Flags().String("rate", "0.25", "Maintenance margin rate")

	accountsCmd.AddCommand(setCmd)
	return accountsCmd
}

func parseQuantity(s string) (int64, error) {
	qty, err := strconv.ParseInt(s, 10, 64)
	if err != nil || qty <= 0 {
		return 0, fmt.Errorf("quantity must be a positive integer, got %q", s)
	}
	return qty, nil
}
