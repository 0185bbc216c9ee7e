package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/meterline/backend/internal/database"
	"github.com/meterline/backend/internal/services"
	"github.com/spf13/cobra"
)

var sweepFlags struct {
	events bool
	date   string
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the billing schema",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := database.InitDB()
		if err != nil {
			return err
		}
		defer db.Close()

		if err := database.EnsureSchema(cmd.Context(), db); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Reset due allowances and prune old guard counters",
	Long: `Run the allowance reset sweep once. Accounts whose reset date has passed
are reset under the same row locks a reservation takes, so running the sweep
concurrently with traffic or twice in a row is safe.

Examples:
  # Reset allowances due today
  billingctl sweep

  # Also retry payment events left unprocessed
  billingctl sweep --events

  # Reset as of a given day
  billingctl sweep --date 2026-04-01`,
	Args: cobra.NoArgs,
	RunE: runSweep,
}

var replayCmd = &cobra.Command{
	Use:   "replay-event <event-id>",
	Short: "Re-apply a stored payment event",
	Long: `Re-apply an event already recorded in external_events. Processed events
report already-processed and change nothing.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer e.close()

		result, err := e.events.Replay(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if err := printJSON(cmd, result); err != nil {
			return err
		}
		if result.Outcome == services.OutcomeFailed {
			return fmt.Errorf("event %s failed: %s", args[0], result.Error)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <account-id>",
	Short: "Print the billing state of an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer e.close()

		status, err := e.reservations.GetStatus(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, status)
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd, sweepCmd, replayCmd, statusCmd)

	sweepCmd.Flags().BoolVar(&sweepFlags.events, "events", false, "also retry unprocessed payment events")
	sweepCmd.Flags().StringVar(&sweepFlags.date, "date", "", "reset as of this day (YYYY-MM-DD, default today)")
}

func runSweep(cmd *cobra.Command, args []string) error {
	e, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer e.close()

	today, err := sweepDay(sweepFlags.date, e.subs.Today())
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	reset, err := e.sweeps.ResetDueAllowances(ctx, today)
	if err != nil {
		return err
	}
	pruned, err := e.sweeps.PruneGuardCounters(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "allowances reset: %d\nguard counters pruned: %d\n", reset, pruned)

	if sweepFlags.events {
		applied, err := e.sweeps.RetryUnprocessedEvents(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "events applied: %d\n", applied)
	}
	return nil
}

// sweepDay parses --date, falling back to today.
func sweepDay(value string, today time.Time) (time.Time, error) {
	if value == "" {
		return today, nil
	}
	day, err := time.ParseInLocation("2006-01-02", value, today.Location())
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --date %q: want YYYY-MM-DD", value)
	}
	return day, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
