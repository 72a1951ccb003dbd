package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/store"
	"github.com/sells-group/tariff-cli/internal/tariffsync"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run and inspect scheduled rate syncs",
	Long:  "Commands for running the MFN and Section 301 sync jobs and reading the run log and failure ledger.",
}

// -- sync mfn / sync section301 --

// newSyncJobCmd builds the command that runs one sync job if it is due.
func newSyncJobCmd(use string, st model.SyncType, short string) *cobra.Command {
	c := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			force, _ := cmd.Flags().GetBool("force")

			env, err := initEnv(ctx, "sync")
			if err != nil {
				return err
			}
			defer env.Close()

			run, err := env.Engine.Run(ctx, st, tariffsync.RunOpts{Force: force})
			switch {
			case eris.Is(err, tariffsync.ErrNotDue):
				fmt.Fprintf(os.Stderr, "%s sync is not due; use --force to run anyway.\n", st)
				return nil
			case eris.Is(err, tariffsync.ErrRunInProgress):
				fmt.Fprintf(os.Stderr, "%s sync is already running.\n", st)
				return nil
			}

			if run != nil {
				formatRuns(os.Stdout, []model.SyncRun{*run})
			}
			if err != nil {
				return eris.Wrapf(err, "sync %s", use)
			}
			return nil
		},
	}
	c.Flags().Bool("force", false, "run even if the job is not due")
	return c
}

var (
	syncMFNCmd        = newSyncJobCmd("mfn", model.SyncTypeMFN, "Refresh MFN and USMCA rates from the official schedule")
	syncSection301Cmd = newSyncJobCmd("section301", model.SyncTypeSection301, "Merge Section 301 rates from recent Federal Register notices")
)

// -- sync runs --

var syncRunsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List sync runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		typ, _ := cmd.Flags().GetString("type")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := store.RunFilter{Status: model.SyncStatus(status), Limit: limit}
		if typ != "" {
			st, ok := model.ParseSyncType(typ)
			if !ok {
				return eris.Errorf("sync runs: unknown sync type %q", typ)
			}
			filter.SyncType = st
		}

		env, err := initEnv(ctx, "store")
		if err != nil {
			return err
		}
		defer env.Close()

		runs, err := env.Store.ListRuns(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "sync runs")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRuns(os.Stdout, runs)
		return nil
	},
}

// -- sync failures --

var syncFailuresCmd = &cobra.Command{
	Use:   "failures <run-id>",
	Short: "List the items that failed in a sync run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "store")
		if err != nil {
			return err
		}
		defer env.Close()

		failures, err := env.Store.ListFailures(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "sync failures")
		}

		if len(failures) == 0 {
			fmt.Fprintln(os.Stderr, "No failures recorded for this run.")
			return nil
		}

		formatFailures(os.Stdout, failures)
		return nil
	},
}

func init() {
	syncRunsCmd.Flags().String("type", "", "filter by sync type (mfn, section301)")
	syncRunsCmd.Flags().String("status", "", "filter by status (SUCCESS, PARTIAL, FAILED)")
	syncRunsCmd.Flags().Int("limit", 50, "max number of runs to display")

	syncCmd.AddCommand(syncMFNCmd)
	syncCmd.AddCommand(syncSection301Cmd)
	syncCmd.AddCommand(syncRunsCmd)
	syncCmd.AddCommand(syncFailuresCmd)
	rootCmd.AddCommand(syncCmd)
}

// formatRuns writes a tabular list of sync runs to out.
func formatRuns(out io.Writer, runs []model.SyncRun) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tSTARTED\tDURATION\tUPDATED\tFAILED\tERROR")
	_, _ = fmt.Fprintln(w, "--\t----\t------\t-------\t--------\t-------\t------\t-----")

	for _, r := range runs {
		dur := (time.Duration(r.DurationMS) * time.Millisecond).Round(time.Second).String()

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			truncateID(r.ID),
			r.SyncType,
			r.Status,
			r.StartedAt.Format("2006-01-02 15:04"),
			dur,
			r.RecordsUpdated,
			r.RecordsFailed,
			truncate(r.ErrorMessage, 60),
		)
	}
	_ = w.Flush()
}

// formatFailures writes the failure ledger rows of one run to out.
func formatFailures(out io.Writer, failures []model.SyncFailure) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ITEM\tKIND\tOCCURRED\tERROR")
	_, _ = fmt.Fprintln(w, "----\t----\t--------\t-----")

	for _, f := range failures {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			f.Item,
			f.ErrorKind,
			f.OccurredAt.Format("2006-01-02 15:04:05"),
			truncate(f.Error, 80),
		)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
