package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/tariff-cli/internal/freshness"
	"github.com/sells-group/tariff-cli/internal/model"
)

var lookupCmd = &cobra.Command{
	Use:   "lookup <code>",
	Short: "Look up the cached rates for a code, enriching when stale",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		origin, _ := cmd.Flags().GetString("origin")
		bizContext, _ := cmd.Flags().GetString("context")

		env, err := initEnv(ctx, "enrich")
		if err != nil {
			return err
		}
		defer env.Close()

		scope := env.Rates.NewScope()
		defer scope.Close()

		res, err := env.Rates.Lookup(ctx, scope, args[0], origin, bizContext)
		if err != nil {
			return eris.Wrap(err, "lookup")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

var freshnessCmd = &cobra.Command{
	Use:   "freshness <code>...",
	Short: "Show per-category freshness for stored codes",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "store")
		if err != nil {
			return err
		}
		defer env.Close()

		policy := freshness.Default()
		now := time.Now().UTC()

		indicators := make([]model.FreshnessIndicator, 0, len(args))
		for _, raw := range args {
			code := model.NormalizeCode(raw)
			if code == "" {
				return eris.Errorf("freshness: invalid code %q", raw)
			}
			rec, err := env.Store.Get(ctx, code)
			if err != nil {
				return eris.Wrapf(err, "freshness: get %s", code)
			}
			indicators = append(indicators, policy.Indicator(code, rec, now))
		}

		formatIndicators(os.Stdout, indicators)
		return nil
	},
}

func init() {
	lookupCmd.Flags().String("origin", "", "country of origin (required)")
	lookupCmd.Flags().String("context", "", "business context used to scope cache entries")
	_ = lookupCmd.MarkFlagRequired("origin")

	rootCmd.AddCommand(lookupCmd)
	rootCmd.AddCommand(freshnessCmd)
}

// formatIndicators writes one row per code with each category's status.
func formatIndicators(out io.Writer, inds []model.FreshnessIndicator) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "CODE\tFRESH\tAGE\tCONFIDENCE\tCATEGORIES")
	_, _ = fmt.Fprintln(w, "----\t-----\t---\t----------\t----------")

	for _, ind := range inds {
		age := "-"
		if ind.AgeHours != nil {
			age = fmt.Sprintf("%.1fh", *ind.AgeHours)
		}
		conf := string(ind.Confidence)
		if conf == "" {
			conf = "-"
		}

		_, _ = fmt.Fprintf(w, "%s\t%t\t%s\t%s\t%s\n",
			ind.Code,
			ind.IsFresh,
			age,
			conf,
			categorySummary(ind.Statuses),
		)
	}
	_ = w.Flush()
}

func categorySummary(statuses map[model.Category]model.FreshnessStatus) string {
	parts := make([]string, 0, len(statuses))
	for cat, st := range statuses {
		parts = append(parts, string(cat)+"="+string(st))
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}
