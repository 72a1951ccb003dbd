package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/tariff-cli/internal/enrich"
)

var enrichCmd = &cobra.Command{
	Use:   "enrich [code]",
	Short: "Enrich one code or a file of line items through the AI providers",
	Long:  "Enriches a single code (with --origin) or every item in a JSON array file (--file). Results are written to stdout as JSON.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		file, _ := cmd.Flags().GetString("file")
		origin, _ := cmd.Flags().GetString("origin")

		var items []enrich.Item
		switch {
		case file != "" && len(args) > 0:
			return eris.New("enrich: pass a code or --file, not both")
		case file != "":
			f, err := os.Open(file)
			if err != nil {
				return eris.Wrap(err, "enrich: open file")
			}
			defer f.Close() //nolint:errcheck
			items, err = readItems(f)
			if err != nil {
				return err
			}
		case len(args) == 1:
			items = []enrich.Item{{Code: args[0], Origin: origin}}
		default:
			return eris.New("enrich: a code or --file is required")
		}

		env, err := initEnv(ctx, "enrich")
		if err != nil {
			return err
		}
		defer env.Close()

		results := env.Rates.EnrichBatch(ctx, items)
		sum := enrich.Summarize(results)
		fmt.Fprintf(os.Stderr, "Enriched %d items: %d success, %d skipped, %d failed\n",
			len(results), sum.Success, sum.Skipped, sum.Failed)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	},
}

func init() {
	enrichCmd.Flags().String("origin", "", "country of origin for a single code")
	enrichCmd.Flags().String("file", "", "JSON file holding an array of line items")
	rootCmd.AddCommand(enrichCmd)
}

// readItems decodes a JSON array of line items.
func readItems(r io.Reader) ([]enrich.Item, error) {
	var items []enrich.Item
	if err := json.NewDecoder(r).Decode(&items); err != nil {
		return nil, eris.Wrap(err, "enrich: decode items")
	}
	if len(items) == 0 {
		return nil, eris.New("enrich: no items in file")
	}
	return items, nil
}
