package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-cli/internal/fetcher"
	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/store"
	"github.com/sells-group/tariff-cli/internal/tariffsync"
	"github.com/sells-group/tariff-cli/pkg/hts"
)

// Column headers of the schedule workbook export, lower-cased.
const (
	colHTSNumber = "hts number"
	colGeneral   = "general rate of duty"
	colSpecial   = "special rate of duty"
	colDesc      = "description"
)

var importScheduleCmd = &cobra.Command{
	Use:   "import-schedule",
	Short: "Load MFN and USMCA rates from a schedule workbook export",
	Long:  "Reads the official schedule XLSX export and writes MFN (and USMCA, when listed) rates for every row carrying a general rate. With --tracked-only, rows for codes not already in the store are skipped.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		path, _ := cmd.Flags().GetString("file")
		sheet, _ := cmd.Flags().GetString("sheet")
		trackedOnly, _ := cmd.Flags().GetBool("tracked-only")

		records, err := fetcher.ReadXLSXRecords(path, fetcher.XLSXOptions{SheetName: sheet})
		if err != nil {
			return eris.Wrap(err, "import-schedule")
		}

		env, err := initEnv(ctx, "store")
		if err != nil {
			return err
		}
		defer env.Close()

		var tracked map[string]bool
		if trackedOnly {
			codes, err := env.Store.ListCodes(ctx)
			if err != nil {
				return eris.Wrap(err, "import-schedule: list codes")
			}
			tracked = make(map[string]bool, len(codes))
			for _, c := range codes {
				tracked[c] = true
			}
		}

		writes := scheduleWrites(records, time.Now().UTC())
		var written, specific int
		for _, sw := range writes {
			if tracked != nil && !tracked[sw.write.Code] {
				continue
			}
			if err := env.Store.Upsert(ctx, sw.write); err != nil {
				return eris.Wrapf(err, "import-schedule: upsert %s", sw.write.Code)
			}
			written++
			if sw.specific {
				specific++
			}
		}

		zap.L().Info("schedule import complete",
			zap.String("file", path),
			zap.Int("rows", len(records)),
			zap.Int("written", written),
			zap.Int("specific_duty", specific),
		)
		fmt.Fprintf(os.Stderr, "Imported %d codes from %d rows (%d specific duties stored as flagged zero).\n",
			written, len(records), specific)
		return nil
	},
}

func init() {
	importScheduleCmd.Flags().String("file", "", "path to the schedule .xlsx export")
	importScheduleCmd.Flags().String("sheet", "", "sheet name (default first sheet)")
	importScheduleCmd.Flags().Bool("tracked-only", false, "only update codes already in the store")
	_ = importScheduleCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(importScheduleCmd)
}

type scheduleRow struct {
	write    store.Write
	specific bool
}

// scheduleWrites maps workbook rows to writes. Heading rows without a general
// rate and rows with an invalid number are skipped. A later row for the same
// code replaces an earlier one.
func scheduleWrites(records []map[string]string, now time.Time) []scheduleRow {
	index := make(map[string]int, len(records))
	var out []scheduleRow
	for _, rec := range records {
		code := model.NormalizeCode(rec[colHTSNumber])
		if code == "" || rec[colGeneral] == "" {
			continue
		}
		art := hts.Article{
			HTSNo:       rec[colHTSNumber],
			Description: rec[colDesc],
			General:     rec[colGeneral],
			Special:     rec[colSpecial],
		}
		w, specific := tariffsync.ScheduleWrite(code, art, now)
		row := scheduleRow{write: w, specific: specific}
		if i, ok := index[code]; ok {
			out[i] = row
			continue
		}
		index[code] = len(out)
		out = append(out, row)
	}
	return out
}
