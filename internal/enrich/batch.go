package enrich

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/tariff-cli/internal/model"
)

// Status is the per-item outcome of EnrichBatch.
type Status string

const (
	StatusSuccess       Status = "success"
	StatusSkippedNoCode Status = "skipped_no_code"
	StatusFailed        Status = "failed"
)

// Item is one caller line item. Fields other than Code and Origin are carried
// through untouched.
type Item struct {
	ID          string         `json:"id,omitempty"`
	Code        string         `json:"code"`
	Origin      string         `json:"origin"`
	Description string         `json:"description,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// ItemResult is an input item annotated with its enrichment outcome.
type ItemResult struct {
	Item
	Status Status                  `json:"enrichment_status"`
	Record *model.TariffRateRecord `json:"record,omitempty"`
	Error  string                  `json:"error,omitempty"`
}

// BatchSummary counts outcomes.
type BatchSummary struct {
	Success int `json:"success"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// Summarize counts results by status.
func Summarize(results []ItemResult) BatchSummary {
	var s BatchSummary
	for _, r := range results {
		switch r.Status {
		case StatusSuccess:
			s.Success++
		case StatusSkippedNoCode:
			s.Skipped++
		default:
			s.Failed++
		}
	}
	return s
}

// EnrichBatch enriches every item with at most MaxConcurrency calls in
// flight. It returns one result per input item, in input order; a failing
// item never affects its siblings.
func (e *Enricher) EnrichBatch(ctx context.Context, items []Item) []ItemResult {
	results := make([]ItemResult, len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxConcurrency)

	for i, item := range items {
		results[i] = ItemResult{Item: item}
		if strings.TrimSpace(item.Code) == "" {
			results[i].Status = StatusSkippedNoCode
			continue
		}

		g.Go(func() error {
			rec, err := e.Enrich(gctx, item.Code, item.Origin)
			switch {
			case err != nil:
				results[i].Status = StatusFailed
				results[i].Error = err.Error()
			case rec.Confidence == model.ConfidenceError:
				results[i].Status = StatusFailed
				results[i].Record = rec
				results[i].Error = rec.Notes
			default:
				results[i].Status = StatusSuccess
				results[i].Record = rec
			}
			return nil
		})
	}
	_ = g.Wait()

	sum := Summarize(results)
	e.log.Info("batch enrichment complete",
		zap.Int("items", len(items)),
		zap.Int("success", sum.Success),
		zap.Int("skipped", sum.Skipped),
		zap.Int("failed", sum.Failed),
	)
	return results
}
