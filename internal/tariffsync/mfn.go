package tariffsync

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-cli/internal/freshness"
	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/resilience"
	"github.com/sells-group/tariff-cli/internal/store"
	"github.com/sells-group/tariff-cli/pkg/hts"
)

// ScheduleLookup resolves one code against the official tariff schedule.
type ScheduleLookup interface {
	Lookup(ctx context.Context, code string) (hts.Article, error)
}

// ItemStore is the persistence a sync job writes through.
type ItemStore interface {
	ListCodes(ctx context.Context) ([]string, error)
	ListCodesWithPrefix(ctx context.Context, prefix string) ([]string, error)
	Upsert(ctx context.Context, w store.Write) error
	RecordFailure(ctx context.Context, f model.SyncFailure) error
}

// MFNConfig tunes the MFN schedule sync.
type MFNConfig struct {
	BatchSize  int
	BatchPause time.Duration
	Cadence    Cadence
}

// MFNSync refreshes the MFN rate of every stored code from the official
// schedule, in fixed-size batches separated by a pause.
type MFNSync struct {
	schedule ScheduleLookup
	store    ItemStore
	cfg      MFNConfig

	// OnWrite is called after each successful upsert. Used to drop cached copies.
	OnWrite func(code string)

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	log   *zap.Logger
}

// NewMFNSync creates the MFN job.
func NewMFNSync(schedule ScheduleLookup, st ItemStore, cfg MFNConfig) *MFNSync {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.BatchPause < 0 {
		cfg.BatchPause = 0
	}
	if cfg.Cadence == "" {
		cfg.Cadence = Weekly
	}
	return &MFNSync{
		schedule: schedule,
		store:    st,
		cfg:      cfg,
		now:      time.Now,
		sleep:    sleepCtx,
		log:      zap.L().With(zap.String("component", "tariffsync.mfn")),
	}
}

// Type implements Job.
func (s *MFNSync) Type() model.SyncType { return model.SyncTypeMFN }

// ShouldRun implements Job.
func (s *MFNSync) ShouldRun(now time.Time, lastSync *time.Time) bool {
	return s.cfg.Cadence.Due(now, lastSync)
}

// Run implements Job.
func (s *MFNSync) Run(ctx context.Context, runID string) (*Result, error) {
	codes, err := s.store.ListCodes(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "mfn: list codes")
	}

	// The search API serves the current edition only, so the run records
	// which year's schedule it read.
	res := &Result{Metadata: map[string]any{
		"codes":         len(codes),
		"schedule_year": s.now().UTC().Year(),
	}}
	var specific []string
	batches := 0

	for start := 0; start < len(codes); start += s.cfg.BatchSize {
		if start > 0 {
			if err := s.sleep(ctx, s.cfg.BatchPause); err != nil {
				return res, eris.Wrap(err, "mfn: batch pause")
			}
		}
		end := min(start+s.cfg.BatchSize, len(codes))
		batches++

		for _, code := range codes[start:end] {
			if err := ctx.Err(); err != nil {
				return res, eris.Wrap(err, "mfn: cancelled")
			}
			isSpecific, err := s.syncCode(ctx, code)
			if err != nil {
				res.Failed++
				s.recordFailure(ctx, runID, code, err)
				continue
			}
			res.Updated++
			if isSpecific {
				specific = append(specific, code)
			}
			if s.OnWrite != nil {
				s.OnWrite(code)
			}
		}
		s.log.Debug("batch complete",
			zap.Int("batch", batches),
			zap.Int("updated", res.Updated),
			zap.Int("failed", res.Failed),
		)
	}

	res.Metadata["batches"] = batches
	res.Metadata["specific_duty_codes"] = len(specific)
	if len(specific) > 0 {
		res.Metadata["specific_duty_list"] = specific
	}
	return res, nil
}

// syncCode writes one code's MFN (and USMCA, when listed) rate. It reports
// whether the general rate was a specific duty stored as a flagged zero.
func (s *MFNSync) syncCode(ctx context.Context, code string) (bool, error) {
	art, err := s.schedule.Lookup(ctx, code)
	if err != nil {
		if eris.Is(err, hts.ErrNotFound) {
			return false, resilience.Parse(eris.Wrapf(err, "mfn: lookup %s", code))
		}
		return false, eris.Wrapf(err, "mfn: lookup %s", code)
	}

	w, isSpecific := ScheduleWrite(code, art, s.now().UTC())
	if err := s.store.Upsert(ctx, w); err != nil {
		return false, resilience.Persistence(eris.Wrapf(err, "mfn: upsert %s", code))
	}
	return isSpecific, nil
}

// ScheduleWrite maps a schedule article to an MFN write, adding USMCA when the
// special column lists it. A specific duty is stored as a LOW confidence zero
// and reported through the second return value.
func ScheduleWrite(code string, art hts.Article, now time.Time) (store.Write, bool) {
	duty := hts.ParseDutyRate(art.General)
	expires := freshness.NextJanuary2(now)
	w := store.Write{
		Code:         code,
		Provenance:   model.ProvenanceOfficialSchedule,
		Confidence:   model.ConfidenceHigh,
		MFNExpiresAt: &expires,
		At:           now,
	}

	isSpecific := duty.Kind == hts.DutySpecific
	if isSpecific {
		w.Confidence = model.ConfidenceLow
		w.Notes = fmt.Sprintf("%s: %s", model.SpecificDutyNote, duty.Raw)
	}
	w.Rates = append(w.Rates, store.CategoryWrite{Category: model.CategoryMFN, Rate: model.Rate(duty.Rate)})

	if usmca, ok := hts.USMCARate(art.Special); ok {
		w.Rates = append(w.Rates, store.CategoryWrite{Category: model.CategoryUSMCA, Rate: model.Rate(usmca)})
	}
	return w, isSpecific
}

func (s *MFNSync) recordFailure(ctx context.Context, runID, code string, err error) {
	kind := resilience.Classify(err)
	s.log.Warn("code failed",
		zap.String("code", code),
		zap.String("error_kind", string(kind)),
		zap.String("sync_type", string(model.SyncTypeMFN)),
		zap.Error(err),
	)
	f := model.SyncFailure{
		RunID:      runID,
		SyncType:   model.SyncTypeMFN,
		Item:       code,
		ErrorKind:  string(kind),
		Error:      err.Error(),
		OccurredAt: s.now().UTC(),
	}
	if rerr := s.store.RecordFailure(context.WithoutCancel(ctx), f); rerr != nil {
		s.log.Error("record failure", zap.String("code", code), zap.Error(rerr))
	}
}
