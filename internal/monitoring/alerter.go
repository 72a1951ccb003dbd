package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-cli/internal/config"
	"github.com/sells-group/tariff-cli/internal/model"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertSyncFailure  AlertType = "sync_failure"
	AlertSyncOverdue  AlertType = "sync_overdue"
	AlertCacheHitRate AlertType = "cache_hit_rate"
)

// minCacheSamples is the lookup count below which the hit rate is not judged.
const minCacheSamples = 20

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	now    func() time.Time
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		now:    time.Now,
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := a.now().UTC()

	// Failed or partial sync runs in the window.
	if snap.SyncFailed+snap.SyncPartial > 0 {
		severity := "medium"
		if snap.SyncFailed > 0 {
			severity = "high"
		}
		alerts = append(alerts, Alert{
			Type:     AlertSyncFailure,
			Severity: severity,
			Message: fmt.Sprintf(
				"%d failed and %d partial sync run(s) in last %dh",
				snap.SyncFailed, snap.SyncPartial, snap.LookbackHours,
			),
			Details: map[string]any{
				"failed":      snap.SyncFailed,
				"partial":     snap.SyncPartial,
				"total_syncs": snap.SyncTotal,
				"run_ids":     snap.UnhealthyRunIDs,
			},
			Timestamp: now,
		})
	}

	// Sync types with no recent success.
	overdue := map[model.SyncType]int{
		model.SyncTypeMFN:        a.cfg.MFNOverdueHours,
		model.SyncTypeSection301: a.cfg.Section301OverdueHours,
	}
	types := make([]model.SyncType, 0, len(overdue))
	for st := range overdue {
		types = append(types, st)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	for _, st := range types {
		limit := overdue[st]
		if limit <= 0 {
			continue
		}
		last, ok := snap.LastSuccess[st]
		if ok && last != nil && now.Sub(*last) <= time.Duration(limit)*time.Hour {
			continue
		}
		details := map[string]any{"sync_type": string(st), "overdue_hours": limit}
		msg := fmt.Sprintf("%s sync has never succeeded", st)
		if ok && last != nil {
			age := now.Sub(*last).Hours()
			details["last_success"] = last.UTC()
			details["age_hours"] = age
			msg = fmt.Sprintf("%s sync last succeeded %.0fh ago (limit %dh)", st, age, limit)
		}
		alerts = append(alerts, Alert{
			Type:      AlertSyncOverdue,
			Severity:  "high",
			Message:   msg,
			Details:   details,
			Timestamp: now,
		})
	}

	// Process cache effectiveness.
	if c := snap.Cache; c != nil && a.cfg.MinCacheHitRate > 0 &&
		c.Hits+c.Misses >= minCacheSamples && c.HitRate < a.cfg.MinCacheHitRate {
		alerts = append(alerts, Alert{
			Type:     AlertCacheHitRate,
			Severity: "low",
			Message: fmt.Sprintf(
				"Cache hit rate %.1f%% below threshold %.1f%%",
				c.HitRate*100, a.cfg.MinCacheHitRate*100,
			),
			Details: map[string]any{
				"hit_rate":  c.HitRate,
				"threshold": a.cfg.MinCacheHitRate,
				"hits":      c.Hits,
				"misses":    c.Misses,
				"entries":   c.Entries,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// NotifyRun posts an alert for a single FAILED or PARTIAL run as soon as it
// is recorded. SUCCESS runs and an unset webhook are no-ops.
func (a *Alerter) NotifyRun(ctx context.Context, run model.SyncRun) error {
	if a.cfg.WebhookURL == "" || run.Status == model.SyncStatusSuccess {
		return nil
	}
	severity := "medium"
	if run.Status == model.SyncStatusFailed {
		severity = "high"
	}
	msg := fmt.Sprintf("%s sync run %s: %d updated, %d failed",
		run.SyncType, run.Status, run.RecordsUpdated, run.RecordsFailed)
	if run.ErrorMessage != "" {
		msg += ": " + run.ErrorMessage
	}
	return a.sendWebhook(ctx, Alert{
		Type:     AlertSyncFailure,
		Severity: severity,
		Message:  msg,
		Details: map[string]any{
			"run_id":          run.ID,
			"sync_type":       string(run.SyncType),
			"status":          string(run.Status),
			"records_updated": run.RecordsUpdated,
			"records_failed":  run.RecordsFailed,
			"duration_ms":     run.DurationMS,
		},
		Timestamp: a.now().UTC(),
	})
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
