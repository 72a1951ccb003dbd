package monitoring

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/tariff-cli/internal/config"
)

// Checker periodically evaluates the sync log and cache, posting alerts to
// the webhook. An alert with the same key is not re-sent within the cooldown.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewChecker creates a background alert checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	cooldown := time.Duration(cfg.AlertCooldownMins) * time.Minute
	if cooldown <= 0 {
		cooldown = time.Hour
	}
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		cooldown:  cooldown,
		now:       time.Now,
		lastSent:  make(map[string]time.Time),
	}
}

// Run checks once immediately, then on every interval until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting alert checker",
		zap.Duration("interval", interval),
		zap.Duration("cooldown", c.cooldown),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
	)

	if ctx.Err() == nil {
		c.check(ctx, log)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("alert checker stopped")
			return
		case <-ticker.C:
			c.check(ctx, log)
		}
	}
}

func (c *Checker) check(ctx context.Context, log *zap.Logger) {
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		log.Error("monitoring: failed to collect metrics", zap.Error(err))
		return
	}

	alerts := c.due(c.alerter.Evaluate(snap))
	if len(alerts) == 0 {
		log.Debug("monitoring: no new alerts",
			zap.Int("sync_runs", snap.SyncTotal),
			zap.Int("sync_failed", snap.SyncFailed),
		)
		return
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Info("monitoring: alert check complete",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
}

// due drops alerts whose key was sent within the cooldown and marks the rest.
func (c *Checker) due(alerts []Alert) []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	out := alerts[:0]
	for _, a := range alerts {
		key := alertKey(a)
		if last, ok := c.lastSent[key]; ok && now.Sub(last) < c.cooldown {
			continue
		}
		c.lastSent[key] = now
		out = append(out, a)
	}
	return out
}

// alertKey identifies an alert for cooldown purposes: its type plus the sync
// type it concerns, if any.
func alertKey(a Alert) string {
	if st, ok := a.Details["sync_type"].(string); ok {
		return string(a.Type) + ":" + st
	}
	return string(a.Type)
}
