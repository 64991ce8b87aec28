// Package monitoring watches acquisition queue health, releases expired
// claims and alerts over a webhook when thresholds are breached.
package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/visibility-engine/internal/config"
	"github.com/sells-group/visibility-engine/internal/metrics"
)

// ClaimReleaser returns expired claims to the pending pool.
type ClaimReleaser interface {
	ReleaseStaleClaims(ctx context.Context) (int64, error)
}

// Checker runs periodic health checks in the background.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	releaser  ClaimReleaser
	cfg       config.MonitoringConfig
}

// NewChecker creates a background health checker. releaser may be nil.
func NewChecker(collector *Collector, alerter *Alerter, releaser ClaimReleaser, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		releaser:  releaser,
		cfg:       cfg,
	}
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting queue health checker",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("queue health checker stopped")
			return
		case <-ticker.C:
			c.Check(ctx, log)
		}
	}
}

// Check runs one health pass: stale claims are released first, so the
// snapshot reflects the queue after recovery.
func (c *Checker) Check(ctx context.Context, log *zap.Logger) *MetricsSnapshot {
	if c.releaser != nil {
		n, err := c.releaser.ReleaseStaleClaims(ctx)
		if err != nil {
			log.Error("monitoring: failed to release stale claims", zap.Error(err))
		} else if n > 0 {
			log.Warn("monitoring: released stale claims", zap.Int64("count", n))
		}
	}

	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		log.Error("monitoring: failed to collect metrics", zap.Error(err))
		return nil
	}
	metrics.QueueDepth.WithLabelValues("pending").Set(float64(snap.Pending))
	metrics.QueueDepth.WithLabelValues("claimed").Set(float64(snap.Claimed))

	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		log.Debug("monitoring: no alerts triggered")
		return snap
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Info("monitoring: alert check complete",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
	return snap
}
