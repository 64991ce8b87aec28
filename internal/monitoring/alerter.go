package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/visibility-engine/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertJobFailureRate  AlertType = "job_failure_rate"
	AlertQueueDepth      AlertType = "queue_depth"
	AlertStaleClaims     AlertType = "stale_claims"
	AlertProviderBackoff AlertType = "provider_backoff"
	AlertNoWorkers       AlertType = "no_workers"
)

// minFinishedForRate is the sample size below which the failure rate is
// not alerted on.
const minFinishedForRate = 5

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
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	finished := snap.Finished()
	if finished >= minFinishedForRate && snap.FailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertJobFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Acquisition job failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.FailRate*100, a.cfg.FailureRateThreshold*100,
				snap.FailedRecent, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.FailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.FailedRecent,
				"finished":     finished,
			},
			Timestamp: now,
		})
	}

	if a.cfg.QueueDepthThreshold > 0 && snap.Pending > a.cfg.QueueDepthThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertQueueDepth,
			Severity: "medium",
			Message: fmt.Sprintf("%d pending acquisition jobs exceed threshold %d",
				snap.Pending, a.cfg.QueueDepthThreshold),
			Details: map[string]any{
				"pending":   snap.Pending,
				"claimed":   snap.Claimed,
				"threshold": a.cfg.QueueDepthThreshold,
			},
			Timestamp: now,
		})
	}

	if snap.StaleClaims > 0 {
		alerts = append(alerts, Alert{
			Type:      AlertStaleClaims,
			Severity:  "medium",
			Message:   fmt.Sprintf("%d claimed job(s) exceeded the claim lease", snap.StaleClaims),
			Details:   map[string]any{"stale_claims": snap.StaleClaims},
			Timestamp: now,
		})
	}

	if len(snap.BackoffProviders) > 0 {
		alerts = append(alerts, Alert{
			Type:      AlertProviderBackoff,
			Severity:  "medium",
			Message:   fmt.Sprintf("%d provider(s) in error backoff: %v", len(snap.BackoffProviders), snap.BackoffProviders),
			Details:   map[string]any{"providers": snap.BackoffProviders},
			Timestamp: now,
		})
	}

	if snap.Pending > 0 && snap.AvailableWorkers == 0 {
		alerts = append(alerts, Alert{
			Type:      AlertNoWorkers,
			Severity:  "high",
			Message:   fmt.Sprintf("%d pending browser job(s) and no live worker", snap.Pending),
			Details:   map[string]any{"pending": snap.Pending},
			Timestamp: now,
		})
	}

	return alerts
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
