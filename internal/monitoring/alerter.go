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

	"github.com/sells-group/complaints-queue/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertStaleWorker  AlertType = "stale_worker"
	AlertNoWorkers    AlertType = "no_workers"
	AlertStoreFailure AlertType = "store_failure"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a StatusSnapshot and sends alerts via webhook.
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

// Evaluate checks the snapshot and returns any alerts.
func (a *Alerter) Evaluate(snap *StatusSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	if len(snap.Workers) == 0 {
		alerts = append(alerts, Alert{
			Type:      AlertNoWorkers,
			Severity:  "medium",
			Message:   "No worker has recorded a feed cursor yet",
			Timestamp: now,
		})
	}

	for _, w := range snap.Workers {
		if !w.Stale {
			continue
		}
		alerts = append(alerts, Alert{
			Type:     AlertStaleWorker,
			Severity: "high",
			Message: fmt.Sprintf(
				"Worker %s has not advanced its cursor for %ds (threshold %ds)",
				w.Worker, w.AgeSecs, snap.StaleAfterSecs,
			),
			Details: map[string]any{
				"worker":     w.Worker,
				"offset":     w.Offset,
				"session_id": w.SessionID,
				"updated_at": w.UpdatedAt,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// StoreFailure builds the alert sent when the snapshot itself cannot be
// collected.
func StoreFailure(err error) Alert {
	return Alert{
		Type:      AlertStoreFailure,
		Severity:  "high",
		Message:   fmt.Sprintf("Status collection failed: %v", err),
		Timestamp: time.Now().UTC(),
	}
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
