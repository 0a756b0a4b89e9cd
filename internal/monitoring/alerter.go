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

	"github.com/sells-group/outreach-cli/internal/config"
	"github.com/sells-group/outreach-cli/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertDLQDepth            AlertType = "dlq_depth"
	AlertIdentitiesExhausted AlertType = "identities_exhausted"
	AlertDailyCap            AlertType = "daily_cap"
	AlertCircuitOpen         AlertType = "circuit_open"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	TenantID  string         `json:"tenant_id"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a Snapshot against configured thresholds
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
func (a *Alerter) Evaluate(snap *Snapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	if a.cfg.DLQThreshold > 0 && snap.DLQDepth >= a.cfg.DLQThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertDLQDepth,
			TenantID: snap.TenantID,
			Severity: "high",
			Message: fmt.Sprintf("%d dead-lettered stage jobs for %s (threshold %d)",
				snap.DLQDepth, snap.TenantID, a.cfg.DLQThreshold),
			Details:   map[string]any{"dlq_depth": snap.DLQDepth, "threshold": a.cfg.DLQThreshold},
			Timestamp: now,
		})
	}

	if snap.IdentitiesTotal > 0 && snap.IdentitiesAvailable == 0 {
		alerts = append(alerts, Alert{
			Type:      AlertIdentitiesExhausted,
			TenantID:  snap.TenantID,
			Severity:  "high",
			Message:   fmt.Sprintf("all %d sending identities for %s are retired or inactive", snap.IdentitiesTotal, snap.TenantID),
			Details:   map[string]any{"identities_total": snap.IdentitiesTotal},
			Timestamp: now,
		})
	}

	if snap.DailyCap > 0 && a.cfg.CapWarnFraction > 0 &&
		float64(snap.SentToday) >= a.cfg.CapWarnFraction*float64(snap.DailyCap) {
		alerts = append(alerts, Alert{
			Type:     AlertDailyCap,
			TenantID: snap.TenantID,
			Severity: "medium",
			Message: fmt.Sprintf("%s sent %d of %d daily sends (%.0f%%)",
				snap.TenantID, snap.SentToday, snap.DailyCap, 100*float64(snap.SentToday)/float64(snap.DailyCap)),
			Details:   map[string]any{"sent_today": snap.SentToday, "daily_cap": snap.DailyCap},
			Timestamp: now,
		})
	}

	var open []string
	for name, state := range snap.Breakers {
		if state == resilience.CircuitOpen.String() {
			open = append(open, name)
		}
	}
	if len(open) > 0 {
		sort.Strings(open)
		alerts = append(alerts, Alert{
			Type:      AlertCircuitOpen,
			TenantID:  snap.TenantID,
			Severity:  "high",
			Message:   fmt.Sprintf("provider circuit open: %v", open),
			Details:   map[string]any{"services": open},
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
				zap.String("tenant", alert.TenantID),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("tenant", alert.TenantID),
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
