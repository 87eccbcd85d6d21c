package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/rakeback-engine/internal/config"
	"github.com/sells-group/rakeback-engine/internal/model"
)

// Alert is the webhook payload for one newly opened issue.
type Alert struct {
	Type      string         `json:"type"`
	Severity  model.Severity `json:"severity"`
	Message   string         `json:"message"`
	Subject   string         `json:"subject"`
	IssueID   string         `json:"issueId"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter posts newly opened issues to a webhook.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	clock  clockwork.Clock
}

// NewAlerter creates an alerter. A nil clock means the real clock.
func NewAlerter(cfg config.MonitoringConfig, clock clockwork.Clock) *Alerter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	timeout := time.Duration(cfg.WebhookTimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		clock:  clock,
	}
}

// Evaluate turns newly opened issues into alerts. Only critical issues alert
// unless warnings are enabled.
func (a *Alerter) Evaluate(opened []model.Issue) []Alert {
	var alerts []Alert
	now := a.clock.Now().UTC()
	for _, is := range opened {
		if is.Severity != model.SeverityCritical && !a.cfg.AlertOnWarning {
			continue
		}
		alerts = append(alerts, Alert{
			Type:      is.Category,
			Severity:  is.Severity,
			Message:   is.Message,
			Subject:   is.Subject,
			IssueID:   is.ID,
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
				zap.String("type", alert.Type),
				zap.String("subject", alert.Subject),
				zap.Error(err),
			)
			continue
		}
		sent++
	}
	zap.L().Info("monitoring: alerts sent", zap.Int("sent", sent), zap.Int("total", len(alerts)))
	return sent
}

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
