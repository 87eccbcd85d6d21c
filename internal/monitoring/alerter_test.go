package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/rakeback-engine/internal/config"
	"github.com/sells-group/rakeback-engine/internal/model"
)

func openedIssues() []model.Issue {
	return []model.Issue{
		{ID: "i1", Category: model.IssueBlockMissing, Severity: model.SeverityCritical, Subject: "H1@3", Message: "block has no yield record"},
		{ID: "i2", Category: model.IssueBlockPartial, Severity: model.SeverityWarning, Subject: "H1@4", Message: "block attribution is partial"},
	}
}

func TestAlerter_Evaluate_CriticalOnly(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{}, clockwork.NewFakeClockAt(t0))

	alerts := a.Evaluate(openedIssues())
	require.Len(t, alerts, 1)
	assert.Equal(t, model.IssueBlockMissing, alerts[0].Type)
	assert.Equal(t, "i1", alerts[0].IssueID)
	assert.Equal(t, "H1@3", alerts[0].Subject)
	assert.Equal(t, t0, alerts[0].Timestamp)
}

func TestAlerter_Evaluate_WithWarnings(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{AlertOnWarning: true}, nil)
	assert.Len(t, a.Evaluate(openedIssues()), 2)
}

func TestAlerter_Evaluate_NothingOpened(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{AlertOnWarning: true}, nil)
	assert.Empty(t, a.Evaluate(nil))
}

func TestAlerter_SendAlerts_Webhook(t *testing.T) {
	var received atomic.Int32
	var last Alert
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&last))
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL, AlertOnWarning: true}, clockwork.NewFakeClockAt(t0))
	sent := a.SendAlerts(context.Background(), a.Evaluate(openedIssues()))

	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(2), received.Load())
	assert.Equal(t, model.SeverityWarning, last.Severity)
	assert.Equal(t, "i2", last.IssueID)
}

func TestAlerter_SendAlerts_EmptyURL(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{}, nil)
	assert.Equal(t, 0, a.SendAlerts(context.Background(), []Alert{{Type: model.IssueBlockMissing}}))
}

func TestAlerter_SendAlerts_EmptyAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{WebhookURL: "http://127.0.0.1:1"}, nil)
	assert.Equal(t, 0, a.SendAlerts(context.Background(), nil))
}

func TestAlerter_SendAlerts_WebhookError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL}, nil)
	assert.Equal(t, 0, a.SendAlerts(context.Background(), a.Evaluate(openedIssues())))
}
