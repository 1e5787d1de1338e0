package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/docflow/internal/config"
)

func alertTypes(alerts []Alert) map[AlertType]bool {
	types := make(map[AlertType]bool)
	for _, a := range alerts {
		types[a.Type] = true
	}
	return types
}

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.10, MinFinished: 5, BacklogThreshold: 100})

	snap := &Snapshot{WindowSucceeded: 48, WindowFailed: 2, FailRate: 0.04, Queued: 10, Window: time.Hour}
	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_FailureRate(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.10, MinFinished: 5})

	snap := &Snapshot{
		WindowSucceeded: 6, WindowFailed: 4, FailRate: 0.4,
		RecentFailures: []string{"inv-9", "inv-3"}, Window: 5 * time.Minute,
	}
	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertFailureRate, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "40.0%")
	assert.Contains(t, alerts[0].Message, "5m0s")
	assert.Equal(t, []string{"inv-9", "inv-3"}, alerts[0].Details["recent_failures"])
}

func TestAlerter_Evaluate_MinimumFinishedRequired(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.10, MinFinished: 5})

	// Only 3 finished items, below the minimum.
	snap := &Snapshot{WindowSucceeded: 1, WindowFailed: 2, FailRate: 0.666}
	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_MultipleAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.10, BacklogThreshold: 50})

	snap := &Snapshot{
		WindowSucceeded: 10, WindowFailed: 10, FailRate: 0.5,
		Queued: 80, Running: 4,
		OpenCircuits: []string{"ocr", "vision"},
	}
	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 3)

	types := alertTypes(alerts)
	assert.True(t, types[AlertFailureRate])
	assert.True(t, types[AlertBacklog])
	assert.True(t, types[AlertCircuitOpen])
	for _, al := range alerts {
		if al.Type == AlertCircuitOpen {
			assert.Contains(t, al.Message, "ocr, vision")
		}
	}
}

func TestAlerter_Evaluate_CostOverrun(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 1, CostThresholdUSD: 100})

	alerts := a.Evaluate(&Snapshot{WindowSpendUSD: 250, Window: time.Hour})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertCostOverrun, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "$250.00")

	assert.Empty(t, a.Evaluate(&Snapshot{WindowSpendUSD: 99}))
}

func TestAlerter_Evaluate_BacklogDisabled(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 1})
	assert.Empty(t, a.Evaluate(&Snapshot{Queued: 1_000_000}))
}

func TestAlerter_SendAlerts_Webhook(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var alert Alert
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&alert))
		assert.NotEmpty(t, alert.Type)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})
	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertFailureRate, Severity: "high", Message: "a"},
		{Type: AlertBacklog, Severity: "medium", Message: "b"},
	})
	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(2), received.Load())
}

func TestAlerter_SendAlerts_RetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})
	a.retry.InitialBackoff = time.Millisecond
	assert.Equal(t, 1, a.SendAlerts(context.Background(), []Alert{{Type: AlertBacklog}}))
	assert.Equal(t, int32(2), calls.Load())
}

func TestAlerter_SendAlerts_GivesUp(t *testing.T) {
	for status, wantCalls := range map[int]int32{http.StatusInternalServerError: 3, http.StatusForbidden: 1} {
		var calls atomic.Int32
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			calls.Add(1)
			w.WriteHeader(status)
		}))

		a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})
		a.retry.InitialBackoff = time.Millisecond
		a.retry.MaxBackoff = time.Millisecond
		assert.Equal(t, 0, a.SendAlerts(context.Background(), []Alert{{Type: AlertBacklog}}), "status %d", status)
		assert.Equal(t, wantCalls, calls.Load(), "status %d", status)
		ts.Close()
	}
}

func TestAlerter_Evaluate_Timestamp(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 1})
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.FixedZone("x", 3600))
	a.nowFunc = func() time.Time { return at }

	alerts := a.Evaluate(&Snapshot{OpenCircuits: []string{"ocr"}})
	assert.Len(t, alerts, 1)
	assert.Equal(t, at.UTC(), alerts[0].Timestamp)
	assert.Equal(t, time.UTC, alerts[0].Timestamp.Location())
}

func TestAlerter_SendAlerts_NoWebhook(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})
	assert.Equal(t, 0, a.SendAlerts(context.Background(), []Alert{{Type: AlertBacklog}}))
}
