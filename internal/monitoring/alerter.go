package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/docflow/internal/config"
	"github.com/sells-group/docflow/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertFailureRate AlertType = "failure_rate"
	AlertBacklog     AlertType = "queue_backlog"
	AlertCircuitOpen AlertType = "circuit_open"
	AlertCostOverrun AlertType = "cost_overrun"
)

// Alert is the webhook payload.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// rule inspects a snapshot and returns an alert when its threshold is
// crossed.
type rule func(cfg config.MonitoringConfig, snap *Snapshot) (Alert, bool)

var rules = []rule{failureRateRule, backlogRule, circuitRule, spendRule}

func failureRateRule(cfg config.MonitoringConfig, snap *Snapshot) (Alert, bool) {
	finished := snap.WindowSucceeded + snap.WindowFailed
	if finished == 0 || finished < int64(cfg.MinFinished) || snap.FailRate <= cfg.FailureRateThreshold {
		return Alert{}, false
	}
	return Alert{
		Type:     AlertFailureRate,
		Severity: "high",
		Message: fmt.Sprintf("Failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %s)",
			snap.FailRate*100, cfg.FailureRateThreshold*100, snap.WindowFailed, finished, snap.Window.Round(time.Second)),
		Details: map[string]any{
			"failure_rate":    snap.FailRate,
			"threshold":       cfg.FailureRateThreshold,
			"failed":          snap.WindowFailed,
			"finished":        finished,
			"recent_failures": snap.RecentFailures,
		},
	}, true
}

func backlogRule(cfg config.MonitoringConfig, snap *Snapshot) (Alert, bool) {
	if cfg.BacklogThreshold <= 0 || snap.Queued <= cfg.BacklogThreshold {
		return Alert{}, false
	}
	return Alert{
		Type:     AlertBacklog,
		Severity: "medium",
		Message:  fmt.Sprintf("%d items queued, above threshold %d", snap.Queued, cfg.BacklogThreshold),
		Details:  map[string]any{"queued": snap.Queued, "running": snap.Running, "threshold": cfg.BacklogThreshold},
	}, true
}

func circuitRule(_ config.MonitoringConfig, snap *Snapshot) (Alert, bool) {
	if len(snap.OpenCircuits) == 0 {
		return Alert{}, false
	}
	return Alert{
		Type:     AlertCircuitOpen,
		Severity: "high",
		Message:  "Circuit open for stream(s): " + strings.Join(snap.OpenCircuits, ", "),
		Details:  map[string]any{"streams": snap.OpenCircuits},
	}, true
}

func spendRule(cfg config.MonitoringConfig, snap *Snapshot) (Alert, bool) {
	if cfg.CostThresholdUSD <= 0 || snap.WindowSpendUSD <= cfg.CostThresholdUSD {
		return Alert{}, false
	}
	return Alert{
		Type:     AlertCostOverrun,
		Severity: "high",
		Message: fmt.Sprintf("Extraction spend $%.2f exceeds threshold $%.2f in last %s",
			snap.WindowSpendUSD, cfg.CostThresholdUSD, snap.Window.Round(time.Second)),
		Details: map[string]any{"spend_usd": snap.WindowSpendUSD, "threshold_usd": cfg.CostThresholdUSD},
	}, true
}

// Alerter turns snapshots into alerts and posts them to a webhook.
type Alerter struct {
	cfg     config.MonitoringConfig
	client  *http.Client
	retry   resilience.RetryPolicy
	nowFunc func() time.Time
}

// NewAlerter creates an Alerter. Webhook posts are retried on transient
// failures.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	retry := resilience.RetryPolicy{MaxAttempts: 3, InitialBackoff: 200 * time.Millisecond, MaxBackoff: 2 * time.Second, JitterFraction: 0.2}
	retry.OnRetry = resilience.RetryLogger("monitoring", "webhook")
	return &Alerter{
		cfg:     cfg,
		client:  &http.Client{Timeout: 10 * time.Second},
		retry:   retry,
		nowFunc: time.Now,
	}
}

// Evaluate returns one alert per crossed threshold, stamped with the
// current time.
func (a *Alerter) Evaluate(snap *Snapshot) []Alert {
	now := a.nowFunc().UTC()
	var alerts []Alert
	for _, r := range rules {
		if al, ok := r(a.cfg, snap); ok {
			al.Timestamp = now
			alerts = append(alerts, al)
		}
	}
	return alerts
}

// SendAlerts posts each alert and returns how many were delivered. Without
// a webhook URL nothing is sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" {
		return 0
	}
	sent := 0
	for _, al := range alerts {
		log := zap.L().With(zap.String("type", string(al.Type)), zap.String("severity", al.Severity))
		if err := resilience.Do(ctx, a.retry, func(ctx context.Context) error { return a.post(ctx, al) }); err != nil {
			log.Error("monitoring: alert not delivered", zap.Error(err))
			continue
		}
		log.Info("monitoring: alert sent")
		sent++
	}
	return sent
}

func (a *Alerter) post(ctx context.Context, al Alert) error {
	body, err := json.Marshal(al)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "monitoring: build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: post webhook")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 300 {
		return nil
	}
	err = eris.Errorf("monitoring: webhook answered %d", resp.StatusCode)
	if resilience.IsTransientHTTPStatus(resp.StatusCode) {
		return resilience.NewTransientError(err, resp.StatusCode)
	}
	return err
}
