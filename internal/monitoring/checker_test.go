package monitoring

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/sells-group/docflow/internal/config"
	"github.com/sells-group/docflow/internal/model"
)

func TestChecker_RunStopsOnCancel(t *testing.T) {
	cfg := config.MonitoringConfig{CheckIntervalSecs: 1, FailureRateThreshold: 0.10}
	checker := NewChecker(NewCollector(&fakeSource{}, nil, nil), NewAlerter(cfg), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run kept going after cancel")
	}
}

func TestChecker_Defaults(t *testing.T) {
	checker := NewChecker(NewCollector(&fakeSource{}, nil, nil), NewAlerter(config.MonitoringConfig{}), config.MonitoringConfig{})
	assert.Equal(t, 5*time.Minute, checker.interval)
	assert.Equal(t, time.Hour, checker.repeatAfter)
}

func TestChecker_RepeatWindow(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		received.Add(1)
	}))
	defer ts.Close()

	src := &fakeSource{depths: map[model.Priority]int{model.PriorityMedium: 12}}
	cfg := config.MonitoringConfig{WebhookURL: ts.URL, BacklogThreshold: 10, FailureRateThreshold: 0.5, RepeatAfterSecs: 600}
	checker := NewChecker(NewCollector(src, nil, nil), NewAlerter(cfg), cfg)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	checker.nowFunc = func() time.Time { return now }
	ctx := context.Background()

	assert.Equal(t, 1, checker.check(ctx, zap.NewNop()))

	now = now.Add(5 * time.Minute)
	assert.Equal(t, 0, checker.check(ctx, zap.NewNop()), "still inside the repeat window")

	now = now.Add(6 * time.Minute)
	assert.Equal(t, 1, checker.check(ctx, zap.NewNop()), "window passed")

	src.depths = map[model.Priority]int{}
	now = now.Add(time.Minute)
	assert.Equal(t, 0, checker.check(ctx, zap.NewNop()))
	assert.Empty(t, checker.lastSent, "cleared alerts are forgotten")

	src.depths = map[model.Priority]int{model.PriorityHigh: 50}
	now = now.Add(time.Minute)
	assert.Equal(t, 1, checker.check(ctx, zap.NewNop()), "recurrence is sent at once")
	assert.Equal(t, int32(3), received.Load())
}

func TestChecker_FailedDeliveryIsRetriedNextCycle(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusBadRequest)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer ts.Close()

	src := &fakeSource{depths: map[model.Priority]int{model.PriorityLow: 99}}
	cfg := config.MonitoringConfig{WebhookURL: ts.URL, BacklogThreshold: 1, FailureRateThreshold: 1}
	checker := NewChecker(NewCollector(src, nil, nil), NewAlerter(cfg), cfg)

	assert.Equal(t, 0, checker.check(context.Background(), zap.NewNop()))
	assert.Empty(t, checker.lastSent)

	status.Store(http.StatusOK)
	assert.Equal(t, 1, checker.check(context.Background(), zap.NewNop()))
}
