package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/docflow/internal/config"
)

// Checker evaluates the pipeline on a fixed interval and posts alerts.
// An alert that keeps firing is re-sent at most once per repeat window;
// once it clears, its next occurrence is sent straight away.
type Checker struct {
	collector   *Collector
	alerter     *Alerter
	interval    time.Duration
	repeatAfter time.Duration

	lastSent map[AlertType]time.Time
	nowFunc  func() time.Time
}

// NewChecker creates a Checker. Interval defaults to five minutes and the
// repeat window to one hour.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	c := &Checker{
		collector:   collector,
		alerter:     alerter,
		interval:    time.Duration(cfg.CheckIntervalSecs) * time.Second,
		repeatAfter: time.Duration(cfg.RepeatAfterSecs) * time.Second,
		lastSent:    make(map[AlertType]time.Time),
		nowFunc:     time.Now,
	}
	if c.interval <= 0 {
		c.interval = 5 * time.Minute
	}
	if c.repeatAfter <= 0 {
		c.repeatAfter = time.Hour
	}
	return c
}

// Run checks every interval until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "monitoring"))
	log.Info("monitoring: checker started", zap.Duration("interval", c.interval))
	defer log.Info("monitoring: checker stopped")

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.check(ctx, log)
		}
	}
}

// check runs one cycle and returns how many alerts were delivered.
func (c *Checker) check(ctx context.Context, log *zap.Logger) int {
	snap, err := c.collector.Collect(ctx)
	if err != nil {
		log.Error("monitoring: collect failed", zap.Error(err))
		return 0
	}

	due := c.due(c.alerter.Evaluate(snap))
	if len(due) == 0 {
		return 0
	}
	sent := c.alerter.SendAlerts(ctx, due)
	if sent == len(due) {
		now := c.nowFunc()
		for _, al := range due {
			c.lastSent[al.Type] = now
		}
	}
	log.Info("monitoring: check complete", zap.Int("due", len(due)), zap.Int("sent", sent))
	return sent
}

// due drops alerts still inside their repeat window and forgets the ones
// that have cleared.
func (c *Checker) due(alerts []Alert) []Alert {
	firing := make(map[AlertType]bool, len(alerts))
	now := c.nowFunc()
	var out []Alert
	for _, al := range alerts {
		firing[al.Type] = true
		if last, ok := c.lastSent[al.Type]; ok && now.Sub(last) < c.repeatAfter {
			continue
		}
		out = append(out, al)
	}
	for t := range c.lastSent {
		if !firing[t] {
			delete(c.lastSent, t)
		}
	}
	return out
}
