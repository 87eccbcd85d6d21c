package monitoring

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/sells-group/rakeback-engine/internal/config"
)

// Checker refreshes issues in the background and alerts on new ones.
type Checker struct {
	monitor *Monitor
	alerter *Alerter
	cfg     config.MonitoringConfig
	clock   clockwork.Clock
}

// NewChecker creates a background issue checker.
func NewChecker(monitor *Monitor, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		monitor: monitor,
		alerter: alerter,
		cfg:     cfg,
		clock:   monitor.clock,
	}
}

// Run refreshes once immediately and then on every interval. It blocks until
// ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting issue checker", zap.Duration("interval", interval))

	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()

	c.check(ctx, log)
	for {
		select {
		case <-ctx.Done():
			log.Info("issue checker stopped")
			return
		case <-ticker.Chan():
			c.check(ctx, log)
		}
	}
}

func (c *Checker) check(ctx context.Context, log *zap.Logger) {
	if ctx.Err() != nil {
		return
	}
	res, err := c.monitor.Refresh(ctx)
	if err != nil {
		log.Error("monitoring: refresh issues", zap.Error(err))
		return
	}

	alerts := c.alerter.Evaluate(res.Opened)
	if len(alerts) == 0 {
		log.Debug("monitoring: no new alerts", zap.Int("open", res.Open))
		return
	}
	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Info("monitoring: issue check complete",
		zap.Int("opened", len(res.Opened)),
		zap.Int("resolved", len(res.Resolved)),
		zap.Int("alerts_sent", sent),
	)
}
