package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/config"
)

// Checker runs periodic alert checks in the background.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig
}

// NewChecker creates a background alert checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
	}
}

// Run starts the periodic check loop over the configured tenants. It blocks
// until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting alert checker",
		zap.Duration("interval", interval),
		zap.Strings("tenants", c.cfg.Tenants),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("alert checker stopped")
			return
		case <-ticker.C:
			c.CheckOnce(ctx)
		}
	}
}

// CheckOnce collects and evaluates every configured tenant and returns the
// number of alerts raised.
func (c *Checker) CheckOnce(ctx context.Context) int {
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	raised := 0
	for _, tenant := range c.cfg.Tenants {
		snap, err := c.collector.Collect(ctx, tenant)
		if err != nil {
			log.Error("monitoring: failed to collect metrics", zap.String("tenant", tenant), zap.Error(err))
			continue
		}

		alerts := c.alerter.Evaluate(snap)
		if len(alerts) == 0 {
			log.Debug("monitoring: no alerts triggered", zap.String("tenant", tenant))
			continue
		}
		raised += len(alerts)

		sent := c.alerter.SendAlerts(ctx, alerts)
		log.Info("monitoring: alert check complete",
			zap.String("tenant", tenant),
			zap.Int("alerts_triggered", len(alerts)),
			zap.Int("alerts_sent", sent),
		)
	}
	return raised
}
