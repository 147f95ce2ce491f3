package resilient

import (
	"context"
	"time"

	"github.com/adhocore/gronx"

	"github.com/hubgate/hubgate/pkg/logger"
)

// Collector runs the queue's garbage collection on a fixed interval or,
// when a cron schedule is configured, whenever the expression is due.
type Collector struct {
	queue    *Queue
	interval time.Duration
	schedule string
	gron     *gronx.Gronx
}

// NewCollector builds a collector. A non-empty cron schedule takes
// precedence over the interval; an invalid expression falls back to the
// interval with a warning.
func NewCollector(q *Queue, interval time.Duration, schedule string) *Collector {
	c := &Collector{queue: q, interval: interval}
	if c.interval <= 0 {
		c.interval = 5 * time.Minute
	}
	if schedule != "" {
		g := gronx.New()
		if g.IsValid(schedule) {
			c.schedule = schedule
			c.gron = g
		} else {
			logger.WarnCF("resilient", "invalid gc cron schedule, using interval", map[string]interface{}{
				"schedule": schedule,
			})
		}
	}
	return c
}

// Run blocks until the context is cancelled. Cron schedules are evaluated
// once a minute; interval mode sweeps on a plain ticker.
func (c *Collector) Run(ctx context.Context) {
	tick := c.interval
	if c.gron != nil {
		tick = time.Minute
	}

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	logger.InfoCF("resilient", "garbage collector started", map[string]interface{}{
		"interval": c.interval.String(), "schedule": c.schedule,
	})

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if c.gron != nil {
				due, err := c.gron.IsDue(c.schedule, now)
				if err != nil || !due {
					continue
				}
			}
			c.queue.Sweep(now)
		}
	}
}
