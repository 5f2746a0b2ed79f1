// Package maintenance runs scheduled housekeeping for durable queue
// storage.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	log "github.com/sirupsen/logrus"

	"github.com/JTOne123/elephant/internal/registry"
)

// Compactor compacts durable queue storage on a cron schedule.
type Compactor struct {
	cron string
	reg  *registry.Registry
}

// NewCompactor validates the cron expression up front so a bad schedule
// fails at startup, not at the first tick.
func NewCompactor(cron string, reg *registry.Registry) (*Compactor, error) {
	if !gronx.IsValid(cron) {
		return nil, fmt.Errorf("maintenance: invalid compaction cron %q", cron)
	}
	return &Compactor{cron: cron, reg: reg}, nil
}

// Start runs the schedule loop until ctx is cancelled.
func (c *Compactor) Start(ctx context.Context) error {
	log.WithField("cron", c.cron).Info("Starting compaction schedule")
	defer log.Info("Stopping compaction schedule")

	for {
		next, err := c.nextAfter(time.Now().UTC())
		if err != nil {
			log.WithField("cron", c.cron).WithError(err).Error("Failed to compute next compaction tick")
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return nil
			}
			continue
		}

		wait := time.Until(next)
		if wait <= 0 {
			c.runOnce()
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return nil
			}
			continue
		}

		select {
		case <-time.After(wait):
			c.runOnce()
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Compactor) nextAfter(now time.Time) (time.Time, error) {
	return gronx.NextTickAfter(c.cron, now, false)
}

func (c *Compactor) runOnce() {
	start := time.Now()
	if err := c.reg.CompactAll(); err != nil {
		log.WithError(err).Warn("Compaction run failed")
		return
	}
	log.WithField("duration", time.Since(start)).Info("Compacted queue storage")
}
