package service

import (
	"context"
	"fmt"
	"time"

	"github.com/webitel/wlog"

	"github.com/webitel/ffmpeg_batch/config"
	"github.com/webitel/ffmpeg_batch/internal/telemetry"
)

type JobCleaner interface {
	Cleanup(maxAge time.Duration) (int, error)
}

// Cleaner drops done jobs past the retention period.
type Cleaner struct {
	store     JobCleaner
	log       *wlog.Logger
	retention time.Duration
	interval  time.Duration
}

func NewCleaner(cfg *config.Config, log *wlog.Logger, store JobCleaner) *Cleaner {
	return &Cleaner{
		store:     store,
		log:       log.With(wlog.String("service", "cleaner")),
		retention: cfg.Jobs.Retention,
		interval:  cfg.Jobs.CleanupInterval,
	}
}

func (c *Cleaner) Enabled() bool {
	return c.retention > 0 && c.interval > 0
}

// Cleanup runs one retention pass.
func (c *Cleaner) Cleanup() int {
	count, err := c.store.Cleanup(c.retention)
	if err != nil {
		c.log.Error(err.Error(), wlog.Err(err))
		return 0
	}

	telemetry.JobsCleaned.Add(float64(count))
	if count > 0 {
		c.log.Info(fmt.Sprintf("removed %d completed jobs", count), wlog.Duration("retention", c.retention))
	}

	return count
}

// Run cleans up once, then every interval until ctx is done.
func (c *Cleaner) Run(ctx context.Context) error {
	if !c.Enabled() {
		c.log.Debug("cleanup disabled")
		return nil
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		c.Cleanup()

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
