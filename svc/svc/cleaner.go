package svc

import (
	"context"
	"time"

	"ciphertoken/metrics"
	"ciphertoken/svc/util"
)

type ConsumedPurger interface {
	CleanupConsumed(ctx context.Context, before time.Time) (int, error)
}

// Cleaner deletes consumed tokens once they are older than the retention.
// Unconsumed tokens are never touched.
type Cleaner struct {
	store     ConsumedPurger
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
}

func NewCleaner(store ConsumedPurger, retention, interval time.Duration) *Cleaner {
	return &Cleaner{store: store, retention: retention, interval: interval, now: time.Now}
}

// Run blocks until ctx is done. With a zero retention it returns at once.
func (c *Cleaner) Run(ctx context.Context) {
	if c.retention <= 0 {
		return
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.RunOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Cleaner) RunOnce(ctx context.Context) int {
	start := c.now()
	n, err := c.store.CleanupConsumed(ctx, start.Add(-c.retention))
	metrics.CleanupRuns.Inc()
	metrics.TokensPurged.Add(float64(n))
	if err != nil {
		util.Error().Err(err).Int("deleted", n).Msg("consumed token cleanup failed")
		return n
	}
	if n > 0 {
		util.Info().Int("deleted", n).Dur("took", time.Since(start)).Msg("consumed tokens purged")
	}
	return n
}
