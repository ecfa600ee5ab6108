package notify

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/bastion/pkg/observability"
)

// DefaultRetention is how long notifications are kept.
const DefaultRetention = 90 * 24 * time.Hour

// Purger deletes notifications older than a cutoff.
type Purger interface {
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Sweeper enforces the notification retention period.
type Sweeper struct {
	purger    Purger
	retention time.Duration
	logger    *observability.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

// NewSweeper creates a sweeper. A non-positive retention means DefaultRetention.
func NewSweeper(purger Purger, retention time.Duration, logger *observability.Logger, metrics *observability.Metrics) *Sweeper {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Sweeper{
		purger:    purger,
		retention: retention,
		logger:    logger,
		metrics:   metrics,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// RunOnce purges everything older than the retention period.
func (s *Sweeper) RunOnce(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.retention)
	n, err := s.purger.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.WithError(err).Error("notification sweep failed")
		return 0, err
	}
	s.metrics.RecordPurged(n)
	s.logger.WithFields(map[string]interface{}{
		"purged": n,
		"cutoff": cutoff.Format(time.RFC3339),
	}).Info("notification sweep finished")
	return n, nil
}

// Schedule registers the sweep on c under a cron spec such as "@daily".
// Each run gets its own timeout.
func (s *Sweeper) Schedule(c *cron.Cron, spec string, timeout time.Duration) (cron.EntryID, error) {
	return c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		_, _ = s.RunOnce(ctx)
	})
}
