package notify

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/bastion/pkg/async"
	"github.com/platinummonkey/bastion/pkg/observability"
)

// Dispatcher delivers events to principals without blocking the caller.
// Delivery failures never reach the caller.
type Dispatcher interface {
	Notify(ctx context.Context, userID int64, e Event)
	NotifyMany(ctx context.Context, userIDs []int64, e Event)
}

// Recorder persists one delivered event.
type Recorder interface {
	Insert(ctx context.Context, userID int64, e Event) (*Notification, error)
}

// PoolDispatcher queues deliveries on a worker pool. A full queue drops the
// delivery and logs it.
type PoolDispatcher struct {
	pool     *async.WorkerPool
	recorder Recorder
	logger   *observability.Logger
	metrics  *observability.Metrics
	fanOut   int
}

// NewPoolDispatcher creates a dispatcher writing through recorder on pool.
func NewPoolDispatcher(pool *async.WorkerPool, recorder Recorder, logger *observability.Logger, metrics *observability.Metrics) *PoolDispatcher {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &PoolDispatcher{pool: pool, recorder: recorder, logger: logger, metrics: metrics, fanOut: 8}
}

func (d *PoolDispatcher) Notify(ctx context.Context, userID int64, e Event) {
	d.NotifyMany(ctx, []int64{userID}, e)
}

// NotifyMany fans e out to every recipient, at most fanOut inserts at a time.
func (d *PoolDispatcher) NotifyMany(ctx context.Context, userIDs []int64, e Event) {
	if len(userIDs) == 0 {
		return
	}
	recipients := append([]int64(nil), userIDs...)
	err := d.pool.TrySubmit(func(ctx context.Context) error {
		g, ctx := errgroup.WithContext(ctx)
		g.SetLimit(d.fanOut)
		for _, id := range recipients {
			id := id
			g.Go(func() error {
				_, err := d.recorder.Insert(ctx, id, e)
				d.metrics.RecordNotification(e.Kind, err)
				return err
			})
		}
		return g.Wait()
	})
	if err != nil {
		d.metrics.RecordNotification(e.Kind, err)
		observability.FromContext(ctx, d.logger).WithError(err).
			WithField("kind", e.Kind).Warn("notification dropped")
	}
}

// NopDispatcher discards every event.
type NopDispatcher struct{}

func (NopDispatcher) Notify(context.Context, int64, Event)        {}
func (NopDispatcher) NotifyMany(context.Context, []int64, Event) {}
