package billing

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/logoforge/logoforge/pkg/async"
	"github.com/logoforge/logoforge/pkg/observability"
)

// SweeperConfig bounds one sweep
type SweeperConfig struct {
	Workers     int
	BatchSize   int
	ItemTimeout time.Duration
}

// SweepSummary counts the rows a sweep looked at
type SweepSummary struct {
	Checked int
	Updated int
	Failed  int
}

// Sweeper re-reads stale subscriptions from the provider and feeds them
// through the reconciler, repairing rows whose webhooks were lost
type Sweeper struct {
	cfg        SweeperConfig
	store      Store
	provider   Provider
	reconciler *Reconciler
	logger     *observability.Logger
	metrics    *observability.Metrics
	now        func() time.Time
}

// NewSweeper creates a sweeper; metrics may be nil
func NewSweeper(cfg SweeperConfig, store Store, provider Provider, reconciler *Reconciler, logger *observability.Logger, metrics *observability.Metrics) *Sweeper {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.ItemTimeout <= 0 {
		cfg.ItemTimeout = 30 * time.Second
	}
	return &Sweeper{
		cfg:        cfg,
		store:      store,
		provider:   provider,
		reconciler: reconciler,
		logger:     logger,
		metrics:    metrics,
		now:        time.Now,
	}
}

// RunOnce re-syncs one batch. Per-row failures are counted, not returned;
// the error is only set when the batch could not be listed.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepSummary, error) {
	subs, err := s.store.ListForResync(ctx, s.now().UTC(), s.cfg.BatchSize)
	if err != nil {
		return SweepSummary{}, fmt.Errorf("sweep: %w", err)
	}

	var updated atomic.Int64
	errs := async.Batch(ctx, subs, s.cfg.Workers, s.cfg.ItemTimeout, func(ctx context.Context, sub *Subscription) error {
		changed, err := s.resync(ctx, sub)
		switch {
		case err != nil:
			s.count("error")
			s.logger.WithError(err).WithField("subscription_id", sub.SubscriptionID).Warn("Subscription re-sync failed")
		case changed:
			updated.Add(1)
			s.count("updated")
		default:
			s.count("unchanged")
		}
		return err
	})

	summary := SweepSummary{
		Checked: len(subs),
		Updated: int(updated.Load()),
		Failed:  len(errs),
	}
	s.logger.WithFields(map[string]interface{}{
		"checked": summary.Checked,
		"updated": summary.Updated,
		"failed":  summary.Failed,
	}).Info("Subscription sweep finished")
	return summary, nil
}

func (s *Sweeper) resync(ctx context.Context, sub *Subscription) (bool, error) {
	obj, err := s.provider.GetSubscription(ctx, sub.SubscriptionID)
	if errors.Is(err, ErrNotFound) {
		// deleted at the provider
		_, outcome, err := s.reconciler.Reconcile(ctx, ReconcileInput{
			SubscriptionID: sub.SubscriptionID,
			Terminal:       true,
		})
		return outcome == OutcomeUpdated, err
	}
	if err != nil {
		return false, err
	}

	so, err := parseSubscription(obj)
	if err != nil {
		return false, err
	}
	if so.ID != sub.SubscriptionID {
		return false, fmt.Errorf("provider returned subscription %s for %s", so.ID, sub.SubscriptionID)
	}

	_, outcome, err := s.reconciler.Reconcile(ctx, so.input(sub.UserID, time.Time{}, false))
	if err != nil {
		return false, err
	}
	return outcome == OutcomeUpdated, nil
}

func (s *Sweeper) count(result string) {
	if s.metrics != nil {
		s.metrics.SweeperRunsTotal.WithLabelValues(result).Inc()
	}
}
