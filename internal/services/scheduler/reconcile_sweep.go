package scheduler

import (
	"context"
	"time"

	"github.com/vibebetter/vibebetter-api/internal/services/billing"

	fiberlog "github.com/gofiber/fiber/v2/log"
)

const (
	defaultSweepInterval = 15 * time.Minute
	defaultStaleAge      = 1 * time.Hour
)

// ReconcileSweeper periodically sweeps purchases stuck in pending so that
// webhook deliveries lost before completion surface for manual review.
type ReconcileSweeper struct {
	reconciler *billing.Reconciler
	interval   time.Duration
	staleAge   time.Duration
	stopChan   chan struct{}
}

func NewReconcileSweeper(reconciler *billing.Reconciler, interval, staleAge time.Duration) *ReconcileSweeper {
	if interval == 0 {
		interval = defaultSweepInterval
	}
	if staleAge == 0 {
		staleAge = defaultStaleAge
	}
	return &ReconcileSweeper{
		reconciler: reconciler,
		interval:   interval,
		staleAge:   staleAge,
		stopChan:   make(chan struct{}),
	}
}

func (s *ReconcileSweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	fiberlog.Infof("Reconcile sweeper started, running every %s", s.interval)

	for {
		select {
		case <-ticker.C:
			swept, err := s.reconciler.Recover(ctx, s.staleAge)
			if err != nil {
				fiberlog.Errorf("Reconcile sweep failed: %v", err)
			} else if swept > 0 {
				fiberlog.Warnf("Reconcile sweep marked %d stale purchases failed", swept)
			}
		case <-s.stopChan:
			fiberlog.Info("Reconcile sweeper stopped")
			return
		case <-ctx.Done():
			fiberlog.Info("Reconcile sweeper stopped due to context cancellation")
			return
		}
	}
}

func (s *ReconcileSweeper) Stop() {
	close(s.stopChan)
}
