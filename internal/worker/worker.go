package worker

import (
	"context"
	"log"
	"time"

	"peerswap/internal/escrow"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sweepTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "peerswap_sweep_ticks_total",
		Help: "Sweep iterations",
	})
	offersExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "peerswap_offers_expired_total",
		Help: "OPEN offers expired by the sweep",
	})
	locksRolledBack = promauto.NewCounter(prometheus.CounterOpts{
		Name: "peerswap_lock_rollback_offers_total",
		Help: "LOCKED offers cancelled because a reservation expired",
	})
)

// Worker is the out-of-band sweep: it expires stale OPEN offers and forces
// rollback of offers whose reservations passed their auto-rollback horizon.
type Worker struct {
	Escrow   *escrow.Service
	Interval time.Duration
	Batch    int
}

func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	for {
		if err := w.SweepOnce(ctx); err != nil {
			log.Printf("sweep error: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) SweepOnce(ctx context.Context) error {
	sweepTicks.Inc()
	now := time.Now().UTC()

	expired, err := w.Escrow.ExpireOpenOffers(ctx, now, w.Batch)
	if err != nil {
		return err
	}
	if expired > 0 {
		offersExpired.Add(float64(expired))
		log.Printf("sweep expired=%d", expired)
	}

	rolled, err := w.Escrow.RollbackExpiredLocks(ctx, now, w.Batch)
	if err != nil {
		return err
	}
	if rolled > 0 {
		locksRolledBack.Add(float64(rolled))
		log.Printf("sweep lock rollbacks=%d", rolled)
	}
	return nil
}
