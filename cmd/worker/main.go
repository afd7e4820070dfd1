package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"peerswap/internal/config"
	"peerswap/internal/db"
	"peerswap/internal/escrow"
	"peerswap/internal/identity"
	"peerswap/internal/store"
	"peerswap/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.DB.DSN)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer pool.Close()

	st := store.New(pool)
	svc := &escrow.Service{
		Store:    st,
		Locks:    escrow.LockManager{Store: st, TTL: time.Duration(cfg.Escrow.LockTTLHours) * time.Hour},
		Audit:    escrow.AuditLog{Store: st},
		Identity: &identity.Service{Store: st},
		OfferTTL: time.Duration(cfg.Escrow.OfferTTLHours) * time.Hour,
		LockWait: time.Duration(cfg.Escrow.LockWaitSeconds) * time.Second,
	}

	w := &worker.Worker{
		Escrow:   svc,
		Interval: time.Duration(cfg.Worker.IntervalSeconds) * time.Second,
		Batch:    cfg.Worker.Batch,
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		log.Printf("worker metrics listening on %s", cfg.Worker.MetricsAddr)
		if err := http.ListenAndServe(cfg.Worker.MetricsAddr, mux); err != nil {
			log.Printf("metrics listener failed: %v", err)
		}
	}()

	log.Printf("sweep worker started (interval=%ds)", cfg.Worker.IntervalSeconds)
	w.Run(ctx)
}
