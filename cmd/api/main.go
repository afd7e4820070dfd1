package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"peerswap/internal/config"
	"peerswap/internal/db"
	"peerswap/internal/escrow"
	internalhttp "peerswap/internal/http"
	"peerswap/internal/identity"
	"peerswap/internal/store"
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
	ident := &identity.Service{Store: st}
	hub := internalhttp.NewHub()
	svc := &escrow.Service{
		Store:    st,
		Locks:    escrow.LockManager{Store: st, TTL: time.Duration(cfg.Escrow.LockTTLHours) * time.Hour},
		Audit:    escrow.AuditLog{Store: st},
		Identity: ident,
		Events:   hub,
		OfferTTL: time.Duration(cfg.Escrow.OfferTTLHours) * time.Hour,
		LockWait: time.Duration(cfg.Escrow.LockWaitSeconds) * time.Second,
	}

	h := internalhttp.NewHandler(svc)
	srv := internalhttp.NewServer(h, hub)

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: srv.Router,
	}

	go func() {
		log.Printf("api listening on %s", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctxShutdown)
}
