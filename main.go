package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"krypton-core/internal/account"
	"krypton-core/internal/api"
	"krypton-core/internal/auth"
	"krypton-core/internal/catalog"
	"krypton-core/internal/events"
	"krypton-core/internal/leaderboard"
	"krypton-core/internal/ledger"
	"krypton-core/internal/payout"
	"krypton-core/internal/pricefeed"
	"krypton-core/internal/push"
	"krypton-core/internal/risk"
	"krypton-core/pkg/cache"
	"krypton-core/pkg/config"
	"krypton-core/pkg/db"
	"krypton-core/pkg/market"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	log.Printf("starting krypton-core on :%s (%d symbols)", cfg.Port, len(cfg.TrackedSymbols))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Durable store
	database, err := db.New(cfg.DBURL)
	if err != nil {
		log.Fatalf("db init failed: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("db migrations failed: %v", err)
	}

	// Catalog seed
	if types, err := catalog.LoadFile(cfg.CatalogPath); err != nil {
		log.Printf("catalog load failed: %v (continuing with existing rows)", err)
	} else if err := catalog.SyncToDB(ctx, database, types); err != nil {
		log.Fatalf("catalog sync failed: %v", err)
	}

	// Key/value cache (leaderboards, rate limits, bot queue); optional.
	kv, err := cache.New(ctx, cfg.CacheURL)
	if err != nil {
		log.Printf("cache init failed: %v (continuing without cache)", err)
		kv = nil
	}
	defer kv.Close()

	// Core services
	bus := events.NewBus()
	locks := account.NewLockManager()
	hub := push.NewHub()
	dispatcher := push.NewDispatcher(hub, kv)

	// Price feed: REST seed + stream consumer
	feed := pricefeed.New(
		market.NewClient(cfg.ExchangeRESTURL),
		market.NewStreamClient(cfg.ExchangeStreamURL),
		bus,
		cfg.TrackedSymbols,
		cfg.PriceStaleMs,
	)
	feed.Start(ctx)

	book := ledger.New(database, feed, locks, dispatcher)
	payouts := payout.New(database, locks, dispatcher, cfg.MinPayoutUSDT)
	boards := leaderboard.New(database, kv)
	sessions := auth.New(database, cfg.PlatformBotToken, cfg.JWTSigningKey, cfg.AccessTTLSeconds, cfg.RefreshTTLSecs)

	evaluator, err := risk.New(database, feed, book, locks, dispatcher, bus, cfg.EvalTickMs, cfg.MaxEvalConcurrency)
	if err != nil {
		log.Fatalf("risk evaluator init failed: %v", err)
	}
	go evaluator.Run(ctx)

	// Operator alerts from the evaluator.
	alerts := bus.Subscribe(events.EventRiskAlert, 32)
	defer alerts.Cancel()
	go func() {
		for msg := range alerts.C() {
			log.Printf("[ALERT] %v", msg)
		}
	}()

	// Scheduled jobs run on UTC: midnight rollover, leaderboard refresh,
	// lock registry cleanup.
	scheduler := cron.New(cron.WithLocation(time.UTC))
	if _, err := scheduler.AddFunc("0 0 * * *", func() { evaluator.RolloverDay(ctx) }); err != nil {
		log.Fatalf("schedule rollover: %v", err)
	}
	if _, err := scheduler.AddFunc("*/5 * * * *", func() { boards.Rebuild(ctx) }); err != nil {
		log.Fatalf("schedule leaderboard rebuild: %v", err)
	}
	if _, err := scheduler.AddFunc("0 * * * *", func() { locks.CleanupIdle(24 * time.Hour) }); err != nil {
		log.Fatalf("schedule lock cleanup: %v", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	// HTTP API
	server := api.NewServer(cfg, database, feed, book, payouts, boards, sessions, hub, kv)
	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: server.Router,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("api server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("shutting down")

	// Graceful stop: refuse new requests, let in-flight evaluator ticks
	// finish (bounded), then exit. State is already durable per tick.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	cancel()
	evaluator.Drain(10 * time.Second)
	log.Println("bye")
}
