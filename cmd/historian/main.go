// cmd/historian/main.go is an asynchronous consumer that pops finished-game outcomes
// from a Redis queue and folds them into each player's trust record in PostgreSQL.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jason-s-yu/trustmatch/internal/cache"
	"github.com/jason-s-yu/trustmatch/internal/config"
	"github.com/jason-s-yu/trustmatch/internal/database"
	"github.com/jason-s-yu/trustmatch/internal/historian"
	"github.com/jason-s-yu/trustmatch/internal/trust"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)

	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("failed to connect to database: %v", err)
	}
	defer db.Close()

	rdb, err := cache.Connect(ctx, cfg.RedisAddr, cfg.RedisDB)
	if err != nil {
		logger.Fatalf("failed to connect to redis: %v", err)
	}
	defer rdb.Close()

	store := database.NewBehaviorStore(db)
	if err := store.EnsureSchema(ctx); err != nil {
		logger.Fatalf("failed to ensure schema: %v", err)
	}

	params := trust.Params{
		BaseScore:        cfg.BaseScore,
		ExperienceGames:  cfg.ExperienceGames,
		FallbackBaseline: cfg.FallbackBaseline,
	}
	baseline := trust.NewBaseline(store, params, cfg.BaselineRefresh, logger)
	go baseline.Run(ctx)
	engine := trust.NewEngine(params, store, baseline, logger)

	svc := historian.New(cache.NewOutcomeQueue(rdb, cfg.OutcomeQueue), engine, historian.Options{
		BatchSize:     cfg.HistorianBatch,
		FlushInterval: cfg.HistorianFlush,
		PopBlock:      cfg.HistorianPopBlock,
	}, logger)

	if err := svc.Run(ctx); err != nil {
		logger.Fatalf("historian exited: %v", err)
	}
	logger.WithFields(logrus.Fields{
		"applied": svc.Applied(),
		"failed":  svc.Failed(),
	}).Info("historian drained")
}
