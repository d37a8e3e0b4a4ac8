// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jason-s-yu/trustmatch/internal/auth"
	"github.com/jason-s-yu/trustmatch/internal/cache"
	"github.com/jason-s-yu/trustmatch/internal/config"
	"github.com/jason-s-yu/trustmatch/internal/database"
	"github.com/jason-s-yu/trustmatch/internal/handlers"
	"github.com/jason-s-yu/trustmatch/internal/matchmaking"
	"github.com/jason-s-yu/trustmatch/internal/middleware"
	"github.com/jason-s-yu/trustmatch/internal/pool"
	"github.com/jason-s-yu/trustmatch/internal/trust"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid configuration: %v", err)
	}

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

	poolCache, err := pool.NewCache(cache.NewRedisRegistry(rdb, "", cfg.PoolEntryTTL), pool.Options{
		TTL:                  cfg.CacheTTL,
		MaxCacheSize:         cfg.MaxCacheSize,
		ActiveWorkingSetSize: cfg.ActiveWorkingSetSize,
		ActiveWindow:         cfg.ActiveWindow,
	}, logger)
	if err != nil {
		logger.Fatalf("failed to build pool cache: %v", err)
	}

	broker := matchmaking.NewBroker(16)
	opts := matchmaking.OptionsFromConfig(cfg)
	opts.OnMatch = func(m matchmaking.Match) {
		logger.WithFields(logrus.Fields{
			"player_a":  m.A,
			"player_b":  m.B,
			"game_mode": m.GameMode,
			"score_a":   m.ScoreA,
			"score_b":   m.ScoreB,
			"remote":    m.Remote,
		}).Info("match formed")
	}
	manager, err := matchmaking.NewManager(opts, poolCache, engine, matchmaking.Sinks{
		matchmaking.LogSink{Logger: logger},
		matchmaking.MetricsSink{},
		broker,
	}, logger)
	if err != nil {
		logger.Fatalf("failed to start matchmaker: %v", err)
	}
	defer manager.Close()

	go preloadLoop(ctx, poolCache, manager, cfg.CacheTTL, logger)

	ttl, err := auth.ParseTokenExpireTime(cfg.TokenExpire)
	if err != nil {
		logger.Fatalf("invalid TOKEN_EXPIRE_TIME: %v", err)
	}
	var authority *auth.Authority
	if cfg.JWTPrivateKeyPath != "" || cfg.JWTPublicKeyPath != "" {
		authority, err = auth.FromFiles(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, ttl)
	} else {
		logger.Warn("no JWT key paths configured, generating an ephemeral key pair")
		authority, err = auth.New(ttl)
	}
	if err != nil {
		logger.Fatalf("failed to initialize auth: %v", err)
	}

	qs := &handlers.QueueServer{
		Manager: manager,
		Engine:  engine,
		Pool:    poolCache,
		Broker:  broker,
		Auth:    authority,
		Logger:  logger,
	}
	limiter := middleware.NewPlayerRateLimiter(cfg.EnqueueRPS, cfg.EnqueueBurst, logger)

	mux := http.NewServeMux()
	mux.Handle("/", middleware.LogMiddleware(logger)(qs.Routes(limiter)))
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Infof("Running on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("server exited: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http shutdown")
	}
}

// preloadLoop keeps the working set warm for every mode that currently has searchers.
func preloadLoop(ctx context.Context, c *pool.Cache, m *matchmaking.Manager, every time.Duration, logger logrus.FieldLogger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, mode := range m.GameModes() {
				if err := c.Preload(ctx, mode); err != nil {
					logger.WithError(err).WithField("game_mode", mode).Debug("preload failed")
				}
			}
		}
	}
}
