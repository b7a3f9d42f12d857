package main

import (
	"context"
	"database/sql"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"

	"github.com/rl1809/arbitrage-pipeline/internal/adapter/handler"
	"github.com/rl1809/arbitrage-pipeline/internal/adapter/marketplace"
	"github.com/rl1809/arbitrage-pipeline/internal/adapter/storage"
	"github.com/rl1809/arbitrage-pipeline/internal/config"
	"github.com/rl1809/arbitrage-pipeline/internal/core/domain"
	"github.com/rl1809/arbitrage-pipeline/internal/core/service"
	"github.com/rl1809/arbitrage-pipeline/internal/logging"
	"github.com/rl1809/arbitrage-pipeline/internal/metrics"
	"github.com/rl1809/arbitrage-pipeline/internal/port"
)

type backends struct {
	listings     port.ListingRepository
	translations port.TranslationStore
	quota        port.PublishQuota
	locker       port.Locker
	close        func()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("invalid configuration: %v", err)
	}
	log := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()

	store, err := openStorage(ctx, cfg, log)
	if err != nil {
		log.Fatalf("failed to open storage: %v", err)
	}

	// Initialize marketplace adapters
	collector, err := marketplace.NewCollectorFromConfig(cfg.Source)
	if err != nil {
		log.Fatalf("failed to build source collector: %v", err)
	}
	destination, err := marketplace.NewDestinationFromConfig(cfg.Destination)
	if err != nil {
		log.Fatalf("failed to build destination: %v", err)
	}
	translator, err := marketplace.NewTranslatorFromConfig(cfg.Translator)
	if err != nil {
		log.Fatalf("failed to build translator: %v", err)
	}
	competitors, err := marketplace.NewCompetitorSignalFromConfig(cfg.Competitor)
	if err != nil {
		log.Fatalf("failed to build competitor signal: %v", err)
	}
	var categories port.CategorySuggester
	if len(cfg.Rules.Categories) > 0 {
		categories = marketplace.NewKeywordCategorizer(cfg.Rules.Categories)
	}

	// Initialize services
	cache := service.NewTranslationCache(store.translations, translator, service.TextRules{
		BlockList: cfg.Rules.BlockList,
		Locale:    cfg.Rules.Locale,
	}, m, log.WithField("component", "translation")).WithCallTimeout(cfg.Pipeline.CallTimeout)

	orchestrator := service.NewOrchestrator(service.OrchestratorConfig{
		Workers:   cfg.Pipeline.Workers,
		QueueSize: cfg.Pipeline.QueueSize,
		Retry: service.RetryPolicy{
			MaxAttempts: cfg.Pipeline.MaxAttempts,
			BaseDelay:   cfg.Pipeline.RetryBaseDelay,
			MaxDelay:    cfg.Pipeline.RetryMaxDelay,
			Multiplier:  2,
			Jitter:      cfg.Pipeline.RetryJitter,
		},
		CallTimeout:   cfg.Pipeline.CallTimeout,
		SignalTimeout: cfg.Pipeline.SignalTimeout,
		BatchSize:     cfg.Reconcile.BatchSize,
		StaleAfter:    cfg.Pipeline.StaleAfter,
		Pricing: domain.PricingPolicy{
			Margin:                cfg.Pricing.Margin,
			CeilingFactor:         cfg.Pricing.CeilingFactor,
			ExchangeRate:          cfg.Pricing.ExchangeRate,
			PriceScale:            cfg.Pricing.PriceScale,
			MinCategoryConfidence: cfg.Pricing.MinCategoryConfidence,
			DefaultCategoryID:     cfg.Pricing.DefaultCategoryID,
		},
	}, service.Dependencies{
		Listings:    store.listings,
		Collector:   collector,
		Translation: cache,
		Destination: destination,
		Competitors: competitors,
		Categories:  categories,
		Quota:       store.quota,
		Locker:      store.locker,
		Metrics:     m,
		Log:         log.WithField("component", "pipeline"),
	})

	reconciler := service.NewReconciler(service.ReconcilerConfig{
		Interval:     cfg.Reconcile.Interval,
		Concurrency:  cfg.Reconcile.Concurrency,
		BatchSize:    cfg.Reconcile.BatchSize,
		CallTimeout:  cfg.Pipeline.CallTimeout,
		ExchangeRate: cfg.Pricing.ExchangeRate,
		PriceScale:   cfg.Pricing.PriceScale,
	}, store.listings, collector, destination, store.locker, m, log.WithField("component", "reconciler"))

	// Start background work
	orchestrator.Start(ctx)
	go func() {
		// waits on queue space, so it must not hold up the servers
		if n, err := orchestrator.Recover(ctx); err != nil {
			log.WithError(err).Warn("failed to recover unfinished listings")
		} else if n > 0 {
			log.Infof("requeued %d unfinished listings", n)
		}
	}()
	go orchestrator.RunScheduler(ctx, cfg.Pipeline.RetryScanInterval)

	reconcileDone := make(chan struct{})
	go func() {
		defer close(reconcileDone)
		reconciler.Run(ctx)
	}()

	// Initialize gRPC server
	grpcServer := grpc.NewServer()
	handler.RegisterOperatorServiceServer(grpcServer, handler.NewGRPCHandler(orchestrator))

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatalf("failed to listen: %v", err)
	}

	go func() {
		log.Infof("gRPC server listening on %s", cfg.GRPCAddr)
		if err := grpcServer.Serve(lis); err != nil {
			log.Errorf("gRPC server error: %v", err)
		}
	}()

	// Initialize HTTP server
	mux := http.NewServeMux()
	handler.NewHTTPHandler(orchestrator).Register(mux)
	mux.Handle("GET /metrics", m.Handler())

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Infof("HTTP server listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			log.Errorf("HTTP server error: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
	log.Info("HTTP server stopped")

	grpcServer.GracefulStop()
	log.Info("gRPC server stopped")

	// in-flight stages see the cancellation and leave their listing as it was
	cancel()
	orchestrator.Wait()
	<-reconcileDone
	log.Info("workers stopped")

	if c, ok := collector.(interface{ Close() }); ok {
		c.Close()
	}
	store.close()
	log.Info("connections closed")
}

func openStorage(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (*backends, error) {
	if cfg.Storage == "memory" {
		log.Warn("using in-memory storage, state is lost on exit")
		mem := storage.NewMemoryAdapter()
		return &backends{
			listings:     mem,
			translations: mem,
			quota:        storage.NewMemoryQuota(cfg.Pipeline.DailyPublishQuota),
			locker:       storage.NewKeyedLocker(),
			close:        func() {},
		}, nil
	}

	// Initialize MySQL
	db, err := sql.Open("mysql", cfg.MySQL.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MySQL.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MySQL.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MySQL.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	log.Info("connected to mysql")

	mysqlAdapter := storage.NewMySQLAdapter(db)
	if err := mysqlAdapter.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	// Initialize Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		db.Close()
		return nil, err
	}
	log.Info("connected to redis")

	redisAdapter := storage.NewRedisAdapter(rdb, cfg.Pipeline.DailyPublishQuota, cfg.Redis.LockTTL)
	return &backends{
		listings:     mysqlAdapter,
		translations: storage.NewTieredTranslationStore(redisAdapter, mysqlAdapter, log),
		quota:        redisAdapter,
		locker:       redisAdapter,
		close: func() {
			rdb.Close()
			db.Close()
		},
	}, nil
}
