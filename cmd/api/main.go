package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/azizikri/coupon-issuance/internal/config"
	httphandler "github.com/azizikri/coupon-issuance/internal/delivery/http"
	"github.com/azizikri/coupon-issuance/internal/delivery/kafka"
	"github.com/azizikri/coupon-issuance/internal/domain"
	"github.com/azizikri/coupon-issuance/internal/logging"
	"github.com/azizikri/coupon-issuance/internal/metrics"
	"github.com/azizikri/coupon-issuance/internal/recorder"
	"github.com/azizikri/coupon-issuance/internal/repository"
	"github.com/azizikri/coupon-issuance/internal/usecase"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("service stopped with error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	rdb := repository.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisPoolSize)
	defer rdb.Close()

	ledger := repository.NewRedisLedger(rdb)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err := ledger.Ping(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	poolIDs, err := seedPools(ctx, ledger, cfg, logger)
	if err != nil {
		return err
	}

	sink, err := openSink(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sink.Close(context.Background())

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	opts := recorder.Options{
		QueueSize:    cfg.RecorderQueueSize,
		Workers:      cfg.RecorderWorkers,
		EnqueueWait:  cfg.RecorderEnqueueWait,
		MaxAttempts:  uint(max(cfg.RecorderMaxAttempts, 1)),
		BackoffStart: cfg.RecorderBackoffStart,
		BackoffMax:   cfg.RecorderBackoffMax,
		Logger:       logger.Named("recorder"),
		Metrics:      m,
	}

	var kafkaClient *kgo.Client
	if cfg.OverflowEnabled {
		kafkaClient, err = kgo.NewClient(
			kgo.SeedBrokers(cfg.Brokers()...),
			kgo.ClientID(cfg.KafkaClientID),
			kgo.ConsumerGroup(cfg.KafkaGroupID),
			kgo.ConsumeTopics(kafka.TopicOverflow),
			kgo.DisableAutoCommit(),
		)
		if err != nil {
			return fmt.Errorf("create kafka client: %w", err)
		}
		defer kafkaClient.Close()

		if err := kafka.EnsureTopics(ctx, kafkaClient, cfg, logger); err != nil {
			logger.Warn("failed to ensure topics", zap.Error(err))
		}
		opts.Overflow = kafka.NewOverflowPublisher(kafkaClient, logger.Named("overflow"))
		opts.Alerter = kafka.NewDLQPublisher(kafkaClient)
	}

	rec := recorder.New(sink, opts)
	rec.Start()

	service := usecase.NewIssuanceService(ledger, rec, cfg.StoreTimeout, logger.Named("issuance"), m)
	reconciler := usecase.NewReconciler(ledger, sink, logger.Named("reconciler"))

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	httphandler.NewHandler(service, reconciler, sink, ledger, logger).Routes(r)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{
		Addr:              ":" + cfg.AppPort,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting server", zap.String("port", cfg.AppPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if kafkaClient != nil {
		consumer := kafka.NewConsumer(kafkaClient, rec, logger.Named("overflow-consumer"))
		g.Go(func() error {
			return consumer.Start(gctx)
		})
	}
	if cfg.ReconcileInterval > 0 {
		g.Go(func() error {
			reconciler.Run(gctx, cfg.ReconcileInterval, poolIDs)
			return nil
		})
	}

	runErr := g.Wait()

	// No request can enqueue anymore; drain what was accepted.
	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := rec.Close(drainCtx); err != nil {
		logger.Error("recorder drain incomplete", zap.Int("pending", rec.Len()), zap.Error(err))
	}
	if kafkaClient != nil {
		if err := kafkaClient.Flush(drainCtx); err != nil {
			logger.Error("kafka flush failed", zap.Error(err))
		}
	}
	return runErr
}

func seedPools(ctx context.Context, ledger repository.Ledger, cfg *config.Config, logger *zap.Logger) ([]string, error) {
	seeds, err := cfg.Seeds()
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(seeds))
	for _, seed := range seeds {
		pool := domain.Pool{ID: seed.ID, ProductID: seed.ProductID, Total: seed.Supply}
		err := ledger.Provision(ctx, pool, cfg.PoolTTL)
		switch {
		case err == nil:
			logger.Info("pool provisioned", zap.String("pool_id", seed.ID), zap.Int64("supply", seed.Supply))
		case errors.Is(err, domain.ErrPoolExists):
			logger.Info("pool already provisioned", zap.String("pool_id", seed.ID))
		default:
			return nil, fmt.Errorf("provision pool %s: %w", seed.ID, err)
		}
		ids = append(ids, seed.ID)
	}
	return ids, nil
}

func openSink(ctx context.Context, cfg *config.Config, logger *zap.Logger) (repository.Store, error) {
	switch cfg.Sink {
	case "postgres":
		pool, err := initDB(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := repository.RunMigrations(ctx, pool, logger); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		return repository.NewPostgresStore(pool), nil
	case "mongo":
		return repository.ConnectMongo(ctx, cfg.MongoURI, cfg.MongoDB)
	case "memory":
		logger.Warn("using in-memory book-of-record; records do not survive a restart")
		return recorder.NewMemorySink(), nil
	default:
		return nil, fmt.Errorf("unknown SINK %q", cfg.Sink)
	}
}

func initDB(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return pool, nil
}
