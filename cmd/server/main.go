package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"github.com/robfig/cron/v3"

	"foresight/internal/platform/config"
	"foresight/internal/platform/httpserver"
	"foresight/internal/platform/logger"
	platformpostgres "foresight/internal/platform/postgres"
	platformredis "foresight/internal/platform/redis"
	"foresight/internal/prediction"
	predictionmetrics "foresight/internal/prediction/metrics"
	predictionservice "foresight/internal/prediction/service"
	predictionstore "foresight/internal/prediction/store"
	httptransport "foresight/internal/transport/http"
	trustmetrics "foresight/internal/trust/metrics"
	trustservice "foresight/internal/trust/service"
	truststore "foresight/internal/trust/store"
	"foresight/internal/warming"
	"foresight/internal/warming/cache"
	warmingmetrics "foresight/internal/warming/metrics"
	auditkafka "foresight/pkg/platform/audit/kafka"
)

// main wires configuration, storage, the trust ledger, the prediction engine,
// and the cache warmer, then runs the analysis tick and the HTTP server.
// Business logic lives in the internal services packages.
func main() {
	cfg := config.FromEnv()
	log := logger.New()

	if err := run(cfg, log); err != nil {
		log.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx := context.Background()

	// Trust storage: relational when configured, in-memory otherwise.
	var (
		bindings     trustservice.BindingStore
		profiles     trustservice.ProfileStore
		evolution    trustservice.EvolutionStore
		interactions trustservice.InteractionStore
	)
	var (
		predictions predictionservice.Store
		health      healthStore
		edgeSource  graphSource
	)
	if cfg.PostgresURL != "" {
		db, err := sql.Open("postgres", cfg.PostgresURL)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		if err := platformpostgres.Migrate(ctx, db); err != nil {
			return fmt.Errorf("migrate postgres: %w", err)
		}
		bindings = truststore.NewPostgresBindings(db)
		profiles = truststore.NewPostgresProfiles(db)
		evolution = truststore.NewPostgresEvolution(db)
		interactions = truststore.NewPostgresInteractions(db)

		pool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			return fmt.Errorf("open pgx pool: %w", err)
		}
		defer pool.Close()
		predictions = predictionstore.NewPostgresPredictions(pool)
		health = predictionstore.NewPostgresHealth(pool)
		edgeSource = predictionstore.NewPostgresGraph(pool)
	} else {
		log.Warn("postgres not configured, using in-memory stores")
		bindings = truststore.NewMemoryBindings()
		profiles = truststore.NewMemoryProfiles()
		evolution = truststore.NewMemoryEvolution()
		interactions = truststore.NewMemoryInteractions()
		predictions = predictionstore.NewMemoryPredictions()
		health = predictionstore.NewMemoryHealth()
		edgeSource = predictionstore.NewMemoryGraph(nil)
	}

	ledgerOpts := []trustservice.Option{
		trustservice.WithLogger(log),
		trustservice.WithMetrics(trustmetrics.New()),
	}
	if len(cfg.Kafka.Brokers) > 0 {
		publisher, err := auditkafka.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
		if err != nil {
			return fmt.Errorf("kafka audit publisher: %w", err)
		}
		defer publisher.Close()
		ledgerOpts = append(ledgerOpts, trustservice.WithAuditPublisher(publisher))
	}

	ledger, err := trustservice.NewLedger(bindings, profiles, evolution, interactions, randomMinter{}, ledgerOpts...)
	if err != nil {
		return fmt.Errorf("trust ledger: %w", err)
	}

	engine, err := predictionservice.NewEngine(predictions, health,
		predictionservice.WithLogger(log),
		predictionservice.WithMetrics(predictionmetrics.New()),
	)
	if err != nil {
		return fmt.Errorf("prediction engine: %w", err)
	}

	// Warm-entry cache: Redis when configured, in-memory otherwise.
	var warmCache warming.Cache = cache.NewMemory()
	var redisClient *platformredis.Client
	if cfg.Redis.URL != "" {
		redisClient, err = platformredis.New(cfg.Redis)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer redisClient.Close()
		warmCache = cache.NewRedis(redisClient.Client)
	}
	warmer, err := warming.NewWarmer(warmCache,
		warming.WithLogger(log),
		warming.WithMetrics(warmingmetrics.New()),
		warming.WithConcurrency(cfg.WarmConcurrency),
	)
	if err != nil {
		return fmt.Errorf("cache warmer: %w", err)
	}

	// Analysis tick: latest snapshots through the predictors, then warm the
	// caches from whatever the pass emitted.
	scheduler := cron.New()
	_, err = scheduler.AddFunc(fmt.Sprintf("@every %s", cfg.AnalysisInterval), func() {
		tickCtx, cancel := context.WithTimeout(context.Background(), cfg.AnalysisInterval)
		defer cancel()

		snapshots, err := health.Snapshots(tickCtx)
		if err != nil {
			log.Error("load health snapshots failed", "error", err)
			return
		}
		edges, err := edgeSource.Edges(tickCtx)
		if err != nil {
			log.Error("load dependency edges failed", "error", err)
			return
		}
		preds := engine.Analyze(tickCtx, snapshots, prediction.NewDependencyGraph(edges))
		warmed, err := warmer.WarmCaches(tickCtx, preds)
		if err != nil {
			log.Error("cache warming failed", "error", err)
			return
		}
		log.Info("analysis tick complete", "predictions", len(preds), "entries_warmed", warmed)
	})
	if err != nil {
		return fmt.Errorf("schedule analysis tick: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	handlerOpts := []httptransport.Option{httptransport.WithLogger(log)}
	if redisClient != nil {
		handlerOpts = append(handlerOpts, httptransport.WithHealthChecker(redisClient))
	}
	handler := httptransport.NewHandler(ledger, engine, handlerOpts...)
	srv := httpserver.New(cfg.Addr, httptransport.NewRouter(handler))

	log.Info("starting foresight", "addr", cfg.Addr, "analysis_interval", cfg.AnalysisInterval.String())
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-quit:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

// healthStore is the telemetry surface the tick reads.
type healthStore interface {
	Snapshots(ctx context.Context) ([]prediction.ServiceHealthSnapshot, error)
	LatencyHistory(ctx context.Context, service string, limit int) ([]float64, error)
}

// graphSource yields the declared dependency edges.
type graphSource interface {
	Edges(ctx context.Context) ([]prediction.DependencyEdge, error)
}

// randomMinter stands in for the external identity-minting service in
// single-node deployments. Anchors stay opaque and are never derived from the
// fingerprint itself.
type randomMinter struct{}

func (randomMinter) Mint(_ context.Context, _ string) (string, error) {
	return "anchor-" + uuid.NewString(), nil
}
