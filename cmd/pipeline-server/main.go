// cmd/pipeline-server/main.go
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
	"go.uber.org/zap"

	"crm-pipeline/internal/api"
	"crm-pipeline/internal/common/aws"
	"crm-pipeline/internal/common/camunda"
	"crm-pipeline/internal/common/config"
	"crm-pipeline/internal/common/database"
	"crm-pipeline/internal/common/logger"
	"crm-pipeline/internal/common/observability"
	"crm-pipeline/internal/outbox"
	"crm-pipeline/internal/pipeline"

	car "crm-pipeline/internal/workers/application/create-application-record"
	mas "crm-pipeline/internal/workers/pipeline/move-application-stage"
)

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	zapLog := logger.New(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
	defer zapLog.Sync()
	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting pipeline server...",
		zap.String("version", cfg.App.Version),
		zap.String("environment", cfg.App.Environment),
	)

	obs := observability.New(cfg.App.Name)
	defer obs.Shutdown()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// --- Init PostgreSQL with retry ---
	var pg *database.PostgresClient
	err = retryWithBackoff(func() error {
		var err error
		pg, err = database.NewPostgres(cfg.Database.Postgres)
		if err != nil {
			return err
		}
		return pg.Ping(ctx)
	}, 15, 2*time.Second, zapLog, "PostgreSQL connection")
	if err != nil {
		zapLog.Fatal("postgres failed after retries", zap.Error(err))
	}
	defer pg.Close()
	zapLog.Info("PostgreSQL connected successfully")

	if cfg.Database.Postgres.AutoMigrate {
		if err := pg.Migrate(ctx); err != nil {
			zapLog.Fatal("schema migration failed", zap.Error(err))
		}
		zapLog.Info("Schema migrated")
	}

	// --- Init Redis with retry ---
	var redis *database.RedisClient
	err = retryWithBackoff(func() error {
		var err error
		redis, err = database.NewRedis(cfg.Database.Redis)
		if err != nil {
			return err
		}
		return redis.Ping(ctx)
	}, 10, 2*time.Second, zapLog, "Redis connection")
	if err != nil {
		zapLog.Fatal("redis failed after retries", zap.Error(err))
	}
	defer redis.Close()
	zapLog.Info("Redis connected successfully")

	// --- Outbox sinks ---
	broadcaster := outbox.NewBroadcaster(redis.Client, cfg.Outbox.Channel)
	sinks := []outbox.Sink{broadcaster}

	var zeebe *camunda.Client
	if cfg.Camunda.Enabled {
		err = retryWithBackoff(func() error {
			var err error
			zeebe, err = camunda.NewClient(cfg.Camunda)
			return err
		}, 10, 2*time.Second, zapLog, "Zeebe client initialization")
		if err != nil {
			zapLog.Fatal("zeebe client failed after retries", zap.Error(err))
		}
		defer zeebe.Close()
		sinks = append(sinks, outbox.NewZeebeSink(zeebe, config.GetDuration(cfg.Camunda.MessageTTL)))
		zapLog.Info("Zeebe client connected successfully")
	}

	if cfg.Search.Enabled {
		var es *database.ElasticsearchClient
		err = retryWithBackoff(func() error {
			var err error
			es, err = database.NewElasticsearch(cfg.Search.Elasticsearch)
			if err != nil {
				return err
			}
			if err := es.Ping(ctx); err != nil {
				return err
			}
			return es.EnsureIndex(ctx, cfg.Search.ActivityIndex)
		}, 15, 2*time.Second, zapLog, "Elasticsearch connection")
		if err != nil {
			zapLog.Fatal("elasticsearch failed after retries", zap.Error(err))
		}
		sinks = append(sinks, outbox.NewSearchIndexer(es.Client, cfg.Search.ActivityIndex))
		zapLog.Info("Elasticsearch connected successfully")
	}

	if cfg.Notifications.SNS.Enabled {
		snsClient, err := aws.NewSNSClient(ctx, cfg.Notifications.AWS.Region)
		if err != nil {
			zapLog.Fatal("sns client init failed", zap.Error(err))
		}
		sinks = append(sinks, outbox.NewSNSSink(snsClient, cfg.Notifications.SNS.TopicARN))
	}

	if cfg.Notifications.Email.Enabled {
		sesClient, err := aws.NewSESClient(ctx, cfg.Notifications.AWS.Region)
		if err != nil {
			zapLog.Fatal("ses client init failed", zap.Error(err))
		}
		email := cfg.Notifications.Email
		sinks = append(sinks, outbox.NewEmailNotifier(sesClient, email.FromEmail, email.To, email.Stages))
	}

	relay := outbox.NewRelay(outbox.NewStore(pg.DB), cfg.Outbox, log, obs, sinks...)

	// --- Pipeline service ---
	opts := []pipeline.Option{
		pipeline.WithCache(pipeline.NewRedisBoardCache(redis.Client, config.GetDuration(cfg.Pipeline.BoardCacheTTL), log)),
		pipeline.WithObservability(obs),
	}
	if cfg.Outbox.Enabled {
		opts = append(opts, pipeline.WithNudger(relay))
	}
	svc := pipeline.NewService(pipeline.NewPostgresRepository(pg.DB), cfg.Pipeline, log, opts...)

	var wg sync.WaitGroup
	if cfg.Outbox.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			relay.Run(ctx)
		}()
	} else {
		zapLog.Warn("outbox relay disabled; change events will not be published")
	}

	// --- Zeebe workers ---
	var workers []worker.JobWorker
	if zeebe != nil {
		moveCfg := config.GetWorkerConfig(cfg, mas.TaskType)
		moveHandler := mas.NewHandler(mas.LoadConfig(moveCfg), svc, log)
		if w := camunda.StartWorker(zeebe.GetClient(), mas.TaskType, moveCfg, moveHandler.Handle, log); w != nil {
			workers = append(workers, w)
		}

		createCfg := config.GetWorkerConfig(cfg, car.TaskType)
		createHandler := car.NewHandler(car.LoadConfig(createCfg), svc, log)
		if w := camunda.StartWorker(zeebe.GetClient(), car.TaskType, createCfg, createHandler.Handle, log); w != nil {
			workers = append(workers, w)
		}
	}

	// --- HTTP API ---
	serverOpts := []api.Option{
		api.WithReadinessCheck("postgres", pg.Ping),
		api.WithReadinessCheck("redis", redis.Ping),
	}
	if zeebe != nil {
		serverOpts = append(serverOpts, api.WithReadinessCheck("zeebe", zeebe.HealthCheck))
	}
	server := api.NewServer(cfg.Server, svc, broadcaster, log, serverOpts...)
	httpServer := server.HTTPServer()

	go func() {
		zapLog.Info("HTTP server listening", zap.String("address", cfg.Server.Address))
		if err := httpServer.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			zapLog.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	zapLog.Info("Shutdown signal received, draining...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.GetDuration(cfg.Server.ShutdownTimeout))
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zapLog.Error("HTTP server shutdown failed", zap.Error(err))
	}
	for _, w := range workers {
		w.Close()
		w.AwaitClose()
	}
	stop()
	wg.Wait()

	zapLog.Info("Pipeline server stopped gracefully")
}
