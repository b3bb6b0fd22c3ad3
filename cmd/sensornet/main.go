package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"

	httpadapter "github.com/urbansense/sensornet/internal/adapter/http"
	kafkaadapter "github.com/urbansense/sensornet/internal/adapter/kafka"
	"github.com/urbansense/sensornet/internal/aggregate"
	"github.com/urbansense/sensornet/internal/config"
	"github.com/urbansense/sensornet/internal/deployment"
	"github.com/urbansense/sensornet/internal/ingest"
	"github.com/urbansense/sensornet/internal/observability"
	"github.com/urbansense/sensornet/internal/platform"
	"github.com/urbansense/sensornet/internal/qc"
	"github.com/urbansense/sensornet/internal/qc/buddy"
	"github.com/urbansense/sensornet/internal/scheduler"
	"github.com/urbansense/sensornet/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	if err := st.AutoMigrate(context.Background()); err != nil {
		logger.Error("failed to migrate database", "error", err)
		os.Exit(1)
	}

	params, err := qc.LoadParams(cfg.QCParamsFile)
	if err != nil {
		logger.Error("failed to load QC params", "error", err)
		os.Exit(1)
	}

	clock := clockwork.NewRealClock()
	workers := scheduler.New(clock, logger, metrics, scheduler.Options{
		Timeout:  cfg.TaskTimeout,
		Attempts: cfg.RetryAttempts,
	}, map[scheduler.Kind]int64{
		scheduler.KindPoll:       cfg.PollConcurrency,
		scheduler.KindQC:         cfg.QCConcurrency,
		scheduler.KindRefreshInc: cfg.RefreshConcurrency,
		// One full rebuild at a time; it never competes with the
		// incremental cadence for a slot.
		scheduler.KindRefreshFull: 1,
	})

	// Failure events go to Kafka when brokers are configured
	// (KAFKA_BROKERS / KAFKA_ENABLED); otherwise they are only logged.
	var publisher qc.FailurePublisher
	var writer *kafkaadapter.Writer
	if cfg.KafkaEnabled {
		writer = kafkaadapter.NewWriter(cfg, logger)
		publisher = writer
		logger.Info("kafka failure sink enabled", "topic", cfg.KafkaSinkTopic, "brokers", cfg.KafkaBrokers)
	} else {
		logger.Info("kafka failure sink disabled")
	}

	fetcher := platform.NewClient(cfg.PlatformBaseURL, cfg.PlatformAPIKey, cfg.PlatformTimeout, logger)
	resolver := deployment.NewResolver(st)
	deployments := deployment.NewService(st, logger)

	scorer := buddy.NewScorer(st, params, logger)
	pipeline := qc.NewPipeline(st, scorer, publisher, clock, logger, metrics)
	submitter := qc.NewSubmitter(pipeline, workers)

	poller := ingest.NewPoller(st, fetcher, resolver, submitter, workers, clock, logger, metrics)
	engine := aggregate.NewEngine(st, clock, logger, metrics)

	srv := httpadapter.NewServer(cfg.HTTPAddr, st, deployments, pipeline, engine, workers, poller, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	workers.RunPeriodic(ctx, cfg.IngestInterval, scheduler.KindPoll, "poll-cycle", poller.PollAll)
	workers.RunPeriodic(ctx, cfg.RefreshInterval, scheduler.KindRefreshInc, "refresh-incremental", engine.RefreshIncremental)
	workers.RunDaily(ctx, cfg.FullRefreshAt, scheduler.KindRefreshFull, "refresh-full", engine.RefreshFull)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	workers.Wait()
	if writer != nil {
		if err := writer.Close(); err != nil {
			logger.Error("kafka writer close error", "error", err)
		}
	}

	logger.Info("shutdown complete")
}
