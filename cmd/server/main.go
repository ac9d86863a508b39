package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"carehooks/internal/accesstoken"
	"carehooks/internal/audit"
	"carehooks/internal/bots"
	"carehooks/internal/platform/config"
	"carehooks/internal/platform/httpserver"
	"carehooks/internal/platform/logger"
	"carehooks/internal/platform/metrics"
	platformredis "carehooks/internal/platform/redis"
	"carehooks/internal/queue"
	"carehooks/internal/repo"
	"carehooks/internal/secrets"
	"carehooks/internal/storage"
	"carehooks/internal/workers"
)

func main() {
	cfg := config.FromEnv()
	log := logger.New()

	if err := run(cfg, log); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient, err := platformredis.New(cfg.RedisURL)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	var repository repo.Repository
	if cfg.PostgresURL != "" {
		db, err := sql.Open("postgres", cfg.PostgresURL)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			return err
		}
		repository = repo.NewPostgresRepository(db)
	} else {
		log.Warn("no postgres URL configured, using in-memory repository")
		repository = repo.NewMemoryRepository()
	}

	var blobs storage.BinaryStorage
	if cfg.StorageDir != "" {
		blobs = storage.NewFileStorage(cfg.StorageDir)
	} else {
		log.Warn("no storage directory configured, using in-memory blob store")
		blobs = storage.NewMemoryStorage()
	}

	auditStream, err := audit.NewStreamSink(cfg.KafkaBrokers, cfg.AuditTopic, log)
	if err != nil {
		return err
	}
	defer auditStream.Close()

	m := metrics.New()
	recorder := audit.NewRecorder(repository, log, auditStream, cfg.MaxAuditDescForResource, cfg.MaxAuditDescForLogs)
	tokens := accesstoken.NewService(cfg.JWTSigningKey, cfg.JWTIssuer)
	secretResolver := secrets.NewResolver(repository)

	var vmRuntime *bots.VMContextRuntime
	if cfg.VMContextEnabled {
		vmRuntime = bots.NewVMContextRuntime(blobs, nil, log, cfg.DefaultBotTimeout)
	}
	var remoteRuntime *bots.RemoteRuntime
	if cfg.RemoteRuntimeURL != "" {
		remoteRuntime = bots.NewRemoteRuntime(cfg.RemoteRuntimeURL, nil, log)
	}
	dispatcher := bots.NewDispatcher(
		repository, blobs, secretResolver, tokens, recorder, m, log,
		vmRuntime, remoteRuntime, cfg.BaseURL,
	)

	subscriptionQueue := queue.NewRedisQueue(redisClient, log, queue.Options{Name: "subscriptions"})
	timingQueue := queue.NewRedisQueue(redisClient, log, queue.Options{Name: "timing"})
	pubsub := queue.NewRedisPubSub(redisClient)

	webhookClient := &http.Client{Timeout: cfg.WebhookTimeout}
	subscriptionWorker := workers.NewSubscriptionWorker(
		repository, subscriptionQueue, dispatcher, recorder, m, webhookClient, log,
	)
	timingWorker := workers.NewTimingWorker(repository, timingQueue, dispatcher, m, log)
	executeServer := workers.NewExecuteServer(repository, pubsub, dispatcher, log)

	if err := timingWorker.Bootstrap(ctx); err != nil {
		return err
	}
	timingWorker.Start()
	defer timingWorker.Stop()

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := redisClient.Health(r.Context()); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	router.Handle("/metrics", promhttp.Handler())
	server := httpserver.New(cfg.Addr, router)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return subscriptionWorker.Run(ctx) })
	g.Go(func() error { return timingWorker.Run(ctx) })
	g.Go(func() error { return executeServer.Run(ctx) })
	g.Go(func() error {
		log.Info("listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("shutdown complete")
	return nil
}
