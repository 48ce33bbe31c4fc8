package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"sketchy-comics/internal/config"
	"sketchy-comics/internal/imagegen"
	"sketchy-comics/internal/logging"
	"sketchy-comics/internal/notify"
	"sketchy-comics/internal/queue"
	"sketchy-comics/internal/scriptgen"
	"sketchy-comics/internal/storage"
	"sketchy-comics/internal/store"
	"sketchy-comics/internal/telemetry"
	"sketchy-comics/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Error("migrations", slog.Any("error", err))
		os.Exit(1)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()

	scripts, err := scriptgen.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("init script backend", slog.Any("error", err))
		os.Exit(1)
	}
	images, err := imagegen.New(cfg)
	if err != nil {
		logger.Error("init image backend", slog.Any("error", err))
		os.Exit(1)
	}
	artifacts, err := storage.New(ctx, cfg)
	if err != nil {
		logger.Error("init storage", slog.Any("error", err))
		os.Exit(1)
	}

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		if hostname, _ := os.Hostname(); hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	processor := worker.New(cfg, workerID, worker.Deps{
		Store:    st,
		Dispatch: queue.NewDispatch(redisClient),
		Scripts:  scripts,
		Images:   images,
		Storage:  artifacts,
		Notifier: notify.New(cfg.WebhookTimeout, cfg.WebhookMaxRetries, time.Second, logger),
		Fetcher:  scriptgen.NewArticleFetcher(cfg.ArticleFetchTimeout, cfg.ArticleMaxChars),
		Logger:   logger,
	})

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", slog.Any("error", err))
		}
	}()

	logger.Info("worker started",
		slog.String("worker_id", workerID),
		slog.String("script_backend", cfg.ScriptBackend),
		slog.String("image_backend", cfg.ImageBackend),
		slog.Duration("lease", cfg.LeaseDuration))
	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", slog.Any("error", err))
	}
}
