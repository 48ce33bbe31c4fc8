package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"sketchy-comics/internal/admission"
	"sketchy-comics/internal/api"
	"sketchy-comics/internal/config"
	"sketchy-comics/internal/keys"
	"sketchy-comics/internal/logging"
	"sketchy-comics/internal/notify"
	"sketchy-comics/internal/queue"
	"sketchy-comics/internal/ratelimit"
	"sketchy-comics/internal/storage"
	"sketchy-comics/internal/store"
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
	dispatch := queue.NewDispatch(redisClient)
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.BurstCapacity, cfg.BurstRefillPerSec, time.Hour)

	artifacts, err := storage.New(ctx, cfg)
	if err != nil {
		logger.Error("init storage", slog.Any("error", err))
		os.Exit(1)
	}

	dir := keys.Parse(cfg.APIKeys)
	if dir.DevMode() {
		logger.Warn("no API keys configured, running in dev mode")
	}

	notifier := notify.New(cfg.WebhookTimeout, cfg.WebhookMaxRetries, time.Second, logger)
	server := api.New(cfg, admission.New(cfg, st), st, dispatch, limiter, dir, artifacts, notifier, logger)

	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info("api listening", slog.String("port", cfg.HTTPPort), slog.String("env", cfg.Env))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
