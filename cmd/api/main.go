package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/paulgrammer/genbatch/internal/batch"
	"github.com/paulgrammer/genbatch/internal/config"
	"github.com/paulgrammer/genbatch/internal/credentials"
	"github.com/paulgrammer/genbatch/internal/download"
	"github.com/paulgrammer/genbatch/internal/history"
	"github.com/paulgrammer/genbatch/internal/httpapi"
	"github.com/paulgrammer/genbatch/internal/jobs"
	"github.com/paulgrammer/genbatch/internal/ratelimit"
	"github.com/paulgrammer/genbatch/internal/remote"
	"github.com/paulgrammer/genbatch/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// Logger
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.LogLevel)})))

	creds, err := credentials.Load(cfg.Credentials())
	if err != nil && !errors.Is(err, credentials.ErrNoCredentials) {
		slog.Error("failed to load credentials", "error", err)
		os.Exit(1)
	}
	if len(creds) == 0 {
		slog.Warn("no credentials configured, every batch will be refused")
	}

	// Core components
	limiter := ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst)
	client := remote.NewHTTPClient(cfg.Remote(), remote.WithLimiter(limiter))
	downloader := download.New(download.WithIdleTimeout(cfg.DownloadIdleTimeout))
	store := batch.NewInMemoryStore()
	streamer := batch.NewStreamer()
	hist := history.NewStore(cfg.HistoryFile)
	sender := webhook.NewHTTPSender(cfg.WebhookTimeout, cfg.WebhookMaxRetries)

	coordinator := batch.NewCoordinator(client,
		batch.WithDownloader(downloader),
		batch.WithWorkerConfig(cfg.Worker()),
		batch.WithMaxConcurrent(cfg.MaxConcurrent),
		batch.WithHook(streamer.Hook),
		batch.WithHook(batch.WebhookHook(sender, cfg.WebhookURL, slog.Default())),
		batch.WithHook(func(h *batch.Handle) jobs.Observer {
			return hist.Observer(h.ID(), nil, func(err error) {
				slog.Error("failed to record history", "batch_id", h.ID(), "error", err)
			})
		}),
	)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           httpapi.NewRouter(ctx, coordinator, store, streamer, creds),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.APIAddr, "credentials", len(creds), "max_concurrent", cfg.MaxConcurrent)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	// Cancel running batches and give workers a moment to clean up partial files.
	stop()
	for _, h := range store.List() {
		if err := h.Wait(shutdownCtx); err != nil {
			slog.Warn("batch did not stop in time", "batch_id", h.ID())
		}
	}
}
