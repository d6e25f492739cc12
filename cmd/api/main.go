// Package main is the entry point for the batch download control API.
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

	"github.com/emanuelef/yt-batch-go/internal/config"
	"github.com/emanuelef/yt-batch-go/internal/infra/cache"
	"github.com/emanuelef/yt-batch-go/internal/infra/fs"
	"github.com/emanuelef/yt-batch-go/internal/infra/process"
	"github.com/emanuelef/yt-batch-go/internal/infra/r2"
	"github.com/emanuelef/yt-batch-go/internal/infra/sqlite"
	"github.com/emanuelef/yt-batch-go/internal/service/downloader"
	"github.com/emanuelef/yt-batch-go/internal/service/publish"
	"github.com/emanuelef/yt-batch-go/internal/service/queue"
	"github.com/emanuelef/yt-batch-go/internal/service/tools"
	transport "github.com/emanuelef/yt-batch-go/internal/transport/http"
	"github.com/emanuelef/yt-batch-go/internal/transport/http/middleware"
	"github.com/emanuelef/yt-batch-go/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger.Setup(&logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	slog.Info("Starting batch download API",
		"env", cfg.Env,
		"port", cfg.Port,
		"output_dir", cfg.OutputDir,
		"max_concurrent_downloads", cfg.MaxConcurrentDownloads,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tools
	locator := tools.NewLocator(tools.Config{
		BundledDir:    cfg.ToolsDir,
		FetcherPath:   cfg.FetcherPath,
		ConverterPath: cfg.ConverterPath,
	})
	tools.LogPreflight(locator.Availability())

	// Process execution and metadata
	runner := process.NewRunner()
	metaCache := cache.NewMetadataCache(cfg.MetadataCacheTTL, 10*time.Minute)
	metadata := downloader.NewMetadataClient(runner, locator, metaCache)
	pipeline := downloader.NewPipeline(runner, locator)

	q := queue.New(pipeline, metadata)

	// Session export
	var session transport.SessionStore
	repo, err := sqlite.NewRepository(cfg.ExportPath())
	if err != nil {
		slog.Warn("Session export disabled", "error", err)
	} else {
		defer repo.Close()
		session = repo
	}

	// Optional R2 publishing
	cleanerCfg := &fs.CleanerConfig{
		LocalDir:      cfg.OutputDir,
		LocalMaxAge:   cfg.TempMaxAge,
		LocalInterval: cfg.CleanupInterval,
	}

	var publisher *publish.Publisher
	if cfg.R2Enabled() {
		r2Client, err := r2.NewClient(ctx, &r2.Config{
			AccountID:       cfg.R2AccountID,
			AccessKeyID:     cfg.R2AccessKeyID,
			SecretAccessKey: cfg.R2SecretAccessKey,
			BucketName:      cfg.R2BucketName,
			PublicURL:       cfg.R2PublicURL,
			Prefix:          cfg.R2Prefix,
		})
		if err != nil {
			slog.Warn("R2 publishing disabled", "error", err)
		} else {
			publisher = publish.New(r2Client, q, publish.Config{LinkExpiry: cfg.PresignedURLExpiry})
			publisher.Start(ctx)
			q.Subscribe(publisher.Observe)

			cleanerCfg.Remote = r2Client
			cleanerCfg.RemoteMaxAge = cfg.R2MaxFileAge
			cleanerCfg.RemoteInterval = cfg.R2CleanupInterval
		}
	}

	cleaner := fs.NewCleaner(cleanerCfg)
	cleaner.Start(ctx)
	defer cleaner.Stop()

	// HTTP
	writeLimiter := middleware.NewRateLimiter(&middleware.RateLimitConfig{
		RequestsPerMinute: cfg.RateLimitRPM,
		Burst:             cfg.RateLimitBurst,
		CleanupInterval:   10 * time.Minute,
	})
	defer writeLimiter.Stop()
	readLimiter := middleware.NewRateLimiter(&middleware.RateLimitConfig{
		RequestsPerMinute: cfg.RateLimitRPM * 10,
		Burst:             cfg.RateLimitBurst * 10,
		CleanupInterval:   10 * time.Minute,
	})
	defer readLimiter.Stop()

	handlers := transport.NewHandlers(ctx, q, locator, session, cfg.BatchSettings())
	router := transport.NewRouter(transport.RouterConfig{AllowedOrigins: cfg.AllowedOrigins}, handlers, &transport.RateLimiters{
		Write: writeLimiter,
		Read:  readLimiter,
	})
	server := transport.NewServer(":"+cfg.Port, router)

	go func() {
		slog.Info("Server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server shutdown error", "error", err)
	}

	// The batch context is derived from ctx, so running jobs are already
	// being cancelled; wait for their processes to exit.
	if n := q.CancelAll(); n > 0 {
		slog.Info("Cancelled running jobs", "count", n)
	}
	handlers.Wait()

	if publisher != nil {
		publisher.Stop()
	}

	if session != nil && cfg.ExportOnShutdown {
		if err := session.SaveJobs(shutdownCtx, q.Jobs()); err != nil {
			slog.Error("Failed to export session on shutdown", "error", err)
		}
	}

	slog.Info("Server stopped")
}
