// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"reelscribe/internal/adapters"
	"reelscribe/internal/api"
	"reelscribe/internal/config"
	"reelscribe/internal/gate"
	"reelscribe/internal/health"
	"reelscribe/internal/kv"
	"reelscribe/internal/log"
	"reelscribe/internal/metrics"
	"reelscribe/internal/queue"
	"reelscribe/internal/resilience"
	"reelscribe/internal/session"
	"reelscribe/internal/store"
	"reelscribe/internal/telemetry"
	"reelscribe/internal/worker"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	log.Configure(log.Config{Level: "info", Service: "reelscribe", Version: version})
	logger := log.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	log.Configure(log.Config{Level: cfg.LogLevel, Service: "reelscribe", Version: version})

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("daemon exited with error")
	}
	logger.Info().Msg("daemon stopped")
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	tracing, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.TraceEnabled,
		ServiceName:    "reelscribe",
		ServiceVersion: version,
		Environment:    config.ParseString("RS_ENV", "production"),
		ExporterType:   cfg.TraceExporter,
		Endpoint:       cfg.TraceEndpoint,
		SamplingRate:   cfg.TraceSampling,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		if err := tracing.Shutdown(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("tracer shutdown failed")
		}
	}()

	st, err := store.Open(ctx, cfg.SQLitePath, cfg.StorePoolMax)
	if err != nil {
		return fmt.Errorf("sqlite open: %w", err)
	}
	defer func() { _ = st.Close() }()

	kvs, err := kv.New(ctx, kv.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPass,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		return fmt.Errorf("redis connect: %w", err)
	}
	defer func() { _ = kvs.Close() }()

	var mirror resilience.Mirror
	if cfg.BreakerDistributed {
		mirror = resilience.NewRedisMirror(kvs.Client())
	}
	breakers := resilience.NewRegistry(resilience.Settings{
		FailureThreshold: cfg.BreakerThreshold,
		ResetTimeout:     cfg.BreakerResetAfter,
		HalfOpenSuccess:  cfg.BreakerHalfOpenOK,
		FailureWindow:    cfg.BreakerWindow,
	}, mirror)

	var cookies *adapters.CookieSource
	if cfg.CookiesPath != "" {
		cookies = adapters.NewCookieSource(cfg.CookiesPath)
	}

	downloader := adapters.NewDownloader(adapters.DownloaderConfig{
		BinPath:         cfg.YTDLPPath,
		MaxVideoSeconds: cfg.MaxVideoSeconds,
		MaxVideoBytes:   cfg.MaxVideoBytes,
		Timeout:         cfg.AdapterTimeout,
		Cookies:         cookies,
	})
	media := adapters.NewMedia(adapters.MediaConfig{
		FFmpegPath:  cfg.FFmpegPath,
		FFprobePath: cfg.FFprobePath,
		MaxFrames:   cfg.MaxFrames,
		FrameWidth:  cfg.FrameWidth,
		JPEGQuality: cfg.JPEGQuality,
		Timeout:     cfg.AdapterTimeout,
	})
	generator := adapters.NewGenerator(adapters.GeneratorConfig{
		BaseURL: cfg.GeneratorEndpoint,
		APIKey:  cfg.GeneratorAPIKey,
		Model:   cfg.GeneratorProject,
		Timeout: cfg.JobTimeout,
	})
	uploader := adapters.NewUploader(adapters.UploaderConfig{
		Provider: cfg.UploaderProvider,
		BaseURL:  cfg.UploaderEndpoint,
		APIKey:   cfg.UploaderAPIKey,
		Timeout:  cfg.AdapterTimeout,
	})
	messenger := adapters.NewMessaging(adapters.MessagingConfig{
		BaseURL:    cfg.MessagingEndpoint,
		APIKey:     cfg.MessagingAPIKey,
		SendDirect: cfg.MessagingSendDirect,
		Timeout:    cfg.AdapterTimeout,
	})

	pipeline := worker.New(st, kvs, breakers,
		downloader, media, generator, uploader, messenger,
		worker.Config{
			WorkDir:       cfg.TempRoot,
			PublicBaseURL: cfg.BaseURL,
			AnalysisTTL:   cfg.AnalysisTTL,
			AnalysisMode:  string(cfg.AnalysisMode),
			MaxAttempts:   cfg.JobAttempts,
			GeneratorName: cfg.GeneratorProject,
		})

	q := queue.New(kvs.Client(), queue.Config{
		Concurrency:    cfg.QueueConcurrency,
		RatePerMinute:  cfg.QueueRatePerMin,
		MaxAttempts:    cfg.JobAttempts,
		BackoffBase:    cfg.RetryBackoffBase,
		HeartbeatEvery: cfg.HeartbeatEvery,
		StallAfter:     cfg.StallAfter,
		JobTimeout:     cfg.JobTimeout,
	}, pipeline.Handle, nil)

	// Jobs orphaned by the previous process are re-queued before workers start.
	q.SweepStalled(ctx)

	sessions := session.New(kvs, cfg.SessionTTL, cfg.VariationTTL, cfg.VariationAdvise)
	admission := gate.New(st, kvs, gate.Config{
		BetaCapacity: cfg.BetaCapacity,
		QuotaPerHour: cfg.UserQuotaPerHour,
		QuotaWindow:  cfg.QuotaWindow,
		BlockFlagTTL: cfg.BlockTTL,
	})
	hm := health.New(st, kvs, breakers, q, sessions, version)

	server := api.NewServer(st, kvs, admission, sessions, q, messenger, hm, api.Config{
		AdminAPIKey:     cfg.AdminAPIKey,
		TrustedProxies:  cfg.TrustedProxies,
		IPRatePerMinute: cfg.IPRatePerMinute,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           telemetry.WrapHandler(server.Router(), "reelscribe"),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Int("workers", cfg.QueueConcurrency).Msg("starting queue workers")
		return q.Run(gctx)
	})

	g.Go(func() error {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("starting http server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if cookies != nil {
		g.Go(func() error {
			if err := cookies.Watch(gctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn().Err(err).Msg("cookie watcher stopped")
			}
			return nil
		})
	}

	g.Go(func() error { return gaugeLoop(gctx, q, sessions) })
	g.Go(func() error { return sweepLoop(gctx, st, cfg.JobRetention, logger) })

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// gaugeLoop refreshes the queue-depth and active-session gauges.
func gaugeLoop(ctx context.Context, q *queue.Queue, sessions *session.Manager) error {
	t := time.NewTicker(30 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if n, err := q.Depth(ctx); err == nil {
				metrics.SetQueueDepth(int(n))
			}
			if n, err := sessions.ActiveCount(ctx); err == nil {
				metrics.SetActiveSessions(n)
			}
		}
	}
}

// sweepLoop prunes settled jobs past their retention window.
func sweepLoop(ctx context.Context, st *store.Store, retention time.Duration, logger zerolog.Logger) error {
	t := time.NewTicker(time.Hour)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n, err := st.Sweep(ctx, retention, time.Now())
			if err != nil {
				logger.Warn().Err(err).Msg("job sweep failed")
				continue
			}
			if n > 0 {
				logger.Info().Int64("removed", n).Msg("swept expired jobs")
			}
		}
	}
}
