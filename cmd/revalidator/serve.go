package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"revalidator/internal/backend"
	"revalidator/internal/cache"
	"revalidator/internal/config"
	"revalidator/internal/httpapi"
	"revalidator/internal/logging"
	"revalidator/internal/metrics"
	"revalidator/internal/ratelimit"
	"revalidator/internal/revalidate"
	"revalidator/internal/warming"
	"revalidator/internal/webhook"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy and the revalidation API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			return serve(path)
		},
	}
}

func serve(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New(prometheus.DefaultRegisterer)

	store, err := cache.OpenStore(cfg.Storage.Disk.Path, cfg.Storage.RAMMaxBytes, cfg.Storage.DiskMaxBytes, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	svc := cache.NewService(cfg, store, m, logger)
	svc.Start()
	defer svc.Close()

	var inv backend.Backend = store
	if cfg.Redis.URL != "" {
		client, err := backend.Connect(ctx, cfg.Redis.URL)
		if err != nil {
			return err
		}
		defer client.Close()

		origin := instanceID()
		inv = backend.Multi{store, backend.NewRedisPublisher(client, cfg.Redis.Channel, origin)}
		go func() {
			if err := backend.Subscribe(ctx, client, cfg.Redis.Channel, origin, store, logger); err != nil {
				logger.Error("invalidation subscriber stopped", "error", err)
			}
		}()
		logger.Info("redis fan-out enabled", "channel", cfg.Redis.Channel, "origin", origin)
	}

	engine, err := warming.NewEngine(cfg, inv, m, logger)
	if err != nil {
		return fmt.Errorf("init warming: %w", err)
	}
	engine.RegisterFunc("sitemap", func(ctx context.Context) error {
		_, _, err := svc.PrimeFromSitemaps(ctx)
		return err
	})

	activity := revalidate.NewActivityLog(cfg.Revalidation.MaxLogs)
	coord := revalidate.NewCoordinator(cfg.Revalidation, inv, engine, activity, m, logger)
	queue := revalidate.NewQueue(coord, cfg.Revalidation.QueueDelayDur, m, logger)
	limiter := ratelimit.FromConfig(cfg.RateLimit.WindowDur, cfg.RateLimit.Limits)

	sched := warming.NewScheduler(engine, engine.Targets(), logger)
	if cfg.Warming.Schedule {
		sched.Start()
	}
	defer sched.Stop()

	go func() {
		err := config.Watch(ctx, configPath, logger, func(next config.Config) {
			ts, err := warming.TargetsFromConfig(next.Warming.Targets)
			if err != nil {
				logger.Warn("warm targets not reloaded", "error", err)
				return
			}
			engine.SetTargets(ts)
			sched.Reload(ts)
		})
		if err != nil {
			logger.Warn("config watch disabled", "error", err)
		}
	}()
	go sweepLoop(ctx, limiter)

	h := httpapi.NewHandler(httpapi.Deps{
		Config:      cfg,
		Coordinator: coord,
		Queue:       queue,
		Log:         activity,
		Limiter:     limiter,
		Webhooks:    webhook.NewRegistry(cfg.Webhooks),
		Warmer:      engine,
		Scheduler:   sched,
		Proxy:       svc,
		Cache:       svc,
		Gatherer:    prometheus.DefaultGatherer,
		Metrics:     m,
		Logger:      logger,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           httpapi.NewRouter(h),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeoutDur,
	}

	go func() {
		logger.Info("revalidator listening", "addr", addr, "origin", cfg.Server.Origin)
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	queue.Close()
	logger.Info("revalidator stopped")
	return nil
}

func sweepLoop(ctx context.Context, l *ratelimit.Limiter) {
	t := time.NewTicker(l.Window())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.Sweep()
		}
	}
}

// instanceID tags this replica's redis events so it can skip its own.
func instanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "revalidator"
	}
	return host + "-" + uuid.NewString()[:8]
}
