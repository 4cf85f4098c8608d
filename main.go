package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/JK-97/sensor-porter/export"
	portersync "github.com/JK-97/sensor-porter/sync"
)

var (
	version = "v0.1.0"
	commit  = "?"
	date    = "2026-10-15T00:00:00+08:00"
)

func setupLogger(level string) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
	log.SetReportTimestamp(true)
	log.SetTimeFormat(time.DateTime)
}

func newRelay(pool *clientPool, cfg *porterConfig, metrics *portersync.Metrics) func(context.Context) (portersync.Synchronizer, error) {
	return func(ctx context.Context) (portersync.Synchronizer, error) {
		src, err := pool.Get(ctx, cfg.Bridge.InputURI)
		if err != nil {
			return nil, err
		}
		dst, err := pool.Get(ctx, cfg.Bridge.OutputURI)
		if err != nil {
			return nil, err
		}
		return portersync.NewRelay(src, dst, cfg.relayConfig(),
			portersync.WithMetrics(metrics),
			portersync.WithLogger(log.WithPrefix("relay")))
	}
}

func newStamper(pool *clientPool, cfg *porterConfig, metrics *portersync.Metrics) func(context.Context) (portersync.Synchronizer, error) {
	return func(ctx context.Context) (portersync.Synchronizer, error) {
		src, err := pool.Get(ctx, cfg.Sync.InputURI)
		if err != nil {
			return nil, err
		}
		dst, err := pool.Get(ctx, cfg.Sync.OutputURI)
		if err != nil {
			return nil, err
		}
		return portersync.NewStamper(src, dst, cfg.stampConfig(),
			portersync.WithMetrics(metrics),
			portersync.WithLogger(log.WithPrefix("imu_time_sync")))
	}
}

// runExporter 导出 mapping 模块发布的 occupancy grid
func runExporter(ctx context.Context, pool *clientPool, cfg mappingConfig) error {
	exporter, err := export.NewExporter(cfg.OutputDir, cfg.Quality)
	if err != nil {
		return err
	}
	for {
		client, err := pool.Get(ctx, cfg.URI)
		if err != nil {
			return nil
		}
		sub, err := client.Subscribe(cfg.MapTopic, cfg.Policy)
		if err == nil {
			err = exporter.Run(ctx, sub)
			sub.Unsubscribe()
		}
		if ctx.Err() != nil {
			return nil
		}
		log.Warn("map saver stopped, restarting", "err", err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(retryInterval):
		}
	}
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info("serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("metrics server", "err", err)
	}
	return nil
}

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "version" || os.Args[1] == "-v") {
		fmt.Printf("Version: %s, Commit: %s, Date: %s\n", version, commit, date)
		os.Exit(0)
	}

	cfg, err := loadConfig(os.Args[1:], os.Stderr)
	if err != nil {
		log.Fatal("invalid configuration", "err", err)
	}
	setupLogger(cfg.LogLevel)
	log.Info("starting streaming porter", "pid", os.Getpid(), "version", version)

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT,
		syscall.SIGQUIT,
		syscall.SIGTERM,
	)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := portersync.NewMetrics(reg)

	pool := newClientPool()
	defer pool.Close()

	g, ctx := errgroup.WithContext(ctx)
	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(ctx, cfg.MetricsAddr, reg)
		})
	}
	if cfg.Bridge.Enabled {
		g.Go(func() error {
			return supervise(ctx, "relay", newRelay(pool, cfg, metrics))
		})
	}
	if cfg.Sync.Enabled {
		g.Go(func() error {
			return supervise(ctx, "imu_time_sync", newStamper(pool, cfg, metrics))
		})
	}
	if cfg.Mapping.Enabled {
		g.Go(func() error {
			return runExporter(ctx, pool, cfg.Mapping)
		})
	}

	if err := g.Wait(); err != nil {
		log.Fatal("porter stopped", "err", err)
	}
	log.Info("porter stopped")
}
