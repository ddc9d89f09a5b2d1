/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uthgardwatch/herald-sentinel/internal/admin"
	"github.com/uthgardwatch/herald-sentinel/internal/config"
	"github.com/uthgardwatch/herald-sentinel/internal/discord"
	"github.com/uthgardwatch/herald-sentinel/internal/engine"
	"github.com/uthgardwatch/herald-sentinel/internal/fetch"
	"github.com/uthgardwatch/herald-sentinel/internal/kv"
	"github.com/uthgardwatch/herald-sentinel/internal/metrics"
	"github.com/uthgardwatch/herald-sentinel/internal/players"
)

var setupLog logr.Logger

func main() {
	var adminPort int
	var metricsPort int
	var tickInterval time.Duration
	var kvBackend string
	var once bool
	var development bool

	flag.IntVar(&adminPort, "admin-port", 8090, "The port for the admin server.")
	flag.IntVar(&metricsPort, "metrics-port", 8080, "The port for the metrics server.")
	flag.DurationVar(&tickInterval, "tick-interval", time.Minute, "The scheduler cadence.")
	flag.StringVar(&kvBackend, "kv", "redis", "KV backend: redis or memory.")
	flag.BoolVar(&once, "once", false, "Run a single tick and exit.")
	flag.BoolVar(&development, "dev", false, "Use the development logger.")
	flag.Parse()

	zapLog, err := newZapLogger(development)
	if err != nil {
		os.Exit(1)
	}
	defer func() { _ = zapLog.Sync() }()
	log := zapr.NewLogger(zapLog)
	setupLog = log.WithName("setup")

	cfg, err := config.Load()
	if err != nil {
		setupLog.Error(err, "invalid configuration")
		os.Exit(1)
	}
	if cfg.RosterError != nil {
		setupLog.Error(cfg.RosterError, "tracked-player roster skipped")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, kvBackend, cfg)
	if err != nil {
		setupLog.Error(err, "unable to open kv store", "backend", kvBackend)
		os.Exit(1)
	}

	// Setup the metrics and health probe server.
	registry := prometheus.NewRegistry()
	shutdownMetrics, err := metrics.InitExporter(registry)
	if err != nil {
		setupLog.Error(err, "unable to initialize metrics exporter")
		os.Exit(1)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			setupLog.Error(err, "failed to shutdown metrics exporter")
		}
	}()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	metricsMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	metricsMux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	// Servers run under an errgroup; a listener failure cancels the
	// scheduler context so the process exits instead of limping on.
	servers, serverCtx := errgroup.WithContext(ctx)

	metricsServer := &http.Server{
		Addr:    ":" + strconv.Itoa(metricsPort),
		Handler: metricsMux,
	}
	servers.Go(func() error {
		setupLog.Info("starting metrics server", "addr", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	sender := discord.NewSender(store, log.WithName("discord"), cfg.BotUsername)

	var scanner *players.Scanner
	if len(cfg.TrackedPlayers) > 0 {
		roster, err := players.NewRoster(cfg.TrackedPlayers)
		if err != nil {
			setupLog.Error(err, "invalid tracked-player roster, scan disabled")
		} else {
			scanner = players.NewScanner(store, log.WithName("players"), fetch.NewFetcher(), sender, roster)
			scanner.Webhooks = cfg.PlayerWebhooks
			scanner.SessionWindow = cfg.SessionWindow
			scanner.BigDelta = cfg.BigDelta
			scanner.RepingWindow = cfg.RepingWindow
		}
	}

	eng := engine.New(store, log.WithName("engine"), cfg, sender, scanner)
	if cfg.StrictDelivery {
		if err := eng.SetStrictDelivery(ctx, true); err != nil {
			setupLog.Error(err, "unable to persist strict flag")
		}
	}

	adminServer := &http.Server{
		Addr:    ":" + strconv.Itoa(adminPort),
		Handler: admin.Timeout((&admin.Handler{Engine: eng, Log: log.WithName("admin")}).Router()),
	}
	servers.Go(func() error {
		setupLog.Info("starting admin server", "addr", adminServer.Addr)
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})

	setupLog.Info("starting scheduler", "interval", tickInterval, "once", once)
	runScheduler(serverCtx, eng, tickInterval, once)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		setupLog.Error(err, "admin server shutdown")
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		setupLog.Error(err, "metrics server shutdown")
	}
	if err := servers.Wait(); err != nil {
		setupLog.Error(err, "server failed")
		os.Exit(1)
	}
}

// runScheduler executes ticks at a fixed cadence until the context is
// cancelled. A tick that overruns the interval simply delays the next one;
// overlapping invocations coordinate through KV claims either way.
func runScheduler(ctx context.Context, eng *engine.Engine, interval time.Duration, once bool) {
	tick := func() {
		if _, err := eng.Tick(ctx); err != nil {
			setupLog.Error(err, "tick failed")
		}
	}

	tick()
	if once {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			setupLog.Info("stopping scheduler")
			return
		case <-ticker.C:
			tick()
		}
	}
}

func openStore(ctx context.Context, backend string, cfg *config.Config) (kv.Store, error) {
	switch backend {
	case "memory":
		store := kv.NewMemoryStore(0)
		store.SetEvictionCallback(func() { metrics.KVEvictionsTotal.Add(context.Background(), 1) })
		return store, nil
	default:
		return kv.DialRedis(ctx, cfg.RedisAddr, cfg.KVNamespace)
	}
}

func newZapLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
