// Command signalbusd serves a message bus over WebSocket and HTTP,
// optionally scaled out across nodes through Redis or PostgreSQL.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/signalbus/core/config"
	"github.com/dmitrymomot/signalbus/core/health"
	"github.com/dmitrymomot/signalbus/core/logger"
	"github.com/dmitrymomot/signalbus/core/messaging"
	"github.com/dmitrymomot/signalbus/core/scaleout"
	"github.com/dmitrymomot/signalbus/core/server"
	"github.com/dmitrymomot/signalbus/core/wstransport"
	"github.com/dmitrymomot/signalbus/pkg/ratelimiter"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cfg Config
	config.MustLoad(&cfg)

	envOpt := logger.WithProduction(cfg.AppName)
	if cfg.Env == "development" {
		envOpt = logger.WithDevelopment(cfg.AppName)
	}
	log := logger.New(envOpt, logger.WithLevel(logger.ParseLevel(cfg.LogLevel)))

	if err := run(ctx, cfg, log); err != nil {
		log.Error("signalbusd failed", logger.Error(err))
		os.Exit(1)
	}
	log.Info("signalbusd stopped")
}

type bus interface {
	messaging.MessageBus
	Run(ctx context.Context) func() error
}

func run(ctx context.Context, cfg Config, log *slog.Logger) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	checks := map[string]health.Check{}

	var b bus
	if cfg.Backplane == backplaneNone || cfg.Backplane == "" {
		mb := messaging.NewFromConfig(cfg.Bus, messaging.WithLogger(log))
		registry.MustRegister(messaging.NewCollector(mb, cfg.MetricsNamespace))
		b = mb
	} else {
		bp, release, err := newBackplane(ctx, cfg.Backplane, cfg.Scaleout.StreamCount, log, checks)
		if err != nil {
			return err
		}
		// runs after the bus has closed the backplane
		defer release()

		sb, err := scaleout.NewFromConfig(bp, cfg.Scaleout, cfg.Bus, scaleout.WithLogger(log))
		if err != nil {
			_ = bp.Close()
			return err
		}
		registry.MustRegister(
			messaging.NewCollector(sb, cfg.MetricsNamespace),
			scaleout.NewCollector(sb, cfg.MetricsNamespace),
		)
		checks["backplane"] = streamsOpen(sb)
		log.Info("scale-out enabled",
			logger.Key("backplane", cfg.Backplane),
			logger.Node(sb.NodeID()),
			logger.Count("streams", cfg.Scaleout.StreamCount))
		b = sb
	}

	var limiter *ratelimiter.Bucket
	if cfg.RateLimitPublish {
		l, err := ratelimiter.NewBucket(ratelimiter.NewMemoryStore(), cfg.RateLimit)
		if err != nil {
			return err
		}
		limiter = l
	}

	wsOpts := []wstransport.Option{
		wstransport.WithLogger(log),
		wstransport.WithMaxMessages(cfg.Bus.MaxMessages),
		wstransport.WithPublishLimiter(limiter),
	}
	if cfg.AllowAnyOrigin {
		wsOpts = append(wsOpts, wstransport.WithAllowAnyOrigin())
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", wstransport.New(b, wsOpts...))
	mux.Handle("/publish", publishHandler(b, limiter, cfg.MaxPublishBytes, log))
	mux.HandleFunc("/health/live", health.Liveness)
	mux.Handle("/health/ready", health.Readiness(log, checks))
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	srv, err := server.NewFromConfig(cfg.Server, server.WithLogger(log))
	if err != nil {
		return err
	}
	registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: cfg.MetricsNamespace,
			Name:      "http_connections_open",
			Help:      "Client connections currently served over plain HTTP.",
		}, func() float64 { return float64(srv.Stats().Open) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: cfg.MetricsNamespace,
			Name:      "http_connections_upgraded_total",
			Help:      "Connections handed off to the WebSocket transport.",
		}, func() float64 { return float64(srv.Stats().Upgraded) }),
	)

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(b.Run(ctx))
	eg.Go(srv.Run(ctx, mux))
	return eg.Wait()
}
