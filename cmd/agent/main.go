// Command agent runs on a vehicle's device: it samples positions, keeps them
// in the offline queue and reconciles the queue with the gateway whenever
// the device is online.
package main

import (
	"context"
	"hash/fnv"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/99minutos/fleet-tracking/internal/agent/config"
	"github.com/99minutos/fleet-tracking/internal/agent/connectivity"
	"github.com/99minutos/fleet-tracking/internal/agent/gatewayclient"
	"github.com/99minutos/fleet-tracking/internal/agent/position"
	"github.com/99minutos/fleet-tracking/internal/agent/reconciler"
	"github.com/99minutos/fleet-tracking/internal/agent/sampler"
	"github.com/99minutos/fleet-tracking/internal/agent/tracker"
	"github.com/99minutos/fleet-tracking/internal/core/domain"
	badgerqueue "github.com/99minutos/fleet-tracking/internal/infrastructure/db/badger"
	"github.com/99minutos/fleet-tracking/internal/infrastructure/supervisor"
	"github.com/99minutos/fleet-tracking/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load("")
	if err != nil {
		boot := logger.New(logger.Options{Service: "fleet-agent"})
		boot.Fatal().Err(err).Msg("failed to load configuration")
	}

	logOpts := logger.Options{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty, Service: "fleet-agent"}
	log := logger.New(logOpts)

	if err := run(ctx, cfg, log, logOpts); err != nil {
		log.Fatal().Err(err).Msg("agent stopped with error")
	}
	log.Info().Msg("agent stopped")
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger, logOpts logger.Options) error {
	queue, err := badgerqueue.Open(badgerqueue.Config{
		Path:        cfg.Queue.Path,
		MaxEntries:  cfg.Queue.MaxEntries,
		MaxAttempts: cfg.Queue.MaxAttempts,
		GCInterval:  cfg.Queue.GCInterval,
	}, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			log.Error().Err(err).Msg("close offline queue")
		}
	}()

	stats := queue.Stats()
	log.Info().
		Int("pending", stats.Pending).
		Int("failed", stats.Failed).
		Str("path", cfg.Queue.Path).
		Msg("offline queue recovered")

	gateway := gatewayclient.New(gatewayclient.Config{
		BaseURL: cfg.Gateway.BaseURL,
		Token:   cfg.Gateway.Token,
		Timeout: cfg.Gateway.Timeout,
		Breaker: gatewayclient.BreakerConfig{
			ConsecutiveFailures: cfg.Breaker.ConsecutiveFailures,
			OpenTimeout:         cfg.Breaker.OpenTimeout,
			HalfOpenRequests:    cfg.Breaker.HalfOpenRequests,
		},
	}, nil, log)

	monitor := connectivity.NewMonitor(gateway, connectivity.Config{
		ProbeInterval: cfg.Connectivity.ProbeInterval,
		ProbeTimeout:  cfg.Connectivity.ProbeTimeout,
	}, log)

	rec := reconciler.New(queue, gateway, reconciler.LogReporter{Log: log}, monitor.Online, reconciler.Config{
		BatchSize:      cfg.Sync.BatchSize,
		Interval:       cfg.Sync.Interval,
		InitialBackoff: cfg.Sync.InitialBackoff,
		MaxBackoff:     cfg.Sync.MaxBackoff,
	}, log)
	monitor.OnRestored(rec.Trigger)

	sources := func(vehicleID string) position.Source {
		return position.NewSimulated(vehicleID, position.SimulatedConfig{
			Origin:     domain.Coordinates{Lat: cfg.Position.OriginLat, Lng: cfg.Position.OriginLng},
			StepMeters: cfg.Position.StepMeters,
			Period:     cfg.Position.Period,
			Accuracy:   cfg.Position.Accuracy,
		}, seedFor(vehicleID))
	}
	trk := tracker.New(queue, rec, sources, tracker.Config{
		Sampler: sampler.Config{
			Interval:        cfg.Sampler.Interval,
			MinDisplacement: cfg.Sampler.MinDisplacement,
			AccuracyFloor:   cfg.Sampler.AccuracyFloor,
		},
		FlushTimeout: cfg.Sync.FlushTimeout,
	}, log)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// The tracker's final flush must fit inside the shutdown window.
	tree := supervisor.NewTree("fleet-agent", logger.NewSlog(logOpts), supervisor.TreeConfig{
		ShutdownTimeout: cfg.Sync.FlushTimeout + 5*time.Second,
	})
	tree.AddData(queue)
	tree.AddWorker(monitor)
	tree.AddWorker(rec)
	tree.AddWorker(tracker.NewService(trk, cfg.Vehicles))
	tree.AddAPI(supervisor.NewHTTPServerService("metrics-server", metricsSrv, 5*time.Second))

	log.Info().
		Strs("vehicles", cfg.Vehicles).
		Str("gateway", cfg.Gateway.BaseURL).
		Msg("fleet agent starting")

	if err := tree.Serve(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// seedFor keeps a vehicle's simulated walk stable across restarts.
func seedFor(vehicleID string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(vehicleID))
	return h.Sum64()
}
