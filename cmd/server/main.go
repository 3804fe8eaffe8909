// Command server runs the ingestion gateway, the geofence evaluator and the
// realtime broadcaster.
//
//	@title						Fleet Tracking Gateway API
//	@version					1.0
//	@description				Location ingestion, last-accepted queries and the realtime vehicle stream.
//	@BasePath					/
//	@securityDefinitions.apikey	BearerAuth
//	@in							header
//	@name						Authorization
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/99minutos/fleet-tracking/internal/api"
	"github.com/99minutos/fleet-tracking/internal/api/handler"
	"github.com/99minutos/fleet-tracking/internal/core/ports"
	"github.com/99minutos/fleet-tracking/internal/core/service"
	"github.com/99minutos/fleet-tracking/internal/infrastructure/amqp"
	"github.com/99minutos/fleet-tracking/internal/infrastructure/config"
	"github.com/99minutos/fleet-tracking/internal/infrastructure/db/mongo"
	"github.com/99minutos/fleet-tracking/internal/infrastructure/db/redis"
	"github.com/99minutos/fleet-tracking/internal/infrastructure/mqtt"
	"github.com/99minutos/fleet-tracking/internal/infrastructure/queue"
	"github.com/99minutos/fleet-tracking/internal/infrastructure/supervisor"
	"github.com/99minutos/fleet-tracking/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		boot := logger.New(logger.Options{Service: "fleet-gateway"})
		boot.Fatal().Err(err).Msg("failed to load configuration")
	}

	logOpts := logger.Options{Level: cfg.LogLevel, Pretty: cfg.LogPretty, Service: "fleet-gateway"}
	log := logger.New(logOpts)

	if err := run(ctx, cfg, log, logOpts); err != nil {
		log.Fatal().Err(err).Msg("server stopped with error")
	}
	log.Info().Msg("server stopped")
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger, logOpts logger.Options) error {
	// --- Stores ---
	mongoClient, db, err := mongo.Connect(ctx, mongo.Config{
		URI:      cfg.Mongo.URI,
		Database: cfg.Mongo.Database,
		AppName:  "fleet-gateway",
		Timeout:  cfg.Mongo.Timeout,
	})
	if err != nil {
		return err
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mongoClient.Disconnect(dctx)
	}()

	rdb, err := redis.Connect(ctx, redis.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return err
	}
	defer rdb.Close()

	samples := mongo.NewSampleRepository(db)
	memberships := mongo.NewMembershipRepository(db)
	auditEvents := mongo.NewGeofenceEventRepository(db)
	if err := mongo.EnsureIndexes(ctx, samples, memberships, auditEvents); err != nil {
		return err
	}
	vehicleState := redis.NewCachedVehicleState(rdb, mongo.NewVehicleStateRepository(db), log)

	// --- Geofence event egress (optional) ---
	var egress ports.GeofenceEventPublisher
	if cfg.AMQP.URL != "" {
		pub, closeAMQP, err := amqp.Dial(cfg.AMQP.URL, cfg.AMQP.Exchange, log)
		if err != nil {
			return err
		}
		defer closeAMQP()
		egress = pub
		log.Info().Str("exchange", cfg.AMQP.Exchange).Msg("geofence events forwarded to rabbitmq")
	}

	// --- Core pipeline ---
	zones := service.NewZoneCache(mongo.NewZoneRepository(db), cfg.Geofence.ZoneRefresh, log)
	evaluator := service.NewGeofenceService(zones, memberships, auditEvents, service.GeofenceConfig{
		HysteresisRatio:     cfg.Geofence.HysteresisRatio,
		ConfirmationSamples: cfg.Geofence.ConfirmationSamples,
	}, log)
	broadcaster := service.NewBroadcastService(service.BroadcastConfig{
		BacklogSize: cfg.Broadcast.BacklogSize,
		HistorySize: cfg.Broadcast.HistorySize,
	}, log)

	accepted := queue.NewAcceptedStream(
		service.NewAcceptedSampleHandler(evaluator, broadcaster, egress, log),
		cfg.Ingest.AcceptedWorkers, log,
	)
	ingestion := queue.NewSerialIngestor(
		service.NewIngestionService(samples, vehicleState, accepted, redis.NewReplayGuard(rdb), log),
		cfg.Ingest.Workers, log,
	)

	// --- HTTP ---
	router := api.NewRouter(api.Handlers{
		Location: handler.NewLocationHandler(ingestion),
		Stream: handler.NewStreamHandler(broadcaster, handler.StreamConfig{
			AllowedOrigins: cfg.Broadcast.AllowedOrigins,
		}, log),
		Health: handler.NewHealthHandler(),
		Readiness: handler.NewHealthDependenciesHandler(map[string]handler.DependencyCheck{
			"mongodb": handler.MongoCheck(db),
			"redis":   handler.RedisCheck(rdb),
		}),
	}, cfg.JWTSecret, log)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// --- Supervision ---
	tree := supervisor.NewTree("fleet-gateway", logger.NewSlog(logOpts), supervisor.TreeConfig{
		ShutdownTimeout: cfg.ShutdownTimeout,
	})
	tree.AddData(zones)
	tree.AddWorker(accepted)
	tree.AddWorker(ingestion)
	tree.AddAPI(supervisor.NewHTTPServerService("http-server", srv, cfg.ShutdownTimeout))

	if cfg.MQTT.Broker != "" {
		client, err := mqtt.Connect(mqtt.Config{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			Topic:    cfg.MQTT.Topic,
			QoS:      cfg.MQTT.QoS,
		}, log)
		if err != nil {
			return err
		}
		defer client.Disconnect(250)
		tree.AddAPI(mqtt.NewLocationSubscriber(client, ingestion, cfg.MQTT.Topic, cfg.MQTT.QoS, log))
	}

	log.Info().Str("addr", srv.Addr).Str("env", cfg.Env).Msg("fleet gateway starting")

	if err := tree.Serve(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
		for _, u := range report {
			log.Warn().Str("service", u.Name).Msg("service did not stop in time")
		}
	}
	return nil
}
