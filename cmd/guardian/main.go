package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/lucid-vigil/guardian/pkg/anomaly"
	"github.com/lucid-vigil/guardian/pkg/api"
	"github.com/lucid-vigil/guardian/pkg/cache"
	"github.com/lucid-vigil/guardian/pkg/config"
	"github.com/lucid-vigil/guardian/pkg/coordinator"
	gerrors "github.com/lucid-vigil/guardian/pkg/errors"
	"github.com/lucid-vigil/guardian/pkg/events"
	"github.com/lucid-vigil/guardian/pkg/logger"
	"github.com/lucid-vigil/guardian/pkg/metrics"
	"github.com/lucid-vigil/guardian/pkg/model"
	"github.com/lucid-vigil/guardian/pkg/netsensor"
	"github.com/lucid-vigil/guardian/pkg/policy"
	"github.com/lucid-vigil/guardian/pkg/privilege"
	"github.com/lucid-vigil/guardian/pkg/scheduler"
	"github.com/lucid-vigil/guardian/pkg/storage"
	"github.com/lucid-vigil/guardian/pkg/telemetry"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

func main() {
	fs := pflag.NewFlagSet("guardian", pflag.ExitOnError)
	configPath := fs.StringP("config", "c", "", "path to config.yaml")
	fs.BoolP("debug", "d", false, "enable debug logging with console output")
	fs.StringP("log-level", "l", "info", "log level: error, warn, info, debug, trace")
	_ = fs.Parse(os.Args[1:])

	// Load configuration first
	loader := config.NewLoader(*configPath)
	if err := loader.BindFlags(fs); err != nil {
		log.Fatal().Err(err).Msg("Failed to bind flags")
	}
	cfg, err := loader.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Initialize logger based on config
	logger.InitLogger(cfg.LogLevel, cfg.Debug)

	log.Info().Msg("Guardian starting...")
	log.Info().Msgf("Configuration loaded: LogLevel=%s, APIPort=%s, RefreshInterval=%s",
		cfg.LogLevel, cfg.APIPort, cfg.Coordinator.RefreshInterval)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, loader); err != nil {
		log.Fatal().Err(err).Msg("Guardian failed")
	}
	log.Info().Msg("Guardian stopped.")
}

func run(ctx context.Context, cfg *config.Config, loader *config.Loader) error {
	handler := gerrors.NewErrorHandler(logger.Component("errors"), metrics.CountError)
	workers := cfg.Coordinator.EffectiveWorkers()

	store, err := storage.Open(ctx, cfg.Storage.Path)
	if err != nil {
		return gerrors.NewFatalInitError("storage", err)
	}
	defer store.Close()

	source := telemetry.NewGopsutilSource(workers)
	if err := source.Probe(ctx); err != nil {
		return err
	}

	sensorOpts := []netsensor.Option{netsensor.WithWorkers(workers)}
	if cfg.Network.ResolveNames {
		resolver, err := netsensor.NewDNSResolver(cfg.Network.DNSServer, cfg.Network.DNSTimeout)
		if err != nil {
			log.Warn().Err(err).Msg("Reverse DNS disabled")
		} else {
			log.Info().Str("server", resolver.Server()).Msg("Reverse DNS enabled")
			sensorOpts = append(sensorOpts, netsensor.WithResolver(resolver))
		}
	}
	sensor := netsensor.NewSensor(sensorOpts...)
	if err := sensor.Probe(ctx); err != nil {
		return err
	}

	detector := anomaly.NewDetector(anomaly.Config{
		HistorySize: cfg.Anomaly.HistorySize,
		MinSamples:  cfg.Anomaly.MinSamples,
		MinPoints:   cfg.Anomaly.MinPoints,
		Epsilon:     cfg.Anomaly.Epsilon,
	})

	engine := policy.NewEngine(cfg.Policy.ToPolicy(), policy.WithErrorHandler(handler))
	loader.Watch(func(c *config.Config) {
		engine.SetPolicy(c.Policy.ToPolicy())
	})

	bus := events.NewBus(log.Logger, cfg.Events.BufferSize,
		events.WithValidator(events.NewValidator(cfg.Events.RatePerMinute, cfg.Events.RateBurst, 0)),
		events.WithDeduplicator(events.NewDeduplicator(cfg.Events.DedupWindow)),
	)
	streamSeverity, _ := model.ParseSeverity(cfg.Events.StreamSeverity)
	hub := api.NewHub(log.Logger, streamSeverity)
	bus.Subscribe(hub)

	if cfg.Redis.Enabled {
		sink, err := cache.NewRedisSink(ctx, cache.Options{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			Key:         cfg.Redis.Key,
			MaxAlerts:   cfg.Redis.MaxAlerts,
			TTL:         cfg.Redis.TTL,
			MinSeverity: streamSeverity,
		})
		if err != nil {
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("Redis alert mirror disabled")
		} else {
			defer sink.Close()
			bus.Subscribe(sink)
		}
	}

	// Everything privileged is open by now.
	if err := privilege.Drop(cfg.Privileges.User); err != nil {
		return err
	}

	coord := coordinator.NewCoordinator(log.Logger, source, sensor, store, detector, engine,
		coordinator.WithPublisher(bus),
		coordinator.WithErrorHandler(handler),
	)

	sched := scheduler.NewScheduler()
	sched.Register(coord, cfg.Coordinator.RefreshInterval)
	sched.Register(storage.NewRetentionJob(store, cfg.Storage.Retention, handler), cfg.Storage.CleanupInterval)

	server := api.NewServer(log.Logger, cfg.APIPort, coord, hub)

	g, gctx := errgroup.WithContext(ctx)
	bus.Start(gctx)
	defer bus.Stop()

	g.Go(func() error {
		sched.Start(gctx)
		sched.Wait()
		return nil
	})
	g.Go(func() error {
		return server.ListenAndServe(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down gracefully...")
		return nil
	})

	return g.Wait()
}
