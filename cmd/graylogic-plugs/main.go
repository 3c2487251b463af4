// Gray Logic Plugs - smart plug discovery and scheduling service
//
// This is the main entry point for the plug service. It discovers plugs on
// the local network, keeps each scheduled plug in its expected state, and
// exposes the plugs over MQTT and an HTTP/WebSocket API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/nerrad567/gray-logic-plugs/migrations"

	"github.com/nerrad567/gray-logic-plugs/internal/api"
	"github.com/nerrad567/gray-logic-plugs/internal/audit"
	"github.com/nerrad567/gray-logic-plugs/internal/bridges/plug"
	"github.com/nerrad567/gray-logic-plugs/internal/control"
	"github.com/nerrad567/gray-logic-plugs/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-plugs/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-plugs/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-plugs/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-plugs/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-plugs/internal/metadata"
	"github.com/nerrad567/gray-logic-plugs/internal/schedule"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := dispatch(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// dispatch runs the service, or the maintenance command named in args.
func dispatch(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return run(ctx)
	}
	switch args[0] {
	case "migrate-down":
		return migrateDown(ctx)
	default:
		return fmt.Errorf("unknown command %q (want migrate-down or no arguments)", args[0])
	}
}

// migrateDown rolls back the most recently applied schema migration
// using the service's configuration, then reports what is left.
func migrateDown(ctx context.Context) error {
	if envErr := config.LoadEnvFile(config.DefaultEnvFile); envErr != nil {
		return envErr
	}
	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log := logging.New(cfg.Logging, version)

	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close() //nolint:errcheck // Read-only after the rollback

	if downErr := db.MigrateDown(ctx); downErr != nil {
		return fmt.Errorf("rolling back migration: %w", downErr)
	}
	applied, pending, err := db.GetMigrationStatus(ctx)
	if err != nil {
		return fmt.Errorf("reading migration status: %w", err)
	}
	log.Info("migration rolled back", "applied", len(applied), "pending", len(pending))
	return nil
}

// run is the application logic, separated from main for testability.
//
// Shutdown runs through the deferred calls in reverse start order, so the
// surfaces stop before the engine and the engine before the registry.
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting Gray Logic Plugs",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	if envErr := config.LoadEnvFile(config.DefaultEnvFile); envErr != nil {
		return envErr
	}
	configPath := config.PathFromEnv()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded", "path", configPath, "site", cfg.Site.ID)

	loc, err := cfg.Location()
	if err != nil {
		return fmt.Errorf("loading time zone: %w", err)
	}

	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	store := metadata.NewStore(metadata.NewSQLiteRepository(db.DB), log.Component("metadata"))
	if loadErr := store.Load(ctx); loadErr != nil {
		return fmt.Errorf("loading plug metadata: %w", loadErr)
	}
	log.Info("plug metadata loaded", "plugs", store.Snapshot().Len())

	transport, err := plug.OpenTransport(plug.TransportConfig{
		Interface:    cfg.Network.Interface,
		Port:         cfg.Network.Port,
		LocalAddrTTL: cfg.Network.LocalAddrTTL,
	})
	if err != nil {
		return fmt.Errorf("opening plug transport: %w", err)
	}

	registry := plug.NewRegistry(transport, plug.RegistryConfig{
		Debounce:       cfg.Discovery.Debounce,
		PollInterval:   cfg.Network.ReadPoll,
		SettleInterval: cfg.Schedule.Settle,
	}, log.Component("registry"))

	engine := schedule.NewEngine(registry, schedule.Config{
		DiscoveryInterval: cfg.Discovery.Interval,
		RecheckInterval:   cfg.Schedule.Recheck,
		WakeSlack:         cfg.Schedule.WakeSlack,
		DiscoveryPause:    cfg.Schedule.DiscoveryPause,
		Location:          loc,
	}, log.Component("schedule"))

	svc := control.NewService(registry, engine, store, control.Config{
		StaleAfter: cfg.Discovery.Interval,
		Location:   loc,
	}, log.Component("control"))
	auditRepo := audit.NewSQLiteRepository(db.DB)
	svc.SetAuditor(auditRepo)

	engine.CommitMetadata(store.Snapshot())
	store.OnChange(engine.CommitMetadata)
	store.OnChange(svc.NotifyMetadataChange)
	registry.OnChange(func(plug.Snapshot) { engine.Wake() })
	registry.OnChange(svc.NotifyRegistryChange)

	if startErr := registry.Start(ctx); startErr != nil {
		_ = transport.Close() //nolint:errcheck // Already failing
		return fmt.Errorf("starting plug registry: %w", startErr)
	}
	defer func() {
		if stopErr := registry.Stop(); stopErr != nil {
			log.Error("error stopping plug registry", "error", stopErr)
		}
	}()

	go func() {
		if watchErr := registry.WatchNetwork(ctx); watchErr != nil {
			log.Warn("network change feed unavailable, relying on address cache expiry", "error", watchErr)
		}
	}()

	if startErr := engine.Start(ctx); startErr != nil {
		return fmt.Errorf("starting schedule engine: %w", startErr)
	}
	defer engine.Stop()

	checks := map[string]api.HealthChecker{"database": db}

	if cfg.MQTT.Enabled {
		mqttClient, closeMQTT, mqttErr := startMQTT(cfg, svc, log)
		if mqttErr != nil {
			return mqttErr
		}
		defer closeMQTT()
		checks["mqtt"] = mqttClient
	} else {
		log.Info("MQTT disabled")
	}

	if cfg.InfluxDB.Enabled {
		influxClient, closeInflux, influxErr := startInfluxDB(cfg, svc, log)
		if influxErr != nil {
			return influxErr
		}
		defer closeInflux()
		checks["influxdb"] = influxClient
	} else {
		log.Info("InfluxDB disabled")
	}

	if cfg.API.Enabled {
		srv, apiErr := api.New(api.Deps{
			Config:  cfg.API,
			WS:      cfg.WebSocket,
			Logger:  log.Component("api"),
			Service: svc,
			Version: version,
			Audit:   auditRepo,
			Checks:  checks,
		})
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if startErr := srv.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("API disabled")
	}

	svc.Start(ctx)
	defer svc.Close()

	log.Info("initialisation complete, waiting for shutdown signal")

	// SIGHUP forces an address refresh and a fresh discovery, for hosts
	// where the netlink feed is unavailable.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			log.Info("shutdown signal received, cleaning up", "registry", registry.Stats())
			return nil
		case <-registry.Done():
			if regErr := registry.Err(); regErr != nil {
				return fmt.Errorf("plug registry stopped: %w", regErr)
			}
			return nil
		case <-hup:
			log.Info("SIGHUP received, refreshing network addresses")
			registry.NetworkChanged()
			if discErr := svc.Rediscover(control.WithSource(ctx, "signal")); discErr != nil {
				log.Warn("rediscovery after SIGHUP failed", "error", discErr)
			}
		}
	}
}

// startMQTT connects to the broker and exposes svc on it.
//
// Returns:
//   - *mqtt.Client: The connected client, for health checks
//   - func(): Disconnects from the broker
//   - error: If the connection or subscriptions fail
func startMQTT(cfg *config.Config, svc *control.Service, log *logging.Logger) (*mqtt.Client, func(), error) {
	client, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to MQTT: %w", err)
	}
	mqttLog := log.Component("mqtt")
	client.SetLogger(mqttLog)
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	surface := control.NewMQTTSurface(svc, client, mqttLog)
	if err := surface.Start(); err != nil {
		_ = client.Close() //nolint:errcheck // Already failing
		return nil, nil, fmt.Errorf("starting MQTT surface: %w", err)
	}
	log.Info("MQTT surface ready", "subscriptions", client.SubscriptionCount())

	// Retained state may have been lost while disconnected.
	client.SetOnConnect(func() {
		log.Info("MQTT reconnected")
		surface.ResetPublished()
	})
	client.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	return client, func() {
		log.Info("disconnecting from MQTT")
		if stopErr := surface.Stop(); stopErr != nil {
			log.Warn("error dropping MQTT subscriptions", "error", stopErr)
		}
		if closeErr := client.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}, nil
}

// startInfluxDB connects to InfluxDB and records plug state on every change.
func startInfluxDB(cfg *config.Config, svc *control.Service, log *logging.Logger) (*influxdb.Client, func(), error) {
	client, err := influxdb.Connect(cfg.InfluxDB)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to InfluxDB: %w", err)
	}
	client.SetOnError(func(err error) {
		log.Error("InfluxDB write error", "error", err)
	})
	log.Info("InfluxDB connected",
		"url", cfg.InfluxDB.URL,
		"org", cfg.InfluxDB.Org,
		"bucket", cfg.InfluxDB.Bucket,
	)

	svc.Subscribe(control.NewTelemetrySink(client).Record)

	return client, func() {
		log.Info("closing InfluxDB connection")
		if closeErr := client.Close(); closeErr != nil {
			log.Error("error closing InfluxDB", "error", closeErr)
		}
	}, nil
}
