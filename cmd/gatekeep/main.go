// Gatekeep Core - scope versioning and session consistency service.
//
// Gatekeep keeps issued sessions consistent with the permissions they
// were granted under. Every (user, tenant) pair carries a monotonically
// increasing scope version; role or capability changes bump the version,
// emit change events, and push notifications to connected clients so
// stale credentials are refreshed or cut off within a bounded window.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/mwhitby/gatekeep-core/migrations"

	"github.com/mwhitby/gatekeep-core/internal/api"
	"github.com/mwhitby/gatekeep-core/internal/auth"
	"github.com/mwhitby/gatekeep-core/internal/infrastructure/config"
	"github.com/mwhitby/gatekeep-core/internal/infrastructure/database"
	"github.com/mwhitby/gatekeep-core/internal/infrastructure/logging"
	"github.com/mwhitby/gatekeep-core/internal/infrastructure/metrics"
	"github.com/mwhitby/gatekeep-core/internal/infrastructure/mqtt"
	"github.com/mwhitby/gatekeep-core/internal/notify"
	"github.com/mwhitby/gatekeep-core/internal/rbac"
	"github.com/mwhitby/gatekeep-core/internal/reconcile"
	"github.com/mwhitby/gatekeep-core/internal/scope"
	"github.com/mwhitby/gatekeep-core/internal/session"
	"github.com/mwhitby/gatekeep-core/internal/trigger"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Gatekeep Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(database.Config{
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
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Role catalog
	catalog, err := rbac.LoadCatalog(cfg.Scope.RolesFile)
	if err != nil {
		return fmt.Errorf("loading role catalog: %w", err)
	}
	log.Info("role catalog loaded", "path", cfg.Scope.RolesFile, "roles", len(catalog.Names()))

	// Scope versioning core
	memberships := scope.NewMembershipStore(db, catalog)
	versions := scope.NewVersionRepository(db)
	events := scope.NewEventLog(db)
	manager := scope.NewManager(versions, events, memberships, log)

	// Session registry and enforcement
	registry := session.NewRegistry(db)
	enforcer := session.NewEnforcer(registry, manager, cfg.Scope, log)
	authSvc := auth.NewService(cfg.Security.JWT, registry, manager, log)

	// Notification broker: committed change events and invalidations
	// fan out to connected websocket clients.
	broker := notify.NewBroker(events, cfg.WebSocket, log)
	manager.AddNotifier(broker)
	enforcer.AddNotifier(broker)

	// Metrics (optional)
	var metricsClient *metrics.Client
	if cfg.Metrics.Enabled {
		metricsClient, err = metrics.Connect(cfg.Metrics)
		if err != nil {
			return fmt.Errorf("connecting to metrics backend: %w", err)
		}
		defer func() {
			log.Info("closing metrics connection")
			if closeErr := metricsClient.Close(); closeErr != nil {
				log.Error("error closing metrics", "error", closeErr)
			}
		}()
		metricsClient.SetOnError(func(err error) {
			log.Error("metrics write error", "error", err)
		})
		log.Info("metrics connected", "url", cfg.Metrics.URL)
	} else {
		log.Info("metrics disabled")
	}

	// MQTT trigger bridge (optional): external admin tooling publishes
	// recompute triggers, and committed events are mirrored to topics.
	if cfg.MQTT.Enabled {
		mqttClient, mqttErr := mqtt.Connect(cfg.MQTT)
		if mqttErr != nil {
			return fmt.Errorf("connecting to MQTT: %w", mqttErr)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})

		bridge := trigger.New(mqttClient, manager, byte(cfg.MQTT.QoS), log)
		if startErr := bridge.Start(); startErr != nil {
			return fmt.Errorf("starting trigger bridge: %w", startErr)
		}
		defer bridge.Stop()
		manager.AddNotifier(bridge)
		enforcer.AddNotifier(bridge)
		log.Info("MQTT trigger bridge started",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		)
	} else {
		log.Info("MQTT trigger bridge disabled")
	}

	// Background reconciler: repairs missed recomputes, retries
	// undelivered events, expires sessions, prunes the event log.
	reconciler := reconcile.New(manager, registry, events, cfg.Scope, log)
	go reconciler.Run(ctx)
	log.Info("reconciler started",
		"interval", cfg.Scope.ReconciliationInterval,
		"recency_window_minutes", cfg.Scope.RecencyWindow,
	)

	// HTTP API and websocket endpoint
	server, err := api.New(api.Deps{
		Config:      cfg.API,
		WS:          cfg.WebSocket,
		Logger:      log,
		DB:          db,
		Auth:        authSvc,
		Enforcer:    enforcer,
		Registry:    registry,
		Scopes:      manager,
		Memberships: memberships,
		Events:      events,
		Broker:      broker,
		Metrics:     metricsClient,
		Version:     version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")
	log.Info("Gatekeep Core stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses GATEKEEP_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("GATEKEEP_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
