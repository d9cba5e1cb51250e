// maxculd - MAX! heating gateway daemon
//
// This is the main entry point for the maxcul-core gateway. It drives
// eQ-3 MAX! heating devices (radiator thermostats, wall thermostats,
// shutter contacts, push buttons) through a CUL transceiver stick:
//   - Offline-first operation (no cloud, no vendor portal)
//   - MQTT bridge for home-automation frontends
//   - HTTP API with JWT auth and WebSocket event streaming
//   - Optional InfluxDB state history for dashboards
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/nerrad567/maxcul-core/migrations"

	"github.com/nerrad567/maxcul-core/internal/api"
	"github.com/nerrad567/maxcul-core/internal/audit"
	mqttbridge "github.com/nerrad567/maxcul-core/internal/bridges/mqtt"
	"github.com/nerrad567/maxcul-core/internal/bus"
	"github.com/nerrad567/maxcul-core/internal/cul"
	"github.com/nerrad567/maxcul-core/internal/device"
	"github.com/nerrad567/maxcul-core/internal/infrastructure/config"
	"github.com/nerrad567/maxcul-core/internal/infrastructure/database"
	"github.com/nerrad567/maxcul-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/maxcul-core/internal/infrastructure/logging"
	"github.com/nerrad567/maxcul-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/maxcul-core/internal/maxcul"
	"github.com/nerrad567/maxcul-core/internal/moritz"
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
	configFlag := flag.String("config", "", "path to config file (overrides MAXCUL_CONFIG)")
	versionFlag := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("maxculd %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if *configFlag != "" {
		os.Setenv("MAXCUL_CONFIG", *configFlag)
	}

	// Cancel on interrupt signals (Ctrl+C, SIGTERM) for graceful shutdown.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting maxculd",
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

	// Initialise device registry
	deviceRepo := device.NewSQLiteRepository(db.DB)
	registry := device.NewRegistry(deviceRepo)
	registry.SetLogger(log)
	if loadErr := registry.Load(ctx); loadErr != nil {
		return fmt.Errorf("loading device registry: %w", loadErr)
	}
	log.Info("device registry initialised", "devices", registry.Count())

	history := device.NewSQLiteStateHistory(db.DB, cfg.History.MaxRowsPerDevice)
	auditLog := audit.NewSQLiteRepository(db.DB)

	// Open the transceiver
	gwAddr, err := moritz.ParseAddr(cfg.Radio.Address)
	if err != nil {
		return fmt.Errorf("parsing radio address: %w", err)
	}

	link, err := cul.Open(cul.Config{
		Device:               cfg.Serial.Device,
		Baud:                 cfg.Serial.Baud,
		Address:              gwAddr,
		AckTimeout:           cfg.GetAckTimeout(),
		MaxRetries:           cfg.Radio.MaxRetries,
		BackoffInitial:       cfg.GetBackoffInitialDelay(),
		BackoffMax:           cfg.GetBackoffMaxDelay(),
		ReconnectInitial:     time.Duration(cfg.Serial.Reconnect.InitialDelay) * time.Second,
		ReconnectMax:         time.Duration(cfg.Serial.Reconnect.MaxDelay) * time.Second,
		ReconnectMaxAttempts: cfg.Serial.Reconnect.MaxAttempts,
		MaxCredit:            cfg.Radio.DutyCycle.MaxCredit,
		EnforceDutyCycle:     cfg.Radio.DutyCycle.Enforce,
	})
	if err != nil {
		return fmt.Errorf("opening transceiver: %w", err)
	}
	link.SetLogger(log)
	defer func() {
		log.Info("closing transceiver")
		if closeErr := link.Close(); closeErr != nil {
			log.Error("error closing transceiver", "error", closeErr)
		}
	}()
	log.Info("transceiver opened",
		"device", cfg.Serial.Device,
		"address", gwAddr,
	)

	// Start the radio driver. The connection owns the bus and closes
	// it on Stop.
	conn, err := maxcul.New(maxcul.Options{
		Link:          link,
		Registry:      registry,
		Bus:           bus.New(0),
		History:       history,
		Address:       gwAddr,
		TimeResponder: cfg.Radio.TimeResponder,
		Logger:        log,
	})
	if err != nil {
		return fmt.Errorf("creating radio driver: %w", err)
	}
	if startErr := conn.Start(ctx); startErr != nil {
		return fmt.Errorf("starting radio driver: %w", startErr)
	}
	defer func() {
		log.Info("stopping radio driver")
		conn.Stop()
	}()
	log.Info("radio driver started", "time_responder", cfg.Radio.TimeResponder)

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})

		stopRecorder := startStateRecorder(conn, registry, influxClient)
		defer stopRecorder()

		stopSampler := startLinkStatsSampler(ctx, link, influxClient, cfg.Gateway.ID)
		defer stopSampler()
	} else {
		log.Info("InfluxDB disabled")
	}

	// Connect to MQTT and start the bridge (optional)
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
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})

		bridge, bridgeErr := mqttbridge.New(mqttbridge.Options{
			Broker:   mqttClient,
			Driver:   conn,
			Registry: registry,
			Audit:    auditLog,
			QoS:      byte(cfg.MQTT.QoS),
			Logger:   log,
		})
		if bridgeErr != nil {
			return fmt.Errorf("creating MQTT bridge: %w", bridgeErr)
		}
		if startErr := bridge.Start(ctx); startErr != nil {
			return fmt.Errorf("starting MQTT bridge: %w", startErr)
		}
		defer func() {
			log.Info("stopping MQTT bridge")
			bridge.Stop()
		}()
		log.Info("MQTT bridge started", "topic_prefix", cfg.MQTT.TopicPrefix)

		if healthErr := mqttClient.HealthCheck(ctx); healthErr != nil {
			return fmt.Errorf("mqtt health check: %w", healthErr)
		}
	} else {
		log.Info("MQTT bridge disabled")
	}

	// Start HTTP API (optional)
	if cfg.API.Enabled {
		server, apiErr := api.New(api.Deps{
			Config:         cfg.API,
			WS:             cfg.WebSocket,
			Security:       cfg.Security,
			GatewayID:      cfg.Gateway.ID,
			Logger:         log,
			Registry:       registry,
			Driver:         conn,
			Audit:          auditLog,
			History:        history,
			PairingDefault: cfg.GetPairingDuration(),
			Version:        version,
		})
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if startErr := server.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			log.Info("stopping API server")
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
		log.Info("API server started",
			"host", cfg.API.Host,
			"port", cfg.API.Port,
			"tls", cfg.API.TLS.Enabled,
		)
	} else {
		log.Info("API server disabled")
	}

	// Verify infrastructure is healthy before declaring ready
	if err := healthCheck(ctx, db, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred calls unwind in reverse order: API, bridge/MQTT,
	// InfluxDB recorder, radio driver, transceiver, database.

	log.Info("maxculd stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses MAXCUL_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("MAXCUL_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies infrastructure connections are healthy.
// influxClient may be nil when disabled.
func healthCheck(ctx context.Context, db *database.DB, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}

// startStateRecorder subscribes to the update bus and feeds applied
// device state into InfluxDB. Returns a function that stops the
// recorder; closing the subscription ends the goroutine.
func startStateRecorder(conn *maxcul.Connection, registry *device.Registry, influx *influxdb.Client) func() {
	sub := conn.SubscribeAll()
	go func() {
		for u := range sub.Updates() {
			recordUpdate(registry, influx, u)
		}
	}()
	return sub.Close
}

// linkStatsInterval is how often transceiver counters are sampled into
// InfluxDB.
const linkStatsInterval = time.Minute

// startLinkStatsSampler periodically writes transceiver counters and the
// remaining duty-cycle credit as link_stats points. Returns a function
// that stops the sampler.
func startLinkStatsSampler(ctx context.Context, link *cul.Link, influx *influxdb.Client, gatewayID string) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(linkStatsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				s := link.Stats()
				influx.WritePoint("link_stats",
					map[string]string{"gateway": gatewayID},
					map[string]interface{}{
						"credit":             s.CreditRemaining,
						"frames_tx":          s.FramesTx,
						"frames_rx":          s.FramesRx,
						"acks":               s.AcksReceived,
						"retries":            s.Retries,
						"duty_cycle_rejects": s.DutyCycleRejects,
						"reconnects":         s.Reconnects,
						"connected":          s.Connected,
					})
			}
		}
	}()
	return func() { close(done) }
}

// recordUpdate maps one bus update onto an InfluxDB measurement.
// Pairing events carry no state and are skipped.
func recordUpdate(registry *device.Registry, influx *influxdb.Client, u bus.Update) {
	var name string
	if dev, err := registry.Snapshot(u.Addr); err == nil {
		name = dev.Name
	}

	switch u.Kind {
	case bus.KindThermostatState, bus.KindWallThermostatState:
		var mode string
		if u.Mode != nil {
			mode = u.Mode.String()
		}
		influx.WriteThermostatState(u.Addr.String(), name, mode,
			u.MeasuredTemp, u.DesiredTemp, u.BatteryLow, u.RSSI, u.At)
	case bus.KindShutterContact, bus.KindPushButton:
		influx.WriteContactState(u.Addr.String(), name, string(u.Kind),
			u.ContactOpen, u.ButtonPressed, u.BatteryLow, u.RSSI, u.At)
	}
}
