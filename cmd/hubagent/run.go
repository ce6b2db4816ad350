package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	_ "github.com/nerrad567/gray-logic-hub/migrations"

	"github.com/nerrad567/gray-logic-hub/internal/api"
	"github.com/nerrad567/gray-logic-hub/internal/audit"
	"github.com/nerrad567/gray-logic-hub/internal/automation"
	"github.com/nerrad567/gray-logic-hub/internal/backend"
	"github.com/nerrad567/gray-logic-hub/internal/bridges/zigbee2mqtt"
	"github.com/nerrad567/gray-logic-hub/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-hub/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-hub/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-hub/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-hub/internal/infrastructure/mqtt"
)

// shutdownTimeout bounds how long in-flight rule sequences may take to
// finish after a shutdown signal.
const shutdownTimeout = 10 * time.Second

// loadConfig loads configPath, falling back to defaults and environment
// when the default file is absent.
func loadConfig(configPath string) (*config.Config, error) {
	if configPath == defaultConfigPath {
		if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
			configPath = ""
		}
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// run is the agent, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//   - configPath: YAML configuration file
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context, configPath string) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting hub agent",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"path", configPath,
		"chip_id", cfg.Hub.ChipID,
		"level", cfg.Logging.Level,
	)

	var recorders []automation.RunRecorder

	// Run history (optional)
	var db *database.DB
	if cfg.Database.Enabled {
		db, err = database.Open(ctx, database.Config{
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
	} else {
		log.Info("run history disabled")
	}

	var (
		runRepo   *automation.SQLiteRunRepository
		auditRepo *audit.SQLiteRepository
	)
	if db != nil {
		runRepo = automation.NewSQLiteRunRepository(db.DB)
		auditRepo = audit.NewSQLiteRepository(db.DB)
		recorders = append(recorders, runRepo)
	}

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		recorders = append(recorders, &influxRecorder{client: influxClient})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Connect to MQTT broker
	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log)
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	// The bridge feeds the engine and the engine publishes through the
	// bridge; the sink is bound to the engine before the bridge starts.
	sink := &stateSink{}
	if influxClient != nil {
		sink.influx = influxClient
	}
	bridge, err := zigbee2mqtt.NewBridge(zigbee2mqtt.Options{
		MQTT:      mqttClient,
		BaseTopic: cfg.MQTT.BaseTopic,
		QoS:       byte(cfg.MQTT.QoS),
		Ingester:  sink,
		Logger:    log,
	})
	if err != nil {
		return fmt.Errorf("creating zigbee2mqtt bridge: %w", err)
	}

	engine, err := automation.NewEngine(automation.EngineOptions{
		Publisher: bridge,
		Snapshot:  automation.NewSnapshotStore(cfg.Automation.SnapshotPath),
		Recorders: recorders,
		Location:  cfg.Location(),
		MaxDepth:  cfg.Automation.MaxDepth,
		Logger:    log,
	})
	if err != nil {
		return fmt.Errorf("creating rule engine: %w", err)
	}
	sink.engine = engine
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if closeErr := engine.Close(shutdownCtx); closeErr != nil {
			log.Error("error stopping rule engine", "error", closeErr)
		}
		log.Info("rule engine stopped", "stats", engine.Stats())
	}()

	// Rules work offline from the last known set until the backend answers.
	engine.LoadFromSnapshot()

	if err := bridge.Start(ctx); err != nil {
		return fmt.Errorf("starting zigbee2mqtt bridge: %w", err)
	}
	defer func() {
		log.Info("stopping zigbee2mqtt bridge")
		bridge.Stop()
	}()

	if cfg.Automation.TickEnabled {
		scheduler := automation.NewScheduler(engine, cfg.Location(), log)
		if err := scheduler.Start(); err != nil {
			return fmt.Errorf("starting scheduler: %w", err)
		}
		defer scheduler.Stop()
		log.Info("time trigger scheduler started", "timezone", cfg.Location().String())
	}

	if db != nil && cfg.Database.HistoryRetentionDays > 0 {
		stop, err := startHistoryPruner(ctx, runRepo, auditRepo, cfg, log)
		if err != nil {
			return fmt.Errorf("starting history pruner: %w", err)
		}
		defer stop()
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	// Rule loads and device commands from outside are audited when history
	// is enabled.
	var (
		backendRules backend.RuleLoader     = engine
		apiRules     api.RuleEngine         = engine
		commands     backend.CommandHandler = bridge
	)
	if auditRepo != nil {
		backendRules = &auditedEngine{Engine: engine, audit: auditRepo, source: audit.SourceBackend, log: log}
		apiRules = &auditedEngine{Engine: engine, audit: auditRepo, source: audit.SourceAPI, log: log}
		commands = &auditedCommands{next: bridge, audit: auditRepo, log: log}
	}

	if cfg.API.Enabled {
		deps := api.Deps{
			Config:   cfg.API,
			Logger:   log,
			Engine:   apiRules,
			Location: cfg.Location(),
			Version:  version,
		}
		if db != nil {
			deps.Runs = runRepo
			deps.Audit = auditRepo
		}
		apiServer, err := api.New(deps)
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		if err := apiServer.Start(ctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		defer func() {
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("admin API disabled")
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Backend.Enabled {
		link, err := backend.New(backend.Options{
			URL:               cfg.Backend.URL,
			WSURL:             cfg.Backend.WSURL,
			ServerAddress:     cfg.Backend.ServerAddress,
			UserEmail:         cfg.Hub.UserEmail,
			ChipID:            cfg.Hub.ChipID,
			HeartbeatInterval: cfg.GetHeartbeatInterval(),
			ReconnectDelay:    cfg.GetReconnectDelay(),
			PendingRetry:      seconds(cfg.Backend.PendingRetry),
			RejectedRetry:     seconds(cfg.Backend.RejectedRetry),
			RequestTimeout:    seconds(cfg.Backend.RequestTimeout),
			Rules:             backendRules,
			Commands:          commands,
			Logger:            log,
		})
		if err != nil {
			return fmt.Errorf("creating backend link: %w", err)
		}
		forwardToBackend(bridge, link, log)
		g.Go(func() error { return link.Run(gctx) })
		log.Info("backend link started", "url", cfg.Backend.URL)
	} else {
		log.Info("backend link disabled, running from local snapshot")
	}

	log.Info("initialisation complete, waiting for shutdown signal")

	<-gctx.Done()
	if err := g.Wait(); err != nil {
		return fmt.Errorf("backend link: %w", err)
	}

	log.Info("shutdown signal received, cleaning up")
	return nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// startHistoryPruner prunes old rule runs and audit entries now and then
// once a day.
func startHistoryPruner(ctx context.Context, runs *automation.SQLiteRunRepository, auditLog *audit.SQLiteRepository, cfg *config.Config, log *logging.Logger) (func(), error) {
	retention := cfg.GetHistoryRetention()
	prune := func() {
		cutoff := time.Now().Add(-retention)
		n, err := runs.PruneRuns(ctx, cutoff)
		if err != nil {
			log.Error("pruning rule history failed", "error", err)
		} else if n > 0 {
			log.Info("rule history pruned", "runs", n, "retention", retention)
		}

		n, err = auditLog.Prune(ctx, cutoff)
		if err != nil {
			log.Error("pruning audit log failed", "error", err)
		} else if n > 0 {
			log.Info("audit log pruned", "entries", n, "retention", retention)
		}
	}

	c := cron.New(cron.WithLocation(cfg.Location()))
	if _, err := c.AddFunc("@daily", prune); err != nil {
		return nil, err
	}
	prune()
	c.Start()

	return func() { <-c.Stop().Done() }, nil
}

func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if db != nil {
		if err := db.HealthCheck(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}

	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}
