// Hub Mirror - local replica of a remote smart-home hub
//
// This is the main entry point for the mirror. It keeps a local copy of the
// hub's device state synchronised over two channels (websocket push plus
// snapshot polling) and re-serves it to local consumers over HTTP,
// websocket and optionally MQTT, so panels on the local network keep
// working when the link to the hub is slow or down.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/nerrad567/hubmirror/migrations"

	"github.com/nerrad567/hubmirror/internal/api"
	"github.com/nerrad567/hubmirror/internal/bridges/mqttbridge"
	"github.com/nerrad567/hubmirror/internal/device"
	"github.com/nerrad567/hubmirror/internal/hub"
	"github.com/nerrad567/hubmirror/internal/infrastructure/config"
	"github.com/nerrad567/hubmirror/internal/infrastructure/database"
	"github.com/nerrad567/hubmirror/internal/infrastructure/logging"
	"github.com/nerrad567/hubmirror/internal/infrastructure/mqtt"
	"github.com/nerrad567/hubmirror/internal/mirror"
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
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
//
// The hub being unreachable is not an error here: the mirror starts from
// the cached replica and the sync loops reconnect on their own. Only local
// failures (config, database, a requested MQTT broker) abort startup.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting hub mirror",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
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

	// Run migrations
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Replica store
	store := device.NewStore()
	store.SetLogger(log.Component("store"))
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			log.Error("error closing store", "error", closeErr)
		}
	}()

	// Warm start: serve the last cached snapshot until the first fetch lands
	cache := device.NewSQLiteCache(db.DB)
	if cached, cachedAt, loadErr := cache.Load(ctx); loadErr != nil {
		log.Warn("replica cache unreadable, starting cold", "error", loadErr)
	} else if len(cached) > 0 {
		store.ApplyFullSnapshot(cached)
		log.Info("replica warm start",
			"devices", len(cached),
			"cached_at", cachedAt.Format(time.RFC3339),
		)
	} else {
		log.Info("replica cache empty, starting cold")
	}

	// Persist replica changes write-behind
	cacheWriter := device.NewCacheWriter(store, cache, 0)
	cacheWriter.SetLogger(log.Component("cache"))
	cacheWriter.Start()
	defer func() {
		log.Info("flushing replica cache")
		if closeErr := cacheWriter.Close(); closeErr != nil {
			log.Error("error closing cache writer", "error", closeErr)
		}
	}()

	// Hub REST client
	hubClient, err := hub.NewClient(cfg.Hub)
	if err != nil {
		return fmt.Errorf("creating hub client: %w", err)
	}

	// Optimistic write coordinator
	writer, err := mirror.NewWriter(mirror.WriterDeps{
		Hub:    hubClient,
		Store:  store,
		Config: cfg.Sync.Write,
		Logger: log.Component("writer"),
	})
	if err != nil {
		return fmt.Errorf("creating write coordinator: %w", err)
	}
	defer func() {
		log.Info("stopping write coordinator")
		if closeErr := writer.Close(); closeErr != nil {
			log.Error("error closing write coordinator", "error", closeErr)
		}
	}()

	// Snapshot poll loop, gated on pending writes
	poller, err := mirror.NewPoller(mirror.PollerDeps{
		Source:  hubClient,
		Sink:    store,
		Config:  cfg.Sync.Poll,
		Pending: writer,
		Logger:  log.Component("poller"),
	})
	if err != nil {
		return fmt.Errorf("creating poller: %w", err)
	}
	defer func() {
		if closeErr := poller.Close(); closeErr != nil {
			log.Error("error closing poller", "error", closeErr)
		}
	}()

	// A failed hub write leaves local state suspect; the poller heals it
	writer.SetResyncer(poller)

	// Push channel
	stream := hub.NewStream(hub.StreamConfig{
		URL:               hubClient.StreamURL(),
		Token:             cfg.Hub.Token,
		ConnectTimeout:    cfg.Hub.GetConnectTimeout(),
		InitialDelay:      cfg.Sync.Reconnect.GetInitialDelay(),
		MaxDelay:          cfg.Sync.Reconnect.GetMaxDelay(),
		MaxAttempts:       cfg.Sync.Reconnect.MaxAttempts,
		LongRetryInterval: cfg.Sync.Reconnect.GetLongRetryInterval(),
	}, store)
	stream.SetLogger(log.Component("stream"))
	stream.SetOnStateChange(func(from, to hub.ConnState) {
		log.Info("push channel state", "from", string(from), "to", string(to))
		poller.SetDegraded(to != hub.StateConnected)
		if to == hub.StateConnected && from != hub.StateConnected {
			// Frames lost while disconnected are never replayed; fetch now
			poller.Resync()
		}
	})
	defer func() {
		log.Info("closing push channel")
		if closeErr := stream.Close(); closeErr != nil {
			log.Error("error closing push channel", "error", closeErr)
		}
	}()

	// The push channel starts disconnected, so poll at the fast cadence
	// until the first connect.
	poller.SetDegraded(true)

	if startErr := poller.Start(); startErr != nil {
		return fmt.Errorf("starting poller: %w", startErr)
	}
	if connectErr := stream.Connect(); connectErr != nil {
		return fmt.Errorf("connecting push channel: %w", connectErr)
	}

	// Local API
	apiServer, err := api.New(api.Deps{
		Config:   cfg.API,
		WS:       cfg.WebSocket,
		Logger:   log.Component("api"),
		Store:    store,
		Writer:   writer,
		Poller:   poller,
		Stream:   stream,
		Upstream: hubClient,
		Version:  version,
	})
	if err != nil {
		return fmt.Errorf("creating api server: %w", err)
	}
	if startErr := apiServer.Start(ctx); startErr != nil {
		return fmt.Errorf("starting api server: %w", startErr)
	}
	defer func() {
		if closeErr := apiServer.Close(); closeErr != nil {
			log.Error("error closing api server", "error", closeErr)
		}
	}()

	// Optional MQTT fanout
	if cfg.MQTT.Enabled {
		mqttClient, connectErr := mqtt.Connect(cfg.MQTT)
		if connectErr != nil {
			return fmt.Errorf("connecting to MQTT: %w", connectErr)
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

		mqttClient.SetLogger(log.Component("mqtt"))
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})

		bridge, bridgeErr := mqttbridge.New(mqttbridge.Deps{
			Broker: mqttClient,
			Topics: mqtt.Topics{Prefix: cfg.MQTT.TopicPrefix},
			Store:  store,
			Writer: writer,
			QoS:    byte(cfg.MQTT.QoS),
			Logger: log.Component("mqttbridge"),
		})
		if bridgeErr != nil {
			return fmt.Errorf("creating MQTT bridge: %w", bridgeErr)
		}
		if startErr := bridge.Start(); startErr != nil {
			return fmt.Errorf("starting MQTT bridge: %w", startErr)
		}
		defer bridge.Close()
	} else {
		log.Info("MQTT fanout disabled")
	}

	// The hub may legitimately be unreachable right now; note it and let
	// the sync loops keep retrying.
	healthCtx, healthCancel := context.WithTimeout(ctx, 5*time.Second)
	if healthErr := hubClient.Health(healthCtx); healthErr != nil {
		log.Warn("hub not reachable at startup, serving cached replica", "error", healthErr)
	} else {
		log.Info("hub reachable")
	}
	healthCancel()

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls unwind in reverse order: MQTT bridge, API,
	// push channel, poller, writer, cache flush, store, database.

	log.Info("hub mirror stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses HUBMIRROR_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("HUBMIRROR_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
