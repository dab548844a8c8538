package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for Hub Mirror.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Hub       HubConfig       `yaml:"hub"`
	Sync      SyncConfig      `yaml:"sync"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Database  DatabaseConfig  `yaml:"database"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// HubConfig describes the upstream hub the mirror replicates from.
type HubConfig struct {
	// BaseURL is the hub's HTTP root, e.g. "http://hub.local:8080".
	// The push channel is derived from it (http -> ws, https -> wss).
	BaseURL string `yaml:"base_url"`

	// Token is an optional bearer token sent on every hub request.
	Token string `yaml:"token"`

	// WSPath is the push channel endpoint on the hub.
	WSPath string `yaml:"ws_path"`

	// ConnectTimeout bounds the WebSocket handshake (seconds).
	ConnectTimeout int `yaml:"connect_timeout"`
}

// SyncConfig groups the replication behaviour knobs.
type SyncConfig struct {
	Poll      PollConfig      `yaml:"poll"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Write     WriteConfig     `yaml:"write"`
}

// PollConfig contains snapshot polling settings.
type PollConfig struct {
	// IntervalConnected is the poll cadence while the push channel is
	// connected (seconds). Polling is a safety net in this mode.
	IntervalConnected int `yaml:"interval_connected"`

	// IntervalDegraded is the poll cadence while the push channel is
	// anything but connected (seconds). Polling carries the sync alone.
	IntervalDegraded int `yaml:"interval_degraded"`

	// FetchTimeout bounds a single snapshot fetch (seconds).
	FetchTimeout int `yaml:"fetch_timeout"`
}

// ReconnectConfig contains push channel reconnection settings.
type ReconnectConfig struct {
	// InitialDelay is the first backoff step (seconds).
	InitialDelay int `yaml:"initial_delay"`

	// MaxDelay caps the exponential backoff (seconds).
	MaxDelay int `yaml:"max_delay"`

	// MaxAttempts is the consecutive-failure count after which the
	// stream drops to the long retry cadence.
	MaxAttempts int `yaml:"max_attempts"`

	// LongRetryInterval is the fixed cadence once MaxAttempts is
	// exceeded (seconds).
	LongRetryInterval int `yaml:"long_retry_interval"`
}

// WriteConfig contains optimistic write settings.
type WriteConfig struct {
	// DebounceMillis is the quiet period for continuous properties
	// (sliders) before a coalesced write is flushed to the hub.
	DebounceMillis int `yaml:"debounce_ms"`

	// Timeout bounds a single hub write request (seconds).
	Timeout int `yaml:"timeout"`
}

// APIConfig contains the local HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Token    string           `yaml:"token"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// WebSocketConfig contains the local WebSocket re-serve settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	WriteTimeout   int `yaml:"write_timeout"`

	// TicketTTL is the lifetime of a WebSocket upgrade ticket (seconds).
	TicketTTL int `yaml:"ticket_ttl"`
}

// MQTTConfig contains the optional local MQTT fanout settings.
type MQTTConfig struct {
	Enabled     bool                `yaml:"enabled"`
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`
	QoS         int                 `yaml:"qos"`
	TopicPrefix string              `yaml:"topic_prefix"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains broker reconnection tuning.
type MQTTReconnectConfig struct {
	// InitialDelay is the first retry step (seconds).
	InitialDelay int `yaml:"initial_delay"`

	// MaxDelay caps the reconnect backoff (seconds).
	MaxDelay int `yaml:"max_delay"`
}

// DatabaseConfig contains SQLite replica cache settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: HUBMIRROR_SECTION_KEY
// For example: HUBMIRROR_HUB_URL, HUBMIRROR_DATABASE_PATH
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	// Start with defaults
	cfg := defaultConfig()

	// Read and parse YAML file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
//
// The sync defaults encode the replication contract: 2s..30s exponential
// reconnect backoff with a 5-failure threshold and 2 minute long retry;
// 10s polling while degraded, 30s while the push channel carries updates;
// 100ms write debounce.
func defaultConfig() *Config {
	return &Config{
		Hub: HubConfig{
			WSPath:         "/ws",
			ConnectTimeout: 10,
		},
		Sync: SyncConfig{
			Poll: PollConfig{
				IntervalConnected: 30,
				IntervalDegraded:  10,
				FetchTimeout:      10,
			},
			Reconnect: ReconnectConfig{
				InitialDelay:      2,
				MaxDelay:          30,
				MaxAttempts:       5,
				LongRetryInterval: 120,
			},
			Write: WriteConfig{
				DebounceMillis: 100,
				Timeout:        5,
			},
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8090,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			WriteTimeout:   10,
			TicketTTL:      30,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "hubmirror",
			},
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 2,
				MaxDelay:     60,
			},
			QoS:         1,
			TopicPrefix: "hubmirror",
		},
		Database: DatabaseConfig{
			Path:        "./data/hubmirror.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: HUBMIRROR_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Hub
	if v := os.Getenv("HUBMIRROR_HUB_URL"); v != "" {
		cfg.Hub.BaseURL = v
	}
	if v := os.Getenv("HUBMIRROR_HUB_TOKEN"); v != "" {
		cfg.Hub.Token = v
	}

	// Local API
	if v := os.Getenv("HUBMIRROR_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("HUBMIRROR_API_TOKEN"); v != "" {
		cfg.API.Token = v
	}

	// Database
	if v := os.Getenv("HUBMIRROR_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("HUBMIRROR_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("HUBMIRROR_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("HUBMIRROR_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Hub validation
	if c.Hub.BaseURL == "" {
		errs = append(errs, "hub.base_url is required (set HUBMIRROR_HUB_URL environment variable)")
	} else if u, err := url.Parse(c.Hub.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, "hub.base_url must be a valid http or https URL")
	}
	if c.Hub.ConnectTimeout < 1 {
		errs = append(errs, "hub.connect_timeout must be at least 1 second")
	}

	// Sync validation
	if c.Sync.Poll.IntervalConnected < 1 || c.Sync.Poll.IntervalDegraded < 1 {
		errs = append(errs, "sync.poll intervals must be at least 1 second")
	}
	if c.Sync.Reconnect.InitialDelay < 1 {
		errs = append(errs, "sync.reconnect.initial_delay must be at least 1 second")
	}
	if c.Sync.Reconnect.MaxDelay < c.Sync.Reconnect.InitialDelay {
		errs = append(errs, "sync.reconnect.max_delay must be >= initial_delay")
	}
	if c.Sync.Reconnect.MaxAttempts < 1 {
		errs = append(errs, "sync.reconnect.max_attempts must be at least 1")
	}
	if c.Sync.Reconnect.LongRetryInterval < c.Sync.Reconnect.MaxDelay {
		errs = append(errs, "sync.reconnect.long_retry_interval must be >= max_delay")
	}
	if c.Sync.Write.DebounceMillis < 0 {
		errs = append(errs, "sync.write.debounce_ms must not be negative")
	}

	// API validation
	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// The local API token is optional (loopback deployments), but a
	// trivially guessable one is worse than none.
	const minAPITokenLength = 16
	if c.API.Token != "" && len(c.API.Token) < minAPITokenLength {
		errs = append(errs, "api.token must be at least 16 characters when set")
	}

	// WebSocket validation
	if c.WebSocket.TicketTTL < 1 {
		errs = append(errs, "websocket.ticket_ttl must be at least 1 second")
	}

	// MQTT validation (only when the fanout bridge is enabled)
	if c.MQTT.Enabled {
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			errs = append(errs, "mqtt.qos must be 0, 1, or 2")
		}
		if c.MQTT.TopicPrefix == "" {
			errs = append(errs, "mqtt.topic_prefix is required when mqtt is enabled")
		}
		if c.MQTT.Reconnect.InitialDelay < 1 {
			errs = append(errs, "mqtt.reconnect.initial_delay must be at least 1 second")
		}
		if c.MQTT.Reconnect.MaxDelay < c.MQTT.Reconnect.InitialDelay {
			errs = append(errs, "mqtt.reconnect.max_delay must be >= mqtt.reconnect.initial_delay")
		}
	}

	// Database validation
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetConnectTimeout returns the push channel handshake timeout as a Duration.
func (c *HubConfig) GetConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeout) * time.Second
}

// GetIntervalConnected returns the connected-mode poll interval as a Duration.
func (c *PollConfig) GetIntervalConnected() time.Duration {
	return time.Duration(c.IntervalConnected) * time.Second
}

// GetIntervalDegraded returns the degraded-mode poll interval as a Duration.
func (c *PollConfig) GetIntervalDegraded() time.Duration {
	return time.Duration(c.IntervalDegraded) * time.Second
}

// GetFetchTimeout returns the snapshot fetch timeout as a Duration.
func (c *PollConfig) GetFetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeout) * time.Second
}

// GetInitialDelay returns the first backoff step as a Duration.
func (c *ReconnectConfig) GetInitialDelay() time.Duration {
	return time.Duration(c.InitialDelay) * time.Second
}

// GetMaxDelay returns the backoff cap as a Duration.
func (c *ReconnectConfig) GetMaxDelay() time.Duration {
	return time.Duration(c.MaxDelay) * time.Second
}

// GetLongRetryInterval returns the long retry cadence as a Duration.
func (c *ReconnectConfig) GetLongRetryInterval() time.Duration {
	return time.Duration(c.LongRetryInterval) * time.Second
}

// GetDebounce returns the continuous-property quiet period as a Duration.
func (c *WriteConfig) GetDebounce() time.Duration {
	return time.Duration(c.DebounceMillis) * time.Millisecond
}

// GetTimeout returns the hub write timeout as a Duration.
func (c *WriteConfig) GetTimeout() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
