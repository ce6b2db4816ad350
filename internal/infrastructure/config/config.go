package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the hub agent.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Hub        HubConfig        `yaml:"hub"`
	Backend    BackendConfig    `yaml:"backend"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Automation AutomationConfig `yaml:"automation"`
	Database   DatabaseConfig   `yaml:"database"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	API        APIConfig        `yaml:"api"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// HubConfig identifies this hub to the management backend.
type HubConfig struct {
	// ChipID is the hardware identifier sent at registration.
	// Generated from the start time when not configured.
	ChipID string `yaml:"chip_id"`

	// UserEmail is the account the hub registers under.
	UserEmail string `yaml:"user_email"`

	// Timezone is the IANA zone used for time triggers. Empty means the
	// system local zone.
	Timezone string `yaml:"timezone"`
}

// BackendConfig contains management backend connection settings.
type BackendConfig struct {
	Enabled bool `yaml:"enabled"`

	// URL is the REST base, e.g. "http://localhost:8000/api".
	URL string `yaml:"url"`

	// WSURL is the WebSocket base, e.g. "ws://localhost:8000/api".
	WSURL string `yaml:"ws_url"`

	// ServerAddress is reported to the backend at registration.
	ServerAddress string `yaml:"server_address"`

	HeartbeatInterval int `yaml:"heartbeat_interval"` // seconds
	ReconnectDelay    int `yaml:"reconnect_delay"`    // seconds
	PendingRetry      int `yaml:"pending_retry"`      // seconds
	RejectedRetry     int `yaml:"rejected_retry"`     // seconds
	RequestTimeout    int `yaml:"request_timeout"`    // seconds
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`

	// BaseTopic is the zigbee2mqtt topic prefix.
	BaseTopic string `yaml:"base_topic"`
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

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// AutomationConfig contains rule engine settings.
type AutomationConfig struct {
	// SnapshotPath is the file holding the last received rule set.
	SnapshotPath string `yaml:"snapshot_path"`

	// MaxDepth bounds nesting of if/choose blocks at execution.
	MaxDepth int `yaml:"max_depth"`

	// TickEnabled runs the per-second scheduler for time triggers.
	TickEnabled bool `yaml:"tick_enabled"`
}

// DatabaseConfig contains SQLite run-history settings.
type DatabaseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`

	// HistoryRetentionDays prunes rule runs older than this. 0 keeps all.
	HistoryRetentionDays int `yaml:"history_retention_days"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// APIConfig contains the local admin HTTP server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP server timeouts in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
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
//  2. YAML file values (override defaults), skipped when path is empty
//  3. A .env file in the working directory, if present
//  4. Environment variables (override file values)
//
// Environment variables follow the pattern: HUBAGENT_SECTION_KEY
// For example: HUBAGENT_MQTT_HOST, HUBAGENT_BACKEND_URL
//
// Parameters:
//   - path: Path to the YAML configuration file, or "" for defaults only
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := LoadDotEnv(".env"); err != nil {
		return nil, err
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if cfg.Hub.ChipID == "" {
		cfg.Hub.ChipID = "hub-" + strconv.FormatInt(time.Now().Unix(), 10)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadDotEnv loads KEY=value pairs from path into the process environment.
// Variables already set are left alone. A missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Backend: BackendConfig{
			Enabled:           true,
			URL:               "http://localhost:8000/api",
			WSURL:             "ws://localhost:8000/api",
			ServerAddress:     "http://localhost",
			HeartbeatInterval: 30,
			ReconnectDelay:    5,
			PendingRetry:      10,
			RejectedRetry:     30,
			RequestTimeout:    10,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "hubagent",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
			BaseTopic: "zigbee2mqtt",
		},
		Automation: AutomationConfig{
			SnapshotPath: "./data/automations.json",
			MaxDepth:     16,
			TickEnabled:  true,
		},
		Database: DatabaseConfig{
			Enabled:              true,
			Path:                 "./data/hubagent.db",
			WALMode:              true,
			BusyTimeout:          5,
			HistoryRetentionDays: 30,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		API: APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8099,
			Timeouts: APITimeoutConfig{
				Read:  10,
				Write: 10,
				Idle:  60,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: HUBAGENT_SECTION_KEY
func applyEnvOverrides(cfg *Config) error {
	// Hub
	if v := os.Getenv("HUBAGENT_CHIP_ID"); v != "" {
		cfg.Hub.ChipID = v
	}
	if v := os.Getenv("HUBAGENT_USER_EMAIL"); v != "" {
		cfg.Hub.UserEmail = v
	}
	if v := os.Getenv("HUBAGENT_TIMEZONE"); v != "" {
		cfg.Hub.Timezone = v
	}

	// Backend
	if v := os.Getenv("HUBAGENT_BACKEND_URL"); v != "" {
		cfg.Backend.URL = v
	}
	if v := os.Getenv("HUBAGENT_BACKEND_WS_URL"); v != "" {
		cfg.Backend.WSURL = v
	}
	if v := os.Getenv("HUBAGENT_BACKEND_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parsing HUBAGENT_BACKEND_ENABLED: %w", err)
		}
		cfg.Backend.Enabled = b
	}

	// MQTT
	if v := os.Getenv("HUBAGENT_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("HUBAGENT_MQTT_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing HUBAGENT_MQTT_PORT: %w", err)
		}
		cfg.MQTT.Broker.Port = port
	}
	if v := os.Getenv("HUBAGENT_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("HUBAGENT_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// Automation
	if v := os.Getenv("HUBAGENT_SNAPSHOT_PATH"); v != "" {
		cfg.Automation.SnapshotPath = v
	}

	// Database
	if v := os.Getenv("HUBAGENT_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// InfluxDB
	if v := os.Getenv("HUBAGENT_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// API
	if v := os.Getenv("HUBAGENT_API_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing HUBAGENT_API_PORT: %w", err)
		}
		cfg.API.Port = port
	}

	// Logging
	if v := os.Getenv("HUBAGENT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	return nil
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Hub validation
	if c.Hub.ChipID == "" {
		errs = append(errs, "hub.chip_id is required")
	}
	if c.Hub.Timezone != "" {
		if _, err := time.LoadLocation(c.Hub.Timezone); err != nil {
			errs = append(errs, fmt.Sprintf("hub.timezone %q is not a known zone", c.Hub.Timezone))
		}
	}

	// Backend validation
	if c.Backend.Enabled {
		if c.Backend.URL == "" || c.Backend.WSURL == "" {
			errs = append(errs, "backend.url and backend.ws_url are required when the backend is enabled")
		}
		if c.Hub.UserEmail == "" {
			errs = append(errs, "hub.user_email is required when the backend is enabled (set HUBAGENT_USER_EMAIL)")
		}
		if c.Backend.HeartbeatInterval < 1 {
			errs = append(errs, "backend.heartbeat_interval must be at least 1 second")
		}
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}
	if c.MQTT.BaseTopic == "" || strings.ContainsAny(c.MQTT.BaseTopic, "#+") {
		errs = append(errs, "mqtt.base_topic must be a non-empty topic without wildcards")
	}

	// Automation validation
	if c.Automation.SnapshotPath == "" {
		errs = append(errs, "automation.snapshot_path is required")
	}
	if c.Automation.MaxDepth < 1 {
		errs = append(errs, "automation.max_depth must be at least 1")
	}

	// Database validation
	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required when the database is enabled")
	}

	// InfluxDB validation
	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url and influxdb.bucket are required when influxdb is enabled")
	}

	// API validation
	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// Location returns the time zone for time triggers.
func (c *Config) Location() *time.Location {
	if c.Hub.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Hub.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// GetHeartbeatInterval returns the backend heartbeat interval as a Duration.
func (c *Config) GetHeartbeatInterval() time.Duration {
	return time.Duration(c.Backend.HeartbeatInterval) * time.Second
}

// GetReconnectDelay returns the backend reconnect delay as a Duration.
func (c *Config) GetReconnectDelay() time.Duration {
	return time.Duration(c.Backend.ReconnectDelay) * time.Second
}

// GetHistoryRetention returns how long rule runs are kept, or zero to keep all.
func (c *Config) GetHistoryRetention() time.Duration {
	return time.Duration(c.Database.HistoryRetentionDays) * 24 * time.Hour
}
