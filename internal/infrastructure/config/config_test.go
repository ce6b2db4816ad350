package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	content := `
hub:
  chip_id: "hub-test"
  user_email: "owner@example.com"
  timezone: "Europe/London"
backend:
  url: "http://backend:8000/api"
  ws_url: "ws://backend:8000/api"
mqtt:
  broker:
    host: "broker"
    port: 1884
  base_topic: "z2m"
automation:
  snapshot_path: "/tmp/automations.json"
  max_depth: 8
database:
  path: "/tmp/test.db"
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Hub.ChipID != "hub-test" {
		t.Errorf("Hub.ChipID = %q, want %q", cfg.Hub.ChipID, "hub-test")
	}
	if cfg.Backend.URL != "http://backend:8000/api" {
		t.Errorf("Backend.URL = %q", cfg.Backend.URL)
	}
	if cfg.MQTT.Broker.Host != "broker" || cfg.MQTT.Broker.Port != 1884 || cfg.MQTT.BaseTopic != "z2m" {
		t.Errorf("MQTT = %+v", cfg.MQTT)
	}
	if cfg.Automation.MaxDepth != 8 {
		t.Errorf("Automation.MaxDepth = %d, want 8", cfg.Automation.MaxDepth)
	}
	// Unset keys keep their defaults.
	if !cfg.Automation.TickEnabled || cfg.Backend.HeartbeatInterval != 30 {
		t.Error("defaults were not preserved for unset keys")
	}
	if cfg.Location().String() != "Europe/London" {
		t.Errorf("Location() = %v", cfg.Location())
	}
}

func TestLoad_EmptyPathUsesDefaultsAndEnv(t *testing.T) {
	t.Setenv("HUBAGENT_USER_EMAIL", "env@example.com")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Hub.UserEmail != "env@example.com" {
		t.Errorf("Hub.UserEmail = %q", cfg.Hub.UserEmail)
	}
	if !strings.HasPrefix(cfg.Hub.ChipID, "hub-") {
		t.Errorf("generated ChipID = %q, want hub- prefix", cfg.Hub.ChipID)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "invalid: [yaml: content"))
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	content := `
backend:
  enabled: true
hub:
  user_email: ""
`
	_, err := Load(writeConfig(t, content))
	if err == nil || !strings.Contains(err.Error(), "user_email") {
		t.Errorf("Load() error = %v, want user_email validation error", err)
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("HUBAGENT_TEST_DOTENV=from-file\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("HUBAGENT_TEST_DOTENV", "")
	os.Unsetenv("HUBAGENT_TEST_DOTENV")

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv() error = %v", err)
	}
	if got := os.Getenv("HUBAGENT_TEST_DOTENV"); got != "from-file" {
		t.Errorf("HUBAGENT_TEST_DOTENV = %q, want from-file", got)
	}

	if err := LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Errorf("missing .env should not be an error: %v", err)
	}
}

func validConfig() *Config {
	cfg := defaultConfig()
	cfg.Hub.ChipID = "hub-1"
	cfg.Hub.UserEmail = "owner@example.com"
	return cfg
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid config", func(*Config) {}, false},
		{"missing chip ID", func(c *Config) { c.Hub.ChipID = "" }, true},
		{"unknown timezone", func(c *Config) { c.Hub.Timezone = "Mars/Olympus" }, true},
		{"backend without email", func(c *Config) { c.Hub.UserEmail = "" }, true},
		{"backend disabled without email", func(c *Config) {
			c.Backend.Enabled = false
			c.Hub.UserEmail = ""
		}, false},
		{"backend without urls", func(c *Config) { c.Backend.WSURL = "" }, true},
		{"invalid QoS", func(c *Config) { c.MQTT.QoS = 3 }, true},
		{"invalid port", func(c *Config) { c.MQTT.Broker.Port = 70000 }, true},
		{"wildcard base topic", func(c *Config) { c.MQTT.BaseTopic = "zigbee2mqtt/#" }, true},
		{"zero max depth", func(c *Config) { c.Automation.MaxDepth = 0 }, true},
		{"missing snapshot path", func(c *Config) { c.Automation.SnapshotPath = "" }, true},
		{"database without path", func(c *Config) { c.Database.Path = "" }, true},
		{"database disabled without path", func(c *Config) {
			c.Database.Enabled = false
			c.Database.Path = ""
		}, false},
		{"influxdb without bucket", func(c *Config) {
			c.InfluxDB.Enabled = true
			c.InfluxDB.URL = "http://influx:8086"
		}, true},
		{"api port out of range", func(c *Config) { c.API.Port = 0 }, true},
		{"api disabled ignores port", func(c *Config) {
			c.API.Enabled = false
			c.API.Port = 0
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_GetDurations(t *testing.T) {
	cfg := &Config{
		Backend:  BackendConfig{HeartbeatInterval: 15, ReconnectDelay: 5},
		Database: DatabaseConfig{HistoryRetentionDays: 2},
	}

	if got := cfg.GetHeartbeatInterval(); got != 15*time.Second {
		t.Errorf("GetHeartbeatInterval() = %v, want 15s", got)
	}
	if got := cfg.GetReconnectDelay(); got != 5*time.Second {
		t.Errorf("GetReconnectDelay() = %v, want 5s", got)
	}
	if got := cfg.GetHistoryRetention(); got != 48*time.Hour {
		t.Errorf("GetHistoryRetention() = %v, want 48h", got)
	}
	if cfg.Location() != time.Local {
		t.Error("empty timezone should mean time.Local")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := defaultConfig()

	t.Setenv("HUBAGENT_CHIP_ID", "chip-42")
	t.Setenv("HUBAGENT_USER_EMAIL", "env@example.com")
	t.Setenv("HUBAGENT_BACKEND_URL", "http://api.example.com")
	t.Setenv("HUBAGENT_BACKEND_ENABLED", "false")
	t.Setenv("HUBAGENT_MQTT_HOST", "mqtt.example.com")
	t.Setenv("HUBAGENT_MQTT_PORT", "8883")
	t.Setenv("HUBAGENT_MQTT_USERNAME", "testuser")
	t.Setenv("HUBAGENT_MQTT_PASSWORD", "testpass")
	t.Setenv("HUBAGENT_DATABASE_PATH", "/custom/path.db")
	t.Setenv("HUBAGENT_INFLUXDB_TOKEN", "secret-token")
	t.Setenv("HUBAGENT_SNAPSHOT_PATH", "/custom/rules.json")
	t.Setenv("HUBAGENT_API_PORT", "9000")

	if err := applyEnvOverrides(cfg); err != nil {
		t.Fatalf("applyEnvOverrides() error = %v", err)
	}

	checks := []struct {
		name, got, want string
	}{
		{"Hub.ChipID", cfg.Hub.ChipID, "chip-42"},
		{"Hub.UserEmail", cfg.Hub.UserEmail, "env@example.com"},
		{"Backend.URL", cfg.Backend.URL, "http://api.example.com"},
		{"MQTT.Broker.Host", cfg.MQTT.Broker.Host, "mqtt.example.com"},
		{"MQTT.Auth.Username", cfg.MQTT.Auth.Username, "testuser"},
		{"MQTT.Auth.Password", cfg.MQTT.Auth.Password, "testpass"},
		{"Database.Path", cfg.Database.Path, "/custom/path.db"},
		{"InfluxDB.Token", cfg.InfluxDB.Token, "secret-token"},
		{"Automation.SnapshotPath", cfg.Automation.SnapshotPath, "/custom/rules.json"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %q, want %q", c.name, c.got, c.want)
		}
	}
	if cfg.MQTT.Broker.Port != 8883 {
		t.Errorf("MQTT.Broker.Port = %d, want 8883", cfg.MQTT.Broker.Port)
	}
	if cfg.Backend.Enabled {
		t.Error("Backend.Enabled should be false")
	}
	if cfg.API.Port != 9000 {
		t.Errorf("API.Port = %d, want 9000", cfg.API.Port)
	}
}

func TestApplyEnvOverrides_BadNumber(t *testing.T) {
	t.Setenv("HUBAGENT_MQTT_PORT", "not-a-port")
	if err := applyEnvOverrides(defaultConfig()); err == nil {
		t.Error("expected error for non-numeric port")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.MQTT.Broker.Port != 1883 {
		t.Errorf("defaultConfig MQTT.Broker.Port = %d, want 1883", cfg.MQTT.Broker.Port)
	}
	if cfg.MQTT.BaseTopic != "zigbee2mqtt" {
		t.Errorf("defaultConfig MQTT.BaseTopic = %q", cfg.MQTT.BaseTopic)
	}
	if cfg.Automation.MaxDepth != 16 {
		t.Errorf("defaultConfig Automation.MaxDepth = %d, want 16", cfg.Automation.MaxDepth)
	}
	if cfg.Backend.ReconnectDelay != 5 || cfg.Backend.PendingRetry != 10 || cfg.Backend.RejectedRetry != 30 {
		t.Errorf("defaultConfig Backend = %+v", cfg.Backend)
	}
}
