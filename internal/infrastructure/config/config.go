package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for mqttsync.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site          SiteConfig      `yaml:"site"`
	Broker        BrokerConfig    `yaml:"broker"`
	Subscriptions []string        `yaml:"subscriptions"`
	Heartbeat     HeartbeatConfig `yaml:"heartbeat"`
	Entities      []EntityConfig  `yaml:"entities"`
	Database      DatabaseConfig  `yaml:"database"`
	InfluxDB      InfluxDBConfig  `yaml:"influxdb"`
	API           APIConfig       `yaml:"api"`
	WebSocket     WebSocketConfig `yaml:"websocket"`
	Logging       LoggingConfig   `yaml:"logging"`
}

// SiteConfig contains site-specific information.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// BrokerConfig contains MQTT broker connection settings.
type BrokerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// ClientIDPrefix is combined with the connect time to form the MQTT
	// client identifier: "<prefix>_<unix-seconds>".
	ClientIDPrefix string `yaml:"client_id_prefix"`

	// Username for MQTT authentication (optional).
	Username string `yaml:"username"`

	// Password for MQTT authentication (optional).
	// WARNING: Never log this value. Use String() method for safe logging.
	Password string `yaml:"password"`

	// ConnectTimeout bounds the TCP dial (seconds).
	// Default: 10 seconds.
	ConnectTimeout int `yaml:"connect_timeout"`

	// KeepAlive is the keep-alive advertised in CONNECT (seconds, 1-65535).
	// Default: 60 seconds.
	KeepAlive int `yaml:"keep_alive"`

	// StatusTopic receives retained "online"/"offline" status messages and
	// is registered as the last will. Empty disables status reporting.
	StatusTopic string `yaml:"status_topic"`
}

// String returns a string representation with password masked.
// Use this for logging to prevent credential exposure.
func (b BrokerConfig) String() string {
	password := ""
	if b.Password != "" {
		password = "[REDACTED]"
	}
	return fmt.Sprintf("BrokerConfig{Host:%q, Port:%d, ClientIDPrefix:%q, Username:%q, Password:%s, KeepAlive:%d}",
		b.Host, b.Port, b.ClientIDPrefix, b.Username, password, b.KeepAlive)
}

// MarshalJSON implements json.Marshaler to redact password in JSON output.
func (b BrokerConfig) MarshalJSON() ([]byte, error) {
	type redacted BrokerConfig
	safe := redacted(b)
	if safe.Password != "" {
		safe.Password = "[REDACTED]"
	}
	return json.Marshal(safe)
}

// Address returns the broker address in host:port form.
func (b BrokerConfig) Address() string {
	return fmt.Sprintf("%s:%d", b.Host, b.Port)
}

// HeartbeatConfig contains the reconnect/keepalive driver settings.
type HeartbeatConfig struct {
	// Interval between heartbeat ticks (seconds).
	// Default: 30 seconds.
	Interval int `yaml:"interval"`

	// StaleAckTicks is how many consecutive ticks a connection may wait
	// for CONNACK before the heartbeat forces a fresh open.
	// Default: 3.
	StaleAckTicks int `yaml:"stale_ack_ticks"`
}

// EntityConfig declares one synchronised entity and its extraction rule.
type EntityConfig struct {
	// ID is the unique entity identifier (e.g., "current_temperature").
	ID string `yaml:"id"`

	// Name is a human-readable label.
	Name string `yaml:"name"`

	// Type is the value type: "numeric" or "string".
	Type string `yaml:"type"`

	// Precision is the number of decimal places numeric values are rounded to.
	Precision int `yaml:"precision"`

	// Topics restricts which topics the rule applies to. MQTT wildcards
	// are allowed. Empty means any subscribed topic.
	Topics []string `yaml:"topics"`

	// Keys are the payload keys watched by this entity, first match wins.
	Keys []string `yaml:"keys"`

	// Command is the optional outbound command template.
	Command *CommandConfig `yaml:"command,omitempty"`
}

// CommandConfig describes how a command intent becomes an MQTT publish.
type CommandConfig struct {
	// Topic is the command topic (e.g., "ems-esp/thermostat_cmd").
	Topic string `yaml:"topic"`

	// ValueKey is the payload key that carries the requested value.
	ValueKey string `yaml:"value_key"`

	// Fields are constant payload fields (e.g., {"cmd": "temp", "hc": 1}).
	Fields map[string]any `yaml:"fields"`

	// Retain sets the MQTT retain flag on command publishes.
	Retain bool `yaml:"retain"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`

	// HistoryRetention is how many days of entity history are kept.
	// 0 keeps history forever.
	HistoryRetention int `yaml:"history_retention"`
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

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
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
// Environment variables follow the pattern: MQTTSYNC_SECTION_KEY
// For example: MQTTSYNC_BROKER_HOST, MQTTSYNC_DATABASE_PATH
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration: an EMS-ESP thermostat
// bridged from a local broker.
func Default() *Config {
	return defaultConfig()
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "site-001",
			Name: "mqttsync",
		},
		Broker: BrokerConfig{
			Host:           "localhost",
			Port:           1883,
			ClientIDPrefix: "mqttsync",
			ConnectTimeout: 10,
			KeepAlive:      60,
			StatusTopic:    "mqttsync/status",
		},
		Subscriptions: []string{
			"ems-esp/thermostat_data1",
			"ems-esp/boiler_data",
			"ems-esp/STATE",
		},
		Heartbeat: HeartbeatConfig{
			Interval:      30,
			StaleAckTicks: 3,
		},
		Entities: []EntityConfig{
			{
				ID:        "current_temperature",
				Name:      "Room temperature",
				Type:      "numeric",
				Precision: 1,
				Keys:      []string{"currtemp"},
			},
			{
				ID:        "system_pressure",
				Name:      "System pressure",
				Type:      "numeric",
				Precision: 1,
				Keys:      []string{"sysPress"},
			},
			{
				ID:        "selected_temperature",
				Name:      "Thermostat setpoint",
				Type:      "numeric",
				Precision: 1,
				Keys:      []string{"seltemp"},
				Command: &CommandConfig{
					Topic:    "ems-esp/thermostat_cmd",
					ValueKey: "data",
					Fields:   map[string]any{"cmd": "temp", "hc": 1},
				},
			},
		},
		Database: DatabaseConfig{
			Path:             "./data/mqttsync.db",
			WALMode:          true,
			BusyTimeout:      5,
			HistoryRetention: 30,
		},
		API: APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: MQTTSYNC_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Broker
	if v := os.Getenv("MQTTSYNC_BROKER_HOST"); v != "" {
		cfg.Broker.Host = v
	}
	if v := os.Getenv("MQTTSYNC_BROKER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Broker.Port = port
		}
	}
	if v := os.Getenv("MQTTSYNC_BROKER_USERNAME"); v != "" {
		cfg.Broker.Username = v
	}
	if v := os.Getenv("MQTTSYNC_BROKER_PASSWORD"); v != "" {
		cfg.Broker.Password = v
	}

	// Database
	if v := os.Getenv("MQTTSYNC_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// InfluxDB
	if v := os.Getenv("MQTTSYNC_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	// Broker validation
	if c.Broker.Host == "" {
		errs = append(errs, "broker.host is required")
	}
	if c.Broker.Port < 1 || c.Broker.Port > 65535 {
		errs = append(errs, "broker.port must be between 1 and 65535")
	}
	if c.Broker.ClientIDPrefix == "" {
		errs = append(errs, "broker.client_id_prefix is required")
	}
	if c.Broker.KeepAlive < 1 || c.Broker.KeepAlive > 65535 {
		errs = append(errs, "broker.keep_alive must be between 1 and 65535")
	}

	for i, topic := range c.Subscriptions {
		if strings.TrimSpace(topic) == "" {
			errs = append(errs, fmt.Sprintf("subscriptions[%d] is empty", i))
		}
	}

	if c.Heartbeat.Interval < 1 {
		errs = append(errs, "heartbeat.interval must be at least 1 second")
	}

	errs = append(errs, validateEntities(c.Entities)...)

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if c.Database.HistoryRetention < 0 {
		errs = append(errs, "database.history_retention must not be negative")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// validateEntities checks the entity table for duplicate ids and incomplete rules.
func validateEntities(entities []EntityConfig) []string {
	var errs []string
	seen := make(map[string]bool, len(entities))

	for i, e := range entities {
		if e.ID == "" {
			errs = append(errs, fmt.Sprintf("entities[%d].id is required", i))
			continue
		}
		if seen[e.ID] {
			errs = append(errs, fmt.Sprintf("entities[%d].id %q is duplicated", i, e.ID))
		}
		seen[e.ID] = true

		switch e.Type {
		case "", "numeric", "string":
		default:
			errs = append(errs, fmt.Sprintf("entities[%d].type must be numeric or string", i))
		}
		if e.Precision < 0 {
			errs = append(errs, fmt.Sprintf("entities[%d].precision must not be negative", i))
		}
		if len(e.Keys) == 0 {
			errs = append(errs, fmt.Sprintf("entities[%d].keys must not be empty", i))
		}
		if e.Command != nil {
			if e.Command.Topic == "" {
				errs = append(errs, fmt.Sprintf("entities[%d].command.topic is required", i))
			}
			if e.Command.ValueKey == "" {
				errs = append(errs, fmt.Sprintf("entities[%d].command.value_key is required", i))
			}
		}
	}

	return errs
}

// GetHeartbeatInterval returns the heartbeat interval as a Duration.
func (c *Config) GetHeartbeatInterval() time.Duration {
	return time.Duration(c.Heartbeat.Interval) * time.Second
}

// GetConnectTimeout returns the broker dial timeout as a Duration.
func (c *Config) GetConnectTimeout() time.Duration {
	return time.Duration(c.Broker.ConnectTimeout) * time.Second
}

// GetHistoryRetention returns the entity history retention as a Duration.
// Zero means history is never pruned.
func (c *Config) GetHistoryRetention() time.Duration {
	return time.Duration(c.Database.HistoryRetention) * 24 * time.Hour
}

// GetKeepAlive returns the broker keep-alive as a Duration.
func (c *Config) GetKeepAlive() time.Duration {
	return time.Duration(c.Broker.KeepAlive) * time.Second
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
