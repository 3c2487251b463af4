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

// DefaultPath is used when GRAYLOGIC_PLUGS_CONFIG is unset.
const DefaultPath = "configs/config.yaml"

// PathEnv names the environment variable holding the config file path.
const PathEnv = "GRAYLOGIC_PLUGS_CONFIG"

// DefaultEnvFile is the dotenv file read at startup, if present.
const DefaultEnvFile = ".env"

// Config is the root configuration structure for the plug service.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Network   NetworkConfig   `yaml:"network"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Schedule  ScheduleConfig  `yaml:"schedule"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// SiteConfig contains site-specific information.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`

	// Timezone is the IANA zone schedule times are interpreted in.
	// "Local" uses the host zone.
	Timezone string `yaml:"timezone"`
}

// NetworkConfig contains plug transport settings.
type NetworkConfig struct {
	// Interface pins the bind address to one interface. Empty selects the
	// interface carrying the default route.
	Interface string `yaml:"interface"`
	Port      int    `yaml:"port"`

	// ReadPoll is the receive loop's read deadline.
	ReadPoll time.Duration `yaml:"read_poll"`

	// LocalAddrTTL is how long the local address list is cached.
	LocalAddrTTL time.Duration `yaml:"local_addr_ttl"`
}

// DiscoveryConfig contains discovery timings.
type DiscoveryConfig struct {
	Interval time.Duration `yaml:"interval"`
	Debounce time.Duration `yaml:"debounce"`
}

// ScheduleConfig contains schedule engine timings.
type ScheduleConfig struct {
	Recheck        time.Duration `yaml:"recheck"`
	WakeSlack      time.Duration `yaml:"wake_slack"`
	Settle         time.Duration `yaml:"settle"`
	DiscoveryPause time.Duration `yaml:"discovery_pause"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
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

// MQTTReconnectConfig contains MQTT reconnection settings, in seconds.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings, in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
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
// Environment variables follow the pattern: GRAYLOGIC_PLUGS_SECTION_KEY
// For example: GRAYLOGIC_PLUGS_DATABASE_PATH, GRAYLOGIC_PLUGS_NETWORK_PORT
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

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("applying environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadEnvFile adds the variables in a dotenv file to the process
// environment. Variables already set are left alone, so the shell always
// wins. A missing file is not an error.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("reading env file %s: %w", path, err)
	}
	return nil
}

// PathFromEnv returns the config file path to load.
func PathFromEnv() string {
	if v := os.Getenv(PathEnv); v != "" {
		return v
	}
	return DefaultPath
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:       "site-001",
			Name:     "Gray Logic Plugs",
			Timezone: "Local",
		},
		Network: NetworkConfig{
			Port:         10000,
			ReadPoll:     100 * time.Millisecond,
			LocalAddrTTL: time.Minute,
		},
		Discovery: DiscoveryConfig{
			Interval: 25 * time.Minute,
			Debounce: time.Second,
		},
		Schedule: ScheduleConfig{
			Recheck:        5 * time.Minute,
			WakeSlack:      time.Second,
			Settle:         100 * time.Millisecond,
			DiscoveryPause: 100 * time.Millisecond,
		},
		Database: DatabaseConfig{
			Path:        "./data/plugs.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "graylogic-plugs",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8090,
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
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) error {
	str := map[string]*string{
		"GRAYLOGIC_PLUGS_SITE_TIMEZONE":     &cfg.Site.Timezone,
		"GRAYLOGIC_PLUGS_NETWORK_INTERFACE": &cfg.Network.Interface,
		"GRAYLOGIC_PLUGS_DATABASE_PATH":     &cfg.Database.Path,
		"GRAYLOGIC_PLUGS_MQTT_HOST":         &cfg.MQTT.Broker.Host,
		"GRAYLOGIC_PLUGS_MQTT_USERNAME":     &cfg.MQTT.Auth.Username,
		"GRAYLOGIC_PLUGS_MQTT_PASSWORD":     &cfg.MQTT.Auth.Password,
		"GRAYLOGIC_PLUGS_API_HOST":          &cfg.API.Host,
		"GRAYLOGIC_PLUGS_INFLUXDB_URL":      &cfg.InfluxDB.URL,
		"GRAYLOGIC_PLUGS_INFLUXDB_TOKEN":    &cfg.InfluxDB.Token,
		"GRAYLOGIC_PLUGS_LOGGING_LEVEL":     &cfg.Logging.Level,
	}
	for key, dst := range str {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"GRAYLOGIC_PLUGS_NETWORK_PORT": &cfg.Network.Port,
		"GRAYLOGIC_PLUGS_API_PORT":     &cfg.API.Port,
	}
	for key, dst := range ints {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
	}

	durations := map[string]*time.Duration{
		"GRAYLOGIC_PLUGS_DISCOVERY_INTERVAL": &cfg.Discovery.Interval,
		"GRAYLOGIC_PLUGS_DISCOVERY_DEBOUNCE": &cfg.Discovery.Debounce,
	}
	for key, dst := range durations {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
	}
	return nil
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if _, err := c.Location(); err != nil {
		errs = append(errs, fmt.Sprintf("site.timezone: %v", err))
	}

	if c.Network.Port < 1 || c.Network.Port > 65535 {
		errs = append(errs, "network.port must be between 1 and 65535")
	}
	if c.Network.ReadPoll <= 0 {
		errs = append(errs, "network.read_poll must be positive")
	}

	if c.Discovery.Interval <= 0 {
		errs = append(errs, "discovery.interval must be positive")
	}
	if c.Discovery.Debounce <= 0 {
		errs = append(errs, "discovery.debounce must be positive")
	}

	if c.Schedule.Recheck <= 0 {
		errs = append(errs, "schedule.recheck must be positive")
	}
	if c.Schedule.Settle < 0 || c.Schedule.WakeSlack < 0 || c.Schedule.DiscoveryPause < 0 {
		errs = append(errs, "schedule timings must not be negative")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Enabled && c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required when mqtt is enabled")
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" {
			errs = append(errs, "influxdb.url is required when influxdb is enabled")
		}
		if c.InfluxDB.Bucket == "" {
			errs = append(errs, "influxdb.bucket is required when influxdb is enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// Location resolves site.timezone.
func (c *Config) Location() (*time.Location, error) {
	switch c.Site.Timezone {
	case "", "Local":
		return time.Local, nil
	default:
		return time.LoadLocation(c.Site.Timezone)
	}
}

// ReadTimeout returns the read timeout as a Duration.
func (c APIConfig) ReadTimeout() time.Duration {
	return time.Duration(c.Timeouts.Read) * time.Second
}

// WriteTimeout returns the write timeout as a Duration.
func (c APIConfig) WriteTimeout() time.Duration {
	return time.Duration(c.Timeouts.Write) * time.Second
}

// IdleTimeout returns the idle timeout as a Duration.
func (c APIConfig) IdleTimeout() time.Duration {
	return time.Duration(c.Timeouts.Idle) * time.Second
}
