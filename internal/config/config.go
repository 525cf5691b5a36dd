package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	API      APIConfig      `yaml:"api"`
	Broker   BrokerConfig   `yaml:"broker"`
	Ports    PortsConfig    `yaml:"ports"`
	Session  SessionConfig  `yaml:"session"`
	Android  AndroidConfig  `yaml:"android"`
	IOS      IOSConfig      `yaml:"ios"`
	Database DatabaseConfig `yaml:"database"`
	NATS     NATSConfig     `yaml:"nats"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig represents server identity configuration
type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// APIConfig represents API configuration
type APIConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// BrokerConfig represents the fleet-broker API configuration
type BrokerConfig struct {
	Endpoint string `yaml:"endpoint"`
	Secret   string `yaml:"secret"`
}

// PortsConfig represents the leased port range configuration
type PortsConfig struct {
	RangeStart       int    `yaml:"range_start"`
	RangeEnd         int    `yaml:"range_end"`
	LockDir          string `yaml:"lock_dir"`
	PreferSequential bool   `yaml:"prefer_sequential"`
}

// SessionConfig represents per-session timing configuration
type SessionConfig struct {
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	QuiescenceDelay  time.Duration `yaml:"quiescence_delay"`
	TeardownSettle   time.Duration `yaml:"teardown_settle"`
}

// AndroidConfig represents the Android shell binding configuration
type AndroidConfig struct {
	ADBPath      string `yaml:"adb_path"`
	CompanionIME string `yaml:"companion_ime"`
}

// IOSConfig represents the iOS automation-server binding configuration
type IOSConfig struct {
	AgentPath      string `yaml:"agent_path"`
	ProcessPattern string `yaml:"process_pattern"`
	MJPEGPort      int    `yaml:"mjpeg_port"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// NATSConfig represents NATS configuration
type NATSConfig struct {
	URL               string        `yaml:"url"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load loads configuration from file
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if endpoint := os.Getenv("BROKER_ENDPOINT"); endpoint != "" {
		c.Broker.Endpoint = endpoint
	}

	if secret := os.Getenv("BROKER_SECRET"); secret != "" {
		c.Broker.Secret = secret
	}

	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}

	if adbPath := os.Getenv("ADB_PATH"); adbPath != "" {
		c.Android.ADBPath = adbPath
	}
}

// applyDefaults fills in defaults for unset values
func (c *Config) applyDefaults() {
	if c.API.Port == 0 {
		c.API.Port = 8000
	}

	if c.Ports.RangeStart == 0 {
		c.Ports.RangeStart = 38000
	}
	if c.Ports.RangeEnd == 0 {
		c.Ports.RangeEnd = 40000
	}
	if c.Ports.LockDir == "" {
		c.Ports.LockDir = "/tmp/devicelab_port_lock"
	}

	if c.Session.HeartbeatTimeout == 0 {
		c.Session.HeartbeatTimeout = 120 * time.Second
	}
	if c.Session.QuiescenceDelay == 0 {
		c.Session.QuiescenceDelay = 3 * time.Second
	}
	if c.Session.TeardownSettle == 0 {
		c.Session.TeardownSettle = 3 * time.Second
	}

	if c.Android.ADBPath == "" {
		c.Android.ADBPath = "adb"
	}

	if c.IOS.ProcessPattern == "" {
		c.IOS.ProcessPattern = "xcodebuild.+%s"
	}
	if c.IOS.MJPEGPort == 0 {
		c.IOS.MJPEGPort = 9100
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// validate checks hard configuration errors
func (c *Config) validate() error {
	if c.Ports.RangeStart > c.Ports.RangeEnd {
		return fmt.Errorf("invalid port range: %d-%d", c.Ports.RangeStart, c.Ports.RangeEnd)
	}

	if c.Broker.Endpoint == "" {
		return fmt.Errorf("broker endpoint is required")
	}

	return nil
}
