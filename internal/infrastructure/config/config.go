package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for maxculd.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Gateway   GatewayConfig   `yaml:"gateway"`
	Serial    SerialConfig    `yaml:"serial"`
	Radio     RadioConfig     `yaml:"radio"`
	Pairing   PairingConfig   `yaml:"pairing"`
	Database  DatabaseConfig  `yaml:"database"`
	History   HistoryConfig   `yaml:"history"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
}

// GatewayConfig contains the identity of this gateway instance.
type GatewayConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Timezone string `yaml:"timezone"`
}

// SerialConfig contains the transceiver serial port settings.
type SerialConfig struct {
	Device    string                `yaml:"device"`
	Baud      int                   `yaml:"baud"`
	Reconnect SerialReconnectConfig `yaml:"reconnect"`
}

// SerialReconnectConfig contains serial port reconnection settings.
// Delays are in seconds; MaxAttempts of 0 means retry forever.
type SerialReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// RadioConfig contains radio protocol settings.
type RadioConfig struct {
	// Address is this gateway's own radio address as six hex digits.
	// Devices pair against this address; changing it orphans paired devices.
	Address string `yaml:"address"`

	// AckTimeout is how long to wait for an acknowledgement, in milliseconds.
	AckTimeout int `yaml:"ack_timeout"`

	// MaxRetries is the number of retransmits after the first attempt.
	MaxRetries int `yaml:"max_retries"`

	Backoff   RadioBackoffConfig `yaml:"backoff"`
	DutyCycle DutyCycleConfig    `yaml:"duty_cycle"`

	// TimeResponder answers time requests from paired devices with the
	// gateway's local time.
	TimeResponder bool `yaml:"time_responder"`
}

// RadioBackoffConfig contains retransmit backoff settings in milliseconds.
type RadioBackoffConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// DutyCycleConfig contains 868 MHz duty-cycle budget settings.
// MaxCredit is in 10 ms airtime units, matching the transceiver's own
// accounting; 900 units is the regulatory 1% budget over 15 minutes.
type DutyCycleConfig struct {
	Enforce   bool `yaml:"enforce"`
	MaxCredit int  `yaml:"max_credit"`
}

// PairingConfig contains pairing window settings.
type PairingConfig struct {
	// DefaultDuration is the pairing window length in seconds when the
	// caller does not supply one.
	DefaultDuration int `yaml:"default_duration"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// HistoryConfig contains device state history retention settings.
type HistoryConfig struct {
	MaxRowsPerDevice int `yaml:"max_rows_per_device"`
}

// MQTTConfig contains MQTT bridge settings.
type MQTTConfig struct {
	Enabled     bool                `yaml:"enabled"`
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos"`
	TopicPrefix string              `yaml:"topic_prefix"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`
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
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains event stream settings.
// Sizes are in bytes, intervals in seconds.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string            `yaml:"level"`
	Format string            `yaml:"format"`
	Output string            `yaml:"output"`
	File   FileLoggingConfig `yaml:"file"`
}

// FileLoggingConfig contains rotating log file settings.
// MaxSize is in megabytes, MaxAge in days.
type FileLoggingConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
}

// SecurityConfig contains API security settings.
type SecurityConfig struct {
	JWT    JWTConfig    `yaml:"jwt"`
	APIKey APIKeyConfig `yaml:"api_key"`
}

// JWTConfig contains JWT token settings. AccessTokenTTL is in minutes.
type JWTConfig struct {
	Secret         string `yaml:"secret"`
	AccessTokenTTL int    `yaml:"access_token_ttl"`
}

// APIKeyConfig contains the pre-shared key exchanged for access tokens.
type APIKeyConfig struct {
	Key string `yaml:"key"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: MAXCUL_SECTION_KEY
// For example: MAXCUL_SERIAL_DEVICE, MAXCUL_DATABASE_PATH
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
func defaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			ID:       "maxcul-001",
			Name:     "MAX! Gateway",
			Timezone: "UTC",
		},
		Serial: SerialConfig{
			Device: "/dev/ttyACM0",
			Baud:   38400,
			Reconnect: SerialReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     30,
				MaxAttempts:  0,
			},
		},
		Radio: RadioConfig{
			Address:    "123456",
			AckTimeout: 2000,
			MaxRetries: 3,
			Backoff: RadioBackoffConfig{
				InitialDelay: 500,
				MaxDelay:     4000,
			},
			DutyCycle: DutyCycleConfig{
				Enforce:   true,
				MaxCredit: 900,
			},
			TimeResponder: true,
		},
		Pairing: PairingConfig{
			DefaultDuration: 30,
		},
		Database: DatabaseConfig{
			Path:        "./data/maxcul.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		History: HistoryConfig{
			MaxRowsPerDevice: 4096,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "maxcul-core",
			},
			QoS:         1,
			TopicPrefix: "maxcul",
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL: 15,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: MAXCUL_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Serial
	if v := os.Getenv("MAXCUL_SERIAL_DEVICE"); v != "" {
		cfg.Serial.Device = v
	}

	// Radio
	if v := os.Getenv("MAXCUL_RADIO_ADDRESS"); v != "" {
		cfg.Radio.Address = v
	}

	// Database
	if v := os.Getenv("MAXCUL_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("MAXCUL_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("MAXCUL_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("MAXCUL_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("MAXCUL_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// InfluxDB
	if v := os.Getenv("MAXCUL_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Security - secrets (IMPORTANT: always set these in production)
	if v := os.Getenv("MAXCUL_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
	if v := os.Getenv("MAXCUL_API_KEY"); v != "" {
		cfg.Security.APIKey.Key = v
	}
}

// Validate checks the configuration for errors and security issues.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Gateway validation
	if c.Gateway.ID == "" {
		errs = append(errs, "gateway.id is required")
	}

	// Serial validation
	if c.Serial.Device == "" {
		errs = append(errs, "serial.device is required")
	}
	if c.Serial.Baud <= 0 {
		errs = append(errs, "serial.baud must be positive")
	}

	// Radio validation
	if !isRadioAddress(c.Radio.Address) {
		errs = append(errs, "radio.address must be six hex digits")
	} else if c.Radio.Address == "000000" {
		errs = append(errs, "radio.address must not be the broadcast address")
	}
	if c.Radio.AckTimeout <= 0 {
		errs = append(errs, "radio.ack_timeout must be positive")
	}
	if c.Radio.MaxRetries < 0 {
		errs = append(errs, "radio.max_retries must not be negative")
	}
	if c.Radio.Backoff.InitialDelay <= 0 {
		errs = append(errs, "radio.backoff.initial_delay must be positive")
	}
	if c.Radio.Backoff.MaxDelay < c.Radio.Backoff.InitialDelay {
		errs = append(errs, "radio.backoff.max_delay must be at least initial_delay")
	}
	if c.Radio.DutyCycle.MaxCredit <= 0 || c.Radio.DutyCycle.MaxCredit > 900 {
		errs = append(errs, "radio.duty_cycle.max_credit must be between 1 and 900")
	}

	// Pairing validation
	if c.Pairing.DefaultDuration <= 0 {
		errs = append(errs, "pairing.default_duration must be positive")
	}

	// Database validation
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	// History validation
	if c.History.MaxRowsPerDevice <= 0 {
		errs = append(errs, "history.max_rows_per_device must be positive")
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Enabled && c.MQTT.TopicPrefix == "" {
		errs = append(errs, "mqtt.topic_prefix is required when mqtt is enabled")
	}

	// InfluxDB validation
	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" {
			errs = append(errs, "influxdb.url is required when influxdb is enabled")
		}
		if c.InfluxDB.Token == "" {
			errs = append(errs, "influxdb.token is required when influxdb is enabled (set MAXCUL_INFLUXDB_TOKEN)")
		}
		if c.InfluxDB.Org == "" || c.InfluxDB.Bucket == "" {
			errs = append(errs, "influxdb.org and influxdb.bucket are required when influxdb is enabled")
		}
	}

	// API and security validation. Radio commands reach physical heating
	// hardware, so a forged token is a safety problem, not just a privacy one.
	if c.API.Enabled {
		if c.API.Port < 1 || c.API.Port > 65535 {
			errs = append(errs, "api.port must be between 1 and 65535")
		}
		const minJWTSecretLength = 32
		if c.Security.JWT.Secret == "" {
			errs = append(errs, "security.jwt.secret is required (set MAXCUL_JWT_SECRET environment variable)")
		} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
			errs = append(errs, "security.jwt.secret must be at least 32 characters for adequate security")
		}
		const minAPIKeyLength = 16
		if c.Security.APIKey.Key == "" {
			errs = append(errs, "security.api_key.key is required (set MAXCUL_API_KEY environment variable)")
		} else if len(c.Security.APIKey.Key) < minAPIKeyLength {
			errs = append(errs, "security.api_key.key must be at least 16 characters")
		}
		if c.Security.JWT.AccessTokenTTL <= 0 {
			errs = append(errs, "security.jwt.access_token_ttl must be positive")
		}
	}

	// Logging validation
	if c.Logging.File.Enabled && c.Logging.File.Path == "" {
		errs = append(errs, "logging.file.path is required when file logging is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// isRadioAddress reports whether s is exactly six hex digits.
func isRadioAddress(s string) bool {
	if len(s) != 6 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

// GetAckTimeout returns the radio acknowledgement timeout as a Duration.
func (c *Config) GetAckTimeout() time.Duration {
	return time.Duration(c.Radio.AckTimeout) * time.Millisecond
}

// GetBackoffInitialDelay returns the initial retransmit backoff as a Duration.
func (c *Config) GetBackoffInitialDelay() time.Duration {
	return time.Duration(c.Radio.Backoff.InitialDelay) * time.Millisecond
}

// GetBackoffMaxDelay returns the retransmit backoff ceiling as a Duration.
func (c *Config) GetBackoffMaxDelay() time.Duration {
	return time.Duration(c.Radio.Backoff.MaxDelay) * time.Millisecond
}

// GetPairingDuration returns the default pairing window length as a Duration.
func (c *Config) GetPairingDuration() time.Duration {
	return time.Duration(c.Pairing.DefaultDuration) * time.Second
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

// GetAccessTokenTTL returns the JWT access token lifetime as a Duration.
func (c *Config) GetAccessTokenTTL() time.Duration {
	return time.Duration(c.Security.JWT.AccessTokenTTL) * time.Minute
}
