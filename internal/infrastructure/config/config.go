package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for Gatekeep Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Scope     ScopeConfig     `yaml:"scope"`
	Security  SecurityConfig  `yaml:"security"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings (seconds).
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

// WebSocketConfig contains push-connection settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`

	// HeartbeatInterval is how often pings are sent to each connection (seconds).
	HeartbeatInterval int `yaml:"heartbeat_interval"`

	// HeartbeatTimeout is how long to wait for a pong before dropping a connection (seconds).
	HeartbeatTimeout int `yaml:"heartbeat_timeout"`

	// SendBufferSize is the per-connection outbound queue length.
	SendBufferSize int `yaml:"send_buffer_size"`

	// MaxConnectionsPerPrincipal caps concurrent connections per user;
	// the oldest connection is evicted on overflow.
	MaxConnectionsPerPrincipal int `yaml:"max_connections_per_principal"`
}

// StalePolicy selects how a stale session is treated by the request gate.
type StalePolicy string

const (
	// PolicyHard rejects stale sessions immediately, forcing re-authentication.
	PolicyHard StalePolicy = "hard"

	// PolicyGrace allows stale sessions through for a bounded grace period
	// while the client is signalled to refresh.
	PolicyGrace StalePolicy = "grace"
)

// ScopeConfig contains scope versioning and session consistency settings.
type ScopeConfig struct {
	// StalePolicy is "hard" or "grace".
	StalePolicy StalePolicy `yaml:"stale_policy"`

	// GracePeriod is how long a stale session remains usable after the scope
	// change before it is treated as hard-invalid (seconds). Grace policy only.
	GracePeriod int `yaml:"grace_period"`

	// FailOpenOnLookupError controls validation behaviour when the version
	// store is unreachable: true allows the request through, false (default)
	// treats the session as stale.
	FailOpenOnLookupError bool `yaml:"fail_open_on_lookup_error"`

	// ReplayRetentionCount is the maximum number of processed change events
	// kept overall for reconnect replay.
	ReplayRetentionCount int `yaml:"replay_retention_count"`

	// ReplayRetentionAge is how long processed change events are retained (minutes).
	ReplayRetentionAge int `yaml:"replay_retention_age"`

	// ReconciliationInterval is the defensive sweep interval (seconds).
	ReconciliationInterval int `yaml:"reconciliation_interval"`

	// ReconciliationBatchSize bounds how many principals one sweep recomputes.
	ReconciliationBatchSize int `yaml:"reconciliation_batch_size"`

	// RecencyWindow selects which principals a sweep covers: those with a
	// session validated within this window (minutes).
	RecencyWindow int `yaml:"recency_window"`

	// RolesFile is the path to the role catalog YAML.
	RolesFile string `yaml:"roles_file"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT token settings.
type JWTConfig struct {
	Secret          string `yaml:"secret"`
	AccessTokenTTL  int    `yaml:"access_token_ttl"`  // minutes
	RefreshTokenTTL int    `yaml:"refresh_token_ttl"` // minutes
}

// MQTTConfig contains settings for the optional MQTT trigger bridge.
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

// MQTTReconnectConfig contains MQTT reconnection settings (seconds).
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// MetricsConfig contains InfluxDB metrics emission settings.
type MetricsConfig struct {
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
// The loading order is: defaults, then YAML file values, then environment
// variables. Environment variables follow the pattern GATEKEEP_SECTION_KEY,
// e.g. GATEKEEP_DATABASE_PATH, GATEKEEP_JWT_SECRET.
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

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:        "./data/gatekeep.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8088,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:                       "/ws",
			MaxMessageSize:             8192,
			HeartbeatInterval:          30,
			HeartbeatTimeout:           10,
			SendBufferSize:             64,
			MaxConnectionsPerPrincipal: 5,
		},
		Scope: ScopeConfig{
			StalePolicy:             PolicyGrace,
			GracePeriod:             300,
			FailOpenOnLookupError:   false,
			ReplayRetentionCount:    1000,
			ReplayRetentionAge:      1440,
			ReconciliationInterval:  30,
			ReconciliationBatchSize: 100,
			RecencyWindow:           30,
			RolesFile:               "configs/roles.yaml",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL:  15,
				RefreshTokenTTL: 1440,
			},
		},
		MQTT: MQTTConfig{
			Enabled: false,
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "gatekeep-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		Metrics: MetricsConfig{
			Enabled:       false,
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
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GATEKEEP_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("GATEKEEP_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("GATEKEEP_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("GATEKEEP_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("GATEKEEP_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}
	if v := os.Getenv("GATEKEEP_METRICS_TOKEN"); v != "" {
		cfg.Metrics.Token = v
	}
	// JWT secret: always override in production.
	if v := os.Getenv("GATEKEEP_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
}

// minJWTSecretLength is the minimum accepted JWT secret length. Tokens gate
// every permission decision in the system; a weak secret would let an attacker
// forge scope versions and capabilities.
const minJWTSecretLength = 32

// Validate checks the configuration for errors and security issues.
func (c *Config) Validate() error {
	var errs []string

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}
	if c.Scope.StalePolicy != PolicyHard && c.Scope.StalePolicy != PolicyGrace {
		errs = append(errs, `scope.stale_policy must be "hard" or "grace"`)
	}
	if c.Scope.GracePeriod < 0 {
		errs = append(errs, "scope.grace_period must not be negative")
	}
	if c.Scope.ReconciliationInterval < 1 {
		errs = append(errs, "scope.reconciliation_interval must be at least 1 second")
	}
	if c.Scope.ReconciliationBatchSize < 1 {
		errs = append(errs, "scope.reconciliation_batch_size must be at least 1")
	}
	if c.Scope.ReplayRetentionCount < 1 {
		errs = append(errs, "scope.replay_retention_count must be at least 1")
	}
	if c.Security.JWT.Secret == "" {
		errs = append(errs, "security.jwt.secret is required (set GATEKEEP_JWT_SECRET environment variable)")
	} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters")
	}
	if c.MQTT.Enabled && c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required when mqtt is enabled")
	}
	if c.Metrics.Enabled && c.Metrics.URL == "" {
		errs = append(errs, "metrics.url is required when metrics are enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
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

// GetGracePeriod returns the stale-session grace period as a Duration.
func (s ScopeConfig) GetGracePeriod() time.Duration {
	return time.Duration(s.GracePeriod) * time.Second
}

// GetReplayRetentionAge returns the event retention window as a Duration.
func (s ScopeConfig) GetReplayRetentionAge() time.Duration {
	return time.Duration(s.ReplayRetentionAge) * time.Minute
}

// GetReconciliationInterval returns the sweep interval as a Duration.
func (s ScopeConfig) GetReconciliationInterval() time.Duration {
	return time.Duration(s.ReconciliationInterval) * time.Second
}

// GetRecencyWindow returns the principal recency window as a Duration.
func (s ScopeConfig) GetRecencyWindow() time.Duration {
	return time.Duration(s.RecencyWindow) * time.Minute
}

// GetHeartbeatInterval returns the websocket ping interval as a Duration.
func (w WebSocketConfig) GetHeartbeatInterval() time.Duration {
	return time.Duration(w.HeartbeatInterval) * time.Second
}

// GetHeartbeatTimeout returns the pong wait as a Duration.
func (w WebSocketConfig) GetHeartbeatTimeout() time.Duration {
	return time.Duration(w.HeartbeatTimeout) * time.Second
}
