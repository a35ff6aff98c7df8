package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Logging  LoggingConfig  `yaml:"logging"`
	Auth     AuthConfig     `yaml:"auth"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	CORSOrigins  []string      `yaml:"cors_origins"`
}

// DatabaseConfig selects the credential store backend.
type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver       string `yaml:"driver"`
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	Debug        bool   `yaml:"debug"`
}

// RedisConfig holds the ephemeral state store connection.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// MQTTConfig configures the notice publisher. When Enabled is false notices
// are written to the log.
type MQTTConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Broker   string        `yaml:"broker"`
	ClientID string        `yaml:"client_id"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	QoS      byte          `yaml:"qos"`
	Timeout  time.Duration `yaml:"timeout"`
	Retries  int           `yaml:"retries"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// AuthConfig is mapped onto careAuth.Config by the daemon.
type AuthConfig struct {
	SigningMethod  string `yaml:"signing_method"`
	SigningKey     string `yaml:"signing_key"`
	SigningKeyFile string `yaml:"signing_key_file"`
	Issuer         string `yaml:"issuer"`
	Audience       string `yaml:"audience"`

	SessionTTL        time.Duration `yaml:"session_ttl"`
	InvitationTTL     time.Duration `yaml:"invitation_ttl"`
	SlidingExpiration bool          `yaml:"sliding_expiration"`
	AbsoluteLifetime  time.Duration `yaml:"absolute_lifetime"`

	RPID          string   `yaml:"rp_id"`
	RPDisplayName string   `yaml:"rp_display_name"`
	RPOrigins     []string `yaml:"rp_origins"`

	AllowDiscoverableLogin bool `yaml:"allow_discoverable_login"`
	AllowZeroSignCount     bool `yaml:"allow_zero_sign_count"`
	EnableIPThrottle       bool `yaml:"enable_ip_throttle"`
	MaxLoginAttempts       int  `yaml:"max_login_attempts"`

	AuditBufferSize int `yaml:"audit_buffer_size"`
	// AuditLog, when set, also appends every audit event as a JSON line to
	// this file. "-" writes to stdout.
	AuditLog string `yaml:"audit_log"`
}

// Load reads the file at path over the defaults, applies environment
// overrides and validates the result.
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

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:       "sqlite",
			DSN:          "file:careauth.db?cache=shared&_pragma=foreign_keys(1)",
			MaxOpenConns: 1,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		MQTT: MQTTConfig{
			Broker:   "tcp://localhost:1883",
			ClientID: "careauthd",
			QoS:      1,
			Timeout:  5 * time.Second,
			Retries:  3,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Auth: AuthConfig{
			SigningMethod:     "ed25519",
			Issuer:            "careauth",
			Audience:          "care-records",
			SessionTTL:        15 * time.Minute,
			InvitationTTL:     72 * time.Hour,
			SlidingExpiration: true,
			AbsoluteLifetime:  12 * time.Hour,
			RPDisplayName:     "Care Records",
			MaxLoginAttempts:  5,
			AuditBufferSize:   1024,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CAREAUTH_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("CAREAUTH_DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("CAREAUTH_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("CAREAUTH_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("CAREAUTH_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("CAREAUTH_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = n
		}
	}
	if v := os.Getenv("CAREAUTH_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
	}
	if v := os.Getenv("CAREAUTH_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("CAREAUTH_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("CAREAUTH_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CAREAUTH_AUTH_SIGNING_KEY"); v != "" {
		cfg.Auth.SigningKey = v
	}
	if v := os.Getenv("CAREAUTH_AUTH_RP_ID"); v != "" {
		cfg.Auth.RPID = v
	}
	if v := os.Getenv("CAREAUTH_AUTH_AUDIT_LOG"); v != "" {
		cfg.Auth.AuditLog = v
	}
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Addr == "" {
		errs = append(errs, "server.addr is required")
	}

	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q must be sqlite or postgres", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, "database.dsn is required")
	}

	if c.Redis.Addr == "" {
		errs = append(errs, "redis.addr is required")
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			errs = append(errs, "mqtt.broker is required when mqtt is enabled")
		}
		if c.MQTT.QoS > 2 {
			errs = append(errs, "mqtt.qos must be 0, 1 or 2")
		}
	}

	switch strings.ToLower(c.Auth.SigningMethod) {
	case "ed25519":
		if c.Auth.SigningKey == "" && c.Auth.SigningKeyFile == "" {
			errs = append(errs, "auth.signing_key or auth.signing_key_file is required")
		}
	case "hs256":
		if len(c.Auth.SigningKey) < 32 {
			errs = append(errs, "auth.signing_key must be at least 32 characters for hs256")
		}
	default:
		errs = append(errs, fmt.Sprintf("auth.signing_method %q must be ed25519 or hs256", c.Auth.SigningMethod))
	}
	if c.Auth.RPID == "" {
		errs = append(errs, "auth.rp_id is required")
	}
	if len(c.Auth.RPOrigins) == 0 {
		errs = append(errs, "auth.rp_origins must list at least one origin")
	}
	if c.Auth.SessionTTL <= 0 {
		errs = append(errs, "auth.session_ttl must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
