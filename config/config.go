// Package config loads the application configuration with precedence:
// code defaults, then YAML, then environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tradekit/tradekit/internal/exchange"
)

// Environment names.
const (
	EnvProduction = "production"
	EnvLocal      = "local"
)

// DatabaseConfig locates the Postgres instance. Credentials resolve from the
// environment at load time and never live in the YAML file.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"-"`
	Password string `yaml:"-"`
	SSLMode  string `yaml:"ssl_mode"`
}

// DSN renders the pgx connection string.
func (d DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   "/" + d.Name,
	}
	if d.User != "" {
		u.User = url.UserPassword(d.User, d.Password)
	}
	q := url.Values{}
	if d.SSLMode != "" {
		q.Set("sslmode", d.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// EngineConfig tunes the order execution engine.
type EngineConfig struct {
	Workers      int           `yaml:"workers"`
	MaxPolls     int           `yaml:"max_polls"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// UnmarshalYAML decodes durations from strings like "4s" and leaves absent
// keys at their current (default) values.
func (e *EngineConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Workers      *int    `yaml:"workers"`
		MaxPolls     *int    `yaml:"max_polls"`
		PollInterval *string `yaml:"poll_interval"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if raw.Workers != nil {
		e.Workers = *raw.Workers
	}
	if raw.MaxPolls != nil {
		e.MaxPolls = *raw.MaxPolls
	}
	if raw.PollInterval != nil {
		d, err := time.ParseDuration(*raw.PollInterval)
		if err != nil {
			return fmt.Errorf("config: poll_interval: %w", err)
		}
		e.PollInterval = d
	}
	return nil
}

// RetryConfig tunes the venue HTTP transport.
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	Pause      time.Duration `yaml:"pause"`
}

// UnmarshalYAML decodes the pause from duration strings like "3s".
func (r *RetryConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		MaxRetries *int    `yaml:"max_retries"`
		Pause      *string `yaml:"pause"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if raw.MaxRetries != nil {
		r.MaxRetries = *raw.MaxRetries
	}
	if raw.Pause != nil {
		d, err := time.ParseDuration(*raw.Pause)
		if err != nil {
			return fmt.Errorf("config: pause: %w", err)
		}
		r.Pause = d
	}
	return nil
}

// TelemetryConfig configures the OTLP metrics exporter.
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlp_endpoint"`
	ServiceName   string `yaml:"service_name"`
	OTLPInsecure  bool   `yaml:"otlp_insecure"`
	EnableMetrics bool   `yaml:"enable_metrics"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AppConfig is the unified application configuration.
type AppConfig struct {
	Environment     string                          `yaml:"environment"`
	Database        DatabaseConfig                  `yaml:"database"`
	Credentials     map[string]exchange.Credentials `yaml:"exchange_credentials"`
	TestCredentials map[string]exchange.Credentials `yaml:"test_exchange_credentials"`
	Engine          EngineConfig                    `yaml:"engine"`
	Retry           RetryConfig                     `yaml:"retry"`
	Telemetry       TelemetryConfig                 `yaml:"telemetry"`
	Logging         LoggingConfig                   `yaml:"logging"`
}

func defaultAppConfig() AppConfig {
	return AppConfig{
		Environment: EnvLocal,
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			Name:    "tradekit",
			SSLMode: "disable",
		},
		Engine: EngineConfig{
			Workers:      10,
			MaxPolls:     3,
			PollInterval: 4 * time.Second,
		},
		Retry: RetryConfig{
			MaxRetries: 3,
			Pause:      3 * time.Second,
		},
		Telemetry: TelemetryConfig{
			ServiceName:   "tradekit",
			EnableMetrics: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the configuration at path. A missing file leaves the defaults
// in place; environment variables apply last.
func Load(path string) (AppConfig, error) {
	cfg := defaultAppConfig()

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return AppConfig{}, fmt.Errorf("config: read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return AppConfig{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	cfg.loadEnv()

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) loadEnv() {
	if env := os.Getenv("APP_ENVIRONMENT"); env != "" {
		c.Environment = env
	}
	if c.Environment == EnvProduction {
		c.Database.User = firstNonEmpty(os.Getenv("PROD_DB_USERNAME"), c.Database.User)
		c.Database.Password = firstNonEmpty(os.Getenv("PROD_DB_PASSWORD"), c.Database.Password)
		c.Database.Host = firstNonEmpty(os.Getenv("RDS_HOST"), c.Database.Host)
		return
	}
	c.Database.User = firstNonEmpty(os.Getenv("LOCAL_DB_USERNAME"), c.Database.User)
	c.Database.Password = firstNonEmpty(os.Getenv("LOCAL_DB_PASSWORD"), c.Database.Password)
	c.Database.Host = firstNonEmpty(os.Getenv("LOCAL_DB_HOST"), c.Database.Host)
}

// Validate rejects configurations no component could run with.
func (c *AppConfig) Validate() error {
	switch c.Environment {
	case EnvProduction, EnvLocal:
	default:
		return fmt.Errorf("config: unknown environment %q", c.Environment)
	}
	if c.Engine.Workers <= 0 {
		return fmt.Errorf("config: engine workers must be positive")
	}
	if c.Engine.MaxPolls < 0 {
		return fmt.Errorf("config: engine max_polls must be non-negative")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("config: retry max_retries must be non-negative")
	}
	for venue, creds := range c.Credentials {
		if strings.TrimSpace(creds.Key) == "" || strings.TrimSpace(creds.Secret) == "" {
			return fmt.Errorf("config: incomplete credentials for %s", venue)
		}
	}
	return nil
}

// VenueCredentials returns the credential set for the environment: the test
// set everywhere except production.
func (c *AppConfig) VenueCredentials() map[string]exchange.Credentials {
	if c.Environment == EnvProduction {
		return c.Credentials
	}
	if len(c.TestCredentials) > 0 {
		return c.TestCredentials
	}
	return c.Credentials
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
