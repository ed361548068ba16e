package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/visitorhub/dbcore/pkg/database"
	"github.com/visitorhub/dbcore/pkg/dberr"
	"github.com/visitorhub/dbcore/pkg/pool"
	"github.com/visitorhub/dbcore/pkg/resilience"
)

// EnvPrefix prefixes every environment override, e.g. DBCORE_DATABASE_POOL_MAX.
const EnvPrefix = "DBCORE"

// Config represents the dbcored configuration
type Config struct {
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Logging  LoggingConfig  `yaml:"logging" mapstructure:"logging"`
	Tracing  TracingConfig  `yaml:"tracing" mapstructure:"tracing"`
}

// DatabaseConfig holds the driver, pool, retry and query settings
type DatabaseConfig struct {
	Driver            string      `yaml:"driver" mapstructure:"driver"`
	DSN               string      `yaml:"dsn" mapstructure:"dsn"`
	SessionStatements []string    `yaml:"session_statements" mapstructure:"session_statements"`
	Pool              PoolConfig  `yaml:"pool" mapstructure:"pool"`
	Retry             RetryConfig `yaml:"retry" mapstructure:"retry"`
	Query             QueryConfig `yaml:"query" mapstructure:"query"`
}

// PoolConfig holds connection pool bounds and timers
type PoolConfig struct {
	Min                 int           `yaml:"min" mapstructure:"min"`
	Max                 int           `yaml:"max" mapstructure:"max"`
	AcquireTimeout      time.Duration `yaml:"acquire_timeout" mapstructure:"acquire_timeout"`
	IdleTimeout         time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
	CreateTimeout       time.Duration `yaml:"create_timeout" mapstructure:"create_timeout"`
	ReapInterval        time.Duration `yaml:"reap_interval" mapstructure:"reap_interval"`
	CreateRetryInterval time.Duration `yaml:"create_retry_interval" mapstructure:"create_retry_interval"`
}

// RetryConfig holds backoff settings. RetryableErrors are error kind names.
type RetryConfig struct {
	MaxRetries      int           `yaml:"max_retries" mapstructure:"max_retries"`
	BaseDelay       time.Duration `yaml:"base_delay" mapstructure:"base_delay"`
	MaxDelay        time.Duration `yaml:"max_delay" mapstructure:"max_delay"`
	RetryableErrors []string      `yaml:"retryable_errors" mapstructure:"retryable_errors"`
}

// QueryConfig holds per-query limits
type QueryConfig struct {
	Timeout       time.Duration `yaml:"timeout" mapstructure:"timeout"`
	SlowThreshold time.Duration `yaml:"slow_threshold" mapstructure:"slow_threshold"`
	MaxQueryTime  time.Duration `yaml:"max_query_time" mapstructure:"max_query_time"`
	SlowLogSize   int           `yaml:"slow_log_size" mapstructure:"slow_log_size"`
}

// ServerConfig holds the ops HTTP server configuration
type ServerConfig struct {
	Enabled          bool          `yaml:"enabled" mapstructure:"enabled"`
	Address          string        `yaml:"address" mapstructure:"address"`
	Port             int           `yaml:"port" mapstructure:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	MetricsNamespace string        `yaml:"metrics_namespace" mapstructure:"metrics_namespace"`
}

// LoggingConfig holds logging-related configuration
type LoggingConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`
	Format     string `yaml:"format" mapstructure:"format"`
	OutputFile string `yaml:"output_file" mapstructure:"output_file"`
}

// TracingConfig holds OpenTelemetry exporter settings
type TracingConfig struct {
	Enabled       bool    `yaml:"enabled" mapstructure:"enabled"`
	Exporter      string  `yaml:"exporter" mapstructure:"exporter"`
	Endpoint      string  `yaml:"endpoint" mapstructure:"endpoint"`
	ServiceName   string  `yaml:"service_name" mapstructure:"service_name"`
	Environment   string  `yaml:"environment" mapstructure:"environment"`
	SamplingRatio float64 `yaml:"sampling_ratio" mapstructure:"sampling_ratio"`
	Insecure      bool    `yaml:"insecure" mapstructure:"insecure"`
}

var (
	supportedDrivers   = []string{"sqlite3", "sqlite", "pgx", "postgres", "mysql"}
	supportedExporters = []string{"stdout", "otlp", "jaeger"}
)

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	db := database.DefaultConfig()

	retryable := make([]string, 0, len(db.Retry.RetryableKinds))
	for _, k := range db.Retry.RetryableKinds {
		retryable = append(retryable, string(k))
	}

	return &Config{
		Database: DatabaseConfig{
			Driver:            db.Driver,
			DSN:               db.DSN,
			SessionStatements: db.SessionStatements,
			Pool: PoolConfig{
				Min:                 db.Pool.Min,
				Max:                 db.Pool.Max,
				AcquireTimeout:      db.Pool.AcquireTimeout,
				IdleTimeout:         db.Pool.IdleTimeout,
				CreateTimeout:       db.Pool.CreateTimeout,
				ReapInterval:        db.Pool.ReapInterval,
				CreateRetryInterval: db.Pool.CreateRetryInterval,
			},
			Retry: RetryConfig{
				MaxRetries:      db.Retry.MaxRetries,
				BaseDelay:       db.Retry.BaseDelay,
				MaxDelay:        db.Retry.MaxDelay,
				RetryableErrors: retryable,
			},
			Query: QueryConfig{
				Timeout:       db.Query.Timeout,
				SlowThreshold: db.Query.SlowThreshold,
				MaxQueryTime:  db.Query.MaxQueryTime,
				SlowLogSize:   db.Query.SlowLogSize,
			},
		},
		Server: ServerConfig{
			Enabled:          true,
			Address:          "localhost",
			Port:             9090,
			ReadTimeout:      10 * time.Second,
			WriteTimeout:     30 * time.Second,
			MetricsNamespace: "dbcore",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:       false,
			Exporter:      "stdout",
			ServiceName:   "dbcored",
			Environment:   "development",
			SamplingRatio: 1.0,
			Insecure:      true,
		},
	}
}

// LoadConfig loads configuration from files and environment variables.
// Every key has a default, so any key can be overridden from the
// environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	if err := setDefaults(v, DefaultConfig()); err != nil {
		return nil, err
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("dbcored")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("$HOME/.config/dbcore")
		v.AddConfigPath("/etc/dbcore")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.MergeInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if used := v.ConfigFileUsed(); used != "" && isYAML(used) {
		data, err := os.ReadFile(used)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := ValidateDocument(data); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func setDefaults(v *viper.Viper, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal defaults: %w", err)
	}
	var tree map[string]interface{}
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("failed to unmarshal defaults: %w", err)
	}
	flattenDefaults(v, "", tree)
	return nil
}

func flattenDefaults(v *viper.Viper, prefix string, tree map[string]interface{}) {
	for key, value := range tree {
		if sub, ok := value.(map[string]interface{}); ok {
			flattenDefaults(v, prefix+key+".", sub)
			continue
		}
		v.SetDefault(prefix+key, value)
	}
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// SaveConfig saves the configuration to a file
func (c *Config) SaveConfig(configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if !contains(supportedDrivers, c.Database.Driver) {
		return fmt.Errorf("unsupported driver: %q (must be one of %s)", c.Database.Driver, strings.Join(supportedDrivers, ", "))
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database dsn cannot be empty")
	}

	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be trace, debug, info, warn, or error)", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("invalid log format: %s (must be json or console)", c.Logging.Format)
	}

	if c.Server.Enabled && (c.Server.Port < 1 || c.Server.Port > 65535) {
		return fmt.Errorf("invalid port: %d (must be between 1 and 65535)", c.Server.Port)
	}

	if c.Tracing.Enabled {
		if !contains(supportedExporters, c.Tracing.Exporter) {
			return fmt.Errorf("invalid tracing exporter: %s (must be one of %s)", c.Tracing.Exporter, strings.Join(supportedExporters, ", "))
		}
		if c.Tracing.Exporter != "stdout" && c.Tracing.Endpoint == "" {
			return fmt.Errorf("tracing endpoint is required for the %s exporter", c.Tracing.Exporter)
		}
	}
	if c.Tracing.SamplingRatio < 0 || c.Tracing.SamplingRatio > 1 {
		return fmt.Errorf("tracing sampling ratio must be between 0 and 1, got %g", c.Tracing.SamplingRatio)
	}

	dbCfg, err := c.Database.ToDatabaseConfig()
	if err != nil {
		return err
	}
	return dbCfg.Validate()
}

// ToDatabaseConfig converts the file representation into the facade's
// configuration.
func (d DatabaseConfig) ToDatabaseConfig() (database.Config, error) {
	kinds, err := dberr.ParseKinds(d.Retry.RetryableErrors)
	if err != nil {
		return database.Config{}, fmt.Errorf("invalid retryable errors: %w", err)
	}

	stmts := make([]string, len(d.SessionStatements))
	copy(stmts, d.SessionStatements)

	return database.Config{
		Driver:            d.Driver,
		DSN:               d.DSN,
		SessionStatements: stmts,
		Pool: pool.PoolConfig{
			Min:                 d.Pool.Min,
			Max:                 d.Pool.Max,
			AcquireTimeout:      d.Pool.AcquireTimeout,
			IdleTimeout:         d.Pool.IdleTimeout,
			CreateTimeout:       d.Pool.CreateTimeout,
			ReapInterval:        d.Pool.ReapInterval,
			CreateRetryInterval: d.Pool.CreateRetryInterval,
		},
		Retry: resilience.RetryConfig{
			MaxRetries:     d.Retry.MaxRetries,
			BaseDelay:      d.Retry.BaseDelay,
			MaxDelay:       d.Retry.MaxDelay,
			RetryableKinds: kinds,
		},
		Query: database.QueryConfig{
			Timeout:       d.Query.Timeout,
			SlowThreshold: d.Query.SlowThreshold,
			MaxQueryTime:  d.Query.MaxQueryTime,
			SlowLogSize:   d.Query.SlowLogSize,
		},
	}, nil
}

// CreateDirectories creates the SQLite database and log file directories
func (c *Config) CreateDirectories() error {
	var dirs []string
	if c.Logging.OutputFile != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.OutputFile))
	}
	if (c.Database.Driver == "sqlite3" || c.Database.Driver == "sqlite") && !strings.HasPrefix(c.Database.DSN, "file:") && c.Database.DSN != ":memory:" {
		dirs = append(dirs, filepath.Dir(c.Database.DSN))
	}

	for _, dir := range dirs {
		if dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", dir, err)
			}
		}
	}
	return nil
}

// Redacted returns a copy safe to print, with credentials removed from the DSN.
func (c *Config) Redacted() Config {
	out := *c
	out.Database.DSN = redactDSN(c.Database.DSN)
	return out
}

func redactDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	if at < 0 {
		return dsn
	}
	head := dsn[:at]
	scheme := ""
	if i := strings.Index(head, "://"); i >= 0 {
		scheme, head = head[:i+3], head[i+3:]
	}
	user := head
	if i := strings.Index(head, ":"); i >= 0 {
		user = head[:i]
	}
	return scheme + user + ":***" + dsn[at:]
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// ToJSON renders the redacted configuration for diagnostics.
func (c *Config) ToJSON() (string, error) {
	data, err := json.MarshalIndent(c.Redacted(), "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
