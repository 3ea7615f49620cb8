package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Unparseable record policies.
const (
	UnparseableSkip = "skip"
	UnparseableHalt = "halt"
)

// Store drivers.
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Source drivers.
const (
	SourceDriverPostgres  = "postgres"
	SourceDriverSQLServer = "sqlserver"
)

// Config holds all configuration for ekaya-clinical.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords) must only come from environment variables.
type Config struct {
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
	Version  string `yaml:"-"` // Set at load time, not from config

	// BindAddr and Port serve /health and /metrics.
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"9464"`

	// Store holds the current-state, audit and checkpoint tables.
	Store StoreConfig `yaml:"store"`

	// Database configuration (PostgreSQL) for the current-state store.
	Database DatabaseConfig `yaml:"database"`

	// Source is where raw clinical records are read from.
	Source SourceConfig `yaml:"source"`

	// Redis receives change notifications. Optional.
	Redis RedisConfig `yaml:"redis"`

	Reader ReaderConfig `yaml:"reader"`
	Trust  TrustConfig  `yaml:"trust"`
}

// StoreConfig selects the storage backend.
type StoreConfig struct {
	Driver         string `yaml:"driver" env:"STORE_DRIVER" env-default:"postgres"`
	MigrationsPath string `yaml:"migrations_path" env:"MIGRATIONS_PATH" env-default:"migrations"`
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"clinical"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"clinical_star"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"10"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// SourceConfig describes the database holding the ordered source records.
// With the postgres driver and an empty host the store database is reused.
type SourceConfig struct {
	Driver   string `yaml:"driver" env:"SOURCE_DRIVER" env-default:"postgres"`
	Host     string `yaml:"host" env:"SOURCE_HOST" env-default:""`
	Port     int    `yaml:"port" env:"SOURCE_PORT" env-default:"0"`
	User     string `yaml:"user" env:"SOURCE_USER" env-default:""`
	Password string `yaml:"-" env:"SOURCE_PASSWORD"` // Secret - not in YAML
	Database string `yaml:"database" env:"SOURCE_DATABASE" env-default:""`
	Table    string `yaml:"table" env:"SOURCE_TABLE" env-default:"source_records"`
	Encrypt  bool   `yaml:"encrypt" env:"SOURCE_ENCRYPT" env-default:"true"`
}

// RedisConfig holds Redis connection settings. An empty host disables publication.
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
	Stream   string `yaml:"stream" env:"REDIS_STREAM" env-default:"clinical:changes"`
	MaxLen   int64  `yaml:"max_len" env:"REDIS_STREAM_MAX_LEN" env-default:"100000"`
}

// ReaderConfig controls the checkpointed source reader.
type ReaderConfig struct {
	PollInterval      time.Duration `yaml:"poll_interval" env:"READER_POLL_INTERVAL" env-default:"10s"`
	UnparseablePolicy string        `yaml:"unparseable_policy" env:"READER_UNPARSEABLE_POLICY" env-default:"skip"`
}

// TrustConfig lists the source systems allowed to overwrite existing state.
type TrustConfig struct {
	// TrustedSourcesStr is a comma-separated list of source system identifiers.
	TrustedSourcesStr string `yaml:"trusted_sources" env:"TRUSTED_SOURCES" env-default:"EPIC,caboodle,clarity"`

	// TrustedSources is the parsed list (not from config file).
	TrustedSources []string `yaml:"-"`
}

// Load reads configuration from config.yaml with environment variable overrides.
// The version parameter is injected at build time and set on the returned Config.
func Load(version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
		return nil, fmt.Errorf("failed to read config.yaml: %w", err)
	}

	if err := cfg.parseComplexFields(); err != nil {
		return nil, fmt.Errorf("failed to parse config fields: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// parseComplexFields handles fields that need post-processing after loading.
func (c *Config) parseComplexFields() error {
	c.Trust.TrustedSources = parseList(c.Trust.TrustedSourcesStr)
	c.resolveDockerHosts(IsRunningInDocker())
	return nil
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case StoreDriverPostgres, StoreDriverMemory:
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	switch c.Source.Driver {
	case SourceDriverPostgres:
	case SourceDriverSQLServer:
		if c.Source.Host == "" || c.Source.Database == "" {
			return fmt.Errorf("sqlserver source requires host and database")
		}
	default:
		return fmt.Errorf("unknown source driver %q", c.Source.Driver)
	}

	switch c.Reader.UnparseablePolicy {
	case UnparseableSkip, UnparseableHalt:
	default:
		return fmt.Errorf("unknown unparseable_policy %q", c.Reader.UnparseablePolicy)
	}

	if c.Reader.PollInterval <= 0 {
		return fmt.Errorf("reader poll_interval must be positive")
	}

	if !isIdentifier(c.Source.Table) {
		return fmt.Errorf("source table %q is not a plain identifier", c.Source.Table)
	}

	return nil
}

// parseList splits a comma-separated value, dropping blanks.
func parseList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_' || r == '.':
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// ConnectionString returns a PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// URL returns the connection string in URL form, as required by golang-migrate.
func (c *DatabaseConfig) URL() string {
	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.Database,
		RawQuery: url.Values{"sslmode": []string{c.SSLMode}}.Encode(),
	}
	return u.String()
}

// SQLServerURL returns a go-mssqldb connection URL for the source database.
func (c *SourceConfig) SQLServerURL() string {
	query := url.Values{}
	query.Add("database", c.Database)
	if c.Encrypt {
		query.Add("encrypt", "true")
	} else {
		query.Add("encrypt", "disable")
	}

	port := c.Port
	if port == 0 {
		port = 1433
	}

	return fmt.Sprintf("sqlserver://%s:%s@%s:%d?%s",
		url.QueryEscape(c.User),
		url.QueryEscape(c.Password),
		c.Host,
		port,
		query.Encode(),
	)
}

// PostgresDatabase returns the connection settings for a PostgreSQL source
// held outside the store database. Unset fields fall back to store.
func (c *SourceConfig) PostgresDatabase(store DatabaseConfig) DatabaseConfig {
	db := store
	db.Host = c.Host
	if c.Port != 0 {
		db.Port = c.Port
	}
	if c.User != "" {
		db.User = c.User
		db.Password = c.Password
	}
	if c.Database != "" {
		db.Database = c.Database
	}
	return db
}

// SharesStore reports whether source records live in the store database.
func (c *SourceConfig) SharesStore() bool {
	return c.Driver == SourceDriverPostgres && c.Host == ""
}
