// Package config loads service settings from defaults, an optional YAML
// file, CREDIT_* environment variables and command line flags, in
// increasing order of precedence.
package config

import (
	"CreditLedger/internal/custody"
	"CreditLedger/internal/persistence"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "CREDIT"

type Config struct {
	Log         LogConfig         `mapstructure:"log"`
	Store       StoreConfig       `mapstructure:"store"`
	Audit       AuditConfig       `mapstructure:"audit"`
	Ledger      LedgerConfig      `mapstructure:"ledger"`
	HTTP        ListenConfig      `mapstructure:"http"`
	GRPC        ListenConfig      `mapstructure:"grpc"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Auth        AuthConfig        `mapstructure:"auth"`
	MinIO       MinIOConfig       `mapstructure:"minio"`
	Breaker     BreakerConfig     `mapstructure:"breaker"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StoreConfig selects the record store: memory, postgres or sqlite.
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// AuditConfig points at the Postgres audit log. An empty DSN runs without
// the event log, snapshots and journal history.
type AuditConfig struct {
	DSN string `mapstructure:"dsn"`
}

type LedgerConfig struct {
	IdempotencyCapacity int `mapstructure:"idempotency_capacity"`
	ChannelBuffer       int `mapstructure:"channel_buffer"`
}

type ListenConfig struct {
	Addr string `mapstructure:"addr"`
}

// NATSConfig enables command ingestion and event publishing when URL is set.
type NATSConfig struct {
	URL string `mapstructure:"url"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
	CodeTTL   time.Duration `mapstructure:"code_ttl"`
}

// MinIOConfig enables the snapshot archive when Endpoint is set.
type MinIOConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

type BreakerConfig struct {
	MaxRequests         uint32        `mapstructure:"max_requests"`
	Interval            time.Duration `mapstructure:"interval"`
	Timeout             time.Duration `mapstructure:"timeout"`
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures"`
}

type PersistenceConfig struct {
	BatchSize        int           `mapstructure:"batch_size"`
	FlushTimeout     time.Duration `mapstructure:"flush_timeout"`
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval"`
}

// Defaults returns every key with its default value. Keys must be listed
// here for environment variables to reach Unmarshal.
func Defaults() map[string]any {
	return map[string]any{
		"log.level":  "info",
		"log.format": "json",

		"store.driver": "memory",
		"store.dsn":    "",
		"audit.dsn":    "",

		"ledger.idempotency_capacity": 100_000,
		"ledger.channel_buffer":       4096,

		"http.addr": ":8080",
		"grpc.addr": ":9090",
		"nats.url":  "",

		"redis.addr":     "localhost:6379",
		"redis.password": "",
		"redis.db":       0,

		"auth.jwt_secret": "",
		"auth.token_ttl":  "24h",
		"auth.code_ttl":   "10m",

		"minio.endpoint":   "",
		"minio.access_key": "",
		"minio.secret_key": "",
		"minio.bucket":     "credit-ledger-snapshots",
		"minio.region":     "",
		"minio.use_ssl":    false,

		"breaker.max_requests":         1,
		"breaker.interval":             "1m",
		"breaker.timeout":              "30s",
		"breaker.consecutive_failures": 5,

		"persistence.batch_size":        100,
		"persistence.flush_timeout":     "10ms",
		"persistence.snapshot_interval": "1h",
	}
}

// flagKeys maps command line flags to config keys.
var flagKeys = map[string]string{
	"log-level":    "log.level",
	"log-format":   "log.format",
	"store-driver": "store.driver",
	"store-dsn":    "store.dsn",
	"audit-dsn":    "audit.dsn",
	"http-addr":    "http.addr",
	"grpc-addr":    "grpc.addr",
	"nats-url":     "nats.url",
	"redis-addr":   "redis.addr",
}

// RegisterFlags adds the flags understood by Load to cmd.
func RegisterFlags(cmd *cobra.Command) {
	defaults := Defaults()
	flags := cmd.PersistentFlags()
	flags.String("config", "", "config file (YAML)")
	for flag, key := range flagKeys {
		flags.String(flag, fmt.Sprint(defaults[key]), "sets "+key)
	}
}

// Load reads the configuration. cmd may be nil in tests.
func Load(cmd *cobra.Command) (*Config, error) {
	v := viper.New()
	for key, value := range Defaults() {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cmd != nil {
		if f := lookupFlag(cmd, "config"); f != nil && f.Value.String() != "" {
			file := f.Value.String()
			v.SetConfigFile(file)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config %s: %w", file, err)
			}
		}
		for flag, key := range flagKeys {
			if f := lookupFlag(cmd, flag); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", flag, err)
				}
			}
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func lookupFlag(cmd *cobra.Command, name string) *pflag.Flag {
	if f := cmd.Flags().Lookup(name); f != nil {
		return f
	}
	return cmd.PersistentFlags().Lookup(name)
}

// Validate checks settings every command needs.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case "memory":
	case "postgres", "sqlite":
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for driver %q", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}
	if c.Persistence.BatchSize <= 0 {
		errs = append(errs, errors.New("persistence.batch_size must be positive"))
	}
	if c.Persistence.FlushTimeout <= 0 {
		errs = append(errs, errors.New("persistence.flush_timeout must be positive"))
	}
	if c.Ledger.ChannelBuffer <= 0 {
		errs = append(errs, errors.New("ledger.channel_buffer must be positive"))
	}
	return errors.Join(errs...)
}

// ValidateServe checks settings only the server needs.
func (c *Config) ValidateServe() error {
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required (CREDIT_AUTH_JWT_SECRET)")
	}
	return nil
}

// AuditDSN is the database holding the event log. It falls back to the
// record store when that is Postgres.
func (c *Config) AuditDSN() string {
	if c.Audit.DSN != "" {
		return c.Audit.DSN
	}
	if c.Store.Driver == "postgres" {
		return c.Store.DSN
	}
	return ""
}

func (c *Config) BreakerSettings() custody.BreakerConfig {
	cfg := custody.DefaultBreakerConfig()
	cfg.MaxRequests = c.Breaker.MaxRequests
	cfg.Interval = c.Breaker.Interval
	cfg.Timeout = c.Breaker.Timeout
	cfg.ConsecutiveFailures = c.Breaker.ConsecutiveFailures
	return cfg
}

func (c *Config) ArchiveSettings() persistence.ArchiveConfig {
	return persistence.ArchiveConfig{
		Endpoint:        c.MinIO.Endpoint,
		AccessKeyID:     c.MinIO.AccessKey,
		SecretAccessKey: c.MinIO.SecretKey,
		UseSSL:          c.MinIO.UseSSL,
		Bucket:          c.MinIO.Bucket,
		Region:          c.MinIO.Region,
	}
}
