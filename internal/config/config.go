// Package config loads ODM settings from odm.yml and ODM_* environment
// variables and opens the configured storage driver.
package config

import (
	"context"
	"fmt"
	"strings"

	"github.com/conduit-lang/odm/internal/logging"
	"github.com/conduit-lang/odm/pkg/odm"
	"github.com/conduit-lang/odm/pkg/storage"
	"github.com/conduit-lang/odm/pkg/storage/jsonfile"
	"github.com/conduit-lang/odm/pkg/storage/memory"
	"github.com/conduit-lang/odm/pkg/storage/redisstore"
	"github.com/conduit-lang/odm/pkg/storage/sqlstore"
	"github.com/spf13/viper"
)

// Storage drivers
const (
	DriverMemory   = "memory"
	DriverJSONFile = "jsonfile"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Config represents the ODM configuration
type Config struct {
	// Database is the default database name. Drivers without an explicit
	// location derive theirs from it.
	Database string         `mapstructure:"database"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Commit   CommitConfig   `mapstructure:"commit"`
	Logging  logging.Config `mapstructure:"logging"`
}

// StorageConfig selects and locates the storage driver
type StorageConfig struct {
	Driver      string      `mapstructure:"driver"`
	Path        string      `mapstructure:"path"`
	DSN         string      `mapstructure:"dsn"`
	TablePrefix string      `mapstructure:"table_prefix"`
	Redis       RedisConfig `mapstructure:"redis"`
}

// RedisConfig represents Redis connection settings
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// CommitConfig holds the default commit options
type CommitConfig struct {
	BatchSize int `mapstructure:"batch_size"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database", "odm")
	v.SetDefault("storage.driver", DriverMemory)
	v.SetDefault("storage.path", "")
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.table_prefix", "")
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.prefix", "")
	v.SetDefault("commit.batch_size", 0)
	v.SetDefault("logging.level", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.encoding", "")
}

// Load reads the configuration. An empty path looks for odm.yml in the
// working directory and falls back to defaults when it does not exist;
// an explicit path must exist. ODM_* variables override file values,
// e.g. ODM_STORAGE_DRIVER.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("odm")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("ODM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks driver settings for consistency
func Validate(cfg *Config) error {
	switch cfg.Storage.Driver {
	case DriverMemory, DriverJSONFile, DriverSQLite:
	case DriverPostgres:
		if cfg.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the postgres driver")
		}
	case DriverRedis:
		if cfg.Storage.Redis.Addr == "" {
			return fmt.Errorf("storage.redis.addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("storage.driver must be one of memory, jsonfile, sqlite, postgres, redis, got: %s", cfg.Storage.Driver)
	}
	if (cfg.Storage.Driver == DriverJSONFile || cfg.Storage.Driver == DriverSQLite) &&
		cfg.Storage.Path == "" && cfg.Storage.DSN == "" && cfg.Database == "" {
		return fmt.Errorf("storage.path or database is required for the %s driver", cfg.Storage.Driver)
	}
	if cfg.Commit.BatchSize < 0 {
		return fmt.Errorf("commit.batch_size must not be negative, got: %d", cfg.Commit.BatchSize)
	}
	return cfg.Logging.Validate()
}

// Location returns where the configured driver keeps its data
func (c *Config) Location() string {
	s := c.Storage
	switch s.Driver {
	case DriverJSONFile:
		if s.Path != "" {
			return s.Path
		}
		return c.Database + ".json"
	case DriverSQLite:
		if s.DSN != "" {
			return s.DSN
		}
		if s.Path != "" {
			return s.Path
		}
		return c.Database + ".db"
	case DriverPostgres:
		return s.DSN
	case DriverRedis:
		return s.Redis.Addr
	}
	return "memory"
}

// OpenStorage opens the configured storage driver
func OpenStorage(ctx context.Context, cfg *Config) (storage.DocumentStorage, error) {
	s := cfg.Storage
	var (
		st  storage.DocumentStorage
		err error
	)
	switch s.Driver {
	case DriverMemory:
		return memory.New(), nil
	case DriverJSONFile:
		var js *jsonfile.Store
		js, err = jsonfile.Open(cfg.Location())
		st = js
	case DriverSQLite, DriverPostgres:
		dialect, dsn := sqlstore.SQLite, cfg.Location()
		if s.Driver == DriverPostgres {
			dialect = sqlstore.Postgres
		}
		var ss *sqlstore.Store
		ss, err = sqlstore.Open(dialect, dsn, sqlstore.WithTablePrefix(s.TablePrefix))
		st = ss
	case DriverRedis:
		prefix := s.Redis.Prefix
		if prefix == "" {
			prefix = cfg.Database
		}
		var rs *redisstore.Store
		rs, err = redisstore.Open(ctx, redisstore.Config{
			Addr:     s.Redis.Addr,
			Password: s.Redis.Password,
			DB:       s.Redis.DB,
			Prefix:   prefix,
		})
		st = rs
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", s.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s storage: %w", s.Driver, err)
	}
	return st, nil
}

// ManagerOptions returns the document manager options derived from cfg
func (c *Config) ManagerOptions() ([]odm.Option, error) {
	logger, err := logging.New(c.Logging)
	if err != nil {
		return nil, err
	}
	opts := []odm.Option{odm.WithLogger(logger)}
	if c.Commit.BatchSize > 0 {
		opts = append(opts, odm.WithDefaultCommitOptions(odm.WithBatchSize(c.Commit.BatchSize)))
	}
	return opts, nil
}

// Open opens the configured storage and creates a document manager over it
func Open(ctx context.Context, cfg *Config, extra ...odm.Option) (*odm.DocumentManager, error) {
	opts, err := cfg.ManagerOptions()
	if err != nil {
		return nil, err
	}
	st, err := OpenStorage(ctx, cfg)
	if err != nil {
		return nil, err
	}
	dm, err := odm.New(st, append(opts, extra...)...)
	if err != nil {
		if c, ok := st.(storage.Closer); ok {
			_ = c.Close()
		}
		return nil, err
	}
	return dm, nil
}
