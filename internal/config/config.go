// Package config loads the service configuration: built-in defaults, then an
// optional YAML file, then a .env file, then INSTALLCORE_* environment
// variables. The result is validated before use.
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

	"installcore/internal/blob"
	"installcore/internal/bulk"
	"installcore/internal/core"
	"installcore/internal/infra/feed/redisstream"
	"installcore/internal/reconcile"
	"installcore/internal/telemetry"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "INSTALLCORE_"

// DefaultEnvFile is read when present.
const DefaultEnvFile = ".env"

// Telemetry source kinds.
const (
	TelemetryStore = "store"
	TelemetryRedis = "redis"
	TelemetryHTTP  = "http"
)

// Config is the full service configuration.
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Blob      blob.Config     `yaml:"blob"`
	Redis     RedisConfig     `yaml:"redis"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	HTTP      HTTPConfig      `yaml:"http"`
	Log       LogConfig       `yaml:"log"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Bulk      BulkConfig      `yaml:"bulk"`
}

// StorageConfig selects the document store backend.
type StorageConfig struct {
	Driver      core.StorageDriver `yaml:"driver"`
	SQLitePath  string             `yaml:"sqlite_path"`
	PostgresDSN string             `yaml:"postgres_dsn"`
}

// Core converts to the store factory's configuration.
func (s StorageConfig) Core() core.StorageConfig {
	return core.StorageConfig{Driver: s.Driver, SQLitePath: s.SQLitePath, PostgresDSN: s.PostgresDSN}
}

// RedisConfig configures the optional Redis connection. An empty Addr disables
// the change-stream relay and the Redis telemetry source.
type RedisConfig struct {
	Addr            string `yaml:"addr"`
	Password        string `yaml:"password"`
	DB              int    `yaml:"db"`
	ChangeStream    string `yaml:"change_stream"`
	TelemetryPrefix string `yaml:"telemetry_prefix"`
}

// Enabled reports whether a Redis address is configured.
func (r RedisConfig) Enabled() bool { return r.Addr != "" }

// TelemetryConfig configures the automated pre-verification checker.
type TelemetryConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Source           string        `yaml:"source"`
	BaseURL          string        `yaml:"base_url"`
	CacheTTL         time.Duration `yaml:"cache_ttl"`
	ThresholdPercent float64       `yaml:"threshold_percent"`
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Addr           string `yaml:"addr"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ReconcileConfig schedules the orphaned membership cleanup.
type ReconcileConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"`
}

// BulkConfig bounds bulk diagnostics.
type BulkConfig struct {
	ErrorCap int `yaml:"error_cap"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Storage: StorageConfig{Driver: core.StorageSQLite, SQLitePath: "installcore.db"},
		Blob:    blob.Config{Driver: blob.DriverFilesystem, FSRoot: "./blobdata", BaseURL: "/api/v1/artifacts"},
		Redis: RedisConfig{
			ChangeStream:    redisstream.DefaultStream,
			TelemetryPrefix: telemetry.DefaultRedisPrefix,
		},
		Telemetry: TelemetryConfig{
			Enabled:          true,
			Source:           TelemetryStore,
			CacheTTL:         telemetry.DefaultCacheTTL,
			ThresholdPercent: telemetry.DefaultThresholdPercent,
		},
		HTTP:      HTTPConfig{Addr: ":8080", MaxUploadBytes: 32 << 20},
		Log:       LogConfig{Level: "info", Format: "json"},
		Reconcile: ReconcileConfig{Enabled: true, Schedule: reconcile.DefaultSchedule},
		Bulk:      BulkConfig{ErrorCap: bulk.DefaultErrorCap},
	}
}

// Load builds the configuration from path (optional), DefaultEnvFile and the
// process environment.
func Load(path string) (Config, error) {
	return load(path, DefaultEnvFile, os.LookupEnv)
}

func load(path, envFile string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	dotenv := map[string]string{}
	if envFile != "" {
		values, err := godotenv.Read(envFile)
		switch {
		case err == nil:
			dotenv = values
		case !errors.Is(err, fs.ErrNotExist):
			return Config{}, fmt.Errorf("read %s: %w", envFile, err)
		}
	}
	env := func(key string) (string, bool) {
		if v, ok := lookup(EnvPrefix + key); ok {
			return v, true
		}
		v, ok := dotenv[EnvPrefix+key]
		return v, ok
	}
	if err := cfg.applyEnv(env); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(env func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := env(key); ok {
			*dst = v
		}
	}
	var errs []error
	integer := func(key string, dst *int) {
		if v, ok := env(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := env(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = b
		}
	}

	var storageDriver, blobDriver string
	str("STORAGE_DRIVER", &storageDriver)
	if storageDriver != "" {
		c.Storage.Driver = core.StorageDriver(storageDriver)
	}
	str("SQLITE_PATH", &c.Storage.SQLitePath)
	str("POSTGRES_DSN", &c.Storage.PostgresDSN)

	str("BLOB_DRIVER", &blobDriver)
	if blobDriver != "" {
		c.Blob.Driver = blob.Driver(blobDriver)
	}
	str("BLOB_FS_ROOT", &c.Blob.FSRoot)
	str("BLOB_BASE_URL", &c.Blob.BaseURL)
	str("S3_BUCKET", &c.Blob.S3.Bucket)
	str("S3_REGION", &c.Blob.S3.Region)
	str("S3_ENDPOINT", &c.Blob.S3.Endpoint)
	str("S3_ACCESS_KEY_ID", &c.Blob.S3.AccessKeyID)
	str("S3_SECRET_ACCESS_KEY", &c.Blob.S3.SecretAccessKey)
	boolean("S3_PATH_STYLE", &c.Blob.S3.PathStyle)

	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	integer("REDIS_DB", &c.Redis.DB)
	str("REDIS_CHANGE_STREAM", &c.Redis.ChangeStream)

	boolean("TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	str("TELEMETRY_SOURCE", &c.Telemetry.Source)
	str("TELEMETRY_BASE_URL", &c.Telemetry.BaseURL)
	if v, ok := env("TELEMETRY_CACHE_TTL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sTELEMETRY_CACHE_TTL: %w", EnvPrefix, err))
		} else {
			c.Telemetry.CacheTTL = d
		}
	}
	if v, ok := env("TELEMETRY_THRESHOLD_PERCENT"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sTELEMETRY_THRESHOLD_PERCENT: %w", EnvPrefix, err))
		} else {
			c.Telemetry.ThresholdPercent = f
		}
	}

	str("HTTP_ADDR", &c.HTTP.Addr)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	boolean("RECONCILE_ENABLED", &c.Reconcile.Enabled)
	str("RECONCILE_SCHEDULE", &c.Reconcile.Schedule)
	integer("BULK_ERROR_CAP", &c.Bulk.ErrorCap)
	return errors.Join(errs...)
}

// Validate reports every inconsistent setting at once.
func (c Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case core.StorageMemory:
	case core.StorageSQLite:
		if c.Storage.SQLitePath == "" {
			errs = append(errs, errors.New("storage.sqlite_path is required for the sqlite driver"))
		}
	case core.StoragePostgres:
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}

	switch c.Blob.Driver {
	case blob.DriverFilesystem, blob.DriverMemory:
	case blob.DriverS3:
		if c.Blob.S3.Bucket == "" {
			errs = append(errs, errors.New("blob.s3.bucket is required for the s3 driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown blob driver %q", c.Blob.Driver))
	}

	if c.Telemetry.Enabled {
		switch c.Telemetry.Source {
		case TelemetryStore:
		case TelemetryRedis:
			if !c.Redis.Enabled() {
				errs = append(errs, errors.New("redis.addr is required for the redis telemetry source"))
			}
		case TelemetryHTTP:
			if c.Telemetry.BaseURL == "" {
				errs = append(errs, errors.New("telemetry.base_url is required for the http telemetry source"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown telemetry source %q", c.Telemetry.Source))
		}
		if c.Telemetry.ThresholdPercent <= 0 {
			errs = append(errs, errors.New("telemetry.threshold_percent must be positive"))
		}
		if c.Telemetry.CacheTTL < 0 {
			errs = append(errs, errors.New("telemetry.cache_ttl must not be negative"))
		}
	}

	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "json", "console":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	if c.Reconcile.Enabled {
		if _, err := reconcile.ParseSchedule(c.Reconcile.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("reconcile.schedule: %w", err))
		}
	}
	if c.Bulk.ErrorCap < 0 {
		errs = append(errs, errors.New("bulk.error_cap must not be negative"))
	}
	return errors.Join(errs...)
}
