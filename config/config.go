package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/beyondbrewing/brewkv/db"
	"github.com/beyondbrewing/brewkv/pkg/logger"
	"github.com/beyondbrewing/brewkv/record"
	"github.com/beyondbrewing/brewkv/store"
	"github.com/spf13/viper"
)

// injected configurations
var (
	APP_NAME    string = "brewkv"
	APP_VERSION string = "0.0.1"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "BREWKV"

// Keys understood by Load, in config files, flags and (upper-cased, with
// EnvPrefix) the environment.
const (
	KeyDataDir           = "data_dir"
	KeyEngine            = "engine"
	KeyCacheSize         = "cache_size"
	KeyMemTableSize      = "memtable_size"
	KeySyncWrites        = "sync_writes"
	KeyCompression       = "compression"
	KeyCompressThreshold = "compress_threshold"
	KeyLogLevel          = "log_level"
	KeyLogFormat         = "log_format"
	KeyMetricsAddr       = "metrics_addr"

	KeyMaxConcurrentCompactions = "max_concurrent_compactions"
	KeyMaxOpenFiles             = "max_open_files"
	KeyL0CompactionThreshold    = "l0_compaction_threshold"
	KeyL0StopWritesThreshold    = "l0_stop_writes_threshold"
	KeyLBaseMaxBytes            = "lbase_max_bytes"
	KeyWALDir                   = "wal_dir"
	KeyOpenTimeout              = "open_timeout"
)

// Config is the process configuration of the brewkv binaries.
type Config struct {
	DataDir           string `mapstructure:"data_dir"`
	Engine            string `mapstructure:"engine"`
	CacheSize         int64  `mapstructure:"cache_size"`
	MemTableSize      uint64 `mapstructure:"memtable_size"`
	SyncWrites        bool   `mapstructure:"sync_writes"`
	Compression       string `mapstructure:"compression"`
	CompressThreshold int    `mapstructure:"compress_threshold"`
	LogLevel          string `mapstructure:"log_level"`
	LogFormat         string `mapstructure:"log_format"`
	MetricsAddr       string `mapstructure:"metrics_addr"` // empty disables the metrics endpoint

	// Engine tuning. Zero leaves the engine default.
	MaxConcurrentCompactions int           `mapstructure:"max_concurrent_compactions"`
	MaxOpenFiles             int           `mapstructure:"max_open_files"`
	L0CompactionThreshold    int           `mapstructure:"l0_compaction_threshold"`
	L0StopWritesThreshold    int           `mapstructure:"l0_stop_writes_threshold"`
	LBaseMaxBytes            int64         `mapstructure:"lbase_max_bytes"`
	WALDir                   string        `mapstructure:"wal_dir"`
	OpenTimeout              time.Duration `mapstructure:"open_timeout"` // bolt file lock wait
}

// New returns a viper instance carrying the defaults and reading the
// environment. Callers may bind flags to it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault(KeyDataDir, "data")
	v.SetDefault(KeyEngine, string(store.EnginePebble))
	v.SetDefault(KeyCacheSize, 64<<20)
	v.SetDefault(KeyMemTableSize, 32<<20)
	v.SetDefault(KeySyncWrites, true)
	v.SetDefault(KeyCompression, record.CompressionNone.String())
	v.SetDefault(KeyCompressThreshold, record.DefaultCompressThreshold)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "json")
	v.SetDefault(KeyMetricsAddr, "")
	v.SetDefault(KeyMaxConcurrentCompactions, 0)
	v.SetDefault(KeyMaxOpenFiles, 0)
	v.SetDefault(KeyL0CompactionThreshold, 0)
	v.SetDefault(KeyL0StopWritesThreshold, 0)
	v.SetDefault(KeyLBaseMaxBytes, 0)
	v.SetDefault(KeyWALDir, "")
	v.SetDefault(KeyOpenTimeout, 5*time.Second)

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	return v
}

// Load reads the configuration. When file is empty, brewkv.yaml and .env in
// the working directory are read if present; otherwise file must exist.
// Precedence, highest first: flags bound to v, environment, files, defaults.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", file, err)
		}
	} else {
		v.SetConfigName("brewkv")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("config: %w", err)
			}
		}
		if err := ImportEnv(v, "."); err != nil {
			return nil, err
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// ImportEnv merges dir/.env into v when it exists. Its keys are the plain
// names (DATA_DIR=...), without EnvPrefix.
func ImportEnv(v *viper.Viper, dir string) error {
	path := filepath.Join(dir, ".env")
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	v.SetConfigFile(path)
	v.SetConfigType("env")
	if err := v.MergeInConfig(); err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	return nil
}

// Validate checks every enumerated and numeric field.
func (c *Config) Validate() error {
	if _, err := store.ParseEngine(c.Engine); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := record.ParseCompression(c.Compression); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.CompressThreshold < 0 {
		return fmt.Errorf("config: %s must not be negative", KeyCompressThreshold)
	}
	for key, n := range map[string]int64{
		KeyCacheSize:                c.CacheSize,
		KeyMaxConcurrentCompactions: int64(c.MaxConcurrentCompactions),
		KeyMaxOpenFiles:             int64(c.MaxOpenFiles),
		KeyL0CompactionThreshold:    int64(c.L0CompactionThreshold),
		KeyL0StopWritesThreshold:    int64(c.L0StopWritesThreshold),
		KeyLBaseMaxBytes:            c.LBaseMaxBytes,
		KeyOpenTimeout:              int64(c.OpenTimeout),
	} {
		if n < 0 {
			return fmt.Errorf("config: %s must not be negative", key)
		}
	}
	return nil
}

// StoreOptions translates c into store.Open options.
func (c *Config) StoreOptions() ([]store.Option, error) {
	engine, err := store.ParseEngine(c.Engine)
	if err != nil {
		return nil, err
	}
	comp, err := record.ParseCompression(c.Compression)
	if err != nil {
		return nil, err
	}

	var dbOpts []db.Option
	if c.CacheSize > 0 {
		dbOpts = append(dbOpts, db.WithCacheSize(c.CacheSize))
	}
	if c.MemTableSize > 0 {
		dbOpts = append(dbOpts, db.WithMemTableSize(c.MemTableSize))
	}
	if c.MaxConcurrentCompactions > 0 {
		dbOpts = append(dbOpts, db.WithMaxConcurrentCompactions(c.MaxConcurrentCompactions))
	}
	if c.MaxOpenFiles > 0 {
		dbOpts = append(dbOpts, db.WithMaxOpenFiles(c.MaxOpenFiles))
	}
	if c.L0CompactionThreshold > 0 {
		dbOpts = append(dbOpts, db.WithL0CompactionThreshold(c.L0CompactionThreshold))
	}
	if c.L0StopWritesThreshold > 0 {
		dbOpts = append(dbOpts, db.WithL0StopWritesThreshold(c.L0StopWritesThreshold))
	}
	if c.LBaseMaxBytes > 0 {
		dbOpts = append(dbOpts, db.WithLBaseMaxBytes(c.LBaseMaxBytes))
	}
	if c.WALDir != "" {
		dbOpts = append(dbOpts, db.WithWALDir(c.WALDir))
	}
	if c.OpenTimeout > 0 {
		dbOpts = append(dbOpts, db.WithOpenTimeout(c.OpenTimeout))
	}
	dbOpts = append(dbOpts, db.WithSyncWrites(c.SyncWrites))

	return []store.Option{
		store.WithDataDir(c.DataDir),
		store.WithEngine(engine),
		store.WithCompression(comp),
		store.WithCompressThreshold(c.CompressThreshold),
		store.WithStorageOptions(dbOpts...),
	}, nil
}

// Logger builds the process logger from LogLevel and LogFormat.
func (c *Config) Logger() (logger.Logger, error) {
	return logger.Build(c.LogLevel, c.LogFormat)
}
