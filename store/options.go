package store

import (
	"fmt"
	"strings"

	"github.com/beyondbrewing/brewkv/db"
	"github.com/beyondbrewing/brewkv/pkg/logger"
	"github.com/beyondbrewing/brewkv/record"
	"github.com/beyondbrewing/brewkv/txn"
)

// Engine names a storage engine.
type Engine string

const (
	// EnginePebble stores the database in a Pebble directory. Default.
	EnginePebble Engine = "pebble"
	// EngineBolt stores the database in a single bbolt file.
	EngineBolt Engine = "bolt"
	// EngineMemory runs Pebble on an in-memory filesystem; nothing
	// survives Close.
	EngineMemory Engine = "memory"
)

// ParseEngine maps a name to an Engine.
func ParseEngine(s string) (Engine, error) {
	switch e := Engine(strings.ToLower(s)); e {
	case EnginePebble, EngineBolt, EngineMemory:
		return e, nil
	case "":
		return EnginePebble, nil
	default:
		return "", fmt.Errorf("store: unknown engine %q", s)
	}
}

// Config holds the parameters of Open.
type Config struct {
	// DataDir holds every on-disk database and its lock file.
	DataDir string

	// Engine selects the storage engine. Ignored when Storage is set.
	Engine Engine

	// Compression and CompressThreshold configure the record codec.
	Compression       record.Compression
	CompressThreshold int

	// StorageOptions are passed to the engine constructor.
	StorageOptions []db.Option

	// Storage, when set, is used instead of opening an engine. The caller
	// keeps ownership and must close it after the DB. A storage holds one
	// database; opening another name over it fails with ErrForeignStorage.
	Storage db.Store

	// Observer receives transaction lifecycle events.
	Observer txn.Observer

	// Logger receives structured operational log messages.
	// If not set, the global logger.Default() is used.
	Logger logger.Logger
}

// DefaultConfig returns the configuration used when no options are given.
func DefaultConfig() *Config {
	return &Config{
		DataDir:           "data",
		Engine:            EnginePebble,
		Compression:       record.CompressionNone,
		CompressThreshold: record.DefaultCompressThreshold,
	}
}

func (c *Config) validate() error {
	if c.Storage == nil {
		if _, err := ParseEngine(string(c.Engine)); err != nil {
			return err
		}
		if c.Engine != EngineMemory && c.DataDir == "" {
			return fmt.Errorf("store: DataDir must be set for engine %s", c.Engine)
		}
	}
	if c.CompressThreshold < 0 {
		return fmt.Errorf("store: CompressThreshold must not be negative, got %d", c.CompressThreshold)
	}
	return nil
}

// Option is a functional option applied to Config during Open.
type Option func(*Config)

// WithDataDir sets the directory holding on-disk databases.
func WithDataDir(dir string) Option {
	return func(c *Config) { c.DataDir = dir }
}

// WithEngine selects the storage engine.
func WithEngine(e Engine) Option {
	return func(c *Config) { c.Engine = e }
}

// WithCompression enables record compression.
func WithCompression(comp record.Compression) Option {
	return func(c *Config) { c.Compression = comp }
}

// WithCompressThreshold sets the smallest record payload that is compressed.
func WithCompressThreshold(n int) Option {
	return func(c *Config) { c.CompressThreshold = n }
}

// WithStorageOptions passes tuning options to the storage engine.
func WithStorageOptions(opts ...db.Option) Option {
	return func(c *Config) { c.StorageOptions = append(c.StorageOptions, opts...) }
}

// WithStorage runs the database on an existing store.
func WithStorage(s db.Store) Option {
	return func(c *Config) { c.Storage = s }
}

// WithObserver installs a transaction observer.
func WithObserver(o txn.Observer) Option {
	return func(c *Config) { c.Observer = o }
}

// WithLogger sets the logger for the database and every component under it.
func WithLogger(l logger.Logger) Option {
	return func(c *Config) { c.Logger = l }
}
