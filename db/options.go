package db

import (
	"runtime"
	"time"

	"github.com/beyondbrewing/brewkv/pkg/logger"
)

// Config holds all tunable parameters for a [PebbleDB] or [BoltDB] instance.
// Use functional [Option] values with [Open] rather than constructing
// a Config directly.
type Config struct {
	// ColumnFamilies lists logical column families to register.
	// Pebble simulates CFs via key-prefixing and Bolt maps each one to a
	// bucket; this list controls which CF names are accepted by Store
	// methods. The [DefaultColumnFamily] ("default") is always included.
	ColumnFamilies []string

	// InMemory keeps every Pebble file in an in-memory filesystem. Nothing
	// survives Close. Ignored by Bolt.
	InMemory bool

	// --- Performance Tuning (Pebble) ---

	// CacheSize is the shared block-cache capacity in bytes.
	CacheSize int64

	// MemTableSize is the size of a single memtable in bytes.
	MemTableSize uint64

	// MaxConcurrentCompactions controls parallelism for background
	// compactions.
	MaxConcurrentCompactions int

	// MaxOpenFiles limits the number of open file descriptors Pebble
	// keeps open. Use 0 for unlimited.
	MaxOpenFiles int

	// L0CompactionThreshold is the number of L0 sub-levels that trigger
	// a compaction into L1.
	L0CompactionThreshold int

	// L0StopWritesThreshold is the hard limit on L0 sub-levels before
	// foreground writes stall.
	L0StopWritesThreshold int

	// LBaseMaxBytes is the maximum total size of the base level (L1).
	LBaseMaxBytes int64

	// WALDir overrides the WAL directory. Leave empty to co-locate WAL
	// files with the database.
	WALDir string

	// --- Bolt ---

	// OpenTimeout bounds how long Bolt waits for its file lock.
	// Zero waits forever.
	OpenTimeout time.Duration

	// SyncWrites controls whether each write is synced to stable storage.
	// false (default) gives better throughput; true gives durability per
	// commit at a significant performance cost.
	SyncWrites bool

	// Logger receives structured operational log messages.
	// If not set, the global logger.Default() is used.
	Logger logger.Logger
}

// DefaultConfig returns a Config with defaults tuned for an embedded record
// store (small point writes, point lookups and short prefix scans).
func DefaultConfig() *Config {
	return &Config{
		CacheSize:                64 << 20, // 64 MB
		MemTableSize:             16 << 20, // 16 MB
		MaxConcurrentCompactions: runtime.NumCPU(),
		MaxOpenFiles:             0, // unlimited
		L0CompactionThreshold:    4,
		L0StopWritesThreshold:    12,
		LBaseMaxBytes:            64 << 20, // 64 MB
		OpenTimeout:              5 * time.Second,
	}
}

// Option is a functional option applied to [Config] during [Open].
type Option func(*Config)

// WithColumnFamilies registers logical column families.
// The [DefaultColumnFamily] ("default") is always present regardless.
func WithColumnFamilies(cfs ...string) Option {
	return func(c *Config) { c.ColumnFamilies = cfs }
}

// WithInMemory keeps the Pebble engine entirely in memory.
func WithInMemory(on bool) Option {
	return func(c *Config) { c.InMemory = on }
}

// WithCacheSize sets the shared block-cache capacity in bytes.
func WithCacheSize(size int64) Option {
	return func(c *Config) { c.CacheSize = size }
}

// WithMemTableSize sets the memtable size in bytes.
func WithMemTableSize(size uint64) Option {
	return func(c *Config) { c.MemTableSize = size }
}

// WithMaxConcurrentCompactions sets background compaction parallelism.
func WithMaxConcurrentCompactions(n int) Option {
	return func(c *Config) { c.MaxConcurrentCompactions = n }
}

// WithMaxOpenFiles limits the number of open file descriptors.
// Use 0 for unlimited.
func WithMaxOpenFiles(n int) Option {
	return func(c *Config) { c.MaxOpenFiles = n }
}

// WithL0CompactionThreshold sets the L0 sub-level compaction trigger.
func WithL0CompactionThreshold(n int) Option {
	return func(c *Config) { c.L0CompactionThreshold = n }
}

// WithL0StopWritesThreshold sets the L0 write-stall limit.
func WithL0StopWritesThreshold(n int) Option {
	return func(c *Config) { c.L0StopWritesThreshold = n }
}

// WithLBaseMaxBytes sets the max size of the base compaction level.
func WithLBaseMaxBytes(size int64) Option {
	return func(c *Config) { c.LBaseMaxBytes = size }
}

// WithWALDir sets a separate directory for write-ahead log files.
func WithWALDir(dir string) Option {
	return func(c *Config) { c.WALDir = dir }
}

// WithOpenTimeout bounds the Bolt file-lock wait.
func WithOpenTimeout(d time.Duration) Option {
	return func(c *Config) { c.OpenTimeout = d }
}

// WithSyncWrites enables per-commit durability (fsync).
func WithSyncWrites(sync bool) Option {
	return func(c *Config) { c.SyncWrites = sync }
}

// WithLogger sets a custom logger for the database.
// If not set, the global logger.Default() is used.
func WithLogger(l logger.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// columnFamilies returns the registered CF names, default first, deduplicated.
func (c *Config) columnFamilies() []string {
	out := []string{DefaultColumnFamily}
	seen := map[string]struct{}{DefaultColumnFamily: {}}
	for _, cf := range c.ColumnFamilies {
		if _, ok := seen[cf]; ok {
			continue
		}
		seen[cf] = struct{}{}
		out = append(out, cf)
	}
	return out
}
