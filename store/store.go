// Package store is the public face of brewkv: open a named, versioned
// database, migrate it, and read and write records through transactions.
//
//	d, err := store.Open(ctx, store.Request{
//		Name:       "MyTestDatabase",
//		Version:    3,
//		Migrations: steps,
//	}, store.WithDataDir("data"))
//	if err != nil {
//		return err
//	}
//	defer d.Close()
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/beyondbrewing/brewkv/db"
	"github.com/beyondbrewing/brewkv/keyspace"
	"github.com/beyondbrewing/brewkv/migrate"
	"github.com/beyondbrewing/brewkv/pkg/logger"
	"github.com/beyondbrewing/brewkv/record"
	"github.com/beyondbrewing/brewkv/schema"
	"github.com/beyondbrewing/brewkv/txn"
	"github.com/gofrs/flock"
)

// Request names the database to open and the schema it must have.
// Migrations[i] upgrades version i to i+1. Seed runs once, on a database
// created by this open, after every migration.
type Request struct {
	Name       string
	Version    uint64
	Migrations []migrate.Step
	Seed       migrate.Step
}

// DB is an open database. All methods are safe for concurrent use.
type DB struct {
	name     string
	regKey   string
	cfg      *Config
	storage  db.Store
	owned    bool
	lock     *flock.Flock
	coord    *txn.Coordinator
	migrator *migrate.Migrator
	codec    *record.Codec
	catalog  *schema.Catalog
	logger   logger.Logger

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// registry enforces one open handle per database within the process.
var registry = struct {
	sync.Mutex
	open map[string]struct{}
}{open: make(map[string]struct{})}

func claimName(key string) error {
	registry.Lock()
	defer registry.Unlock()
	if _, ok := registry.open[key]; ok {
		return ErrAlreadyOpen
	}
	registry.open[key] = struct{}{}
	return nil
}

func releaseName(key string) {
	registry.Lock()
	delete(registry.open, key)
	registry.Unlock()
}

// Open opens or creates the database req.Name and migrates it to
// req.Version. Every failure is returned as *OpenError.
func Open(ctx context.Context, req Request, opts ...Option) (*DB, error) {
	cfg := DefaultConfig()
	for _, o := range opts {
		o(cfg)
	}
	d, err := open(ctx, req, cfg)
	if err != nil {
		return nil, &OpenError{Name: req.Name, Err: err}
	}
	return d, nil
}

func open(ctx context.Context, req Request, cfg *Config) (_ *DB, err error) {
	if err := validateName(req.Name); err != nil {
		return nil, err
	}
	if req.Version == 0 {
		return nil, migrate.ErrInvalidVersion
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}
	log = log.With("component", "store", "db", req.Name)

	d := &DB{
		name:   req.Name,
		cfg:    cfg,
		logger: log,
		codec: record.NewCodec(
			record.WithCompression(cfg.Compression),
			record.WithCompressThreshold(cfg.CompressThreshold),
		),
	}

	d.regKey, err = d.registryKey()
	if err != nil {
		return nil, err
	}
	if err := claimName(d.regKey); err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			d.release()
		}
	}()

	if err := d.openStorage(); err != nil {
		return nil, err
	}

	txnOpts := []txn.Option{txn.WithLogger(log)}
	if cfg.Observer != nil {
		txnOpts = append(txnOpts, txn.WithObserver(cfg.Observer))
	}
	d.coord = txn.New(d.storage, txnOpts...)
	if err := d.claimStorage(ctx); err != nil {
		return nil, err
	}
	d.migrator = migrate.New(d.coord, migrate.WithLogger(log), migrate.WithCodec(d.codec))

	res, err := d.migrator.Run(ctx, migrate.Plan{
		Version: req.Version,
		Steps:   req.Migrations,
		Seed:    req.Seed,
	})
	if err != nil {
		return nil, err
	}
	d.catalog = res.Catalog

	log.Info("database ready",
		"version", res.To,
		"from_version", res.From,
		"steps", res.StepsRun,
		"tables", d.catalog.TableNames(),
	)
	return d, nil
}

func validateName(name string) error {
	if err := schema.ValidateName(name); err != nil {
		return err
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("%w: %q is not a valid database name", schema.ErrInvalidName, name)
	}
	return nil
}

func (d *DB) registryKey() (string, error) {
	if d.cfg.Storage != nil || d.cfg.Engine == EngineMemory {
		return "mem:" + d.name, nil
	}
	dir, err := filepath.Abs(d.cfg.DataDir)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, d.name), nil
}

func (d *DB) openStorage() error {
	cfg := d.cfg
	if cfg.Storage != nil {
		d.storage = cfg.Storage
		return nil
	}

	dbOpts := append([]db.Option{
		db.WithColumnFamilies(keyspace.ColumnFamilies()...),
		db.WithLogger(d.logger),
	}, cfg.StorageOptions...)

	if cfg.Engine == EngineMemory {
		s, err := db.Open(d.name, append(dbOpts, db.WithInMemory(true))...)
		if err != nil {
			return err
		}
		d.storage = s
		d.owned = true
		return nil
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("store: create data dir: %w", err)
	}
	d.lock = flock.New(filepath.Join(cfg.DataDir, d.name+".lock"))
	locked, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("store: lock %s: %w", d.lock.Path(), err)
	}
	if !locked {
		d.lock = nil
		return fmt.Errorf("%w: locked by another process", ErrAlreadyOpen)
	}

	var s db.Store
	switch cfg.Engine {
	case EngineBolt:
		s, err = db.OpenBolt(filepath.Join(cfg.DataDir, d.name+".bolt"), dbOpts...)
	default:
		s, err = db.Open(filepath.Join(cfg.DataDir, d.name), dbOpts...)
	}
	if err != nil {
		return err
	}
	d.storage = s
	d.owned = true
	return nil
}

// claimStorage records d's name as the owner of its storage, or checks the
// recorded owner. Catalog and records are not namespaced, so two databases
// must never share one storage.
func (d *DB) claimStorage(ctx context.Context) error {
	return d.coord.RunExclusive(ctx, func(tx *txn.Tx) error {
		owner, err := tx.Get(keyspace.CFMeta, keyspace.DatabaseKey)
		switch {
		case errors.Is(err, db.ErrKeyNotFound):
			return tx.Put(keyspace.CFMeta, keyspace.DatabaseKey, []byte(d.name))
		case err != nil:
			return err
		case string(owner) != d.name:
			return fmt.Errorf("%w: it holds %q", ErrForeignStorage, owner)
		}
		return nil
	})
}

// release frees everything acquired by open, in reverse order.
func (d *DB) release() error {
	var errs []error
	if d.coord != nil {
		d.coord.Close()
	}
	if d.owned && d.storage != nil {
		if err := d.storage.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if d.lock != nil {
		if err := d.lock.Unlock(); err != nil {
			errs = append(errs, err)
		}
	}
	if d.regKey != "" {
		releaseName(d.regKey)
	}
	return errors.Join(errs...)
}

// Close waits for in-flight transactions, then releases the engine, the
// lock file and the name. Later operations fail with ErrStoreClosed.
func (d *DB) Close() error {
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		d.closeErr = d.release()
		d.logger.Info("database closed")
	})
	return d.closeErr
}

// Name returns the database name.
func (d *DB) Name() string { return d.name }

// Version returns the schema version.
func (d *DB) Version() uint64 { return d.catalog.Version }

// Tables returns the table names, sorted.
func (d *DB) Tables() []string { return d.catalog.TableNames() }

// Schema returns a copy of a table definition.
func (d *DB) Schema(table string) (*schema.Table, error) {
	t, err := d.catalog.Table(table)
	if err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

// State returns the migrator state of this handle.
func (d *DB) State() migrate.State { return d.migrator.State() }
