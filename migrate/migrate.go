// Package migrate drives a database from its stored schema version to a
// requested one. All steps of one open, plus seed data on a fresh
// database, run inside a single exclusive transaction: either the whole
// upgrade commits with the new catalog or nothing does.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/beyondbrewing/brewkv/db"
	"github.com/beyondbrewing/brewkv/keyspace"
	"github.com/beyondbrewing/brewkv/pkg/logger"
	"github.com/beyondbrewing/brewkv/record"
	"github.com/beyondbrewing/brewkv/schema"
	"github.com/beyondbrewing/brewkv/txn"
)

// Sentinel errors for the migrate package.
var (
	ErrMigration            = errors.New("migrate: migration failed")
	ErrUnsupportedDowngrade = errors.New("migrate: stored version is newer than requested")
	ErrMissingStep          = errors.New("migrate: no step for version")
	ErrInvalidVersion       = errors.New("migrate: version must be positive")
	ErrCorruptCatalog       = errors.New("migrate: corrupt catalog")
)

// MigrationError reports the step that failed. Version is the version the
// step was upgrading to.
type MigrationError struct {
	Version uint64
	Err     error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migrate: step to version %d failed: %v", e.Version, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrMigration) match.
func (e *MigrationError) Is(target error) bool { return target == ErrMigration }

// State is the migrator lifecycle.
type State int32

const (
	StateUnopened State = iota
	StateOpening
	StateMigrating
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnopened:
		return "unopened"
	case StateOpening:
		return "opening"
	case StateMigrating:
		return "migrating"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Step upgrades the schema by exactly one version.
type Step func(*Upgrade) error

// Plan is what an open asks for. Steps[i] upgrades version i to i+1, so a
// plan for Version n needs at least n steps. Seed runs after the steps,
// only when the stored version was 0.
type Plan struct {
	Version uint64
	Steps   []Step
	Seed    Step
}

// Result describes a completed Run.
type Result struct {
	Catalog  *schema.Catalog
	From     uint64
	To       uint64
	StepsRun int
	Seeded   bool
}

// Migrator runs plans against one coordinator.
type Migrator struct {
	coord  *txn.Coordinator
	codec  *record.Codec
	logger logger.Logger
	state  atomic.Int32
}

// Option configures a Migrator.
type Option func(*Migrator)

// WithLogger sets the migrator's logger.
func WithLogger(l logger.Logger) Option {
	return func(m *Migrator) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithCodec sets the record codec used for seed data and index rebuilds.
func WithCodec(c *record.Codec) Option {
	return func(m *Migrator) {
		if c != nil {
			m.codec = c
		}
	}
}

// New returns a Migrator in StateUnopened.
func New(coord *txn.Coordinator, opts ...Option) *Migrator {
	m := &Migrator{
		coord:  coord,
		codec:  record.NewCodec(),
		logger: logger.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	m.logger = m.logger.With("component", "migrate")
	return m
}

// State returns the current lifecycle state.
func (m *Migrator) State() State { return State(m.state.Load()) }

func (m *Migrator) setState(s State) { m.state.Store(int32(s)) }

// Run brings the store to plan.Version.
func (m *Migrator) Run(ctx context.Context, plan Plan) (*Result, error) {
	if plan.Version == 0 {
		return nil, ErrInvalidVersion
	}
	prev := m.State()
	m.setState(StateOpening)

	tx, err := m.coord.BeginExclusive(ctx)
	if err != nil {
		m.setState(prev)
		return nil, err
	}

	cat, err := LoadCatalog(tx)
	if err != nil {
		tx.Rollback()
		m.setState(StateFailed)
		return nil, err
	}

	stored := cat.Version
	log := m.logger.With("from", stored, "to", plan.Version)

	switch {
	case stored == plan.Version:
		tx.Rollback()
		m.setState(StateReady)
		log.Debug("schema up to date")
		return &Result{Catalog: cat, From: stored, To: stored}, nil
	case stored > plan.Version:
		tx.Rollback()
		m.setState(prev)
		return nil, fmt.Errorf("%w: stored %d, requested %d", ErrUnsupportedDowngrade, stored, plan.Version)
	case uint64(len(plan.Steps)) < plan.Version:
		tx.Rollback()
		m.setState(StateFailed)
		return nil, fmt.Errorf("%w: %d (plan has %d steps)", ErrMissingStep, len(plan.Steps)+1, len(plan.Steps))
	}

	m.setState(StateMigrating)
	start := time.Now()
	res, err := m.upgrade(tx, cat, plan)
	if err != nil {
		tx.Rollback()
		m.setState(StateFailed)
		log.Error("migration failed, nothing applied", "error", err)
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		m.setState(StateFailed)
		log.Error("migration commit failed", "error", err)
		return nil, &MigrationError{Version: plan.Version, Err: err}
	}

	m.setState(StateReady)
	log.Info("schema migrated", "steps", res.StepsRun, "seeded", res.Seeded, "elapsed", time.Since(start))
	return res, nil
}

func (m *Migrator) upgrade(tx *txn.Tx, stored *schema.Catalog, plan Plan) (res *Result, err error) {
	up := &Upgrade{
		tx:         tx,
		catalog:    stored.Clone(),
		codec:      m.codec,
		logger:     m.logger,
		oldVersion: stored.Version,
		newVersion: plan.Version,
	}
	res = &Result{From: stored.Version, To: plan.Version}

	// A panicking step fails its version like an error would.
	defer func() {
		if r := recover(); r != nil {
			err = &MigrationError{Version: up.version, Err: &txn.PanicError{Value: r}}
		}
	}()

	for v := stored.Version; v < plan.Version; v++ {
		up.version = v + 1
		step := plan.Steps[v]
		if step == nil {
			return nil, &MigrationError{Version: up.version, Err: ErrMissingStep}
		}
		if err := step(up); err != nil {
			return nil, &MigrationError{Version: up.version, Err: err}
		}
		res.StepsRun++
	}

	if stored.Version == 0 && plan.Seed != nil {
		if err := plan.Seed(up); err != nil {
			return nil, &MigrationError{Version: plan.Version, Err: fmt.Errorf("seed: %w", err)}
		}
		res.Seeded = true
	}

	up.catalog.Version = plan.Version
	if err := up.catalog.Validate(); err != nil {
		return nil, &MigrationError{Version: plan.Version, Err: err}
	}
	if err := up.persist(); err != nil {
		return nil, &MigrationError{Version: plan.Version, Err: err}
	}
	res.Catalog = up.catalog
	return res, nil
}

// LoadCatalog reads the stored catalog, or an empty version 0 catalog when
// none was ever written.
func LoadCatalog(r db.Reader) (*schema.Catalog, error) {
	data, err := r.Get(keyspace.CFMeta, keyspace.CatalogKey)
	if errors.Is(err, db.ErrKeyNotFound) {
		return schema.New(), nil
	}
	if err != nil {
		return nil, err
	}
	cat, err := schema.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptCatalog, err)
	}
	return cat, nil
}
