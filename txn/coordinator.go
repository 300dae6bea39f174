// Package txn runs atomic read and read-write scopes over a db.Store.
//
// Admission is FIFO per table: a ReadWrite transaction holds its tables
// exclusively until it finishes, a ReadOnly transaction waits for earlier
// conflicting writers, takes an engine snapshot and then releases its
// claims. Writes are buffered in an ordered overlay and applied through a
// single atomic batch on commit.
package txn

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/beyondbrewing/brewkv/db"
	"github.com/beyondbrewing/brewkv/pkg/logger"
)

// Mode selects read-only or read-write access.
type Mode uint8

const (
	ReadOnly Mode = iota
	ReadWrite
)

func (m Mode) String() string {
	switch m {
	case ReadOnly:
		return "readonly"
	case ReadWrite:
		return "readwrite"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// globalResource is claimed shared by every transaction and exclusively by
// schema changes. Table names are never empty.
const globalResource = ""

// Coordinator admits and runs transactions against one store.
type Coordinator struct {
	store    db.Store
	locks    *lockTable
	observer Observer
	logger   logger.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithObserver installs a lifecycle observer.
func WithObserver(o Observer) Option {
	return func(c *Coordinator) {
		if o != nil {
			c.observer = o
		}
	}
}

// WithLogger sets the coordinator's logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// New returns a Coordinator over store. The store stays owned by the
// caller.
func New(store db.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:    store,
		locks:    newLockTable(),
		observer: NopObserver{},
		logger:   logger.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	c.logger = c.logger.With("component", "txn")
	return c
}

// Run executes fn inside a transaction over tables. A nil return from fn
// commits; an error or panic discards every write and yields an
// *AbortedError wrapping the cause.
func (c *Coordinator) Run(ctx context.Context, tables []string, mode Mode, fn func(*Tx) error) error {
	tx, err := c.Begin(ctx, tables, mode)
	if err != nil {
		return err
	}
	return tx.run(fn)
}

// RunExclusive is Run over a BeginExclusive transaction.
func (c *Coordinator) RunExclusive(ctx context.Context, fn func(*Tx) error) error {
	tx, err := c.BeginExclusive(ctx)
	if err != nil {
		return err
	}
	return tx.run(fn)
}

// Begin waits for admission and returns an open transaction. The caller
// must finish it with Commit or Rollback.
func (c *Coordinator) Begin(ctx context.Context, tables []string, mode Mode) (*Tx, error) {
	if mode != ReadOnly && mode != ReadWrite {
		return nil, fmt.Errorf("txn: invalid mode %s", mode)
	}
	scope := normalizeScope(tables)
	if slices.Contains(scope, globalResource) {
		return nil, fmt.Errorf("txn: empty table name in scope")
	}

	lm := lockShared
	if mode == ReadWrite {
		lm = lockExclusive
	}
	claims := make([]claim, 0, len(scope)+1)
	claims = append(claims, claim{resource: globalResource, mode: lockShared})
	for _, t := range scope {
		claims = append(claims, claim{resource: t, mode: lm})
	}
	return c.begin(ctx, claims, scope, mode)
}

// BeginExclusive waits until no other transaction is running and blocks
// every later one until it finishes. The transaction is read-write and may
// touch any table.
func (c *Coordinator) BeginExclusive(ctx context.Context) (*Tx, error) {
	claims := []claim{{resource: globalResource, mode: lockExclusive}}
	tx, err := c.begin(ctx, claims, nil, ReadWrite)
	if err != nil {
		return nil, err
	}
	tx.exclusive = true
	return tx, nil
}

func (c *Coordinator) begin(ctx context.Context, claims []claim, scope []string, mode Mode) (*Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return nil, ErrClosed
	}
	c.wg.Add(1)
	c.mu.RUnlock()

	start := time.Now()
	req, err := c.locks.acquire(ctx, claims)
	if err != nil {
		c.wg.Done()
		return nil, err
	}
	c.observer.Admitted(mode, time.Since(start))

	snap, err := c.store.NewSnapshot()
	if err != nil {
		c.locks.release(req)
		c.wg.Done()
		return nil, fmt.Errorf("txn: snapshot: %w", err)
	}

	tx := &Tx{
		c:       c,
		mode:    mode,
		scope:   scope,
		snap:    snap,
		started: start,
	}
	if mode == ReadWrite {
		tx.req = req
		tx.writes = newOverlay()
	} else {
		// The snapshot already isolates the reader.
		c.locks.release(req)
	}
	return tx, nil
}

// Waiting returns the number of requests queued for admission.
func (c *Coordinator) Waiting() int {
	return c.locks.waiting()
}

// Close rejects new transactions with ErrClosed and blocks until every
// admitted or queued transaction has finished.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.wg.Wait()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.logger.Debug("waiting for in-flight transactions")
	c.wg.Wait()
}

// normalizeScope sorts and deduplicates table names.
func normalizeScope(tables []string) []string {
	scope := slices.Clone(tables)
	slices.Sort(scope)
	return slices.Compact(scope)
}
