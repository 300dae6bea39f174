package store

import (
	"errors"
	"fmt"

	"github.com/beyondbrewing/brewkv/index"
	"github.com/beyondbrewing/brewkv/migrate"
	"github.com/beyondbrewing/brewkv/record"
	"github.com/beyondbrewing/brewkv/schema"
	"github.com/beyondbrewing/brewkv/table"
	"github.com/beyondbrewing/brewkv/txn"
)

// Errors raised by the store itself.
var (
	ErrOpen        = errors.New("store: open failed")
	ErrStoreClosed = errors.New("store: closed")
	ErrAlreadyOpen = errors.New("store: database already open")
	// ErrForeignStorage reports storage that already holds a database of
	// another name.
	ErrForeignStorage = errors.New("store: storage belongs to another database")
)

// Errors raised by the layers underneath, re-exported so callers only
// import this package.
var (
	ErrMigration            = migrate.ErrMigration
	ErrUnsupportedDowngrade = migrate.ErrUnsupportedDowngrade
	ErrMissingStep          = migrate.ErrMissingStep
	ErrCorruptCatalog       = migrate.ErrCorruptCatalog
	ErrInvalidVersion       = migrate.ErrInvalidVersion
	ErrUniqueConstraint     = index.ErrUniqueConstraint
	ErrMissingPrimaryKey    = record.ErrMissingPrimaryKey
	ErrTypeMismatch         = record.ErrTypeMismatch
	ErrNotFound             = table.ErrNotFound
	ErrKeyExists            = table.ErrKeyExists
	ErrTransactionAborted   = txn.ErrTransactionAborted
	ErrTableNotInScope      = txn.ErrTableNotInScope
	ErrNoSuchTable          = schema.ErrNoSuchTable
	ErrNoSuchIndex          = schema.ErrNoSuchIndex
)

// Typed errors, aliased for errors.As.
type (
	MigrationError        = migrate.MigrationError
	UniqueConstraintError = index.UniqueConstraintError
	TypeMismatchError     = record.TypeMismatchError
	AbortedError          = txn.AbortedError
)

// OpenError reports a failed Open. Err is the underlying cause: an engine
// failure, a corrupt catalog, a migration error or a downgrade.
type OpenError struct {
	Name string
	Err  error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("store: open %q: %v", e.Name, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrOpen) match.
func (e *OpenError) Is(target error) bool { return target == ErrOpen }
