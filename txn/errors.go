package txn

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the txn package.
var (
	ErrClosed             = errors.New("txn: coordinator is closed")
	ErrTransactionAborted = errors.New("txn: transaction aborted")
	ErrReadOnly           = errors.New("txn: write in read-only transaction")
	ErrTxDone             = errors.New("txn: transaction already finished")
	ErrTableNotInScope    = errors.New("txn: table not in transaction scope")
)

// AbortedError reports a transaction whose writes were discarded. Err is
// the body error, recovered panic or commit failure that caused it.
type AbortedError struct {
	Tables []string
	Err    error
}

func (e *AbortedError) Error() string {
	scope := "*"
	if len(e.Tables) > 0 {
		scope = strings.Join(e.Tables, ",")
	}
	return fmt.Sprintf("txn: transaction on [%s] aborted: %v", scope, e.Err)
}

func (e *AbortedError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrTransactionAborted) match.
func (e *AbortedError) Is(target error) bool { return target == ErrTransactionAborted }

// PanicError carries a value recovered from a transaction body.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("txn: panic in transaction body: %v", e.Value)
}

// Unwrap exposes the panic value when it was itself an error.
func (e *PanicError) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}
