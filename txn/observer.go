package txn

import "time"

// Observer receives transaction lifecycle events. Implementations must be
// safe for concurrent use and must not block.
type Observer interface {
	// Admitted is called once a request's claims are granted.
	Admitted(mode Mode, wait time.Duration)
	// Committed is called after a successful commit with the number of
	// staged writes.
	Committed(mode Mode, writes int, elapsed time.Duration)
	// Aborted is called when a transaction's writes are discarded.
	Aborted(mode Mode, cause error)
}

// NopObserver discards every event.
type NopObserver struct{}

func (NopObserver) Admitted(Mode, time.Duration)        {}
func (NopObserver) Committed(Mode, int, time.Duration) {}
func (NopObserver) Aborted(Mode, error)                 {}
