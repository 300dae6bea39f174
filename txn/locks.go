package txn

import (
	"context"
	"sync"
)

type lockMode uint8

const (
	lockShared lockMode = iota + 1
	lockExclusive
)

// conflicts reports whether two modes on one resource are incompatible.
func (m lockMode) conflicts(other lockMode) bool {
	return m == lockExclusive || other == lockExclusive
}

type claim struct {
	resource string
	mode     lockMode
}

// request is one transaction's pending or granted set of claims.
type request struct {
	claims  []claim
	ready   chan struct{}
	granted bool
}

type holder struct {
	shared    int
	exclusive bool
}

func (h *holder) admits(m lockMode) bool {
	if h == nil {
		return true
	}
	if h.exclusive {
		return false
	}
	return m == lockShared || h.shared == 0
}

// lockTable grants claim sets in arrival order. A request is granted only
// when every claim is compatible with the current holders and with the
// claims of every earlier request still waiting, so a later request never
// overtakes an earlier conflicting one.
type lockTable struct {
	mu      sync.Mutex
	holders map[string]*holder
	queue   []*request
}

func newLockTable() *lockTable {
	return &lockTable{holders: make(map[string]*holder)}
}

// acquire blocks until claims are granted or ctx is done. A request
// cancelled before admission leaves no trace in the table.
func (lt *lockTable) acquire(ctx context.Context, claims []claim) (*request, error) {
	req := &request{claims: claims, ready: make(chan struct{})}

	lt.mu.Lock()
	lt.queue = append(lt.queue, req)
	lt.dispatch()
	lt.mu.Unlock()

	select {
	case <-req.ready:
		return req, nil
	case <-ctx.Done():
	}

	lt.mu.Lock()
	if req.granted {
		// Lost the race with dispatch: hand the grant straight back.
		lt.releaseLocked(req)
		lt.mu.Unlock()
		return nil, ctx.Err()
	}
	for i, r := range lt.queue {
		if r == req {
			lt.queue = append(lt.queue[:i], lt.queue[i+1:]...)
			break
		}
	}
	lt.dispatch()
	lt.mu.Unlock()
	return nil, ctx.Err()
}

// release returns every claim held by req and admits waiters.
func (lt *lockTable) release(req *request) {
	lt.mu.Lock()
	lt.releaseLocked(req)
	lt.mu.Unlock()
}

func (lt *lockTable) releaseLocked(req *request) {
	if !req.granted {
		return
	}
	req.granted = false
	for _, c := range req.claims {
		h := lt.holders[c.resource]
		if h == nil {
			continue
		}
		if c.mode == lockExclusive {
			h.exclusive = false
		} else {
			h.shared--
		}
		if !h.exclusive && h.shared == 0 {
			delete(lt.holders, c.resource)
		}
	}
	lt.dispatch()
}

// dispatch grants every queued request that can run. Caller holds mu.
func (lt *lockTable) dispatch() {
	var blocked map[string]lockMode
	kept := lt.queue[:0]
	for _, req := range lt.queue {
		if lt.grantable(req, blocked) {
			lt.grant(req)
			continue
		}
		if blocked == nil {
			blocked = make(map[string]lockMode)
		}
		for _, c := range req.claims {
			if blocked[c.resource] != lockExclusive {
				blocked[c.resource] = c.mode
			}
		}
		kept = append(kept, req)
	}
	for i := len(kept); i < len(lt.queue); i++ {
		lt.queue[i] = nil
	}
	lt.queue = kept
}

func (lt *lockTable) grantable(req *request, blocked map[string]lockMode) bool {
	for _, c := range req.claims {
		if !lt.holders[c.resource].admits(c.mode) {
			return false
		}
		if b, ok := blocked[c.resource]; ok && b.conflicts(c.mode) {
			return false
		}
	}
	return true
}

func (lt *lockTable) grant(req *request) {
	for _, c := range req.claims {
		h := lt.holders[c.resource]
		if h == nil {
			h = &holder{}
			lt.holders[c.resource] = h
		}
		if c.mode == lockExclusive {
			h.exclusive = true
		} else {
			h.shared++
		}
	}
	req.granted = true
	close(req.ready)
}

// waiting returns the number of queued requests.
func (lt *lockTable) waiting() int {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return len(lt.queue)
}
