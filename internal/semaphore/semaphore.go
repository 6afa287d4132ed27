// Package semaphore provides the small counting and single-permit gate
// primitives the storage layer needs: dump_sem and disk_access_sem per
// disk controller (SPEC_FULL.md §4.6), and init_protection per holder
// (§4.4). None of the example repos in the retrieval pack import
// golang.org/x/sync/semaphore, so these are built directly on buffered
// channels, which is the standard idiom for a bounded-concurrency gate
// in Go.
package semaphore

import "context"

// Weighted is a counting semaphore bounding concurrent access to a
// shared resource (blob dumps, blob opens, group init).
type Weighted struct {
	slots chan struct{}
}

// NewWeighted creates a semaphore with n available permits. n <= 0
// means unbounded: Acquire never blocks.
func NewWeighted(n int) *Weighted {
	if n <= 0 {
		return &Weighted{}
	}
	return &Weighted{slots: make(chan struct{}, n)}
}

// Acquire blocks until a permit is available or ctx is done.
func (w *Weighted) Acquire(ctx context.Context) error {
	if w.slots == nil {
		return nil
	}
	select {
	case w.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a permit to the pool.
func (w *Weighted) Release() {
	if w.slots == nil {
		return
	}
	<-w.slots
}

// Available reports the number of free permits, for metrics gauges.
func (w *Weighted) Available() int {
	if w.slots == nil {
		return -1
	}
	return cap(w.slots) - len(w.slots)
}

// Gate is a single-permit, non-blocking lock: TryAcquire never blocks,
// it reports whether the permit was free. This backs a holder's
// init_protection (SPEC_FULL.md §4.4): concurrent reinit callers must
// observe HolderTemporarilyUnavailable rather than queue.
type Gate struct {
	slot chan struct{}
}

// NewGate returns a gate with its single permit available.
func NewGate() *Gate {
	return &Gate{slot: make(chan struct{}, 1)}
}

// TryAcquire attempts to take the permit without blocking.
func (g *Gate) TryAcquire() bool {
	select {
	case g.slot <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release returns the permit.
func (g *Gate) Release() {
	select {
	case <-g.slot:
	default:
	}
}
