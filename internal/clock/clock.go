// Package clock provides a coarse monotonic-seconds cache refreshed by
// a background goroutine, so hot paths (last_modification checks on
// every holder, on every write) never pay for a real syscall-backed
// time read. This is the Go analogue of the coarsetime crate the
// original backend uses for the same reason (see DESIGN NOTES "global
// mutable state" in SPEC_FULL.md).
package clock

import (
	"sync/atomic"
	"time"
)

var nowSec atomic.Int64

func init() {
	nowSec.Store(time.Now().Unix())
	go refresh()
}

func refresh() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for range ticker.C {
		nowSec.Store(time.Now().Unix())
	}
}

// NowSeconds returns the cached current unix time in seconds. It is
// accurate to within one tick of the refresh loop (1s) and safe for
// concurrent use without locking.
func NowSeconds() uint64 {
	return uint64(nowSec.Load())
}
