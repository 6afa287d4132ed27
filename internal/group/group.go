// Package group implements the holder group (spec.md §4.5): the set
// of time-bucketed partitions backing one (vdisk, disk) pair, plus the
// placement algorithm that picks or creates the right holder for a
// given timestamp.
//
// The ordered-holder-list-plus-pending-creation-map shape is adapted
// from the teacher's compact/rehash bookkeeping (compact.go,
// rehash.go in jpl-au-folio), generalised from "merge stale segments"
// to "create and retire time-bucketed partitions".
package group

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/jpl-au/bob/internal/bobmisc"
	"github.com/jpl-au/bob/internal/clock"
	"github.com/jpl-au/bob/internal/holder"
	"github.com/jpl-au/bob/internal/record"
)

// StartTimestampConfig controls whether a new holder's start is
// rounded down to a period boundary (normal partitions) or taken
// verbatim (alien partitions, spec.md §4.5).
type StartTimestampConfig struct {
	Round bool
}

// Options configures partition creation.
type Options struct {
	BaseDir          string
	VDiskID          uint32
	TimestampPeriod  uint64
	StartTimestamp   StartTimestampConfig
	HolderOptions    holder.Options
	FailRetryCount   int
	CreatePearlWait  time.Duration
}

// Group is the time-bucketed partition set for one (vdisk, disk) pair.
// Its pending map records a holder index currently being created for a
// given start timestamp, so two concurrent PUTs for the same bucket
// don't race to create two holders (spec.md §4.5).
type Group struct {
	mu       sync.RWMutex
	opts     Options
	holders  []*holder.Holder
	pending  map[uint64]int
}

// New constructs an empty group. It does not scan BaseDir for
// partitions already on disk.
func New(opts Options) *Group {
	return &Group{
		opts:    opts,
		pending: make(map[uint64]int),
	}
}

func (g *Group) partitionDir(startTS uint64, nodeHash string) string {
	return filepath.Join(g.opts.BaseDir, fmt.Sprintf("%d_%s", startTS, nodeHash))
}

// selectForWrite implements the placement algorithm of spec.md §4.5
// steps 1-4. Caller does not hold g.mu.
func (g *Group) selectForWrite(ts uint64, nodeHash string) (*holder.Holder, error) {
	g.mu.RLock()
	var candidate *holder.Holder
	for _, h := range g.holders {
		if h.GetsIntoInterval(ts) {
			if candidate == nil || h.StartTimestamp() > candidate.StartTimestamp() {
				candidate = h
			}
		}
	}
	g.mu.RUnlock()
	if candidate != nil {
		return candidate, nil
	}

	g.mu.Lock()
	if idx, ok := g.pending[ts]; ok {
		h := g.holders[idx]
		g.mu.Unlock()
		return h, nil
	}

	start := ts
	if g.opts.StartTimestamp.Round && g.opts.TimestampPeriod > 0 {
		start = (ts / g.opts.TimestampPeriod) * g.opts.TimestampPeriod
	}
	end := start + g.opts.TimestampPeriod
	if !g.opts.StartTimestamp.Round {
		end = start + 1 // alien holders cover only the exact timestamp
	}

	dir := g.partitionDir(start, nodeHash)
	h := holder.New(dir, start, end, g.opts.StartTimestamp.Round, g.opts.HolderOptions)
	idx := len(g.holders)
	g.holders = append(g.holders, h)
	g.pending[ts] = idx
	g.mu.Unlock()

	var lastErr error
	retries := g.opts.FailRetryCount
	if retries < 1 {
		retries = 1
	}
	for i := 0; i < retries; i++ {
		if err := h.PrepareStorage(); err != nil {
			lastErr = err
			if g.opts.CreatePearlWait > 0 {
				time.Sleep(g.opts.CreatePearlWait)
			}
			continue
		}
		lastErr = nil
		break
	}

	g.mu.Lock()
	delete(g.pending, ts)
	g.mu.Unlock()

	if lastErr != nil {
		return nil, lastErr
	}
	return h, nil
}

// Write picks (or creates) the right holder for meta.Timestamp and
// writes the record there.
func (g *Group) Write(key record.Key, meta record.Meta, payload []byte, nodeHash string) error {
	h, err := g.selectForWrite(meta.Timestamp, nodeHash)
	if err != nil {
		return err
	}
	return h.Write(key, meta, payload)
}

// GroupReadOutcome mirrors holder.ReadOutcome at group scope.
type GroupReadOutcome = holder.ReadOutcome

const (
	ReadNotFound = holder.ReadNotFound
	ReadFound    = holder.ReadFound
	ReadDeleted  = holder.ReadDeleted
)

// Read iterates holders in reverse creation order, collects every
// successful read, and returns the one with the maximum timestamp
// (tombstones dominate a live record at an equal timestamp).
// ErrKeyNotFound is returned only if every holder reports NotFound; a
// non-NotFound failure from any holder fails the whole aggregate
// (spec.md §4.5).
func (g *Group) Read(key record.Key) (holder.ReadResult, error) {
	g.mu.RLock()
	holders := make([]*holder.Holder, len(g.holders))
	copy(holders, g.holders)
	g.mu.RUnlock()

	var best holder.ReadResult
	found := false
	for i := len(holders) - 1; i >= 0; i-- {
		res, err := holders[i].Read(key)
		if err != nil {
			if err == bobmisc.ErrVDiskNotReady {
				continue
			}
			return holder.ReadResult{}, err
		}
		if res.Outcome == holder.ReadNotFound {
			continue
		}
		if !found || res.Timestamp > best.Timestamp || (res.Timestamp == best.Timestamp && res.Outcome == holder.ReadDeleted) {
			best = res
			found = true
		}
	}
	if !found {
		return holder.ReadResult{}, bobmisc.ErrKeyNotFound
	}
	return best, nil
}

// Exist ORs per-key presence across holders, short-circuiting once a
// key is known to exist (spec.md §4.5).
func (g *Group) Exist(key record.Key) (holder.ExistResult, error) {
	g.mu.RLock()
	holders := make([]*holder.Holder, len(g.holders))
	copy(holders, g.holders)
	g.mu.RUnlock()

	for i := len(holders) - 1; i >= 0; i-- {
		res, err := holders[i].Exist(key)
		if err != nil {
			if err == bobmisc.ErrVDiskNotReady {
				continue
			}
			return holder.ExistResult{}, err
		}
		if res.Status != holder.ExistNotFound {
			return res, nil
		}
	}
	return holder.ExistResult{Status: holder.ExistNotFound}, nil
}

// Delete routes a tombstone to the right holder, same placement rule
// as Write.
func (g *Group) Delete(key record.Key, meta record.Meta, force bool, nodeHash string) error {
	h, err := g.selectForWrite(meta.Timestamp, nodeHash)
	if err != nil {
		return err
	}
	return h.Delete(key, meta, force)
}

// Detach removes a holder with the given start timestamp from the
// in-memory set and closes it, leaving its files on disk until
// DropDirectory is called. It is forbidden while the partition still
// covers the current time (spec.md §4.5).
func (g *Group) Detach(startTS uint64) (*holder.Holder, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := clock.NowSeconds()
	for i, h := range g.holders {
		if h.StartTimestamp() != startTS {
			continue
		}
		if h.GetsIntoInterval(now) {
			return nil, fmt.Errorf("group: cannot detach partition %d, it still covers the current time", startTS)
		}
		if err := h.Close(); err != nil {
			return nil, err
		}
		g.holders = append(g.holders[:i], g.holders[i+1:]...)
		return h, nil
	}
	return nil, fmt.Errorf("group: no partition with start timestamp %d", startTS)
}

// Attach re-registers a previously detached holder. It is forbidden
// when a holder with that start timestamp already exists.
func (g *Group) Attach(h *holder.Holder) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, existing := range g.holders {
		if existing.StartTimestamp() == h.StartTimestamp() {
			return fmt.Errorf("group: a holder for start timestamp %d already exists", h.StartTimestamp())
		}
	}
	if err := h.PrepareStorage(); err != nil {
		return err
	}
	g.holders = append(g.holders, h)
	return nil
}

// DropDirectory removes a detached holder's backing files from disk.
func (g *Group) DropDirectory(h *holder.Holder) error {
	return os.RemoveAll(h.Dir())
}

// CloseUnneededActiveBlobs identifies outdated holders whose active
// blob is non-empty and has seen no recent writes, sorts them by
// (is_small ascending, end_timestamp ascending), and seals down to the
// soft cap preferring non-small partitions first, then to the hard cap
// unconditionally (spec.md §4.5).
func (g *Group) CloseUnneededActiveBlobs(soft, hard int, smallThreshold int64) int {
	now := clock.NowSeconds()

	g.mu.RLock()
	type candidate struct {
		h       *holder.Holder
		isSmall bool
	}
	var candidates []candidate
	for _, h := range g.holders {
		if !h.IsOutdated(now) || !h.HasActiveWrites() || !h.NoModificationsRecently(now) {
			continue
		}
		candidates = append(candidates, candidate{h: h, isSmall: h.ActiveBlobSize() < smallThreshold})
	}
	g.mu.RUnlock()

	// Non-small first, each group ascending by end_timestamp (oldest
	// partitions first): the soft-cap pass prefers sealing a large idle
	// partition over a small one, since that's where the memory actually
	// is.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].isSmall != candidates[j].isSmall {
			return !candidates[i].isSmall
		}
		return candidates[i].h.EndTimestamp() < candidates[j].h.EndTimestamp()
	})

	closed := 0

	// Soft pass: seal non-small candidates until at most `soft` idle
	// active blobs remain.
	remaining := len(candidates)
	for i := 0; i < len(candidates) && remaining > soft; i++ {
		if candidates[i].isSmall {
			continue
		}
		if err := candidates[i].h.CloseActiveBlob(); err == nil {
			closed++
			remaining--
			candidates[i].h = nil
		}
	}

	// Hard pass: if soft-pass alone couldn't get under the hard cap
	// (e.g. most idle blobs are small), seal unconditionally.
	for i := 0; i < len(candidates) && remaining > hard; i++ {
		if candidates[i].h == nil {
			continue
		}
		if err := candidates[i].h.CloseActiveBlob(); err == nil {
			closed++
			remaining--
		}
	}
	return closed
}

// Holders returns a snapshot of the group's current holders in the
// order they were added to the group; it does not sort them.
func (g *Group) Holders() []*holder.Holder {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*holder.Holder, len(g.holders))
	copy(out, g.holders)
	return out
}
