// Package holder implements the partition holder (spec.md §4.4): one
// time-bounded bucket of blobs (one active, any number sealed) backing
// a single vdisk's data for [start, end).
//
// The Initializing/Running state machine, the single-permit reinit
// gate, and the "retry prepare_storage after try_reinit" write path
// are adapted from the teacher's top-level DB type (db.go in
// jpl-au-folio), generalised from one shared file handle to an active
// blob plus a growing list of sealed blob+index pairs.
package holder

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/jpl-au/bob/internal/blob"
	"github.com/jpl-au/bob/internal/bloomfilter"
	"github.com/jpl-au/bob/internal/bobmisc"
	"github.com/jpl-au/bob/internal/clock"
	"github.com/jpl-au/bob/internal/index"
	"github.com/jpl-au/bob/internal/record"
	"github.com/jpl-au/bob/internal/semaphore"
)

// State is the holder's coarse lifecycle state (spec.md §4.4).
type State int32

const (
	Initializing State = iota
	Running
)

// sealedBlob pairs an immutable blob with its loaded index. The index
// may be nil if it has not been loaded yet (lazily loaded on first
// read that needs it, once bloom alone is insufficient).
type sealedBlob struct {
	b   *blob.Blob
	idx *index.Index
}

// Options configures a holder's blob roll policy and key width; it is
// threaded straight through to every blob.Options this holder opens.
// WithAccessPermit/WithDumpPermit/ReportDisconnect are optional hooks a
// diskcontroller.Controller wires in so this holder's blob opens and
// seals count against that disk's concurrency bounds and escalate a
// disconnect the same way every other holder on the disk does
// (spec.md §4.6). Nil hooks run the wrapped function directly.
type Options struct {
	KeySize         int
	MaxBlobSize     int64
	MaxDataInBlob   int64
	ExpectedRecords int

	WithAccessPermit func(func() error) error
	WithDumpPermit   func(func() error) error
	ReportDisconnect func()
}

// Holder owns one time bucket's worth of blobs for one vdisk. All
// public operations reject work while the holder is Initializing
// (spec.md §4.4).
type Holder struct {
	mu sync.RWMutex

	dir        string
	startTS    uint64
	endTS      uint64
	roundStart bool // false for alien holders, whose start is exact
	opts       Options

	state atomic.Int32

	active *blob.Blob
	sealed []*sealedBlob

	reinitGate *semaphore.Gate

	lastModification atomic.Uint64
}

// New constructs a holder in the Initializing state. Callers must call
// PrepareStorage before any read/write/delete will succeed.
func New(dir string, startTS, endTS uint64, roundStart bool, opts Options) *Holder {
	h := &Holder{
		dir:        dir,
		startTS:    startTS,
		endTS:      endTS,
		roundStart: roundStart,
		opts:       opts,
		reinitGate: semaphore.NewGate(),
	}
	h.state.Store(int32(Initializing))
	return h
}

// State returns the holder's current lifecycle state.
func (h *Holder) State() State { return State(h.state.Load()) }

// StartTimestamp and EndTimestamp report the holder's covered interval.
func (h *Holder) StartTimestamp() uint64 { return h.startTS }
func (h *Holder) EndTimestamp() uint64   { return h.endTS }

// GetsIntoInterval reports start <= ts < end (spec.md §4.4).
func (h *Holder) GetsIntoInterval(ts uint64) bool {
	return ts >= h.startTS && ts < h.endTS
}

// PrepareStorage opens (or creates) the directory's blob set: it scans
// dir for existing sealed blobs plus at most one active blob, loading
// or rebuilding each one's index, and leaves the holder ready to
// create a fresh active blob on first write if none exists. On
// success the holder transitions to Running.
func (h *Holder) PrepareStorage() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := os.MkdirAll(h.dir, 0o755); err != nil {
		return err
	}

	entries, err := os.ReadDir(h.dir)
	if err != nil {
		return err
	}

	var blobPaths []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".blob" {
			blobPaths = append(blobPaths, filepath.Join(h.dir, e.Name()))
		}
	}

	h.sealed = h.sealed[:0]
	for i, p := range blobPaths {
		last := i == len(blobPaths)-1
		mode := blob.OpenSealed
		if last {
			mode = blob.OpenForRepair
		}

		var b *blob.Blob
		if err := h.withAccess(func() error {
			var openErr error
			b, openErr = blob.Open(p, mode, h.blobOptions())
			return openErr
		}); err != nil {
			return err
		}

		idx, err := index.Load(p+".index", h.opts.KeySize)
		if err != nil {
			if isKeySizeMismatch(err) {
				return err
			}
			idx = index.BuildFromBlob(b, h.opts.KeySize)
			if saveErr := h.withDump(func() error { return idx.Save(p + ".index") }); saveErr != nil {
				return saveErr
			}
		}

		h.sealed = append(h.sealed, &sealedBlob{b: b, idx: idx})
		if last {
			h.active = b
		}
	}

	h.state.Store(int32(Running))
	h.lastModification.Store(clock.NowSeconds())
	return nil
}

// withAccess runs fn under the disk controller's access permit, if one
// was wired in, and reports a disk disconnection if fn fails with one.
func (h *Holder) withAccess(fn func() error) error {
	var err error
	if h.opts.WithAccessPermit != nil {
		err = h.opts.WithAccessPermit(fn)
	} else {
		err = fn()
	}
	h.reportIfDisconnected(err)
	return err
}

// withDump runs fn under the disk controller's dump permit, if one was
// wired in, and reports a disk disconnection if fn fails with one.
func (h *Holder) withDump(fn func() error) error {
	var err error
	if h.opts.WithDumpPermit != nil {
		err = h.opts.WithDumpPermit(fn)
	} else {
		err = fn()
	}
	h.reportIfDisconnected(err)
	return err
}

func (h *Holder) reportIfDisconnected(err error) {
	if err != nil && h.opts.ReportDisconnect != nil && errors.Is(err, bobmisc.ErrPossibleDiskDisconnection) {
		h.opts.ReportDisconnect()
	}
}

// isKeySizeMismatch reports whether err is a Validation{KeySize} error:
// a partition written with a different key width than this node is
// configured for, which must abort startup rather than be silently
// rebuilt (spec.md §8 scenario 6).
func isKeySizeMismatch(err error) bool {
	var ve *bobmisc.ValidationError
	return errors.As(err, &ve) && ve.Kind == bobmisc.KeySize
}

func (h *Holder) blobOptions() blob.Options {
	return blob.Options{
		MaxBlobSize:     h.opts.MaxBlobSize,
		MaxDataInBlob:   h.opts.MaxDataInBlob,
		ExpectedRecords: h.opts.ExpectedRecords,
	}
}

func (h *Holder) requireRunning() error {
	if State(h.state.Load()) != Running {
		return bobmisc.ErrVDiskNotReady
	}
	return nil
}

// ensureActiveLocked creates a fresh active blob if none exists. Caller
// holds h.mu for write.
func (h *Holder) ensureActiveLocked() error {
	if h.active != nil {
		return nil
	}
	name := fmt.Sprintf("%d.blob", len(h.sealed))
	path := filepath.Join(h.dir, name)
	var b *blob.Blob
	if err := h.withAccess(func() error {
		var openErr error
		b, openErr = blob.Open(path, blob.CreateActive, h.blobOptions())
		return openErr
	}); err != nil {
		return err
	}
	h.active = b
	h.sealed = append(h.sealed, &sealedBlob{b: b, idx: nil})
	return nil
}

// Write routes to the active blob. On a write failure that is not
// ErrBlobFull, it triggers TryReinit and retries PrepareStorage+write
// once (spec.md §4.4); ErrBlobFull instead rolls to a new active blob
// without reinitializing.
func (h *Holder) Write(key record.Key, meta record.Meta, payload []byte) error {
	if err := h.requireRunning(); err != nil {
		return err
	}

	h.mu.Lock()
	if err := h.ensureActiveLocked(); err != nil {
		h.mu.Unlock()
		return err
	}
	_, err := h.active.Append(key, meta, payload, 0)
	if err == nil {
		h.lastModification.Store(clock.NowSeconds())
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	if !isBlobFull(err) {
		if reinitErr := h.TryReinit(); reinitErr != nil {
			return err
		}
		h.mu.Lock()
		defer h.mu.Unlock()
		if err := h.ensureActiveLocked(); err != nil {
			return err
		}
		if _, err := h.active.Append(key, meta, payload, 0); err != nil {
			return err
		}
		h.lastModification.Store(clock.NowSeconds())
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.sealActiveLocked(); err != nil {
		return err
	}
	if err := h.ensureActiveLocked(); err != nil {
		return err
	}
	if _, err := h.active.Append(key, meta, payload, 0); err != nil {
		return err
	}
	h.lastModification.Store(clock.NowSeconds())
	return nil
}

func isBlobFull(err error) bool {
	return err == bobmisc.ErrBlobFull
}

// ReadOutcome classifies a Read result (spec.md §4.4).
type ReadOutcome int

const (
	ReadNotFound ReadOutcome = iota
	ReadFound
	ReadDeleted
)

// ReadResult is the winning record across every blob this holder owns:
// the one with the largest timestamp, with a tombstone dominating a
// live record at an equal timestamp.
type ReadResult struct {
	Outcome   ReadOutcome
	Record    *record.Record
	Timestamp uint64
}

// Read searches every blob (active first, then sealed, newest first)
// using Bloom-filter gating before touching disk, and returns the
// record with the largest timestamp.
func (h *Holder) Read(key record.Key) (ReadResult, error) {
	if err := h.requireRunning(); err != nil {
		return ReadResult{}, err
	}

	h.mu.RLock()
	blobs := h.orderedBlobsLocked()
	h.mu.RUnlock()

	var best *record.Record
	var bestTS uint64
	var bestDeleted bool
	found := false

	for _, sb := range blobs {
		if sb.b.Contains(key) == bloomfilter.Definitely {
			continue
		}
		offsets := sb.b.Offsets(key)
		for _, off := range offsets {
			rec, err := sb.b.ReadAt(off)
			if err != nil {
				continue
			}
			ts := rec.Meta.Timestamp
			if !found || ts > bestTS || (ts == bestTS && rec.Deleted()) {
				found = true
				best = rec
				bestTS = ts
				bestDeleted = rec.Deleted()
			}
		}
	}

	if !found {
		return ReadResult{Outcome: ReadNotFound}, nil
	}
	if bestDeleted {
		return ReadResult{Outcome: ReadDeleted, Timestamp: bestTS}, nil
	}
	return ReadResult{Outcome: ReadFound, Record: best, Timestamp: bestTS}, nil
}

// ExistStatus classifies an Exist result (spec.md §4.4).
type ExistStatus int

const (
	ExistNotFound ExistStatus = iota
	ExistFound
	ExistDeleted
)

// ExistResult is the cheap contains-check outcome.
type ExistResult struct {
	Status    ExistStatus
	Timestamp uint64
}

// Exist is a cheaper variant of Read that still has to resolve
// tombstone-vs-live ordering, since callers need to distinguish a live
// key from a deleted one.
func (h *Holder) Exist(key record.Key) (ExistResult, error) {
	res, err := h.Read(key)
	if err != nil {
		return ExistResult{}, err
	}
	switch res.Outcome {
	case ReadFound:
		return ExistResult{Status: ExistFound, Timestamp: res.Timestamp}, nil
	case ReadDeleted:
		return ExistResult{Status: ExistDeleted, Timestamp: res.Timestamp}, nil
	default:
		return ExistResult{Status: ExistNotFound}, nil
	}
}

// Delete appends a tombstone for key. When force is false, it may
// short-circuit and do nothing if the key provably does not exist in
// any blob (every Bloom filter says Definitely absent).
func (h *Holder) Delete(key record.Key, meta record.Meta, force bool) error {
	if err := h.requireRunning(); err != nil {
		return err
	}

	if !force {
		h.mu.RLock()
		blobs := h.orderedBlobsLocked()
		h.mu.RUnlock()
		maybePresent := false
		for _, sb := range blobs {
			if sb.b.Contains(key) != bloomfilter.Definitely {
				maybePresent = true
				break
			}
		}
		if !maybePresent {
			return nil
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.ensureActiveLocked(); err != nil {
		return err
	}
	if _, err := h.active.Append(key, meta, nil, record.FlagDeleted); err != nil {
		return err
	}
	h.lastModification.Store(clock.NowSeconds())
	return nil
}

// orderedBlobsLocked returns every blob this holder owns, most
// recently created first. Caller holds h.mu (read or write).
func (h *Holder) orderedBlobsLocked() []*sealedBlob {
	out := make([]*sealedBlob, len(h.sealed))
	for i, sb := range h.sealed {
		out[len(h.sealed)-1-i] = sb
	}
	return out
}

// CloseActiveBlob seals the current active blob in place, builds and
// persists its index, and clears the active pointer so the next write
// creates a fresh one (spec.md §4.4).
func (h *Holder) CloseActiveBlob() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sealActiveLocked()
}

func (h *Holder) sealActiveLocked() error {
	if h.active == nil {
		return nil
	}
	var idx *index.Index
	err := h.withDump(func() error {
		if sealErr := h.active.Seal(); sealErr != nil {
			return sealErr
		}
		idx = index.BuildFromBlob(h.active, h.opts.KeySize)
		return idx.Save(h.active.Path() + ".index")
	})
	if err != nil {
		return err
	}
	for _, sb := range h.sealed {
		if sb.b == h.active {
			sb.idx = idx
			break
		}
	}
	h.active = nil
	return nil
}

// ActiveBlobSize returns the active blob's current size in bytes, or 0
// if there is no active blob. Used by Group to classify a partition as
// "small" when deciding which idle active blobs to seal first.
func (h *Holder) ActiveBlobSize() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.active == nil {
		return 0
	}
	return h.active.Size()
}

// HasActiveWrites reports whether the holder has an active blob holding
// at least one record, input to close_unneeded_active_blobs (spec.md
// §4.5). It does not consider when that blob was last written.
func (h *Holder) HasActiveWrites() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.active != nil && h.active.RecordCount() > 0
}

// LastModification returns the coarse-second timestamp of the most
// recent write or delete this holder processed.
func (h *Holder) LastModification() uint64 { return h.lastModification.Load() }

// IsOutdated reports now > end (spec.md §4.4).
func (h *Holder) IsOutdated(now uint64) bool { return now > h.endTS }

// NoModificationsRecently reports now - last_modification > 10s
// (spec.md §4.4).
func (h *Holder) NoModificationsRecently(now uint64) bool {
	last := h.lastModification.Load()
	if now < last {
		return false
	}
	return now-last > 10
}

// TryReinit is gated by a single-permit lock: at most one reinit runs
// per holder at a time, and concurrent callers observe
// ErrHolderTemporarilyUnavailable rather than blocking (spec.md §4.4).
func (h *Holder) TryReinit() error {
	if !h.reinitGate.TryAcquire() {
		return bobmisc.ErrHolderTemporarilyUnavailable
	}
	defer h.reinitGate.Release()

	h.state.Store(int32(Initializing))
	h.mu.Lock()
	if h.active != nil {
		h.active.Close()
		h.active = nil
	}
	for _, sb := range h.sealed {
		sb.b.Close()
	}
	h.sealed = nil
	h.mu.Unlock()

	return h.PrepareStorage()
}

// Close releases every blob handle this holder owns, without sealing.
func (h *Holder) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var firstErr error
	for _, sb := range h.sealed {
		if err := sb.b.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	h.active = nil
	h.sealed = nil
	return firstErr
}

// Dir returns the holder's backing directory, used by Group for
// DETACH's drop_directory step.
func (h *Holder) Dir() string { return h.dir }

// IndexMemory sums the resident size of every loaded index this holder
// owns (spec.md §4.3 index-memory gauge).
func (h *Holder) IndexMemory() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := 0
	for _, sb := range h.sealed {
		if sb.idx != nil {
			total += sb.idx.MemoryAllocated()
		}
	}
	return total
}

// OffloadIndexes drops in-memory index caches at level across every
// sealed blob this holder owns, to bring a node back under its
// configured index-memory budget (spec.md §4.3 offload).
func (h *Holder) OffloadIndexes(level index.OffloadLevel) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sb := range h.sealed {
		if sb.idx != nil {
			sb.idx.Offload(level)
		}
	}
}
