// Package backend implements the storage backend capability variant
// (spec.md §6 backend_type enum: in_memory, stub, pearl) behind one
// interface, so the replication coordinator never needs to know which
// storage engine a node was configured with.
//
// This variant-behind-an-interface shape has no direct analogue in the
// teacher (jpl-au-folio exposes one concrete DB type), so it is
// enriched from the rest of the retrieval pack's convention of small,
// swappable interfaces around a concrete default implementation.
package backend

import (
	"context"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/jpl-au/bob/internal/bobmisc"
	"github.com/jpl-au/bob/internal/diskcontroller"
	"github.com/jpl-au/bob/internal/holder"
	"github.com/jpl-au/bob/internal/index"
	"github.com/jpl-au/bob/internal/record"
)

// Alien payloads sit on a support node's disk on someone else's
// behalf, often for a long time before the owning node reconciles
// them, so they are zstd-compressed the way the teacher compresses
// inline history snapshots (compress.go in jpl-au-folio). Normal
// payloads are left untouched: they are read far more often than
// alien handoffs are, and spec.md §6's record layout is bit-exact for
// the normal path.
//
// Shared encoder/decoder: both are documented safe for concurrent use,
// and construction is expensive enough to want exactly one of each.
var (
	alienZstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	alienZstdDecoder, _ = zstd.NewReader(nil)
)

func compressAlienPayload(payload []byte) []byte {
	if len(payload) == 0 {
		return payload
	}
	return alienZstdEncoder.EncodeAll(payload, nil)
}

func decompressAlienPayload(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return payload, nil
	}
	return alienZstdDecoder.DecodeAll(payload, nil)
}

// Operation identifies what a backend call targets (spec.md §4.6
// routing: normal ops by vdisk, alien ops additionally tagged with the
// remote node the data is destined for).
type Operation struct {
	VDiskID        uint32
	IsAlien        bool
	RemoteNodeName string
}

// GetResult mirrors holder.ReadResult; re-exported so callers never
// need to import internal/holder just to inspect a Get outcome.
type GetResult = holder.ReadResult

// Backend is the storage capability every node runs: whichever variant
// is configured, the replication coordinator drives it through this
// interface alone.
type Backend interface {
	Run(ctx context.Context) error
	Put(ctx context.Context, op Operation, key record.Key, meta record.Meta, payload []byte) error
	Get(ctx context.Context, op Operation, key record.Key) (GetResult, error)
	Exist(ctx context.Context, op Operation, key record.Key) (holder.ExistResult, error)
	Delete(ctx context.Context, op Operation, key record.Key, meta record.Meta, force bool) error
	Shutdown(ctx context.Context) error
	BlobsCount() uint64
	IndexMemory() uint64
}

// PearlOptions configures the on-disk pearl backend: one controller
// per physical disk, plus a dedicated alien controller.
type PearlOptions struct {
	Controllers     map[string]*diskcontroller.Controller // disk name -> controller
	AlienController *diskcontroller.Controller
	VDiskToDisk     map[uint32]string // vdisk id -> owning disk name
	AllowDuplicates bool
}

// Pearl is the production backend: append-only blob files with
// persisted indexes, routed through disk controllers and groups.
type Pearl struct {
	opts PearlOptions
}

// NewPearl constructs the on-disk backend. Controllers must already be
// constructed (not yet Run); Pearl.Run starts them all.
func NewPearl(opts PearlOptions) *Pearl {
	return &Pearl{opts: opts}
}

func (p *Pearl) controllerFor(op Operation) (*diskcontroller.Controller, error) {
	if op.IsAlien {
		if p.opts.AlienController == nil {
			return nil, bobmisc.ErrDiskControllerUnavailable
		}
		return p.opts.AlienController, nil
	}
	disk, ok := p.opts.VDiskToDisk[op.VDiskID]
	if !ok {
		return nil, bobmisc.ErrVDiskNotReady
	}
	c, ok := p.opts.Controllers[disk]
	if !ok || !c.IsReady() {
		return nil, bobmisc.ErrDiskControllerUnavailable
	}
	return c, nil
}

func (p *Pearl) groupFor(op Operation) (groupLike, error) {
	c, err := p.controllerFor(op)
	if err != nil {
		return nil, err
	}
	if op.IsAlien {
		return c.AlienGroup(op.RemoteNodeName)
	}
	return c.Group(op.VDiskID)
}

// groupLike is the subset of *group.Group's API Pearl drives; declared
// locally to avoid importing internal/group just for a type name two
// concrete return types already satisfy.
type groupLike interface {
	Write(key record.Key, meta record.Meta, payload []byte, nodeHash string) error
	Read(key record.Key) (holder.ReadResult, error)
	Exist(key record.Key) (holder.ExistResult, error)
	Delete(key record.Key, meta record.Meta, force bool, nodeHash string) error
}

func (p *Pearl) Run(ctx context.Context) error {
	vdisksByDisk := make(map[string][]uint32)
	for vid, disk := range p.opts.VDiskToDisk {
		vdisksByDisk[disk] = append(vdisksByDisk[disk], vid)
	}
	for disk, c := range p.opts.Controllers {
		if err := c.Run(vdisksByDisk[disk]); err != nil {
			return err
		}
	}
	if p.opts.AlienController != nil {
		if err := p.opts.AlienController.Run(nil); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pearl) Put(ctx context.Context, op Operation, key record.Key, meta record.Meta, payload []byte) error {
	g, err := p.groupFor(op)
	if err != nil {
		return err
	}
	if !p.opts.AllowDuplicates {
		res, existErr := g.Exist(key)
		if existErr == nil && res.Status == holder.ExistFound {
			return bobmisc.ErrDuplicateKey
		}
	}
	if op.IsAlien {
		payload = compressAlienPayload(payload)
	}
	return g.Write(key, meta, payload, op.RemoteNodeName)
}

func (p *Pearl) Get(ctx context.Context, op Operation, key record.Key) (GetResult, error) {
	g, err := p.groupFor(op)
	if err != nil {
		return GetResult{}, err
	}
	res, err := g.Read(key)
	if err != nil || res.Record == nil || !op.IsAlien {
		return res, err
	}
	payload, decErr := decompressAlienPayload(res.Record.Payload)
	if decErr != nil {
		return GetResult{}, fmt.Errorf("decompressing alien payload: %w", decErr)
	}
	res.Record.Payload = payload
	return res, nil
}

func (p *Pearl) Exist(ctx context.Context, op Operation, key record.Key) (holder.ExistResult, error) {
	g, err := p.groupFor(op)
	if err != nil {
		return holder.ExistResult{}, err
	}
	return g.Exist(key)
}

func (p *Pearl) Delete(ctx context.Context, op Operation, key record.Key, meta record.Meta, force bool) error {
	g, err := p.groupFor(op)
	if err != nil {
		return err
	}
	return g.Delete(key, meta, force, op.RemoteNodeName)
}

func (p *Pearl) Shutdown(ctx context.Context) error {
	var firstErr error
	for _, c := range p.opts.Controllers {
		if err := c.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if p.opts.AlienController != nil {
		if err := p.opts.AlienController.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (p *Pearl) BlobsCount() uint64 {
	var total uint64
	for vid, disk := range p.opts.VDiskToDisk {
		c, ok := p.opts.Controllers[disk]
		if !ok {
			continue
		}
		g, err := c.Group(vid)
		if err != nil {
			continue
		}
		total += uint64(len(g.Holders()))
	}
	return total
}

// Maintain runs the cleanup_interval job (spec.md §4.11) across every
// group this backend owns: seal idle active blobs down to soft, then
// hard, caps.
func (p *Pearl) Maintain(soft, hard int, smallThreshold int64) int {
	closed := 0
	for _, c := range p.opts.Controllers {
		for _, g := range c.Groups() {
			closed += g.CloseUnneededActiveBlobs(soft, hard, smallThreshold)
		}
	}
	if p.opts.AlienController != nil {
		for _, g := range p.opts.AlienController.AlienGroups() {
			closed += g.CloseUnneededActiveBlobs(soft, hard, smallThreshold)
		}
	}
	return closed
}

// IndexMemory aggregates every holder's loaded index memory across
// every group this backend owns, normal and alien alike (spec.md §4.3
// index-memory gauge).
func (p *Pearl) IndexMemory() uint64 {
	var total uint64
	for _, c := range p.opts.Controllers {
		for _, g := range c.Groups() {
			for _, h := range g.Holders() {
				total += uint64(h.IndexMemory())
			}
		}
	}
	if p.opts.AlienController != nil {
		for _, g := range p.opts.AlienController.AlienGroups() {
			for _, h := range g.Holders() {
				total += uint64(h.IndexMemory())
			}
		}
	}
	return total
}

// OffloadOverBudget drops index caches across every holder this
// backend owns until total index memory is at or under budgetBytes, or
// there is nothing left to drop. Level0 (per-key offset entries) is
// dropped before Level1 (the Bloom filter) across the whole backend,
// matching index.Offload's own per-index ordering (spec.md §4.3).
// budgetBytes of 0 disables the budget. Returns the number of
// offload calls made.
func (p *Pearl) OffloadOverBudget(budgetBytes uint64) int {
	if budgetBytes == 0 || p.IndexMemory() <= budgetBytes {
		return 0
	}

	var holders []*holder.Holder
	for _, c := range p.opts.Controllers {
		for _, g := range c.Groups() {
			holders = append(holders, g.Holders()...)
		}
	}
	if p.opts.AlienController != nil {
		for _, g := range p.opts.AlienController.AlienGroups() {
			holders = append(holders, g.Holders()...)
		}
	}

	touched := 0
	for _, level := range [...]index.OffloadLevel{index.Level0, index.Level1} {
		for _, h := range holders {
			if p.IndexMemory() <= budgetBytes {
				return touched
			}
			h.OffloadIndexes(level)
			touched++
		}
	}
	return touched
}

// InMemory is a map-backed backend for tests and the in_memory
// backend_type: no files, no indexes, just a mutex-guarded map keyed
// by (bucket, key), where bucket separates each vdisk's normal store
// from each remote node's alien store exactly as Pearl's per-disk
// Controller and dedicated AlienController do.
type InMemory struct {
	mu   sync.RWMutex
	data map[string]map[string]record.Record
}

// NewInMemory constructs an empty in-memory backend.
func NewInMemory() *InMemory {
	return &InMemory{data: make(map[string]map[string]record.Record)}
}

func bucketFor(op Operation) string {
	if op.IsAlien {
		return "alien:" + op.RemoteNodeName
	}
	return fmt.Sprintf("vdisk:%d", op.VDiskID)
}

func (m *InMemory) Run(ctx context.Context) error { return nil }

func (m *InMemory) Put(ctx context.Context, op Operation, key record.Key, meta record.Meta, payload []byte) error {
	return m.store(op, record.Record{Key: key.Clone(), Meta: meta, Payload: append([]byte(nil), payload...)})
}

func (m *InMemory) store(op Operation, rec record.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket := bucketFor(op)
	vd, ok := m.data[bucket]
	if !ok {
		vd = make(map[string]record.Record)
		m.data[bucket] = vd
	}
	vd[rec.Key.String()] = rec
	return nil
}

func (m *InMemory) Get(ctx context.Context, op Operation, key record.Key) (GetResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	vd, ok := m.data[bucketFor(op)]
	if !ok {
		return GetResult{Outcome: holder.ReadNotFound}, nil
	}
	rec, ok := vd[key.String()]
	if !ok {
		return GetResult{Outcome: holder.ReadNotFound}, nil
	}
	if rec.Deleted() {
		return GetResult{Outcome: holder.ReadDeleted, Timestamp: rec.Meta.Timestamp}, nil
	}
	r := rec
	return GetResult{Outcome: holder.ReadFound, Record: &r, Timestamp: rec.Meta.Timestamp}, nil
}

func (m *InMemory) Exist(ctx context.Context, op Operation, key record.Key) (holder.ExistResult, error) {
	res, err := m.Get(ctx, op, key)
	if err != nil {
		return holder.ExistResult{}, err
	}
	switch res.Outcome {
	case holder.ReadFound:
		return holder.ExistResult{Status: holder.ExistFound, Timestamp: res.Timestamp}, nil
	case holder.ReadDeleted:
		return holder.ExistResult{Status: holder.ExistDeleted, Timestamp: res.Timestamp}, nil
	default:
		return holder.ExistResult{Status: holder.ExistNotFound}, nil
	}
}

func (m *InMemory) Delete(ctx context.Context, op Operation, key record.Key, meta record.Meta, force bool) error {
	return m.store(op, *record.NewTombstone(key.Clone(), meta.Timestamp))
}

func (m *InMemory) Shutdown(ctx context.Context) error { return nil }
func (m *InMemory) BlobsCount() uint64                 { return 0 }
func (m *InMemory) IndexMemory() uint64                { return 0 }

// Stub always succeeds without storing anything; it exists for load
// testing the replication/network layer in isolation from disk I/O,
// mirroring the original project's bobp benchmarking mode.
type Stub struct{}

// NewStub constructs a no-op backend.
func NewStub() *Stub { return &Stub{} }

func (s *Stub) Run(ctx context.Context) error { return nil }
func (s *Stub) Put(ctx context.Context, op Operation, key record.Key, meta record.Meta, payload []byte) error {
	return nil
}
func (s *Stub) Get(ctx context.Context, op Operation, key record.Key) (GetResult, error) {
	return GetResult{Outcome: holder.ReadNotFound}, nil
}
func (s *Stub) Exist(ctx context.Context, op Operation, key record.Key) (holder.ExistResult, error) {
	return holder.ExistResult{Status: holder.ExistNotFound}, nil
}
func (s *Stub) Delete(ctx context.Context, op Operation, key record.Key, meta record.Meta, force bool) error {
	return nil
}
func (s *Stub) Shutdown(ctx context.Context) error { return nil }
func (s *Stub) BlobsCount() uint64                 { return 0 }
func (s *Stub) IndexMemory() uint64                { return 0 }
