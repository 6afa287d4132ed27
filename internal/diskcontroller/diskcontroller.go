// Package diskcontroller implements the disk controller (spec.md
// §4.6): the owner of every group backed by one physical disk, plus
// the two semaphores that bound concurrent blob I/O against that disk.
//
// The NotReady/Running/Stopped state machine and the "any holder
// reporting a disconnect escalates to controller-wide stop" failure
// path are adapted from the teacher's lock/repair coordination
// (lock.go, repair.go in jpl-au-folio), generalised from file-level
// locking to whole-disk readiness tracking.
package diskcontroller

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/jpl-au/bob/internal/bobmisc"
	"github.com/jpl-au/bob/internal/group"
)

// State is the controller's coarse lifecycle state (spec.md §4.6).
type State int32

const (
	NotReady State = iota
	Running
	Stopped
)

// Operation identifies what an inbound request targets, for
// CanProcessOperation routing (spec.md §4.6).
type Operation struct {
	DiskName       string
	VDiskID        uint32
	IsAlien        bool
	RemoteNodeName string // only meaningful when IsAlien
}

// Options configures the controller's I/O concurrency bounds and the
// base directory each group's partitions live under.
type Options struct {
	DiskName          string
	BaseDir           string
	DumpConcurrency   int // shared across all groups on this disk
	AccessConcurrency int // bounds concurrent blob opens
	GroupOptions      group.Options
}

// Controller owns every group on one physical disk.
type Controller struct {
	mu    sync.RWMutex
	opts  Options
	state atomic.Int32

	groups map[uint32]*group.Group // vdisk_id -> group
	aliens map[string]*group.Group // remote_node_name -> alien group

	dumpSem   chan struct{}
	accessSem chan struct{}

	onDisconnect func(diskName string)
}

// New constructs a controller in the NotReady state.
func New(opts Options, onDisconnect func(diskName string)) *Controller {
	c := &Controller{
		opts:         opts,
		groups:       make(map[uint32]*group.Group),
		aliens:       make(map[string]*group.Group),
		onDisconnect: onDisconnect,
	}
	if opts.DumpConcurrency > 0 {
		c.dumpSem = make(chan struct{}, opts.DumpConcurrency)
	}
	if opts.AccessConcurrency > 0 {
		c.accessSem = make(chan struct{}, opts.AccessConcurrency)
	}
	c.state.Store(int32(NotReady))
	return c
}

// State returns the controller's current lifecycle state.
func (c *Controller) State() State { return State(c.state.Load()) }

// IsReady gates operation routing (spec.md §4.6).
func (c *Controller) IsReady() bool { return State(c.state.Load()) == Running }

// acquireDump and releaseDump bound concurrent blob-dump I/O across
// every group this controller owns.
func (c *Controller) acquireDump() {
	if c.dumpSem != nil {
		c.dumpSem <- struct{}{}
	}
}
func (c *Controller) releaseDump() {
	if c.dumpSem != nil {
		<-c.dumpSem
	}
}

// acquireAccess and releaseAccess bound concurrent blob opens.
func (c *Controller) acquireAccess() {
	if c.accessSem != nil {
		c.accessSem <- struct{}{}
	}
}
func (c *Controller) releaseAccess() {
	if c.accessSem != nil {
		<-c.accessSem
	}
}

// Run creates BaseDir if needed, creates an empty group under
// BaseDir/vdisk_<id> for every vdisk this controller is responsible
// for, and transitions to Running. It does not scan the directory tree
// for existing partitions and does not open any holder.
func (c *Controller) Run(vdiskIDs []uint32) error {
	c.acquireAccess()
	defer c.releaseAccess()

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(c.opts.BaseDir, 0o755); err != nil {
		return err
	}

	c.groups = make(map[uint32]*group.Group)
	for _, vid := range vdiskIDs {
		opts := c.opts.GroupOptions
		opts.VDiskID = vid
		opts.BaseDir = filepath.Join(c.opts.BaseDir, fmt.Sprintf("vdisk_%d", vid))
		opts.HolderOptions.WithAccessPermit = c.WithAccessPermit
		opts.HolderOptions.WithDumpPermit = c.WithDumpPermit
		opts.HolderOptions.ReportDisconnect = c.ReportDisconnect
		c.groups[vid] = group.New(opts)
	}

	c.state.Store(int32(Running))
	return nil
}

// Stop closes every holder across every normal and alien group,
// releasing disk handles, and transitions to Stopped. It does not wait
// for in-flight operations to finish.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for _, g := range c.groups {
		for _, h := range g.Holders() {
			if err := h.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	for _, g := range c.aliens {
		for _, h := range g.Holders() {
			if err := h.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	c.state.Store(int32(Stopped))
	return firstErr
}

// Group returns the group serving vdiskID, if this controller is
// ready and owns it.
func (c *Controller) Group(vdiskID uint32) (*group.Group, error) {
	if !c.IsReady() {
		return nil, bobmisc.ErrVDiskNotReady
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.groups[vdiskID]
	if !ok {
		return nil, fmt.Errorf("diskcontroller: no group for vdisk %d on disk %q", vdiskID, c.opts.DiskName)
	}
	return g, nil
}

// Groups returns a snapshot of every normal group this controller
// currently owns, for maintenance jobs that must walk every vdisk
// (spec.md §4.11 cleanup_interval).
func (c *Controller) Groups() []*group.Group {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*group.Group, 0, len(c.groups))
	for _, g := range c.groups {
		out = append(out, g)
	}
	return out
}

// AlienGroups returns a snapshot of every alien group this controller
// currently owns.
func (c *Controller) AlienGroups() []*group.Group {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*group.Group, 0, len(c.aliens))
	for _, g := range c.aliens {
		out = append(out, g)
	}
	return out
}

// AlienGroup returns (creating if necessary) the alien group holding
// data destined for remoteNode while it was unreachable.
func (c *Controller) AlienGroup(remoteNode string) (*group.Group, error) {
	if !c.IsReady() {
		return nil, bobmisc.ErrVDiskNotReady
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.aliens[remoteNode]
	if !ok {
		opts := c.opts.GroupOptions
		opts.BaseDir = filepath.Join(c.opts.BaseDir, "alien", remoteNode)
		opts.StartTimestamp = group.StartTimestampConfig{Round: false}
		opts.HolderOptions.WithAccessPermit = c.WithAccessPermit
		opts.HolderOptions.WithDumpPermit = c.WithDumpPermit
		opts.HolderOptions.ReportDisconnect = c.ReportDisconnect
		g = group.New(opts)
		c.aliens[remoteNode] = g
	}
	return g, nil
}

// CanProcessOperation matches op against this controller's identity:
// by (disk_name, vdisk_id) for normal ops, by (remote_node_name,
// vdisk_id) for alien ops (spec.md §4.6).
func (c *Controller) CanProcessOperation(op Operation) bool {
	if !c.IsReady() {
		return false
	}
	if op.IsAlien {
		c.mu.RLock()
		_, ok := c.aliens[op.RemoteNodeName]
		c.mu.RUnlock()
		return ok
	}
	if op.DiskName != c.opts.DiskName {
		return false
	}
	c.mu.RLock()
	_, ok := c.groups[op.VDiskID]
	c.mu.RUnlock()
	return ok
}

// ReportDisconnect is called by any holder operation that fails with
// ErrPossibleDiskDisconnection. It escalates to a controller-wide stop
// and invokes onDisconnect so the owning backend can schedule a
// re-probe (spec.md §4.6).
func (c *Controller) ReportDisconnect() {
	if State(c.state.Load()) != Running {
		return
	}
	c.Stop()
	if c.onDisconnect != nil {
		c.onDisconnect(c.opts.DiskName)
	}
}

// WithAccessPermit runs fn while holding one disk-access permit,
// bounding concurrent blob opens against this disk.
func (c *Controller) WithAccessPermit(fn func() error) error {
	c.acquireAccess()
	defer c.releaseAccess()
	return fn()
}

// WithDumpPermit runs fn while holding one dump permit, bounding
// concurrent blob-dump (seal+index-write) I/O against this disk.
func (c *Controller) WithDumpPermit(fn func() error) error {
	c.acquireDump()
	defer c.releaseDump()
	return fn()
}
