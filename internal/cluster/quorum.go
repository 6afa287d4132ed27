// Package cluster implements the replication coordinator (spec.md
// §4.8): quorum PUT/GET/EXIST/DELETE across nodes, alien fallback for
// unreachable replicas, and the background fan-out task that finishes
// an already-acknowledged write.
//
// The "foreground does just enough work to answer, remaining work
// detaches into the background" shape is adapted from the teacher's
// concurrent compaction handling (concurrent_test.go in
// jpl-au-folio), generalised from background file compaction to
// background replica completion.
package cluster

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/jpl-au/bob/internal/backend"
	"github.com/jpl-au/bob/internal/bobgrpc"
	"github.com/jpl-au/bob/internal/bobmisc"
	"github.com/jpl-au/bob/internal/holder"
	"github.com/jpl-au/bob/internal/mapper"
	"github.com/jpl-au/bob/internal/nodeclient"
	"github.com/jpl-au/bob/internal/record"
)

// Source selects where a GET is permitted to read from (spec.md §6).
type Source int

const (
	SourceNormal Source = iota
	SourceAlien
	SourceAll
)

// Options configures one request's routing overrides (spec.md §6:
// force_node, source, is_alien, force_alien_nodes).
type Options struct {
	ForceNode        string
	Source           Source
	RemoteNodes      []string // PUT: nodes this write should additionally be tagged alien-for
	ForceAlienNodes  []string // DELETE: same idea as RemoteNodes
}

// Coordinator is the cross-node replication layer every node runs. It
// is the only component in the system that talks to other nodes.
type Coordinator struct {
	localNode string
	quorum    int
	m         *mapper.Mapper
	pool      *nodeclient.Pool
	local     backend.Backend
	log       zerolog.Logger

	wg sync.WaitGroup
}

// New constructs a Coordinator.
func New(localNode string, quorum int, m *mapper.Mapper, pool *nodeclient.Pool, local backend.Backend, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		localNode: localNode,
		quorum:    quorum,
		m:         m,
		pool:      pool,
		local:     local,
		log:       log.With().Str("component", "cluster").Logger(),
	}
}

// Put implements spec.md §4.8 PUT: try the local replica first if this
// node holds one, fan out to the remaining targets concurrently, and
// return as soon as quorum is reached. Any requests still outstanding
// when quorum is reached are detached into a background task that
// eventually runs put_aliens for whatever nodes never acknowledged.
func (c *Coordinator) Put(ctx context.Context, key record.Key, meta record.Meta, payload []byte) error {
	vdiskID, localPath, hasLocal := c.m.GetOperation(key)
	targets := c.m.TargetNodesFor(key)

	oks := 0
	atLeast := c.quorum

	var remoteTargets []string
	if hasLocal && localPath != "" {
		if err := c.local.Put(ctx, backend.Operation{VDiskID: vdiskID}, key, meta, payload); err == nil {
			oks++
		}
		for _, t := range targets {
			if t != c.localNode {
				remoteTargets = append(remoteTargets, t)
			}
		}
	} else {
		remoteTargets = targets
	}

	resultsCh := make(chan putResult, len(remoteTargets))
	for _, node := range remoteTargets {
		node := node
		go func() {
			resultsCh <- putResult{node: node, err: c.remotePut(ctx, node, vdiskID, key, meta, payload)}
		}()
	}

	if oks >= atLeast {
		c.detachRemainder(resultsCh, len(remoteTargets), nil, key, meta, payload)
		return nil
	}

	var failed []string
	received := 0
	for received < len(remoteTargets) {
		r := <-resultsCh
		received++
		if r.err != nil {
			failed = append(failed, r.node)
			continue
		}
		oks++
		if oks >= atLeast {
			remaining := len(remoteTargets) - received
			c.detachRemainder(resultsCh, remaining, failed, key, meta, payload)
			return nil
		}
	}

	if oks >= atLeast {
		return nil
	}
	return c.putAliens(ctx, failed, key, meta, payload)
}

// putResult is one remote PUT goroutine's outcome, fed back over a
// channel so the foreground call can stop waiting as soon as quorum is
// reached while a background task drains the rest.
type putResult struct {
	node string
	err  error
}

// detachRemainder runs in the background: it waits for every
// in-flight PUT this foreground call didn't wait for, then runs
// put_aliens for the union of nodes that ultimately failed.
func (c *Coordinator) detachRemainder(resultsCh chan putResult, remaining int, alreadyFailed []string, key record.Key, meta record.Meta, payload []byte) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		failed := append([]string(nil), alreadyFailed...)
		for i := 0; i < remaining; i++ {
			r := <-resultsCh
			if r.err != nil {
				failed = append(failed, r.node)
			}
		}
		if len(failed) == 0 {
			return
		}
		if err := c.putAliens(context.Background(), failed, key, meta, payload); err != nil {
			c.log.Warn().Err(err).Strs("failed_nodes", failed).Msg("background put_aliens failed")
		}
	}()
}

func (c *Coordinator) remotePut(ctx context.Context, node string, vdiskID uint32, key record.Key, meta record.Meta, payload []byte) error {
	cl, ok := c.pool.Get(node)
	if !ok {
		return bobmisc.ErrDiskControllerUnavailable
	}
	return cl.Put(ctx, &bobgrpc.PutRequest{Key: key, Timestamp: meta.Timestamp, Payload: payload, VDiskID: vdiskID})
}

// putAliens implements spec.md §4.8 put_aliens: ask the mapper for
// support nodes, 1:1 pair them with failed nodes, and for whatever
// still fails after that, write locally to this node's alien area
// tagged with the intended destination.
func (c *Coordinator) putAliens(ctx context.Context, failedNodes []string, key record.Key, meta record.Meta, payload []byte) error {
	if len(failedNodes) == 0 {
		return nil
	}

	support := c.m.SupportNodes(key, len(failedNodes))

	// Pair support nodes with failed-node names 1:1; any support-node
	// failure adds that failed-node name back to the still-failed set.
	n := len(support)
	if n > len(failedNodes) {
		n = len(failedNodes)
	}
	var stillFailed []string
	for i := 0; i < n; i++ {
		vdiskID, _, _ := c.m.GetOperation(key)
		cl, ok := c.pool.Get(support[i])
		if !ok {
			stillFailed = append(stillFailed, failedNodes[i])
			continue
		}
		err := cl.Put(ctx, &bobgrpc.PutRequest{
			Key: key, Timestamp: meta.Timestamp, Payload: payload, VDiskID: vdiskID,
			IsAlien: true, RemoteNodeName: failedNodes[i],
		})
		if err != nil {
			stillFailed = append(stillFailed, failedNodes[i])
		}
	}
	for i := n; i < len(failedNodes); i++ {
		stillFailed = append(stillFailed, failedNodes[i])
	}

	for _, node := range stillFailed {
		vdiskID, _, _ := c.m.GetOperation(key)
		err := c.local.Put(ctx, backend.Operation{VDiskID: vdiskID, IsAlien: true, RemoteNodeName: node}, key, meta, payload)
		if err != nil {
			return bobmisc.ErrInternal
		}
	}
	return nil
}

// Get implements spec.md §4.8 GET's ordered fallback: local normal,
// remote normal, local alien, remote alien stores — first success
// wins.
func (c *Coordinator) Get(ctx context.Context, key record.Key, opts Options) (holder.ReadResult, error) {
	vdiskID, localPath, hasLocal := c.m.GetOperation(key)

	tryNormal := opts.Source == SourceNormal || opts.Source == SourceAll
	tryAlien := opts.Source == SourceAlien || opts.Source == SourceAll

	if opts.ForceNode != "" && opts.ForceNode != c.localNode {
		cl, ok := c.pool.Get(opts.ForceNode)
		if !ok {
			return holder.ReadResult{}, bobmisc.ErrDiskControllerUnavailable
		}
		return c.remoteGet(ctx, cl, vdiskID, key)
	}

	if tryNormal {
		if hasLocal && localPath != "" {
			res, err := c.local.Get(ctx, backend.Operation{VDiskID: vdiskID}, key)
			if err == nil && res.Outcome != holder.ReadNotFound {
				return res, nil
			}
		}
		for _, node := range c.m.TargetNodesFor(key) {
			if node == c.localNode {
				continue
			}
			cl, ok := c.pool.Get(node)
			if !ok {
				continue
			}
			res, err := c.remoteGet(ctx, cl, vdiskID, key)
			if err == nil && res.Outcome != holder.ReadNotFound {
				return res, nil
			}
		}
	}

	if tryAlien {
		res, err := c.local.Get(ctx, backend.Operation{VDiskID: vdiskID, IsAlien: true, RemoteNodeName: c.localNode}, key)
		if err == nil && res.Outcome != holder.ReadNotFound {
			return res, nil
		}
		for _, node := range c.m.SupportNodes(key, len(c.m.TargetNodesFor(key))) {
			cl, ok := c.pool.Get(node)
			if !ok {
				continue
			}
			res, err := c.remoteGetAlien(ctx, cl, vdiskID, key, c.localNode)
			if err == nil && res.Outcome != holder.ReadNotFound {
				return res, nil
			}
		}
	}

	return holder.ReadResult{}, bobmisc.ErrKeyNotFound
}

// GetAlien reads directly from this node's local alien area for
// entries tagged as destined for remoteNode, bypassing the normal
// local/remote fallback chain. It is what a support node runs when
// asked for its alien copy of a key on behalf of remoteNode (spec.md
// §4.8 GET's alien fallback).
func (c *Coordinator) GetAlien(ctx context.Context, key record.Key, remoteNode string) (holder.ReadResult, error) {
	vdiskID, _, _ := c.m.GetOperation(key)
	res, err := c.local.Get(ctx, backend.Operation{VDiskID: vdiskID, IsAlien: true, RemoteNodeName: remoteNode}, key)
	if err != nil {
		return holder.ReadResult{}, err
	}
	if res.Outcome == holder.ReadNotFound {
		return holder.ReadResult{}, bobmisc.ErrKeyNotFound
	}
	return res, nil
}

func (c *Coordinator) remoteGet(ctx context.Context, cl *nodeclient.Client, vdiskID uint32, key record.Key) (holder.ReadResult, error) {
	return c.doRemoteGet(ctx, cl, &bobgrpc.GetRequest{Key: key, VDiskID: vdiskID}, key)
}

// remoteGetAlien asks a support node for its alien copy of key tagged
// as destined for remoteNode.
func (c *Coordinator) remoteGetAlien(ctx context.Context, cl *nodeclient.Client, vdiskID uint32, key record.Key, remoteNode string) (holder.ReadResult, error) {
	return c.doRemoteGet(ctx, cl, &bobgrpc.GetRequest{Key: key, VDiskID: vdiskID, IsAlien: true, RemoteNodeName: remoteNode}, key)
}

func (c *Coordinator) doRemoteGet(ctx context.Context, cl *nodeclient.Client, req *bobgrpc.GetRequest, key record.Key) (holder.ReadResult, error) {
	resp, err := cl.Get(ctx, req)
	if err != nil {
		return holder.ReadResult{}, err
	}
	if resp.Deleted {
		return holder.ReadResult{Outcome: holder.ReadDeleted, Timestamp: resp.Timestamp}, nil
	}
	if !resp.Found {
		return holder.ReadResult{Outcome: holder.ReadNotFound}, nil
	}
	return holder.ReadResult{
		Outcome:   holder.ReadFound,
		Timestamp: resp.Timestamp,
		Record:    &record.Record{Key: key, Meta: record.Meta{Timestamp: resp.Timestamp}, Payload: resp.Payload},
	}, nil
}

// Exist implements spec.md §4.8 EXIST: group keys by target-node set,
// fan out one multi-key EXIST per group, OR results positionally.
// Missing responses never flip a bit to true.
func (c *Coordinator) Exist(ctx context.Context, keys []record.Key) ([]bool, error) {
	out := make([]bool, len(keys))

	groups := make(map[string][]int) // node -> key indices
	for i, k := range keys {
		for _, node := range c.m.TargetNodesFor(k) {
			groups[node] = append(groups[node], i)
		}
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for node, indices := range groups {
		node, indices := node, indices
		wg.Add(1)
		go func() {
			defer wg.Done()
			var results []bool
			var err error
			if node == c.localNode {
				results, err = c.existLocal(ctx, keys, indices)
			} else {
				results, err = c.existRemote(ctx, node, keys, indices)
			}
			if err != nil {
				return
			}
			mu.Lock()
			for j, idx := range indices {
				if results[j] {
					out[idx] = true
				}
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	return out, nil
}

func (c *Coordinator) existLocal(ctx context.Context, keys []record.Key, indices []int) ([]bool, error) {
	out := make([]bool, len(indices))
	for j, idx := range indices {
		vdiskID, _, _ := c.m.GetOperation(keys[idx])
		res, err := c.local.Exist(ctx, backend.Operation{VDiskID: vdiskID}, keys[idx])
		if err == nil && res.Status != holder.ExistNotFound {
			out[j] = true
		}
	}
	return out, nil
}

func (c *Coordinator) existRemote(ctx context.Context, node string, keys []record.Key, indices []int) ([]bool, error) {
	cl, ok := c.pool.Get(node)
	if !ok {
		return nil, bobmisc.ErrDiskControllerUnavailable
	}
	req := &bobgrpc.ExistRequest{}
	for _, idx := range indices {
		req.Keys = append(req.Keys, keys[idx])
		vdiskID, _, _ := c.m.GetOperation(keys[idx])
		req.VDiskID = vdiskID
	}
	resp, err := cl.Exist(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.Exists, nil
}

// Delete implements spec.md §4.8 DELETE: the same fan-out as PUT (local
// first, remote targets concurrently, early return at quorum with the
// remainder detached into the background), with each replica writing a
// tombstone instead of a live record.
func (c *Coordinator) Delete(ctx context.Context, key record.Key, meta record.Meta, force bool) error {
	vdiskID, localPath, hasLocal := c.m.GetOperation(key)
	targets := c.m.TargetNodesFor(key)

	oks := 0
	atLeast := c.quorum

	var remoteTargets []string
	if hasLocal && localPath != "" {
		if err := c.local.Delete(ctx, backend.Operation{VDiskID: vdiskID}, key, meta, force); err == nil {
			oks++
		}
		for _, t := range targets {
			if t != c.localNode {
				remoteTargets = append(remoteTargets, t)
			}
		}
	} else {
		remoteTargets = targets
	}

	resultsCh := make(chan deleteResult, len(remoteTargets))
	for _, node := range remoteTargets {
		node := node
		go func() {
			resultsCh <- deleteResult{node: node, err: c.remoteDelete(ctx, node, vdiskID, key, meta, force)}
		}()
	}

	if oks >= atLeast {
		c.detachDeleteRemainder(resultsCh, len(remoteTargets), nil, key, meta, force)
		return nil
	}

	var failed []string
	received := 0
	for received < len(remoteTargets) {
		r := <-resultsCh
		received++
		if r.err != nil {
			failed = append(failed, r.node)
			continue
		}
		oks++
		if oks >= atLeast {
			remaining := len(remoteTargets) - received
			c.detachDeleteRemainder(resultsCh, remaining, failed, key, meta, force)
			return nil
		}
	}

	if oks >= atLeast {
		return nil
	}
	return c.deleteAliens(ctx, failed, key, meta, force)
}

// deleteResult is one remote DELETE goroutine's outcome, mirroring
// putResult.
type deleteResult struct {
	node string
	err  error
}

// detachDeleteRemainder mirrors detachRemainder for DELETE: it waits
// for every in-flight tombstone write this foreground call didn't wait
// for, then runs deleteAliens for the union of nodes that ultimately
// failed.
func (c *Coordinator) detachDeleteRemainder(resultsCh chan deleteResult, remaining int, alreadyFailed []string, key record.Key, meta record.Meta, force bool) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		failed := append([]string(nil), alreadyFailed...)
		for i := 0; i < remaining; i++ {
			r := <-resultsCh
			if r.err != nil {
				failed = append(failed, r.node)
			}
		}
		if len(failed) == 0 {
			return
		}
		if err := c.deleteAliens(context.Background(), failed, key, meta, force); err != nil {
			c.log.Warn().Err(err).Strs("failed_nodes", failed).Msg("background delete_aliens failed")
		}
	}()
}

func (c *Coordinator) remoteDelete(ctx context.Context, node string, vdiskID uint32, key record.Key, meta record.Meta, force bool) error {
	cl, ok := c.pool.Get(node)
	if !ok {
		return bobmisc.ErrDiskControllerUnavailable
	}
	return cl.Delete(ctx, &bobgrpc.DeleteRequest{Key: key, Timestamp: meta.Timestamp, VDiskID: vdiskID, Force: force})
}

// deleteAliens mirrors putAliens for DELETE: support nodes get a
// tombstone written to their alien area, not a live record with a nil
// payload.
func (c *Coordinator) deleteAliens(ctx context.Context, failedNodes []string, key record.Key, meta record.Meta, force bool) error {
	if len(failedNodes) == 0 {
		return nil
	}

	support := c.m.SupportNodes(key, len(failedNodes))

	n := len(support)
	if n > len(failedNodes) {
		n = len(failedNodes)
	}
	var stillFailed []string
	for i := 0; i < n; i++ {
		vdiskID, _, _ := c.m.GetOperation(key)
		cl, ok := c.pool.Get(support[i])
		if !ok {
			stillFailed = append(stillFailed, failedNodes[i])
			continue
		}
		err := cl.Delete(ctx, &bobgrpc.DeleteRequest{
			Key: key, Timestamp: meta.Timestamp, VDiskID: vdiskID, Force: force,
			IsAlien: true, RemoteNodeName: failedNodes[i],
		})
		if err != nil {
			stillFailed = append(stillFailed, failedNodes[i])
		}
	}
	for i := n; i < len(failedNodes); i++ {
		stillFailed = append(stillFailed, failedNodes[i])
	}

	for _, node := range stillFailed {
		vdiskID, _, _ := c.m.GetOperation(key)
		err := c.local.Delete(ctx, backend.Operation{VDiskID: vdiskID, IsAlien: true, RemoteNodeName: node}, key, meta, force)
		if err != nil {
			return bobmisc.ErrInternal
		}
	}
	return nil
}

// PutAlien stores payload directly in this node's local alien area
// tagged for remoteNode, bypassing quorum fan-out entirely. It is what
// a node runs on the receiving end of another node's put_aliens
// handoff (spec.md §4.8): the caller already decided remoteNode is
// unreachable and chose this node as its support node.
func (c *Coordinator) PutAlien(ctx context.Context, key record.Key, meta record.Meta, payload []byte, remoteNode string) error {
	vdiskID, _, _ := c.m.GetOperation(key)
	return c.local.Put(ctx, backend.Operation{VDiskID: vdiskID, IsAlien: true, RemoteNodeName: remoteNode}, key, meta, payload)
}

// DeleteAlien writes a tombstone directly into this node's local alien
// area tagged for remoteNode, bypassing quorum fan-out. It is what a
// support node runs on the receiving end of another node's
// deleteAliens handoff.
func (c *Coordinator) DeleteAlien(ctx context.Context, key record.Key, meta record.Meta, force bool, remoteNode string) error {
	vdiskID, _, _ := c.m.GetOperation(key)
	return c.local.Delete(ctx, backend.Operation{VDiskID: vdiskID, IsAlien: true, RemoteNodeName: remoteNode}, key, meta, force)
}

// Close waits for every detached background task to finish. Safe to
// call at shutdown; a cancelled in-flight alien-handoff task is safe
// because it only writes idempotent tombstones/records (spec.md §5).
func (c *Coordinator) Close() {
	c.wg.Wait()
}
