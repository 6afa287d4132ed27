// Package nodeclient implements the per-remote-node connection pool
// (spec.md §4.9): one lazy gRPC connection per node, a ping heartbeat,
// and per-RPC timeouts carrying optional basic-auth credentials.
//
// The lazy-connect-plus-heartbeat shape is adapted from the teacher's
// lock-file reconnection handling (lock.go, lock_unix.go in
// jpl-au-folio), generalised from a single advisory file lock to a
// pool of long-lived gRPC client connections.
package nodeclient

import (
	"context"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/jpl-au/bob/internal/bobgrpc"
	"github.com/jpl-au/bob/internal/bobmisc"
)

// Credentials carries the optional basic-auth pair sent on every
// outgoing request to a remote node, read from cluster configuration.
type Credentials struct {
	Username string
	Password string
}

// Options configures one node's connection.
type Options struct {
	Address          string
	OperationTimeout time.Duration
	CheckInterval    time.Duration
	Credentials      *Credentials
}

// Client owns the connection to one remote node. The underlying
// *grpc.ClientConn is established lazily on first use and cleared on
// any protocol-level failure, to be re-established by the next ping.
type Client struct {
	mu      sync.Mutex
	opts    Options
	conn    *grpc.ClientConn
	rpc     bobgrpc.BobClient
	healthy bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Client without connecting. StartPinging must be
// called to begin the heartbeat loop.
func New(opts Options) *Client {
	return &Client{opts: opts, stopCh: make(chan struct{})}
}

func (c *Client) ensureConnLocked() error {
	if c.conn != nil {
		return nil
	}
	conn, err := grpc.NewClient(c.opts.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(bobgrpc.CodecName)))
	if err != nil {
		return err
	}
	c.conn = conn
	c.rpc = bobgrpc.NewBobClient(conn)
	return nil
}

func (c *Client) clearConnLocked() {
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = nil
	c.rpc = nil
	c.healthy = false
}

// withTimeout derives a context bounded by the configured operation
// timeout and, if configured, attaches basic-auth credentials.
func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := c.opts.OperationTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	if c.opts.Credentials != nil {
		ctx = bobgrpc.WithBasicAuth(ctx, c.opts.Credentials.Username, c.opts.Credentials.Password)
	}
	return ctx, cancel
}

// call runs fn against the pooled RPC client. On any error other than
// the call's own deadline expiring (including an error status returned
// by the remote node) it clears the connection, and the next call or
// ping re-establishes it.
func (c *Client) call(ctx context.Context, fn func(bobgrpc.BobClient, context.Context) error) error {
	c.mu.Lock()
	if err := c.ensureConnLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	rpc := c.rpc
	c.mu.Unlock()

	callCtx, cancel := c.withTimeout(ctx)
	defer cancel()

	err := fn(rpc, callCtx)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return bobmisc.ErrTimeout
		}
		c.mu.Lock()
		c.clearConnLocked()
		c.mu.Unlock()
	}
	return err
}

// Put issues a remote PUT.
func (c *Client) Put(ctx context.Context, req *bobgrpc.PutRequest) error {
	return c.call(ctx, func(rpc bobgrpc.BobClient, ctx context.Context) error {
		_, err := rpc.Put(ctx, req)
		return err
	})
}

// Get issues a remote GET.
func (c *Client) Get(ctx context.Context, req *bobgrpc.GetRequest) (*bobgrpc.GetResponse, error) {
	var resp *bobgrpc.GetResponse
	err := c.call(ctx, func(rpc bobgrpc.BobClient, ctx context.Context) error {
		var rpcErr error
		resp, rpcErr = rpc.Get(ctx, req)
		return rpcErr
	})
	return resp, err
}

// Exist issues a remote multi-key EXIST.
func (c *Client) Exist(ctx context.Context, req *bobgrpc.ExistRequest) (*bobgrpc.ExistResponse, error) {
	var resp *bobgrpc.ExistResponse
	err := c.call(ctx, func(rpc bobgrpc.BobClient, ctx context.Context) error {
		var rpcErr error
		resp, rpcErr = rpc.Exist(ctx, req)
		return rpcErr
	})
	return resp, err
}

// Delete issues a remote DELETE.
func (c *Client) Delete(ctx context.Context, req *bobgrpc.DeleteRequest) error {
	return c.call(ctx, func(rpc bobgrpc.BobClient, ctx context.Context) error {
		_, err := rpc.Delete(ctx, req)
		return err
	})
}

// IsHealthy reports whether the last ping succeeded.
func (c *Client) IsHealthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthy
}

// StartPinging begins the heartbeat loop on check_interval, re-probing
// a cleared connection and marking the node healthy/unhealthy
// (spec.md §4.9).
func (c *Client) StartPinging() {
	interval := c.opts.CheckInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.ping()
			}
		}
	}()
}

func (c *Client) ping() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := c.call(ctx, func(rpc bobgrpc.BobClient, ctx context.Context) error {
		_, err := rpc.Ping(ctx, &bobgrpc.PingRequest{})
		return err
	})

	c.mu.Lock()
	c.healthy = err == nil
	c.mu.Unlock()
}

// Close stops the heartbeat loop and tears down the underlying
// connection.
func (c *Client) Close() error {
	close(c.stopCh)
	c.wg.Wait()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearConnLocked()
	return nil
}

// Pool owns one Client per remote node, keyed by node name.
type Pool struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewPool constructs an empty pool.
func NewPool() *Pool {
	return &Pool{clients: make(map[string]*Client)}
}

// Add registers (and starts pinging) the client for a node.
func (p *Pool) Add(nodeName string, opts Options) *Client {
	c := New(opts)
	p.mu.Lock()
	p.clients[nodeName] = c
	p.mu.Unlock()
	c.StartPinging()
	return c
}

// Get returns the client for nodeName, if registered.
func (p *Pool) Get(nodeName string) (*Client, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.clients[nodeName]
	return c, ok
}

// CloseAll stops every client's heartbeat loop and connection.
func (p *Pool) CloseAll() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, c := range p.clients {
		c.Close()
	}
}
