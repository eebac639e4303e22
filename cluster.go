package redisroute

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/gomodule/redigo/redis"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Default values of the Cluster configuration fields.
const (
	DefaultMaxRedirections         = 16
	DefaultRetryDelayOnTryAgain    = 100 * time.Millisecond
	DefaultRetryDelayOnClusterDown = 100 * time.Millisecond
	DefaultRetryDelayOnFailover    = 100 * time.Millisecond
	DefaultRefreshInterval         = 5 * time.Second
	DefaultRefreshMinInterval      = time.Second
	DefaultMessageBufferSize       = 100
)

// Logger is the interface used to log cluster events. It is
// implemented by *log.Logger.
type Logger interface {
	Printf(format string, v ...interface{})
}

// Cluster manages a redis cluster. It routes commands to the node that
// serves the slot of their keys, following the cluster's redirections
// transparently.
//
// The zero value of each configuration field means that the default
// value is used. The configuration fields must not be modified once
// the Cluster is in use. A Cluster is safe for concurrent use.
type Cluster struct {
	// StartupNodes is the list of initial nodes that make up
	// the cluster. The values are expected as "address:port"
	// (e.g.: "111.222.333.444:6379").
	StartupNodes []string

	// DialOptions is the list of options to set on each new connection.
	DialOptions []redis.DialOption

	// CreatePool is the function to call to create a redis.Pool for
	// the specified TCP address, using the provided options
	// as set in DialOptions. If it is nil, a default pool is created
	// for each node.
	CreatePool func(address string, options ...redis.DialOption) (*redis.Pool, error)

	// PoolWaitTime is the maximum time to wait for a connection when
	// the node's pool is exhausted and its Wait field is true.
	PoolWaitTime time.Duration

	// MaxRedirections is the maximum number of times a single command
	// is re-routed, all causes combined (MOVED, ASK, TRYAGAIN,
	// CLUSTERDOWN and transport failures), before it fails with a
	// *RedirectLimitError.
	MaxRedirections int

	// RetryDelayOnTryAgain is the delay before resending a command that
	// failed with TRYAGAIN to the same node.
	RetryDelayOnTryAgain time.Duration

	// RetryDelayOnClusterDown is the delay before resending a command
	// that failed with CLUSTERDOWN to a random node.
	RetryDelayOnClusterDown time.Duration

	// RetryDelayOnFailover is the delay before resending a command
	// whose node could not be reached, once the slot mapping has been
	// refreshed.
	RetryDelayOnFailover time.Duration

	// RetryDelayOnMoved is the delay before following a MOVED
	// redirection. It is 0 by default.
	RetryDelayOnMoved time.Duration

	// CommandTimeout is the maximum time for a single attempt of a
	// command, armed when it is sent. It is disabled by default.
	CommandTimeout time.Duration

	// RefreshInterval is the period of the full slot mapping refresh.
	// A negative value disables the periodic refresh.
	RefreshInterval time.Duration

	// RefreshMinInterval is the minimum time between two refreshes
	// triggered by MOVED replies.
	RefreshMinInterval time.Duration

	// RefreshRetry is the strategy applied when no node can provide the
	// slot mapping. Defaults to DefaultRetryStrategy.
	RefreshRetry RetryStrategy

	// ScaleReads is the node selection policy for read-only commands.
	ScaleReads ReadPolicy

	// ReadSelector, if set, selects the node for read-only commands in
	// place of ScaleReads.
	ReadSelector ReadSelector

	// EnableAutoPipelining enables the batching of commands issued
	// concurrently into a single pipelined request per node group.
	EnableAutoPipelining bool

	// AutoPipelineIgnoredCommands lists the commands that are never
	// auto-pipelined.
	AutoPipelineIgnoredCommands []string

	// AutoPipelineWindow is the time during which commands are
	// collected before the batch is flushed.
	AutoPipelineWindow time.Duration

	// MessageBufferSize is the size of the buffered channel of pub/sub
	// messages.
	MessageBufferSize int

	// Logger receives the cluster's log messages. Nothing is logged if
	// it is nil.
	Logger Logger

	// Meter and Tracer are the OpenTelemetry instruments providers. The
	// global providers are used if they are nil.
	Meter  metric.Meter
	Tracer trace.Tracer

	// OnEvent, if set, is called synchronously for each cluster event.
	OnEvent func(Event)

	once      sync.Once
	refreshMu sync.Mutex // serializes full refreshes

	slots    slotTable
	pool     *nodePool
	topo     *refresher
	telem    *telemetry
	inflight *inflightTracker
	autopipe *autoPipeliner
	scripts  scriptRegistry

	mu     sync.Mutex // protects following fields
	closed bool
	pubsub *SubscriberGroup
}

func (c *Cluster) init() {
	c.once.Do(func() {
		telem, err := newTelemetry(c.Meter, c.Tracer)
		if err != nil {
			c.logf("redisroute: telemetry disabled: %v", err)
			telem = noopTelemetry(c.Tracer)
		}
		c.telem = telem
		c.pool = newNodePool(c.createPool)
		c.topo = newRefresher(c)
		c.inflight = newInflightTracker()
		c.autopipe = newAutoPipeliner(c)

		c.pool.observe(eventObserver{c: c})
		c.pool.observe(c.inflight)
	})
}

func (c *Cluster) createPool(addr string, replica bool) (*redis.Pool, error) {
	var p *redis.Pool
	if c.CreatePool != nil {
		var err error
		if p, err = c.CreatePool(addr, c.DialOptions...); err != nil {
			return nil, err
		}
	} else {
		opts := c.DialOptions
		p = &redis.Pool{
			MaxIdle:     5,
			IdleTimeout: time.Minute,
			DialContext: func(ctx context.Context) (redis.Conn, error) {
				return redis.DialContext(ctx, "tcp", addr, opts...)
			},
		}
	}
	if replica {
		readOnlyPool(p)
	}
	return p, nil
}

// readOnlyPool makes every connection created by p send READONLY, so
// that replicas serve read commands.
func readOnlyPool(p *redis.Pool) {
	readOnly := func(conn redis.Conn, err error) (redis.Conn, error) {
		if err != nil {
			return nil, err
		}
		if _, err := conn.Do("READONLY"); err != nil {
			conn.Close()
			return nil, err
		}
		return conn, nil
	}
	if dial := p.DialContext; dial != nil {
		p.DialContext = func(ctx context.Context) (redis.Conn, error) {
			return readOnly(dial(ctx))
		}
	}
	if dial := p.Dial; dial != nil {
		p.Dial = func() (redis.Conn, error) {
			return readOnly(dial())
		}
	}
}

// dial creates a connection to addr that is not managed by a pool.
func (c *Cluster) dial(ctx context.Context, addr string) (redis.Conn, error) {
	return redis.DialContext(ctx, "tcp", addr, c.DialOptions...)
}

func (c *Cluster) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Cluster) logf(format string, v ...interface{}) {
	if c.Logger != nil {
		c.Logger.Printf(format, v...)
	}
}

func (c *Cluster) emit(ev Event) {
	if c.OnEvent != nil {
		c.OnEvent(ev)
	}
}

func (c *Cluster) maxRedirections() int {
	if c.MaxRedirections > 0 {
		return c.MaxRedirections
	}
	return DefaultMaxRedirections
}

func (c *Cluster) tryAgainDelay() time.Duration {
	if c.RetryDelayOnTryAgain > 0 {
		return c.RetryDelayOnTryAgain
	}
	return DefaultRetryDelayOnTryAgain
}

func (c *Cluster) clusterDownDelay() time.Duration {
	if c.RetryDelayOnClusterDown > 0 {
		return c.RetryDelayOnClusterDown
	}
	return DefaultRetryDelayOnClusterDown
}

func (c *Cluster) failoverDelay() time.Duration {
	if c.RetryDelayOnFailover > 0 {
		return c.RetryDelayOnFailover
	}
	return DefaultRetryDelayOnFailover
}

func (c *Cluster) refreshInterval() time.Duration {
	if c.RefreshInterval == 0 {
		return DefaultRefreshInterval
	}
	return c.RefreshInterval
}

func (c *Cluster) refreshMinInterval() time.Duration {
	if c.RefreshMinInterval > 0 {
		return c.RefreshMinInterval
	}
	return DefaultRefreshMinInterval
}

func (c *Cluster) messageBufferSize() int {
	if c.MessageBufferSize > 0 {
		return c.MessageBufferSize
	}
	return DefaultMessageBufferSize
}

// Refresh loads the cluster's mapping of hash slots to nodes. It calls
// CLUSTER SLOTS on each known node until one of them succeeds.
//
// Calling it is optional: the mapping is loaded on first use and kept
// up-to-date afterwards, based on the MOVED replies and on a periodic
// refresh.
func (c *Cluster) Refresh(ctx context.Context) error {
	c.init()
	if c.isClosed() {
		return ErrClosed
	}
	return c.topo.refreshNow(ctx)
}

// Nodes returns the nodes currently known to the cluster, sorted by
// address.
func (c *Cluster) Nodes() []NodeInfo {
	c.init()
	return c.pool.list()
}

// Stats returns the statistics of the pool of each node, keyed by
// address.
func (c *Cluster) Stats() map[string]redis.PoolStats {
	c.init()
	return c.pool.stats()
}

// Close releases the resources used by the cluster. It closes all the
// pools that were created and the subscriber group, if any. Commands
// waiting in an auto-pipelined batch fail with ErrClosed.
func (c *Cluster) Close() error {
	c.init()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.closed = true
	ps := c.pubsub
	c.mu.Unlock()

	c.topo.close()
	c.autopipe.close()
	if ps != nil {
		ps.Close()
	}
	return c.pool.close()
}

// a *rand.Rand is not safe for concurrent access
var rnd = struct {
	sync.Mutex
	*rand.Rand
}{Rand: rand.New(rand.NewSource(time.Now().UnixNano()))}

func randPerm(n int) []int {
	rnd.Lock()
	defer rnd.Unlock()
	return rnd.Perm(n)
}

func randIntn(n int) int {
	rnd.Lock()
	defer rnd.Unlock()
	return rnd.Intn(n)
}

// randomNode returns the address of a random known master node, or an
// empty string if there is none.
func (c *Cluster) randomNode() string {
	var masters []string
	for _, n := range c.pool.list() {
		if !n.Replica {
			masters = append(masters, n.Addr)
		}
	}
	if len(masters) == 0 {
		if len(c.StartupNodes) == 0 {
			return ""
		}
		return c.StartupNodes[randIntn(len(c.StartupNodes))]
	}
	return masters[randIntn(len(masters))]
}

// resolveAddr returns target, with its host set to the host of from if
// it is empty (e.g. ":30001" in a MOVED reply).
func resolveAddr(target, from string) string {
	if !strings.HasPrefix(target, ":") {
		return target
	}
	if ix := strings.LastIndex(from, ":"); ix >= 0 {
		return from[:ix] + target
	}
	return target
}
