package redisroute

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gomodule/redigo/redis"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// pendingCmd is a command being routed. Its target is snapshotted at
// each attempt, a concurrent topology update only affects the next
// routing decision.
type pendingCmd struct {
	name string
	args []interface{}
	info cmdInfo
	slot int

	addr    string
	replica bool
	asking  bool
	sent    time.Time // start of the last attempt

	redirects int
}

func newPendingCmd(cmd string, args []interface{}) (*pendingCmd, error) {
	info := lookupCommand(cmd)
	if info.flags&flagSubscriber != 0 {
		return nil, ErrSubscriberCommand
	}
	if info.flags&flagConnState != 0 {
		return nil, ErrTxCommand
	}
	slot, err := commandSlot(info, args)
	if err != nil {
		return nil, err
	}
	return &pendingCmd{name: cmd, args: args, info: info, slot: slot}, nil
}

// Do executes the command on the node that serves the slot of its
// keys and returns the reply. Redirections and transient cluster
// errors are handled transparently, within the MaxRedirections budget.
//
// Error replies of the store are returned as redis.Error values. If
// the budget is exhausted, the error is a *RedirectLimitError wrapping
// the last error. Commands whose keys belong to different slots fail
// with ErrCrossSlot without being sent.
func (c *Cluster) Do(ctx context.Context, cmd string, args ...interface{}) (interface{}, error) {
	c.init()
	if c.isClosed() {
		return nil, ErrClosed
	}
	pc, err := newPendingCmd(cmd, args)
	if err != nil {
		return nil, err
	}
	if c.EnableAutoPipelining && c.autopipe.eligible(pc) {
		return c.autopipe.enqueue(ctx, pc).Wait(ctx)
	}
	return c.route(ctx, pc, nil)
}

// route executes pc until it succeeds or fails for good. If err is not
// nil, pc was already sent to pc.addr and failed with err.
func (c *Cluster) route(ctx context.Context, pc *pendingCmd, err error) (interface{}, error) {
	ctx, span := c.telem.startSpan(ctx, pc.name, pc.slot)
	defer span.End()

	v, err := c.dispatch(ctx, pc, err)
	span.SetAttributes(
		attribute.String("redis.node", pc.addr),
		attribute.Int("redis.redirections", pc.redirects),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return v, err
}

func (c *Cluster) dispatch(ctx context.Context, pc *pendingCmd, err error) (interface{}, error) {
	if err == nil {
		if err := c.topo.waitReady(ctx); err != nil {
			return nil, err
		}
		if err := c.selectNode(pc); err != nil {
			return nil, err
		}
	}

	for {
		if err != nil {
			retry, ferr := c.handleReplyError(ctx, pc, err)
			if !retry {
				return nil, ferr
			}
		}

		var v interface{}
		v, err = c.attempt(ctx, pc)
		if err == nil {
			return v, nil
		}
	}
}

// selectNode sets the target of pc from the slot mapping.
func (c *Cluster) selectNode(pc *pendingCmd) error {
	pc.asking = false
	pc.replica = false

	var nodes []string
	if pc.slot >= 0 {
		if nodes = c.slots.resolve(pc.slot); len(nodes) == 0 {
			// uncovered slot, the next refresh may fix it
			c.topo.schedule()
		}
	}
	if len(nodes) == 0 {
		if pc.addr = c.randomNode(); pc.addr == "" {
			return errNoNode
		}
		return nil
	}

	if !pc.info.readOnly() {
		pc.addr = nodes[0]
		return nil
	}
	pc.addr = c.pickRead(nodes, pc.name)
	pc.replica = pc.addr != nodes[0]
	return nil
}

// attempt sends pc once to its current target.
func (c *Cluster) attempt(ctx context.Context, pc *pendingCmd) (interface{}, error) {
	actx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if c.CommandTimeout > 0 {
		var tcancel context.CancelFunc
		actx, tcancel = context.WithTimeout(actx, c.CommandTimeout)
		defer tcancel()
	}
	untrack := c.inflight.track(pc.addr, cancel)
	defer untrack()

	pc.sent = time.Now()
	v, err := c.send(actx, pc)
	if err != nil && actx.Err() != nil && ctx.Err() == nil {
		// aborted by the node removal or the command timeout
		err = context.Cause(actx)
	}
	return v, err
}

func (c *Cluster) send(ctx context.Context, pc *pendingCmd) (interface{}, error) {
	conn, err := c.pool.get(ctx, pc.addr, pc.replica, c.PoolWaitTime)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if pc.asking {
		if err := conn.Send("ASKING"); err != nil {
			return nil, err
		}
	}
	return redis.DoContext(conn, ctx, pc.name, pc.args...)
}

// handleReplyError decides what to do with the error returned by an
// attempt of pc. It returns true if pc must be sent again, to its
// possibly updated target, or false and the final error.
func (c *Cluster) handleReplyError(ctx context.Context, pc *pendingCmd, err error) (bool, error) {
	if cerr := ctx.Err(); cerr != nil {
		return false, cerr
	}
	if errors.Is(err, ErrClosed) || errors.Is(err, redis.ErrPoolExhausted) {
		return false, err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return false, &NodeError{Addr: pc.addr, Err: err}
	}

	kind, re := classify(err)
	if kind == redirNone {
		// a reply of the store, not a routing problem
		return false, err
	}

	pc.redirects++
	if pc.redirects > c.maxRedirections() {
		lerr := &RedirectLimitError{
			Limit:    c.maxRedirections(),
			Attempts: pc.redirects,
			Addr:     pc.addr,
			Err:      err,
		}
		c.logf("%v", lerr)
		return false, lerr
	}
	c.telem.redirected(ctx, kind)

	switch kind {
	case redirMoved:
		addr := resolveAddr(re.Addr, pc.addr)
		c.slots.setOwner(re.NewSlot, addr)
		c.topo.schedule()
		if err := sleepContext(ctx, c.RetryDelayOnMoved); err != nil {
			return false, err
		}
		pc.addr, pc.replica, pc.asking = addr, false, false

	case redirAsk:
		pc.addr, pc.replica, pc.asking = resolveAddr(re.Addr, pc.addr), false, true

	case redirTryAgain:
		if err := sleepContext(ctx, c.tryAgainDelay()); err != nil {
			return false, err
		}

	case redirClusterDown:
		if err := sleepContext(ctx, c.clusterDownDelay()); err != nil {
			return false, err
		}
		c.topo.schedule()
		addr := c.randomNode()
		if addr == "" {
			return false, &NodeError{Addr: pc.addr, Err: err}
		}
		pc.addr, pc.replica, pc.asking = addr, false, false

	case redirTransport:
		if rerr := c.topo.refreshAfter(ctx, pc.sent); rerr != nil {
			c.logf("redisroute: node %s unreachable and refresh failed: %v", pc.addr, rerr)
			return false, &NodeError{Addr: pc.addr, Err: err}
		}
		if err := sleepContext(ctx, c.failoverDelay()); err != nil {
			return false, err
		}
		if serr := c.selectNode(pc); serr != nil {
			return false, &NodeError{Addr: pc.addr, Err: err}
		}
	}
	return true, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// inflightTracker aborts the commands in flight to a node when that
// node is removed from the topology.
type inflightTracker struct {
	mu     sync.Mutex
	nextID uint64
	byAddr map[string]map[uint64]context.CancelCauseFunc
}

func newInflightTracker() *inflightTracker {
	return &inflightTracker{byAddr: make(map[string]map[uint64]context.CancelCauseFunc)}
}

func (t *inflightTracker) track(addr string, cancel context.CancelCauseFunc) func() {
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	m := t.byAddr[addr]
	if m == nil {
		m = make(map[uint64]context.CancelCauseFunc)
		t.byAddr[addr] = m
	}
	m[id] = cancel
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if m := t.byAddr[addr]; m != nil {
			delete(m, id)
			if len(m) == 0 {
				delete(t.byAddr, addr)
			}
		}
	}
}

func (t *inflightTracker) inflight(addr string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byAddr[addr])
}

func (t *inflightTracker) nodeAdded(string, bool) {}
func (t *inflightTracker) slotsChanged()          {}

func (t *inflightTracker) nodeRemoved(addr string) {
	t.mu.Lock()
	m := t.byAddr[addr]
	delete(t.byAddr, addr)
	t.mu.Unlock()

	for _, cancel := range m {
		cancel(ErrNodeRemoved)
	}
}
