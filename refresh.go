package redisroute

import (
	"context"
	"sync"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/hyp3rd/ewrap"
)

// RetryStrategy returns the delay to wait before the next attempt to
// load the cluster topology, given the number of failed attempts so
// far (starting at 1) and the error of the last one. A negative delay
// means give up: commands waiting for the topology then fail with an
// error wrapping ErrNoNodesAvailable.
type RetryStrategy func(attempt int, err error) time.Duration

// DefaultRetryStrategy waits 100ms plus 2ms per attempt, capped to 2s,
// and gives up after 10 attempts.
func DefaultRetryStrategy(attempt int, err error) time.Duration {
	if attempt > 10 {
		return -1
	}
	d := 100*time.Millisecond + time.Duration(attempt)*2*time.Millisecond
	if d > 2*time.Second {
		d = 2 * time.Second
	}
	return d
}

type refreshState int

const (
	stateIdle refreshState = iota
	stateRefreshing
	stateReady
)

// bootstrapRun is one run of the initial topology load, shared by all
// commands waiting for it.
type bootstrapRun struct {
	done chan struct{}
	err  error
}

// refresher drives the loading of the slot mapping. It moves from
// Idle to Refreshing when a command needs the topology, and from
// Refreshing to Ready on the first successful refresh, or back to Idle
// when the retry strategy gives up.
type refresher struct {
	c *Cluster

	stop     chan struct{}
	periodic sync.Once

	mu      sync.Mutex // protects following fields
	closed  bool
	state   refreshState
	run     *bootstrapRun
	pending bool      // a rate-limited refresh is scheduled
	last    time.Time // time of the last scheduled refresh

	failover   *bootstrapRun // refresh triggered by unreachable nodes
	failoverAt time.Time     // start of the last successful one
}

func newRefresher(c *Cluster) *refresher {
	return &refresher{c: c, stop: make(chan struct{})}
}

func (r *refresher) isReady() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == stateReady
}

// waitReady blocks until the slot mapping is ready, starting the
// bootstrap if no run is in progress.
func (r *refresher) waitReady(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if r.state == stateReady {
		r.mu.Unlock()
		return nil
	}
	run := r.run
	if run == nil {
		run = &bootstrapRun{done: make(chan struct{})}
		r.run = run
		r.state = stateRefreshing
		go r.bootstrap(run)
	}
	r.mu.Unlock()

	select {
	case <-run.done:
		return run.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *refresher) bootstrap(run *bootstrapRun) {
	retry := r.c.RefreshRetry
	if retry == nil {
		retry = DefaultRetryStrategy
	}

	for attempt := 1; ; attempt++ {
		err := r.refreshNow(context.Background())
		if err == nil {
			return
		}

		delay := retry(attempt, err)
		if delay < 0 {
			r.giveUp(run, ewrap.Wrapf(ErrNoNodesAvailable, "giving up after %d attempts: %v", attempt, err))
			return
		}

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-r.stop:
			t.Stop()
			r.giveUp(run, ErrClosed)
			return
		}

		r.mu.Lock()
		resolved := r.run != run
		r.mu.Unlock()
		if resolved {
			// another refresh succeeded in the meantime
			return
		}
	}
}

func (r *refresher) giveUp(run *bootstrapRun, err error) {
	r.mu.Lock()
	if r.run != run {
		r.mu.Unlock()
		return
	}
	r.run = nil
	if r.state == stateRefreshing {
		r.state = stateIdle
	}
	run.err = err
	close(run.done)
	r.mu.Unlock()

	if err != ErrClosed {
		r.c.logf("redisroute: failed to load cluster topology: %v", err)
		r.c.emit(Event{Kind: EventError, Err: err})
	}
}

func (r *refresher) markReady() {
	r.mu.Lock()
	wasReady := r.state == stateReady
	r.state = stateReady
	run := r.run
	r.run = nil
	r.mu.Unlock()

	if run != nil {
		close(run.done)
	}
	if !wasReady {
		r.c.emit(Event{Kind: EventReady})
		r.periodic.Do(func() {
			if r.c.refreshInterval() > 0 {
				go r.loop(r.c.refreshInterval())
			}
		})
	}
}

// refreshNow runs a full refresh and marks the mapping as ready on
// success.
func (r *refresher) refreshNow(ctx context.Context) error {
	if err := r.c.refresh(ctx); err != nil {
		return err
	}
	r.markReady()
	return nil
}

// refreshAfter refreshes the mapping on behalf of a command that could
// not reach its node, sent at time t. Concurrent callers share the
// same refresh, and a successful one started after t is reused.
func (r *refresher) refreshAfter(ctx context.Context, t time.Time) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	run := r.failover
	if run == nil {
		if !t.IsZero() && r.failoverAt.After(t) {
			r.mu.Unlock()
			return nil
		}
		run = &bootstrapRun{done: make(chan struct{})}
		r.failover = run
		go r.failoverRefresh(run, time.Now())
	}
	r.mu.Unlock()

	select {
	case <-run.done:
		return run.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *refresher) failoverRefresh(run *bootstrapRun, start time.Time) {
	err := r.refreshNow(context.Background())

	r.mu.Lock()
	r.failover = nil
	if err == nil {
		r.failoverAt = start
	}
	run.err = err
	r.mu.Unlock()
	close(run.done)
}

// schedule requests a full refresh, at most once per
// RefreshMinInterval. Requests made while one is pending are merged.
func (r *refresher) schedule() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || r.pending {
		return
	}
	r.pending = true

	wait := r.c.refreshMinInterval() - time.Since(r.last)
	if wait < 0 {
		wait = 0
	}
	time.AfterFunc(wait, func() {
		r.mu.Lock()
		r.pending = false
		r.last = time.Now()
		closed := r.closed
		r.mu.Unlock()

		if !closed {
			_ = r.refreshNow(context.Background())
		}
	})
}

func (r *refresher) loop(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			if r.isReady() {
				_ = r.refreshNow(context.Background())
			}
		case <-r.stop:
			return
		}
	}
}

func (r *refresher) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	close(r.stop)
}

// refresh updates the cluster's mapping of hash slots to nodes. It
// calls CLUSTER SLOTS on each known node, in random order, until one
// of them succeeds, then reconciles the pools with the new topology.
func (c *Cluster) refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	var lastErr error
	for _, addr := range c.refreshAddrs() {
		ranges, err := c.clusterSlots(ctx, addr)
		if err != nil {
			lastErr = ewrap.Wrap(err, "cluster slots from "+addr)
			continue
		}
		if len(ranges) == 0 {
			lastErr = ewrap.Wrap(errAllNodesFailed, "empty slot mapping from "+addr)
			continue
		}

		changed := c.slots.replace(ranges)
		c.pool.reset(c.slots.nodes())
		if changed {
			c.pool.notifySlotsChanged()
		}
		c.telem.refreshed(ctx, nil)
		return nil
	}

	if lastErr == nil {
		lastErr = errAllNodesFailed
	}
	c.telem.refreshed(ctx, lastErr)
	c.logf("redisroute: refresh failed: %v", lastErr)
	return lastErr
}

// refreshAddrs returns the addresses to query for the slot mapping:
// the known nodes followed by the startup nodes, each group in random
// order.
func (c *Cluster) refreshAddrs() []string {
	known := c.pool.list()
	seen := make(map[string]bool, len(known)+len(c.StartupNodes))

	addrs := make([]string, 0, len(known)+len(c.StartupNodes))
	for _, ix := range randPerm(len(known)) {
		addr := known[ix].Addr
		seen[addr] = true
		addrs = append(addrs, addr)
	}
	for _, ix := range randPerm(len(c.StartupNodes)) {
		addr := c.StartupNodes[ix]
		if !seen[addr] {
			seen[addr] = true
			addrs = append(addrs, addr)
		}
	}
	return addrs
}

func (c *Cluster) clusterSlots(ctx context.Context, addr string) ([]slotRange, error) {
	var conn redis.Conn
	var err error
	if p := c.pool.existing(addr); p != nil {
		conn, err = getFromPool(ctx, p, c.PoolWaitTime)
	} else {
		// startup nodes are not pooled until they show up in the mapping
		conn, err = c.dial(ctx, addr)
	}
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	reply, err := redis.DoContext(conn, ctx, "CLUSTER", "SLOTS")
	if err != nil {
		return nil, err
	}
	return parseClusterSlots(reply, addr)
}
