package redisroute

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/exp/slices"
)

// Future is the deferred result of a command executed via DoAsync.
type Future struct {
	done chan struct{}
	val  interface{}
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(v interface{}, err error) {
	f.val, f.err = v, err
	close(f.done)
}

// Done returns a channel that is closed when the result is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Result blocks until the result is available and returns it.
func (f *Future) Result() (interface{}, error) {
	<-f.done
	return f.val, f.err
}

// Wait is like Result, but it returns early with the context's error
// if ctx is done first. The command is not cancelled.
func (f *Future) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// DoAsync is like Do, but it returns immediately with a Future for the
// reply. With auto-pipelining enabled, the commands issued via DoAsync
// within the same window are sent as a single pipeline per slot
// allocation group.
func (c *Cluster) DoAsync(ctx context.Context, cmd string, args ...interface{}) *Future {
	c.init()
	f := newFuture()
	if c.isClosed() {
		f.resolve(nil, ErrClosed)
		return f
	}
	pc, err := newPendingCmd(cmd, args)
	if err != nil {
		f.resolve(nil, err)
		return f
	}
	if c.EnableAutoPipelining && c.autopipe.eligible(pc) {
		return c.autopipe.enqueue(ctx, pc)
	}
	go func() {
		f.resolve(c.route(ctx, pc, nil))
	}()
	return f
}

// AutoPipelineQueued returns the number of auto-pipelined commands that
// are not resolved yet.
func (c *Cluster) AutoPipelineQueued() int {
	c.init()
	return c.autopipe.queuedTotal()
}

// AutoPipelineQueuedFor returns the number of auto-pipelined commands
// that are not resolved yet in the slot allocation group of key.
func (c *Cluster) AutoPipelineQueuedFor(key string) int {
	c.init()
	return c.autopipe.queuedFor(groupKey(c.slots.resolve(Slot(key))))
}

type apEntry struct {
	ctx   context.Context
	pc    *pendingCmd
	fut   *Future
	group uint64
}

type apBatch struct {
	group   uint64
	entries []*apEntry
}

// autoPipeliner collects the eligible commands in one batch per slot
// allocation group, flushed as a single pipeline after the window.
type autoPipeliner struct {
	c       *Cluster
	ignored map[string]bool

	mu      sync.Mutex // protects following fields
	closed  bool
	batches map[uint64]*apBatch
	queued  map[uint64]int
	total   int
}

func newAutoPipeliner(c *Cluster) *autoPipeliner {
	ignored := make(map[string]bool, len(c.AutoPipelineIgnoredCommands))
	for _, name := range c.AutoPipelineIgnoredCommands {
		ignored[strings.ToUpper(name)] = true
	}
	return &autoPipeliner{
		c:       c,
		ignored: ignored,
		batches: make(map[uint64]*apBatch),
		queued:  make(map[uint64]int),
	}
}

// groupKey identifies a slot allocation group, the list of nodes that
// serve a slot.
func groupKey(nodes []string) uint64 {
	return xxhash.Sum64String(strings.Join(nodes, ","))
}

func (ap *autoPipeliner) eligible(pc *pendingCmd) bool {
	if pc.slot < 0 || pc.info.flags&(flagSubscriber|flagConnState|flagBlocking) != 0 {
		return false
	}
	if ap.ignored[strings.ToUpper(pc.name)] {
		return false
	}
	if !ap.c.topo.isReady() {
		return false
	}
	// an uncovered slot has no group, the router picks a node for it
	return len(ap.c.slots.resolve(pc.slot)) > 0
}

func (ap *autoPipeliner) enqueue(ctx context.Context, pc *pendingCmd) *Future {
	e := &apEntry{
		ctx:   ctx,
		pc:    pc,
		fut:   newFuture(),
		group: groupKey(ap.c.slots.resolve(pc.slot)),
	}

	ap.mu.Lock()
	if ap.closed {
		ap.mu.Unlock()
		e.fut.resolve(nil, ErrClosed)
		return e.fut
	}
	b := ap.batches[e.group]
	if b == nil {
		b = &apBatch{group: e.group}
		ap.batches[e.group] = b
		time.AfterFunc(ap.c.AutoPipelineWindow, func() { ap.flush(b) })
	}
	b.entries = append(b.entries, e)
	ap.queued[e.group]++
	ap.total++
	ap.mu.Unlock()

	return e.fut
}

func (ap *autoPipeliner) done(e *apEntry, v interface{}, err error) {
	ap.mu.Lock()
	if n := ap.queued[e.group] - 1; n > 0 {
		ap.queued[e.group] = n
	} else {
		delete(ap.queued, e.group)
	}
	ap.total--
	ap.mu.Unlock()

	e.fut.resolve(v, err)
}

func (ap *autoPipeliner) flush(b *apBatch) {
	ap.mu.Lock()
	if ap.batches[b.group] != b {
		// already failed by close
		ap.mu.Unlock()
		return
	}
	delete(ap.batches, b.group)
	ap.mu.Unlock()

	c := ap.c
	cmds := make([]*pendingCmd, len(b.entries))
	var nodes []string
	for i, e := range b.entries {
		cmds[i] = e.pc
		n := c.slots.resolve(e.pc.slot)
		if i == 0 {
			nodes = n
			continue
		}
		if !slices.Equal(nodes, n) {
			nodes = nil
			break
		}
	}
	if len(nodes) == 0 {
		// the topology changed since the commands were queued
		for _, e := range b.entries {
			ap.done(e, nil, ErrInconsistentRouting)
		}
		return
	}

	addr, replica := nodes[0], false
	if readOnlyCmds(cmds) {
		addr = c.pickRead(nodes, cmds[0].name)
		replica = addr != nodes[0]
	}

	ctx, cancel := batchContext(b.entries)
	c.telem.flushed(ctx, len(cmds))
	sent := time.Now()
	results, err := c.execPipeline(ctx, addr, replica, false, false, cmds)
	cancel()
	for i, e := range b.entries {
		e.pc.addr, e.pc.replica, e.pc.sent = addr, replica, sent

		rerr := err
		if rerr == nil {
			if kind, _ := classify(results[i].Err); kind == redirNone {
				ap.done(e, results[i].Val, results[i].Err)
				continue
			}
			rerr = results[i].Err
		}

		// redirected or failed, route it on its own from there
		go func(e *apEntry, rerr error) {
			v, err := c.route(e.ctx, e.pc, rerr)
			ap.done(e, v, err)
		}(e, rerr)
	}
}

// batchContext returns the context of the pipeline that executes
// entries. It is done when the contexts of all the entries are done,
// the CommandTimeout still bounds the round trip.
func batchContext(entries []*apEntry) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	var remaining atomic.Int32
	remaining.Store(int32(len(entries)))
	stops := make([]func() bool, len(entries))
	for i, e := range entries {
		stops[i] = context.AfterFunc(e.ctx, func() {
			if remaining.Add(-1) == 0 {
				cancel()
			}
		})
	}
	return ctx, func() {
		for _, stop := range stops {
			stop()
		}
		cancel()
	}
}

func (ap *autoPipeliner) queuedTotal() int {
	ap.mu.Lock()
	defer ap.mu.Unlock()
	return ap.total
}

func (ap *autoPipeliner) queuedFor(group uint64) int {
	ap.mu.Lock()
	defer ap.mu.Unlock()
	return ap.queued[group]
}

func (ap *autoPipeliner) close() {
	ap.mu.Lock()
	ap.closed = true
	batches := ap.batches
	ap.batches = make(map[uint64]*apBatch)
	ap.mu.Unlock()

	for _, b := range batches {
		for _, e := range b.entries {
			ap.done(e, nil, ErrClosed)
		}
	}
}
