package redisroute

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/hyp3rd/ewrap"
)

// NodeInfo describes a node known to the cluster.
type NodeInfo struct {
	Addr    string
	Replica bool
}

// topologyObserver is notified of changes to the set of nodes and to
// the slot mapping. Notifications are delivered outside of any lock.
type topologyObserver interface {
	nodeAdded(addr string, replica bool)
	nodeRemoved(addr string)
	slotsChanged()
}

type nodeEntry struct {
	pool    *redis.Pool
	replica bool
}

// nodePool owns one redis.Pool per node address.
type nodePool struct {
	create func(addr string, replica bool) (*redis.Pool, error)

	mu        sync.Mutex // protects following fields
	closed    bool
	nodes     map[string]*nodeEntry
	observers []topologyObserver
}

func newNodePool(create func(addr string, replica bool) (*redis.Pool, error)) *nodePool {
	return &nodePool{
		create: create,
		nodes:  make(map[string]*nodeEntry),
	}
}

func (p *nodePool) observe(o topologyObserver) {
	p.mu.Lock()
	p.observers = append(p.observers, o)
	p.mu.Unlock()
}

func (p *nodePool) snapshotObservers() []topologyObserver {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]topologyObserver(nil), p.observers...)
}

// findOrCreate returns the pool for addr, creating it if needed. A
// node first created as a replica is upgraded to a master if it is
// later requested as such, never the other way around.
func (p *nodePool) findOrCreate(addr string, replica bool) (*redis.Pool, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if e := p.nodes[addr]; e != nil {
		if !replica {
			e.replica = false
		}
		p.mu.Unlock()
		return e.pool, nil
	}
	p.mu.Unlock()

	pool, err := p.create(addr, replica)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		pool.Close()
		return nil, ErrClosed
	}
	// another goroutine may have created it in the meantime
	if e := p.nodes[addr]; e != nil {
		p.mu.Unlock()
		pool.Close()
		return e.pool, nil
	}
	p.nodes[addr] = &nodeEntry{pool: pool, replica: replica}
	obs := append([]topologyObserver(nil), p.observers...)
	p.mu.Unlock()

	for _, o := range obs {
		o.nodeAdded(addr, replica)
	}
	return pool, nil
}

// reset reconciles the pools against a topology snapshot: pools are
// created for new nodes and closed for nodes absent from it. A node
// listed both as master and replica is kept once, as a master. The
// pool of a master that becomes a replica is created again, so that
// its connections are in READONLY mode.
func (p *nodePool) reset(snapshot []NodeInfo) {
	want := make(map[string]bool, len(snapshot)) // addr -> replica
	for _, n := range snapshot {
		if replica, ok := want[n.Addr]; ok {
			want[n.Addr] = replica && n.Replica
			continue
		}
		want[n.Addr] = n.Replica
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	var removed []string
	for addr, e := range p.nodes {
		if _, ok := want[addr]; !ok {
			e.pool.Close()
			delete(p.nodes, addr)
			removed = append(removed, addr)
		}
	}
	var missing []NodeInfo
	var demoted []string
	for addr, replica := range want {
		if e := p.nodes[addr]; e != nil {
			if replica && !e.replica {
				demoted = append(demoted, addr)
				continue
			}
			e.replica = replica
			continue
		}
		missing = append(missing, NodeInfo{Addr: addr, Replica: replica})
	}
	p.mu.Unlock()

	sort.Strings(removed)
	sort.Strings(demoted)
	sort.Slice(missing, func(i, j int) bool { return missing[i].Addr < missing[j].Addr })

	obs := p.snapshotObservers()
	for _, addr := range removed {
		for _, o := range obs {
			o.nodeRemoved(addr)
		}
	}
	for _, n := range missing {
		if _, err := p.findOrCreate(n.Addr, n.Replica); err != nil {
			continue
		}
		// findOrCreate may have found an existing master entry
		p.mu.Lock()
		if e := p.nodes[n.Addr]; e != nil {
			e.replica = n.Replica
		}
		p.mu.Unlock()
	}
	for _, addr := range demoted {
		p.demote(addr)
	}
}

// demote replaces the pool of addr by one created for a replica. The
// connections in use are closed when they are returned to the old
// pool.
func (p *nodePool) demote(addr string) {
	pool, err := p.create(addr, true)
	if err != nil {
		// kept as a master, the next reset tries again
		return
	}

	p.mu.Lock()
	e := p.nodes[addr]
	if p.closed || e == nil {
		p.mu.Unlock()
		pool.Close()
		return
	}
	old := e.pool
	e.pool, e.replica = pool, true
	p.mu.Unlock()
	old.Close()
}

func (p *nodePool) notifySlotsChanged() {
	for _, o := range p.snapshotObservers() {
		o.slotsChanged()
	}
}

// get returns a connection to addr. If wait is > 0 and the pool is
// configured to wait for a free connection, it waits at most that
// long.
func (p *nodePool) get(ctx context.Context, addr string, replica bool, wait time.Duration) (redis.Conn, error) {
	pool, err := p.findOrCreate(addr, replica)
	if err != nil {
		return nil, err
	}
	return getFromPool(ctx, pool, wait)
}

func getFromPool(ctx context.Context, p *redis.Pool, wait time.Duration) (redis.Conn, error) {
	if wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}
	return p.GetContext(ctx)
}

// existing returns the pool for addr if there is one, without creating
// it.
func (p *nodePool) existing(addr string) *redis.Pool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e := p.nodes[addr]; e != nil {
		return e.pool
	}
	return nil
}

// list returns the known nodes sorted by address.
func (p *nodePool) list() []NodeInfo {
	p.mu.Lock()
	infos := make([]NodeInfo, 0, len(p.nodes))
	for addr, e := range p.nodes {
		infos = append(infos, NodeInfo{Addr: addr, Replica: e.replica})
	}
	p.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Addr < infos[j].Addr })
	return infos
}

func (p *nodePool) stats() map[string]redis.PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := make(map[string]redis.PoolStats, len(p.nodes))
	for addr, e := range p.nodes {
		stats[addr] = e.pool.Stats()
	}
	return stats
}

func (p *nodePool) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	p.closed = true

	eg := ewrap.NewErrorGroup()
	for addr, e := range p.nodes {
		if err := e.pool.Close(); err != nil {
			eg.Add(ewrap.Wrap(err, "closing pool for "+addr))
		}
	}
	p.nodes = nil
	return eg.ErrorOrNil()
}
