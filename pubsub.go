package redisroute

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gomodule/redigo/redis"
)

const (
	maxRecoverAttempts = 10
	recoverDelay       = 200 * time.Millisecond
	recoverTimeout     = 10 * time.Second
)

// MessageKind is the kind of a pub/sub message.
type MessageKind int

// List of message kinds.
const (
	// KindMessage is a message received on a channel subscribed via
	// Subscribe.
	KindMessage MessageKind = iota
	// KindPMessage is a message received on a channel matching a
	// pattern subscribed via PSubscribe.
	KindPMessage
	// KindSMessage is a message received on a sharded channel
	// subscribed via SSubscribe.
	KindSMessage
)

func (k MessageKind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindPMessage:
		return "pmessage"
	case KindSMessage:
		return "smessage"
	}
	return "unknown"
}

// Message is a message received from a subscription. Pattern is only
// set for KindPMessage.
type Message struct {
	Kind    MessageKind
	Channel string
	Pattern string
	Data    []byte
}

// SubscriberGroup manages the pub/sub subscriptions of a cluster.
// Regular and pattern subscriptions share a single connection to any
// node. Sharded subscriptions use one connection per node that serves
// the slot of at least one subscribed channel, and follow the slots
// when they move to another node.
//
// Subscriptions are reference-counted: subscribing twice to the same
// channel sends a single command, and the channel is unsubscribed when
// every subscribe call has been matched by an unsubscribe.
type SubscriberGroup struct {
	c    *Cluster
	msgs chan Message
	stop chan struct{}

	readers sync.WaitGroup

	mu       sync.Mutex // protects following fields
	closed   bool
	channels map[string]int
	patterns map[string]int
	sharded  map[string]*shardSub
	plain    *subConn
	shards   map[string]*subConn
}

// shardSub is a sharded channel subscription. An empty addr means the
// channel must be subscribed again, on the current owner of its slot.
type shardSub struct {
	refs int
	addr string
}

// PubSub returns the subscriber group of the cluster, creating it on
// first call.
func (c *Cluster) PubSub() *SubscriberGroup {
	c.init()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pubsub == nil {
		c.pubsub = &SubscriberGroup{
			c:        c,
			msgs:     make(chan Message, c.messageBufferSize()),
			stop:     make(chan struct{}),
			channels: make(map[string]int),
			patterns: make(map[string]int),
			sharded:  make(map[string]*shardSub),
			shards:   make(map[string]*subConn),
		}
		if c.closed {
			c.pubsub.closeLocked()
		} else {
			c.pool.observe(c.pubsub)
		}
	}
	return c.pubsub
}

// Messages returns the channel of received messages. It is closed when
// the group is closed.
func (g *SubscriberGroup) Messages() <-chan Message {
	return g.msgs
}

// Subscribe subscribes to channel and returns the number of channels
// and patterns subscribed on the connection.
func (g *SubscriberGroup) Subscribe(ctx context.Context, channel string) (int, error) {
	return g.plainSubscribe(ctx, "SUBSCRIBE", channel, g.channels)
}

// Unsubscribe unsubscribes from channel and returns the number of
// channels and patterns still subscribed on the connection.
func (g *SubscriberGroup) Unsubscribe(ctx context.Context, channel string) (int, error) {
	return g.plainUnsubscribe(ctx, "UNSUBSCRIBE", channel, g.channels)
}

// PSubscribe subscribes to the channels matching pattern.
func (g *SubscriberGroup) PSubscribe(ctx context.Context, pattern string) (int, error) {
	return g.plainSubscribe(ctx, "PSUBSCRIBE", pattern, g.patterns)
}

// PUnsubscribe unsubscribes from pattern.
func (g *SubscriberGroup) PUnsubscribe(ctx context.Context, pattern string) (int, error) {
	return g.plainUnsubscribe(ctx, "PUNSUBSCRIBE", pattern, g.patterns)
}

func (g *SubscriberGroup) plainSubscribe(ctx context.Context, cmd, name string, refs map[string]int) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return 0, ErrClosed
	}

	if refs[name] > 0 && g.plain != nil && !g.plain.isClosed() {
		refs[name]++
		return g.plain.count(), nil
	}

	sc, err := g.plainConn(ctx)
	if err != nil {
		return 0, err
	}
	n, err := sc.do(ctx, cmd, name)
	if err != nil {
		return 0, err
	}
	refs[name]++
	return n, nil
}

func (g *SubscriberGroup) plainUnsubscribe(ctx context.Context, cmd, name string, refs map[string]int) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return 0, ErrClosed
	}

	sc := g.plain
	if refs[name] == 0 || sc == nil {
		return 0, nil
	}
	if refs[name] > 1 {
		refs[name]--
		return sc.count(), nil
	}
	delete(refs, name)

	n, err := sc.do(ctx, cmd, name)
	if len(g.channels)+len(g.patterns) == 0 {
		sc.close()
		g.plain = nil
	}
	return n, err
}

func (g *SubscriberGroup) plainConn(ctx context.Context) (*subConn, error) {
	if g.plain != nil && !g.plain.isClosed() {
		return g.plain, nil
	}
	if err := g.c.topo.waitReady(ctx); err != nil {
		return nil, err
	}
	addr := g.c.randomNode()
	if addr == "" {
		return nil, errNoNode
	}
	sc, err := g.dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	g.plain = sc
	return sc, nil
}

// SSubscribe subscribes to the sharded channel, on the node that
// serves its slot. It returns the number of sharded channels
// subscribed on that node's connection.
func (g *SubscriberGroup) SSubscribe(ctx context.Context, channel string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return 0, ErrClosed
	}

	if sub := g.sharded[channel]; sub != nil {
		sub.refs++
		if sc := g.shards[sub.addr]; sc != nil {
			return sc.count(), nil
		}
		return 0, nil
	}

	if err := g.c.topo.waitReady(ctx); err != nil {
		return 0, err
	}
	addr, n, err := g.ssubscribe(ctx, channel)
	if err != nil {
		return 0, err
	}
	g.sharded[channel] = &shardSub{refs: 1, addr: addr}
	return n, nil
}

// ssubscribe sends SSUBSCRIBE to the owner of the channel's slot,
// following MOVED replies.
func (g *SubscriberGroup) ssubscribe(ctx context.Context, channel string) (string, int, error) {
	slot := Slot(channel)
	for redirects := 0; ; redirects++ {
		addr := g.c.slots.owner(slot)
		if addr == "" {
			return "", 0, ErrNoNodesAvailable
		}
		sc, err := g.shardConn(ctx, addr)
		if err != nil {
			return "", 0, err
		}

		n, err := sc.do(ctx, "SSUBSCRIBE", channel)
		if err == nil {
			return addr, n, nil
		}
		g.dropIfUnused(addr)

		re := ParseRedir(err)
		if re == nil || re.Type != "MOVED" || redirects >= g.c.maxRedirections() {
			return "", 0, err
		}
		g.c.slots.setOwner(re.NewSlot, resolveAddr(re.Addr, addr))
		g.c.topo.schedule()
	}
}

// SUnsubscribe unsubscribes from the sharded channel. The node's
// connection is closed when its last channel is unsubscribed.
func (g *SubscriberGroup) SUnsubscribe(ctx context.Context, channel string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return 0, ErrClosed
	}

	sub := g.sharded[channel]
	if sub == nil {
		return 0, nil
	}
	sc := g.shards[sub.addr]
	if sub.refs > 1 {
		sub.refs--
		if sc != nil {
			return sc.count(), nil
		}
		return 0, nil
	}
	delete(g.sharded, channel)
	if sc == nil || sc.isClosed() {
		g.dropIfUnused(sub.addr)
		return 0, nil
	}

	n, err := sc.do(ctx, "SUNSUBSCRIBE", channel)
	g.dropIfUnused(sub.addr)
	return n, err
}

func (g *SubscriberGroup) shardConn(ctx context.Context, addr string) (*subConn, error) {
	if sc := g.shards[addr]; sc != nil && !sc.isClosed() {
		return sc, nil
	}
	sc, err := g.dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	g.shards[addr] = sc
	return sc, nil
}

// dropIfUnused closes the connection to addr if no sharded channel is
// subscribed on it.
func (g *SubscriberGroup) dropIfUnused(addr string) {
	for _, sub := range g.sharded {
		if sub.addr == addr {
			return
		}
	}
	if sc := g.shards[addr]; sc != nil {
		sc.close()
		delete(g.shards, addr)
	}
}

// ShardedNodes returns the addresses of the nodes with a sharded
// subscription connection, sorted.
func (g *SubscriberGroup) ShardedNodes() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	addrs := make([]string, 0, len(g.shards))
	for addr := range g.shards {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	return addrs
}

// Close closes all subscription connections and the messages channel.
func (g *SubscriberGroup) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrClosed
	}
	g.closeLocked()
	g.mu.Unlock()

	g.readers.Wait()
	close(g.msgs)
	return nil
}

func (g *SubscriberGroup) closeLocked() {
	g.closed = true
	close(g.stop)
	if g.plain != nil {
		g.plain.close()
		g.plain = nil
	}
	for addr, sc := range g.shards {
		sc.close()
		delete(g.shards, addr)
	}
}

func (g *SubscriberGroup) dial(ctx context.Context, addr string) (*subConn, error) {
	conn, err := g.c.dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	sc := &subConn{addr: addr, conn: conn}
	g.readers.Add(1)
	go g.readLoop(sc)
	return sc, nil
}

func (g *SubscriberGroup) readLoop(sc *subConn) {
	defer g.readers.Done()

	for {
		reply, err := redis.ReceiveWithTimeout(sc.conn, 0)
		if err != nil {
			if e, ok := err.(redis.Error); ok {
				// error reply to a (un)subscribe command
				sc.ack("", "", 0, e)
				continue
			}
			if sc.fail(err) {
				g.c.logf("redisroute: subscriber connection to %s lost: %v", sc.addr, err)
				go g.recover(1)
			}
			return
		}

		vals, err := redis.Values(reply, nil)
		if err != nil || len(vals) < 3 {
			continue
		}
		kind, _ := redis.String(vals[0], nil)
		kind = strings.ToLower(kind)
		switch kind {
		case "message", "smessage":
			channel, _ := redis.String(vals[1], nil)
			data, _ := redis.Bytes(vals[2], nil)
			mk := KindMessage
			if kind == "smessage" {
				mk = KindSMessage
			}
			g.deliver(Message{Kind: mk, Channel: channel, Data: data})

		case "pmessage":
			if len(vals) < 4 {
				continue
			}
			pattern, _ := redis.String(vals[1], nil)
			channel, _ := redis.String(vals[2], nil)
			data, _ := redis.Bytes(vals[3], nil)
			g.deliver(Message{Kind: KindPMessage, Channel: channel, Pattern: pattern, Data: data})

		case "subscribe", "unsubscribe", "psubscribe", "punsubscribe", "ssubscribe", "sunsubscribe":
			channel, _ := redis.String(vals[1], nil)
			count, _ := redis.Int(vals[2], nil)
			if !sc.ack(kind, channel, count, nil) && kind == "sunsubscribe" {
				// the server dropped the subscription, the slot moved
				go g.serverUnsubscribed(sc.addr, channel)
			}
		}
	}
}

func (g *SubscriberGroup) deliver(m Message) {
	select {
	case g.msgs <- m:
	case <-g.stop:
	}
}

func (g *SubscriberGroup) serverUnsubscribed(addr, channel string) {
	g.mu.Lock()
	if sub := g.sharded[channel]; sub != nil && sub.addr == addr {
		sub.addr = ""
	}
	g.mu.Unlock()

	g.c.topo.schedule()
	g.recover(1)
}

func (g *SubscriberGroup) nodeAdded(string, bool) {}

// nodeRemoved is called during a refresh, possibly while a subscribe
// call holding g.mu waits for that refresh, so it must not block.
func (g *SubscriberGroup) nodeRemoved(addr string) {
	go func() {
		g.mu.Lock()
		if g.plain != nil && g.plain.addr == addr {
			g.plain.close()
		}
		if sc := g.shards[addr]; sc != nil {
			sc.close()
		}
		g.mu.Unlock()

		g.recover(1)
	}()
}

func (g *SubscriberGroup) slotsChanged() {
	go g.recover(1)
}

// recover reconciles the subscriptions with the current topology,
// retrying a bounded number of times on failure.
func (g *SubscriberGroup) recover(attempt int) {
	if g.reconcile() {
		return
	}
	if attempt >= maxRecoverAttempts {
		g.c.logf("redisroute: giving up resubscribing after %d attempts", attempt)
		return
	}
	time.AfterFunc(recoverDelay, func() { g.recover(attempt + 1) })
}

// reconcile moves the subscriptions whose node changed or whose
// connection was lost. It returns true if all subscriptions are in
// place.
func (g *SubscriberGroup) reconcile() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), recoverTimeout)
	defer cancel()

	ok := true
	if g.plain != nil && g.plain.isClosed() {
		g.plain = nil
		if len(g.channels)+len(g.patterns) > 0 && !g.resubscribePlain(ctx) {
			ok = false
		}
	}

	channels := make([]string, 0, len(g.sharded))
	for ch := range g.sharded {
		channels = append(channels, ch)
	}
	sort.Strings(channels)

	for _, ch := range channels {
		sub := g.sharded[ch]
		owner := g.c.slots.owner(Slot(ch))
		sc := g.shards[sub.addr]
		if sub.addr != "" && owner == sub.addr && sc != nil && !sc.isClosed() {
			continue
		}

		if sub.addr != "" && sub.addr != owner && sc != nil && !sc.isClosed() {
			// still subscribed on the previous owner
			_, _ = sc.do(ctx, "SUNSUBSCRIBE", ch)
		}
		prev := sub.addr
		sub.addr = ""
		if prev != "" {
			g.dropIfUnused(prev)
		}

		addr, _, err := g.ssubscribe(ctx, ch)
		if err != nil {
			g.c.logf("redisroute: failed to resubscribe to sharded channel %s: %v", ch, err)
			ok = false
			continue
		}
		sub.addr = addr
	}

	for addr, sc := range g.shards {
		if sc.isClosed() {
			delete(g.shards, addr)
			continue
		}
		g.dropIfUnused(addr)
	}
	return ok
}

func (g *SubscriberGroup) resubscribePlain(ctx context.Context) bool {
	sc, err := g.plainConn(ctx)
	if err != nil {
		g.c.logf("redisroute: failed to reconnect subscriber: %v", err)
		return false
	}
	for ch := range g.channels {
		if _, err := sc.do(ctx, "SUBSCRIBE", ch); err != nil {
			g.c.logf("redisroute: failed to resubscribe to channel %s: %v", ch, err)
			return false
		}
	}
	for p := range g.patterns {
		if _, err := sc.do(ctx, "PSUBSCRIBE", p); err != nil {
			g.c.logf("redisroute: failed to resubscribe to pattern %s: %v", p, err)
			return false
		}
	}
	return true
}

type ackResult struct {
	count int
	err   error
}

type ackWaiter struct {
	kind    string
	channel string
	ch      chan ackResult
}

// subConn is a connection in subscriber mode. Commands are written by
// the group, replies are read by its readLoop and dispatched to the
// waiters in order.
type subConn struct {
	addr string
	conn redis.Conn

	mu      sync.Mutex // protects following fields
	closed  bool
	n       int // subscriptions on the connection, as last acknowledged
	waiters []*ackWaiter
}

func (sc *subConn) isClosed() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.closed
}

func (sc *subConn) count() int {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.n
}

// do sends a (un)subscribe command for a single channel and waits for
// its acknowledgement.
func (sc *subConn) do(ctx context.Context, cmd, channel string) (int, error) {
	w := &ackWaiter{
		kind:    strings.ToLower(cmd),
		channel: channel,
		ch:      make(chan ackResult, 1),
	}

	sc.mu.Lock()
	if sc.closed {
		sc.mu.Unlock()
		return 0, ErrClosed
	}
	sc.waiters = append(sc.waiters, w)
	err := sc.conn.Send(cmd, channel)
	if err == nil {
		err = sc.conn.Flush()
	}
	sc.mu.Unlock()
	if err != nil {
		sc.close()
		return 0, err
	}

	select {
	case r := <-w.ch:
		return r.count, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// ack resolves the oldest waiter for the acknowledgement of kind and
// channel. An error reply resolves the oldest waiter. It returns false
// if no waiter matched.
func (sc *subConn) ack(kind, channel string, count int, err error) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if err == nil {
		sc.n = count
	}
	for i, w := range sc.waiters {
		if err == nil && (w.kind != kind || w.channel != channel) {
			continue
		}
		sc.waiters = append(sc.waiters[:i:i], sc.waiters[i+1:]...)
		w.ch <- ackResult{count: count, err: err}
		return true
	}
	return false
}

// fail marks the connection as lost and fails the pending waiters. It
// returns false if the connection was closed on purpose.
func (sc *subConn) fail(err error) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	lost := !sc.closed
	sc.closed = true
	for _, w := range sc.waiters {
		w.ch <- ackResult{err: err}
	}
	sc.waiters = nil
	return lost
}

func (sc *subConn) close() {
	sc.mu.Lock()
	if sc.closed {
		sc.mu.Unlock()
		return
	}
	sc.closed = true
	for _, w := range sc.waiters {
		w.ch <- ackResult{err: ErrClosed}
	}
	sc.waiters = nil
	sc.mu.Unlock()

	sc.conn.Close()
}
