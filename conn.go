package redisroute

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/gomodule/redigo/redis"
)

var errNoPendingReply = errors.New("redisroute: no pending reply")

// Conn is a redigo redis.Conn that executes its commands on the
// cluster. It is not bound to a node: each command is routed on its
// own. Commands sent via Send are executed on Flush, as a single
// pipeline per slot allocation group, and their replies are returned
// by Receive, in order.
//
// MULTI, the commands sent after it and EXEC are executed as a
// TxPipeline, so the following redigo idiom is supported:
//
//	conn.Send("MULTI")
//	conn.Send("INCR", "{user1}:count")
//	conn.Send("SET", "{user1}:seen", 1)
//	reply, err := conn.Do("EXEC")
//
// Like any redigo connection, a Conn must not be used concurrently
// and must be closed after use.
type Conn struct {
	cluster *Cluster
	ctx     context.Context

	mu      sync.Mutex // protects following fields
	err     error
	tx      bool
	pending []*pendingCmd
	replies []Result
}

var (
	_ redis.Conn            = (*Conn)(nil)
	_ redis.ConnWithContext = (*Conn)(nil)
)

// Get returns a redis.Conn that can be used to call redis commands on
// the cluster. The application must close the returned connection. The
// actual returned type is *Conn.
func (c *Cluster) Get() redis.Conn {
	conn, _ := c.GetContext(context.Background())
	return conn
}

// GetContext is like Get, but the commands executed via the returned
// connection's methods that do not take a context (e.g. Do) use ctx.
func (c *Cluster) GetContext(ctx context.Context) (redis.Conn, error) {
	c.init()
	var err error
	if c.isClosed() {
		err = ErrClosed
	}
	return &Conn{cluster: c, ctx: ctx, err: err}, err
}

// Err returns a non-nil value if the connection is not usable.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close closes the connection. Pending commands that were not flushed
// are discarded.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == ErrClosed {
		return ErrClosed
	}
	c.err = ErrClosed
	c.pending = nil
	c.replies = nil
	return nil
}

// Do sends a command to the cluster and returns the received reply. If
// there are commands pending from Send, they are flushed first and Do
// returns the reply of cmd. If cmd is empty, Do flushes the pending
// commands and returns their replies as a []interface{}, with error
// replies as redis.Error values.
func (c *Conn) Do(cmd string, args ...interface{}) (interface{}, error) {
	return c.DoContext(c.ctx, cmd, args...)
}

// DoContext is like Do, using ctx for the command.
func (c *Conn) DoContext(ctx context.Context, cmd string, args ...interface{}) (interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}

	switch strings.ToUpper(cmd) {
	case "":
		if err := c.flushLocked(ctx); err != nil {
			return nil, err
		}
		replies := make([]interface{}, len(c.replies))
		for i, r := range c.replies {
			replies[i] = r.Val
			if r.Err != nil {
				replies[i] = r.Err
			}
		}
		c.replies = nil
		return replies, nil

	case "EXEC":
		if !c.tx {
			return nil, ErrTxCommand
		}
		return c.execLocked(ctx)
	}

	if !c.tx && len(c.pending) == 0 && !isTxControl(cmd) {
		// nothing to flush, routed like Cluster.Do
		pc, err := newPendingCmd(cmd, args)
		if err != nil {
			return nil, err
		}
		c.replies = nil
		return c.cluster.route(ctx, pc, nil)
	}

	if err := c.sendLocked(cmd, args); err != nil {
		return nil, err
	}
	if c.tx {
		if strings.EqualFold(cmd, "MULTI") {
			return "OK", nil
		}
		return "QUEUED", nil
	}
	if strings.EqualFold(cmd, "DISCARD") {
		return "OK", nil
	}
	if err := c.flushLocked(ctx); err != nil {
		return nil, err
	}
	// the reply of cmd is the last one, the previous ones are dropped
	last := c.replies[len(c.replies)-1]
	c.replies = nil
	return last.Val, last.Err
}

func isTxControl(cmd string) bool {
	return strings.EqualFold(cmd, "MULTI") || strings.EqualFold(cmd, "DISCARD")
}

// Send queues a command, to be executed on the next call to Flush or
// Do.
func (c *Conn) Send(cmd string, args ...interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	return c.sendLocked(cmd, args)
}

func (c *Conn) sendLocked(cmd string, args []interface{}) error {
	switch strings.ToUpper(cmd) {
	case "MULTI":
		if c.tx {
			return redis.Error("ERR MULTI calls can not be nested")
		}
		c.tx = true
		return nil
	case "DISCARD":
		if !c.tx {
			return redis.Error("ERR DISCARD without MULTI")
		}
		c.tx = false
		c.pending = nil
		return nil
	}

	pc, err := newPendingCmd(cmd, args)
	if err != nil {
		return err
	}
	c.pending = append(c.pending, pc)
	return nil
}

// Flush executes the commands queued by Send.
func (c *Conn) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	return c.flushLocked(c.ctx)
}

func (c *Conn) flushLocked(ctx context.Context) error {
	if c.tx {
		// executed on EXEC
		return nil
	}
	cmds := c.pending
	c.pending = nil
	if len(cmds) == 0 {
		return nil
	}

	p := &Pipeline{c: c.cluster, cmds: cmds}
	results, err := p.Exec(ctx)
	if err == ErrPipelineGroup {
		// not pipelineable, route each command on its own
		results = make([]Result, len(cmds))
		for i, pc := range cmds {
			v, err := c.cluster.route(ctx, pc, nil)
			results[i] = Result{Val: v, Err: err}
		}
		err = nil
	}
	if err != nil {
		return err
	}
	c.replies = append(c.replies, results...)
	return nil
}

func (c *Conn) execLocked(ctx context.Context) (interface{}, error) {
	cmds := c.pending
	c.pending = nil
	c.tx = false
	if len(cmds) == 0 {
		return []interface{}{}, nil
	}

	p := &Pipeline{c: c.cluster, tx: true, cmds: cmds}
	results, err := p.Exec(ctx)
	if err != nil {
		return nil, err
	}
	vals := make([]interface{}, len(results))
	for i, r := range results {
		if r.Err == ErrTxAborted {
			// redigo returns a nil reply for an aborted transaction
			return nil, nil
		}
		if isExecAbort(r.Err) {
			return nil, r.Err
		}
		vals[i] = r.Val
		if r.Err != nil {
			vals[i] = r.Err
		}
	}
	return vals, nil
}

// Receive returns the reply of the oldest command sent via Send. The
// pending commands are flushed if needed.
func (c *Conn) Receive() (interface{}, error) {
	return c.ReceiveContext(c.ctx)
}

// ReceiveContext is like Receive, using ctx to flush the pending
// commands.
func (c *Conn) ReceiveContext(ctx context.Context) (interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}

	if len(c.replies) == 0 {
		if err := c.flushLocked(ctx); err != nil {
			return nil, err
		}
	}
	if len(c.replies) == 0 {
		return nil, errNoPendingReply
	}
	r := c.replies[0]
	c.replies = c.replies[1:]
	return r.Val, r.Err
}
