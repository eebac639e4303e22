package redisroute

import (
	"context"
	"time"

	"github.com/gomodule/redigo/redis"
	"golang.org/x/exp/slices"
)

// Result is the reply to a command executed in a pipeline. Err is set
// if the command failed, either with an error reply of the store or
// because the pipeline could not be executed.
type Result struct {
	Val interface{}
	Err error
}

// Pipeline collects commands to send to the cluster in a single round
// trip. All commands must belong to the same slot allocation group
// (i.e. be served by the same nodes). A Pipeline is not safe for
// concurrent use.
type Pipeline struct {
	c    *Cluster
	tx   bool
	cmds []*pendingCmd
}

// Pipeline returns a new, empty pipeline.
func (c *Cluster) Pipeline() *Pipeline {
	c.init()
	return &Pipeline{c: c}
}

// TxPipeline returns a new, empty pipeline whose commands are executed
// in a MULTI/EXEC transaction.
func (c *Cluster) TxPipeline() *Pipeline {
	c.init()
	return &Pipeline{c: c, tx: true}
}

// Queue adds a command to the pipeline. It fails if the command cannot
// be pipelined, or if its keys belong to different slots.
func (p *Pipeline) Queue(cmd string, args ...interface{}) error {
	pc, err := newPendingCmd(cmd, args)
	if err != nil {
		return err
	}
	p.cmds = append(p.cmds, pc)
	return nil
}

// Len returns the number of queued commands.
func (p *Pipeline) Len() int { return len(p.cmds) }

// Exec sends the queued commands and returns their results, in order.
// The pipeline is emptied. If all the failed commands were redirected
// the same way to the same node and no command with side effects
// succeeded, the whole pipeline is sent again, within the
// MaxRedirections budget. Otherwise each redirected command is routed
// on its own, except in a transaction.
func (p *Pipeline) Exec(ctx context.Context) ([]Result, error) {
	cmds := p.cmds
	p.cmds = nil
	if len(cmds) == 0 {
		return nil, nil
	}

	c := p.c
	if c.isClosed() {
		return nil, ErrClosed
	}
	if err := c.topo.waitReady(ctx); err != nil {
		return nil, err
	}

	nodes, err := c.pipelineGroup(cmds)
	if err != nil {
		return nil, err
	}

	var addr string
	var replica, asking bool
	switch {
	case len(nodes) == 0:
		if addr = c.randomNode(); addr == "" {
			return nil, errNoNode
		}
	case readOnlyCmds(cmds):
		addr = c.pickRead(nodes, cmds[0].name)
		replica = addr != nodes[0]
	default:
		addr = nodes[0]
	}

	var redirects int
	for {
		sent := time.Now()
		results, err := c.execPipeline(ctx, addr, replica, asking, p.tx, cmds)
		var kind redirKind
		var re *RedirError
		if err != nil {
			kind = redirTransport
		} else {
			var whole bool
			kind, re, whole = commonRedirect(cmds, results)
			if kind == redirNone {
				return results, nil
			}
			if !whole {
				if p.tx {
					return results, nil
				}
				return c.routeFailed(ctx, cmds, results, addr, replica, redirects), nil
			}
		}
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}

		lastErr := err
		if lastErr == nil {
			lastErr = firstErr(results)
		}
		redirects++
		if redirects > c.maxRedirections() {
			return nil, &RedirectLimitError{
				Limit:    c.maxRedirections(),
				Attempts: redirects,
				Addr:     addr,
				Err:      lastErr,
			}
		}
		c.telem.redirected(ctx, kind)

		switch kind {
		case redirMoved:
			target := resolveAddr(re.Addr, addr)
			for _, r := range results {
				if _, rre := classify(r.Err); rre != nil {
					c.slots.setOwner(rre.NewSlot, target)
				}
			}
			c.topo.schedule()
			if err := sleepContext(ctx, c.RetryDelayOnMoved); err != nil {
				return nil, err
			}
			addr, replica, asking = target, false, false

		case redirAsk:
			addr, replica, asking = resolveAddr(re.Addr, addr), false, true

		case redirTryAgain:
			if err := sleepContext(ctx, c.tryAgainDelay()); err != nil {
				return nil, err
			}

		case redirClusterDown:
			if err := sleepContext(ctx, c.clusterDownDelay()); err != nil {
				return nil, err
			}
			c.topo.schedule()
			next := c.randomNode()
			if next == "" {
				return nil, &NodeError{Addr: addr, Err: lastErr}
			}
			addr, replica, asking = next, false, false

		case redirTransport:
			if rerr := c.topo.refreshAfter(ctx, sent); rerr != nil {
				c.logf("redisroute: node %s unreachable and refresh failed: %v", addr, rerr)
				return nil, &NodeError{Addr: addr, Err: err}
			}
			if err := sleepContext(ctx, c.failoverDelay()); err != nil {
				return nil, err
			}
			if nodes, err = c.pipelineGroup(cmds); err != nil {
				return nil, err
			}
			if len(nodes) > 0 {
				addr, replica, asking = nodes[0], false, false
			}
		}
	}
}

// routeFailed routes on its own each command of cmds that was
// redirected when sent to addr, and stores its final result in
// results. The redirections of the pipeline so far count against the
// budget of each command.
func (c *Cluster) routeFailed(ctx context.Context, cmds []*pendingCmd, results []Result, addr string, replica bool, redirects int) []Result {
	for i, r := range results {
		if kind, _ := resultRedirect(r.Err); kind == redirNone {
			continue
		}
		pc := cmds[i]
		pc.addr, pc.replica, pc.asking = addr, replica, false
		pc.redirects = redirects
		v, err := c.route(ctx, pc, r.Err)
		results[i] = Result{Val: v, Err: err}
	}
	return results
}

// pipelineGroup returns the nodes serving all keyed commands of cmds,
// or ErrPipelineGroup if they are not the same for all commands.
func (c *Cluster) pipelineGroup(cmds []*pendingCmd) ([]string, error) {
	var nodes []string
	for _, pc := range cmds {
		if pc.slot < 0 {
			continue
		}
		n := c.slots.resolve(pc.slot)
		if nodes == nil {
			nodes = n
			continue
		}
		if !slices.Equal(nodes, n) {
			return nil, ErrPipelineGroup
		}
	}
	return nodes, nil
}

func readOnlyCmds(cmds []*pendingCmd) bool {
	for _, pc := range cmds {
		if !pc.info.readOnly() {
			return false
		}
	}
	return true
}

// commonRedirect returns the redirection of the failed results, or
// redirNone if no result was redirected. It also reports whether the
// whole pipeline can be sent again: all redirections must be of the
// same kind and point to the same node, and the commands that were
// executed, successfully or not, must be read-only.
func commonRedirect(cmds []*pendingCmd, results []Result) (redirKind, *RedirError, bool) {
	var kind redirKind
	var target *RedirError
	whole := true
	for i, r := range results {
		if r.Err != nil && isExecAbort(r.Err) {
			continue
		}
		k, re := resultRedirect(r.Err)
		if k == redirNone {
			if !cmds[i].info.readOnly() {
				whole = false
			}
			continue
		}
		if kind == redirNone {
			kind, target = k, re
			continue
		}
		if k != kind {
			whole = false
			continue
		}
		if re != nil && target != nil && re.Addr != target.Addr {
			whole = false
		}
	}
	return kind, target, whole
}

// resultRedirect classifies the error of a pipeline result. Errors
// that are not replies of the store, like ErrTxAborted, are final.
func resultRedirect(err error) (redirKind, *RedirError) {
	kind, re := classify(err)
	if kind == redirTransport {
		return redirNone, nil
	}
	return kind, re
}

func isExecAbort(err error) bool {
	return hasErrPrefix(err, "EXECABORT")
}

func firstErr(results []Result) error {
	for _, r := range results {
		if r.Err != nil && !isExecAbort(r.Err) {
			return r.Err
		}
	}
	return nil
}

// execPipeline sends cmds to addr in a single round trip and returns
// one result per command. The error is only set for transport
// failures.
func (c *Cluster) execPipeline(ctx context.Context, addr string, replica, asking, tx bool, cmds []*pendingCmd) ([]Result, error) {
	if c.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.CommandTimeout)
		defer cancel()
	}

	conn, err := c.pool.get(ctx, addr, replica, c.PoolWaitTime)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	// ASKING is a one-shot flag, except within MULTI
	var skip int
	if tx {
		if asking {
			if err := conn.Send("ASKING"); err != nil {
				return nil, err
			}
			skip++
		}
		if err := conn.Send("MULTI"); err != nil {
			return nil, err
		}
		skip++
	}
	for _, pc := range cmds {
		if asking && !tx {
			if err := conn.Send("ASKING"); err != nil {
				return nil, err
			}
		}
		if err := conn.Send(pc.name, pc.args...); err != nil {
			return nil, err
		}
	}
	if tx {
		if err := conn.Send("EXEC"); err != nil {
			return nil, err
		}
	}
	if err := conn.Flush(); err != nil {
		return nil, err
	}

	for i := 0; i < skip; i++ {
		if _, err := redis.ReceiveContext(conn, ctx); err != nil {
			if _, ok := err.(redis.Error); !ok {
				return nil, err
			}
		}
	}

	results := make([]Result, len(cmds))
	for i := range cmds {
		if asking && !tx {
			if _, err := redis.ReceiveContext(conn, ctx); err != nil {
				if _, ok := err.(redis.Error); !ok {
					return nil, err
				}
			}
		}
		v, err := redis.ReceiveContext(conn, ctx)
		if err != nil {
			if _, ok := err.(redis.Error); !ok {
				return nil, err
			}
		}
		results[i] = Result{Val: v, Err: err}
	}
	if !tx {
		return results, nil
	}

	// in a transaction, results so far are the QUEUED replies
	reply, err := redis.ReceiveContext(conn, ctx)
	if err != nil {
		if _, ok := err.(redis.Error); !ok {
			return nil, err
		}
		for i := range results {
			if results[i].Err == nil {
				results[i].Err = err
			}
			results[i].Val = nil
		}
		return results, nil
	}
	if reply == nil {
		for i := range results {
			results[i] = Result{Err: ErrTxAborted}
		}
		return results, nil
	}

	vals, err := redis.Values(reply, nil)
	if err != nil {
		return nil, err
	}
	for i := range results {
		results[i] = Result{}
		if i >= len(vals) {
			results[i].Err = redis.Error("EXECABORT missing reply")
			continue
		}
		if e, ok := vals[i].(redis.Error); ok {
			results[i].Err = e
			continue
		}
		results[i].Val = vals[i]
	}
	return results, nil
}
