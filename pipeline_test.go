package redisroute

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/gomodule/redigo/redis"
	"github.com/mna/redisroute/redistest"
	"github.com/mna/redisroute/redistest/resp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// txHandler replies to a transaction like a redis node would, assuming
// a single transaction at a time.
func txHandler(cmd string, args ...string) interface{} {
	switch cmd {
	case "MULTI":
		return resp.OK{}
	case "EXEC":
		return []interface{}{resp.OK{}, int64(2)}
	case "SET", "INCR", "INCRBY":
		return resp.SimpleString("QUEUED")
	}
	return resp.OK{}
}

func TestPipeline(t *testing.T) {
	mc := redistest.StartMockCluster(t, 3, func(node int, cmd string, args ...string) interface{} {
		switch cmd {
		case "GET":
			return "v-" + args[0]
		case "INCR":
			return resp.Error("ERR value is not an integer or out of range")
		}
		return resp.OK{}
	})
	defer mc.Close()
	c := newTestCluster(t, mc, nil)
	ctx := context.Background()

	p := c.Pipeline()
	require.NoError(t, p.Queue("SET", "{a}1", "x"))
	require.NoError(t, p.Queue("GET", "{a}2"))
	require.NoError(t, p.Queue("INCR", "{a}3"))
	require.NoError(t, p.Queue("GET", "x"), "different slot, same node")
	assert.Equal(t, 4, p.Len())

	results, err := p.Exec(ctx)
	require.NoError(t, err, "Exec")
	require.Len(t, results, 4)
	assert.Equal(t, "OK", results[0].Val)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, []byte("v-{a}2"), results[1].Val)
	assert.Error(t, results[2].Err, "error reply")
	assert.Equal(t, []byte("v-x"), results[3].Val)
	assert.Equal(t, 0, p.Len(), "emptied")
	assert.Equal(t, 2, mc.Servers[2].Count("GET"))
	assert.Equal(t, 0, mc.Count("MULTI"))

	results, err = p.Exec(ctx)
	assert.NoError(t, err, "empty Exec")
	assert.Nil(t, results)
}

func TestPipelineQueueErrors(t *testing.T) {
	mc := redistest.StartMockCluster(t, 3, nil)
	defer mc.Close()
	c := newTestCluster(t, mc, nil)

	p := c.Pipeline()
	assert.Equal(t, ErrCrossSlot, p.Queue("MGET", "a", "b"))
	assert.Equal(t, ErrSubscriberCommand, p.Queue("SUBSCRIBE", "ch"))
	assert.Equal(t, ErrTxCommand, p.Queue("MULTI"))
	assert.Equal(t, 0, p.Len())

	require.NoError(t, p.Queue("GET", "a"))
	require.NoError(t, p.Queue("GET", "b"))
	_, err := p.Exec(context.Background())
	assert.Equal(t, ErrPipelineGroup, err)
	assert.Equal(t, 0, mc.Count("GET"), "never sent")
}

func TestPipelineMoved(t *testing.T) {
	var mc *redistest.MockCluster
	mc = redistest.StartMockCluster(t, 3, func(node int, cmd string, args ...string) interface{} {
		if node == 2 {
			return resp.Error("MOVED 15495 " + mc.Addr(0))
		}
		return "v-" + args[0]
	})
	defer mc.Close()
	c := newTestCluster(t, mc, nil)
	mc.SetSlots(redistest.SlotRange{Start: 0, End: 16383, Nodes: []int{0}})

	p := c.Pipeline()
	require.NoError(t, p.Queue("GET", "{a}1"))
	require.NoError(t, p.Queue("GET", "{a}2"))
	results, err := p.Exec(context.Background())
	require.NoError(t, err, "Exec")
	assert.Equal(t, []Result{{Val: []byte("v-{a}1")}, {Val: []byte("v-{a}2")}}, results)
	assert.Equal(t, 2, mc.Servers[2].Count("GET"))
	assert.Equal(t, 2, mc.Servers[0].Count("GET"))
	assert.Equal(t, mc.Addr(0), c.slots.owner(15495))
}

func TestPipelinePartialMoved(t *testing.T) {
	var mc *redistest.MockCluster
	mc = redistest.StartMockCluster(t, 2, func(node int, cmd string, args ...string) interface{} {
		switch {
		case cmd == "INCR":
			return int64(1)
		case cmd == "SET" && node == 1:
			return resp.Error("MOVED 16287 " + mc.Addr(0))
		}
		return resp.OK{}
	})
	defer mc.Close()
	c := newTestCluster(t, mc, func(c *Cluster) { c.MaxRedirections = 3 })

	// a (15495) stays on node 1, x (16287) moves to node 0
	mc.SetSlots(
		redistest.SlotRange{Start: 0, End: 8191, Nodes: []int{0}},
		redistest.SlotRange{Start: 8192, End: 16286, Nodes: []int{1}},
		redistest.SlotRange{Start: 16287, End: 16287, Nodes: []int{0}},
		redistest.SlotRange{Start: 16288, End: 16383, Nodes: []int{1}},
	)

	p := c.Pipeline()
	require.NoError(t, p.Queue("INCR", "a"))
	require.NoError(t, p.Queue("SET", "x", "v"))
	results, err := p.Exec(context.Background())
	require.NoError(t, err, "Exec")
	assert.Equal(t, []Result{{Val: int64(1)}, {Val: "OK"}}, results)

	assert.Equal(t, 1, mc.Count("INCR"), "executed once")
	assert.Equal(t, 1, mc.Servers[1].Count("SET"))
	assert.Equal(t, 1, mc.Servers[0].Count("SET"), "only the moved command sent again")
	assert.Equal(t, mc.Addr(1), c.slots.owner(15495))
	assert.Equal(t, mc.Addr(0), c.slots.owner(16287))
}

func TestPipelineClusterDown(t *testing.T) {
	var calls int32
	mc := redistest.StartMockCluster(t, 3, func(node int, cmd string, args ...string) interface{} {
		if cmd == "GET" && atomic.AddInt32(&calls, 1) == 1 {
			return resp.Error("CLUSTERDOWN The cluster is down")
		}
		return "v-" + args[0]
	})
	defer mc.Close()
	c := newTestCluster(t, mc, nil)

	p := c.Pipeline()
	require.NoError(t, p.Queue("GET", "{a}1"))
	require.NoError(t, p.Queue("GET", "{a}2"))
	results, err := p.Exec(context.Background())
	require.NoError(t, err, "Exec")
	assert.Equal(t, []Result{{Val: []byte("v-{a}1")}, {Val: []byte("v-{a}2")}}, results)
	assert.Equal(t, 4, mc.Count("GET"), "sent again to a random node")
}

func TestPipelineRedirectLimit(t *testing.T) {
	var mc *redistest.MockCluster
	mc = redistest.StartMockCluster(t, 3, func(node int, cmd string, args ...string) interface{} {
		return resp.Error("ASK 15495 " + mc.Addr(2))
	})
	defer mc.Close()
	c := newTestCluster(t, mc, func(c *Cluster) { c.MaxRedirections = 2 })

	p := c.Pipeline()
	require.NoError(t, p.Queue("GET", "{a}1"))
	require.NoError(t, p.Queue("GET", "{a}2"))
	_, err := p.Exec(context.Background())
	var lerr *RedirectLimitError
	if assert.ErrorAs(t, err, &lerr) {
		assert.Equal(t, 3, lerr.Attempts)
	}
	assert.Equal(t, 6, mc.Servers[2].Count("GET"), "3 attempts of 2 commands")
}

func TestTxPipeline(t *testing.T) {
	mc := redistest.StartMockCluster(t, 3, func(node int, cmd string, args ...string) interface{} {
		return txHandler(cmd, args...)
	})
	defer mc.Close()
	c := newTestCluster(t, mc, nil)

	p := c.TxPipeline()
	require.NoError(t, p.Queue("SET", "{a}1", "x"))
	require.NoError(t, p.Queue("INCR", "{a}2"))
	results, err := p.Exec(context.Background())
	require.NoError(t, err, "Exec")
	assert.Equal(t, []Result{{Val: "OK"}, {Val: int64(2)}}, results)
	assert.Equal(t, 1, mc.Servers[2].Count("MULTI"))
	assert.Equal(t, 1, mc.Servers[2].Count("EXEC"))
}

func TestTxPipelineAborted(t *testing.T) {
	mc := redistest.StartMockCluster(t, 3, func(node int, cmd string, args ...string) interface{} {
		if cmd == "EXEC" {
			// a watched key was modified
			return resp.NilArray{}
		}
		return txHandler(cmd, args...)
	})
	defer mc.Close()
	c := newTestCluster(t, mc, nil)

	p := c.TxPipeline()
	require.NoError(t, p.Queue("SET", "{a}1", "x"))
	require.NoError(t, p.Queue("INCR", "{a}2"))
	results, err := p.Exec(context.Background())
	require.NoError(t, err, "Exec")
	assert.Equal(t, []Result{{Err: ErrTxAborted}, {Err: ErrTxAborted}}, results)
}

func TestTxPipelineExecAbort(t *testing.T) {
	mc := redistest.StartMockCluster(t, 3, func(node int, cmd string, args ...string) interface{} {
		switch cmd {
		case "INCR":
			return resp.Error("ERR wrong number of arguments for 'incr' command")
		case "EXEC":
			return resp.Error("EXECABORT Transaction discarded because of previous errors.")
		}
		return txHandler(cmd, args...)
	})
	defer mc.Close()
	c := newTestCluster(t, mc, nil)

	p := c.TxPipeline()
	require.NoError(t, p.Queue("SET", "{a}1", "x"))
	require.NoError(t, p.Queue("INCR", "{a}2", "extra"))
	results, err := p.Exec(context.Background())
	require.NoError(t, err, "Exec")
	require.Len(t, results, 2)
	assert.True(t, isExecAbort(results[0].Err), "%v", results[0].Err)
	assert.Contains(t, results[1].Err.Error(), "wrong number of arguments")
	assert.Equal(t, 1, mc.Count("EXEC"), "not retried")
}

func TestTxPipelineMoved(t *testing.T) {
	var mc *redistest.MockCluster
	mc = redistest.StartMockCluster(t, 3, func(node int, cmd string, args ...string) interface{} {
		if node == 2 {
			switch cmd {
			case "SET", "INCR":
				return resp.Error("MOVED 15495 " + mc.Addr(0))
			case "EXEC":
				return resp.Error("EXECABORT Transaction discarded because of previous errors.")
			}
		}
		return txHandler(cmd, args...)
	})
	defer mc.Close()
	c := newTestCluster(t, mc, nil)
	mc.SetSlots(redistest.SlotRange{Start: 0, End: 16383, Nodes: []int{0}})

	p := c.TxPipeline()
	require.NoError(t, p.Queue("SET", "{a}1", "x"))
	require.NoError(t, p.Queue("INCR", "{a}2"))
	results, err := p.Exec(context.Background())
	require.NoError(t, err, "Exec")
	assert.Equal(t, []Result{{Val: "OK"}, {Val: int64(2)}}, results)
	assert.Equal(t, 1, mc.Servers[2].Count("MULTI"))
	assert.Equal(t, 1, mc.Servers[0].Count("MULTI"), "whole transaction sent again")
	assert.Equal(t, 1, mc.Servers[0].Count("EXEC"))
}

func TestCommonRedirect(t *testing.T) {
	moved := redis.Error("MOVED 1 a:1")
	tryAgain := redis.Error("TRYAGAIN x")
	cases := []struct {
		names []string
		in    []Result
		kind  redirKind
		whole bool
	}{
		{nil, nil, redirNone, true},
		{[]string{"GET"}, []Result{{Val: "OK"}}, redirNone, true},
		{[]string{"GET", "GET"}, []Result{{Err: moved}, {Val: "OK"}}, redirMoved, true},
		{[]string{"SET", "SET"}, []Result{{Err: moved}, {Val: "OK"}}, redirMoved, false},
		{[]string{"GET", "GET"}, []Result{{Err: moved}, {Err: redis.Error("MOVED 2 a:1")}}, redirMoved, true},
		{[]string{"GET", "GET"}, []Result{{Err: moved}, {Err: redis.Error("MOVED 2 b:1")}}, redirMoved, false},
		{[]string{"GET", "GET"}, []Result{{Err: moved}, {Err: redis.Error("ASK 2 a:1")}}, redirMoved, false},
		{[]string{"GET", "GET"}, []Result{{Err: moved}, {Err: redis.Error("ERR oops")}}, redirMoved, true},
		{[]string{"GET", "INCR"}, []Result{{Err: moved}, {Err: redis.Error("ERR oops")}}, redirMoved, false},
		{[]string{"GET", "GET"}, []Result{{Err: tryAgain}, {Err: tryAgain}}, redirTryAgain, true},
		{[]string{"GET", "GET"}, []Result{{Err: tryAgain}, {Err: moved}}, redirTryAgain, false},
		{[]string{"GET", "GET"}, []Result{{Err: redis.Error("CLUSTERDOWN x")}, {Val: "v"}}, redirClusterDown, true},
		{[]string{"SET", "INCR"}, []Result{{Err: moved}, {Err: redis.Error("EXECABORT x")}}, redirMoved, true},
		{[]string{"SET", "INCR"}, []Result{{Err: ErrTxAborted}, {Err: ErrTxAborted}}, redirNone, false},
	}
	for i, c := range cases {
		cmds := make([]*pendingCmd, len(c.names))
		for j, name := range c.names {
			pc, err := newPendingCmd(name, []interface{}{"k", "v"})
			require.NoError(t, err)
			cmds[j] = pc
		}
		kind, _, whole := commonRedirect(cmds, c.in)
		assert.Equal(t, c.kind, kind, "%d", i)
		assert.Equal(t, c.whole, whole, "%d", i)
	}
}
