package redisroute

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/mna/redisroute/redistest"
	"github.com/mna/redisroute/redistest/resp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flushCountingConn counts the calls to Flush, one per pipeline sent.
type flushCountingConn struct {
	redis.Conn
	flushes *int32
}

func (c flushCountingConn) Flush() error {
	atomic.AddInt32(c.flushes, 1)
	return c.Conn.Flush()
}

func (c flushCountingConn) DoContext(ctx context.Context, cmd string, args ...interface{}) (interface{}, error) {
	return redis.DoContext(c.Conn, ctx, cmd, args...)
}

func (c flushCountingConn) ReceiveContext(ctx context.Context) (interface{}, error) {
	return redis.ReceiveContext(c.Conn, ctx)
}

func countingPool(flushes *int32) func(string, ...redis.DialOption) (*redis.Pool, error) {
	return func(addr string, opts ...redis.DialOption) (*redis.Pool, error) {
		return &redis.Pool{
			MaxIdle:     5,
			IdleTimeout: time.Minute,
			Dial: func() (redis.Conn, error) {
				conn, err := redis.Dial("tcp", addr, opts...)
				if err != nil {
					return nil, err
				}
				return flushCountingConn{Conn: conn, flushes: flushes}, nil
			},
		}, nil
	}
}

func TestAutoPipeline(t *testing.T) {
	mc := redistest.StartMockCluster(t, 3, valueHandler)
	defer mc.Close()

	var flushes int32
	c := newTestCluster(t, mc, func(c *Cluster) {
		c.EnableAutoPipelining = true
		c.AutoPipelineWindow = 50 * time.Millisecond
		c.CreatePool = countingPool(&flushes)
	})
	ctx := context.Background()

	futs := make([]*Future, 5)
	for i := range futs {
		futs[i] = c.DoAsync(ctx, "GET", fmt.Sprintf("{user}%d", i))
	}
	assert.Equal(t, 5, c.AutoPipelineQueued())
	assert.Equal(t, 5, c.AutoPipelineQueuedFor("{user}"))

	for i, f := range futs {
		v, err := redis.String(f.Result())
		require.NoError(t, err, "%d", i)
		assert.Equal(t, fmt.Sprintf("v-{user}%d", i), v)
	}
	assert.Equal(t, 0, c.AutoPipelineQueued())
	assert.Equal(t, 0, c.AutoPipelineQueuedFor("{user}"))
	assert.Equal(t, int32(1), atomic.LoadInt32(&flushes), "a single pipeline")
	assert.Equal(t, 5, mc.Count("GET"))
}

func TestAutoPipelineGroups(t *testing.T) {
	mc := redistest.StartMockCluster(t, 3, valueHandler)
	defer mc.Close()

	var flushes int32
	c := newTestCluster(t, mc, func(c *Cluster) {
		c.EnableAutoPipelining = true
		c.AutoPipelineWindow = 50 * time.Millisecond
		c.CreatePool = countingPool(&flushes)
	})
	ctx := context.Background()

	// a and x are on node 2, b on node 0, c on node 1
	keys := []string{"a", "b", "c", "x", "a", "b"}
	var wg sync.WaitGroup
	for _, k := range keys {
		wg.Add(1)
		go func(k string) {
			defer wg.Done()
			v, err := redis.String(c.Do(ctx, "GET", k))
			if assert.NoError(t, err, k) {
				assert.Equal(t, "v-"+k, v)
			}
		}(k)
	}
	wg.Wait()
	assert.Equal(t, int32(3), atomic.LoadInt32(&flushes), "one pipeline per node")
	assert.Equal(t, 3, mc.Servers[2].Count("GET"))
	assert.Equal(t, 0, c.AutoPipelineQueued())
}

func TestAutoPipelineIgnored(t *testing.T) {
	mc := redistest.StartMockCluster(t, 3, valueHandler)
	defer mc.Close()

	c := newTestCluster(t, mc, func(c *Cluster) {
		c.EnableAutoPipelining = true
		c.AutoPipelineWindow = time.Second
		c.AutoPipelineIgnoredCommands = []string{"get"}
	})
	ctx := context.Background()

	f := c.DoAsync(ctx, "GET", "foo")
	assert.Equal(t, 0, c.AutoPipelineQueued())
	v, err := redis.String(f.Result())
	require.NoError(t, err)
	assert.Equal(t, "v-foo", v)

	// keyless commands are never auto-pipelined
	f = c.DoAsync(ctx, "PING")
	assert.Equal(t, 0, c.AutoPipelineQueued())
	_, err = f.Result()
	assert.NoError(t, err)
}

func TestAutoPipelineInconsistentRouting(t *testing.T) {
	mc := redistest.StartMockCluster(t, 3, valueHandler)
	defer mc.Close()

	c := newTestCluster(t, mc, func(c *Cluster) {
		c.EnableAutoPipelining = true
		c.AutoPipelineWindow = 100 * time.Millisecond
	})
	ctx := context.Background()

	// a (15495) and x (16287) are both served by node 2
	fa := c.DoAsync(ctx, "GET", "a")
	fx := c.DoAsync(ctx, "GET", "x")
	assert.Equal(t, 2, c.AutoPipelineQueuedFor("a"))

	c.slots.setOwner(16287, mc.Addr(0))

	_, err := fa.Result()
	assert.Equal(t, ErrInconsistentRouting, err)
	_, err = fx.Result()
	assert.Equal(t, ErrInconsistentRouting, err)
	assert.Equal(t, 0, mc.Count("GET"), "never sent")
	assert.Equal(t, 0, c.AutoPipelineQueued())
}

func TestAutoPipelineRedirect(t *testing.T) {
	var mc *redistest.MockCluster
	mc = redistest.StartMockCluster(t, 3, func(node int, cmd string, args ...string) interface{} {
		if node == 2 && args[0] == "a" {
			return resp.Error("MOVED 15495 " + mc.Addr(0))
		}
		return "v-" + args[0]
	})
	defer mc.Close()

	c := newTestCluster(t, mc, func(c *Cluster) {
		c.EnableAutoPipelining = true
		c.AutoPipelineWindow = 50 * time.Millisecond
	})
	mc.SetSlots(
		redistest.SlotRange{Start: 0, End: 5460, Nodes: []int{0}},
		redistest.SlotRange{Start: 5461, End: 10922, Nodes: []int{1}},
		redistest.SlotRange{Start: 10923, End: 15494, Nodes: []int{2}},
		redistest.SlotRange{Start: 15495, End: 15495, Nodes: []int{0}},
		redistest.SlotRange{Start: 15496, End: 16383, Nodes: []int{2}},
	)
	ctx := context.Background()

	fa := c.DoAsync(ctx, "GET", "a")
	fx := c.DoAsync(ctx, "GET", "x")

	v, err := redis.String(fa.Result())
	require.NoError(t, err)
	assert.Equal(t, "v-a", v)
	v, err = redis.String(fx.Result())
	require.NoError(t, err)
	assert.Equal(t, "v-x", v)

	assert.Equal(t, 1, mc.Servers[0].Count("GET"), "a re-routed on its own")
	assert.Equal(t, 2, mc.Servers[2].Count("GET"))
	assert.Equal(t, mc.Addr(0), c.slots.owner(15495))
}

func TestAutoPipelineUncoveredSlot(t *testing.T) {
	mc := redistest.StartMockCluster(t, 3, valueHandler)
	defer mc.Close()
	// foo (12182) is not served by any node
	mc.SetSlots(
		redistest.SlotRange{Start: 0, End: 12181, Nodes: []int{0}},
		redistest.SlotRange{Start: 12183, End: 16383, Nodes: []int{1}},
	)

	c := newTestCluster(t, mc, func(c *Cluster) {
		c.EnableAutoPipelining = true
		c.AutoPipelineWindow = 50 * time.Millisecond
	})
	ctx := context.Background()

	f := c.DoAsync(ctx, "GET", "foo")
	assert.Equal(t, 0, c.AutoPipelineQueued(), "not batched")
	v, err := redis.String(f.Result())
	require.NoError(t, err)
	assert.Equal(t, "v-foo", v)
}

func TestAutoPipelineContext(t *testing.T) {
	mc := redistest.StartMockCluster(t, 3, func(node int, cmd string, args ...string) interface{} {
		if cmd == "GET" {
			time.Sleep(300 * time.Millisecond)
		}
		return valueHandler(node, cmd, args...)
	})
	defer mc.Close()

	c := newTestCluster(t, mc, func(c *Cluster) {
		c.EnableAutoPipelining = true
		c.AutoPipelineWindow = 10 * time.Millisecond
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	f := c.DoAsync(ctx, "GET", "foo")
	_, err := f.Result()
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "%v", err)
	assert.True(t, time.Since(start) < 250*time.Millisecond, "pipeline aborted with the context")
}

func TestBatchContext(t *testing.T) {
	ctx1, cancel1 := context.WithCancel(context.Background())
	defer cancel1()
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()

	ctx, cancel := batchContext([]*apEntry{{ctx: ctx1}, {ctx: ctx2}})
	defer cancel()

	cancel1()
	select {
	case <-ctx.Done():
		t.Fatal("done with a live member")
	case <-time.After(20 * time.Millisecond):
	}

	cancel2()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("not done when all members are done")
	}
}

func TestAutoPipelineClose(t *testing.T) {
	mc := redistest.StartMockCluster(t, 3, valueHandler)
	defer mc.Close()

	c := newTestCluster(t, mc, func(c *Cluster) {
		c.EnableAutoPipelining = true
		c.AutoPipelineWindow = time.Second
	})

	f := c.DoAsync(context.Background(), "GET", "foo")
	require.NoError(t, c.Close())

	select {
	case <-f.Done():
	case <-time.After(100 * time.Millisecond):
		t.Fatal("future not resolved on Close")
	}
	_, err := f.Result()
	assert.Equal(t, ErrClosed, err)
	assert.Equal(t, 0, c.AutoPipelineQueued())
}

func TestFutureWait(t *testing.T) {
	f := newFuture()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.Wait(ctx)
	assert.Equal(t, context.DeadlineExceeded, err)

	f.resolve("x", nil)
	v, err := f.Wait(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, "x", v)
}
