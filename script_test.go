package redisroute

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/gomodule/redigo/redis"
	"github.com/mna/redisroute/redistest"
	"github.com/mna/redisroute/redistest/resp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunScript(t *testing.T) {
	mc := redistest.StartMockCluster(t, 3, func(node int, cmd string, args ...string) interface{} {
		switch cmd {
		case "EVALSHA":
			return resp.Error("NOSCRIPT No matching script. Please use EVAL.")
		case "EVAL":
			return int64(1)
		}
		return resp.OK{}
	})
	defer mc.Close()
	c := newTestCluster(t, mc, nil)
	ctx := context.Background()

	c.DefineScript("set2", 2, `
		redis.call("SET", KEYS[1], ARGV[1])
		redis.call("SET", KEYS[2], ARGV[2])
		return 1
	`)

	n, err := redis.Int(c.RunScript(ctx, "set2", "scr{a}1", "scr{a}2", "x", "y"))
	require.NoError(t, err, "RunScript")
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, mc.Servers[2].Count("EVALSHA"), "hash first")
	assert.Equal(t, 1, mc.Servers[2].Count("EVAL"), "then the full script")

	_, err = c.RunScript(ctx, "set2", "scr{a}1", "scr{b}2", "x", "y")
	assert.Equal(t, ErrCrossSlot, err)

	_, err = c.RunScript(ctx, "nope")
	assert.True(t, errors.Is(err, ErrUnknownScript), "%v", err)
}

func TestRunScriptClusterDown(t *testing.T) {
	var calls int32
	mc := redistest.StartMockCluster(t, 3, func(node int, cmd string, args ...string) interface{} {
		if cmd == "EVALSHA" {
			if atomic.AddInt32(&calls, 1) == 1 {
				return resp.Error("CLUSTERDOWN The cluster is down")
			}
			return int64(1)
		}
		return resp.OK{}
	})
	defer mc.Close()
	c := newTestCluster(t, mc, nil)

	c.DefineScript("one", 1, "return 1")
	n, err := redis.Int(c.RunScript(context.Background(), "one", "scr{a}1"))
	require.NoError(t, err, "RunScript")
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, mc.Count("EVALSHA"), "sent again to a random node")
	assert.Equal(t, 0, mc.Count("EVAL"))
}
