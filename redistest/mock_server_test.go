package redistest

import (
	"testing"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockServer(t *testing.T) {
	s := StartMockServer(t, func(cmd string, args ...string) interface{} {
		return cmd
	})
	defer s.Close()

	c, err := redis.Dial("tcp", s.Addr)
	require.NoError(t, err, "Dial")
	defer c.Close()

	v, err := redis.String(c.Do("ECHO", "a"))
	require.NoError(t, err, "ECHO")
	assert.Equal(t, "ECHO", v, "Should return the command name")
	assert.Equal(t, 1, s.Count("echo"), "Count")
}

func TestMockServerPublish(t *testing.T) {
	s := StartMockServer(t, func(cmd string, args ...string) interface{} {
		return nil
	})
	defer s.Close()

	c, err := redis.Dial("tcp", s.Addr)
	require.NoError(t, err, "Dial")
	defer c.Close()

	psc := redis.PubSubConn{Conn: c}
	require.NoError(t, psc.Subscribe("ch"), "Subscribe")
	sub, ok := psc.Receive().(redis.Subscription)
	require.True(t, ok, "subscription ack")
	assert.Equal(t, "ch", sub.Channel)
	assert.Equal(t, 1, sub.Count)

	assert.Equal(t, 1, s.Publish("message", "ch", "hello"), "Publish")
	msg, ok := psc.ReceiveWithTimeout(time.Second).(redis.Message)
	require.True(t, ok, "message")
	assert.Equal(t, "ch", msg.Channel)
	assert.Equal(t, "hello", string(msg.Data))

	assert.Equal(t, 0, s.Publish("smessage", "ch", "hello"), "Publish sharded")
}

func TestMockCluster(t *testing.T) {
	mc := StartMockCluster(t, 3, nil)
	defer mc.Close()

	c, err := redis.Dial("tcp", mc.Addr(1))
	require.NoError(t, err, "Dial")
	defer c.Close()

	vals, err := redis.Values(c.Do("CLUSTER", "SLOTS"))
	require.NoError(t, err, "CLUSTER SLOTS")
	require.Len(t, vals, 3)

	var start, end int
	var node []interface{}
	_, err = redis.Scan(vals[1].([]interface{}), &start, &end, &node)
	require.NoError(t, err, "Scan")
	assert.Equal(t, 5461, start)
	assert.Equal(t, 10922, end)

	var host string
	var port int
	_, err = redis.Scan(node, &host, &port)
	require.NoError(t, err, "Scan node")
	assert.Equal(t, mc.Addr(1), host+":"+mc.Servers[1].Port())

	v, err := redis.String(c.Do("SET", "a", "b"))
	require.NoError(t, err, "SET")
	assert.Equal(t, "OK", v)
	assert.Equal(t, 1, mc.Count("SET"))
}

func TestEvenSlots(t *testing.T) {
	ranges := EvenSlots(3)
	assert.Equal(t, []SlotRange{
		{Start: 0, End: 5460, Nodes: []int{0}},
		{Start: 5461, End: 10922, Nodes: []int{1}},
		{Start: 10923, End: 16383, Nodes: []int{2}},
	}, ranges)
}
