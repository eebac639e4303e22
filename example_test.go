package redisroute_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/mna/redisroute"
)

// Create and use a cluster.
func Example() {
	// create the cluster
	cluster := &redisroute.Cluster{
		StartupNodes: []string{":7000", ":7001", ":7002"},
		DialOptions:  []redis.DialOption{redis.DialConnectTimeout(5 * time.Second)},
		CreatePool:   createPool,
	}
	defer cluster.Close()

	ctx := context.Background()

	// initialize its mapping, optional: the first command does it
	if err := cluster.Refresh(ctx); err != nil {
		log.Fatalf("Refresh failed: %v", err)
	}

	// call commands, redirections are handled transparently
	if _, err := cluster.Do(ctx, "SET", "some-key", 2); err != nil {
		log.Fatalf("SET failed: %v", err)
	}
	n, err := redis.Int(cluster.Do(ctx, "GET", "some-key"))
	if err != nil {
		log.Fatalf("GET failed: %v", err)
	}
	fmt.Println(n)
}

func createPool(addr string, opts ...redis.DialOption) (*redis.Pool, error) {
	return &redis.Pool{
		MaxIdle:     5,
		MaxActive:   10,
		IdleTimeout: time.Minute,
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", addr, opts...)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			_, err := c.Do("PING")
			return err
		},
	}, nil
}

// Execute commands in a transaction.
func ExampleCluster_TxPipeline() {
	cluster := &redisroute.Cluster{
		StartupNodes: []string{":7000", ":7001", ":7002"},
		CreatePool:   createPool,
	}
	defer cluster.Close()

	// the keys must belong to the same slot, use a hash tag
	tx := cluster.TxPipeline()
	tx.Queue("SET", "{user1}.name", "x")
	tx.Queue("INCR", "{user1}.visits")

	res, err := tx.Exec(context.Background())
	if err != nil {
		log.Fatalf("Exec failed: %v", err)
	}
	for _, r := range res {
		fmt.Println(r.Val, r.Err)
	}
}

// Execute scripts.
func ExampleCluster_RunScript() {
	cluster := &redisroute.Cluster{
		StartupNodes: []string{":7000", ":7001", ":7002"},
		CreatePool:   createPool,
	}
	defer cluster.Close()

	// create a script that takes 2 keys and 2 values, and returns 1
	cluster.DefineScript("set2", 2, `
		redis.call("SET", KEYS[1], ARGV[1])
		redis.call("SET", KEYS[2], ARGV[2])
		return 1
	`)

	// the script is sent to the node that serves the keys, its hash is
	// used once it is loaded there
	v, err := cluster.RunScript(context.Background(), "set2", "scr{a}1", "scr{a}2", "x", "y")
	if err != nil {
		log.Fatalf("RunScript failed: %v", err)
	}
	fmt.Println("RunScript returned ", v)
}

// Use redigo's helpers with a connection.
func ExampleCluster_Get() {
	cluster := &redisroute.Cluster{
		StartupNodes: []string{":7000", ":7001", ":7002"},
		CreatePool:   createPool,
	}
	defer cluster.Close()

	conn := cluster.Get()
	defer conn.Close()

	script := redis.NewScript(1, `return redis.call("GET", KEYS[1])`)
	v, err := redis.String(script.Do(conn, "key"))
	if err != nil {
		log.Fatalf("script.Do failed: %v", err)
	}
	fmt.Println(v)
}

// Batch concurrent commands automatically.
func ExampleCluster_DoAsync() {
	cluster := &redisroute.Cluster{
		StartupNodes:         []string{":7000", ":7001", ":7002"},
		CreatePool:           createPool,
		EnableAutoPipelining: true,
	}
	defer cluster.Close()

	ctx := context.Background()
	futures := make([]*redisroute.Future, 10)
	for i := range futures {
		futures[i] = cluster.DoAsync(ctx, "INCR", "counter")
	}
	for _, f := range futures {
		v, err := f.Wait(ctx)
		if err != nil {
			log.Fatalf("INCR failed: %v", err)
		}
		fmt.Println(v)
	}
}

// Subscribe to sharded and regular channels.
func ExampleCluster_PubSub() {
	cluster := &redisroute.Cluster{
		StartupNodes: []string{":7000", ":7001", ":7002"},
		CreatePool:   createPool,
	}
	defer cluster.Close()

	ctx := context.Background()
	subs := cluster.PubSub()
	defer subs.Close()

	if _, err := subs.SSubscribe(ctx, "orders"); err != nil {
		log.Fatalf("SSubscribe failed: %v", err)
	}
	if _, err := subs.PSubscribe(ctx, "events.*"); err != nil {
		log.Fatalf("PSubscribe failed: %v", err)
	}

	for m := range subs.Messages() {
		fmt.Printf("%s %s: %s\n", m.Kind, m.Channel, m.Data)
	}
}
