// Package redistest provides test helpers to run the cluster client
// against mock redis servers or real redis-server processes.
package redistest

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/stretchr/testify/require"
)

// ClusterConfig is the configuration to use for servers started in
// redis-cluster mode. The value must contain a single reference to
// a string placeholder (%s), the port number.
var ClusterConfig = `
port %s
cluster-enabled yes
cluster-config-file nodes.%[1]s.conf
cluster-node-timeout 5000
appendonly no
`

// NumClusterNodes is the number of masters started in a test cluster.
const NumClusterNodes = 3

// Cluster is a redis cluster of redis-server processes.
type Cluster struct {
	// Masters and Replicas are the addresses of the nodes, as
	// "127.0.0.1:port". Replicas[i] replicates Masters[i].
	Masters  []string
	Replicas []string

	cmds  []*exec.Cmd
	ports []string
}

// Addrs returns the addresses of all nodes, masters first.
func (c *Cluster) Addrs() []string {
	return append(append([]string(nil), c.Masters...), c.Replicas...)
}

// Close stops the nodes and removes their configuration files.
func (c *Cluster) Close() {
	for _, cmd := range c.cmds {
		_ = cmd.Process.Kill()
	}
	for _, port := range c.ports {
		os.Remove(filepath.Join(os.TempDir(), fmt.Sprintf("nodes.%s.conf", port)))
	}
}

// StartCluster starts a redis cluster of NumClusterNodes masters, with
// one replica each if replicas is true. The slots are distributed
// evenly among the masters. If w is not nil, the output of the nodes
// is written to it. If the redis-server command is not found in the
// PATH, the test is skipped. The cluster is stopped when the test
// ends.
func StartCluster(t testing.TB, w io.Writer, replicas bool) *Cluster {
	if _, err := exec.LookPath("redis-server"); err != nil {
		t.Skip("redis-server not found in $PATH")
	}

	c := &Cluster{}
	t.Cleanup(c.Close)

	for i, sr := range EvenSlots(NumClusterNodes) {
		port := c.startNode(t, w)
		addSlots(t, port, sr.Start, sr.End)
		if i > 0 {
			meet(t, port, c.ports[0])
		}
		c.Masters = append(c.Masters, "127.0.0.1:"+port)
	}
	require.True(t, waitForCluster(t, 10*time.Second, c.ports...), "wait for cluster")

	if !replicas {
		return c
	}

	masterPorts := append([]string(nil), c.ports...)
	ids := nodeIDs(t, masterPorts...)
	for _, master := range masterPorts {
		port := c.startNode(t, w)
		meet(t, port, master)
		c.Replicas = append(c.Replicas, "127.0.0.1:"+port)
	}
	require.True(t, waitForCluster(t, 10*time.Second, c.ports...), "wait for cluster replicas")
	for i, master := range masterPorts {
		replicate(t, c.ports[NumClusterNodes+i], ids[master])
	}
	require.True(t, waitForReplicas(10*time.Second, c.ports...), "wait for replicas to join")
	return c
}

func (c *Cluster) startNode(t testing.TB, w io.Writer) string {
	port := clusterFreePort(t)
	cmd := exec.Command("redis-server", "-")
	cmd.Dir = os.TempDir()
	cmd.Stdin = strings.NewReader(fmt.Sprintf(ClusterConfig, port))
	if w != nil {
		cmd.Stdout, cmd.Stderr = w, w
	}
	require.NoError(t, cmd.Start(), "start redis-server")
	c.cmds = append(c.cmds, cmd)
	c.ports = append(c.ports, port)

	require.True(t, waitForPort(port, 10*time.Second), "wait for redis-server on port %s", port)
	return port
}

func nodeDo(t testing.TB, port, cmd string, args ...interface{}) interface{} {
	conn, err := redis.Dial("tcp", "127.0.0.1:"+port)
	require.NoError(t, err, "Dial to node %s", port)
	defer conn.Close()

	v, err := conn.Do(cmd, args...)
	require.NoError(t, err, "%s %v on node %s", cmd, args, port)
	return v
}

func addSlots(t testing.TB, port string, start, end int) {
	args := redis.Args{"ADDSLOTSRANGE", start, end}
	nodeDo(t, port, "CLUSTER", args...)
}

func meet(t testing.TB, port, clusterPort string) {
	nodeDo(t, port, "CLUSTER", "MEET", "127.0.0.1", clusterPort)
}

func replicate(t testing.TB, port, masterID string) {
	nodeDo(t, port, "CLUSTER", "REPLICATE", masterID)
}

// nodeIDs returns the cluster node ID of each port.
func nodeIDs(t testing.TB, ports ...string) map[string]string {
	nodes, err := redis.String(nodeDo(t, ports[0], "CLUSTER", "NODES"), nil)
	require.NoError(t, err, "CLUSTER NODES")

	ids := make(map[string]string)
	s := bufio.NewScanner(strings.NewReader(nodes))
	for s.Scan() {
		fields := strings.Fields(s.Text())
		addr := fields[1]
		if ix := strings.IndexAny(addr, "@,"); ix >= 0 {
			addr = addr[:ix]
		}
		for _, port := range ports {
			if addr == "127.0.0.1:"+port {
				ids[port] = fields[0]
			}
		}
	}
	require.Equal(t, len(ports), len(ids), "find IDs of all nodes")
	return ids
}

func waitForCluster(t testing.TB, timeout time.Duration, ports ...string) bool {
	deadline := time.Now().Add(timeout)
	for _, port := range ports {
		for {
			info, err := redis.Bytes(nodeDo(t, port, "CLUSTER", "INFO"), nil)
			require.NoError(t, err, "CLUSTER INFO")
			if bytes.Contains(info, []byte("cluster_state:ok")) {
				break
			}
			if time.Now().After(deadline) {
				return false
			}
			time.Sleep(100 * time.Millisecond)
		}
	}
	return true
}

func waitForReplicas(timeout time.Duration, ports ...string) bool {
	deadline := time.Now().Add(timeout)
	for _, port := range ports {
		conn, err := redis.Dial("tcp", "127.0.0.1:"+port)
		if err != nil {
			return false
		}
		for {
			nodes, err := redis.String(conn.Do("CLUSTER", "NODES"))
			if err == nil && countConnected(nodes) == 2*NumClusterNodes {
				break
			}
			if time.Now().After(deadline) {
				conn.Close()
				return false
			}
			time.Sleep(100 * time.Millisecond)
		}
		conn.Close()
	}
	return true
}

// countConnected returns the number of connected masters with a slot
// range and connected replicas in a CLUSTER NODES reply.
func countConnected(nodes string) int {
	var masters, replicas int
	s := bufio.NewScanner(strings.NewReader(nodes))
	for s.Scan() {
		fields := strings.Fields(s.Text())
		if len(fields) < 8 || fields[7] != "connected" {
			continue
		}
		if strings.Contains(fields[2], "master") {
			masters++
		} else {
			replicas++
		}
	}
	if masters != NumClusterNodes {
		return 0
	}
	return masters + replicas
}

func waitForPort(port string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", "127.0.0.1:"+port, time.Second)
		if err == nil {
			conn.Close()
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

// clusterFreePort returns a free port below 55535, since cluster nodes
// also listen on port+10000 for the cluster bus.
func clusterFreePort(t testing.TB) string {
	const maxPort = 55535

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "listen on port 0")
	defer l.Close()

	_, p, err := net.SplitHostPort(l.Addr().String())
	require.NoError(t, err, "parse host and port")
	if n, _ := strconv.Atoi(p); n >= maxPort {
		p = strconv.Itoa(n - 10000)
	}
	return p
}

// NewPool creates a redis pool to return connections on the specified
// addr. It is suitable as the CreatePool field of a cluster.
func NewPool(addr string, opts ...redis.DialOption) (*redis.Pool, error) {
	return &redis.Pool{
		MaxIdle:     2,
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
