package redistest

import (
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/mna/redisroute/redistest/resp"
)

const hashSlots = 16384

// SlotRange assigns the slots from Start to End (inclusive) to the
// nodes at the indices Nodes of a MockCluster, master first.
type SlotRange struct {
	Start, End int
	Nodes      []int
}

// MockCluster is a set of mock redis servers that reply to CLUSTER
// SLOTS with a configurable mapping. Other commands are passed to the
// handler along with the index of the node that received it.
type MockCluster struct {
	Servers []*MockServer

	mu    sync.Mutex
	slots []SlotRange
}

// StartMockCluster starts n mock servers, with the slots evenly
// distributed among them. ASKING and READONLY are acknowledged
// without calling the handler. If the handler is nil, commands reply
// OK. The caller should close the cluster after use.
func StartMockCluster(t testing.TB, n int, handler func(node int, cmd string, args ...string) interface{}) *MockCluster {
	mc := &MockCluster{
		Servers: make([]*MockServer, n),
		slots:   EvenSlots(n),
	}
	for i := 0; i < n; i++ {
		i := i
		mc.Servers[i] = StartMockServer(t, func(cmd string, args ...string) interface{} {
			switch strings.ToUpper(cmd) {
			case "CLUSTER":
				if len(args) > 0 && strings.EqualFold(args[0], "SLOTS") {
					return mc.slotsReply()
				}
			case "ASKING", "READONLY":
				return resp.OK{}
			}
			if handler == nil {
				if isSubscriberCmd(strings.ToUpper(cmd)) {
					return nil
				}
				return resp.OK{}
			}
			return handler(i, cmd, args...)
		})
	}
	return mc
}

// EvenSlots returns n ranges that distribute the slots evenly, one per
// node.
func EvenSlots(n int) []SlotRange {
	ranges := make([]SlotRange, n)
	for i := 0; i < n; i++ {
		ranges[i] = SlotRange{
			Start: (i*hashSlots + n/2) / n,
			End:   ((i+1)*hashSlots+n/2)/n - 1,
			Nodes: []int{i},
		}
	}
	return ranges
}

// Addr returns the address of the node at index i.
func (mc *MockCluster) Addr(i int) string {
	return mc.Servers[i].Addr
}

// Addrs returns the addresses of all nodes.
func (mc *MockCluster) Addrs() []string {
	addrs := make([]string, len(mc.Servers))
	for i, s := range mc.Servers {
		addrs[i] = s.Addr
	}
	return addrs
}

// SetSlots replaces the mapping returned by CLUSTER SLOTS.
func (mc *MockCluster) SetSlots(ranges ...SlotRange) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.slots = ranges
}

// Count returns the number of times cmd was received by all nodes.
func (mc *MockCluster) Count(cmd string) int {
	var n int
	for _, s := range mc.Servers {
		n += s.Count(cmd)
	}
	return n
}

// Close closes all nodes.
func (mc *MockCluster) Close() {
	for _, s := range mc.Servers {
		s.Close()
	}
}

func (mc *MockCluster) slotsReply() []interface{} {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	reply := make([]interface{}, 0, len(mc.slots))
	for _, sr := range mc.slots {
		entry := []interface{}{int64(sr.Start), int64(sr.End)}
		for _, ix := range sr.Nodes {
			s := mc.Servers[ix]
			port, _ := strconv.Atoi(s.Port())
			entry = append(entry, []interface{}{"127.0.0.1", int64(port), "node" + strconv.Itoa(ix)})
		}
		reply = append(reply, entry)
	}
	return reply
}
