package redisroute

import (
	"net"
	"strconv"
	"sync"

	"github.com/gomodule/redigo/redis"
	"golang.org/x/exp/slices"
)

// slotRange is one entry of a CLUSTER SLOTS reply. The first node is
// the master, the others are its replicas.
type slotRange struct {
	start, end int
	nodes      []string
}

// slotTable maps each hash slot to its candidate nodes, master first.
// Entries are only replaced wholesale, never modified in place, so a
// slice returned by resolve can be used without holding the lock.
type slotTable struct {
	mu      sync.RWMutex
	ready   bool
	mapping [HashSlots][]string
}

func (t *slotTable) isReady() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ready
}

// resolve returns the ordered list of nodes for the slot, master
// first. It returns nil if the slot is not covered.
func (t *slotTable) resolve(slot int) []string {
	if slot < 0 || slot >= HashSlots {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.mapping[slot]
}

// owner returns the master of the slot, or an empty string.
func (t *slotTable) owner(slot int) string {
	if nodes := t.resolve(slot); len(nodes) > 0 {
		return nodes[0]
	}
	return ""
}

// replace sets the mapping from a full CLUSTER SLOTS reply and marks
// the table as ready. Slots not covered by ranges are cleared. It
// returns whether any entry changed.
func (t *slotTable) replace(ranges []slotRange) bool {
	var next [HashSlots][]string
	for _, sr := range ranges {
		nodes := append([]string(nil), sr.nodes...)
		for ix := sr.start; ix <= sr.end && ix < HashSlots; ix++ {
			next[ix] = nodes
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var changed bool
	for ix := range next {
		if !slices.Equal(t.mapping[ix], next[ix]) {
			changed = true
			break
		}
	}
	t.mapping = next
	t.ready = true
	return changed
}

// setOwner records addr as the sole node serving slot, as learned from
// a MOVED reply. It returns whether the entry changed.
func (t *slotTable) setOwner(slot int, addr string) bool {
	if slot < 0 || slot >= HashSlots {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur := t.mapping[slot]; len(cur) == 1 && cur[0] == addr {
		return false
	}
	t.mapping[slot] = []string{addr}
	return true
}

// nodes returns the distinct nodes referenced by the table, with the
// replica flag set for nodes that only ever appear as replicas.
func (t *slotTable) nodes() []NodeInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var prev []string
	seen := make(map[string]int)
	var infos []NodeInfo
	for _, entry := range t.mapping {
		// consecutive slots usually share the same slice
		if len(entry) == 0 || (len(prev) > 0 && &entry[0] == &prev[0]) {
			continue
		}
		prev = entry
		for i, addr := range entry {
			ix, ok := seen[addr]
			if !ok {
				seen[addr] = len(infos)
				infos = append(infos, NodeInfo{Addr: addr, Replica: i > 0})
				continue
			}
			if i == 0 {
				infos[ix].Replica = false
			}
		}
	}
	return infos
}

// parseClusterSlots decodes a CLUSTER SLOTS reply received from the
// node at addr. Nodes announced with an empty host are reachable at
// the host of addr.
func parseClusterSlots(reply interface{}, addr string) ([]slotRange, error) {
	vals, err := redis.Values(reply, nil)
	if err != nil {
		return nil, err
	}
	fromHost, _, _ := net.SplitHostPort(addr)

	m := make([]slotRange, 0, len(vals))
	for len(vals) > 0 {
		var rangeVals []interface{}
		vals, err = redis.Scan(vals, &rangeVals)
		if err != nil {
			return nil, err
		}

		var start, end int
		rest, err := redis.Scan(rangeVals, &start, &end)
		if err != nil {
			return nil, err
		}

		sr := slotRange{start: start, end: end}
		for _, nv := range rest {
			node, err := redis.Values(nv, nil)
			if err != nil {
				return nil, err
			}
			var host string
			var port int
			if _, err := redis.Scan(node, &host, &port); err != nil {
				return nil, err
			}
			switch host {
			case "?":
				// unknown endpoint
				continue
			case "":
				host = fromHost
			}
			sr.nodes = append(sr.nodes, net.JoinHostPort(host, strconv.Itoa(port)))
		}
		if len(sr.nodes) > 0 {
			m = append(m, sr)
		}
	}
	return m, nil
}
