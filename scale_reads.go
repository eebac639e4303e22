package redisroute

import "golang.org/x/exp/slices"

// ReadPolicy is the node selection policy for read-only commands.
type ReadPolicy int

// List of read policies.
const (
	// ReadFromMaster sends read-only commands to the slot's master.
	ReadFromMaster ReadPolicy = iota
	// ReadFromReplica sends read-only commands to a random replica of
	// the slot, or to the master if it has no replica.
	ReadFromReplica
	// ReadFromAny sends read-only commands to a random node among the
	// master and its replicas.
	ReadFromAny
)

func (p ReadPolicy) String() string {
	switch p {
	case ReadFromMaster:
		return "master"
	case ReadFromReplica:
		return "slave"
	case ReadFromAny:
		return "all"
	}
	return "unknown"
}

// ReadSelector selects the node to execute the read-only command cmd
// among nodes, the master of the slot followed by its replicas. If it
// returns an address that is not in nodes, the master is used.
type ReadSelector func(nodes []string, cmd string) string

// pickRead returns the node to use for a read-only command, given the
// candidate nodes of its slot.
func (c *Cluster) pickRead(nodes []string, cmd string) string {
	if len(nodes) == 0 {
		return ""
	}
	if c.ReadSelector != nil {
		addr := c.ReadSelector(append([]string(nil), nodes...), cmd)
		if slices.Contains(nodes, addr) {
			return addr
		}
		return nodes[0]
	}

	switch c.ScaleReads {
	case ReadFromReplica:
		if len(nodes) > 1 {
			return nodes[1+randIntn(len(nodes)-1)]
		}
	case ReadFromAny:
		return nodes[randIntn(len(nodes))]
	}
	return nodes[0]
}
