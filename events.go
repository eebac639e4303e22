package redisroute

// EventKind is the type of a cluster event.
type EventKind int

// List of event kinds reported to Cluster.OnEvent.
const (
	// EventReady is emitted when the slot mapping becomes ready, after
	// the first successful refresh.
	EventReady EventKind = iota
	// EventError is emitted when the refresh retry strategy gives up.
	EventError
	// EventNodeAdded is emitted when a node joins the topology.
	EventNodeAdded
	// EventNodeRemoved is emitted when a node leaves the topology.
	EventNodeRemoved
)

func (k EventKind) String() string {
	switch k {
	case EventReady:
		return "ready"
	case EventError:
		return "error"
	case EventNodeAdded:
		return "+node"
	case EventNodeRemoved:
		return "-node"
	}
	return "unknown"
}

// Event is a cluster lifecycle event. Addr is set for node events and
// Err for error events. Pub/sub messages are delivered separately, via
// SubscriberGroup.Messages.
type Event struct {
	Kind EventKind
	Addr string
	Err  error
}

// eventObserver forwards topology notifications to the OnEvent
// callback and the logger.
type eventObserver struct {
	c *Cluster
}

func (o eventObserver) nodeAdded(addr string, replica bool) {
	role := "master"
	if replica {
		role = "replica"
	}
	o.c.logf("redisroute: node %s added (%s)", addr, role)
	o.c.emit(Event{Kind: EventNodeAdded, Addr: addr})
}

func (o eventObserver) nodeRemoved(addr string) {
	o.c.logf("redisroute: node %s removed", addr)
	o.c.emit(Event{Kind: EventNodeRemoved, Addr: addr})
}

func (o eventObserver) slotsChanged() {}
