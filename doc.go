// Package redisroute implements a redis cluster client on top of
// the redigo client package. It routes each command to the node that
// serves the hash slot of its keys and handles the cluster's
// redirections transparently. See http://redis.io/topics/cluster-spec
// for details.
//
// Cluster
//
// The Cluster type manages a redis cluster. Its exported fields
// configure it, and their zero values select sensible defaults, so
// that the following is a valid, ready to use cluster:
//
//     cluster := &redisroute.Cluster{
//       StartupNodes: []string{"127.0.0.1:7000", "127.0.0.1:7001"},
//     }
//     defer cluster.Close()
//
// The mapping of hash slots to nodes is loaded from the startup nodes
// on first use (or explicitly via Refresh), kept up-to-date based on
// the MOVED replies and refreshed periodically. If no node can provide
// the mapping, the RefreshRetry strategy decides when to try again, or
// to give up, in which case the waiting commands fail with an error
// wrapping ErrNoNodesAvailable.
//
// A redis.Pool is created for each node, via the CreatePool field if it
// is set. Pools are closed when their node leaves the cluster.
//
// Commands
//
// The Do method executes a command and returns its reply:
//
//     v, err := redis.String(cluster.Do(ctx, "GET", "key"))
//
// The keys of a command are found using a table of the known redis
// commands. Commands without a key are sent to a random master node,
// and unknown commands are assumed to be write commands with their key
// as first argument. All keys of a command must belong to the same hash
// slot, otherwise ErrCrossSlot is returned and the command is not sent.
// Hash tags can be used to force keys in the same slot, see Slot.
//
// Read-only commands can be sent to replicas, depending on the
// ScaleReads policy or the ReadSelector function.
//
// Redirections
//
// A node may reply with an error to a command whose slot it does not
// serve, or that cannot be served at the moment:
//
//     - MOVED: the slot is now served by another node. The mapping is
//       updated for that slot, a full refresh is scheduled and the
//       command is sent to the new node.
//     - ASK: the slot is being migrated, and the key is on the target
//       node. The command is sent there, preceded by ASKING, but the
//       mapping is not updated.
//     - TRYAGAIN: the command is sent again to the same node after
//       RetryDelayOnTryAgain.
//     - CLUSTERDOWN: the command is sent again to a random node after
//       RetryDelayOnClusterDown.
//
// A failure to reach a node triggers a refresh of the mapping, and the
// command fails if the refresh fails too. All those causes count
// toward a single budget, MaxRedirections, after which the command
// fails with a *RedirectLimitError that carries the last error and the
// address of the node that returned it.
//
// Pipelines
//
// Pipeline and TxPipeline batch commands in a single round trip. All
// commands of a pipeline must be served by the same nodes. Exec returns
// a Result for each command, in order. The Get method returns a
// redigo-compatible connection built on pipelines, so that helpers like
// redis.Script work with the cluster.
//
// With EnableAutoPipelining set, the commands issued concurrently via
// Do and DoAsync are batched automatically, one pipeline per group of
// nodes. If the mapping changes between the time a command is queued
// and the time its batch is flushed so that the batch would span
// different nodes, the whole batch fails with ErrInconsistentRouting.
//
// Pub/Sub
//
// The SubscriberGroup returned by PubSub manages subscriptions. Regular
// and pattern subscriptions share a single connection to a random node.
// Sharded subscriptions (SSUBSCRIBE) use one connection per node that
// serves a subscribed channel and are moved when the slot of a channel
// moves to another node. Messages are received on the Messages channel.
//
// Events and telemetry
//
// The OnEvent callback receives the ready, error, node added and node
// removed events. The cluster records OpenTelemetry metrics of its
// redirections, refreshes and auto-pipelined batches, and a span for
// each command, using the Meter and Tracer fields or the global
// providers.
package redisroute
