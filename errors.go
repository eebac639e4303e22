package redisroute

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/gomodule/redigo/redis"
)

var (
	// ErrClosed is returned when the cluster, or a connection or
	// subscriber obtained from it, is used after Close.
	ErrClosed = errors.New("redisroute: closed")

	// ErrCrossSlot is returned when the keys of a single command do not
	// all map to the same hash slot. It is never retried.
	ErrCrossSlot = errors.New("redisroute: keys do not belong to the same slot")

	// ErrPipelineGroup is returned when the commands queued in a
	// Pipeline do not all map to the same slot allocation group.
	ErrPipelineGroup = errors.New("redisroute: pipeline commands do not belong to the same slot allocation group")

	// ErrInconsistentRouting is returned to every member of an
	// auto-pipelined batch whose commands no longer resolve to the same
	// slot allocation group at flush time.
	ErrInconsistentRouting = errors.New("redisroute: inconsistent routing of auto-pipelined batch")

	// ErrNoNodesAvailable is returned to commands waiting for the
	// cluster topology when the refresh retry strategy gives up.
	ErrNoNodesAvailable = errors.New("redisroute: no nodes available")

	// ErrNodeRemoved is the cause of the abort of an in-flight command
	// whose target node was removed from the topology.
	ErrNodeRemoved = errors.New("redisroute: node removed from cluster")

	// ErrSubscriberCommand is returned when a command that switches the
	// connection to subscriber mode is executed via Do. Use PubSub.
	ErrSubscriberCommand = errors.New("redisroute: subscriber commands must be executed via PubSub")

	// ErrTxCommand is returned when a transaction command (MULTI, EXEC,
	// DISCARD, WATCH, UNWATCH) is executed outside of a TxPipeline.
	ErrTxCommand = errors.New("redisroute: transaction commands must be executed via TxPipeline")

	// ErrUnknownScript is returned by RunScript for a name that was
	// never registered with DefineScript.
	ErrUnknownScript = errors.New("redisroute: unknown script")

	// ErrTxAborted is set on every result of a transaction whose EXEC
	// returned a null reply (a WATCHed key was modified).
	ErrTxAborted = errors.New("redisroute: transaction aborted")

	errAllNodesFailed = errors.New("redisroute: all nodes failed")
	errNoNode         = errors.New("redisroute: failed to get a connection")
)

// RedirError is a cluster redirection error, as returned by a node
// that does not serve the slot of the key (MOVED), or that serves it
// only temporarily elsewhere during a migration (ASK).
type RedirError struct {
	// Type indicates if the redirection is a MOVED or an ASK.
	Type string
	// NewSlot is the slot number of the redirection.
	NewSlot int
	// Addr is the node address to redirect to.
	Addr string

	raw string
}

// Error returns the error message of a RedirError. This is the
// message as received from redis.
func (e *RedirError) Error() string {
	return e.raw
}

// ParseRedir parses err into a RedirError. If err is not a MOVED or
// ASK error or if it is nil, it returns nil.
func ParseRedir(err error) *RedirError {
	re, ok := err.(redis.Error)
	if !ok {
		return nil
	}
	parts := strings.Fields(string(re))
	if len(parts) != 3 || (parts[0] != "MOVED" && parts[0] != "ASK") {
		return nil
	}
	slot, convErr := strconv.Atoi(parts[1])
	if convErr != nil {
		return nil
	}
	return &RedirError{
		Type:    parts[0],
		NewSlot: slot,
		Addr:    parts[2],
		raw:     string(re),
	}
}

func hasErrPrefix(err error, prefix string) bool {
	re, ok := err.(redis.Error)
	return ok && strings.HasPrefix(string(re), prefix)
}

// IsTryAgain returns true if the error is a redis cluster
// error of type TRYAGAIN, meaning that the command is valid but
// cannot be completed at the moment (e.g. a multi-key command on
// a slot being migrated).
func IsTryAgain(err error) bool {
	return hasErrPrefix(err, "TRYAGAIN")
}

// IsCrossSlot returns true if the error is a redis cluster
// error of type CROSSSLOT, meaning that a command was sent with
// keys from different slots.
func IsCrossSlot(err error) bool {
	return hasErrPrefix(err, "CROSSSLOT")
}

// IsClusterDown returns true if the error is a redis cluster
// error of type CLUSTERDOWN, meaning the cluster cannot currently
// serve requests.
func IsClusterDown(err error) bool {
	return hasErrPrefix(err, "CLUSTERDOWN")
}

// IsNoScript returns true if the error is a NOSCRIPT reply to an
// EVALSHA.
func IsNoScript(err error) bool {
	return hasErrPrefix(err, "NOSCRIPT")
}

// RedirectLimitError is returned when a command exhausted its
// redirection budget. Err is the last node-level error encountered,
// received from the node at Addr.
type RedirectLimitError struct {
	Limit    int
	Attempts int
	Addr     string
	Err      error
}

func (e *RedirectLimitError) Error() string {
	return fmt.Sprintf("redisroute: too many cluster redirections (limit %d) after %d attempts, last error from %s: %v",
		e.Limit, e.Attempts, e.Addr, e.Err)
}

// Unwrap returns the last node-level error.
func (e *RedirectLimitError) Unwrap() error { return e.Err }

// NodeError is a transport-level failure to reach the node at Addr.
type NodeError struct {
	Addr string
	Err  error
}

func (e *NodeError) Error() string {
	return "redisroute: node " + e.Addr + ": " + e.Err.Error()
}

// Unwrap returns the underlying transport error.
func (e *NodeError) Unwrap() error { return e.Err }

// redirKind classifies a reply error for the routing state machine.
type redirKind int

const (
	redirNone redirKind = iota
	redirMoved
	redirAsk
	redirTryAgain
	redirClusterDown
	redirTransport
)

var redirKindNames = [...]string{
	redirNone:        "none",
	redirMoved:       "moved",
	redirAsk:         "ask",
	redirTryAgain:    "tryagain",
	redirClusterDown: "clusterdown",
	redirTransport:   "transport",
}

func (k redirKind) String() string { return redirKindNames[k] }

func classify(err error) (redirKind, *RedirError) {
	if err == nil {
		return redirNone, nil
	}
	if _, ok := err.(redis.Error); !ok {
		return redirTransport, nil
	}
	if re := ParseRedir(err); re != nil {
		if re.Type == "ASK" {
			return redirAsk, re
		}
		return redirMoved, re
	}
	switch {
	case IsTryAgain(err):
		return redirTryAgain, nil
	case IsClusterDown(err):
		return redirClusterDown, nil
	}
	return redirNone, nil
}
