package redisroute

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gomodule/redigo/redis"
)

type cmdFlags uint8

const (
	flagReadOnly cmdFlags = 1 << iota
	// switches the connection to subscriber mode
	flagSubscriber
	// blocks the connection until a reply is available
	flagBlocking
	// depends on per-connection state (transactions, WATCH)
	flagConnState
)

// cmdInfo describes where the keys of a command are located in its
// arguments (excluding the command name). A first index of -1 means
// the command has no key. A negative last index counts from the end
// of the arguments (-1 is the last argument).
type cmdInfo struct {
	first, last, step int
	flags             cmdFlags
	movable           func(args []interface{}) []interface{}
}

func (ci cmdInfo) readOnly() bool { return ci.flags&flagReadOnly != 0 }

// keys returns the key arguments of a command invocation.
func (ci cmdInfo) keys(args []interface{}) []interface{} {
	if ci.movable != nil {
		return ci.movable(args)
	}
	if ci.first < 0 || ci.first >= len(args) {
		return nil
	}
	last := ci.last
	if last < 0 {
		last += len(args)
	}
	if last >= len(args) {
		last = len(args) - 1
	}
	step := ci.step
	if step <= 0 {
		step = 1
	}
	keys := make([]interface{}, 0, (last-ci.first)/step+1)
	for i := ci.first; i <= last; i += step {
		keys = append(keys, args[i])
	}
	return keys
}

var commands = make(map[string]cmdInfo)

func register(ci cmdInfo, names ...string) {
	for _, name := range names {
		commands[name] = ci
	}
}

func init() {
	single := cmdInfo{first: 0, last: 0, step: 1}
	multi := cmdInfo{first: 0, last: -1, step: 1}
	pair := cmdInfo{first: 0, last: 1, step: 1}
	keyless := cmdInfo{first: -1}

	ro := func(ci cmdInfo) cmdInfo {
		ci.flags |= flagReadOnly
		return ci
	}

	register(ro(single),
		"GET", "GETRANGE", "SUBSTR", "STRLEN", "TTL", "PTTL", "EXPIRETIME", "PEXPIRETIME", "TYPE", "DUMP",
		"HGET", "HGETALL", "HKEYS", "HLEN", "HMGET", "HVALS", "HEXISTS", "HSTRLEN", "HSCAN", "HRANDFIELD",
		"LINDEX", "LLEN", "LRANGE", "LPOS",
		"SCARD", "SISMEMBER", "SMISMEMBER", "SMEMBERS", "SRANDMEMBER", "SSCAN",
		"ZCARD", "ZCOUNT", "ZLEXCOUNT", "ZRANGE", "ZRANGEBYLEX", "ZRANGEBYSCORE", "ZRANK", "ZREVRANGE",
		"ZREVRANGEBYLEX", "ZREVRANGEBYSCORE", "ZREVRANK", "ZSCORE", "ZMSCORE", "ZSCAN", "ZRANDMEMBER",
		"BITCOUNT", "BITPOS", "GETBIT", "BITFIELD_RO",
		"XLEN", "XRANGE", "XREVRANGE", "XPENDING",
		"GEOPOS", "GEODIST", "GEOHASH", "GEORADIUS_RO", "GEORADIUSBYMEMBER_RO", "GEOSEARCH",
		"SORT_RO")
	register(ro(multi), "EXISTS", "MGET", "PFCOUNT", "SDIFF", "SINTER", "SUNION", "TOUCH")
	register(ro(pair), "LCS")

	register(single,
		"SET", "SETNX", "SETEX", "PSETEX", "GETSET", "GETDEL", "GETEX", "APPEND", "INCR", "INCRBY",
		"INCRBYFLOAT", "DECR", "DECRBY", "SETRANGE", "SETBIT", "BITFIELD",
		"EXPIRE", "EXPIREAT", "PEXPIRE", "PEXPIREAT", "PERSIST", "RESTORE", "SORT",
		"HSET", "HSETNX", "HMSET", "HDEL", "HINCRBY", "HINCRBYFLOAT",
		"LPUSH", "LPUSHX", "RPUSH", "RPUSHX", "LPOP", "RPOP", "LINSERT", "LREM", "LSET", "LTRIM",
		"SADD", "SREM", "SPOP",
		"ZADD", "ZINCRBY", "ZREM", "ZREMRANGEBYLEX", "ZREMRANGEBYRANK", "ZREMRANGEBYSCORE", "ZPOPMIN", "ZPOPMAX",
		"PFADD", "GEOADD", "GEORADIUS", "GEORADIUSBYMEMBER",
		"XADD", "XDEL", "XTRIM", "XACK", "XCLAIM", "XAUTOCLAIM", "XSETID")
	register(multi, "DEL", "UNLINK", "SDIFFSTORE", "SINTERSTORE", "SUNIONSTORE", "PFMERGE")
	register(pair, "RENAME", "RENAMENX", "COPY", "RPOPLPUSH", "LMOVE", "SMOVE", "ZRANGESTORE", "GEOSEARCHSTORE")
	register(cmdInfo{first: 0, last: -1, step: 2}, "MSET", "MSETNX")
	// the channel is the key for sharded pub/sub
	register(single, "SPUBLISH")

	register(cmdInfo{first: 0, last: -2, step: 1, flags: flagBlocking}, "BLPOP", "BRPOP", "BZPOPMIN", "BZPOPMAX")
	register(cmdInfo{first: 0, last: 1, step: 1, flags: flagBlocking}, "BRPOPLPUSH", "BLMOVE")
	register(cmdInfo{first: 1, last: 1, step: 1}, "XGROUP", "XINFO", "OBJECT")

	register(cmdInfo{first: 0, last: -1, step: 1, flags: flagConnState}, "WATCH")
	register(cmdInfo{first: -1, flags: flagConnState}, "MULTI", "EXEC", "DISCARD", "UNWATCH")

	register(cmdInfo{first: -1, flags: flagSubscriber},
		"SUBSCRIBE", "PSUBSCRIBE", "SSUBSCRIBE", "UNSUBSCRIBE", "PUNSUBSCRIBE", "SUNSUBSCRIBE", "MONITOR")

	register(keyless,
		"PING", "ECHO", "INFO", "TIME", "DBSIZE", "CLUSTER", "COMMAND", "CONFIG", "CLIENT", "SCRIPT",
		"FUNCTION", "FLUSHALL", "FLUSHDB", "RANDOMKEY", "KEYS", "SCAN", "PUBLISH", "PUBSUB", "READONLY",
		"READWRITE", "ASKING", "AUTH", "HELLO", "SELECT", "QUIT", "WAIT", "LASTSAVE", "ROLE", "SLOWLOG",
		"MEMORY", "LATENCY")

	// movable keys: numkeys precedes the keys
	register(cmdInfo{movable: numKeysAt(1, 2)}, "EVAL", "EVALSHA", "EVAL_RO", "EVALSHA_RO", "FCALL", "FCALL_RO")
	register(cmdInfo{movable: destAndNumKeys}, "ZUNIONSTORE", "ZINTERSTORE", "ZDIFFSTORE")
	register(cmdInfo{movable: numKeysAt(0, 1), flags: flagReadOnly}, "ZUNION", "ZINTER", "ZDIFF", "SINTERCARD", "ZINTERCARD")
	register(cmdInfo{movable: numKeysAt(0, 1)}, "LMPOP", "ZMPOP")
	register(cmdInfo{movable: numKeysAt(1, 2), flags: flagBlocking}, "BLMPOP", "BZMPOP")
	register(cmdInfo{movable: streamKeys, flags: flagReadOnly}, "XREAD")
	register(cmdInfo{movable: streamKeys}, "XREADGROUP")
	register(cmdInfo{movable: migrateKeys}, "MIGRATE")
}

// numKeysAt returns a key extraction func for commands that have the
// number of keys at index n, followed by the keys at index start.
func numKeysAt(n, start int) func([]interface{}) []interface{} {
	return func(args []interface{}) []interface{} {
		if len(args) <= n {
			return nil
		}
		count, err := strconv.Atoi(argString(args[n]))
		if err != nil || count <= 0 {
			return nil
		}
		end := start + count
		if end > len(args) {
			end = len(args)
		}
		if start >= end {
			return nil
		}
		return args[start:end]
	}
}

func destAndNumKeys(args []interface{}) []interface{} {
	if len(args) == 0 {
		return nil
	}
	return append([]interface{}{args[0]}, numKeysAt(1, 2)(args)...)
}

func streamKeys(args []interface{}) []interface{} {
	for i, arg := range args {
		if strings.EqualFold(argString(arg), "STREAMS") {
			rest := args[i+1:]
			return rest[:len(rest)/2]
		}
	}
	return nil
}

func migrateKeys(args []interface{}) []interface{} {
	// MIGRATE host port key|"" db timeout [COPY] [REPLACE] [AUTH ...] [KEYS key...]
	if len(args) > 2 && argString(args[2]) != "" {
		return args[2:3]
	}
	for i, arg := range args {
		if strings.EqualFold(argString(arg), "KEYS") {
			return args[i+1:]
		}
	}
	return nil
}

// lookupCommand returns the command information for name. Unknown
// commands are assumed to be writes with their first argument as key.
func lookupCommand(name string) cmdInfo {
	if ci, ok := commands[strings.ToUpper(name)]; ok {
		return ci
	}
	return cmdInfo{first: 0, last: 0, step: 1}
}

// argString returns the string form of a command argument as it is
// encoded on the wire by redigo.
func argString(v interface{}) string {
	switch v := v.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case redis.Argument:
		return argString(v.RedisArg())
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// commandSlot returns the hash slot of a command's keys, or -1 if the
// command has no key. It returns ErrCrossSlot if the keys map to
// different slots.
func commandSlot(ci cmdInfo, args []interface{}) (int, error) {
	keys := ci.keys(args)
	if len(keys) == 0 {
		return -1, nil
	}
	slot := Slot(argString(keys[0]))
	for _, k := range keys[1:] {
		if Slot(argString(k)) != slot {
			return -1, ErrCrossSlot
		}
	}
	return slot, nil
}
