package redisroute

import (
	"context"
	"sync"

	"github.com/gomodule/redigo/redis"
	"github.com/hyp3rd/ewrap"
)

// scriptRegistry holds the scripts defined on a cluster, by name.
type scriptRegistry struct {
	mu      sync.RWMutex
	scripts map[string]*redis.Script
}

func (r *scriptRegistry) define(name string, s *redis.Script) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scripts == nil {
		r.scripts = make(map[string]*redis.Script)
	}
	r.scripts[name] = s
}

func (r *scriptRegistry) lookup(name string) *redis.Script {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.scripts[name]
}

// DefineScript registers a Lua script under name. The keyCount is the
// number of leading arguments of RunScript that are keys, as in
// redis.NewScript. Defining a script again under the same name
// replaces it.
func (c *Cluster) DefineScript(name string, keyCount int, src string) {
	c.scripts.define(name, redis.NewScript(keyCount, src))
}

// RunScript executes the script registered under name. It is sent by
// its SHA1 hash first, and in full if the node does not have it cached
// yet. All keys must belong to the same slot.
func (c *Cluster) RunScript(ctx context.Context, name string, keysAndArgs ...interface{}) (interface{}, error) {
	s := c.scripts.lookup(name)
	if s == nil {
		return nil, ewrap.Wrap(ErrUnknownScript, name)
	}

	conn, err := c.GetContext(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	return s.Do(conn, keysAndArgs...)
}
