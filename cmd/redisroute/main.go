// Command redisroute executes a redis command on a cluster, routing it
// to the node that serves its keys.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gomodule/redigo/redis"
	"github.com/mna/mainer"
	"github.com/mna/redisroute"
)

const binName = "redisroute"

var (
	shortUsage = fmt.Sprintf(`
usage: %s [<option>...] <command> [<arg>...]
Run '%[1]s --help' for details.
`, binName)

	longUsage = fmt.Sprintf(`usage: %s [<option>...] <command> [<arg>...]
       %[1]s -h|--help

Execute a command on a Redis cluster via the redisroute package.

Valid flag options are:
       -h --help                 Show this help and exit immediately.
       -a --addrs ADDRS          Comma-separated list of addresses to connect
                                 to the cluster.
       --hash KEY                Compute and print the hash slot of KEY and
                                 exit immediately.
       -r --read-only            Execute read-only commands on a replica if
                                 possible.
       -j --json                 Print the reply as JSON.
       --stats                   Print the connection pool statistics of
                                 each node after the command.
       --max-redirections INT    Maximum number of redirections and retries
                                 of the command.
       -t --timeout DUR          Timeout of the command, including the
                                 redirections.

The <command> is the redis command to execute, with the provided <arg>s.
`, binName)
)

type cmd struct {
	Help bool `flag:"h,help"`

	Addrs           string        `flag:"a,addrs"`
	Hash            string        `flag:"hash"`
	ReadOnly        bool          `flag:"r,read-only"`
	JSON            bool          `flag:"j,json"`
	Stats           bool          `flag:"stats"`
	MaxRedirections int           `flag:"max-redirections"`
	Timeout         time.Duration `flag:"t,timeout"`

	args []string
}

func (c *cmd) SetArgs(args []string) {
	c.args = args
}

func (c *cmd) Validate() error {
	if c.Help || c.Hash != "" {
		return nil
	}

	if c.Addrs == "" {
		return errors.New("--addrs is required")
	}
	if c.MaxRedirections < 0 {
		return errors.New("--max-redirections must be >= 0")
	}
	if len(c.args) == 0 {
		return errors.New("no redis command provided")
	}
	return nil
}

func (c *cmd) Main(args []string, stdio mainer.Stdio) mainer.ExitCode {
	var p mainer.Parser
	if err := p.Parse(args, c); err != nil {
		fmt.Fprintf(stdio.Stderr, "invalid arguments: %s\n%s", err, shortUsage)
		return mainer.InvalidArgs
	}

	switch {
	case c.Help:
		fmt.Fprint(stdio.Stdout, longUsage)
		return mainer.Success

	case c.Hash != "":
		slot := redisroute.Slot(c.Hash)
		fmt.Fprintf(stdio.Stdout, "slot for %q: %d\n", c.Hash, slot)
		return mainer.Success
	}

	cluster := &redisroute.Cluster{
		StartupNodes:    strings.Split(c.Addrs, ","),
		DialOptions:     []redis.DialOption{redis.DialConnectTimeout(5 * time.Second)},
		MaxRedirections: c.MaxRedirections,
	}
	if c.ReadOnly {
		cluster.ScaleReads = redisroute.ReadFromReplica
	}
	defer cluster.Close()

	ctx := context.Background()
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmdArgs := make([]interface{}, 0, len(c.args)-1)
	for _, arg := range c.args[1:] {
		cmdArgs = append(cmdArgs, arg)
	}
	reply, err := cluster.Do(ctx, c.args[0], cmdArgs...)
	if err != nil {
		fmt.Fprintln(stdio.Stderr, err)
		return mainer.Failure
	}

	if c.JSON {
		err = writeJSON(stdio.Stdout, toJSON(reply))
	} else {
		printReply(stdio.Stdout, reply, "")
	}
	if err == nil && c.Stats {
		err = writeJSON(stdio.Stdout, cluster.Stats())
	}
	if err != nil {
		fmt.Fprintln(stdio.Stderr, err)
		return mainer.Failure
	}
	return mainer.Success
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// toJSON converts a redis reply to a value suitable for JSON encoding,
// bulk strings are encoded as strings instead of base64.
func toJSON(v interface{}) interface{} {
	switch v := v.(type) {
	case []byte:
		return string(v)
	case []interface{}:
		vals := make([]interface{}, len(v))
		for i, vv := range v {
			vals[i] = toJSON(vv)
		}
		return vals
	case redis.Error:
		return map[string]string{"error": v.Error()}
	}
	return v
}

func printReply(w io.Writer, v interface{}, indent string) {
	switch v := v.(type) {
	case nil:
		fmt.Fprintf(w, "%s(nil)\n", indent)
	case []byte:
		fmt.Fprintf(w, "%s%q\n", indent, v)
	case int64:
		fmt.Fprintf(w, "%s(integer) %d\n", indent, v)
	case []interface{}:
		if len(v) == 0 {
			fmt.Fprintf(w, "%s(empty array)\n", indent)
		}
		for i, vv := range v {
			fmt.Fprintf(w, "%s%d)\n", indent, i+1)
			printReply(w, vv, indent+"   ")
		}
	default:
		fmt.Fprintf(w, "%s%v\n", indent, v)
	}
}

func main() {
	var c cmd
	os.Exit(int(c.Main(os.Args, mainer.CurrentStdio())))
}
