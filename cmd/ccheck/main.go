// Command ccheck implements the consistency checker redis cluster client
// as described in http://redis.io/topics/cluster-tutorial. It is used
// to test the redisroute package with real cluster failover and
// resharding situations.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/mna/mainer"
	"github.com/mna/redisroute"
)

const binName = "ccheck"

var (
	shortUsage = fmt.Sprintf(`
usage: %s [<option>...]
Run '%[1]s --help' for details.
`, binName)

	longUsage = fmt.Sprintf(`usage: %s [<option>...]
       %[1]s -h|--help

Run INCR and GET commands on random keys of a Redis cluster and report
the lost and unacknowledged writes every second.

Valid flag options are:
       -h --help                 Show this help and exit immediately.
       -a --addrs ADDRS          Comma-separated list of addresses to connect
                                 to the cluster (default localhost:7000).
       -c --conn-timeout DUR     Connection timeout (default 1s).
       -d --delay DUR            Delay between INCR calls.
       -r --read-timeout DUR     Read timeout (default 100ms).
       -w --write-timeout DUR    Write timeout (default 100ms).
       --max-redirections INT    Maximum number of redirections and retries
                                 of a command.
       --auto-pipeline           Enable the automatic pipelining of commands.
       --workers INT             Number of concurrent checkers (default 1).
`, binName)
)

const (
	workingSet = 1000
	keySpace   = 10000
)

type cmd struct {
	Help bool `flag:"h,help"`

	Addrs           string        `flag:"a,addrs"`
	ConnTimeout     time.Duration `flag:"c,conn-timeout"`
	Delay           time.Duration `flag:"d,delay"`
	ReadTimeout     time.Duration `flag:"r,read-timeout"`
	WriteTimeout    time.Duration `flag:"w,write-timeout"`
	MaxRedirections int           `flag:"max-redirections"`
	AutoPipeline    bool          `flag:"auto-pipeline"`
	Workers         int           `flag:"workers"`
}

func (c *cmd) Validate() error {
	if c.Workers < 0 {
		return errors.New("--workers must be >= 0")
	}
	if c.MaxRedirections < 0 {
		return errors.New("--max-redirections must be >= 0")
	}
	return nil
}

func (c *cmd) Main(args []string, stdio mainer.Stdio) mainer.ExitCode {
	c.Addrs = "localhost:7000"
	c.ConnTimeout = time.Second
	c.ReadTimeout = 100 * time.Millisecond
	c.WriteTimeout = 100 * time.Millisecond
	c.Workers = 1

	var p mainer.Parser
	if err := p.Parse(args, c); err != nil {
		fmt.Fprintf(stdio.Stderr, "invalid arguments: %s\n%s", err, shortUsage)
		return mainer.InvalidArgs
	}
	if c.Help {
		fmt.Fprint(stdio.Stdout, longUsage)
		return mainer.Success
	}

	cluster := &redisroute.Cluster{
		StartupNodes: strings.Split(c.Addrs, ","),
		DialOptions: []redis.DialOption{
			redis.DialConnectTimeout(c.ConnTimeout),
			redis.DialReadTimeout(c.ReadTimeout),
			redis.DialWriteTimeout(c.WriteTimeout),
		},
		MaxRedirections:      c.MaxRedirections,
		EnableAutoPipelining: c.AutoPipeline,
		Logger:               log.New(stdio.Stderr, "", log.LstdFlags),
		OnEvent: func(ev redisroute.Event) {
			fmt.Fprintf(stdio.Stdout, "event: %s %s %v\n", ev.Kind, ev.Addr, ev.Err)
		},
	}
	defer cluster.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	var st stats
	errCh := make(chan error, 1)
	go st.print(ctx, stdio.Stdout)
	go printErr(ctx, stdio.Stderr, errCh)

	var wg sync.WaitGroup
	for i := 0; i < c.Workers; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			runChecks(ctx, cluster, &st, errCh, c.Delay, rand.New(rand.NewSource(seed)))
		}(time.Now().UnixNano() + int64(i))
	}
	wg.Wait()
	return mainer.Success
}

type stats struct {
	mu sync.Mutex

	writes, reads             int
	failedWrites, failedReads int
	lostWrites, noAckWrites   int
	redirectLimits            int
}

type delta struct {
	w, r, fw, fr, lw, naw, rl int
}

func (s *stats) update(d delta) {
	s.mu.Lock()
	s.writes += d.w
	s.reads += d.r
	s.failedWrites += d.fw
	s.failedReads += d.fr
	s.lostWrites += d.lw
	s.noAckWrites += d.naw
	s.redirectLimits += d.rl
	s.mu.Unlock()
}

// each second, print stats
func (s *stats) print(ctx context.Context, w io.Writer) {
	t := time.NewTicker(time.Second)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		s.mu.Lock()
		fmt.Fprintf(w, "%d R (%d err) | %d W (%d err) | %d lost | %d noack | %d redirect limit\n",
			s.reads, s.failedReads, s.writes, s.failedWrites, s.lostWrites, s.noAckWrites, s.redirectLimits)
		s.mu.Unlock()
	}
}

func runChecks(ctx context.Context, cluster *redisroute.Cluster, st *stats, errCh chan<- error, delay time.Duration, rnd *rand.Rand) {
	cache := make(map[string]int, workingSet)
	for ctx.Err() == nil {
		var d delta

		key := genKey(rnd)

		// read only if we know what that key should be
		exp, ok := cache[key]
		if ok {
			v, err := redis.Int(cluster.Do(ctx, "GET", key))
			if err != nil {
				reportErr(errCh, fmt.Errorf("read from slot %d failed: %w", redisroute.Slot(key), err))
				d.fr = 1
				d.rl = redirectLimit(err)
			} else {
				d.r = 1
				if exp > v {
					d.lw = exp - v
				} else if exp < v {
					d.naw = v - exp
				}
			}
		}

		// write
		v, err := redis.Int(cluster.Do(ctx, "INCR", key))
		if err != nil {
			reportErr(errCh, fmt.Errorf("write to slot %d failed: %w", redisroute.Slot(key), err))
			d.fw = 1
			d.rl += redirectLimit(err)
		} else {
			d.w = 1
			cache[key] = v
		}

		st.update(d)
		if delay > 0 {
			time.Sleep(delay)
		}
	}
}

func redirectLimit(err error) int {
	var rle *redisroute.RedirectLimitError
	if errors.As(err, &rle) {
		return 1
	}
	return 0
}

func reportErr(errCh chan<- error, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	select {
	case errCh <- err:
	default:
	}
}

func printErr(ctx context.Context, w io.Writer, errCh <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-errCh:
			fmt.Fprintln(w, err)
			time.Sleep(time.Second)
		}
	}
}

func genKey(rnd *rand.Rand) string {
	ks := workingSet
	if rnd.Float64() > 0.5 {
		ks = keySpace
	}
	return "key_" + strconv.Itoa(rnd.Intn(ks))
}

func main() {
	var c cmd
	os.Exit(int(c.Main(os.Args, mainer.CurrentStdio())))
}
