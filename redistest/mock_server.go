package redistest

import (
	"net"
	"path"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mna/redisroute/redistest/resp"
	"github.com/stretchr/testify/require"
)

// MockServer is a mock redis server. It handles the subscriber
// commands itself, so that messages can be pushed to the subscribed
// connections via Publish.
type MockServer struct {
	Addr string

	done chan struct{}
	wg   sync.WaitGroup
	h    func(string, ...string) interface{}
	t    testing.TB
	l    net.Listener

	mu     sync.Mutex // protects following fields
	conns  map[*mockConn]bool
	counts map[string]int
}

type mockConn struct {
	net.Conn

	mu   sync.Mutex // serializes writes and protects subs
	subs map[string]map[string]bool // subscribe, psubscribe or ssubscribe -> channels
}

// StartMockServer creates and starts a mock redis server. The handler is
// called for each command received by the server. The returned value is
// encoded in the redis protocol and sent to the client. The caller should close
// the server after use.
//
// For the subscriber commands, if the handler returns nil, the server
// registers the (un)subscription and replies with the acknowledgement.
func StartMockServer(t testing.TB, handler func(cmd string, args ...string) interface{}) *MockServer {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "net.Listen")

	s := &MockServer{
		Addr:   l.Addr().String(),
		done:   make(chan struct{}),
		h:      handler,
		t:      t,
		l:      l,
		conns:  make(map[*mockConn]bool),
		counts: make(map[string]int),
	}
	go s.serve()
	return s
}

// Port returns the port number of the server.
func (s *MockServer) Port() string {
	_, port, _ := net.SplitHostPort(s.Addr)
	return port
}

// Count returns the number of times the command cmd was received.
func (s *MockServer) Count(cmd string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[strings.ToUpper(cmd)]
}

// Conns returns the number of client connections currently open.
func (s *MockServer) Conns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Publish sends the message to the connections subscribed to channel.
// The kind is "message" for regular subscriptions (the connections
// subscribed to a matching pattern receive a pmessage) or "smessage"
// for sharded ones. It returns the number of connections that received
// the message.
func (s *MockServer) Publish(kind, channel, data string) int {
	s.mu.Lock()
	conns := make([]*mockConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var n int
	for _, c := range conns {
		c.mu.Lock()
		switch kind {
		case "smessage":
			if c.subs["ssubscribe"][channel] {
				_ = resp.Encode(c, []string{"smessage", channel, data})
				n++
			}
		default:
			if c.subs["subscribe"][channel] {
				_ = resp.Encode(c, []string{"message", channel, data})
				n++
			}
			for pat := range c.subs["psubscribe"] {
				if ok, _ := path.Match(pat, channel); ok {
					_ = resp.Encode(c, []string{"pmessage", pat, channel, data})
					n++
				}
			}
		}
		c.mu.Unlock()
	}
	return n
}

// Unsubscribe sends an unsolicited sunsubscribe to the connections
// subscribed to the sharded channel, as redis does when the channel's
// slot is migrated.
func (s *MockServer) Unsubscribe(channel string) {
	s.mu.Lock()
	conns := make([]*mockConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.mu.Lock()
		if c.subs["ssubscribe"][channel] {
			delete(c.subs["ssubscribe"], channel)
			_ = resp.Encode(c, []interface{}{"sunsubscribe", channel, int64(len(c.subs["ssubscribe"]))})
		}
		c.mu.Unlock()
	}
}

// CloseConns closes the client connections currently open, the server
// keeps accepting new ones.
func (s *MockServer) CloseConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}

// Close closes the mock redis server.
func (s *MockServer) Close() {
	select {
	case <-s.done:
		return
	default:
	}

	require.NoError(s.t, s.l.Close(), "Close listener")
	<-s.done
	exit := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(exit)
	}()

	// wait for a few seconds for connections to finish, otherwise fail
	select {
	case <-exit:
		return
	case <-time.After(5 * time.Second):
		s.t.Fatal("failed to cleanly stop the mock server")
	}
}

func (s *MockServer) serve() {
	defer close(s.done)
	for {
		conn, err := s.l.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go s.serveConn(&mockConn{Conn: conn, subs: make(map[string]map[string]bool)})
	}
}

func (s *MockServer) serveConn(c *mockConn) {
	defer s.wg.Done()

	s.mu.Lock()
	s.conns[c] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
	}()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-s.done:
		case <-stop:
		}
		c.Close()
	}()

	rd := resp.NewReader(c)
	for {
		ar, err := rd.ReadRequest()
		if err != nil {
			return
		}

		cmd := strings.ToUpper(ar[0])
		s.mu.Lock()
		s.counts[cmd]++
		s.mu.Unlock()

		v := s.h(ar[0], ar[1:]...)
		c.mu.Lock()
		if v == nil && isSubscriberCmd(cmd) {
			err = c.subscribe(strings.ToLower(cmd), ar[1:])
		} else {
			err = resp.Encode(c, v)
		}
		c.mu.Unlock()
		if err != nil {
			return
		}
	}
}

func isSubscriberCmd(cmd string) bool {
	switch cmd {
	case "SUBSCRIBE", "UNSUBSCRIBE", "PSUBSCRIBE", "PUNSUBSCRIBE", "SSUBSCRIBE", "SUNSUBSCRIBE":
		return true
	}
	return false
}

// subscribe registers the (un)subscription and writes one
// acknowledgement per channel. It must be called with c.mu held.
func (c *mockConn) subscribe(kind string, channels []string) error {
	set, unsub := kind, false
	switch kind {
	case "unsubscribe":
		set, unsub = "subscribe", true
	case "punsubscribe":
		set, unsub = "psubscribe", true
	case "sunsubscribe":
		set, unsub = "ssubscribe", true
	}

	m := c.subs[set]
	if m == nil {
		m = make(map[string]bool)
		c.subs[set] = m
	}
	for _, ch := range channels {
		if unsub {
			delete(m, ch)
		} else {
			m[ch] = true
		}

		count := len(c.subs["ssubscribe"])
		if set != "ssubscribe" {
			count = len(c.subs["subscribe"]) + len(c.subs["psubscribe"])
		}
		if err := resp.Encode(c, []interface{}{kind, ch, int64(count)}); err != nil {
			return err
		}
	}
	return nil
}
