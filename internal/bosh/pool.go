// Package bosh implements the HTTP-tunneled XMPP transport: a bounded pool
// of raw TCP sockets carrying framed POST requests, and the BOSH session
// bookkeeping (rid/sid, body envelopes, keep-alive, termination).
package bosh

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MaxConns is the per-bot cap on open transport sockets.
const MaxConns = 2

// ErrPoolBusy is returned by Send when every socket has a request in
// flight and the pool is full; the caller keeps the body queued.
var ErrPoolBusy = errors.New("all transport sockets busy")

const httpPost = "POST /jabber HTTP/1.1\r\nHost: %s\r\nContent-Length: %d\r\n\r\n%s"

// Pool owns up to MaxConns TCP connections to the BOSH server. One framed
// body is posted per socket at a time; responses are parsed by a reader
// goroutine per socket and delivered on Responses.
type Pool struct {
	server string
	addr   string
	dial   func() (net.Conn, error)
	respC  chan []byte
	stopC  chan struct{}
	once   sync.Once
	log    *slog.Logger

	mu    sync.Mutex
	conns []*poolConn
}

type poolConn struct {
	netc net.Conn
	idle bool
}

// NewPool builds a pool for the given server host and BOSH port.
func NewPool(server string, port int, log *slog.Logger) *Pool {
	addr := net.JoinHostPort(server, strconv.Itoa(port))
	p := &Pool{
		server: server,
		addr:   addr,
		respC:  make(chan []byte, 32),
		stopC:  make(chan struct{}),
		log:    log,
	}
	p.dial = func() (net.Conn, error) {
		return net.DialTimeout("tcp", addr, 10*time.Second)
	}
	return p
}

// Responses delivers the payload of every received HTTP response.
func (p *Pool) Responses() <-chan []byte {
	return p.respC
}

// SetDialer overrides how new sockets are opened, for tests and tunneled
// setups.
func (p *Pool) SetDialer(dial func() (net.Conn, error)) {
	p.dial = dial
}

// DrainResponses discards buffered responses. Called when a session is
// abandoned so a stale payload cannot leak into the next one.
func (p *Pool) DrainResponses() {
	for {
		select {
		case <-p.respC:
		default:
			return
		}
	}
}

// Send posts one framed body. It prefers an idle socket, opens a new one
// while under the cap, and reports ErrPoolBusy otherwise. Any other error
// is a transport failure the session layer answers with a reconnect.
func (p *Pool) Send(body string) error {
	req := []byte(fmt.Sprintf(httpPost, p.server, len(body), body))

	for {
		c := p.takeIdle()
		if c == nil {
			break
		}
		if _, err := c.netc.Write(req); err != nil {
			p.drop(c)
			continue
		}
		return nil
	}

	if p.Open() >= MaxConns {
		return ErrPoolBusy
	}

	netc, err := p.dial()
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", p.addr, err)
	}
	c := &poolConn{netc: netc}
	p.mu.Lock()
	p.conns = append(p.conns, c)
	p.mu.Unlock()
	go p.readLoop(c)

	if _, err := netc.Write(req); err != nil {
		p.drop(c)
		return fmt.Errorf("writing to %s: %w", p.addr, err)
	}
	return nil
}

// AllIdle reports whether no socket has a request in flight. It is
// vacuously true with zero sockets, so the keep-alive can open the first
// one.
func (p *Pool) AllIdle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.conns {
		if !c.idle {
			return false
		}
	}
	return true
}

// Open returns the number of open sockets.
func (p *Pool) Open() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// CloseAll drops every socket. The pool stays usable; the next Send dials
// again.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	conns := p.conns
	p.conns = nil
	p.mu.Unlock()
	for _, c := range conns {
		c.netc.Close()
	}
}

// Shutdown releases the pool for good: sockets are closed and reader
// goroutines stop delivering.
func (p *Pool) Shutdown() {
	p.once.Do(func() { close(p.stopC) })
	p.CloseAll()
}

func (p *Pool) takeIdle() *poolConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.conns {
		if c.idle {
			c.idle = false
			return c
		}
	}
	return nil
}

func (p *Pool) setIdle(c *poolConn) {
	p.mu.Lock()
	c.idle = true
	p.mu.Unlock()
}

func (p *Pool) drop(c *poolConn) {
	p.mu.Lock()
	for i, pc := range p.conns {
		if pc == c {
			p.conns = append(p.conns[:i], p.conns[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
	c.netc.Close()
}

// readLoop parses Content-Length-delimited HTTP responses off one socket.
// A single TCP segment may stack several responses; bufio keeps them and
// the loop drains every one. Any framing problem drops the socket and
// leaves recovery to the session's reconnect path.
func (p *Pool) readLoop(c *poolConn) {
	br := bufio.NewReader(c.netc)
	for {
		if _, err := br.ReadString('\n'); err != nil { // status line
			p.drop(c)
			return
		}
		contentLen := -1
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				p.drop(c)
				return
			}
			line = strings.TrimRight(line, "\r\n")
			if line == "" {
				break
			}
			name, value, ok := strings.Cut(line, ":")
			if ok && strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
				n, err := strconv.Atoi(strings.TrimSpace(value))
				if err == nil {
					contentLen = n
				}
			}
		}
		if contentLen < 0 {
			p.log.Error("response without Content-Length, dropping socket", "server", p.server)
			p.drop(c)
			return
		}
		payload := make([]byte, contentLen)
		if _, err := io.ReadFull(br, payload); err != nil {
			p.drop(c)
			return
		}
		p.setIdle(c)
		select {
		case p.respC <- payload:
		case <-p.stopC:
			p.drop(c)
			return
		}
	}
}
