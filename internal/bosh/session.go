package bosh

import (
	"errors"
	"fmt"
	"log/slog"
	mathrand "math/rand/v2"
	"time"
)

// BOSH body envelopes, protocol version 1.6.
const (
	bodyEmpty     = "<body rid='%d' sid='%s' xmlns='http://jabber.org/protocol/httpbind'/>"
	bodyHead      = "<body rid='%d' sid='%s' xmlns='http://jabber.org/protocol/httpbind'>"
	bodyTail      = "</body>"
	bodyTerminate = "<body rid='%d' sid='%s' type='terminate' xmlns='http://jabber.org/protocol/httpbind'/>"
	bodyAskSID    = "<body hold='1' rid='%d' to='%s' ver='1.6' wait='10' xml:lang='en' xmlns='http://jabber.org/protocol/httpbind'/>"
)

// SID request retry pacing.
const (
	InitialRetryDelay = 2 * time.Second
	SettledRetryDelay = 10 * time.Second
	maxRetryDelay     = 60 * time.Second
)

// NextRetryDelay returns the delay before the next SID request after an
// unanswered one. The delay grows by 10s plus up to 10s of jitter and
// stops growing once it reaches a minute.
func NextRetryDelay(prev time.Duration) time.Duration {
	if prev >= maxRetryDelay {
		return prev
	}
	return prev + 10*time.Second + time.Duration(mathrand.IntN(11))*time.Second
}

// Session keeps the BOSH request/session identifiers and the outbound
// body queue for one bot. It is owned by the bot's event loop and is not
// safe for concurrent use.
type Session struct {
	server string
	pool   *Pool
	log    *slog.Logger

	rid   int
	sid   string
	queue []string
}

// NewSession builds a session speaking to server through pool.
func NewSession(server string, pool *Pool, log *slog.Logger) *Session {
	return &Session{server: server, pool: pool, log: log}
}

// SID returns the current session id, empty until established.
func (s *Session) SID() string { return s.sid }

// SetSID adopts the server-issued session id.
func (s *Session) SetSID(sid string) {
	s.sid = sid
	s.log.Info("Acquired SID", "sid", sid)
}

// RID returns the next request id to be assigned.
func (s *Session) RID() int { return s.rid }

// HasPending reports whether any body is waiting to be posted.
func (s *Session) HasPending() bool { return len(s.queue) > 0 }

// Pending returns a copy of the queued bodies, head first.
func (s *Session) Pending() []string {
	out := make([]string, len(s.queue))
	copy(out, s.queue)
	return out
}

// AskSID starts a fresh session handshake: a new random 24-bit rid and a
// hold/wait body without a sid.
func (s *Session) AskSID() {
	s.rid = mathrand.IntN(1 << 24)
	s.sid = ""
	s.log.Info("Asking a SID from the Bosh server", "server", s.server)
	s.enqueueRaw(fmt.Sprintf(bodyAskSID, s.rid, s.server))
}

// Enqueue wraps one or more serialized stanzas in a body envelope and
// queues it; an empty payload becomes the self-closing poll body. The rid
// is consumed at enqueue time. Without an established sid nothing is
// queued and false is returned.
func (s *Session) Enqueue(stanzas string) bool {
	if s.sid == "" {
		return false
	}
	var body string
	if stanzas == "" {
		body = fmt.Sprintf(bodyEmpty, s.rid, s.sid)
	} else {
		body = fmt.Sprintf(bodyHead, s.rid, s.sid) + stanzas + bodyTail
	}
	s.enqueueRaw(body)
	return true
}

func (s *Session) enqueueRaw(body string) {
	s.queue = append(s.queue, body)
	s.rid++
}

// KeepAlive synthesizes one empty poll body when nothing is queued and
// every open socket is idle, so a request is always in flight.
func (s *Session) KeepAlive() {
	if s.sid == "" {
		return
	}
	if len(s.queue) == 0 && s.pool.AllIdle() {
		s.Enqueue("")
	}
}

// Flush posts queued bodies in order until the pool reports busy. The
// head is only removed after a successful post, so a busy pool keeps it
// for the next call. A transport error is returned to the caller.
func (s *Session) Flush() error {
	for len(s.queue) > 0 {
		err := s.pool.Send(s.queue[0])
		if errors.Is(err, ErrPoolBusy) {
			return nil
		}
		if err != nil {
			return err
		}
		s.queue = s.queue[1:]
	}
	return nil
}

// Terminate posts a terminate body immediately, best effort.
func (s *Session) Terminate() {
	if s.sid == "" {
		return
	}
	s.enqueueRaw(fmt.Sprintf(bodyTerminate, s.rid, s.sid))
	if err := s.Flush(); err != nil {
		s.log.Warn("could not post terminate body", "err", err)
	}
}

// Reset forgets the session id and drops queued bodies; the next loop
// iteration restarts the handshake.
func (s *Session) Reset() {
	s.sid = ""
	s.queue = nil
}
