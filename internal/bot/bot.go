// Package bot runs one chess bot: the BOSH session lifecycle, the legacy
// jabber authentication handshake, the match and game tables, and the
// bridge between server stanzas and the engine adapter.
package bot

import (
	"context"
	"errors"
	"log/slog"
	mathrand "math/rand/v2"
	"time"

	"github.com/chessd/chessbotd/internal/bosh"
	"github.com/chessd/chessbotd/internal/cecp"
	"github.com/chessd/chessbotd/internal/config"
	"github.com/chessd/chessbotd/internal/stanza"
)

// Default time control for self-initiated challenges.
const (
	challengeSeconds = 180
	challengeInc     = 0
)

// drawVerifyDelay is how long the engine gets to react to a relayed draw
// offer before the request is considered rejected.
const drawVerifyDelay = 2 * time.Second

// inactivityLimit forces a reconnect when the server goes quiet.
const inactivityLimit = time.Minute

// engineProc is the slice of the engine adapter the controller drives.
// Satisfied by *cecp.Engine; tests substitute a recorder.
type engineProc interface {
	Start() error
	Stop()
	Send(line string)
	UserMove(long string)
	SetBoard(state, turn, castle, enpassant, halfmoves, fullmoves string)
	Play(turn string, isWhite bool)
	SetTime(seconds, inc int)
	Ping()
	AcceptedDraw() bool
}

// match is an offered game that has not started yet.
type match struct {
	category string
	p1, p2   stanza.Player
}

// game is a running game bound to a room and an engine.
type game struct {
	match
	isWhite        bool
	colorKnown     bool
	waitFirstBoard bool
	engine         engineProc
}

// Bot is the controller for one account. All state is owned by the Run
// loop; external goroutines reach it only through channels.
type Bot struct {
	cfg    config.Bot
	server string
	jid    string
	log    *slog.Logger

	pool    *bosh.Pool
	session *bosh.Session

	online         bool
	authenticating bool
	sidAsked       bool
	retryDelay     time.Duration

	matches   map[int]*match
	games     map[string]*game
	lastOffer *match
	oppOnline bool

	moves  chan cecp.Move
	faults chan cecp.Fault
	timerC chan func()
	doneC  chan struct{}

	newEngine func(room string) engineProc
}

// New builds a bot for one configured account.
func New(cfg config.Bot, server string, port int, log *slog.Logger) *Bot {
	blog := log.With("bot", cfg.Username)
	pool := bosh.NewPool(server, port, blog)
	b := &Bot{
		cfg:        cfg,
		server:     server,
		jid:        cfg.Username + "@" + server + "/" + stanza.Resource,
		log:        blog,
		pool:       pool,
		session:    bosh.NewSession(server, pool, blog),
		retryDelay: bosh.InitialRetryDelay,
		matches:    make(map[int]*match),
		games:      make(map[string]*game),
		moves:      make(chan cecp.Move, 16),
		faults:     make(chan cecp.Fault, 16),
		timerC:     make(chan func(), 16),
		doneC:      make(chan struct{}),
	}
	b.newEngine = func(room string) engineProc {
		return cecp.New(cfg.EnginePath, room, b.moves, b.faults, blog.With("room", room))
	}
	return b
}

// Run drives the bot until the context is canceled or a fatal engine
// problem makes the account unplayable.
func (b *Bot) Run(ctx context.Context) error {
	defer b.pool.Shutdown()
	defer close(b.doneC)

	lastReceived := time.Now()
	for {
		select {
		case <-ctx.Done():
			b.disconnect(true)
			return nil
		default:
		}

		if b.session.SID() == "" {
			if !b.sidAsked {
				b.askSID()
			}
		} else if !b.online && !b.authenticating {
			b.connect()
		}

		b.session.KeepAlive()
		if err := b.session.Flush(); err != nil {
			b.log.Error("server is not responding", "server", b.server, "err", err)
			b.disconnect(false)
		}

		if err := b.wait(ctx, &lastReceived); err != nil {
			b.disconnect(true)
			return err
		}

		b.challenge()

		// The sid guard keeps this from firing while a handshake retry
		// is already pacing itself.
		if b.session.SID() != "" && time.Since(lastReceived) >= inactivityLimit {
			b.log.Info("Closing connection due to inactivity", "server", b.server)
			b.disconnect(false)
		}
	}
}

// wait blocks on the first event, then drains whatever else is already
// pending so one loop turn batches everything into a single flush.
func (b *Bot) wait(ctx context.Context, lastReceived *time.Time) error {
	timeout := time.After(10 * time.Second)
	first := true
	for {
		if first {
			select {
			case <-ctx.Done():
				return nil
			case payload := <-b.pool.Responses():
				*lastReceived = time.Now()
				if err := b.handlePayload(payload); err != nil {
					return err
				}
			case mv := <-b.moves:
				b.sendMove(mv.Room, mv.Text)
			case f := <-b.faults:
				if err := b.handleFault(f); err != nil {
					return err
				}
			case fn := <-b.timerC:
				fn()
			case <-timeout:
				return nil
			}
			first = false
			continue
		}
		select {
		case payload := <-b.pool.Responses():
			*lastReceived = time.Now()
			if err := b.handlePayload(payload); err != nil {
				return err
			}
		case mv := <-b.moves:
			b.sendMove(mv.Room, mv.Text)
		case f := <-b.faults:
			if err := b.handleFault(f); err != nil {
				return err
			}
		case fn := <-b.timerC:
			fn()
		default:
			return nil
		}
	}
}

// askSID starts a session handshake and arms the retry timer.
func (b *Bot) askSID() {
	b.session.AskSID()
	b.sidAsked = true
	b.afterFunc(b.retryDelay, b.retrySID)
}

// retrySID reopens the handshake gate. Once a sid has been acquired the
// retry pace settles; before that it backs off.
func (b *Bot) retrySID() {
	if b.session.SID() != "" {
		b.retryDelay = bosh.SettledRetryDelay
	} else {
		b.retryDelay = bosh.NextRetryDelay(b.retryDelay)
	}
	b.sidAsked = false
}

// connect starts the legacy jabber:iq:auth handshake.
func (b *Bot) connect() {
	b.log.Info("Connecting to server", "server", b.server)
	b.session.Enqueue(stanza.AuthStep1(b.server, b.cfg.Username))
	b.authenticating = true
}

// afterFunc posts fn to the loop's timer channel after d. The closure
// never touches bot state off-loop.
func (b *Bot) afterFunc(d time.Duration, fn func()) {
	time.AfterFunc(d, func() {
		select {
		case b.timerC <- fn:
		case <-b.doneC:
		}
	})
}

// sendNow enqueues one stanza and flushes immediately, for replies that
// should not wait for the next loop turn.
func (b *Bot) sendNow(s string) {
	if !b.session.Enqueue(s) {
		return
	}
	if err := b.session.Flush(); err != nil {
		b.log.Error("server is not responding", "server", b.server, "err", err)
		b.disconnect(false)
	}
}

// sendMove relays one engine move to its game room.
func (b *Bot) sendMove(room, text string) {
	if !b.online {
		return
	}
	if _, ok := b.games[room]; !ok {
		return
	}
	b.log.Info("Sending move", "room", room, "move", text)
	b.sendNow(stanza.Move(room, b.server, text))
}

// handleFault reacts to an engine failure: a setboard refusal makes the
// account unplayable, a dead engine only forfeits that game.
func (b *Bot) handleFault(f cecp.Fault) error {
	if errors.Is(f.Err, cecp.ErrSetboardUnsupported) {
		b.log.Error("engine is unusable, stopping bot", "room", f.Room, "err", f.Err)
		return f.Err
	}
	g, ok := b.games[f.Room]
	if !ok {
		return nil
	}
	b.log.Error("engine failed, abandoning game", "room", f.Room, "err", f.Err)
	g.engine.Stop()
	delete(b.games, f.Room)
	b.session.Enqueue(stanza.LeaveGame(f.Room, b.server, b.cfg.Username))
	return nil
}

// challenge offers a match to the configured opponent when the bot is
// fully idle. Colors are assigned at random.
func (b *Bot) challenge() {
	if b.cfg.Opponent == "" || !b.online || !b.oppOnline {
		return
	}
	if len(b.matches) > 0 || len(b.games) > 0 || b.lastOffer != nil {
		return
	}
	oppJID := b.cfg.Opponent + "@" + b.server + "/" + stanza.Resource
	white, black := b.jid, oppJID
	if mathrand.IntN(2) == 1 {
		white, black = oppJID, b.jid
	}
	b.session.Enqueue(stanza.OfferMatch(b.server, challengeSeconds, challengeInc, white, black))
	b.lastOffer = &match{
		category: "blitz",
		p1:       stanza.Player{JID: white, Color: "white", Time: challengeSeconds, Inc: challengeInc},
		p2:       stanza.Player{JID: black, Color: "black", Time: challengeSeconds, Inc: challengeInc},
	}
	b.log.Info("Offering match", "white", white, "black", black)
}

// disconnect tears the session down. A clean disconnect leaves every game
// room and terminates the BOSH session first; an unclean one just forgets
// everything and lets the next loop turn rebuild from scratch.
func (b *Bot) disconnect(clean bool) {
	if !b.online && b.session.SID() == "" && !b.sidAsked {
		return
	}
	for room, g := range b.games {
		if clean {
			b.session.Enqueue(stanza.LeaveGame(room, b.server, b.cfg.Username))
			if err := b.session.Flush(); err != nil {
				b.log.Warn("could not leave game room", "room", room, "err", err)
			}
		}
		if g.engine != nil {
			g.engine.Stop()
		}
	}
	b.matches = make(map[int]*match)
	b.games = make(map[string]*game)
	b.lastOffer = nil
	if clean {
		b.session.Terminate()
	}
	b.session.Reset()
	b.online = false
	b.authenticating = false
	b.oppOnline = false
	b.sidAsked = false
	b.pool.CloseAll()
	b.pool.DrainResponses()
	b.log.Info("Disconnected from server", "server", b.server)
}
