package bot

import (
	"errors"
	"fmt"
	"strings"

	"mellium.im/xmpp/jid"

	"github.com/chessd/chessbotd/internal/stanza"
)

const autoReply = "(auto-resposta) Oi, eu sou um computador que joga Xadrez! Não sei conversar!"

// handlePayload decodes one BOSH response and dispatches its stanzas.
// Transport-level failures reconnect; only an unusable engine bubbles up
// as an error.
func (b *Bot) handlePayload(payload []byte) error {
	env, err := stanza.Parse(payload)
	if err != nil {
		var re *stanza.RootError
		if errors.As(err, &re) {
			if re.Text == "invalid sid" {
				b.log.Info("Disconnected from Bosh server", "server", b.server)
			} else {
				b.log.Error("Bosh server reported an error", "text", re.Text)
			}
			b.disconnect(false)
			return nil
		}
		b.log.Error("received XMPP is not well formed", "err", err, "payload", string(payload))
		b.disconnect(false)
		return nil
	}
	if env == nil {
		return nil
	}

	if b.sidAsked && b.session.SID() == "" && env.SID != "" {
		b.session.SetSID(env.SID)
	}
	if env.Terminated() {
		b.log.Info("Bosh session terminated by server", "condition", env.Condition)
		b.disconnect(false)
		return nil
	}

	for _, st := range env.Stanzas {
		if err := b.handleStanza(st, payload); err != nil {
			return err
		}
		// A handler may have torn the session down; the rest of the
		// batch belongs to the dead session.
		if b.session.SID() == "" {
			break
		}
	}
	return nil
}

func (b *Bot) handleStanza(st stanza.Stanza, raw []byte) error {
	switch st.XMLName.Local {
	case "iq":
		return b.handleIQ(st, raw)
	case "message":
		b.handleMessage(st)
	case "presence":
		b.handlePresence(st)
	default:
		b.log.Info("ignoring stanza", "tag", st.XMLName.Local, "from", st.From)
	}
	return nil
}

// handleMessage answers private chat with a canned reply and logs room
// chatter.
func (b *Bot) handleMessage(st stanza.Stanza) {
	switch st.Type {
	case "chat":
		b.log.Info("Message", "from", st.From, "text", st.Body)
		b.session.Enqueue(stanza.ChatMessage(b.jid, st.From, autoReply))
	case "groupchat":
		b.log.Info("Room message", "from", st.From, "text", st.Body)
	}
}

// handlePresence authorizes subscription requests and tracks whether the
// configured opponent is in the general room.
func (b *Bot) handlePresence(st stanza.Stanza) {
	if st.Type == "subscribe" {
		b.session.Enqueue(stanza.Subscribed(st.To, st.From))
		b.log.Info("Authorized contact", "contact", st.From)
	}
	if b.cfg.Opponent == "" || !b.isOpponentPresence(st.From) {
		return
	}
	if st.Type == "unavailable" {
		b.oppOnline = false
		b.log.Info("Opponent is offline", "opponent", b.cfg.Opponent)
	} else {
		b.oppOnline = true
		b.log.Info("Opponent is online", "opponent", b.cfg.Opponent)
	}
}

// isOpponentPresence matches general@conference.<server>/<opponent>.
func (b *Bot) isOpponentPresence(from string) bool {
	j, err := jid.Parse(from)
	if err != nil {
		return false
	}
	return j.Localpart() == "general" &&
		j.Domainpart() == "conference."+b.server &&
		j.Resourcepart() == b.cfg.Opponent
}

// handleIQ dispatches one iq by its query namespace.
func (b *Bot) handleIQ(st stanza.Stanza, raw []byte) error {
	// The auth result echoes the username back; a mismatch means the
	// server answered for somebody else's session.
	if st.Query != nil && st.Query.XMLNS == stanza.NSAuth &&
		st.Query.Username != "" && st.Query.Username != b.cfg.Username {
		b.log.Error("Authentication error", "username", st.Query.Username)
	}
	if st.Type == "result" && st.From == b.server {
		switch st.ID {
		case "auth_1":
			b.session.Enqueue(stanza.AuthStep2(b.server, b.cfg.Username, b.cfg.Password))
			return nil
		case "auth_2":
			b.authenticating = false
			b.online = true
			b.session.Enqueue(stanza.GlobalPresence(b.jid, b.server, b.cfg.Username))
			b.session.Enqueue(stanza.ProfileUpdate(b.cfg.Username))
			b.log.Info("Connected to server", "server", b.server)
			return nil
		}
	}
	if st.Query == nil {
		return nil
	}
	ns := st.Query.XMLNS

	if st.Type == "error" {
		// The server is authoritative on moves and cancellations; a
		// rejected one means it already moved on.
		if ns == stanza.NSGameMove || ns == stanza.NSGameCancel {
			return nil
		}
		code, etype := "", ""
		if st.Error != nil {
			code, etype = st.Error.Code, st.Error.Type
		}
		b.log.Error("server rejected request, disconnecting",
			"xmlns", ns, "code", code, "type", etype, "payload", string(raw))
		b.disconnect(true)
		return nil
	}

	switch ns {
	case stanza.NSMatchOffer:
		switch st.Type {
		case "set":
			b.handleMatchOffer(st, raw)
		case "result":
			b.handleOfferResult(st, raw)
		}
	case stanza.NSMatchAccept:
		return b.handleMatchAccept(st, raw)
	case stanza.NSMatchDecline:
		if m := st.Query.Match; m != nil {
			delete(b.matches, m.ID)
		}
		b.lastOffer = nil
		b.log.Info("Match offer declined", "from", st.From)
	case stanza.NSGameState:
		b.handleGameState(st, raw)
	case stanza.NSGameMove:
		if st.Type == "set" {
			b.handleGameMove(st, raw)
		}
	case stanza.NSGameResign:
		b.log.Info("Opponent has resigned", "room", localpart(st.From))
	case stanza.NSGameDraw:
		if st.Type == "set" {
			b.handleGameDraw(st, raw)
		}
	case stanza.NSGameCancel, stanza.NSGameAdjourn:
		if st.Type == "set" {
			b.handleEndgameRequest(st, ns)
		}
	case stanza.NSGameEnd:
		b.handleGameEnd(st, raw)
	case stanza.NSAuth:
		// Username echo already verified above.
	case stanza.NSRoster, stanza.NSDiscoInfo:
		// Roster pushes and capability probes need no answer.
	default:
		b.log.Info("ignoring iq", "xmlns", ns, "type", st.Type, "from", st.From)
	}
	return nil
}

// protocolError logs a stanza the dispatcher could not make sense of and
// reconnects, matching how any other malformed payload is treated.
func (b *Bot) protocolError(msg string, raw []byte) {
	b.log.Error(msg, "payload", string(raw))
	b.disconnect(false)
}

// handleMatchOffer records an incoming challenge and accepts it.
func (b *Bot) handleMatchOffer(st stanza.Stanza, raw []byte) {
	m := st.Query.Match
	if m == nil || len(m.Players) < 2 {
		b.protocolError("match offer without players", raw)
		return
	}
	b.matches[m.ID] = &match{category: m.Category, p1: m.Players[0], p2: m.Players[1]}
	b.log.Info("Accepting match", "id", m.ID, "from", st.From)
	b.session.Enqueue(stanza.AcceptMatch(b.server, m.ID))
}

// handleOfferResult binds the server-assigned id to the bot's own pending
// offer.
func (b *Bot) handleOfferResult(st stanza.Stanza, raw []byte) {
	m := st.Query.Match
	if m == nil {
		b.protocolError("match offer result without match", raw)
		return
	}
	if b.lastOffer != nil {
		b.matches[m.ID] = b.lastOffer
		b.lastOffer = nil
		b.log.Info("Match offer registered", "id", m.ID)
	}
}

// handleMatchAccept starts the game: the match moves from the offer table
// to the game table, the engine is spawned and the room is joined. A
// failed engine spawn is fatal for the whole account.
func (b *Bot) handleMatchAccept(st stanza.Stanza, raw []byte) error {
	m := st.Query.Match
	if m == nil {
		b.protocolError("match accept without match", raw)
		return nil
	}
	mt, ok := b.matches[m.ID]
	if !ok {
		b.protocolError("accept for an unknown match", raw)
		return nil
	}
	delete(b.matches, m.ID)

	room := localpart(m.Room)
	g := &game{match: *mt, waitFirstBoard: true}

	ownColor, oppJID, oppColor := mt.p1.Color, mt.p2.JID, mt.p2.Color
	if mt.p2.JID == b.jid {
		ownColor, oppJID, oppColor = mt.p2.Color, mt.p1.JID, mt.p1.Color
	}
	switch ownColor {
	case "white":
		g.isWhite, g.colorKnown = true, true
	case "black":
		g.isWhite, g.colorKnown = false, true
	}

	eng := b.newEngine(room)
	if err := eng.Start(); err != nil {
		b.log.Error("could not run Chess Engine", "path", b.cfg.EnginePath, "err", err)
		return fmt.Errorf("starting engine for room %s: %w", room, err)
	}
	g.engine = eng
	b.games[room] = g
	b.session.Enqueue(stanza.JoinGame(room, b.server, b.cfg.Username))
	b.log.Info("Starting game",
		"room", room, "color", ownColor,
		"opponent", localpart(oppJID), "opponent_color", oppColor)
	return nil
}

// handleGameState processes a board snapshot. The first one per game
// configures the engine and starts play.
func (b *Bot) handleGameState(st stanza.Stanza, raw []byte) {
	room := localpart(st.From)
	g, ok := b.games[room]
	if !ok {
		b.protocolError("board for an unknown game", raw)
		return
	}
	board := st.Query.FindBoard()
	if board == nil {
		b.protocolError("game state without a board", raw)
		return
	}

	// Tournament pairings leave the colors open until the first state.
	if !g.colorKnown {
		for _, p := range st.Query.FindPlayers() {
			if p.JID == b.jid {
				g.isWhite = p.Color == "white"
				g.colorKnown = true
			}
		}
		if !g.colorKnown {
			b.protocolError("game state does not name this bot", raw)
			return
		}
	}

	if !g.waitFirstBoard {
		return
	}
	g.waitFirstBoard = false

	if g.category != "untimed" {
		own := g.p1
		if g.p2.JID == b.jid {
			own = g.p2
		}
		g.engine.SetTime(own.Time, own.Inc)
	}
	if board.State != stanza.DefaultBoard {
		g.engine.SetBoard(board.State, board.Turn, board.Castle,
			board.Enpassant, board.Halfmoves, board.Fullmoves)
	}
	g.engine.Play(board.Turn, g.isWhite)
	g.engine.Ping()
	b.log.Info("Game started", "room", room)
}

// handleGameMove relays the opponent's move. The board accompanying the
// move names whose turn it now is; only moves that put this bot on turn
// are relayed.
func (b *Bot) handleGameMove(st stanza.Stanza, raw []byte) {
	room := localpart(st.From)
	g, ok := b.games[room]
	if !ok {
		b.protocolError("move for an unknown game", raw)
		return
	}
	mv := st.Query.MoveEl
	board := st.Query.FindBoard()
	if mv == nil || board == nil {
		b.protocolError("move without a board", raw)
		return
	}
	if (board.Turn == "white") == g.isWhite {
		b.log.Info("Received move", "room", room, "move", mv.Long, "fullmoves", board.Fullmoves)
		g.engine.UserMove(mv.Long)
	}
}

// handleGameDraw relays a draw offer to the engine and checks back
// shortly after whether it agreed.
func (b *Bot) handleGameDraw(st stanza.Stanza, raw []byte) {
	room := localpart(st.From)
	g, ok := b.games[room]
	if !ok {
		b.protocolError("draw offer for an unknown game", raw)
		return
	}
	b.log.Info("Received draw request", "room", room)
	g.engine.Send("draw\n")
	b.afterFunc(drawVerifyDelay, func() { b.verifyDraw(room) })
}

// verifyDraw accepts the pending draw request if the engine agreed in
// time. A rejected offer is simply not answered.
func (b *Bot) verifyDraw(room string) {
	g, ok := b.games[room]
	if !ok {
		return
	}
	if g.engine.AcceptedDraw() {
		b.log.Info("Accepted draw request", "room", room)
		b.session.Enqueue(stanza.AcceptEndgame(b.jid, room, b.server, "draw"))
	} else {
		b.log.Info("Rejected draw request", "room", room)
	}
}

// handleEndgameRequest accepts a cancel or adjourn request outright.
func (b *Bot) handleEndgameRequest(st stanza.Stanza, ns string) {
	action := ns[strings.LastIndex(ns, "#")+1:]
	room := localpart(st.From)
	b.log.Info("Accepted request", "room", room, "action", action)
	b.session.Enqueue(stanza.AcceptEndgame(b.jid, room, b.server, action))
}

// handleGameEnd reports the verdict to the engine, stops it and leaves
// the room.
func (b *Bot) handleGameEnd(st stanza.Stanza, raw []byte) {
	room := localpart(st.From)
	g, ok := b.games[room]
	if !ok {
		b.protocolError("end for an unknown game", raw)
		return
	}
	end := st.Query.End
	if end == nil {
		b.protocolError("game end without a verdict", raw)
		return
	}

	switch end.Type {
	case "normal":
		players := st.Query.FindPlayers()
		if len(players) >= 2 {
			score := map[string]string{
				"won":  "1-0",
				"lost": "0-1",
				"draw": "1/2-1/2",
			}[players[0].Result]
			white, black := localpart(players[0].JID), localpart(players[1].JID)
			if players[0].Role != "white" {
				white, black = black, white
			}
			g.engine.Send(fmt.Sprintf("result %s {%s}\n", score, end.Result))
			b.log.Info("Game ended",
				"room", room, "white", white, "black", black,
				"result", score, "reason", end.Result)
		}
	case "adjourned":
		b.log.Info("Game adjourned", "room", room)
	case "canceled":
		b.log.Info("Game canceled", "room", room)
	default:
		b.log.Info("Game over", "room", room, "type", end.Type)
	}

	g.engine.Stop()
	delete(b.games, room)
	b.session.Enqueue(stanza.LeaveGame(room, b.server, b.cfg.Username))
}

// localpart extracts the node part of a jabber address. Room and user
// names live there in every chessd address this daemon sees.
func localpart(addr string) string {
	if j, err := jid.Parse(addr); err == nil && j.Localpart() != "" {
		return j.Localpart()
	}
	local, _, _ := strings.Cut(addr, "@")
	return local
}
