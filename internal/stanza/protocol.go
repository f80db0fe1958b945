// Package stanza holds the XMPP wire vocabulary of the chessd protocol:
// the outbound stanza templates and the lenient parser for inbound BOSH
// body payloads.
package stanza

import "fmt"

// Resource is the jabber resource every bot binds to.
const Resource = "ChessD"

// DefaultBoard is the piece placement of the starting position in FEN.
const DefaultBoard = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR"

// chessd iq query namespaces.
const (
	NSAuth      = "jabber:iq:auth"
	NSRoster    = "jabber:iq:roster"
	NSDiscoInfo = "http://jabber.org/protocol/disco#info"

	NSMatchOffer   = "http://c3sl.ufpr.br/chessd#match#offer"
	NSMatchAccept  = "http://c3sl.ufpr.br/chessd#match#accept"
	NSMatchDecline = "http://c3sl.ufpr.br/chessd#match#decline"

	NSGameState   = "http://c3sl.ufpr.br/chessd#game#state"
	NSGameMove    = "http://c3sl.ufpr.br/chessd#game#move"
	NSGameResign  = "http://c3sl.ufpr.br/chessd#game#resign"
	NSGameDraw    = "http://c3sl.ufpr.br/chessd#game#draw"
	NSGameCancel  = "http://c3sl.ufpr.br/chessd#game#cancel"
	NSGameAdjourn = "http://c3sl.ufpr.br/chessd#game#adjourn"
	NSGameEnd     = "http://c3sl.ufpr.br/chessd#game#end"
)

// Outbound stanza templates, verbatim from the chessd protocol.
const (
	authStep1 = "<iq type='get' id='auth_1' to='%s'><query xmlns='jabber:iq:auth'><username>%s</username></query></iq>"
	authStep2 = "<iq type='set' id='auth_2' to='%s'><query xmlns='jabber:iq:auth'><username>%s</username><password>%s</password><resource>%s</resource></query></iq>"

	globalPresence = "<presence from='%s'/><presence to='general@conference.%s/%s'/><presence to='chessd.%s'><config multigame='true'/></presence>"
	profileUpdate  = "<iq type='set'><vCard xmlns='vcard-temp' prodid='-//HandGen//NONSGML vGen v1.0//EN' version='2.0'><FN>%s</FN><DESC></DESC><PHOTO><TYPE></TYPE><BINVAL></BINVAL></PHOTO></vCard></iq>"

	offerMatch   = "<iq type='set' to='chessd.%s' id='match'><query xmlns='" + NSMatchOffer + "'><match category='blitz'><player inc='%d' color='white' time='%d' jid='%s'/><player inc='%d' color='black' time='%d' jid='%s'/></match></query></iq>"
	acceptMatch  = "<iq type='set' to='chessd.%s' id='match'><query xmlns='" + NSMatchAccept + "'><match id='%d'/></query></iq>"
	declineMatch = "<iq type='set' to='chessd.%s' id='match'><query xmlns='" + NSMatchDecline + "'><match id='%d'/></query></iq>"

	joinGame  = "<presence to='%s@chessd.%s/%s'/>"
	leaveGame = "<presence to='%s@chessd.%s/%s' type='unavailable'/>"

	move          = "<iq type='set' to='%s@chessd.%s' id='match'><query xmlns='" + NSGameMove + "'><move long='%s'/></query></iq>"
	acceptEndgame = "<iq type='set' from='%s' to='%s@chessd.%s' id='%s'><query xmlns='http://c3sl.ufpr.br/chessd#game#%s'/></iq>"

	chatMessage = "<message from='%s' to='%s' type='chat'><body>%s</body></message>"
	subscribed  = "<presence from='%s' to='%s' type='subscribed'><status/></presence>"
)

// AuthStep1 asks the jabber server which credentials it wants.
func AuthStep1(server, user string) string {
	return fmt.Sprintf(authStep1, server, user)
}

// AuthStep2 sends username, password and resource.
func AuthStep2(server, user, password string) string {
	return fmt.Sprintf(authStep2, server, user, password, Resource)
}

// GlobalPresence announces the bot to everyone, to the general conference
// room and to the chessd match component.
func GlobalPresence(selfJID, server, user string) string {
	return fmt.Sprintf(globalPresence, selfJID, server, user, server)
}

// ProfileUpdate publishes a minimal vCard carrying the bot's name.
func ProfileUpdate(user string) string {
	return fmt.Sprintf(profileUpdate, user)
}

// OfferMatch challenges p1JID vs p2JID to a blitz game.
func OfferMatch(server string, seconds, inc int, p1JID, p2JID string) string {
	return fmt.Sprintf(offerMatch, server, inc, seconds, p1JID, inc, seconds, p2JID)
}

// AcceptMatch accepts the match with the given server-assigned id.
func AcceptMatch(server string, id int) string {
	return fmt.Sprintf(acceptMatch, server, id)
}

// DeclineMatch declines the match with the given id.
func DeclineMatch(server string, id int) string {
	return fmt.Sprintf(declineMatch, server, id)
}

// JoinGame enters the game room as user.
func JoinGame(room, server, user string) string {
	return fmt.Sprintf(joinGame, room, server, user)
}

// LeaveGame leaves the game room.
func LeaveGame(room, server, user string) string {
	return fmt.Sprintf(leaveGame, room, server, user)
}

// Move sends one long-algebraic move to the game room.
func Move(room, server, long string) string {
	return fmt.Sprintf(move, room, server, long)
}

// AcceptEndgame answers a draw/cancel/adjourn request affirmatively.
func AcceptEndgame(selfJID, room, server, action string) string {
	return fmt.Sprintf(acceptEndgame, selfJID, room, server, action, action)
}

// ChatMessage builds a private chat message.
func ChatMessage(from, to, body string) string {
	return fmt.Sprintf(chatMessage, from, to, body)
}

// Subscribed authorizes a presence subscription request.
func Subscribed(from, to string) string {
	return fmt.Sprintf(subscribed, from, to)
}
