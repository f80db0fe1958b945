package stanza

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSessionCreation(t *testing.T) {
	env, err := Parse([]byte(`<body sid='S1' wait='10' xmlns='http://jabber.org/protocol/httpbind'/>`))
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, "S1", env.SID)
	assert.False(t, env.Terminated())
	assert.Empty(t, env.Stanzas)
}

func TestParseTerminate(t *testing.T) {
	env, err := Parse([]byte(`<body type='terminate' condition='policy-violation' xmlns='http://jabber.org/protocol/httpbind'/>`))
	require.NoError(t, err)
	assert.True(t, env.Terminated())
	assert.Equal(t, "policy-violation", env.Condition)
}

func TestParseRootError(t *testing.T) {
	_, err := Parse([]byte(`<error>invalid sid</error>`))
	require.Error(t, err)
	var re *RootError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "invalid sid", re.Text)
}

func TestParseMalformed(t *testing.T) {
	_, err := Parse([]byte(`<body><iq`))
	assert.Error(t, err)
}

func TestParseEmpty(t *testing.T) {
	env, err := Parse(nil)
	require.NoError(t, err)
	assert.Nil(t, env)
}

func TestParseUnexpectedRoot(t *testing.T) {
	_, err := Parse([]byte(`<stream/>`))
	assert.Error(t, err)
}

func TestParseMatchOffer(t *testing.T) {
	env, err := Parse([]byte(`<body xmlns='http://jabber.org/protocol/httpbind'>` +
		`<iq type='set' from='chessd.srv' to='self@srv/ChessD'>` +
		`<query xmlns='http://c3sl.ufpr.br/chessd#match#offer'>` +
		`<match id='7' category='blitz'>` +
		`<player jid='a@srv/ChessD' color='white' time='180' inc='0'/>` +
		`<player jid='self@srv/ChessD' color='black' time='180' inc='0'/>` +
		`</match></query></iq></body>`))
	require.NoError(t, err)
	require.Len(t, env.Stanzas, 1)

	iq := env.Stanzas[0]
	assert.Equal(t, "iq", iq.XMLName.Local)
	assert.Equal(t, "set", iq.Type)
	require.NotNil(t, iq.Query)
	assert.Equal(t, NSMatchOffer, iq.Query.XMLNS)

	m := iq.Query.Match
	require.NotNil(t, m)
	assert.Equal(t, 7, m.ID)
	assert.Equal(t, "blitz", m.Category)
	require.Len(t, m.Players, 2)
	assert.Equal(t, Player{JID: "a@srv/ChessD", Color: "white", Time: 180}, m.Players[0])
	assert.Equal(t, m.Players, iq.Query.FindPlayers())
}

func TestParseGameState(t *testing.T) {
	env, err := Parse([]byte(`<body xmlns='http://jabber.org/protocol/httpbind'>` +
		`<iq type='set' from='r@chessd.srv'>` +
		`<query xmlns='http://c3sl.ufpr.br/chessd#game#state'>` +
		`<state category='blitz'>` +
		`<board state='` + DefaultBoard + `' turn='white' castle='KQkq' enpassant='-' halfmoves='0' fullmoves='1'/>` +
		`<player jid='a@srv/ChessD' color='white' time='180' inc='0'/>` +
		`<player jid='b@srv/ChessD' color='black' time='180' inc='0'/>` +
		`</state></query></iq></body>`))
	require.NoError(t, err)
	require.Len(t, env.Stanzas, 1)

	q := env.Stanzas[0].Query
	require.NotNil(t, q)
	board := q.FindBoard()
	require.NotNil(t, board, "board should be found inside <state>")
	assert.Equal(t, DefaultBoard, board.State)
	assert.Equal(t, "white", board.Turn)
	assert.Equal(t, "KQkq", board.Castle)
	assert.Equal(t, "-", board.Enpassant)
	assert.Equal(t, "0", board.Halfmoves)
	assert.Equal(t, "1", board.Fullmoves)
	assert.Len(t, q.FindPlayers(), 2)
}

func TestParseGameEnd(t *testing.T) {
	env, err := Parse([]byte(`<body xmlns='http://jabber.org/protocol/httpbind'>` +
		`<iq type='set' from='r@chessd.srv'>` +
		`<query xmlns='http://c3sl.ufpr.br/chessd#game#end'>` +
		`<end type='normal' result='checkmate'/>` +
		`<player jid='a@srv/ChessD' role='white' result='won'/>` +
		`<player jid='b@srv/ChessD' role='black' result='lost'/>` +
		`</query></iq></body>`))
	require.NoError(t, err)

	q := env.Stanzas[0].Query
	require.NotNil(t, q.End)
	assert.Equal(t, "normal", q.End.Type)
	assert.Equal(t, "checkmate", q.End.Result)
	players := q.FindPlayers()
	require.Len(t, players, 2)
	assert.Equal(t, "won", players[0].Result)
	assert.Equal(t, "white", players[0].Role)
}

func TestParseIQError(t *testing.T) {
	env, err := Parse([]byte(`<body xmlns='http://jabber.org/protocol/httpbind'>` +
		`<iq type='error' from='chessd.srv'>` +
		`<query xmlns='http://c3sl.ufpr.br/chessd#match#offer'/>` +
		`<error code='404' type='cancel'>not found</error>` +
		`</iq></body>`))
	require.NoError(t, err)

	iq := env.Stanzas[0]
	assert.Equal(t, "error", iq.Type)
	require.NotNil(t, iq.Error)
	assert.Equal(t, "404", iq.Error.Code)
}

func TestParseChatAndPresence(t *testing.T) {
	env, err := Parse([]byte(`<body xmlns='http://jabber.org/protocol/httpbind'>` +
		`<message type='chat' from='human@srv/web'><body>hello?</body></message>` +
		`<presence type='subscribe' from='human@srv' to='self@srv'/>` +
		`<unknown-future-element foo='1'/>` +
		`</body>`))
	require.NoError(t, err)
	require.Len(t, env.Stanzas, 3, "unknown children are kept, not fatal")

	msg := env.Stanzas[0]
	assert.Equal(t, "message", msg.XMLName.Local)
	assert.Equal(t, "hello?", msg.Body)

	pres := env.Stanzas[1]
	assert.Equal(t, "presence", pres.XMLName.Local)
	assert.Equal(t, "subscribe", pres.Type)

	assert.Equal(t, "unknown-future-element", env.Stanzas[2].XMLName.Local)
}

func TestTemplates(t *testing.T) {
	assert.Equal(t,
		"<iq type='get' id='auth_1' to='srv'><query xmlns='jabber:iq:auth'><username>deep</username></query></iq>",
		AuthStep1("srv", "deep"))
	assert.Contains(t, AuthStep2("srv", "deep", "pw"), "<resource>ChessD</resource>")
	assert.Contains(t, GlobalPresence("deep@srv/ChessD", "srv", "deep"), "general@conference.srv/deep")
	assert.Contains(t, GlobalPresence("deep@srv/ChessD", "srv", "deep"), "<config multigame='true'/>")
	assert.Contains(t, ProfileUpdate("deep"), "<FN>deep</FN>")
	assert.Equal(t,
		"<iq type='set' to='chessd.srv' id='match'><query xmlns='http://c3sl.ufpr.br/chessd#match#accept'><match id='7'/></query></iq>",
		AcceptMatch("srv", 7))
	assert.Contains(t, OfferMatch("srv", 180, 0, "a@srv/ChessD", "b@srv/ChessD"),
		"<player inc='0' color='white' time='180' jid='a@srv/ChessD'/>")
	assert.Equal(t, "<presence to='r@chessd.srv/deep'/>", JoinGame("r", "srv", "deep"))
	assert.Equal(t, "<presence to='r@chessd.srv/deep' type='unavailable'/>", LeaveGame("r", "srv", "deep"))
	assert.Equal(t,
		"<iq type='set' to='r@chessd.srv' id='match'><query xmlns='http://c3sl.ufpr.br/chessd#game#move'><move long='e2e4'/></query></iq>",
		Move("r", "srv", "e2e4"))
	assert.Equal(t,
		"<iq type='set' from='deep@srv/ChessD' to='r@chessd.srv' id='draw'><query xmlns='http://c3sl.ufpr.br/chessd#game#draw'/></iq>",
		AcceptEndgame("deep@srv/ChessD", "r", "srv", "draw"))
	assert.Equal(t,
		"<presence from='me@srv' to='them@srv' type='subscribed'><status/></presence>",
		Subscribed("me@srv", "them@srv"))
}
