package stanza

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
)

// Envelope is one decoded BOSH <body> response. Children the daemon does
// not understand still appear in Stanzas; the dispatcher skips them.
type Envelope struct {
	XMLName   xml.Name `xml:"body"`
	SID       string   `xml:"sid,attr"`
	Type      string   `xml:"type,attr"`
	Condition string   `xml:"condition,attr"`
	Stanzas   []Stanza `xml:",any"`
}

// Terminated reports whether the server is tearing the session down.
func (e *Envelope) Terminated() bool {
	return e.Type == "terminate"
}

// Stanza is a direct child of a body envelope: iq, message or presence,
// or anything else the server decided to send.
type Stanza struct {
	XMLName xml.Name
	From    string `xml:"from,attr"`
	To      string `xml:"to,attr"`
	Type    string `xml:"type,attr"`
	ID      string `xml:"id,attr"`

	// Chat text for <message> stanzas.
	Body string `xml:"body"`

	Query *Query       `xml:"query"`
	Error *StanzaError `xml:"error"`
}

// Query is the payload of an iq; which members are set depends on XMLNS.
type Query struct {
	XMLNS string `xml:"xmlns,attr"`

	Match    *Match   `xml:"match"`
	State    *State   `xml:"state"`
	Board    *Board   `xml:"board"`
	MoveEl   *MoveEl  `xml:"move"`
	End      *End     `xml:"end"`
	Players  []Player `xml:"player"`
	Username string   `xml:"username"`
}

// FindBoard returns the board element wherever the server nested it.
func (q *Query) FindBoard() *Board {
	if q.Board != nil {
		return q.Board
	}
	if q.State != nil {
		return q.State.Board
	}
	return nil
}

// FindPlayers returns the player elements wherever the server nested them.
func (q *Query) FindPlayers() []Player {
	if len(q.Players) > 0 {
		return q.Players
	}
	if q.State != nil && len(q.State.Players) > 0 {
		return q.State.Players
	}
	if q.Match != nil {
		return q.Match.Players
	}
	return nil
}

// Match carries a match offer or resolution.
type Match struct {
	ID       int      `xml:"id,attr"`
	Category string   `xml:"category,attr"`
	Room     string   `xml:"room,attr"`
	Players  []Player `xml:"player"`
}

// State wraps the board in game#state queries on some server versions.
type State struct {
	Category string   `xml:"category,attr"`
	Board    *Board   `xml:"board"`
	Players  []Player `xml:"player"`
}

// Player describes one side of a match or game.
type Player struct {
	JID   string `xml:"jid,attr"`
	Color string `xml:"color,attr"`
	Time  int    `xml:"time,attr"`
	Inc   int    `xml:"inc,attr"`

	// game#end only.
	Role   string `xml:"role,attr"`
	Result string `xml:"result,attr"`
}

// Board is a position snapshot. The counters stay strings; they are
// relayed to the engine verbatim.
type Board struct {
	State     string `xml:"state,attr"`
	Turn      string `xml:"turn,attr"`
	Castle    string `xml:"castle,attr"`
	Enpassant string `xml:"enpassant,attr"`
	Halfmoves string `xml:"halfmoves,attr"`
	Fullmoves string `xml:"fullmoves,attr"`
}

// MoveEl is a move notification.
type MoveEl struct {
	Long string `xml:"long,attr"`
}

// End carries the game termination verdict.
type End struct {
	Type   string `xml:"type,attr"`
	Result string `xml:"result,attr"`
}

// StanzaError is the error child of an error-type iq.
type StanzaError struct {
	Code string `xml:"code,attr"`
	Type string `xml:"type,attr"`
	Text string `xml:",chardata"`
}

// RootError is returned when the response root is a bare <error> element
// instead of a body envelope, which the BOSH server uses for session-level
// failures such as "invalid sid".
type RootError struct {
	Text string
}

func (e *RootError) Error() string {
	return fmt.Sprintf("bosh error: %s", e.Text)
}

// Parse decodes one response payload. An empty payload yields (nil, nil).
// A malformed document or an unexpected root element is an error; the
// caller treats it as a protocol failure and reconnects.
func Parse(payload []byte) (*Envelope, error) {
	dec := xml.NewDecoder(bytes.NewReader(payload))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("decoding response: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch start.Name.Local {
		case "body":
			var env Envelope
			if err := dec.DecodeElement(&env, &start); err != nil {
				return nil, fmt.Errorf("decoding body: %w", err)
			}
			return &env, nil
		case "error":
			var text struct {
				Text string `xml:",chardata"`
			}
			if err := dec.DecodeElement(&text, &start); err != nil {
				return nil, fmt.Errorf("decoding error element: %w", err)
			}
			return nil, &RootError{Text: text.Text}
		default:
			return nil, fmt.Errorf("unexpected root element <%s>", start.Name.Local)
		}
	}
}
