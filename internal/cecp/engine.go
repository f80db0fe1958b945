// Package cecp drives one chess engine child process per game over the
// Chess Engine Communication Protocol (xboard protocol 2): feature
// negotiation, a command queue gated on the engine's done declaration,
// and move extraction from its standard output.
package cecp

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
	"sync"
)

// Move is one engine move, tagged with the game room it belongs to.
type Move struct {
	Room string
	Text string
}

// Fault reports an engine failure to the owning bot loop.
type Fault struct {
	Room string
	Err  error
}

var (
	// ErrSetboardUnsupported means the engine declared setboard=0 and
	// cannot be used; the owning bot aborts.
	ErrSetboardUnsupported = errors.New("engine does not support setboard")

	// ErrEngineExited means the engine closed its standard output.
	ErrEngineExited = errors.New("engine closed its output")
)

var (
	moveRe    = regexp.MustCompile(`^move (\w+)`)
	myMoveRe  = regexp.MustCompile(`^My move is: (\w+)`)
	featureRe = regexp.MustCompile(`([^\s=]+)=("[^"]*"|[^\s"]+)`)
)

// Engine adapts one child process. Outbound commands go through a FIFO
// queue drained to the child's stdin only after the engine has declared
// done=1; moves parsed from its stdout are delivered on the bot's move
// channel. Parsing and queue draining share one goroutine, so a done=0
// cannot race a queued write.
type Engine struct {
	path string
	room string
	log  *slog.Logger

	moves  chan<- Move
	faults chan<- Fault

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	wake     chan struct{}
	stopC    chan struct{}
	stopOnce sync.Once

	mu              sync.Mutex
	queue           []string
	running         bool
	doneAccepted    bool
	featureUsermove bool
	featureColors   bool
	featurePing     bool
	acceptedDraw    bool
	pingID          int
}

// New builds an adapter for the engine command at path (space-split into
// argv). Moves and faults are delivered on the given channels tagged with
// room.
func New(path, room string, moves chan<- Move, faults chan<- Fault, log *slog.Logger) *Engine {
	return &Engine{
		path:   path,
		room:   room,
		log:    log,
		moves:  moves,
		faults: faults,
		// colors is the protocol default until the engine negotiates
		// playother or colors explicitly.
		featureColors: true,
		wake:          make(chan struct{}, 1),
		stopC:         make(chan struct{}),
	}
}

// Start spawns the child with piped standard streams and begins protocol
// negotiation.
func (e *Engine) Start() error {
	args := strings.Fields(e.path)
	if len(args) == 0 {
		return fmt.Errorf("empty engine command")
	}
	cmd := exec.Command(args[0], args[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("engine stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("engine stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting engine %q: %w", e.path, err)
	}
	e.cmd = cmd
	if err := e.start(stdin, stdout); err != nil {
		e.Stop()
		return err
	}
	e.log.Info("Chess Engine started", "path", e.path, "pid", cmd.Process.Pid)
	return nil
}

// start wires the adapter to an arbitrary pipe pair. Split from Start so
// tests can drive the adapter without a real child process.
func (e *Engine) start(stdin io.WriteCloser, stdout io.ReadCloser) error {
	e.stdin = stdin
	e.stdout = stdout
	e.mu.Lock()
	e.running = true
	e.mu.Unlock()

	// Greeting goes out before negotiation, ahead of the gated queue.
	if _, err := io.WriteString(stdin, "xboard\nprotover 2\n"); err != nil {
		return fmt.Errorf("writing engine greeting: %w", err)
	}

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(stdout)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-e.stopC:
				return
			}
		}
		close(lines)
	}()
	go e.run(stdin, lines)
	return nil
}

// Stop kills the child and releases both pipes. Idempotent; it does not
// wait for a graceful CECP quit.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopC)
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		if e.stdin != nil {
			e.stdin.Close()
		}
		if e.stdout != nil {
			e.stdout.Close()
		}
		if e.cmd != nil && e.cmd.Process != nil {
			e.cmd.Process.Kill()
			e.cmd.Wait()
		}
		e.log.Info("Chess Engine stopped", "path", e.path)
	})
}

// Running reports whether the adapter is live.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// AcceptedDraw reports whether the engine has offered or agreed to a draw.
func (e *Engine) AcceptedDraw() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.acceptedDraw
}

// Send queues one CECP line for delivery once the engine is ready.
func (e *Engine) Send(line string) {
	e.mu.Lock()
	e.queue = append(e.queue, line)
	e.mu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// UserMove relays an opponent move, honoring the usermove feature.
func (e *Engine) UserMove(long string) {
	e.mu.Lock()
	usermove := e.featureUsermove
	e.mu.Unlock()
	if usermove {
		e.Send("usermove " + long + "\n")
	} else {
		e.Send(long + "\n")
	}
}

// SetBoard positions the engine on an arbitrary FEN snapshot.
func (e *Engine) SetBoard(state, turn, castle, enpassant, halfmoves, fullmoves string) {
	c := turn
	if len(turn) > 0 {
		c = turn[:1]
	}
	e.Send(fmt.Sprintf("setboard %s %s %s %s %s %s\n", state, c, castle, enpassant, halfmoves, fullmoves))
}

// Play makes the engine take its side and move if it is on turn.
func (e *Engine) Play(turn string, isWhite bool) {
	e.Send("force\nnew\nrandom\n")
	e.mu.Lock()
	colors := e.featureColors
	e.mu.Unlock()
	if isWhite {
		if colors {
			if turn == "white" {
				e.Send("black\nwhite\ngo\n")
			} else if turn == "black" {
				e.Send("black\n")
			}
		} else {
			if turn == "white" {
				e.Send("go\n")
			} else if turn == "black" {
				e.Send("playother\n")
			}
		}
	} else {
		if colors {
			if turn == "white" {
				e.Send("white\n")
			} else if turn == "black" {
				e.Send("white\nblack\ngo\n")
			}
		} else {
			if turn == "white" {
				e.Send("playother\n")
			} else if turn == "black" {
				e.Send("go\n")
			}
		}
	}
}

// SetTime applies the match time control: level 0 <m>[:<s>] <inc>.
func (e *Engine) SetTime(seconds, inc int) {
	minutes := seconds / 60
	secs := seconds % 60
	if secs != 0 {
		e.Send(fmt.Sprintf("level 0 %d:%d %d\n", minutes, secs, inc))
	} else {
		e.Send(fmt.Sprintf("level 0 %d %d\n", minutes, inc))
	}
}

// Ping sends a ping with a fresh id if the engine negotiated the feature.
func (e *Engine) Ping() {
	e.mu.Lock()
	enabled := e.featurePing
	e.pingID++
	id := e.pingID
	e.mu.Unlock()
	if enabled {
		e.Send(fmt.Sprintf("ping %d\n", id))
	}
}

// run is the adapter's event loop: it parses child output and drains the
// command queue after each wakeup, mirroring the host side of the CECP
// contract.
func (e *Engine) run(stdin io.Writer, lines <-chan string) {
	for {
		select {
		case <-e.stopC:
			return
		case line, ok := <-lines:
			if !ok {
				select {
				case <-e.stopC:
				default:
					e.log.Error("engine closed its output", "path", e.path)
					e.report(ErrEngineExited)
					e.Stop()
				}
				return
			}
			e.handleLine(line)
		case <-e.wake:
		}
		e.drainQueue(stdin)
	}
}

// drainQueue writes queued commands while the engine has accepted done.
func (e *Engine) drainQueue(stdin io.Writer) {
	for {
		e.mu.Lock()
		if !e.doneAccepted || !e.running || len(e.queue) == 0 {
			e.mu.Unlock()
			return
		}
		line := e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()
		if _, err := io.WriteString(stdin, line); err != nil {
			e.log.Error("unable to write to engine", "path", e.path, "err", err)
			return
		}
	}
}

func (e *Engine) report(err error) {
	select {
	case e.faults <- Fault{Room: e.room, Err: err}:
	case <-e.stopC:
	}
}

func (e *Engine) handleLine(line string) {
	if m := moveRe.FindStringSubmatch(line); m != nil {
		e.deliverMove(m[1])
		return
	}
	// GNU Chess phrases its moves differently.
	if m := myMoveRe.FindStringSubmatch(line); m != nil {
		e.deliverMove(m[1])
		return
	}
	switch {
	case strings.HasPrefix(line, "pong "):
		// Answer to one of our pings; nothing to do.
	case strings.HasPrefix(line, "offer draw"):
		e.mu.Lock()
		e.acceptedDraw = true
		e.mu.Unlock()
	case strings.HasPrefix(line, "feature"):
		e.handleFeatures(line)
	}
}

func (e *Engine) deliverMove(text string) {
	select {
	case e.moves <- Move{Room: e.room, Text: text}:
	case <-e.stopC:
	}
}

// handleFeatures processes one feature declaration line. Each recognized
// feature is acknowledged with an accepted reply; done=1 opens the
// command queue, done=0 pauses it.
func (e *Engine) handleFeatures(line string) {
	for _, kv := range featureRe.FindAllStringSubmatch(line, -1) {
		key, value := kv[1], strings.Trim(kv[2], `"`)
		switch key {
		case "done":
			e.mu.Lock()
			e.doneAccepted = value == "1"
			e.mu.Unlock()
			e.Send("accepted done\n")
		case "usermove":
			e.mu.Lock()
			e.featureUsermove = value == "1"
			e.mu.Unlock()
			e.Send("accepted usermove\n")
		case "playother":
			e.mu.Lock()
			e.featureColors = value != "1"
			e.mu.Unlock()
			e.Send("accepted playother\n")
		case "colors":
			e.mu.Lock()
			e.featureColors = value == "1"
			e.mu.Unlock()
			e.Send("accepted colors\n")
		case "ping":
			e.mu.Lock()
			e.featurePing = value == "1"
			e.mu.Unlock()
			e.Send("accepted ping\n")
		case "setboard":
			if value == "0" {
				e.log.Error("engine does not support setboard", "path", e.path)
				e.report(ErrSetboardUnsupported)
				return
			}
			e.Send("accepted setboard\n")
		}
	}
}
