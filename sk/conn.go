package sk

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger is the minimal logging interface the sk package needs. It is
// satisfied by *logrus.Entry (the default, see newDefaultLogger) and by
// momonga.Logger, so callers can pass the value returned by
// momonga.SKLogger() without an adapter.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

func newDefaultLogger() Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	return l.WithField("component", "sk")
}

// ErrCommandFailed reports that the module answered a command with a
// FAIL line. Do itself returns a FAIL answer as an ordinary Response
// (see Response.Failed) with a nil error; callers that require an OK
// wrap it in this type. The Line field carries the raw FAIL text (e.g.
// "FAIL ER04") so a caller can pattern-match on the error code.
type ErrCommandFailed struct{ Line string }

func (e *ErrCommandFailed) Error() string { return "sk: command failed: " + e.Line }

// ErrCommandTimeout is returned by Do when no terminal line arrived
// within the caller-supplied timeout. The command mutex is released
// regardless, so subsequent commands remain permitted.
var ErrCommandTimeout = errors.New("sk: command timed out")

// ErrClosed is returned by any in-flight or future operation once the
// Conn has been closed.
var ErrClosed = errors.New("sk: connection closed")

// Predicate decides, for each line received while a command is
// pending, whether that line is the terminal line of the command's
// response.
type Predicate func(line string) bool

// UntilOKOrFail is the default predicate: the first line that is
// exactly "OK" or begins with "FAIL " ends the command.
func UntilOKOrFail() Predicate {
	return func(line string) bool {
		return line == "OK" || strings.HasPrefix(line, "FAIL ")
	}
}

// UntilLinePrefix waits for a line with the given prefix, e.g.
// "EVENT 22" to mark SKSCAN's completion.
func UntilLinePrefix(prefix string) Predicate {
	return func(line string) bool { return strings.HasPrefix(line, prefix) }
}

// UntilFirstLine terminates on the first line received, for the one
// command (SKLL64) that answers with a single line and no OK/FAIL.
func UntilFirstLine() Predicate {
	return func(line string) bool { return true }
}

// Response is the accumulated transcript of a command.
type Response struct {
	Lines []string
}

// Failed reports whether any line of the response is a FAIL line, and
// returns the first such line.
func (r Response) Failed() (line string, failed bool) {
	for _, l := range r.Lines {
		if strings.HasPrefix(l, "FAIL ") {
			return l, true
		}
	}
	return "", false
}

// ERXUDP is a fully assembled inbound UDP reception event: an ERXUDP
// line plus its payload, whether the payload arrived as inline ASCII
// hex (ASCII payload mode) or as a following binary run (binary
// payload mode).
type ERXUDP struct {
	Sender    string
	Dest      string
	RPort     uint16
	LPort     uint16
	SenderLLA string
	Secured   bool
	Data      []byte
}

// Event is delivered to subscribers of the event bus.
type Event struct {
	// Line is the raw text line for any event except a fully assembled
	// ERXUDP or EPANDESC, in which case ERXUDP or PAN below is
	// populated instead.
	Line   string
	ERXUDP *ERXUDP
	PAN    *PANDescriptor
}

type subscriber struct {
	id     uint64
	prefix string
	ch     chan Event
}

type pendingCommand struct {
	pred  Predicate
	lines []string
	done  chan struct{}
	err   error // set before done is closed when the write fails
}

// Conn is the SK command dispatcher and event bus (the "upper half" of
// the SK wrapper): it serialises outbound commands behind a single
// command mutex, matches each to its expected response lines, and
// routes unsolicited events to subscribers.
//
// Exactly one command may be in flight at a time; additional callers
// of Do queue on the command slot until the current command completes
// or times out. The prefix-keyed subscriber registry lets the session
// manager and the ECHONET client each maintain independent event feeds
// instead of contending over one channel.
type Conn struct {
	w  io.Writer
	lr *lineReader

	cmdSlot chan struct{} // capacity 1: the "command mutex", abortable by ctx
	mu      sync.Mutex    // guards pending and subs
	pending *pendingCommand
	subs    []*subscriber
	nextID  uint64

	pendingERXUDPLine string // staged ERXUDP line awaiting its binary frame
	panAccum          panBlockAccumulator

	stallThreshold time.Duration
	stallFn        func(stalled bool)

	logger Logger

	closeOnce sync.Once
	closed    chan struct{}
}

// New wraps rw (typically a *serial.Port) with the SK command/event
// protocol. Run must be called to start the reader loop before any
// command is issued. A nil logger falls back to a standalone logrus
// logger tagged component=sk.
func New(rw io.ReadWriter, logger Logger) *Conn {
	if logger == nil {
		logger = newDefaultLogger()
	}
	return &Conn{
		w:              rw,
		lr:             newLineReader(rw),
		cmdSlot:        make(chan struct{}, 1),
		stallThreshold: time.Second,
		logger:         logger,
		closed:         make(chan struct{}),
	}
}

// SetStallHandler registers fn to be called with stalled=true when a
// serial write blocks beyond the stall threshold, and with
// stalled=false once the write eventually completes. The session
// manager hooks its transmission gate here so a stalled device stops
// admitting further sends.
func (c *Conn) SetStallHandler(fn func(stalled bool)) {
	c.stallFn = fn
}

// SetPayloadMode toggles whether the line reader expects ERXUDP binary
// payload runs (binary mode, WOPT 00) or inline hex (ASCII mode, WOPT
// 01, the default and the mode this library actively selects).
func (c *Conn) SetPayloadMode(binary bool) {
	c.lr.setBinaryMode(binary)
}

// Run starts the long-lived reader goroutine that owns the serial
// device, classifies incoming frames, feeds the pending command (if
// any), and fans out events to subscribers. It returns once ctx is
// done or the underlying stream returns an error; in both cases every
// in-flight and future Do call is released with ErrClosed.
func (c *Conn) Run(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(done)
	}()

	for {
		select {
		case <-done:
			c.shutdown(ctx.Err())
			return ctx.Err()
		default:
		}

		fr, err := c.lr.next()
		if err != nil {
			c.shutdown(err)
			return err
		}

		switch fr.kind {
		case frameLine:
			c.handleLine(fr.line)
		case frameBinary:
			c.handleBinary(fr.data)
		}
	}
}

func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		if err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Errorf("reader stopped: %v", err)
		}
		close(c.closed)
		c.mu.Lock()
		if c.pending != nil {
			close(c.pending.done)
			c.pending = nil
		}
		for _, s := range c.subs {
			close(s.ch)
		}
		c.subs = nil
		c.mu.Unlock()
	})
}

func (c *Conn) handleLine(line string) {
	c.logger.Debugf("[RX] %s", line)

	// ERXUDP and EPANDESC-block lines are pure events: they must never
	// satisfy a pending command's predicate (an inbound UDP frame can
	// arrive at any point in a command/ack exchange). EVENT lines feed
	// both sides, since some predicates terminate on them ("lines until
	// EVENT 22").
	if desc, consumed := c.panAccum.feed(line); consumed {
		if desc != nil {
			c.dispatch(Event{Line: "EPANDESC", PAN: desc})
		}
		return
	}
	if strings.HasPrefix(line, "ERXUDP ") {
		c.handleERXUDPLine(line)
		return
	}

	c.mu.Lock()
	if c.pending != nil {
		c.pending.lines = append(c.pending.lines, line)
		if c.pending.pred(line) {
			close(c.pending.done)
			c.pending = nil
		}
	}
	c.mu.Unlock()

	c.dispatch(Event{Line: line})
}

func (c *Conn) handleERXUDPLine(line string) {
	if c.lr.binaryMode {
		// Payload arrives as the next frame; stage the header line.
		c.pendingERXUDPLine = line
		return
	}
	ev, err := parseERXUDPAscii(line)
	if err != nil {
		c.logger.Warnf("dropping malformed ERXUDP line: %v", err)
		return
	}
	c.dispatch(Event{ERXUDP: ev})
}

func (c *Conn) handleBinary(payload []byte) {
	if c.pendingERXUDPLine == "" {
		c.logger.Warnf("dropping unexpected binary frame of %d bytes", len(payload))
		return
	}
	line := c.pendingERXUDPLine
	c.pendingERXUDPLine = ""
	ev, err := parseERXUDPHeader(line)
	if err != nil {
		c.logger.Warnf("dropping malformed ERXUDP line: %v", err)
		return
	}
	ev.Data = payload
	c.dispatch(Event{ERXUDP: ev})
}

func (c *Conn) dispatch(ev Event) {
	prefix := ev.Line
	if ev.ERXUDP != nil {
		prefix = "ERXUDP"
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.subs {
		if strings.HasPrefix(prefix, s.prefix) {
			select {
			case s.ch <- ev:
			default:
				c.logger.Warnf("subscriber %q channel full, dropping event", s.prefix)
			}
		}
	}
}

// Subscribe registers for every event whose Line (or, for ERXUDP,
// whose fixed "ERXUDP" tag) has the given prefix. The returned cancel
// func removes the subscription and closes the channel.
func (c *Conn) Subscribe(prefix string) (ch <-chan Event, cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	sub := &subscriber{id: id, prefix: prefix, ch: make(chan Event, 32)}
	c.subs = append(c.subs, sub)
	cancelFn := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, s := range c.subs {
			if s.id == id {
				c.subs = append(c.subs[:i], c.subs[i+1:]...)
				close(s.ch)
				return
			}
		}
	}
	return sub.ch, cancelFn
}

// Do submits cmd, waits for pred to mark a line as terminal (or for
// timeout to elapse, or ctx to be cancelled) and returns every line
// received in between. On timeout the command is abandoned but the
// module is not assumed corrupted: the command mutex is released and
// subsequent commands remain permitted.
//
// Acquisition of the command mutex itself honours ctx: a caller whose
// deadline elapses while another command is stuck holding the slot
// gets ctx.Err() back instead of blocking forever.
func (c *Conn) Do(ctx context.Context, cmd string, pred Predicate, timeout time.Duration) (Response, error) {
	select {
	case c.cmdSlot <- struct{}{}:
	case <-ctx.Done():
		return Response{}, ctx.Err()
	case <-c.closed:
		return Response{}, ErrClosed
	}
	defer func() { <-c.cmdSlot }()

	select {
	case <-c.closed:
		return Response{}, ErrClosed
	default:
	}

	p := &pendingCommand{pred: pred, done: make(chan struct{})}
	c.mu.Lock()
	c.pending = p
	c.mu.Unlock()

	c.logger.Debugf("[TX] %s", redactSendto(cmd))
	// The write runs alongside the wait below, so timeout also bounds a
	// write that never completes.
	go func() {
		if err := c.write(ctx, cmd+"\r\n"); err != nil {
			c.mu.Lock()
			if c.pending == p {
				p.err = err
				c.pending = nil
				close(p.done)
			}
			c.mu.Unlock()
		}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.done:
		return Response{Lines: p.lines}, p.err
	case <-timer.C:
		c.mu.Lock()
		if c.pending == p {
			c.pending = nil
		}
		c.mu.Unlock()
		return Response{Lines: p.lines}, ErrCommandTimeout
	case <-ctx.Done():
		c.mu.Lock()
		if c.pending == p {
			c.pending = nil
		}
		c.mu.Unlock()
		return Response{Lines: p.lines}, ctx.Err()
	case <-c.closed:
		return Response{Lines: p.lines}, ErrClosed
	}
}

// write submits data to the serial device, reporting a stall through
// the registered stall handler when the write blocks beyond the stall
// threshold and reporting recovery once it eventually completes. A
// write abandoned because ctx expired leaves the stall handler in its
// "stalled" position until the straggling write finishes.
func (c *Conn) write(ctx context.Context, data string) error {
	var mu sync.Mutex
	stalled := false
	done := make(chan error, 1)
	go func() {
		_, err := io.WriteString(c.w, data)
		mu.Lock()
		if stalled && err == nil && c.stallFn != nil {
			c.stallFn(false)
		}
		mu.Unlock()
		done <- err
	}()

	stall := time.NewTimer(c.stallThreshold)
	defer stall.Stop()
	select {
	case err := <-done:
		return err
	case <-stall.C:
		mu.Lock()
		select {
		case err := <-done:
			// Completed in the same instant the timer fired.
			mu.Unlock()
			return err
		default:
		}
		stalled = true
		if c.stallFn != nil {
			c.logger.Warnf("serial write stalled beyond %v", c.stallThreshold)
			c.stallFn(true)
		}
		mu.Unlock()
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// redactSendto avoids dumping the full UDP payload of SKSENDTO at
// debug level, logging only its length instead.
func redactSendto(cmd string) string {
	if !strings.HasPrefix(cmd, "SKSENDTO ") {
		return cmd
	}
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return cmd
	}
	fields[len(fields)-1] = fmt.Sprintf("<%d hex chars>", len(fields[len(fields)-1]))
	return strings.Join(fields, " ")
}

// parseERXUDPAscii parses an ERXUDP line in ASCII payload mode, where
// the trailing token is inline hex payload data.
func parseERXUDPAscii(line string) (*ERXUDP, error) {
	fields := strings.Fields(line)
	if len(fields) < 9 {
		return nil, fmt.Errorf("too few fields: %q", line)
	}
	ev, err := erxudpFromFields(fields[:len(fields)-1])
	if err != nil {
		return nil, err
	}
	data, err := hex.DecodeString(fields[len(fields)-1])
	if err != nil {
		return nil, fmt.Errorf("payload not hex: %w", err)
	}
	ev.Data = data
	return ev, nil
}

// parseERXUDPHeader parses an ERXUDP line in binary payload mode,
// where the trailing token is only the payload's decimal/hex length
// (the payload itself arrives as the following binary frame).
func parseERXUDPHeader(line string) (*ERXUDP, error) {
	fields := strings.Fields(line)
	if len(fields) < 8 {
		return nil, fmt.Errorf("too few fields: %q", line)
	}
	return erxudpFromFields(fields[:len(fields)-1])
}

// erxudpFromFields decodes the fixed leading tokens of an ERXUDP line
// common to both payload modes:
// ERXUDP SENDER DEST RPORT LPORT SENDERLLA SECURED [DATALEN]
func erxudpFromFields(fields []string) (*ERXUDP, error) {
	if len(fields) < 7 {
		return nil, fmt.Errorf("too few ERXUDP header fields")
	}
	rport, err := strconv.ParseUint(fields[3], 16, 16)
	if err != nil {
		return nil, fmt.Errorf("bad RPORT: %w", err)
	}
	lport, err := strconv.ParseUint(fields[4], 16, 16)
	if err != nil {
		return nil, fmt.Errorf("bad LPORT: %w", err)
	}
	return &ERXUDP{
		Sender:    fields[1],
		Dest:      fields[2],
		RPort:     uint16(rport),
		LPort:     uint16(lport),
		SenderLLA: fields[5],
		Secured:   fields[6] == "1",
	}, nil
}
