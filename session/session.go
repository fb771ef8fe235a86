package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nbtk/momonga/sk"
)

// Config configures a Session's PANA join parameters. Zero values for
// the tunables below are replaced with defaults by New.
type Config struct {
	RouteBID       string
	RouteBPassword string

	// ResetDevice controls whether SKRESET is issued at the start of
	// Open.
	ResetDevice bool

	// ScanInitialDuration is the SKSCAN duration parameter used on the
	// first scan attempt; each subsequent empty attempt increments it.
	// Default 6.
	ScanInitialDuration int
	// ScanMaxAttempts caps the scan escalation ladder. Default 6.
	ScanMaxAttempts int

	// CommandTimeout bounds any single SK command/ack round trip.
	// Default 5s.
	CommandTimeout time.Duration
	// JoinTimeout bounds the wait for EVENT 25/24 after SKJOIN.
	// Default 60s.
	JoinTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ScanInitialDuration <= 0 {
		c.ScanInitialDuration = 6
	}
	if c.ScanMaxAttempts <= 0 {
		c.ScanMaxAttempts = 6
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 5 * time.Second
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = 60 * time.Second
	}
	return c
}

// Session is the PAN/PANA session manager: scan, join, transmission
// gate, and the fatal-failure latch, built on top of an already
// constructed sk.Conn. The caller owns the underlying transport; Session
// owns the reader goroutine's lifetime from Open through Close.
type Session struct {
	conn   *sk.Conn
	cfg    Config
	logger Logger

	gate *gate

	mu           sync.Mutex
	state        State
	neighborAddr string

	g      *errgroup.Group
	cancel context.CancelFunc
}

// New creates a Session bound to conn. No I/O happens until Open is
// called. A nil logger falls back to a standalone logrus logger tagged
// component=session.
func New(conn *sk.Conn, cfg Config, logger Logger) *Session {
	if logger == nil {
		logger = newDefaultLogger()
	}
	s := &Session{
		conn:   conn,
		cfg:    cfg.withDefaults(),
		logger: logger,
		gate:   newGate(),
		state:  StateClosed,
	}
	// A serial write that blocks beyond the stall threshold closes the
	// gate defensively; the write completing re-opens it.
	conn.SetStallHandler(func(stalled bool) {
		if stalled {
			s.logger.Warnf("serial write stalled, closing transmission gate")
			s.gate.close()
		} else {
			s.logger.Infof("serial write recovered, opening transmission gate")
			s.gate.open()
		}
	})
	return s
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	old := s.state
	s.state = st
	s.mu.Unlock()
	if old != st {
		s.logger.Infof("session state %s -> %s", old, st)
	}
}

// NeighborAddr returns the joined meter's IPv6 link-local address, valid
// once Open has returned successfully.
func (s *Session) NeighborAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.neighborAddr
}

// Open starts the reader goroutine, performs PANA join (payload-mode
// negotiation, scan, SKJOIN), and, once joined, starts the
// transmission-gate monitor. It blocks until joined or a fatal error
// occurs; ctx bounds the whole sequence in addition to each step's own
// configured timeout.
func (s *Session) Open(ctx context.Context) error {
	if s.State() != StateClosed {
		return fmt.Errorf("session: Open called in state %s", s.State())
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	g, gCtx := errgroup.WithContext(runCtx)
	s.g = g
	g.Go(func() error {
		err := s.conn.Run(gCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if s.cfg.ResetDevice {
		if _, err := s.conn.Do(ctx, "SKRESET", sk.UntilOKOrFail(), s.cfg.CommandTimeout); err != nil {
			s.logger.Warnf("SKRESET failed (continuing): %v", err)
		}
	}

	// Identify the module; failure here is logged, not fatal.
	for _, probe := range []string{"SKVER", "SKINFO"} {
		resp, err := s.conn.Do(ctx, probe, sk.UntilOKOrFail(), s.cfg.CommandTimeout)
		if err != nil {
			s.logger.Warnf("%s failed (continuing): %v", probe, err)
			continue
		}
		for _, l := range resp.Lines {
			if strings.HasPrefix(l, "EVER ") || strings.HasPrefix(l, "EINFO ") {
				s.logger.Infof("module: %s", l)
			}
		}
	}

	if err := s.negotiatePayloadMode(ctx); err != nil {
		return s.fail(err)
	}

	if err := s.doExpectOK(ctx, "SKSETPWD C "+s.cfg.RouteBPassword); err != nil {
		return s.fail(wrapNeedToReopen("session: SKSETPWD", err))
	}
	if err := s.doExpectOK(ctx, "SKSETRBID "+s.cfg.RouteBID); err != nil {
		return s.fail(wrapNeedToReopen("session: SKSETRBID", err))
	}

	s.setState(StateScanning)
	pan, err := s.scanPAN(ctx)
	if err != nil {
		return s.fail(err)
	}

	addr, err := s.resolveLinkLocal(ctx, pan)
	if err != nil {
		return s.fail(err)
	}

	if err := s.doExpectOK(ctx, fmt.Sprintf("SKSREG S2 %X", pan.Channel)); err != nil {
		return s.fail(wrapNeedToReopen("session: SKSREG S2", err))
	}
	if err := s.doExpectOK(ctx, fmt.Sprintf("SKSREG S3 %04X", pan.PanID)); err != nil {
		return s.fail(wrapNeedToReopen("session: SKSREG S3", err))
	}

	s.setState(StateJoining)
	if err := s.join(ctx, addr); err != nil {
		return s.fail(err)
	}

	s.mu.Lock()
	s.neighborAddr = addr
	s.mu.Unlock()
	s.setState(StateJoined)

	// Subscribe before returning so no event can slip between Open
	// completing and the monitor goroutine coming up.
	ch2, unsub2 := s.conn.Subscribe("EVENT 2")
	ch3, unsub3 := s.conn.Subscribe("EVENT 3")
	g.Go(func() error {
		defer unsub2()
		defer unsub3()
		return s.monitor(gCtx, ch2, ch3)
	})

	return nil
}

func (s *Session) fail(err error) error {
	s.setState(StateFailed)
	s.gate.shutdown()
	return err
}

// wrapNeedToReopen marks err as ErrNeedToReopen while preserving its
// original text and chain, for communication-level failures that are
// neither a scan nor a join failure in their own right.
func wrapNeedToReopen(context string, err error) error {
	return fmt.Errorf("%s: %w: %w", context, err, ErrNeedToReopen)
}

// negotiatePayloadMode probes ROPT, skips WOPT if the module reports
// FAIL (ROPT unsupported means ASCII mode is already active), and
// otherwise issues WOPT 01 only when ROPT reports a non-ASCII mode.
// WOPT writes persist to the module's flash, which has a limited write
// count, so the mode is read before it is written.
func (s *Session) negotiatePayloadMode(ctx context.Context) error {
	okOrFail := sk.UntilOKOrFail()
	// ROPT may carry the mode on its OK line ("OK 01").
	roptDone := func(line string) bool { return okOrFail(line) || strings.HasPrefix(line, "OK ") }
	resp, err := s.conn.Do(ctx, "ROPT", roptDone, s.cfg.CommandTimeout)
	if err != nil {
		return wrapNeedToReopen("session: ROPT", err)
	}
	if line, failed := resp.Failed(); failed {
		s.logger.Debugf("ROPT unsupported (%s), assuming ASCII payload mode already active", line)
		return nil
	}
	if roptReportsASCII(resp) {
		s.logger.Debugf("ASCII payload mode already active, skipping WOPT")
		return nil
	}
	if err := s.doExpectOK(ctx, "WOPT 01"); err != nil {
		return wrapNeedToReopen("session: WOPT", err)
	}
	return nil
}

// doExpectOK issues a command that must be acknowledged with OK; a
// FAIL answer is surfaced as *sk.ErrCommandFailed.
func (s *Session) doExpectOK(ctx context.Context, cmd string) error {
	resp, err := s.conn.Do(ctx, cmd, sk.UntilOKOrFail(), s.cfg.CommandTimeout)
	if err != nil {
		return err
	}
	if line, failed := resp.Failed(); failed {
		return &sk.ErrCommandFailed{Line: line}
	}
	return nil
}

// roptReportsASCII reports whether a successful ROPT transcript says
// the module is already in ASCII payload mode. The module answers
// "OK 01" (bit 0 set = ASCII ERXUDP payload); some firmwares emit the
// mode on its own line before the OK.
func roptReportsASCII(resp sk.Response) bool {
	for _, line := range resp.Lines {
		f := strings.Fields(line)
		var mode string
		switch {
		case len(f) == 2 && f[0] == "OK":
			mode = f[1]
		case len(f) == 1 && f[0] != "OK":
			mode = f[0]
		default:
			continue
		}
		if v, err := strconv.ParseUint(mode, 16, 8); err == nil {
			return v&0x01 != 0
		}
	}
	return false
}

// resolveLinkLocal converts the scanned PAN's MAC address into an IPv6
// link-local address via SKLL64, which answers with a single line and
// no OK/FAIL.
func (s *Session) resolveLinkLocal(ctx context.Context, pan *sk.PANDescriptor) (string, error) {
	mac := strings.ToUpper(strconv.FormatUint(pan.Addr, 16))
	for len(mac) < 16 {
		mac = "0" + mac
	}
	resp, err := s.conn.Do(ctx, "SKLL64 "+mac, sk.UntilFirstLine(), s.cfg.CommandTimeout)
	if err != nil {
		return "", wrapNeedToReopen("session: SKLL64", err)
	}
	if len(resp.Lines) == 0 {
		return "", wrapNeedToReopen("session: SKLL64", errors.New("empty response"))
	}
	return strings.TrimSpace(resp.Lines[0]), nil
}

// Send waits for the transmission gate to open, then submits cmd and
// waits for pred to mark the response terminal. This is the entry point
// the echonet client uses to issue SKSENDTO.
func (s *Session) Send(ctx context.Context, cmd string, pred sk.Predicate, timeout time.Duration) (sk.Response, error) {
	if s.State() == StateClosed {
		return sk.Response{}, ErrNotOpen
	}
	if err := s.gate.wait(ctx); err != nil {
		return sk.Response{}, err
	}
	return s.conn.Do(ctx, cmd, pred, timeout)
}

// Subscribe exposes the underlying event bus (for ERXUDP, consumed by
// the echonet client) without requiring callers to hold the *sk.Conn
// directly.
func (s *Session) Subscribe(prefix string) (<-chan sk.Event, func()) {
	return s.conn.Subscribe(prefix)
}

// Close performs a best-effort SKTERM, stops the reader and monitor
// goroutines, and releases every gate waiter with ErrNeedToReopen. Close
// is idempotent.
func (s *Session) Close(ctx context.Context) error {
	if s.State() == StateClosed {
		return nil
	}
	_, _ = s.conn.Do(ctx, "SKTERM", sk.UntilOKOrFail(), 2*time.Second)

	s.gate.shutdown()
	if s.cancel != nil {
		s.cancel()
	}
	var err error
	if s.g != nil {
		err = s.g.Wait()
	}
	s.setState(StateClosed)
	return err
}
