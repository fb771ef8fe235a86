package momonga

import (
	"context"
	"errors"
	"time"

	"github.com/tarm/serial"

	"github.com/nbtk/momonga/echonet"
	"github.com/nbtk/momonga/meter"
	"github.com/nbtk/momonga/session"
	"github.com/nbtk/momonga/sk"
)

// Config is the constructor surface for Client: the serial transport
// parameters and PANA join credentials, plus the timeouts each layer
// uses. Zero values for the tunables are replaced with the same
// defaults the session and meter packages apply internally.
type Config struct {
	// Device is the filesystem path to the serial device the SK module
	// is attached to (e.g. "/dev/ttyUSB0").
	Device string
	// Baud is the serial baud rate. Default 115200.
	Baud int
	// ResetDevice controls whether SKRESET is issued during Open.
	ResetDevice bool

	RouteBID       string
	RouteBPassword string

	ScanInitialDuration int
	ScanMaxAttempts     int
	CommandTimeout      time.Duration
	JoinTimeout         time.Duration
	RequestTimeout      time.Duration
}

func (c Config) withDefaults() Config {
	if c.Baud <= 0 {
		c.Baud = 115200
	}
	return c
}

// Client assembles the serial transport, the sk command dispatcher,
// the session manager, the ECHONET client, and the meter façade into a
// single constructor surface.
type Client struct {
	cfg Config

	port *serial.Port
	conn *sk.Conn
	sess *session.Session
	el   *echonet.Client

	Meter *meter.Meter
}

// NewClient constructs a Client for cfg without opening the serial
// port. Call Open to connect.
func NewClient(cfg Config) *Client {
	return &Client{cfg: cfg.withDefaults()}
}

// Open opens the serial device, starts the SK reader goroutine,
// performs PAN scan and PANA join, and starts the ECHONET dispatch
// loop. It blocks until joined or a fatal error occurs.
//
// On any error the underlying error kind from the session or echonet
// layer is translated into one of the user-visible *Error kinds
// documented in errors.go.
func (c *Client) Open(ctx context.Context) error {
	port, err := serial.OpenPort(&serial.Config{
		Name: c.cfg.Device,
		Baud: c.cfg.Baud,
		Size: 8,
	})
	if err != nil {
		return NewNeedToReopen("opening serial port", err)
	}
	c.port = port
	c.conn = sk.New(port, SKLogger())

	sessCfg := session.Config{
		RouteBID:            c.cfg.RouteBID,
		RouteBPassword:      c.cfg.RouteBPassword,
		ResetDevice:         c.cfg.ResetDevice,
		ScanInitialDuration: c.cfg.ScanInitialDuration,
		ScanMaxAttempts:     c.cfg.ScanMaxAttempts,
		CommandTimeout:      c.cfg.CommandTimeout,
		JoinTimeout:         c.cfg.JoinTimeout,
	}
	c.sess = session.New(c.conn, sessCfg, SessionLogger())

	if err := c.sess.Open(ctx); err != nil {
		_ = port.Close()
		return TranslateError(err)
	}

	c.el = echonet.New(c.sess, EchonetLogger())
	go c.el.Run(context.Background())

	c.Meter = meter.New(c.el, meter.Config{RequestTimeout: c.cfg.RequestTimeout}, EchonetLogger())
	return nil
}

// Close tears down the ECHONET dispatch loop, the session (best-effort
// SKTERM), and releases the serial port. Idempotent.
func (c *Client) Close(ctx context.Context) error {
	if c.el != nil {
		c.el.Stop()
	}
	var err error
	if c.sess != nil {
		err = c.sess.Close(ctx)
	}
	if c.port != nil {
		_ = c.port.Close()
	}
	return err
}

// TranslateError maps an error returned by the session or echonet
// packages (including one surfaced through Client.Meter's operations)
// into the user-visible *Error kind it corresponds to. Open applies
// this internally; callers driving
// Client.Meter directly should run its returned errors through this to
// get the same ScanFailure/JoinFailure/NeedToReopen/
// ResponsePossibleFailure classification instead of matching on the
// lower-layer sentinels directly.
func TranslateError(err error) error {
	if err == nil {
		return nil
	}
	var inv *echonet.InvalidArgumentError
	if errors.As(err, &inv) {
		// Programmer error, raised before any I/O: not a session
		// condition, passed through untranslated.
		return err
	}
	var rpf *echonet.ResponsePossibleFailure
	if errors.As(err, &rpf) {
		e := NewResponsePossibleFailure(rpf.EPCs).(*Error)
		e.Err = err
		return e
	}
	switch {
	case errors.Is(err, echonet.ErrNeedToReopen):
		return NewNeedToReopen("no matching ECHONET response within deadline", err)
	case errors.Is(err, session.ErrScanFailure):
		return NewScanFailure("no PAN discovered after scan escalation", err)
	case errors.Is(err, session.ErrJoinFailure):
		return NewJoinFailure("PANA authentication rejected or timed out", err)
	case errors.Is(err, session.ErrNeedToReopen), errors.Is(err, session.ErrGateTimeout), errors.Is(err, session.ErrNotOpen):
		return NewNeedToReopen("session lost", err)
	default:
		return NewNeedToReopen("session open failed", err)
	}
}
