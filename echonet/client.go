package echonet

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nbtk/momonga/sk"
)

// echonetUDPPort is the fixed ECHONET Lite UDP port (0x0E1A, 3610
// decimal); Route B traffic is unicast to the meter on it.
const echonetUDPPort = 0x0E1A

// Logger is the minimal logging interface the echonet package needs.
// Satisfied by *logrus.Entry and by momonga.Logger.
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
	return l.WithField("component", "echonet")
}

// Sender is the subset of *session.Session the echonet client needs:
// gated command submission and the ERXUDP event feed. Abstracted as an
// interface so client_test.go can drive it with a fake instead of a
// real serial-backed session.
type Sender interface {
	Send(ctx context.Context, cmd string, pred sk.Predicate, timeout time.Duration) (sk.Response, error)
	Subscribe(prefix string) (<-chan sk.Event, func())
	NeighborAddr() string
}

// Client is the ECHONET Lite request/response layer: it builds and
// sends Get/SetC frames over SKSENDTO, allocates transaction ids, and
// demultiplexes ERXUDP events back to the waiting caller by TID. More
// than one request may be in flight at a time; the TID-keyed waiter
// table is fed by a dedicated ERXUDP subscription.
type Client struct {
	sender Sender
	tids   *tidAllocator
	logger Logger

	mu      sync.Mutex
	waiters map[uint16]chan *Frame

	stopOnce sync.Once
	stop     chan struct{}
	stopped  chan struct{}
}

// New creates a Client bound to sender. Run must be called before any
// request is issued so the ERXUDP dispatch loop is running. A nil
// logger falls back to a standalone logrus logger tagged
// component=echonet.
func New(sender Sender, logger Logger) *Client {
	if logger == nil {
		logger = newDefaultLogger()
	}
	return &Client{
		sender:  sender,
		tids:    newTIDAllocator(),
		logger:  logger,
		waiters: make(map[uint16]chan *Frame),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Run subscribes to ERXUDP events and dispatches matching frames to
// whichever request is waiting on their TID. It runs until ctx is
// done. Every still-registered waiter is released with a closed
// channel on return, surfacing as ErrNeedToReopen to Request's callers.
func (c *Client) Run(ctx context.Context) {
	ch, unsub := c.sender.Subscribe("ERXUDP")
	defer unsub()
	defer c.releaseAllWaiters()
	defer close(c.stopped)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.ERXUDP != nil {
				c.handleERXUDP(ev.ERXUDP)
			}
		}
	}
}

// Stop tears down the ERXUDP dispatch loop started by Run and waits
// for it to exit, releasing every still-pending request with
// ErrNeedToReopen. Safe to call more than once.
func (c *Client) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.stopped
}

func (c *Client) releaseAllWaiters() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for tid, ch := range c.waiters {
		close(ch)
		delete(c.waiters, tid)
	}
}

func (c *Client) handleERXUDP(ev *sk.ERXUDP) {
	if ev.LPort != echonetUDPPort {
		return
	}
	if addr := c.sender.NeighborAddr(); addr != "" && !strings.EqualFold(ev.Sender, addr) {
		c.logger.Debugf("dropping ERXUDP from unexpected sender %s", ev.Sender)
		return
	}
	fr, err := Parse(ev.Data)
	if err != nil {
		c.logger.Debugf("dropping unparseable ECHONET frame: %v", err)
		return
	}

	c.mu.Lock()
	ch, ok := c.waiters[fr.TID]
	c.mu.Unlock()
	if !ok {
		c.logger.Debugf("dropping response for unknown TID %04X", fr.TID)
		return
	}
	select {
	case ch <- fr:
	default:
		c.logger.Warnf("waiter for TID %04X already fulfilled, dropping duplicate", fr.TID)
	}
}

// Request builds a frame with service esv over the given (epc, edt)
// pairs, sends it via SKSENDTO through sender, and waits up to timeout
// for the matching ERXUDP response. edt may be nil for a Get.
//
// On a negative response (ESVGetSNA/ESVSetCSNA) it returns
// *ResponsePossibleFailure naming the EPCs the meter rejected. The
// whole aggregate fails even when only one property was refused; the
// error names the refused ones so a caller can reissue without them.
func (c *Client) Request(ctx context.Context, esv byte, epc []byte, edt [][]byte, timeout time.Duration) (*Frame, error) {
	tid := c.tids.alloc()
	defer c.tids.release(tid)

	ch := make(chan *Frame, 1)
	c.mu.Lock()
	c.waiters[tid] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiters, tid)
		c.mu.Unlock()
	}()

	req := NewRequest(tid, esv, epc, edt)
	raw := req.Build()
	cmd := fmt.Sprintf("SKSENDTO 1 %s %04X 1 0 %04X %s", c.sender.NeighborAddr(), echonetUDPPort, len(raw), strings.ToUpper(hex.EncodeToString(raw)))

	if _, err := c.sender.Send(ctx, cmd, sk.UntilOKOrFail(), timeout); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case fr, ok := <-ch:
		if !ok {
			return nil, ErrNeedToReopen
		}
		if fr.IsNegative() {
			return nil, &ResponsePossibleFailure{EPCs: fr.OffendingEPCs()}
		}
		return fr, nil
	case <-timer.C:
		return nil, ErrNeedToReopen
	case <-ctx.Done():
		return nil, ErrNeedToReopen
	}
}

// Get issues a Get (0x62) request for the given EPCs.
func (c *Client) Get(ctx context.Context, epc []byte, timeout time.Duration) (*Frame, error) {
	return c.Request(ctx, ESVGet, epc, nil, timeout)
}

// SetC issues a SetC (0x61) request, one EDT per EPC.
func (c *Client) SetC(ctx context.Context, epc []byte, edt [][]byte, timeout time.Duration) (*Frame, error) {
	return c.Request(ctx, ESVSetC, epc, edt, timeout)
}
