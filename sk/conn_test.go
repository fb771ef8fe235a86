package sk

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rw struct {
	r io.Reader
	w io.Writer
}

func (p rw) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p rw) Write(b []byte) (int, error) { return p.w.Write(b) }

func newTestConn(t *testing.T) (*Conn, *bufioPeer) {
	t.Helper()
	toConnR, toConnW := io.Pipe()
	fromConnR, fromConnW := io.Pipe()

	conn := New(rw{r: toConnR, w: fromConnW}, nil)
	peer := &bufioPeer{w: toConnW, r: fromConnR}
	return conn, peer
}

// bufioPeer is the test's view of the wire: Send writes a line as if
// it came from the module, Recv reads a command the Conn submitted.
type bufioPeer struct {
	w io.Writer
	r io.Reader
}

func (p *bufioPeer) Send(line string) {
	_, _ = io.WriteString(p.w, line+"\r\n")
}

func (p *bufioPeer) SendBinary(b []byte) {
	_, _ = p.w.Write(b)
}

func (p *bufioPeer) Recv(t *testing.T) string {
	t.Helper()
	buf := make([]byte, 256)
	var line []byte
	for {
		n, err := p.r.Read(buf)
		require.NoError(t, err)
		line = append(line, buf[:n]...)
		if bytes.HasSuffix(line, []byte("\r\n")) {
			return string(bytes.TrimRight(line, "\r\n"))
		}
	}
}

func TestDoOKResponse(t *testing.T) {
	conn, peer := newTestConn(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Run(ctx)

	go func() {
		cmd := peer.Recv(t)
		assert.Equal(t, "SKVER", cmd)
		peer.Send("EVER 1.2.10")
		peer.Send("OK")
	}()

	resp, err := conn.Do(ctx, "SKVER", UntilOKOrFail(), time.Second)
	require.NoError(t, err)
	require.Equal(t, []string{"EVER 1.2.10", "OK"}, resp.Lines)
}

func TestDoFailResponse(t *testing.T) {
	conn, peer := newTestConn(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Run(ctx)

	go func() {
		peer.Recv(t)
		peer.Send("FAIL ER04")
	}()

	resp, err := conn.Do(ctx, "ROPT", UntilOKOrFail(), time.Second)
	require.NoError(t, err)
	line, failed := resp.Failed()
	assert.True(t, failed)
	assert.Equal(t, "FAIL ER04", line)
}

func TestDoTimeout(t *testing.T) {
	conn, peer := newTestConn(t)
	_ = peer
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Run(ctx)

	_, err := conn.Do(ctx, "SKINFO", UntilOKOrFail(), 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrCommandTimeout)

	// The command mutex must be released: a subsequent Do still works.
	go func() {
		peer.Recv(t)
		peer.Send("OK")
	}()
	_, err = conn.Do(ctx, "SKINFO", UntilOKOrFail(), time.Second)
	require.NoError(t, err)
}

func TestCommandMutexSerializesCalls(t *testing.T) {
	conn, peer := newTestConn(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Run(ctx)

	var order []string
	var mu sync.Mutex
	respond := func(cmd string) {
		mu.Lock()
		order = append(order, cmd)
		mu.Unlock()
		peer.Send("OK")
	}
	go func() {
		for i := 0; i < 3; i++ {
			cmd := peer.Recv(t)
			respond(cmd)
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := conn.Do(ctx, "SKINFO", UntilOKOrFail(), time.Second)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, order, 3)
}

func TestEventSubscriptionDoesNotSatisfyPendingCommand(t *testing.T) {
	conn, peer := newTestConn(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Run(ctx)

	events, unsub := conn.Subscribe("EVENT 2")
	defer unsub()

	go func() {
		peer.Recv(t)
		peer.Send("EVENT 21 FE80::1")
		peer.Send("OK")
	}()

	resp, err := conn.Do(ctx, "SKJOIN FE80::1", UntilOKOrFail(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"EVENT 21 FE80::1", "OK"}, resp.Lines)

	select {
	case ev := <-events:
		assert.Equal(t, "EVENT 21 FE80::1", ev.Line)
	case <-time.After(time.Second):
		t.Fatal("expected EVENT 21 to reach the subscriber")
	}
}

func TestERXUDPAsciiPayload(t *testing.T) {
	conn, peer := newTestConn(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Run(ctx)

	ch, unsub := conn.Subscribe("ERXUDP")
	defer unsub()

	peer.Send("ERXUDP FE80::1 FE80::2 0E1A 0E1A 001D129100000001 1 0012 1081000102880105FF017201E7")

	select {
	case ev := <-ch:
		require.NotNil(t, ev.ERXUDP)
		assert.Equal(t, uint16(0x0E1A), ev.ERXUDP.RPort)
		assert.True(t, ev.ERXUDP.Secured)
	case <-time.After(time.Second):
		t.Fatal("expected ERXUDP event")
	}
}

func TestERXUDPBinaryPayload(t *testing.T) {
	conn, peer := newTestConn(t)
	conn.SetPayloadMode(true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Run(ctx)

	ch, unsub := conn.Subscribe("ERXUDP")
	defer unsub()

	payload := []byte{0x10, 0x81, 0x00, 0x01, 0x02, 0x88, 0x01, 0x05, 0xFF, 0x01, 0x72, 0x01, 0xE7}
	peer.Send("ERXUDP FE80::1 FE80::2 0E1A 0E1A 001D129100000001 1 D")
	peer.SendBinary(payload)

	select {
	case ev := <-ch:
		require.NotNil(t, ev.ERXUDP)
		assert.Equal(t, payload, ev.ERXUDP.Data)
	case <-time.After(time.Second):
		t.Fatal("expected ERXUDP event reassembled from a binary frame")
	}
}

func TestEPANDESCAccumulation(t *testing.T) {
	conn, peer := newTestConn(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Run(ctx)

	ch, unsub := conn.Subscribe("EPANDESC")
	defer unsub()

	peer.Send("EPANDESC")
	peer.Send("  Channel:21")
	peer.Send("  Channel Page:09")
	peer.Send("  Pan ID:8888")
	peer.Send("  Addr:001D129100000001")

	select {
	case ev := <-ch:
		require.NotNil(t, ev.PAN)
		assert.EqualValues(t, 0x21, ev.PAN.Channel)
		assert.EqualValues(t, 0x8888, ev.PAN.PanID)
		assert.EqualValues(t, 0x001D129100000001, ev.PAN.Addr)
	case <-time.After(time.Second):
		t.Fatal("expected EPANDESC event once all fields seen")
	}
}

func TestROPTUnsupportedMeansAsciiModeAlready(t *testing.T) {
	conn, peer := newTestConn(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Run(ctx)

	go func() {
		peer.Recv(t)
		peer.Send("FAIL ER04")
	}()

	resp, err := conn.Do(ctx, "ROPT", UntilOKOrFail(), time.Second)
	require.NoError(t, err)
	line, failed := resp.Failed()
	require.True(t, failed)
	assert.Equal(t, "FAIL ER04", line)
	// A FAIL ER04 here means the module does not support ROPT; the
	// caller is expected to skip WOPT 01 and assume ASCII mode.
}

// blockingWriter blocks every Write until release is closed.
type blockingWriter struct {
	release chan struct{}
}

func (w *blockingWriter) Write(b []byte) (int, error) {
	<-w.release
	return len(b), nil
}

func TestWriteStallReportsToHandler(t *testing.T) {
	release := make(chan struct{})
	toConnR, _ := io.Pipe()
	conn := New(rw{r: toConnR, w: &blockingWriter{release: release}}, nil)
	conn.stallThreshold = 10 * time.Millisecond

	var mu sync.Mutex
	var calls []bool
	conn.SetStallHandler(func(stalled bool) {
		mu.Lock()
		calls = append(calls, stalled)
		mu.Unlock()
		if stalled {
			close(release)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Run(ctx)

	// The write stalls, the handler fires and unblocks it; no response
	// ever arrives so the command itself times out.
	_, err := conn.Do(ctx, "SKINFO", UntilOKOrFail(), 200*time.Millisecond)
	assert.ErrorIs(t, err, ErrCommandTimeout)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false}, calls)
}

func TestDoCommandSlotHonoursContext(t *testing.T) {
	conn, peer := newTestConn(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Run(ctx)

	// First command holds the slot until its OK arrives.
	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		_, _ = conn.Do(ctx, "SKINFO", UntilOKOrFail(), time.Second)
	}()
	peer.Recv(t)

	// A second caller whose deadline expires while the slot is held
	// must get the context error instead of blocking forever.
	expired, cancelExpired := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancelExpired()
	_, err := conn.Do(expired, "SKVER", UntilOKOrFail(), time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	peer.Send("OK")
	<-firstDone
}
