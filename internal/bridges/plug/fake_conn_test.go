package plug

import (
	"bytes"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"
)

// timeoutError satisfies net.Error with Timeout() == true.
type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

type datagram struct {
	data []byte
	src  *net.UDPAddr
}

type sentFrame struct {
	data []byte
	dst  *net.UDPAddr
}

// fakeConn is an in-memory net.PacketConn for exercising the receive loop.
type fakeConn struct {
	in     chan datagram
	closed chan struct{}
	local  *net.UDPAddr

	mu       sync.Mutex
	out      []sentFrame
	deadline time.Time
	readErr  error
	once     sync.Once
}

var _ net.PacketConn = (*fakeConn)(nil)

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan datagram, 64),
		closed: make(chan struct{}),
		local:  &net.UDPAddr{IP: net.ParseIP("192.168.1.10"), Port: DefaultPort},
	}
}

func (c *fakeConn) ReadFrom(p []byte) (int, net.Addr, error) {
	c.mu.Lock()
	deadline, readErr := c.deadline, c.readErr
	c.mu.Unlock()

	if readErr != nil {
		return 0, nil, readErr
	}

	wait := time.Until(deadline)
	if wait <= 0 {
		wait = time.Millisecond
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case d := <-c.in:
		return copy(p, d.data), d.src, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	case <-timer.C:
		return 0, nil, timeoutError{}
	}
}

func (c *fakeConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out = append(c.out, sentFrame{data: bytes.Clone(p), dst: addr.(*net.UDPAddr)})
	return len(p), nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) LocalAddr() net.Addr { return c.local }

func (c *fakeConn) SetDeadline(t time.Time) error { return c.SetReadDeadline(t) }

func (c *fakeConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) failReads(err error) {
	c.mu.Lock()
	c.readErr = err
	c.mu.Unlock()
}

func (c *fakeConn) deliver(t *testing.T, src string, cmd Command, payload []byte) {
	t.Helper()
	frame, err := EncodeFrame(cmd, payload)
	if err != nil {
		t.Fatalf("EncodeFrame() error = %v", err)
	}
	c.in <- datagram{data: frame, src: &net.UDPAddr{IP: net.ParseIP(src), Port: DefaultPort}}
}

func (c *fakeConn) sent() []sentFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentFrame(nil), c.out...)
}

// sentCommands decodes every frame written so far.
func (c *fakeConn) sentCommands(t *testing.T) []Command {
	t.Helper()
	var cmds []Command
	for _, s := range c.sent() {
		f, err := DecodeFrame(s.data)
		if err != nil {
			t.Fatalf("bridge wrote malformed frame: %v", err)
		}
		cmds = append(cmds, f.Command)
	}
	return cmds
}

func newTestTransport(conn *fakeConn) *Transport {
	tr := NewTransport(conn, TransportConfig{})
	tr.localAddrs = func() ([]netip.Addr, error) {
		return []netip.Addr{netip.MustParseAddr("192.168.1.10"), netip.MustParseAddr("127.0.0.1")}, nil
	}
	return tr
}

func newTestRegistry(t *testing.T) (*Registry, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	reg := NewRegistry(newTestTransport(conn), RegistryConfig{
		Debounce:       50 * time.Millisecond,
		PollInterval:   10 * time.Millisecond,
		SettleInterval: 5 * time.Millisecond,
	}, nil)
	t.Cleanup(func() { reg.Stop() })
	return reg, conn
}

// discoverResponsePayload builds the payload a plug sends in reply to CmdDiscover.
func discoverResponsePayload(addr Address, firmware string, on bool) []byte {
	b, r := addr.Bytes(), addr.Reversed()
	pad := bytes.Repeat([]byte{padByte}, padLen)

	fw := []byte(firmware)
	fw = append(fw, bytes.Repeat([]byte{padByte}, firmwareLen-len(fw))...)

	p := make([]byte, 0, discoverRespLen)
	p = append(p, 0)
	p = append(p, b[:]...)
	p = append(p, pad...)
	p = append(p, r[:]...)
	p = append(p, pad...)
	p = append(p, fw...)
	p = append(p, 0x1a, 0x7c, 0x00, 0x00)
	if on {
		p = append(p, 1)
	} else {
		p = append(p, 0)
	}
	return p
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func udpAddr(ip string) *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(ip), Port: DefaultPort}
}
