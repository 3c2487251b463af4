package plug

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"
)

// Default transport settings.
const (
	// DefaultPort is the UDP port the plugs listen and reply on.
	DefaultPort = 10000

	// defaultLocalAddrTTL bounds how long the local address set is trusted
	// without an explicit NetworkChanged call. It only matters where
	// WatchNetwork has no change feed.
	defaultLocalAddrTTL = time.Minute
)

// ErrNetworkWatchUnsupported is returned by WatchNetwork on platforms
// without an interface change feed.
var ErrNetworkWatchUnsupported = errors.New("plug: network change notifications not supported")

// TransportConfig holds UDP socket settings.
type TransportConfig struct {
	// Interface pins the socket to a named interface. Empty selects one
	// automatically (see SelectBindAddr).
	Interface string

	// Port is the UDP port. Default: 10000.
	Port int

	// LocalAddrTTL is how long the local address set is cached.
	// Default: 1 minute.
	LocalAddrTTL time.Duration
}

// Transport is the broadcast-capable UDP socket shared by every plug.
//
// Thread Safety:
//   - Send methods are safe for concurrent use.
//   - Read must only be called from one goroutine.
type Transport struct {
	conn      net.PacketConn
	port      int
	broadcast *net.UDPAddr

	localMu    sync.Mutex
	local      map[netip.Addr]struct{}
	localAt    time.Time
	localTTL   time.Duration
	localAddrs func() ([]netip.Addr, error)
	now        func() time.Time
}

// OpenTransport binds a UDP socket on the selected local address.
//
// Parameters:
//   - cfg: Socket configuration
//
// Returns:
//   - *Transport: Bound transport
//   - error: ErrTransportFailed (wrapped) if the socket cannot be bound
func OpenTransport(cfg TransportConfig) (*Transport, error) {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}

	bind, err := SelectBindAddr(cfg.Interface)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransportFailed, err)
	}

	network := "udp4"
	if bind.Is6() {
		network = "udp6"
	}
	laddr := netip.AddrPortFrom(bind, uint16(cfg.Port)).String()
	if !bind.IsValid() {
		laddr = fmt.Sprintf(":%d", cfg.Port)
	}

	// Go enables SO_BROADCAST on datagram sockets.
	conn, err := net.ListenPacket(network, laddr)
	if err != nil {
		return nil, fmt.Errorf("%w: listen %s: %w", ErrTransportFailed, laddr, err)
	}

	return NewTransport(conn, cfg), nil
}

// NewTransport wraps an already bound packet connection.
func NewTransport(conn net.PacketConn, cfg TransportConfig) *Transport {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.LocalAddrTTL == 0 {
		cfg.LocalAddrTTL = defaultLocalAddrTTL
	}
	return &Transport{
		conn:       conn,
		port:       cfg.Port,
		broadcast:  &net.UDPAddr{IP: net.IPv4bcast, Port: cfg.Port},
		localTTL:   cfg.LocalAddrTTL,
		localAddrs: interfaceAddrs,
		now:        time.Now,
	}
}

// LocalAddr returns the address the socket is bound to.
func (t *Transport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// Broadcast sends a frame to every host on the local segment.
func (t *Transport) Broadcast(frame []byte) error {
	if _, err := t.conn.WriteTo(frame, t.broadcast); err != nil {
		return fmt.Errorf("broadcast: %w", err)
	}
	return nil
}

// SendTo sends a frame to a single host.
func (t *Transport) SendTo(ip netip.Addr, frame []byte) error {
	dst := net.UDPAddrFromAddrPort(netip.AddrPortFrom(ip, uint16(t.port)))
	if _, err := t.conn.WriteTo(frame, dst); err != nil {
		return fmt.Errorf("send to %s: %w", ip, err)
	}
	return nil
}

// Read waits up to timeout for one datagram.
//
// A timeout is reported as an error satisfying net.Error.Timeout(), which
// callers treat as an idle poll rather than a failure.
func (t *Transport) Read(buf []byte, timeout time.Duration) (int, netip.Addr, error) {
	if err := t.conn.SetReadDeadline(t.now().Add(timeout)); err != nil {
		return 0, netip.Addr{}, fmt.Errorf("set read deadline: %w", err)
	}

	n, src, err := t.conn.ReadFrom(buf)
	if err != nil {
		return 0, netip.Addr{}, err
	}

	return n, addrOf(src), nil
}

// IsLocal reports whether ip belongs to this host. Frames the bridge
// broadcasts come straight back to it and must be ignored.
func (t *Transport) IsLocal(ip netip.Addr) bool {
	t.localMu.Lock()
	defer t.localMu.Unlock()

	if t.local == nil || t.now().Sub(t.localAt) > t.localTTL {
		t.refreshLocalLocked()
	}
	_, ok := t.local[ip.Unmap()]
	return ok
}

// NetworkChanged drops the cached local address set. WatchNetwork calls
// it on every address or link change; the cache also expires on its own.
func (t *Transport) NetworkChanged() {
	t.localMu.Lock()
	t.local = nil
	t.localMu.Unlock()
}

// WatchNetwork calls NetworkChanged whenever the host's addresses or
// links change, until ctx is cancelled. It returns
// ErrNetworkWatchUnsupported (or a subscription error) straight away when
// no change feed is available, leaving the TTL as the only invalidation.
func (t *Transport) WatchNetwork(ctx context.Context) error {
	return watchNetwork(ctx, t.NetworkChanged)
}

// Close releases the socket.
func (t *Transport) Close() error {
	return t.conn.Close()
}

func (t *Transport) refreshLocalLocked() {
	addrs, err := t.localAddrs()
	set := make(map[netip.Addr]struct{}, len(addrs)+2)
	if err == nil {
		for _, a := range addrs {
			set[a.Unmap()] = struct{}{}
		}
	}
	set[netip.IPv4Unspecified()] = struct{}{}
	if local, ok := t.conn.LocalAddr().(*net.UDPAddr); ok {
		if a, ok := netip.AddrFromSlice(local.IP); ok {
			set[a.Unmap()] = struct{}{}
		}
	}
	t.local = set
	t.localAt = t.now()
}

func addrOf(a net.Addr) netip.Addr {
	if u, ok := a.(*net.UDPAddr); ok {
		return u.AddrPort().Addr().Unmap()
	}
	ap, err := netip.ParseAddrPort(a.String())
	if err != nil {
		return netip.Addr{}
	}
	return ap.Addr().Unmap()
}

func interfaceAddrs() ([]netip.Addr, error) {
	raw, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	out := make([]netip.Addr, 0, len(raw))
	for _, a := range raw {
		if p, err := netip.ParsePrefix(a.String()); err == nil {
			out = append(out, p.Addr())
		}
	}
	return out, nil
}

// ifaceInfo is the part of a network interface the bind selection needs.
type ifaceInfo struct {
	Name     string
	Up       bool
	Loopback bool
	Addrs    []netip.Addr
}

// SelectBindAddr picks the local address to bind to.
//
// Preference order:
//  1. An up interface carrying the default route that has an IPv4 address
//  2. Such an interface with an IPv6 address
//  3. The unspecified address (returned as the zero netip.Addr)
//
// When name is non-empty only that interface is considered.
func SelectBindAddr(name string) (netip.Addr, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return netip.Addr{}, fmt.Errorf("listing interfaces: %w", err)
	}

	infos := make([]ifaceInfo, 0, len(ifaces))
	for _, ifc := range ifaces {
		if name != "" && ifc.Name != name {
			continue
		}
		info := ifaceInfo{
			Name:     ifc.Name,
			Up:       ifc.Flags&net.FlagUp != 0,
			Loopback: ifc.Flags&net.FlagLoopback != 0,
		}
		addrs, err := ifc.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if p, err := netip.ParsePrefix(a.String()); err == nil {
				info.Addrs = append(info.Addrs, p.Addr())
			}
		}
		infos = append(infos, info)
	}

	if name != "" && len(infos) == 0 {
		return netip.Addr{}, fmt.Errorf("interface %q not found", name)
	}

	routed, err := defaultRouteInterfaces()
	if err != nil {
		return netip.Addr{}, fmt.Errorf("reading default routes: %w", err)
	}

	return chooseBindAddr(infos, routed), nil
}

// chooseBindAddr applies the preference order to a set of interfaces.
// An empty routed set means no default route is known, in which case
// every up non-loopback interface qualifies.
func chooseBindAddr(infos []ifaceInfo, routed map[string]bool) netip.Addr {
	var v6 netip.Addr
	for _, info := range infos {
		if !info.Up || info.Loopback {
			continue
		}
		if len(routed) > 0 && !routed[info.Name] {
			continue
		}
		for _, a := range info.Addrs {
			switch {
			case a.Is4() || a.Is4In6():
				return a.Unmap()
			case !v6.IsValid() && !a.IsLinkLocalUnicast():
				v6 = a
			}
		}
	}
	return v6
}
