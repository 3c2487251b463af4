package plug

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// Default registry timings.
const (
	// defaultDebounce is the quiet window before change listeners fire.
	defaultDebounce = time.Second

	// defaultPollInterval bounds each blocking read, and therefore how
	// long Stop can take to be observed.
	defaultPollInterval = 100 * time.Millisecond

	// defaultSettleInterval is the pause between unlock and a power command.
	defaultSettleInterval = 100 * time.Millisecond
)

// RegistryConfig holds registry timings.
type RegistryConfig struct {
	// Debounce is the quiet window after the last mutation before the
	// unlock pass runs and listeners are notified. Zero selects 1s.
	Debounce time.Duration

	// PollInterval is the read deadline of the receive loop. Default: 100ms.
	PollInterval time.Duration

	// SettleInterval is the pause between Unlock and SetPower. Default: 100ms.
	SettleInterval time.Duration
}

// RegistryStats holds operational statistics.
type RegistryStats struct {
	FramesRx      uint64
	FramesTx      uint64
	FramesDropped uint64 // Malformed, self-originated or unhandled
	Discoveries   uint64 // Discovery broadcasts sent
	Notifications uint64 // Debounced change notifications fired
	ErrorsTotal   uint64
	Devices       int
	Generation    uint64
	LastActivity  time.Time
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Registry owns the UDP receive loop and the map of known plugs.
//
// Thread Safety:
//   - The receive loop is the only writer of the device map.
//   - Readers get immutable snapshots; all methods are safe for concurrent use.
//   - Change listeners run on the receive loop and must return quickly.
type Registry struct {
	cfg       RegistryConfig
	transport *Transport
	logger    Logger
	now       func() time.Time

	snap atomic.Pointer[Snapshot]

	// lastEnabled is written by command senders on any goroutine, so it
	// lives outside the single-writer snapshot.
	enabledMu   sync.Mutex
	lastEnabled map[Address]time.Time

	listenersMu sync.RWMutex
	listeners   []func(Snapshot)

	started  atomic.Bool
	stopOnce sync.Once
	done     *closeOnce
	exited   chan struct{}
	wg       sync.WaitGroup

	errMu sync.Mutex
	err   error

	framesRx      atomic.Uint64
	framesTx      atomic.Uint64
	framesDropped atomic.Uint64
	discoveries   atomic.Uint64
	notifications atomic.Uint64
	errorsTotal   atomic.Uint64
	lastActivity  atomic.Int64
}

// NewRegistry creates a registry on top of a bound transport.
// The registry takes ownership of the transport and closes it on Stop.
func NewRegistry(transport *Transport, cfg RegistryConfig, logger Logger) *Registry {
	if cfg.Debounce == 0 {
		cfg.Debounce = defaultDebounce
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.SettleInterval == 0 {
		cfg.SettleInterval = defaultSettleInterval
	}
	if logger == nil {
		logger = noopLogger{}
	}

	r := &Registry{
		cfg:         cfg,
		transport:   transport,
		logger:      logger,
		now:         time.Now,
		lastEnabled: make(map[Address]time.Time),
		done:        newCloseOnce(),
		exited:      make(chan struct{}),
	}
	r.snap.Store(&Snapshot{})
	return r
}

// OnChange registers a listener for debounced change notifications.
// Each quiet period after one or more mutations fires every listener
// exactly once with the current snapshot.
func (r *Registry) OnChange(fn func(Snapshot)) {
	r.listenersMu.Lock()
	r.listeners = append(r.listeners, fn)
	r.listenersMu.Unlock()
}

// Start launches the receive loop. The loop runs until ctx is cancelled,
// Stop is called, or the socket fails.
func (r *Registry) Start(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	r.wg.Add(1)
	go r.receiveLoop(ctx)

	r.logger.Info("plug registry started", "local_addr", r.transport.LocalAddr().String())
	return nil
}

// Stop signals the receive loop, waits for it to exit and closes the socket.
// It is safe to call more than once.
func (r *Registry) Stop() error {
	var err error
	r.stopOnce.Do(func() {
		r.done.Close()
		if r.started.CompareAndSwap(false, true) {
			close(r.exited)
		}
		r.wg.Wait()
		err = r.transport.Close()
		r.logger.Info("plug registry stopped")
	})
	return err
}

// Done is closed when the receive loop has exited.
func (r *Registry) Done() <-chan struct{} {
	return r.exited
}

// Err returns the transport failure that stopped the receive loop, if any.
func (r *Registry) Err() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}

// Snapshot returns the current immutable device map.
func (r *Registry) Snapshot() Snapshot {
	return *r.snap.Load()
}

// Device returns one device with its last unlock time merged in.
func (r *Registry) Device(addr Address) (Device, bool) {
	d, ok := r.Snapshot().Get(addr)
	if !ok {
		return Device{}, false
	}
	r.enabledMu.Lock()
	d.LastEnabled = r.lastEnabled[addr]
	r.enabledMu.Unlock()
	return d, true
}

// Devices returns every device ordered by address with last unlock
// times merged in.
func (r *Registry) Devices() []Device {
	devices := r.Snapshot().Devices()
	r.enabledMu.Lock()
	for i := range devices {
		devices[i].LastEnabled = r.lastEnabled[devices[i].Address]
	}
	r.enabledMu.Unlock()
	return devices
}

// Plug returns a command handle for addr. The plug need not be known yet;
// commands to an unknown plug are broadcast.
func (r *Registry) Plug(addr Address) *Plug {
	return &Plug{addr: addr, reg: r}
}

// SetPowerState is shorthand for r.Plug(addr).SetPowerState(ctx, on).
func (r *Registry) SetPowerState(ctx context.Context, addr Address, on bool) error {
	return r.Plug(addr).SetPowerState(ctx, on)
}

// Discover broadcasts a discovery request. Replies arrive asynchronously
// through the receive loop.
func (r *Registry) Discover() error {
	frame, err := EncodeFrame(CmdDiscover, nil)
	if err != nil {
		return err
	}
	if err := r.transport.Broadcast(frame); err != nil {
		r.errorsTotal.Add(1)
		return fmt.Errorf("discover: %w", err)
	}
	r.framesTx.Add(1)
	r.discoveries.Add(1)
	r.logger.Debug("discovery broadcast sent")
	return nil
}

// NetworkChanged tells the registry the host's addresses may have changed.
func (r *Registry) NetworkChanged() {
	r.transport.NetworkChanged()
}

// WatchNetwork follows host address and link changes until ctx is
// cancelled. See Transport.WatchNetwork.
func (r *Registry) WatchNetwork(ctx context.Context) error {
	return r.transport.WatchNetwork(ctx)
}

// Stats returns current operational statistics.
func (r *Registry) Stats() RegistryStats {
	snap := r.Snapshot()
	var last time.Time
	if ts := r.lastActivity.Load(); ts > 0 {
		last = time.Unix(0, ts)
	}
	return RegistryStats{
		FramesRx:      r.framesRx.Load(),
		FramesTx:      r.framesTx.Load(),
		FramesDropped: r.framesDropped.Load(),
		Discoveries:   r.discoveries.Load(),
		Notifications: r.notifications.Load(),
		ErrorsTotal:   r.errorsTotal.Load(),
		Devices:       snap.Len(),
		Generation:    snap.Generation,
		LastActivity:  last,
	}
}

// send encodes and sends one command to addr, unicast when its IP is known.
func (r *Registry) send(addr Address, cmd Command, payload []byte) error {
	frame, err := EncodeFrame(cmd, payload)
	if err != nil {
		return err
	}

	var sendErr error
	if d, ok := r.Snapshot().Get(addr); ok && d.IP.IsValid() {
		sendErr = r.transport.SendTo(d.IP, frame)
	} else {
		sendErr = r.transport.Broadcast(frame)
	}
	if sendErr != nil {
		r.errorsTotal.Add(1)
		return sendErr
	}

	r.framesTx.Add(1)
	if cmd == CmdUnlock {
		r.enabledMu.Lock()
		r.lastEnabled[addr] = r.now()
		r.enabledMu.Unlock()
	}
	return nil
}

// receiveLoop reads datagrams until shutdown or a socket failure.
func (r *Registry) receiveLoop(ctx context.Context) {
	defer r.wg.Done()
	defer close(r.exited)

	buf := make([]byte, MaxFrameSize)
	var (
		pending bool
		quietAt time.Time
	)

	for {
		select {
		case <-r.done.Done():
			return
		case <-ctx.Done():
			return
		default:
		}

		n, src, err := r.transport.Read(buf, r.cfg.PollInterval)
		now := r.now()

		if err != nil && !isTimeout(err) {
			if r.isClosed() {
				return
			}
			r.fail(err)
			return
		}

		if err == nil && r.handleDatagram(buf[:n], src, now) {
			pending = true
			quietAt = now.Add(r.cfg.Debounce)
		}

		if pending && !now.Before(quietAt) {
			pending = false
			r.settle()
		}
	}
}

// handleDatagram processes one datagram and reports whether the device
// map changed.
func (r *Registry) handleDatagram(data []byte, src netip.Addr, now time.Time) bool {
	if r.transport.IsLocal(src) {
		r.framesDropped.Add(1)
		return false
	}

	frame, err := DecodeFrame(data)
	if err != nil {
		r.framesDropped.Add(1)
		r.logger.Debug("dropping datagram", "src", src.String(), "error", err)
		return false
	}

	r.framesRx.Add(1)
	r.lastActivity.Store(now.UnixNano())

	switch frame.Command {
	case CmdDiscover:
		resp, err := ParseDiscoverResponse(frame.Payload)
		if err != nil {
			r.framesDropped.Add(1)
			r.logger.Debug("dropping discover frame", "src", src.String(), "error", err)
			return false
		}
		r.upsert(resp.Address, src, now, func(d *Device) {
			d.Firmware = resp.Firmware
			d.On = resp.On
		})
		return true

	case CmdPowerChanged, CmdSetPower:
		status, err := ParsePowerStatus(frame.Payload)
		if err != nil {
			r.framesDropped.Add(1)
			r.logger.Debug("dropping status frame", "src", src.String(), "command", frame.Command.String(), "error", err)
			return false
		}
		if _, known := r.Snapshot().Get(status.Address); !known {
			r.logger.Info("status from unknown plug, rediscovering", "address", status.Address.String(), "src", src.String())
			if err := r.Discover(); err != nil {
				r.logger.Warn("rediscovery failed", "error", err)
			}
			return false
		}
		r.upsert(status.Address, src, now, func(d *Device) {
			d.On = status.On
		})
		return true

	case CmdUnlock:
		return false

	default:
		r.framesDropped.Add(1)
		r.logger.Debug("ignoring frame", "src", src.String(), "error", fmt.Errorf("%w: %s", ErrUnknownCommand, frame.Command))
		return false
	}
}

// upsert applies mutate to the device at addr, creating it if needed,
// and publishes a new snapshot.
func (r *Registry) upsert(addr Address, src netip.Addr, now time.Time, mutate func(*Device)) {
	cur := r.Snapshot()
	d, known := cur.Get(addr)
	if !known {
		d = Device{Address: addr}
	}
	mutate(&d)
	d.LastSeen = now
	if src.IsValid() {
		d.IP = src
	}

	next := cur.with(d)
	r.snap.Store(&next)

	if !known {
		r.logger.Info("plug discovered", "address", addr.String(), "ip", src.String(), "firmware", d.Firmware, "on", d.On)
	}
}

// settle runs after the debounce window: every known plug is unlocked
// again and listeners are notified once.
func (r *Registry) settle() {
	snap := r.Snapshot()
	for _, d := range snap.Devices() {
		if err := r.Plug(d.Address).Unlock(); err != nil {
			r.logger.Warn("unlock failed", "address", d.Address.String(), "error", err)
		}
	}

	r.listenersMu.RLock()
	listeners := make([]func(Snapshot), len(r.listeners))
	copy(listeners, r.listeners)
	r.listenersMu.RUnlock()

	r.notifications.Add(1)
	for _, fn := range listeners {
		fn(snap)
	}
}

func (r *Registry) fail(err error) {
	r.errorsTotal.Add(1)
	r.errMu.Lock()
	r.err = fmt.Errorf("%w: %w", ErrTransportFailed, err)
	r.errMu.Unlock()
	r.logger.Error("receive loop stopped", "error", err)
}

func (r *Registry) isClosed() bool {
	select {
	case <-r.done.Done():
		return true
	default:
		return false
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
