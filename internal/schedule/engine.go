package schedule

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-plugs/internal/bridges/plug"
)

// Default engine timings.
const (
	// DefaultDiscoveryInterval is the longest the engine goes without a
	// discovery broadcast, and the age after which a plug counts as missing.
	DefaultDiscoveryInterval = 25 * time.Minute

	// DefaultRecheckInterval is how soon a plug is re-examined after a command.
	DefaultRecheckInterval = 5 * time.Minute

	// DefaultWakeSlack is added to every positive wait so the loop never
	// wakes fractionally before the event it is waiting for.
	DefaultWakeSlack = time.Second

	// DefaultDiscoveryPause separates a discovery broadcast from the
	// evaluation pass that follows it.
	DefaultDiscoveryPause = 100 * time.Millisecond
)

// Devices is the part of the plug registry the engine drives.
type Devices interface {
	Snapshot() plug.Snapshot
	Discover() error
	SetPowerState(ctx context.Context, addr plug.Address, on bool) error
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

// Config holds engine timings.
type Config struct {
	DiscoveryInterval time.Duration
	RecheckInterval   time.Duration
	WakeSlack         time.Duration
	DiscoveryPause    time.Duration

	// Location is the time zone schedule times are interpreted in.
	// Default: time.Local.
	Location *time.Location
}

// Engine is the schedule enforcement loop.
//
// Thread Safety:
//   - Exported methods are safe for concurrent use.
//   - Loop state (last discovery, missing flag) is touched only by the loop.
type Engine struct {
	cfg     Config
	devices Devices
	logger  Logger
	now     func() time.Time

	meta      atomic.Pointer[Snapshot]
	overrides *Overrides

	// wake has capacity one so concurrent requests coalesce.
	wake chan struct{}

	started  atomic.Bool
	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup

	lastDiscovery time.Time
	missing       bool
	attempts      map[plug.Address]int
}

// NewEngine creates a schedule engine.
//
// Parameters:
//   - devices: The plug registry to observe and command
//   - cfg: Timings; zero fields take defaults
//   - logger: Optional logger (nil disables logging)
func NewEngine(devices Devices, cfg Config, logger Logger) *Engine {
	if cfg.DiscoveryInterval == 0 {
		cfg.DiscoveryInterval = DefaultDiscoveryInterval
	}
	if cfg.RecheckInterval == 0 {
		cfg.RecheckInterval = DefaultRecheckInterval
	}
	if cfg.WakeSlack == 0 {
		cfg.WakeSlack = DefaultWakeSlack
	}
	if cfg.DiscoveryPause == 0 {
		cfg.DiscoveryPause = DefaultDiscoveryPause
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if logger == nil {
		logger = noopLogger{}
	}

	e := &Engine{
		cfg:       cfg,
		devices:   devices,
		logger:    logger,
		now:       time.Now,
		overrides: NewOverrides(),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		attempts:  make(map[plug.Address]int),
	}
	e.meta.Store(&Snapshot{})
	return e
}

// Start launches the control loop. The first cycle runs immediately and
// includes a discovery broadcast.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	e.wg.Add(1)
	go e.run(ctx)

	e.logger.Info("schedule engine started",
		"discovery_interval", e.cfg.DiscoveryInterval.String(),
		"location", e.cfg.Location.String(),
	)
	return nil
}

// Stop signals the loop and waits for it to exit. It is safe to call
// more than once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.done)
		e.wg.Wait()
		e.logger.Info("schedule engine stopped")
	})
}

// Wake requests an evaluation pass as soon as possible. Requests made
// while one is already pending collapse into it.
func (e *Engine) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// CommitMetadata replaces the metadata snapshot. Overrides for plugs
// whose schedule is no longer enforced are dropped and the loop is woken.
func (e *Engine) CommitMetadata(snap Snapshot) {
	e.meta.Store(&snap)

	dropped := e.overrides.Retain(func(addr plug.Address) bool {
		m, ok := snap.Get(addr)
		return ok && m.Scheduled()
	})
	if dropped > 0 {
		e.logger.Debug("dropped overrides for unscheduled plugs", "count", dropped)
	}

	e.Wake()
}

// Metadata returns the current metadata snapshot.
func (e *Engine) Metadata() Snapshot {
	return *e.meta.Load()
}

// RecordOverride suspends enforcement for addr until its next scheduled
// transition. Plugs without an enabled schedule are ignored.
//
// Returns:
//   - time.Time: When the override expires
//   - bool: false if the plug has no enabled schedule
func (e *Engine) RecordOverride(addr plug.Address) (time.Time, bool) {
	m, ok := e.Metadata().Get(addr)
	if !ok || !m.Scheduled() {
		return time.Time{}, false
	}

	expires, _ := NextEvent(e.now().In(e.cfg.Location), *m.OnTime, *m.OffTime)
	e.overrides.Set(addr, expires)

	// A CommitMetadata that disabled the schedule after the read above
	// ran its Retain before this entry existed.
	if m, ok := e.Metadata().Get(addr); !ok || !m.Scheduled() {
		e.overrides.CompareAndDelete(addr, expires)
		return time.Time{}, false
	}
	e.logger.Info("override recorded", "address", addr.String(), "expires", expires)
	return expires, true
}

// IsOverridden reports whether addr has an override that has not expired.
func (e *Engine) IsOverridden(addr plug.Address) bool {
	exp, ok := e.overrides.Get(addr)
	return ok && e.now().Before(exp)
}

// ClearOverrides removes every override and forces a re-evaluation.
func (e *Engine) ClearOverrides() {
	n := e.overrides.Clear()
	e.logger.Info("overrides cleared", "count", n)
	e.Wake()
}

// run is the control loop.
func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()

	wait := time.Duration(0)
	for {
		timer := time.NewTimer(wait)
		timedOut := false

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-e.done:
			timer.Stop()
			return
		case <-e.wake:
			timer.Stop()
		case <-timer.C:
			timedOut = true
		}

		wait = e.waitUntil(e.cycle(ctx, timedOut))
	}
}

// waitUntil returns how long to sleep before next. The wake slack is
// only added when there is something to wait for.
func (e *Engine) waitUntil(next time.Time) time.Duration {
	wait := next.Sub(e.now())
	if wait <= 0 {
		return 0
	}
	return wait + e.cfg.WakeSlack
}

// cycle runs one evaluation pass and returns when the next one is due.
func (e *Engine) cycle(ctx context.Context, timedOut bool) time.Time {
	now := e.now()

	if (e.missing && timedOut) || now.Sub(e.lastDiscovery) >= e.cfg.DiscoveryInterval {
		if err := e.devices.Discover(); err != nil {
			e.logger.Warn("discovery broadcast failed", "error", err)
		}
		e.lastDiscovery = now
		if !e.pause(ctx, e.cfg.DiscoveryPause) {
			return now
		}
		now = e.now()
	}

	e.missing = false
	next := e.lastDiscovery.Add(e.cfg.DiscoveryInterval)
	fold := func(t time.Time) {
		if t.Before(next) {
			next = t
		}
	}

	meta := e.Metadata()
	devices := e.devices.Snapshot()
	local := now.In(e.cfg.Location)
	staleBefore := now.Add(-e.cfg.DiscoveryInterval)

	for _, addr := range meta.Addresses() {
		if ctx.Err() != nil {
			return now
		}

		m, _ := meta.Get(addr)
		if !m.Scheduled() {
			continue
		}

		if exp, ok := e.overrides.Get(addr); ok {
			if now.Before(exp) {
				fold(exp)
				continue
			}
			if !e.overrides.CompareAndDelete(addr, exp) {
				continue
			}
			e.logger.Debug("override expired", "address", addr.String())
		}

		at, turnsOn := NextEvent(local, *m.OnTime, *m.OffTime)
		expected := !turnsOn
		fold(at)

		d, ok := devices.Get(addr)
		if !ok || !d.SeenSince(staleBefore) {
			e.missing = true
			delete(e.attempts, addr)
			continue
		}

		if d.On == expected {
			delete(e.attempts, addr)
			continue
		}

		e.attempts[addr]++
		e.logger.Info("enforcing schedule",
			"address", addr.String(),
			"name", m.Name,
			"on", expected,
			"attempt", e.attempts[addr],
		)
		if err := e.devices.SetPowerState(ctx, addr, expected); err != nil {
			e.logger.Warn("set power state failed", "address", addr.String(), "error", err)
		}
		fold(now.Add(e.cfg.RecheckInterval))
	}

	return next
}

// pause sleeps for d unless ctx or Stop intervenes first.
func (e *Engine) pause(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-e.done:
		return false
	case <-t.C:
		return true
	}
}
