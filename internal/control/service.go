package control

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-plugs/internal/audit"
	"github.com/nerrad567/gray-logic-plugs/internal/bridges/plug"
	"github.com/nerrad567/gray-logic-plugs/internal/metadata"
	"github.com/nerrad567/gray-logic-plugs/internal/schedule"
)

// Default service settings.
const (
	// DefaultStaleAfter matches the engine's discovery interval.
	DefaultStaleAfter = schedule.DefaultDiscoveryInterval

	// DefaultCommandTimeout bounds one background power command.
	DefaultCommandTimeout = 5 * time.Second
)

// Registry is the part of plug.Registry the service uses.
type Registry interface {
	Snapshot() plug.Snapshot
	Discover() error
	SetPowerState(ctx context.Context, addr plug.Address, on bool) error
}

// Scheduler is the part of schedule.Engine the service uses.
type Scheduler interface {
	RecordOverride(addr plug.Address) (time.Time, bool)
	IsOverridden(addr plug.Address) bool
	ClearOverrides()
}

// MetadataStore is the part of metadata.Store the service uses.
type MetadataStore interface {
	Snapshot() schedule.Snapshot
	Begin() *metadata.Tx
}

// Auditor stores audit entries. audit.SQLiteRepository implements it.
type Auditor interface {
	Create(ctx context.Context, e *audit.Entry) error
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

// Config holds service settings.
type Config struct {
	// StaleAfter is how long a plug may stay silent before it is shown
	// offline. Default: 25m.
	StaleAfter time.Duration

	// CommandTimeout bounds each background power command. Default: 5s.
	CommandTimeout time.Duration

	// Location is the time zone schedule times are interpreted in.
	// Default: time.Local.
	Location *time.Location
}

// DeviceView is a plug as shown to users: registry state merged with
// its stored name and schedule.
type DeviceView struct {
	plug.Device

	Name            string              `json:"name"`
	ScheduleEnabled bool                `json:"schedule_enabled"`
	OnTime          *schedule.TimeOfDay `json:"on_time,omitempty"`
	OffTime         *schedule.TimeOfDay `json:"off_time,omitempty"`

	// Discovered is false for plugs known only from stored metadata.
	Discovered bool `json:"discovered"`
	Online     bool `json:"online"`
	Overridden bool `json:"overridden"`

	// ScheduledOn is the state the schedule currently calls for; nil when
	// the plug has no enabled schedule.
	ScheduledOn *bool `json:"scheduled_on,omitempty"`
}

// CommandResult describes an accepted power command.
type CommandResult struct {
	Address plug.Address `json:"address"`
	On      bool         `json:"on"`

	// OverrideUntil is set when the command suspended schedule enforcement.
	OverrideUntil time.Time `json:"override_until,omitzero"`
}

// Service is the presentation-surface facade.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Service struct {
	cfg      Config
	registry Registry
	engine   Scheduler
	store    MetadataStore
	auditor  Auditor
	logger   Logger
	now      func() time.Time

	// closeMu orders command launches against Close.
	closeMu sync.RWMutex
	closed  bool

	// cmdCtx is cancelled by Close to abort in-flight commands.
	cmdCtx    context.Context
	cmdCancel context.CancelFunc
	cmdWG     sync.WaitGroup

	changes *changeFeed
}

// NewService creates a service. Call Start to begin change fan-out and
// Close to stop it.
func NewService(registry Registry, engine Scheduler, store MetadataStore, cfg Config, logger Logger) *Service {
	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if logger == nil {
		logger = noopLogger{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:       cfg,
		registry:  registry,
		engine:    engine,
		store:     store,
		logger:    logger,
		now:       time.Now,
		cmdCtx:    ctx,
		cmdCancel: cancel,
	}
	s.changes = newChangeFeed(s.Devices, logger)
	return s
}

// SetAuditor enables the audit trail. Call it before the service is used.
func (s *Service) SetAuditor(a Auditor) {
	s.auditor = a
}

// Start launches the change fan-out worker.
func (s *Service) Start(ctx context.Context) {
	s.changes.start(ctx)
}

// Close aborts in-flight commands and stops the fan-out worker.
func (s *Service) Close() {
	s.closeMu.Lock()
	s.closed = true
	s.closeMu.Unlock()

	s.cmdCancel()
	s.cmdWG.Wait()
	s.changes.stop()
}

// Subscribe registers fn to receive the full device list after every
// registry or metadata change. fn runs on the fan-out goroutine.
func (s *Service) Subscribe(fn func([]DeviceView)) {
	s.changes.subscribe(fn)
}

// NotifyRegistryChange queues a fan-out pass. It never blocks and is
// meant to be registered with plug.Registry.OnChange.
func (s *Service) NotifyRegistryChange(plug.Snapshot) {
	s.changes.notify()
}

// NotifyMetadataChange queues a fan-out pass after a metadata commit.
func (s *Service) NotifyMetadataChange(schedule.Snapshot) {
	s.changes.notify()
}

// Devices returns every discovered or configured plug ordered by address.
func (s *Service) Devices() []DeviceView {
	devices := s.registry.Snapshot()
	meta := s.store.Snapshot()

	views := make([]DeviceView, 0, devices.Len()+meta.Len())
	for _, d := range devices.Devices() {
		views = append(views, s.view(d, true, meta))
	}
	for _, addr := range meta.Addresses() {
		if _, ok := devices.Get(addr); ok {
			continue
		}
		views = append(views, s.view(plug.Device{Address: addr}, false, meta))
	}

	slices.SortFunc(views, func(a, b DeviceView) int {
		switch {
		case a.Address < b.Address:
			return -1
		case a.Address > b.Address:
			return 1
		default:
			return 0
		}
	})
	return views
}

// Device returns one plug.
func (s *Service) Device(addr plug.Address) (DeviceView, error) {
	meta := s.store.Snapshot()
	if d, ok := s.registry.Snapshot().Get(addr); ok {
		return s.view(d, true, meta), nil
	}
	if _, ok := meta.Get(addr); ok {
		return s.view(plug.Device{Address: addr}, false, meta), nil
	}
	return DeviceView{}, fmt.Errorf("%w: %s", ErrUnknownDevice, addr)
}

func (s *Service) view(d plug.Device, discovered bool, meta schedule.Snapshot) DeviceView {
	v := DeviceView{
		Device:     d,
		Name:       d.Address.String(),
		Discovered: discovered,
		Online:     discovered && d.SeenSince(s.now().Add(-s.cfg.StaleAfter)),
		Overridden: s.engine.IsOverridden(d.Address),
	}
	if m, ok := meta.Get(d.Address); ok {
		v.Name = m.Name
		v.ScheduleEnabled = m.ScheduleEnabled
		v.OnTime = m.OnTime
		v.OffTime = m.OffTime
		if m.Scheduled() {
			on := schedule.ExpectedState(s.now().In(s.cfg.Location), *m.OnTime, *m.OffTime)
			v.ScheduledOn = &on
		}
	}
	return v
}

// IsOverridden reports whether addr has an active manual override.
func (s *Service) IsOverridden(addr plug.Address) bool {
	return s.engine.IsOverridden(addr)
}

// Rediscover broadcasts a discovery request.
func (s *Service) Rediscover(ctx context.Context) error {
	if err := s.registry.Discover(); err != nil {
		return fmt.Errorf("discover: %w", err)
	}
	s.logger.Info("rediscovery requested", "source", sourceOf(ctx))
	s.record(ctx, audit.ActionDiscover, "", nil)
	return nil
}

// ClearOverrides drops every manual override and re-evaluates schedules.
func (s *Service) ClearOverrides(ctx context.Context) {
	s.engine.ClearOverrides()
	s.record(ctx, audit.ActionClearOverrides, "", nil)
	s.changes.notify()
}

// SetPower switches a plug on or off on behalf of a user.
//
// A scheduled plug gets an override lasting until its next transition so
// the engine does not immediately undo the change. The command is sent in
// the background; the resulting state arrives later through the registry.
func (s *Service) SetPower(ctx context.Context, addr plug.Address, on bool) (CommandResult, error) {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return CommandResult{}, ErrClosed
	}

	if _, ok := s.registry.Snapshot().Get(addr); !ok {
		if _, known := s.store.Snapshot().Get(addr); known {
			return CommandResult{}, fmt.Errorf("%w: %s", ErrDeviceOffline, addr)
		}
		return CommandResult{}, fmt.Errorf("%w: %s", ErrUnknownDevice, addr)
	}

	res := CommandResult{Address: addr, On: on}
	if until, ok := s.engine.RecordOverride(addr); ok {
		res.OverrideUntil = until
	}

	s.cmdWG.Add(1)
	go s.send(addr, on)

	details := map[string]any{"on": on}
	if !res.OverrideUntil.IsZero() {
		details["override_until"] = res.OverrideUntil.UTC().Format(time.RFC3339)
	}
	s.record(ctx, audit.ActionPower, addr.Compact(), details)

	s.changes.notify()
	return res, nil
}

// Toggle inverts a plug's last reported state.
func (s *Service) Toggle(ctx context.Context, addr plug.Address) (CommandResult, error) {
	d, ok := s.registry.Snapshot().Get(addr)
	if !ok {
		return s.SetPower(ctx, addr, true)
	}
	return s.SetPower(ctx, addr, !d.On)
}

func (s *Service) send(addr plug.Address, on bool) {
	defer s.cmdWG.Done()

	ctx, cancel := context.WithTimeout(s.cmdCtx, s.cfg.CommandTimeout)
	defer cancel()

	if err := s.registry.SetPowerState(ctx, addr, on); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.logger.Warn("manual power command failed", "address", addr.String(), "on", on, "error", err)
		return
	}
	s.logger.Info("manual power command sent", "address", addr.String(), "on", on)
}

// MetadataEdit changes a plug's stored metadata in place.
type MetadataEdit func(m *schedule.Metadata)

// UpdateMetadata applies edit to addr's metadata, creating a default
// record first if none exists, and commits it.
func (s *Service) UpdateMetadata(ctx context.Context, addr plug.Address, edit MetadataEdit) (schedule.Metadata, error) {
	tx := s.store.Begin()
	defer tx.Discard()

	m := tx.GetOrCreate(addr)
	edit(&m)
	if err := tx.Put(addr, m); err != nil {
		return schedule.Metadata{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return schedule.Metadata{}, fmt.Errorf("commit metadata: %w", err)
	}

	stored, _ := s.store.Snapshot().Get(addr)
	s.logger.Info("metadata updated", "address", addr.String(), "name", stored.Name, "scheduled", stored.Scheduled())

	details := map[string]any{"name": stored.Name, "schedule_enabled": stored.ScheduleEnabled}
	if stored.OnTime != nil {
		details["on_time"] = stored.OnTime.String()
	}
	if stored.OffTime != nil {
		details["off_time"] = stored.OffTime.String()
	}
	s.record(ctx, audit.ActionMetadataUpdate, addr.Compact(), details)
	return stored, nil
}

// DeleteMetadata removes addr's stored name and schedule.
func (s *Service) DeleteMetadata(ctx context.Context, addr plug.Address) error {
	if _, ok := s.store.Snapshot().Get(addr); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, addr)
	}

	tx := s.store.Begin()
	defer tx.Discard()

	if err := tx.Delete(addr); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit metadata: %w", err)
	}
	s.logger.Info("metadata deleted", "address", addr.String())
	s.record(ctx, audit.ActionMetadataDelete, addr.Compact(), nil)
	return nil
}

// record writes an audit entry. Failures are logged and otherwise ignored.
func (s *Service) record(ctx context.Context, action, address string, details map[string]any) {
	if s.auditor == nil {
		return
	}
	e := &audit.Entry{
		Action:  action,
		Address: address,
		Source:  sourceOf(ctx),
		Details: details,
	}
	if err := s.auditor.Create(context.WithoutCancel(ctx), e); err != nil {
		s.logger.Warn("writing audit entry failed", "action", action, "address", address, "error", err)
	}
}

type sourceKey struct{}

// SourceInternal is recorded when no surface tagged the context.
const SourceInternal = "internal"

// WithSource tags ctx with the surface making a change, e.g. "api".
func WithSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, sourceKey{}, source)
}

func sourceOf(ctx context.Context) string {
	if v, ok := ctx.Value(sourceKey{}).(string); ok && v != "" {
		return v
	}
	return SourceInternal
}
