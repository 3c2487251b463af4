package plug

import (
	"context"
	"fmt"
	"net/netip"
	"slices"
	"time"
)

// Device is a point-in-time view of one plug.
//
// Devices are created by the registry the first time a valid discovery
// response arrives and are never removed; a plug that stops answering
// simply stops having its LastSeen refreshed.
type Device struct {
	Address  Address   `json:"address"`
	Firmware string    `json:"firmware"`
	On       bool      `json:"on"`
	LastSeen time.Time `json:"last_seen"`

	// LastEnabled is when the last unlock was sent to this plug.
	LastEnabled time.Time `json:"last_enabled,omitzero"`

	// IP is the source address of the last frame from this plug.
	// Commands are unicast here when known and broadcast otherwise.
	IP netip.Addr `json:"ip,omitzero"`
}

// SeenSince reports whether the plug has been heard from at or after t.
func (d Device) SeenSince(t time.Time) bool {
	return !d.LastSeen.IsZero() && !d.LastSeen.Before(t)
}

// Snapshot is an immutable view of the device map.
//
// The registry replaces the whole snapshot on every mutation, so a
// Snapshot obtained once stays consistent for as long as the caller
// holds it. Generation increases with every replacement.
type Snapshot struct {
	Generation uint64
	devices    map[Address]Device
}

// NewSnapshot builds a snapshot from a list of devices. Later entries
// replace earlier ones with the same address.
func NewSnapshot(generation uint64, devices ...Device) Snapshot {
	m := make(map[Address]Device, len(devices))
	for _, d := range devices {
		m[d.Address] = d
	}
	return Snapshot{Generation: generation, devices: m}
}

// Get returns the device with the given address.
func (s Snapshot) Get(addr Address) (Device, bool) {
	d, ok := s.devices[addr]
	return d, ok
}

// Len returns the number of known devices.
func (s Snapshot) Len() int {
	return len(s.devices)
}

// Devices returns every device ordered by address.
func (s Snapshot) Devices() []Device {
	out := make([]Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b Device) int {
		switch {
		case a.Address < b.Address:
			return -1
		case a.Address > b.Address:
			return 1
		default:
			return 0
		}
	})
	return out
}

// with returns a copy of s with d inserted or replaced.
func (s Snapshot) with(d Device) Snapshot {
	next := make(map[Address]Device, len(s.devices)+1)
	for k, v := range s.devices {
		next[k] = v
	}
	next[d.Address] = d
	return Snapshot{Generation: s.Generation + 1, devices: next}
}

// Plug issues commands to a single device.
type Plug struct {
	addr Address
	reg  *Registry
}

// Address returns the plug's hardware address.
func (p *Plug) Address() Address {
	return p.addr
}

// Unlock subscribes to the plug so it accepts restricted commands.
// It is idempotent.
func (p *Plug) Unlock() error {
	return p.reg.send(p.addr, CmdUnlock, UnlockPayload(p.addr))
}

// SetPowerState switches the plug on or off.
//
// The plug is unlocked first and the registry's settle interval is
// allowed to elapse before the power command is sent, so the call blocks
// for at least that long. No acknowledgement is awaited: the resulting
// state arrives later as a status push or discovery response.
//
// Parameters:
//   - ctx: Cancels the settle wait
//   - on: Target relay state
//
// Returns:
//   - error: Send failure or ctx error
func (p *Plug) SetPowerState(ctx context.Context, on bool) error {
	if err := p.Unlock(); err != nil {
		return fmt.Errorf("unlock %s: %w", p.addr, err)
	}

	settle := time.NewTimer(p.reg.cfg.SettleInterval)
	defer settle.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-settle.C:
	}

	if err := p.reg.send(p.addr, CmdSetPower, SetPowerPayload(p.addr, on)); err != nil {
		return fmt.Errorf("set power %s: %w", p.addr, err)
	}
	return nil
}
