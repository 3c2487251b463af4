package plug

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const testAddr = Address(0xaccf23123456)

func TestRegistryDiscoveryCreatesDevice(t *testing.T) {
	reg, conn := newTestRegistry(t)

	var mu sync.Mutex
	var notified []Snapshot
	reg.OnChange(func(s Snapshot) {
		mu.Lock()
		notified = append(notified, s)
		mu.Unlock()
	})

	if err := reg.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	conn.deliver(t, "192.168.1.50", CmdDiscover, discoverResponsePayload(testAddr, "SOC002", true))
	conn.deliver(t, "192.168.1.50", CmdDiscover, discoverResponsePayload(testAddr, "SOC003", true))

	waitFor(t, "change notification", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(notified) > 0
	})

	// Both responses fall within one quiet window.
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	count := len(notified)
	snap := notified[0]
	mu.Unlock()
	if count != 1 {
		t.Errorf("notified %d times, want 1", count)
	}

	d, ok := snap.Get(testAddr)
	if !ok {
		t.Fatal("device missing from notified snapshot")
	}
	if d.Firmware != "SOC003" || !d.On {
		t.Errorf("device = %+v", d)
	}
	if d.IP != netip.MustParseAddr("192.168.1.50") {
		t.Errorf("IP = %v", d.IP)
	}
	if d.LastSeen.IsZero() {
		t.Error("LastSeen not set")
	}

	// The settle pass unlocks every known plug, unicast.
	sent := conn.sent()
	if len(sent) == 0 {
		t.Fatal("no unlock sent after debounce")
	}
	cmds := conn.sentCommands(t)
	if cmds[0] != CmdUnlock {
		t.Errorf("first command = %v, want %v", cmds[0], CmdUnlock)
	}
	if sent[0].dst.String() != "192.168.1.50:10000" {
		t.Errorf("unlock destination = %v", sent[0].dst)
	}

	full, _ := reg.Device(testAddr)
	if full.LastEnabled.IsZero() {
		t.Error("LastEnabled not recorded after unlock")
	}
}

func TestRegistryDropsSelfOriginated(t *testing.T) {
	reg, conn := newTestRegistry(t)
	if err := reg.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	conn.deliver(t, "192.168.1.10", CmdDiscover, discoverResponsePayload(testAddr, "SOC002", true))

	waitFor(t, "drop", func() bool { return reg.Stats().FramesDropped == 1 })
	if reg.Snapshot().Len() != 0 {
		t.Error("self-originated frame must not create a device")
	}
}

func TestRegistryDropsMalformed(t *testing.T) {
	reg, conn := newTestRegistry(t)
	if err := reg.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	frame, _ := EncodeFrame(CmdDiscover, discoverResponsePayload(testAddr, "SOC002", true))
	frame[3]++ // declared length no longer matches
	conn.in <- datagram{data: frame, src: udpAddr("192.168.1.50")}

	conn.deliver(t, "192.168.1.50", CmdDiscover, []byte{0x00, 0x01}) // short payload

	long := append(discoverResponsePayload(testAddr, "SOC002", true), 0, 0, 0, 0, 0)
	conn.deliver(t, "192.168.1.50", CmdDiscover, long)
	conn.deliver(t, "192.168.1.50", CmdPowerChanged, append(SetPowerPayload(testAddr, true), 0))

	waitFor(t, "drops", func() bool { return reg.Stats().FramesDropped == 4 })
	if reg.Snapshot().Len() != 0 {
		t.Error("malformed frames must not create devices")
	}
}

func TestRegistryStatusFromUnknownRediscovers(t *testing.T) {
	reg, conn := newTestRegistry(t)
	if err := reg.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	conn.deliver(t, "192.168.1.50", CmdPowerChanged, SetPowerPayload(testAddr, true))

	waitFor(t, "discovery broadcast", func() bool { return reg.Stats().Discoveries == 1 })

	sent := conn.sent()
	if len(sent) != 1 || sent[0].dst.String() != "255.255.255.255:10000" {
		t.Fatalf("sent = %+v, want one broadcast", sent)
	}
	if cmds := conn.sentCommands(t); cmds[0] != CmdDiscover {
		t.Errorf("command = %v, want %v", cmds[0], CmdDiscover)
	}
	if reg.Snapshot().Len() != 0 {
		t.Error("status from unknown plug must not create a device")
	}
}

func TestRegistryStatusUpdatesKnownDevice(t *testing.T) {
	reg, conn := newTestRegistry(t)
	if err := reg.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	conn.deliver(t, "192.168.1.50", CmdDiscover, discoverResponsePayload(testAddr, "SOC002", false))
	waitFor(t, "device", func() bool { return reg.Snapshot().Len() == 1 })
	gen := reg.Snapshot().Generation

	conn.deliver(t, "192.168.1.50", CmdPowerChanged, SetPowerPayload(testAddr, true))
	waitFor(t, "power change", func() bool {
		d, _ := reg.Snapshot().Get(testAddr)
		return d.On
	})

	if reg.Snapshot().Generation <= gen {
		t.Error("generation did not advance")
	}

	conn.deliver(t, "192.168.1.50", CmdSetPower, SetPowerPayload(testAddr, false))
	waitFor(t, "echo", func() bool {
		d, _ := reg.Snapshot().Get(testAddr)
		return !d.On
	})
}

func TestRegistryIgnoresUnlockResponses(t *testing.T) {
	reg, conn := newTestRegistry(t)
	if err := reg.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	conn.deliver(t, "192.168.1.50", CmdUnlock, append(UnlockPayload(testAddr), 0, 0, 0, 0, 0, 1))
	waitFor(t, "frame", func() bool { return reg.Stats().FramesRx == 1 })

	if reg.Snapshot().Len() != 0 || reg.Stats().FramesDropped != 0 {
		t.Errorf("unlock response should be ignored silently, stats = %+v", reg.Stats())
	}
}

func TestRegistrySnapshotIsImmutable(t *testing.T) {
	reg, conn := newTestRegistry(t)
	if err := reg.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	before := reg.Snapshot()
	conn.deliver(t, "192.168.1.50", CmdDiscover, discoverResponsePayload(testAddr, "SOC002", true))
	waitFor(t, "device", func() bool { return reg.Snapshot().Len() == 1 })

	if before.Len() != 0 {
		t.Error("earlier snapshot was mutated")
	}
}

func TestPlugSetPowerState(t *testing.T) {
	reg, conn := newTestRegistry(t)
	if err := reg.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	conn.deliver(t, "192.168.1.50", CmdDiscover, discoverResponsePayload(testAddr, "SOC002", false))
	waitFor(t, "settle pass", func() bool { return reg.Stats().Notifications == 1 })
	already := len(conn.sent())

	start := time.Now()
	if err := reg.SetPowerState(context.Background(), testAddr, true); err != nil {
		t.Fatalf("SetPowerState() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < reg.cfg.SettleInterval {
		t.Errorf("SetPowerState returned after %v, before the settle interval", elapsed)
	}

	sent := conn.sent()[already:]
	if len(sent) != 2 {
		t.Fatalf("sent %d frames, want unlock + set power", len(sent))
	}
	first, _ := DecodeFrame(sent[0].data)
	second, _ := DecodeFrame(sent[1].data)
	if first.Command != CmdUnlock || second.Command != CmdSetPower {
		t.Errorf("commands = %v, %v", first.Command, second.Command)
	}
	status, err := ParsePowerStatus(second.Payload)
	if err != nil || status.Address != testAddr || !status.On {
		t.Errorf("set power payload = %+v, %v", status, err)
	}
	for _, s := range sent {
		if s.dst.String() != "192.168.1.50:10000" {
			t.Errorf("destination = %v, want unicast", s.dst)
		}
	}
}

func TestPlugSetPowerStateUnknownBroadcasts(t *testing.T) {
	reg, conn := newTestRegistry(t)

	if err := reg.Plug(testAddr).SetPowerState(context.Background(), false); err != nil {
		t.Fatalf("SetPowerState() error = %v", err)
	}
	for _, s := range conn.sent() {
		if s.dst.String() != "255.255.255.255:10000" {
			t.Errorf("destination = %v, want broadcast", s.dst)
		}
	}
}

func TestPlugSetPowerStateCancelled(t *testing.T) {
	reg, conn := newTestRegistry(t)
	reg.cfg.SettleInterval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := reg.SetPowerState(ctx, testAddr, true)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("SetPowerState() error = %v, want context.Canceled", err)
	}
	if cmds := conn.sentCommands(t); len(cmds) != 1 || cmds[0] != CmdUnlock {
		t.Errorf("commands = %v, want only unlock", cmds)
	}
}

func TestRegistryTransportFailure(t *testing.T) {
	reg, conn := newTestRegistry(t)
	if err := reg.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	conn.failReads(errors.New("network is down"))

	select {
	case <-reg.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("receive loop did not exit")
	}
	if !errors.Is(reg.Err(), ErrTransportFailed) {
		t.Errorf("Err() = %v, want ErrTransportFailed", reg.Err())
	}
}

func TestRegistryStartStop(t *testing.T) {
	reg, _ := newTestRegistry(t)

	if err := reg.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := reg.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
	}

	var stops atomic.Int32
	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reg.Stop()
			stops.Add(1)
		}()
	}
	wg.Wait()

	if stops.Load() != 3 {
		t.Error("concurrent Stop calls did not all return")
	}
	select {
	case <-reg.Done():
	default:
		t.Error("Done() not closed after Stop")
	}
	if reg.Err() != nil {
		t.Errorf("Err() = %v after clean stop", reg.Err())
	}
}

func TestRegistryStopBeforeStart(t *testing.T) {
	reg, _ := newTestRegistry(t)
	reg.Stop()

	select {
	case <-reg.Done():
	default:
		t.Error("Done() not closed after Stop")
	}
}

func TestRegistryStopsOnContextCancel(t *testing.T) {
	reg, _ := newTestRegistry(t)

	ctx, cancel := context.WithCancel(context.Background())
	if err := reg.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	cancel()

	select {
	case <-reg.Done():
	case <-time.After(time.Second):
		t.Fatal("receive loop ignored cancellation")
	}
}
