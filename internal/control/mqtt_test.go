package control

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-plugs/internal/audit"
	"github.com/nerrad567/gray-logic-plugs/internal/bridges/plug"
	"github.com/nerrad567/gray-logic-plugs/internal/infrastructure/mqtt"
)

type published struct {
	topic    string
	payload  []byte
	retained bool
}

type mockBus struct {
	mu       sync.Mutex
	pubs     []published
	subs     map[string]mqtt.MessageHandler
	pubErr   error
	subErrOn string
}

func newMockBus() *mockBus {
	return &mockBus{subs: make(map[string]mqtt.MessageHandler)}
}

func (b *mockBus) PublishJSON(topic string, v any, retained bool) error {
	if b.pubErr != nil {
		return b.pubErr
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.pubs = append(b.pubs, published{topic, payload, retained})
	b.mu.Unlock()
	return nil
}

func (b *mockBus) Subscribe(topic string, _ byte, h mqtt.MessageHandler) error {
	if topic == b.subErrOn {
		return mqtt.ErrNotConnected
	}
	b.subs[topic] = h
	return nil
}

func (b *mockBus) Unsubscribe(topic string) error {
	if _, ok := b.subs[topic]; !ok {
		return mqtt.ErrUnsubscribeFailed
	}
	delete(b.subs, topic)
	return nil
}

func (b *mockBus) QoS() byte { return 1 }

func (b *mockBus) take() []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.pubs
	b.pubs = nil
	return out
}

func newTestSurface(t *testing.T, devices ...plug.Device) (*MQTTSurface, *mockBus, *fixture) {
	t.Helper()
	f := newFixture(t, devices...)
	bus := newMockBus()
	s := NewMQTTSurface(f.svc, bus, nil)
	s.newID = func() string { return "generated-id" }
	s.now = func() time.Time { return time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC) }
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return s, bus, f
}

func decodeAck(t *testing.T, p published) AckMessage {
	t.Helper()
	var ack AckMessage
	if err := json.Unmarshal(p.payload, &ack); err != nil {
		t.Fatalf("ack not JSON: %v", err)
	}
	return ack
}

func TestMQTTSurface_StartSubscribes(t *testing.T) {
	_, bus, _ := newTestSurface(t)
	topics := mqtt.Topics{}
	for _, topic := range []string{topics.AllPlugCommands(), topics.AllPlugRequests()} {
		if _, ok := bus.subs[topic]; !ok {
			t.Errorf("not subscribed to %s", topic)
		}
	}

	f := newFixture(t)
	failing := newMockBus()
	failing.subErrOn = topics.AllPlugRequests()
	if err := NewMQTTSurface(f.svc, failing, nil).Start(); !errors.Is(err, mqtt.ErrNotConnected) {
		t.Errorf("Start() error = %v, want ErrNotConnected", err)
	}
}

func TestMQTTSurface_Command(t *testing.T) {
	tests := []struct {
		name     string
		topic    string
		payload  string
		status   AckStatus
		code     string
		wantID   string
		wantSent *powerCall
	}{
		{"on with id", "graylogic/command/plug/accf23000001", `{"id":"c1","command":"on"}`, AckAccepted, "", "c1", &powerCall{addrA, true}},
		{"off without id", "graylogic/command/plug/ac:cf:23:00:00:01", `{"command":"off"}`, AckAccepted, "", "generated-id", &powerCall{addrA, false}},
		{"toggle", "graylogic/command/plug/accf23000001", `{"command":"toggle"}`, AckAccepted, "", "generated-id", &powerCall{addrA, true}},
		{"bad command", "graylogic/command/plug/accf23000001", `{"command":"dim"}`, AckFailed, ErrCodeInvalidCommand, "generated-id", nil},
		{"bad address", "graylogic/command/plug/nope", `{"command":"on"}`, AckFailed, ErrCodeInvalidAddress, "generated-id", nil},
		{"unknown plug", "graylogic/command/plug/accf23000009", `{"command":"on"}`, AckFailed, ErrCodeUnknownDevice, "generated-id", nil},
		{"bad json", "graylogic/command/plug/accf23000001", `{`, AckFailed, ErrCodeInvalidCommand, "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, bus, f := newTestSurface(t, plug.Device{Address: addrA})

			err := s.handleCommand(tt.topic, []byte(tt.payload))
			if (err == nil) != (tt.status == AckAccepted) {
				t.Errorf("handleCommand() error = %v", err)
			}

			pubs := bus.take()
			if len(pubs) != 1 {
				t.Fatalf("published %d messages, want 1 ack", len(pubs))
			}
			if !strings.HasPrefix(pubs[0].topic, "graylogic/ack/plug/") || pubs[0].retained {
				t.Errorf("ack topic %q retained=%v", pubs[0].topic, pubs[0].retained)
			}

			ack := decodeAck(t, pubs[0])
			if ack.Status != tt.status || ack.CommandID != tt.wantID {
				t.Errorf("ack = %+v", ack)
			}
			if tt.code != "" && (ack.Error == nil || ack.Error.Code != tt.code) {
				t.Errorf("ack error = %+v, want code %s", ack.Error, tt.code)
			}
			if tt.wantSent != nil {
				if got := waitSent(t, f.reg); got != *tt.wantSent {
					t.Errorf("sent %+v, want %+v", got, *tt.wantSent)
				}
				if ack.Address != "accf23000001" {
					t.Errorf("ack address = %q", ack.Address)
				}
			}
		})
	}
}

func TestMQTTSurface_CommandReportsOverride(t *testing.T) {
	s, bus, f := newTestSurface(t, plug.Device{Address: addrA})
	f.sched.scheduled[addrA] = true

	if err := s.handleCommand("graylogic/command/plug/accf23000001", []byte(`{"command":"on"}`)); err != nil {
		t.Fatalf("handleCommand() error = %v", err)
	}
	ack := decodeAck(t, bus.take()[0])
	if ack.OverrideUntil == nil || !ack.OverrideUntil.Equal(f.sched.expiryTime) {
		t.Errorf("override_until = %v, want %v", ack.OverrideUntil, f.sched.expiryTime)
	}
	waitSent(t, f.reg)
}

func TestMQTTSurface_Requests(t *testing.T) {
	s, bus, f := newTestSurface(t)

	if err := s.handleRequest("graylogic/request/plug/discover", []byte(`{"id":"r1"}`)); err != nil {
		t.Errorf("discover error = %v", err)
	}
	if err := s.handleRequest("graylogic/request/plug/clear_overrides", nil); err != nil {
		t.Errorf("clear_overrides error = %v", err)
	}
	if err := s.handleRequest("graylogic/request/plug/reboot", nil); err == nil {
		t.Error("unknown request accepted")
	}

	if f.reg.discover != 1 || f.sched.cleared != 1 {
		t.Errorf("discover=%d cleared=%d", f.reg.discover, f.sched.cleared)
	}

	pubs := bus.take()
	if len(pubs) != 3 {
		t.Fatalf("published %d responses, want 3", len(pubs))
	}
	var resp ResponseMessage
	if err := json.Unmarshal(pubs[0].payload, &resp); err != nil {
		t.Fatal(err)
	}
	if pubs[0].topic != "graylogic/response/plug/discover" || resp.RequestID != "r1" || !resp.Success {
		t.Errorf("response %s = %+v", pubs[0].topic, resp)
	}
	if err := json.Unmarshal(pubs[2].payload, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Success || resp.Error == "" {
		t.Errorf("unknown request response = %+v", resp)
	}
}

func TestMQTTSurface_PublishStatesOnlyOnChange(t *testing.T) {
	s, bus, _ := newTestSurface(t)

	views := []DeviceView{
		{Device: plug.Device{Address: addrA, On: true}, Name: "Porch", Discovered: true, Online: true},
		{Device: plug.Device{Address: addrB}, Name: "Fan", Discovered: true},
	}
	s.PublishStates(views)

	pubs := bus.take()
	if len(pubs) != 2 {
		t.Fatalf("published %d states, want 2", len(pubs))
	}
	if pubs[0].topic != "graylogic/state/plug/accf23000001" || !pubs[0].retained {
		t.Errorf("state published to %q retained=%v", pubs[0].topic, pubs[0].retained)
	}
	var msg StateMessage
	if err := json.Unmarshal(pubs[0].payload, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Name != "Porch" || !msg.On || !msg.Online {
		t.Errorf("state = %+v", msg)
	}

	// Unchanged plugs are skipped.
	views[1].On = true
	s.PublishStates(views)
	if pubs := bus.take(); len(pubs) != 1 || pubs[0].topic != "graylogic/state/plug/accf23000002" {
		t.Errorf("republished %v", pubs)
	}

	s.ResetPublished()
	s.PublishStates(views)
	if pubs := bus.take(); len(pubs) != 2 {
		t.Errorf("after reset published %d, want 2", len(pubs))
	}
}

func TestMQTTSurface_PublishFailureRetried(t *testing.T) {
	s, bus, _ := newTestSurface(t)
	views := []DeviceView{{Device: plug.Device{Address: addrA}, Name: "Porch"}}

	bus.pubErr = mqtt.ErrNotConnected
	s.PublishStates(views)

	bus.pubErr = nil
	s.PublishStates(views)
	if pubs := bus.take(); len(pubs) != 1 {
		t.Errorf("state not republished after failure: %d", len(pubs))
	}
}

func TestMQTTSurface_AuditSource(t *testing.T) {
	s, _, f := newTestSurface(t, plug.Device{Address: addrA})
	auditor := &recordingAuditor{}
	f.svc.SetAuditor(auditor)

	if err := s.handleCommand("graylogic/command/plug/accf23000001", []byte(`{"command":"on","source":"panel-1"}`)); err != nil {
		t.Fatalf("handleCommand() error = %v", err)
	}
	waitSent(t, f.reg)
	if err := s.handleRequest("graylogic/request/plug/discover", nil); err != nil {
		t.Fatalf("handleRequest() error = %v", err)
	}

	want := []string{audit.ActionPower + "@mqtt:panel-1", audit.ActionDiscover + "@" + SourceMQTT}
	got := auditor.actions()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("audit actions = %v, want %v", got, want)
	}
}

func TestMQTTSurface_StopUnsubscribes(t *testing.T) {
	s, bus, _ := newTestSurface(t)

	if len(bus.subs) != 2 {
		t.Fatalf("subscriptions after Start = %d, want 2", len(bus.subs))
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if len(bus.subs) != 0 {
		t.Errorf("subscriptions after Stop = %v, want none", bus.subs)
	}
	if err := s.Stop(); !errors.Is(err, mqtt.ErrUnsubscribeFailed) {
		t.Errorf("second Stop() error = %v, want ErrUnsubscribeFailed", err)
	}
}
