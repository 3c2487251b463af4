package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-plugs/internal/bridges/plug"
	"github.com/nerrad567/gray-logic-plugs/internal/infrastructure/mqtt"
)

// Bus is the part of mqtt.Client the surface uses.
type Bus interface {
	PublishJSON(topic string, v any, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	QoS() byte
}

// SourceMQTT is the audit source of changes made over MQTT.
const SourceMQTT = "mqtt"

// MQTTSurface exposes the service over MQTT.
//
// State is published retained per plug and only when it changes.
// Commands and requests are handled on paho's goroutines.
type MQTTSurface struct {
	svc    *Service
	bus    Bus
	logger Logger
	topics mqtt.Topics
	now    func() time.Time
	newID  func() string

	mu        sync.Mutex
	published map[plug.Address]StateMessage
}

// NewMQTTSurface creates an MQTT surface for svc.
func NewMQTTSurface(svc *Service, bus Bus, logger Logger) *MQTTSurface {
	if logger == nil {
		logger = noopLogger{}
	}
	return &MQTTSurface{
		svc:       svc,
		bus:       bus,
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
		published: make(map[plug.Address]StateMessage),
	}
}

// Start subscribes to the command and request topics and registers for
// device changes.
func (m *MQTTSurface) Start() error {
	if err := m.bus.Subscribe(m.topics.AllPlugCommands(), m.bus.QoS(), m.handleCommand); err != nil {
		return fmt.Errorf("subscribing to commands: %w", err)
	}
	if err := m.bus.Subscribe(m.topics.AllPlugRequests(), m.bus.QoS(), m.handleRequest); err != nil {
		return fmt.Errorf("subscribing to requests: %w", err)
	}
	m.svc.Subscribe(m.PublishStates)
	return nil
}

// Stop drops the command and request subscriptions so no command is
// accepted while the service shuts down. Retained state stays published.
func (m *MQTTSurface) Stop() error {
	var errs []error
	for _, topic := range []string{m.topics.AllPlugCommands(), m.topics.AllPlugRequests()} {
		if err := m.bus.Unsubscribe(topic); err != nil {
			errs = append(errs, fmt.Errorf("unsubscribing from %s: %w", topic, err))
		}
	}
	return errors.Join(errs...)
}

// PublishStates publishes the retained state of every plug whose state
// differs from what was last published.
func (m *MQTTSurface) PublishStates(views []DeviceView) {
	for _, v := range views {
		msg := StateMessage{
			Address:    v.Address.Compact(),
			Name:       v.Name,
			On:         v.On,
			Online:     v.Online,
			Overridden: v.Overridden,
			Scheduled:  v.ScheduleEnabled,
			Firmware:   v.Firmware,
			LastSeen:   v.LastSeen,
		}

		m.mu.Lock()
		prev, seen := m.published[v.Address]
		m.mu.Unlock()
		if seen && prev == msg {
			continue
		}

		if err := m.bus.PublishJSON(m.topics.PlugState(msg.Address), msg, true); err != nil {
			m.logger.Warn("publishing plug state failed", "address", v.Address.String(), "error", err)
			continue
		}

		m.mu.Lock()
		m.published[v.Address] = msg
		m.mu.Unlock()
	}
}

// ResetPublished forgets what was published so the next change
// republishes every plug. Call it after a broker reconnect.
func (m *MQTTSurface) ResetPublished() {
	m.mu.Lock()
	clear(m.published)
	m.mu.Unlock()
	m.svc.changes.notify()
}

func (m *MQTTSurface) handleCommand(topic string, payload []byte) error {
	segment := mqtt.LastSegment(topic)

	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		m.ack(segment, CommandMessage{}, nil, ErrCodeInvalidCommand, err)
		return fmt.Errorf("decoding command: %w", err)
	}
	if cmd.ID == "" {
		cmd.ID = m.newID()
	}

	addr, err := plug.ParseAddress(segment)
	if err != nil {
		m.ack(segment, cmd, nil, ErrCodeInvalidAddress, err)
		return err
	}

	m.logger.Info("received plug command",
		"command_id", cmd.ID,
		"address", addr.String(),
		"command", cmd.Command,
		"source", cmd.Source,
	)

	ctx := m.sourceContext(cmd.Source)
	var res CommandResult
	switch cmd.Command {
	case CommandOn:
		res, err = m.svc.SetPower(ctx, addr, true)
	case CommandOff:
		res, err = m.svc.SetPower(ctx, addr, false)
	case CommandToggle:
		res, err = m.svc.Toggle(ctx, addr)
	default:
		err = fmt.Errorf("%w: %q", ErrInvalidCommand, cmd.Command)
	}
	if err != nil {
		m.ack(addr.Compact(), cmd, nil, errorCode(err), err)
		return err
	}

	m.ack(addr.Compact(), cmd, &res, "", nil)
	return nil
}

func (m *MQTTSurface) ack(address string, cmd CommandMessage, res *CommandResult, code string, cause error) {
	msg := AckMessage{
		CommandID: cmd.ID,
		Timestamp: m.now().UTC(),
		Address:   address,
		Status:    AckAccepted,
	}
	if cause != nil {
		msg.Status = AckFailed
		msg.Error = &AckError{Code: code, Message: cause.Error()}
	}
	if res != nil {
		on := res.On
		msg.On = &on
		if !res.OverrideUntil.IsZero() {
			until := res.OverrideUntil.UTC()
			msg.OverrideUntil = &until
		}
	}

	if err := m.bus.PublishJSON(m.topics.PlugAck(address), msg, false); err != nil {
		m.logger.Warn("publishing ack failed", "command_id", cmd.ID, "error", err)
	}
}

func (m *MQTTSurface) handleRequest(topic string, payload []byte) error {
	action := mqtt.LastSegment(topic)

	var req RequestMessage
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return fmt.Errorf("decoding request: %w", err)
		}
	}
	if req.ID == "" {
		req.ID = m.newID()
	}

	ctx := m.sourceContext("")
	var err error
	switch action {
	case RequestDiscover:
		err = m.svc.Rediscover(ctx)
	case RequestClearOverrides:
		m.svc.ClearOverrides(ctx)
	default:
		err = fmt.Errorf("unknown request %q", action)
	}

	resp := ResponseMessage{
		RequestID: req.ID,
		Action:    action,
		Timestamp: m.now().UTC(),
		Success:   err == nil,
	}
	if err != nil {
		resp.Error = err.Error()
	}
	if pubErr := m.bus.PublishJSON(m.topics.PlugResponse(action), resp, false); pubErr != nil {
		m.logger.Warn("publishing response failed", "request_id", req.ID, "error", pubErr)
	}
	return err
}

// sourceContext tags a handler context with the MQTT source, qualified by the
// sender's own name when it gave one.
func (m *MQTTSurface) sourceContext(sender string) context.Context {
	source := SourceMQTT
	if sender != "" {
		source += ":" + sender
	}
	return WithSource(context.Background(), source)
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidCommand):
		return ErrCodeInvalidCommand
	case errors.Is(err, ErrUnknownDevice):
		return ErrCodeUnknownDevice
	case errors.Is(err, ErrDeviceOffline):
		return ErrCodeNotDiscovered
	case errors.Is(err, plug.ErrInvalidAddress):
		return ErrCodeInvalidAddress
	default:
		return ErrCodeInternal
	}
}
