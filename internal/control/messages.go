package control

import "time"

// Command names accepted on the command topic.
const (
	CommandOn     = "on"
	CommandOff    = "off"
	CommandToggle = "toggle"
)

// Request actions accepted on the request topic.
const (
	RequestDiscover       = "discover"
	RequestClearOverrides = "clear_overrides"
)

// CommandMessage is a power command for one plug.
// Topic: graylogic/command/plug/{address}
type CommandMessage struct {
	// ID correlates the acknowledgement. One is generated when empty.
	ID      string `json:"id,omitempty"`
	Command string `json:"command"`
	Source  string `json:"source,omitempty"`
}

// AckStatus is the outcome of a command.
type AckStatus string

const (
	// AckAccepted means the command was queued for sending.
	AckAccepted AckStatus = "accepted"

	// AckFailed means the command was rejected.
	AckFailed AckStatus = "failed"
)

// Error codes carried in failed acknowledgements.
const (
	ErrCodeInvalidAddress = "INVALID_ADDRESS"
	ErrCodeInvalidCommand = "INVALID_COMMAND"
	ErrCodeUnknownDevice  = "UNKNOWN_DEVICE"
	ErrCodeNotDiscovered  = "NOT_DISCOVERED"
	ErrCodeInternal       = "INTERNAL_ERROR"
)

// AckMessage acknowledges a CommandMessage.
// Topic: graylogic/ack/plug/{address}
type AckMessage struct {
	CommandID     string     `json:"command_id"`
	Timestamp     time.Time  `json:"timestamp"`
	Address       string     `json:"address"`
	Status        AckStatus  `json:"status"`
	On            *bool      `json:"on,omitempty"`
	OverrideUntil *time.Time `json:"override_until,omitempty"`
	Error         *AckError  `json:"error,omitempty"`
}

// AckError describes a failed command.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StateMessage is the retained state of one plug.
// Topic: graylogic/state/plug/{address}
type StateMessage struct {
	Address    string    `json:"address"`
	Name       string    `json:"name"`
	On         bool      `json:"on"`
	Online     bool      `json:"online"`
	Overridden bool      `json:"overridden"`
	Scheduled  bool      `json:"scheduled"`
	Firmware   string    `json:"firmware,omitempty"`
	LastSeen   time.Time `json:"last_seen,omitzero"`
}

// RequestMessage is a service-wide request.
// Topic: graylogic/request/plug/{action}
type RequestMessage struct {
	ID string `json:"id,omitempty"`
}

// ResponseMessage answers a RequestMessage.
// Topic: graylogic/response/plug/{action}
type ResponseMessage struct {
	RequestID string    `json:"request_id"`
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
}
