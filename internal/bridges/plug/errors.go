package plug

import "errors"

// Domain errors for the plug bridge package.
var (
	// ErrInvalidAddress is returned when a hardware address string
	// cannot be parsed.
	ErrInvalidAddress = errors.New("plug: invalid address")

	// ErrMalformedFrame is returned when a datagram is not a valid frame.
	ErrMalformedFrame = errors.New("plug: malformed frame")

	// ErrFrameTooLarge is returned when an encoded frame would not fit
	// in the 16-bit length field.
	ErrFrameTooLarge = errors.New("plug: frame too large")

	// ErrPayloadLength is returned when a payload is not exactly the
	// length its command requires.
	ErrPayloadLength = errors.New("plug: wrong payload length")

	// ErrUnknownCommand is returned for command ids the bridge does not handle.
	ErrUnknownCommand = errors.New("plug: unknown command")

	// ErrNotRunning is returned when an operation needs the receive loop.
	ErrNotRunning = errors.New("plug: registry not running")

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("plug: registry already started")

	// ErrTransportFailed is returned when the UDP socket fails irrecoverably.
	ErrTransportFailed = errors.New("plug: transport failed")
)
