package control

import "errors"

// Domain errors for the control package.
var (
	// ErrUnknownDevice is returned for an address neither discovered nor configured.
	ErrUnknownDevice = errors.New("control: unknown device")

	// ErrDeviceOffline is returned when a command targets a plug that has
	// never been discovered.
	ErrDeviceOffline = errors.New("control: device not discovered")

	// ErrInvalidCommand is returned for an unrecognised command name.
	ErrInvalidCommand = errors.New("control: invalid command")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("control: service closed")
)
