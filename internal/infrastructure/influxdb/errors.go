package influxdb

import "errors"

var (
	// ErrNotConnected is returned once the client is closed or before the
	// first successful ping.
	ErrNotConnected = errors.New("influxdb: not connected")

	// ErrConnectionFailed wraps a failed or unhealthy startup ping.
	ErrConnectionFailed = errors.New("influxdb: connection failed")

	// ErrDisabled is returned by Connect when telemetry is turned off.
	ErrDisabled = errors.New("influxdb: disabled in configuration")
)
