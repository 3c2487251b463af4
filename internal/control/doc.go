// Package control joins the plug registry, the schedule engine and the
// metadata store behind one Service used by every outer surface.
//
// Power commands from a surface record a manual override with the engine
// before they are sent, and the send itself runs in the background so a
// surface never waits out the unlock settle interval.
//
// The Service also fans registry and metadata changes out to subscribers
// (MQTT state, InfluxDB telemetry, WebSocket push) on its own goroutine,
// keeping the registry's receive loop free of slow I/O.
package control
