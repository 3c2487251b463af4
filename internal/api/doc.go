// Package api implements the HTTP REST API and WebSocket server for the
// plug service.
//
// This package provides:
//   - REST endpoints for listing plugs, switching them and editing schedules
//   - WebSocket hub pushing the device list on every change
//   - Audit trail queries and component health
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//
// # Architecture
//
// The server is a thin layer over control.Service. Power commands return
// as soon as the override is recorded; the plug's new state arrives later
// through the registry and is pushed to WebSocket clients subscribed to
// the "device.changed" channel.
//
// There is no authentication. The API is meant to be bound to a trusted
// LAN interface.
package api
