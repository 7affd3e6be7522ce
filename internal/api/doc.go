// Package api implements the read-only HTTP status API and WebSocket
// sample stream of the daemon.
//
// This package provides:
//   - GET /api/v1/health for liveness probes
//   - GET /api/v1/status with the cached controller, monitor and database state
//   - A WebSocket hub broadcasting every monitor tick and lifecycle event
//
// # Architecture
//
// The API never talks to the controller. Status comes from the daemon's
// cached snapshot, and the hub is registered with the monitor as a sink so
// samples are pushed rather than polled. Control stays on the line-oriented
// TCP command port.
//
// # WebSocket Protocol
//
// Clients subscribe to channels ("sample", "monitor.event") with
//
//	{"type": "subscribe", "id": "1", "payload": {"channels": ["sample"]}}
//
// and receive {"type": "event", "event_type": "sample", "payload": {...}}
// messages until they unsubscribe or disconnect.
package api
