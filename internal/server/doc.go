// Package server exposes the relay over a single HTTP server.
//
// The signaling WebSocket is served on /ws and, for older clients, on the
// root path. Status endpoints under /api report configured streams and the
// session audit trail. Every request passes the same chain of request IDs,
// logging, metrics, rate limiting and origin checks.
package server
