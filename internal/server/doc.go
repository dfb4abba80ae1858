// Package server exposes the HTTP surface of collabhub: the WebSocket
// endpoint, health and readiness checks, prometheus metrics and a small JSON
// API that edits messages and pushes notifications through the realtime hub.
//
// Configuration is read from an optional YAML file and the environment; see
// LoadConfig.
package server
