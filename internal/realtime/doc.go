// Package realtime implements the WebSocket connection and broadcast layer of
// collabhub.
//
// A Hub owns the Presence registry (user id to live connection), the RoomIndex
// (room name to member connections) and the Dispatcher that fans events out to
// them. Each accepted socket runs one Session which authenticates the peer,
// registers it, decodes inbound frames and cleans up on disconnect. An optional
// Relay mirrors room broadcasts to other server instances.
package realtime
