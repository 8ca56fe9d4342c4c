// Package session manages live worker connections: the registration
// handshake, the per-worker protocol state machine, serialized sends, and
// the heartbeat reaper that disconnects workers silent for three intervals.
package session
