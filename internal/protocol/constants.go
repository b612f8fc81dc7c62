// Package protocol defines constants used across the protocol.
package protocol

// SystemUserID is a reserved userId value for server-generated events, so
// a client never mistakes one for another real user. No event built in
// this module sets it: server-generated events such as document_state
// leave userId empty.
const SystemUserID = "$system"
