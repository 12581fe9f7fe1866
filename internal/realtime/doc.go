// Package realtime tracks live chat connections and broadcasts to them.
//
// # Overview
//
// The Registry maps each conversation to the participants connected to it,
// at most one connection per participant, and keeps a reverse index from
// participants to the conversations they have open. It knows nothing about
// WebSockets: callers register a Handle per connection and the registry
// delivers encoded envelopes through it.
//
// # Delivery
//
// A broadcast snapshots its targets under a read lock and queues the encoded
// frame on each connection's bounded outbox without blocking. Every
// connection has its own writer goroutine that drains the outbox in order,
// so a stalled client only delays itself. A full outbox or a failed write
// evicts and closes that connection alone. Cleanup probes connections, a
// bounded number at a time, and evicts those that do not answer within the
// probe timeout.
//
// # Envelopes
//
// Envelope constructors produce the exact JSON frames clients expect,
// including the connection acknowledgement, message and conversation
// updates, mode changes with their paired system message, pongs, and errors.
package realtime
