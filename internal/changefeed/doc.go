// Package changefeed delivers row-change notifications for the live chat
// tables.
//
// # Sources
//
// A Source hands out Subscriptions for one table and a set of event types.
// Two implementations exist:
//
//   - Hub: in-process fan-out fed by the store after each committed write.
//     Used with SQLite and in tests.
//   - PGListener: Postgres LISTEN/NOTIFY via lib/pq. The store's schema
//     installs a trigger that publishes {eventType, table, new, old} on
//     channel livechat_<table>.
//
// # Failure reporting
//
// Each Subscription exposes an error channel. Buffer overflow, a dropped
// database connection, or an injected failure is reported there once, and
// the consumer is expected to tear the subscription down and resubscribe.
package changefeed
