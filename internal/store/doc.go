// Package store provides persistence for live chat conversations and messages.
//
// # Architecture
//
// Store is the single interface used by the gateway and admin API. It has
// two implementations:
//
//   - SQLStore: database/sql with a SQLite dialect (modernc.org/sqlite) or a
//     Postgres dialect (lib/pq). Queries are written once with ? placeholders
//     and rebound to $n for Postgres.
//   - MockStore: in-memory maps for unit tests.
//
// # Change notifications
//
// Every committed write is observable as a row change. With SQLite and the
// mock store the change is published to a changefeed.Hub after commit. With
// Postgres the schema installs a trigger that calls pg_notify on channel
// livechat_<table>, consumed by changefeed.PGListener. Both paths produce
// the same column-keyed JSON row images (ConversationRow, MessageRow).
//
// # SQLite Configuration
//
// Pragmas are passed in the DSN so they apply to every pooled connection:
//
//	journal_mode(WAL), foreign_keys(1), busy_timeout(5000)
//
// Timestamps are stored as fixed-width UTC TEXT so they sort correctly in
// both dialects.
//
// # Error Handling
//
//   - ErrNotFound: requested conversation or message does not exist
//   - ErrInvalidStatus: conversation status is not recognised
//
// # Testing
//
// Use NewMockStore(hub) for unit tests and NewSQLiteStore(path, hub) with a
// t.TempDir() path for integration tests with real SQLite.
//
// # Migrations
//
// The schema uses CREATE ... IF NOT EXISTS and column migrations check for
// the column before adding it, so opening an existing database is safe.
package store
