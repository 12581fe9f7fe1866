// Package bridge turns store change notifications into realtime broadcasts.
//
// # Overview
//
// The bridge holds two subscriptions on a changefeed.Source: message inserts
// and updates, and conversation updates. Each change is decoded from its row
// image and delivered through the connection registry:
//
//   - message INSERT: new_message to the conversation. Messages saved by the
//     live transport carry metadata.source = "websocket" and
//     metadata.senderId; the sender is excluded so they do not receive
//     their own message twice.
//   - message UPDATE: message_updated to everyone in the conversation.
//   - conversation UPDATE: when is_vendor_active flipped, a mode_change
//     followed by a system_message announcing the handoff; then always a
//     conversation_updated carrying the new record.
//
// Changes whose row image cannot be decoded are logged and skipped.
//
// # Supervision
//
// A channel-level failure on either subscription tears both down and moves
// the bridge through error and backoff states before it resubscribes:
//
//	disconnected -> connecting -> subscribed
//	                    ^             |
//	                    |           error
//	                    |             |
//	                    +-- backoff <-+--> failed (retries exhausted)
//
// Delays grow exponentially from InitialDelay to MaxDelay. MaxRetries bounds
// consecutive failed attempts; zero retries forever.
//
// # Health
//
// Health pings the store and reports healthy only when the ping succeeds and
// both subscriptions are active.
package bridge
