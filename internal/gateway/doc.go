// Package gateway orchestrates the livechat-gateway server components.
//
// # Overview
//
// The gateway owns every long-lived piece of the server: the store, the
// change source that reports its writes, the connection registry, the
// change-feed bridge, the WebSocket transport, and the HTTP and gRPC
// servers. New wires them together; Run starts them and blocks until the
// context is canceled.
//
// # Storage and Change Source
//
// The database driver decides where changes come from:
//
//   - sqlite (default): the store publishes each committed write to an
//     in-process changefeed.Hub, which is also the bridge's source.
//   - postgres: triggers emit NOTIFY on livechat_messages and
//     livechat_conversations; a changefeed.PGListener relays them.
//
// Either way the bridge sees the same Change values, so broadcasts never
// depend on which code path wrote the row.
//
// # HTTP Routes
//
//   - GET /health - Liveness check
//   - GET /health/ready - Bridge health as JSON, 503 until subscribed
//   - GET /metrics - Prometheus metrics (when metrics.enabled)
//   - GET /ws/conversations/{id} - Live chat WebSocket
//   - POST /api/conversations - Create a conversation
//   - GET /api/conversations/{id} - Fetch a conversation
//   - GET /api/conversations/{id}/messages - List messages
//   - PATCH /api/conversations/{id} - Update title or status (agent)
//   - POST /api/conversations/{id}/messages - Inject a message (agent)
//   - POST /api/conversations/{id}/takeover - Hand to the calling agent (agent)
//   - POST /api/conversations/{id}/release - Return to the assistant (agent)
//   - POST /api/participants/{id}/notify - System message to a participant (agent)
//   - GET /api/realtime/stats - Registry snapshot (agent)
//
// API routes take "Authorization: Bearer <jwt>". Handlers only write to the
// store; every realtime frame is produced by the bridge from the resulting
// change.
//
// # gRPC
//
// When server.grpc_addr is set (or Tailscale is enabled) a gRPC server
// carries grpc.health.v1. The "livechat.bridge" service mirrors bridge
// health and is refreshed every few seconds.
//
// # Background Tasks
//
// Run starts the bridge, a cleanup ticker that probes every registered
// connection at realtime.cleanup_interval, and the gRPC health updater.
//
// # Shutdown
//
// Shutdown runs in a fixed order: mark gRPC health NOT_SERVING, stop
// accepting HTTP, close every WebSocket with 1001, stop the bridge and
// background tasks, stop gRPC, close Tailscale, then the store and hub.
//
// # Tailscale
//
// With tailscale.enabled the gateway listens on the tailnet through tsnet
// instead of TCP. tailscale.https serves HTTP on :443 with tailnet
// certificates and tailscale.funnel exposes it publicly.
package gateway
