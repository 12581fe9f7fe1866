// Package livechat implements the WebSocket transport for live conversations.
//
// # Endpoint
//
//	GET /ws/conversations/{id}?token=<jwt>
//
// The token may also be sent as "Authorization: Bearer <jwt>". The upgrade
// is always accepted so rejections can carry a close code:
//
//	4401 unauthorized             missing, invalid, or expired token
//	4404 conversation not found
//	4403 forbidden                not the member and not agent/admin
//	4409 live chat not available  conversation is in assistant mode
//	4000 replaced by newer connection
//
// Nothing is registered until every admission check passes, and the first
// frame an admitted client sees is:
//
//	{"type":"connection","status":"connected","isVendorActive":true,"timestamp":"..."}
//
// # Client Frames
//
//	{"type":"send_message","payload":{"content":"...","clientMessageId":"optional"}}
//	{"type":"ping"}
//
// A send carrying a clientMessageId already used by the same participant in
// the same conversation within the last ten minutes is dropped silently. A
// send that fails to save releases its id so the client can retry.
//
// send_message re-verifies the connection's token, re-reads the conversation,
// and saves the message with metadata {"source":"websocket","senderId":...}.
// Nothing is broadcast from here. The change-feed bridge announces the
// stored message to everyone in the conversation except its sender.
//
// Malformed frames, unknown types, and failed sends produce
// {"type":"error","message":"..."} and leave the connection open.
package livechat
