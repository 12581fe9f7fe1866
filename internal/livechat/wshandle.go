// ABOUTME: Adapts a coder/websocket connection to the registry's Handle interface
// ABOUTME: Applies a per-frame write deadline and makes Close idempotent

package livechat

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/2389/livechat-gateway/internal/realtime"
)

// wsHandle wraps *websocket.Conn. coder/websocket already serializes
// concurrent writers, so Send needs no extra locking.
type wsHandle struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

var _ realtime.Handle = (*wsHandle)(nil)

func newWSHandle(conn *websocket.Conn, writeTimeout time.Duration) *wsHandle {
	return &wsHandle{conn: conn, writeTimeout: writeTimeout}
}

func (h *wsHandle) Send(ctx context.Context, data []byte) error {
	if h.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.writeTimeout)
		defer cancel()
	}
	return h.conn.Write(ctx, websocket.MessageText, data)
}

func (h *wsHandle) Close(code int, reason string) error {
	h.closeOnce.Do(func() {
		h.closeErr = h.conn.Close(websocket.StatusCode(code), reason)
	})
	return h.closeErr
}

// Probe round-trips a ping. It needs a concurrent reader to observe the
// pong, which the connection's read loop provides.
func (h *wsHandle) Probe(ctx context.Context) error {
	return h.conn.Ping(ctx)
}
