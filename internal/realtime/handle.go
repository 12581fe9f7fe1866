// ABOUTME: Transport capability interface the registry delivers through
// ABOUTME: Keeps the registry independent of any concrete WebSocket type

package realtime

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Handle is the minimal set of transport operations the Registry needs.
// Implementations must be safe for concurrent Send/Probe/Close calls, and
// Close must be idempotent.
type Handle interface {
	// Send writes one frame to the client.
	Send(ctx context.Context, data []byte) error
	// Close terminates the transport with a close code and reason.
	Close(code int, reason string) error
	// Probe performs a liveness round trip (ping/pong).
	Probe(ctx context.Context) error
}

// Close codes used by the registry when it evicts a connection.
const (
	CloseGoingAway     = 1001
	CloseInternalError = 1011
)

// Connection is a registered client. Its exported fields never change after
// creation; re-registration replaces it with a new value.
type Connection struct {
	ConversationID string
	ParticipantID  string
	Handle         Handle
	ConnectedAt    time.Time

	outbox chan []byte
	done   chan struct{}
	stop   sync.Once
}

var (
	errOutboxFull     = errors.New("send queue full")
	errConnectionGone = errors.New("connection removed")
)

func newConnection(conversationID, participantID string, handle Handle, queueSize int, now time.Time) *Connection {
	return &Connection{
		ConversationID: conversationID,
		ParticipantID:  participantID,
		Handle:         handle,
		ConnectedAt:    now,
		outbox:         make(chan []byte, queueSize),
		done:           make(chan struct{}),
	}
}

// enqueue hands a frame to the connection's writer without blocking.
func (c *Connection) enqueue(data []byte) error {
	select {
	case <-c.done:
		return errConnectionGone
	default:
	}
	select {
	case c.outbox <- data:
		return nil
	default:
		return errOutboxFull
	}
}

// release stops the writer. Frames still queued are dropped.
func (c *Connection) release() {
	c.stop.Do(func() { close(c.done) })
}
