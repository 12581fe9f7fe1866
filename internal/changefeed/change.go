// ABOUTME: Row-change notification types and the Source/Subscription contract
// ABOUTME: Shared by the in-process Hub and the Postgres LISTEN/NOTIFY listener

package changefeed

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
)

// EventType is the kind of row change.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// Table names published by the store.
const (
	TableMessages      = "messages"
	TableConversations = "conversations"
)

var (
	// ErrSubscriptionOverflow is reported when a subscriber falls too far
	// behind and changes had to be dropped.
	ErrSubscriptionOverflow = errors.New("changefeed: subscription buffer overflow")
	// ErrClosed is returned when subscribing to a closed source.
	ErrClosed = errors.New("changefeed: source closed")
)

// Change is one row change. New and Old are JSON row images keyed by column
// name; Old is empty for inserts and may be empty for updates when the
// source does not capture prior values.
type Change struct {
	EventType EventType       `json:"eventType"`
	Table     string          `json:"table"`
	New       json.RawMessage `json:"new,omitempty"`
	Old       json.RawMessage `json:"old,omitempty"`
}

// Handler receives changes for a subscription, one at a time, in the order
// the source observed them.
type Handler func(ctx context.Context, change Change)

// Source delivers row changes for a table.
type Source interface {
	Subscribe(ctx context.Context, table string, events []EventType, handler Handler) (Subscription, error)
}

// Subscription is a live registration on a Source.
type Subscription interface {
	// Err receives channel-level failures. After an error the subscription
	// should be considered dead and torn down.
	Err() <-chan error
	// Unsubscribe stops delivery and releases resources. It must not be
	// called from inside the subscription's own handler.
	Unsubscribe() error
}

func wants(events []EventType, event EventType) bool {
	return len(events) == 0 || slices.Contains(events, event)
}
