// ABOUTME: In-process change source fed by the store on every write
// ABOUTME: Each subscription gets a bounded buffer and its own delivery goroutine

package changefeed

import (
	"context"
	"log/slog"
	"sync"
)

const defaultBufferSize = 256

// Hub is an in-process Source. Publishers call Publish after committing a
// write; subscribers receive matching changes asynchronously. Publish never
// blocks: a subscriber whose buffer is full gets ErrSubscriptionOverflow on
// its error channel instead.
type Hub struct {
	mu         sync.RWMutex
	subs       map[uint64]*hubSubscription
	nextID     uint64
	closed     bool
	bufferSize int
	logger     *slog.Logger
}

// NewHub creates a hub whose subscriptions buffer up to bufferSize changes.
func NewHub(bufferSize int, logger *slog.Logger) *Hub {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:       make(map[uint64]*hubSubscription),
		bufferSize: bufferSize,
		logger:     logger.With("component", "changefeed.hub"),
	}
}

// Subscribe registers handler for the given table and events. An empty
// events list matches every event. Delivery stops when ctx is cancelled or
// the subscription is unsubscribed.
func (h *Hub) Subscribe(ctx context.Context, table string, events []EventType, handler Handler) (Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}

	h.nextID++
	sub := &hubSubscription{
		hub:     h,
		id:      h.nextID,
		table:   table,
		events:  events,
		handler: handler,
		changes: make(chan Change, h.bufferSize),
		errc:    make(chan error, 1),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
	h.subs[sub.id] = sub
	go sub.run(ctx)

	h.logger.Debug("subscribed", "table", table, "events", events, "id", sub.id)
	return sub, nil
}

// Publish fans change out to every matching subscription.
func (h *Hub) Publish(change Change) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if sub.table != change.Table || !wants(sub.events, change.EventType) {
			continue
		}
		select {
		case sub.changes <- change:
		default:
			h.logger.Warn("subscriber buffer full", "table", sub.table, "id", sub.id)
			sub.fail(ErrSubscriptionOverflow)
		}
	}
}

// Fail reports err on every live subscription, simulating a channel-level
// failure of the underlying feed.
func (h *Hub) Fail(err error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		sub.fail(err)
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close stops every subscription and rejects new ones.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	subs := make([]*hubSubscription, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	return nil
}

type hubSubscription struct {
	hub     *Hub
	id      uint64
	table   string
	events  []EventType
	handler Handler

	changes chan Change
	errc    chan error
	done    chan struct{}
	exited  chan struct{}

	stopOnce sync.Once
	failOnce sync.Once
}

func (s *hubSubscription) run(ctx context.Context) {
	defer close(s.exited)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case change := <-s.changes:
			s.handler(ctx, change)
		}
	}
}

// fail records the first channel-level error; later ones are dropped.
func (s *hubSubscription) fail(err error) {
	s.failOnce.Do(func() {
		s.errc <- err
	})
}

func (s *hubSubscription) Err() <-chan error {
	return s.errc
}

func (s *hubSubscription) Unsubscribe() error {
	s.stopOnce.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s.id)
		s.hub.mu.Unlock()
		close(s.done)
	})
	<-s.exited
	return nil
}
