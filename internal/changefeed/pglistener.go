// ABOUTME: Postgres change source over LISTEN/NOTIFY using lib/pq
// ABOUTME: Decodes trigger payloads into Change values and reports disconnects

package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lib/pq"
)

const (
	channelPrefix = "livechat_"
	pingInterval  = 90 * time.Second
)

// ChannelName returns the NOTIFY channel the schema trigger publishes
// changes for table on.
func ChannelName(table string) string {
	return channelPrefix + table
}

// PGListenerConfig configures a PGListener.
type PGListenerConfig struct {
	DSN                  string
	MinReconnectInterval time.Duration
	MaxReconnectInterval time.Duration
	Logger               *slog.Logger
}

// PGListener is a Source backed by Postgres notifications. Each
// subscription owns its own pq.Listener connection.
type PGListener struct {
	dsn          string
	minReconnect time.Duration
	maxReconnect time.Duration
	logger       *slog.Logger
}

// NewPGListener creates a listener source for the database at cfg.DSN.
func NewPGListener(cfg PGListenerConfig) *PGListener {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	minReconnect := cfg.MinReconnectInterval
	if minReconnect <= 0 {
		minReconnect = time.Second
	}
	maxReconnect := cfg.MaxReconnectInterval
	if maxReconnect < minReconnect {
		maxReconnect = 30 * time.Second
	}
	return &PGListener{
		dsn:          cfg.DSN,
		minReconnect: minReconnect,
		maxReconnect: maxReconnect,
		logger:       logger.With("component", "changefeed.pg"),
	}
}

// Subscribe opens a listener connection and starts delivering notifications
// for table.
func (p *PGListener) Subscribe(ctx context.Context, table string, events []EventType, handler Handler) (Subscription, error) {
	sub := &pgSubscription{
		table:   table,
		events:  events,
		handler: handler,
		logger:  p.logger.With("table", table),
		errc:    make(chan error, 1),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}

	sub.listener = pq.NewListener(p.dsn, p.minReconnect, p.maxReconnect, sub.onEvent)
	channel := ChannelName(table)
	if err := sub.listener.Listen(channel); err != nil {
		_ = sub.listener.Close()
		return nil, fmt.Errorf("listening on %s: %w", channel, err)
	}

	go sub.run(ctx)
	p.logger.Debug("listening", "channel", channel, "events", events)
	return sub, nil
}

type pgSubscription struct {
	table    string
	events   []EventType
	handler  Handler
	logger   *slog.Logger
	listener *pq.Listener

	errc   chan error
	done   chan struct{}
	exited chan struct{}

	stopOnce sync.Once
	failOnce sync.Once
}

// onEvent runs on the listener's goroutine. Losing the connection means
// notifications may have been missed, so it is surfaced as a channel error.
func (s *pgSubscription) onEvent(event pq.ListenerEventType, err error) {
	switch event {
	case pq.ListenerEventDisconnected:
		s.fail(fmt.Errorf("listener disconnected: %w", err))
	case pq.ListenerEventConnectionAttemptFailed:
		s.fail(fmt.Errorf("listener connection failed: %w", err))
	case pq.ListenerEventReconnected:
		s.logger.Info("listener reconnected")
	}
}

func (s *pgSubscription) run(ctx context.Context) {
	defer close(s.exited)
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.listener.Ping(); err != nil {
				s.fail(fmt.Errorf("listener ping: %w", err))
			}
		case n, ok := <-s.listener.Notify:
			if !ok {
				s.fail(fmt.Errorf("listener closed"))
				return
			}
			// nil is sent after a reconnect
			if n == nil {
				continue
			}
			change, err := decodeNotification(n.Extra)
			if err != nil {
				s.logger.Warn("dropping malformed notification", "error", err)
				continue
			}
			if change.Table != s.table || !wants(s.events, change.EventType) {
				continue
			}
			s.handler(ctx, change)
		}
	}
}

func (s *pgSubscription) fail(err error) {
	s.failOnce.Do(func() {
		s.errc <- err
	})
}

func (s *pgSubscription) Err() <-chan error {
	return s.errc
}

func (s *pgSubscription) Unsubscribe() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.done)
		<-s.exited
		err = s.listener.Close()
	})
	return err
}

// decodeNotification parses the JSON payload written by the notify trigger.
func decodeNotification(payload string) (Change, error) {
	var change Change
	if err := json.Unmarshal([]byte(payload), &change); err != nil {
		return Change{}, fmt.Errorf("decoding notification: %w", err)
	}
	if change.Table == "" || change.EventType == "" {
		return Change{}, fmt.Errorf("notification missing table or event type")
	}
	return change, nil
}
