// ABOUTME: Change-feed bridge translating row changes into realtime broadcasts
// ABOUTME: Supervises both subscriptions with a retry state machine and exponential backoff

package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/2389/livechat-gateway/internal/changefeed"
	"github.com/2389/livechat-gateway/internal/metrics"
	"github.com/2389/livechat-gateway/internal/realtime"
)

// ErrAlreadyRunning is returned by Start when the bridge loop is active.
var ErrAlreadyRunning = errors.New("bridge already running")

// State is the supervisor's position in the retry state machine.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateSubscribed   State = "subscribed"
	StateError        State = "error"
	StateBackoff      State = "backoff"
	StateFailed       State = "failed"
	StateStopped      State = "stopped"
)

const (
	defaultInitialDelay = time.Second
	defaultMaxDelay     = 30 * time.Second
)

// Broadcaster is the subset of the registry the bridge delivers through.
type Broadcaster interface {
	BroadcastToConversation(ctx context.Context, conversationID string, env *realtime.Envelope) realtime.BroadcastResult
	BroadcastToConversationExcludingParticipant(ctx context.Context, conversationID string, env *realtime.Envelope, excludedParticipantID string) realtime.BroadcastResult
}

// Pinger is the store read used by Health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config configures a Bridge.
type Config struct {
	Source       changefeed.Source
	Broadcaster  Broadcaster
	Store        Pinger
	Logger       *slog.Logger
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxRetries   int // consecutive subscribe failures before giving up; 0 retries forever
}

// Bridge observes message inserts/updates and conversation updates and
// turns them into envelopes for the connected clients.
type Bridge struct {
	source      changefeed.Source
	broadcaster Broadcaster
	store       Pinger
	logger      *slog.Logger

	initialDelay time.Duration
	maxDelay     time.Duration
	maxRetries   int
	now          func() time.Time

	mu      sync.Mutex
	state   State
	lastErr error
	active  int
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Health is the bridge health report.
type Health struct {
	Healthy             bool   `json:"healthy"`
	State               State  `json:"state"`
	ActiveSubscriptions int    `json:"activeSubscriptions"`
	Error               string `json:"error,omitempty"`
}

// New creates a bridge. Source and Broadcaster are required.
func New(cfg Config) (*Bridge, error) {
	if cfg.Source == nil {
		return nil, errors.New("bridge: source is required")
	}
	if cfg.Broadcaster == nil {
		return nil, errors.New("bridge: broadcaster is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	initial := cfg.InitialDelay
	if initial <= 0 {
		initial = defaultInitialDelay
	}
	maxDelay := cfg.MaxDelay
	if maxDelay < initial {
		maxDelay = max(defaultMaxDelay, initial)
	}
	return &Bridge{
		source:       cfg.Source,
		broadcaster:  cfg.Broadcaster,
		store:        cfg.Store,
		logger:       logger.With("component", "bridge"),
		initialDelay: initial,
		maxDelay:     maxDelay,
		maxRetries:   max(cfg.MaxRetries, 0),
		now:          time.Now,
		state:        StateDisconnected,
	}, nil
}

// Start launches the supervisor loop. It returns ErrAlreadyRunning if the
// loop has not been stopped since the last Start.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return ErrAlreadyRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	b.running = true
	b.cancel = cancel
	b.done = make(chan struct{})
	b.state = StateDisconnected
	b.lastErr = nil

	go b.run(loopCtx, b.done)
	b.logger.Info("bridge started")
	return nil
}

// Stop cancels the loop, unsubscribes both channels, and waits for the loop
// to exit. Calling Stop on a stopped bridge is a no-op.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	cancel, done := b.cancel, b.done
	b.mu.Unlock()

	cancel()
	<-done

	b.mu.Lock()
	b.running = false
	b.state = StateStopped
	b.active = 0
	b.mu.Unlock()
	b.logger.Info("bridge stopped")
}

// State returns the current supervisor state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Health performs a trivial store read and reports the subscription state.
// The bridge is healthy when the store answers and both subscriptions are up.
func (b *Bridge) Health(ctx context.Context) Health {
	b.mu.Lock()
	h := Health{State: b.state, ActiveSubscriptions: b.active}
	lastErr := b.lastErr
	b.mu.Unlock()

	if b.store != nil {
		if err := b.store.Ping(ctx); err != nil {
			h.Error = fmt.Sprintf("store: %v", err)
			return h
		}
	}
	if h.State != StateSubscribed {
		if lastErr != nil {
			h.Error = lastErr.Error()
		}
		return h
	}
	h.Healthy = true
	return h
}

func (b *Bridge) setState(state State, err error) {
	b.mu.Lock()
	b.state = state
	if err != nil {
		b.lastErr = err
	}
	b.mu.Unlock()
}

func (b *Bridge) setActive(n int) {
	b.mu.Lock()
	b.active = n
	b.mu.Unlock()
	metrics.FeedSubscriptions.Set(float64(n))
}

func (b *Bridge) newBackOff() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = b.initialDelay
	exp.MaxInterval = b.maxDelay
	exp.MaxElapsedTime = 0
	exp.Reset()
	if b.maxRetries > 0 {
		return backoff.WithMaxRetries(exp, uint64(b.maxRetries))
	}
	return exp
}

// run drives Connecting -> Subscribed -> Error -> Backoff -> Connecting
// until ctx is cancelled or the retry budget is exhausted.
func (b *Bridge) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	policy := b.newBackOff()

	for {
		b.setState(StateConnecting, nil)
		err := b.session(ctx, policy)
		if ctx.Err() != nil {
			return
		}

		b.setState(StateError, err)
		b.logger.Warn("change feed failed", "error", err)

		delay := policy.NextBackOff()
		if delay == backoff.Stop {
			b.setState(StateFailed, err)
			b.logger.Error("change feed retries exhausted", "max_retries", b.maxRetries, "error", err)
			return
		}

		b.setState(StateBackoff, nil)
		b.logger.Info("restarting change feed", "delay", delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// session subscribes to both tables, waits for the first channel-level
// failure on either, and tears both down before returning.
func (b *Bridge) session(ctx context.Context, policy backoff.BackOff) error {
	messages, err := b.source.Subscribe(ctx, changefeed.TableMessages,
		[]changefeed.EventType{changefeed.EventInsert, changefeed.EventUpdate}, b.handleMessageChange)
	if err != nil {
		return fmt.Errorf("subscribing to messages: %w", err)
	}

	conversations, err := b.source.Subscribe(ctx, changefeed.TableConversations,
		[]changefeed.EventType{changefeed.EventUpdate}, b.handleConversationChange)
	if err != nil {
		b.unsubscribe(messages)
		return fmt.Errorf("subscribing to conversations: %w", err)
	}

	b.setActive(2)
	b.setState(StateSubscribed, nil)
	policy.Reset()
	b.logger.Info("change feed subscribed")

	var failure error
	select {
	case <-ctx.Done():
	case failure = <-messages.Err():
		failure = fmt.Errorf("messages subscription: %w", failure)
	case failure = <-conversations.Err():
		failure = fmt.Errorf("conversations subscription: %w", failure)
	}

	b.unsubscribe(messages)
	b.unsubscribe(conversations)
	b.setActive(0)
	if failure != nil {
		metrics.FeedRestarts.Inc()
	}
	return failure
}

func (b *Bridge) unsubscribe(sub changefeed.Subscription) {
	if err := sub.Unsubscribe(); err != nil {
		b.logger.Warn("unsubscribe failed", "error", err)
	}
}
