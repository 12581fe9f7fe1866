// ABOUTME: In-memory connection registry keyed by conversation and participant
// ABOUTME: Fans envelopes out to live connections and evicts broken ones

package realtime

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/2389/livechat-gateway/internal/metrics"
)

const (
	defaultProbeTimeout = 5 * time.Second
	defaultSendTimeout  = 10 * time.Second
	defaultQueueSize    = 64
	defaultProbeLimit   = 32
)

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	Logger       *slog.Logger
	ProbeTimeout time.Duration // per-connection deadline used by Cleanup
	SendTimeout  time.Duration // per-frame deadline for the connection writer
	QueueSize    int           // frames buffered per connection before eviction
	ProbeLimit   int           // concurrent probes during Cleanup
}

// Registry maps conversations to their live connections and keeps a reverse
// index from participants to the conversations they have open. Both maps
// change together under mu.
type Registry struct {
	mu            sync.RWMutex
	conversations map[string]map[string]*Connection // conversationID -> participantID -> conn
	participants  map[string]map[string]struct{}    // participantID -> set of conversationIDs
	total         int

	probeTimeout time.Duration
	sendTimeout  time.Duration
	queueSize    int
	probeLimit   int
	logger       *slog.Logger
	now          func() time.Time
}

// BroadcastResult reports the outcome of one fan-out.
type BroadcastResult struct {
	Delivered int
	Failed    int
}

// Stats is a point-in-time snapshot of the registry.
type Stats struct {
	TotalConnections   int                 `json:"totalConnections"`
	TotalConversations int                 `json:"totalConversations"`
	TotalParticipants  int                 `json:"totalParticipants"`
	Conversations      map[string][]string `json:"conversations"`
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	probeTimeout := cfg.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = defaultProbeTimeout
	}
	sendTimeout := cfg.SendTimeout
	if sendTimeout <= 0 {
		sendTimeout = defaultSendTimeout
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	probeLimit := cfg.ProbeLimit
	if probeLimit <= 0 {
		probeLimit = defaultProbeLimit
	}
	return &Registry{
		conversations: make(map[string]map[string]*Connection),
		participants:  make(map[string]map[string]struct{}),
		probeTimeout:  probeTimeout,
		sendTimeout:   sendTimeout,
		queueSize:     queueSize,
		probeLimit:    probeLimit,
		logger:        logger.With("component", "registry"),
		now:           time.Now,
	}
}

// AddConnection registers handle for the participant in the conversation.
// An existing connection for the same pair is replaced and returned so the
// caller can close it; otherwise the return value is nil. Each connection
// gets its own writer goroutine that runs until the connection is removed.
func (r *Registry) AddConnection(conversationID, participantID string, handle Handle) (added, replaced *Connection) {
	conn := newConnection(conversationID, participantID, handle, r.queueSize, r.now())

	r.mu.Lock()
	channel, ok := r.conversations[conversationID]
	if !ok {
		channel = make(map[string]*Connection)
		r.conversations[conversationID] = channel
	}
	replaced = channel[participantID]
	channel[participantID] = conn
	if replaced == nil {
		r.total++
	}

	convs, ok := r.participants[participantID]
	if !ok {
		convs = make(map[string]struct{})
		r.participants[participantID] = convs
	}
	convs[conversationID] = struct{}{}
	total := r.total
	r.mu.Unlock()

	if replaced != nil {
		replaced.release()
	}
	go r.writeLoop(conn)

	metrics.ActiveConnections.Set(float64(total))
	r.logger.Debug("connection added",
		"conversation_id", conversationID,
		"participant_id", participantID,
		"replaced", replaced != nil)

	return conn, replaced
}

// RemoveConnection drops the participant's connection from the conversation.
// Removing an absent connection is a no-op.
func (r *Registry) RemoveConnection(conversationID, participantID string) {
	r.mu.Lock()
	removed := r.removeLocked(conversationID, participantID, nil)
	total := r.total
	r.mu.Unlock()

	if removed {
		metrics.ActiveConnections.Set(float64(total))
		r.logger.Debug("connection removed",
			"conversation_id", conversationID,
			"participant_id", participantID)
	}
}

// ReleaseConnection removes conn only if it is still the registered
// connection for its pair, so tearing down a superseded socket never evicts
// its replacement. Reports whether anything was removed.
func (r *Registry) ReleaseConnection(conn *Connection) bool {
	if conn == nil {
		return false
	}
	r.mu.Lock()
	removed := r.removeLocked(conn.ConversationID, conn.ParticipantID, conn)
	total := r.total
	r.mu.Unlock()

	if removed {
		metrics.ActiveConnections.Set(float64(total))
		r.logger.Debug("connection released",
			"conversation_id", conn.ConversationID,
			"participant_id", conn.ParticipantID)
	}
	return removed
}

// removeLocked deletes the pair from both maps. When match is non-nil the
// entry is only removed if it is that exact connection. Caller holds mu.
func (r *Registry) removeLocked(conversationID, participantID string, match *Connection) bool {
	channel, ok := r.conversations[conversationID]
	if !ok {
		return false
	}
	current, ok := channel[participantID]
	if !ok || (match != nil && current != match) {
		return false
	}

	delete(channel, participantID)
	if len(channel) == 0 {
		delete(r.conversations, conversationID)
	}
	r.total--
	current.release()

	if convs, ok := r.participants[participantID]; ok {
		delete(convs, conversationID)
		if len(convs) == 0 {
			delete(r.participants, participantID)
		}
	}
	return true
}

// BroadcastToConversation queues env for every connection in the
// conversation. A connection whose queue is full or whose write fails is
// evicted; no other connection is affected.
func (r *Registry) BroadcastToConversation(ctx context.Context, conversationID string, env *Envelope) BroadcastResult {
	return r.BroadcastToConversationExcludingParticipant(ctx, conversationID, env, "")
}

// BroadcastToConversationExcludingParticipant delivers env to every
// connection in the conversation except those belonging to
// excludedParticipantID. Exclusion is by participant identity, not by
// connection, so every connection of that participant is skipped.
func (r *Registry) BroadcastToConversationExcludingParticipant(ctx context.Context, conversationID string, env *Envelope, excludedParticipantID string) BroadcastResult {
	r.mu.RLock()
	channel := r.conversations[conversationID]
	targets := make([]*Connection, 0, len(channel))
	for participantID, conn := range channel {
		if excludedParticipantID != "" && participantID == excludedParticipantID {
			continue
		}
		targets = append(targets, conn)
	}
	r.mu.RUnlock()

	return r.deliver(ctx, env, targets)
}

// BroadcastToParticipant delivers env to the participant's connection in
// every conversation it currently has open.
func (r *Registry) BroadcastToParticipant(ctx context.Context, participantID string, env *Envelope) BroadcastResult {
	r.mu.RLock()
	convs := r.participants[participantID]
	targets := make([]*Connection, 0, len(convs))
	for conversationID := range convs {
		if conn, ok := r.conversations[conversationID][participantID]; ok {
			targets = append(targets, conn)
		}
	}
	r.mu.RUnlock()

	return r.deliver(ctx, env, targets)
}

// deliver queues the encoded envelope on each target's outbox. It never
// waits on a client, so one stalled peer cannot delay the others.
func (r *Registry) deliver(ctx context.Context, env *Envelope, targets []*Connection) BroadcastResult {
	var result BroadcastResult
	if len(targets) == 0 || ctx.Err() != nil {
		return result
	}

	data, err := env.Encode()
	if err != nil {
		r.logger.Error("encoding envelope", "type", env.Type, "error", err)
		result.Failed = len(targets)
		metrics.RecordBroadcast(string(env.Type), 0, result.Failed)
		return result
	}

	for _, conn := range targets {
		switch err := conn.enqueue(data); {
		case err == nil:
			result.Delivered++
		case errors.Is(err, errConnectionGone):
			// removed after the snapshot; its owner handles the close
		default:
			result.Failed++
			r.evict(conn, CloseInternalError, "send queue full", err)
		}
	}

	metrics.RecordBroadcast(string(env.Type), result.Delivered, result.Failed)
	return result
}

// writeLoop drains conn's outbox in order until the connection is removed.
func (r *Registry) writeLoop(conn *Connection) {
	for {
		select {
		case <-conn.done:
			return
		case data := <-conn.outbox:
			ctx, cancel := context.WithTimeout(context.Background(), r.sendTimeout)
			err := conn.Handle.Send(ctx, data)
			cancel()
			if err != nil {
				r.evict(conn, CloseInternalError, "send failed", err)
				return
			}
		}
	}
}

// evict deregisters a broken connection and closes its transport.
func (r *Registry) evict(conn *Connection, code int, reason string, cause error) {
	r.ReleaseConnection(conn)
	_ = conn.Handle.Close(code, reason)
	metrics.Evictions.WithLabelValues(reason).Inc()
	r.logger.Debug("connection evicted",
		"conversation_id", conn.ConversationID,
		"participant_id", conn.ParticipantID,
		"reason", reason,
		"error", cause)
}

// IsConnected reports whether the participant has a live connection to the
// conversation.
func (r *Registry) IsConnected(conversationID, participantID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conversations[conversationID][participantID]
	return ok
}

// Stats returns aggregate counts and per-conversation participant lists.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{
		TotalConnections:   r.total,
		TotalConversations: len(r.conversations),
		TotalParticipants:  len(r.participants),
		Conversations:      make(map[string][]string, len(r.conversations)),
	}
	for conversationID, channel := range r.conversations {
		ids := lo.Keys(channel)
		slices.Sort(ids)
		stats.Conversations[conversationID] = ids
	}
	return stats
}

// Cleanup probes every registered connection, at most probeLimit at a
// time, and evicts those whose probe fails. Returns the number of
// connections removed.
func (r *Registry) Cleanup(ctx context.Context) int {
	r.mu.RLock()
	all := make([]*Connection, 0, r.total)
	for _, channel := range r.conversations {
		all = append(all, lo.Values(channel)...)
	}
	r.mu.RUnlock()

	var (
		g       errgroup.Group
		mu      sync.Mutex
		removed int
	)
	g.SetLimit(r.probeLimit)
	for _, conn := range all {
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(ctx, r.probeTimeout)
			defer cancel()
			if err := conn.Handle.Probe(probeCtx); err == nil {
				return nil
			}
			if r.ReleaseConnection(conn) {
				mu.Lock()
				removed++
				mu.Unlock()
			}
			_ = conn.Handle.Close(CloseGoingAway, "liveness probe failed")
			metrics.Evictions.WithLabelValues("probe failed").Inc()
			return nil
		})
	}
	_ = g.Wait()

	if removed > 0 {
		r.logger.Info("cleanup removed stale connections", "removed", removed)
	}
	return removed
}

// CloseAll closes every registered connection and empties the registry.
// Used on shutdown.
func (r *Registry) CloseAll(code int, reason string) {
	r.mu.Lock()
	all := make([]*Connection, 0, r.total)
	for _, channel := range r.conversations {
		all = append(all, lo.Values(channel)...)
	}
	r.conversations = make(map[string]map[string]*Connection)
	r.participants = make(map[string]map[string]struct{})
	r.total = 0
	r.mu.Unlock()

	metrics.ActiveConnections.Set(0)
	for _, conn := range all {
		conn.release()
	}

	// each close may wait on its peer's handshake
	var wg sync.WaitGroup
	for _, conn := range all {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = conn.Handle.Close(code, reason)
		}()
	}
	wg.Wait()
	r.logger.Debug("registry closed", "connections", len(all))
}
