package comms

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Bus errors.
var (
	// ErrBusClosed is returned when publishing to a stopped bus.
	ErrBusClosed = errors.New("comms: message bus is closed")
	// ErrUndeliverable is returned when a non-broadcast message names no
	// recipients. Such a message could never reach anyone; rejecting it at
	// publish time keeps it from silently vanishing in the queue.
	ErrUndeliverable = errors.New("comms: message has no recipients and is not broadcast")
	// ErrSubscriptionNotFound is returned by Unsubscribe for unknown IDs.
	ErrSubscriptionNotFound = errors.New("comms: subscription not found")
)

// Handler processes a delivered message. A nil handler on a subscription is a
// pure acknowledgment: the message is marked delivered to the role without
// invoking anything.
type Handler func(ctx context.Context, msg *Message) error

// FilterFunc further restricts which messages a subscription receives.
type FilterFunc func(msg *Message) bool

// Subscription ties an agent role to a set of message types, an optional
// filter predicate, and a handler. Lifetime is scoped to the bus instance.
type Subscription struct {
	ID        string
	AgentRole string
	Types     map[MessageType]bool
	Handler   Handler
	Filter    FilterFunc
	Priority  int

	active atomic.Bool
}

// Matches reports whether the subscription should receive the message:
// the subscription is active, the message type is subscribed, the filter
// (if any) passes, and, for non-broadcast messages, the subscriber's role is
// among the recipients.
func (s *Subscription) Matches(msg *Message) bool {
	if !s.active.Load() {
		return false
	}
	if !s.Types[msg.Type] {
		return false
	}
	if s.Filter != nil && !s.Filter(msg) {
		return false
	}
	if msg.Broadcast {
		return true
	}
	for _, r := range msg.Recipients {
		if r == s.AgentRole {
			return true
		}
	}
	return false
}

// BusConfig holds configuration for the message bus.
type BusConfig struct {
	// QueueSize bounds the internal delivery queue. Publish blocks when the
	// queue is full (backpressure) unless the publish context is cancelled.
	QueueSize int `json:"queue_size" yaml:"queue_size"`
	// DeliveryTimeout bounds WaitForDelivery polling.
	DeliveryTimeout time.Duration `json:"delivery_timeout" yaml:"delivery_timeout"`
	// PollInterval is the WaitForDelivery polling interval.
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`
}

// DefaultBusConfig returns the default bus configuration.
func DefaultBusConfig() BusConfig {
	return BusConfig{
		QueueSize:       10000,
		DeliveryTimeout: 30 * time.Second,
		PollInterval:    100 * time.Millisecond,
	}
}

// BusMetrics tracks bus activity counters.
type BusMetrics struct {
	Published     atomic.Int64
	Delivered     atomic.Int64
	Expired       atomic.Int64
	Undeliverable atomic.Int64
	HandlerErrors atomic.Int64
}

// MetricsSnapshot is a point-in-time copy of the bus counters.
type MetricsSnapshot struct {
	Published     int64 `json:"published"`
	Delivered     int64 `json:"delivered"`
	Expired       int64 `json:"expired"`
	Undeliverable int64 `json:"undeliverable"`
	HandlerErrors int64 `json:"handler_errors"`
}

// MessageBus routes messages to subscribers by type and recipient, and keeps
// in-memory history indices over everything it has seen. A single background
// consumer goroutine drains the bounded queue; within one delivery event,
// matching subscriptions are invoked in descending priority order.
type MessageBus struct {
	config BusConfig
	logger *zap.Logger

	queue chan *Message

	mu            sync.Mutex
	subscriptions map[MessageType][]*Subscription
	subsByID      map[string]*Subscription

	// History indices.
	messages  []*Message
	byID      map[string]*Message
	byThread  map[string][]*Message
	byRound   map[int][]*Message
	inFlight  int64
	metrics   BusMetrics
	closed    bool
	consumerC chan struct{}
	cancel    context.CancelFunc
}

// NewMessageBus creates a bus and starts its consumer goroutine.
func NewMessageBus(config BusConfig, logger *zap.Logger) *MessageBus {
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultBusConfig().QueueSize
	}
	if config.DeliveryTimeout <= 0 {
		config.DeliveryTimeout = DefaultBusConfig().DeliveryTimeout
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultBusConfig().PollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &MessageBus{
		config:        config,
		logger:        logger,
		queue:         make(chan *Message, config.QueueSize),
		subscriptions: make(map[MessageType][]*Subscription),
		subsByID:      make(map[string]*Subscription),
		byID:          make(map[string]*Message),
		byThread:      make(map[string][]*Message),
		byRound:       make(map[int][]*Message),
		consumerC:     make(chan struct{}),
		cancel:        cancel,
	}
	go b.consume(ctx)
	return b
}

// Subscribe registers a handler for the given message types. Subscriptions
// for a type are kept sorted by descending priority; that order determines
// delivery order within a single publish event. Returns the subscription ID.
func (b *MessageBus) Subscribe(agentRole string, types []MessageType, handler Handler, filter FilterFunc, priority int) string {
	sub := &Subscription{
		ID:        uuid.New().String(),
		AgentRole: agentRole,
		Types:     make(map[MessageType]bool, len(types)),
		Handler:   handler,
		Filter:    filter,
		Priority:  priority,
	}
	sub.active.Store(true)
	for _, t := range types {
		sub.Types[t] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subsByID[sub.ID] = sub
	for _, t := range types {
		bucket := append(b.subscriptions[t], sub)
		sort.SliceStable(bucket, func(i, j int) bool {
			return bucket[i].Priority > bucket[j].Priority
		})
		b.subscriptions[t] = bucket
	}
	return sub.ID
}

// Unsubscribe deactivates and removes a subscription.
func (b *MessageBus) Unsubscribe(subscriptionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subsByID[subscriptionID]
	if !ok {
		return ErrSubscriptionNotFound
	}
	sub.active.Store(false)
	delete(b.subsByID, subscriptionID)
	for t := range sub.Types {
		bucket := b.subscriptions[t]
		for i, s := range bucket {
			if s.ID == subscriptionID {
				b.subscriptions[t] = append(bucket[:i:i], bucket[i+1:]...)
				break
			}
		}
	}
	return nil
}

// Publish enqueues a message for asynchronous delivery and records it in the
// history indices. It blocks when the queue is full until space frees up or
// ctx is cancelled. Undeliverable messages are rejected with ErrUndeliverable.
func (b *MessageBus) Publish(ctx context.Context, msg *Message) error {
	if !msg.IsDeliverable() {
		b.metrics.Undeliverable.Add(1)
		msg.markFailed()
		return ErrUndeliverable
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	b.record(msg)
	atomic.AddInt64(&b.inFlight, 1)
	b.mu.Unlock()

	select {
	case b.queue <- msg:
		b.metrics.Published.Add(1)
		return nil
	case <-ctx.Done():
		atomic.AddInt64(&b.inFlight, -1)
		msg.markFailed()
		return ctx.Err()
	}
}

// PublishAndWait publishes and then polls until the message is delivered or
// the configured delivery timeout elapses. A timeout only logs a warning: the
// message stays queued and may still be delivered later.
func (b *MessageBus) PublishAndWait(ctx context.Context, msg *Message) error {
	if err := b.Publish(ctx, msg); err != nil {
		return err
	}

	deadline := time.Now().Add(b.config.DeliveryTimeout)
	ticker := time.NewTicker(b.config.PollInterval)
	defer ticker.Stop()

	for {
		if msg.IsDelivered() {
			return nil
		}
		if time.Now().After(deadline) {
			b.logger.Warn("timed out waiting for delivery",
				zap.String("message_id", msg.ID),
				zap.String("type", string(msg.Type)))
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// consume is the single background delivery loop.
func (b *MessageBus) consume(ctx context.Context) {
	defer close(b.consumerC)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-b.queue:
			b.deliver(ctx, msg)
			atomic.AddInt64(&b.inFlight, -1)
		}
	}
}

// deliver routes one message to every matching subscription. Handler failures
// are logged and counted but do not stop delivery to remaining subscribers.
func (b *MessageBus) deliver(ctx context.Context, msg *Message) {
	if msg.IsExpired() {
		msg.markExpired()
		b.metrics.Expired.Add(1)
		b.logger.Debug("dropping expired message", zap.String("message_id", msg.ID))
		return
	}

	b.mu.Lock()
	bucket := b.subscriptions[msg.Type]
	subs := make([]*Subscription, len(bucket))
	copy(subs, bucket)
	b.mu.Unlock()

	deliveredAny := false
	for _, sub := range subs {
		if !sub.Matches(msg) {
			continue
		}
		if sub.Handler != nil {
			if err := sub.Handler(ctx, msg); err != nil {
				b.metrics.HandlerErrors.Add(1)
				b.logger.Error("message handler failed",
					zap.String("message_id", msg.ID),
					zap.String("subscriber", sub.AgentRole),
					zap.Error(err))
				continue
			}
		}
		msg.markDelivered(sub.AgentRole)
		b.metrics.Delivered.Add(1)
		deliveredAny = true
	}

	if !deliveredAny {
		msg.markFailed()
	}
}

// record indexes a message. Caller holds b.mu.
func (b *MessageBus) record(msg *Message) {
	b.messages = append(b.messages, msg)
	b.byID[msg.ID] = msg
	b.byThread[msg.ThreadID] = append(b.byThread[msg.ThreadID], msg)
	b.byRound[msg.RoundNumber] = append(b.byRound[msg.RoundNumber], msg)
}

// HistoryQuery filters the bus history.
type HistoryQuery struct {
	RoundNumber *int
	Type        *MessageType
	SenderRole  string
	Limit       int
}

// History returns time-ordered copies of messages matching the query.
func (b *MessageBus) History(q HistoryQuery) []*Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	source := b.messages
	if q.RoundNumber != nil {
		source = b.byRound[*q.RoundNumber]
	}

	out := make([]*Message, 0, len(source))
	for _, m := range source {
		if q.Type != nil && m.Type != *q.Type {
			continue
		}
		if q.SenderRole != "" && m.SenderRole != q.SenderRole {
			continue
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out
}

// Thread returns the messages in a thread in time order.
func (b *MessageBus) Thread(threadID string) []*Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	src := b.byThread[threadID]
	out := make([]*Message, len(src))
	copy(out, src)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Get returns a message by ID.
func (b *MessageBus) Get(messageID string) (*Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.byID[messageID]
	return m, ok
}

// CritiquesForRound returns the critique messages published in a round.
func (b *MessageBus) CritiquesForRound(round int) []*Message {
	t := MessageCritique
	return b.History(HistoryQuery{RoundNumber: &round, Type: &t})
}

// ResponsesForRound returns the response messages published in a round.
func (b *MessageBus) ResponsesForRound(round int) []*Message {
	t := MessageResponse
	return b.History(HistoryQuery{RoundNumber: &round, Type: &t})
}

// UndeliveredMessages returns messages that never reached a subscriber.
func (b *MessageBus) UndeliveredMessages() []*Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*Message
	for _, m := range b.messages {
		switch m.DeliveryState() {
		case DeliveryPending, DeliveryFailed, DeliveryExpired:
			out = append(out, m)
		}
	}
	return out
}

// ClearHistory drops indexed messages. With beforeRound >= 0 only messages
// from earlier rounds are dropped; otherwise everything is cleared.
func (b *MessageBus) ClearHistory(beforeRound int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if beforeRound < 0 {
		b.messages = nil
		b.byID = make(map[string]*Message)
		b.byThread = make(map[string][]*Message)
		b.byRound = make(map[int][]*Message)
		return
	}

	kept := b.messages[:0]
	for _, m := range b.messages {
		if m.RoundNumber >= beforeRound {
			kept = append(kept, m)
			continue
		}
		delete(b.byID, m.ID)
	}
	b.messages = kept
	b.byThread = make(map[string][]*Message)
	b.byRound = make(map[int][]*Message)
	for _, m := range b.messages {
		b.byThread[m.ThreadID] = append(b.byThread[m.ThreadID], m)
		b.byRound[m.RoundNumber] = append(b.byRound[m.RoundNumber], m)
	}
}

// WaitForQueueEmpty blocks until all queued messages have been delivered or
// the timeout elapses. Callers needing guaranteed delivery must call this
// before Stop: Stop does not drain the queue.
func (b *MessageBus) WaitForQueueEmpty(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if atomic.LoadInt64(&b.inFlight) == 0 {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return atomic.LoadInt64(&b.inFlight) == 0
}

// Stop cancels the consumer goroutine and waits for it to exit. Messages
// still queued are never delivered.
func (b *MessageBus) Stop() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	<-b.consumerC
}

// Metrics returns a snapshot of the bus counters.
func (b *MessageBus) Metrics() MetricsSnapshot {
	return MetricsSnapshot{
		Published:     b.metrics.Published.Load(),
		Delivered:     b.metrics.Delivered.Load(),
		Expired:       b.metrics.Expired.Load(),
		Undeliverable: b.metrics.Undeliverable.Load(),
		HandlerErrors: b.metrics.HandlerErrors.Load(),
	}
}
