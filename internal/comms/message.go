// Package comms provides the in-process communication layer for the debate
// engine: typed messages, an asynchronous publish/subscribe bus, and a
// conversation history that derives critique/response exchanges from the
// message stream.
package comms

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the kind of message flowing through the bus.
type MessageType string

const (
	// Content messages
	MessageDraft         MessageType = "draft"
	MessageRevision      MessageType = "revision"
	MessageSectionUpdate MessageType = "section_update"

	// Debate messages
	MessageCritique      MessageType = "critique"
	MessageCritiqueBatch MessageType = "critique_batch"
	MessageResponse      MessageType = "response"
	MessageResponseBatch MessageType = "response_batch"

	// Synthesis messages
	MessageSynthesis MessageType = "synthesis"
	MessageSummary   MessageType = "summary"

	// Coordination messages
	MessageRoundStart     MessageType = "round_start"
	MessageRoundEnd       MessageType = "round_end"
	MessageRequest        MessageType = "request"
	MessageAcknowledgment MessageType = "acknowledgment"

	// System messages
	MessageError   MessageType = "error"
	MessageWarning MessageType = "warning"
	MessageStatus  MessageType = "status"
)

// Priority orders delivery within a single publish event.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

// DeliveryStatus tracks where a message is in its delivery lifecycle.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryRead      DeliveryStatus = "read"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryExpired   DeliveryStatus = "expired"
)

// Payload carries the message content plus structured key/value data.
type Payload struct {
	Content string                 `json:"content"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// Message is the unit of communication between agents. The exported fields
// are immutable after creation; the delivery-tracking state is unexported and
// written only by the bus, readable through DeliveryState and DeliveredRoles.
type Message struct {
	ID          string      `json:"id"`
	Type        MessageType `json:"type"`
	Priority    Priority    `json:"priority"`
	SenderRole  string      `json:"sender_role"`
	Recipients  []string    `json:"recipients,omitempty"`
	Broadcast   bool        `json:"broadcast"`
	Payload     Payload     `json:"payload"`
	RoundNumber int         `json:"round_number"`

	// ParentID references the message being responded to. ThreadID groups a
	// conversation: it defaults to ParentID when present, else to the
	// message's own ID.
	ParentID string `json:"parent_id,omitempty"`
	ThreadID string `json:"thread_id"`

	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	// Delivery tracking, owned by the bus.
	mu          sync.Mutex
	status      DeliveryStatus
	deliveredTo []string
}

// MessageOption customizes a message at construction time.
type MessageOption func(*Message)

// WithRecipients addresses the message to specific agent roles.
func WithRecipients(roles ...string) MessageOption {
	return func(m *Message) {
		m.Recipients = append(m.Recipients, roles...)
		m.Broadcast = false
	}
}

// WithBroadcast marks the message for delivery to every subscriber of its type.
func WithBroadcast() MessageOption {
	return func(m *Message) {
		m.Broadcast = true
		m.Recipients = nil
	}
}

// WithPriority sets the delivery priority.
func WithPriority(p Priority) MessageOption {
	return func(m *Message) { m.Priority = p }
}

// WithRound tags the message with a round number.
func WithRound(round int) MessageOption {
	return func(m *Message) { m.RoundNumber = round }
}

// WithParent links the message to the message it responds to and joins its
// thread.
func WithParent(parentID string) MessageOption {
	return func(m *Message) {
		m.ParentID = parentID
		m.ThreadID = parentID
	}
}

// WithData attaches a structured data entry to the payload.
func WithData(key string, value interface{}) MessageOption {
	return func(m *Message) {
		if m.Payload.Data == nil {
			m.Payload.Data = make(map[string]interface{})
		}
		m.Payload.Data[key] = value
	}
}

// WithExpiry sets an absolute expiry time after which the bus drops the
// message instead of delivering it.
func WithExpiry(at time.Time) MessageOption {
	return func(m *Message) { m.ExpiresAt = &at }
}

// NewMessage creates a message from the given sender with the given content.
func NewMessage(msgType MessageType, senderRole, content string, opts ...MessageOption) *Message {
	m := &Message{
		ID:         uuid.New().String(),
		Type:       msgType,
		Priority:   PriorityNormal,
		SenderRole: senderRole,
		Payload:    Payload{Content: content},
		CreatedAt:  time.Now(),
		status:     DeliveryPending,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.ThreadID == "" {
		m.ThreadID = m.ID
	}
	return m
}

// IsExpired reports whether the message has passed its expiry time.
func (m *Message) IsExpired() bool {
	if m.ExpiresAt == nil {
		return false
	}
	return time.Now().After(*m.ExpiresAt)
}

// IsDeliverable reports whether the message can reach anyone at all. A
// non-broadcast message with no recipients is undeliverable and must be
// rejected at publish time rather than silently vanishing.
func (m *Message) IsDeliverable() bool {
	return m.Broadcast || len(m.Recipients) > 0
}

// IsDelivered reports whether the message reached at least one subscriber.
func (m *Message) IsDelivered() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status == DeliveryDelivered || m.status == DeliveryRead
}

// DeliveredRoles returns a copy of the roles the message was delivered to.
func (m *Message) DeliveredRoles() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.deliveredTo))
	copy(out, m.deliveredTo)
	return out
}

// DeliveryState returns the current delivery status.
func (m *Message) DeliveryState() DeliveryStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// markDelivered records delivery to a role. Bus-internal.
func (m *Message) markDelivered(role string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.deliveredTo {
		if r == role {
			return
		}
	}
	m.deliveredTo = append(m.deliveredTo, role)
	m.status = DeliveryDelivered
}

// markExpired transitions the message to the expired state. Bus-internal.
func (m *Message) markExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = DeliveryExpired
}

// markFailed records a terminal delivery failure. Bus-internal.
func (m *Message) markFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == DeliveryPending {
		m.status = DeliveryFailed
	}
}

// DataString reads a string value from the structured payload data, returning
// fallback when the key is absent or not a string.
func (m *Message) DataString(key, fallback string) string {
	if m.Payload.Data == nil {
		return fallback
	}
	if v, ok := m.Payload.Data[key].(string); ok {
		return v
	}
	return fallback
}
