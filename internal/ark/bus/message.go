// Package bus implements C4: the in-process agent message bus — publish,
// subscribe, bounded per-subscriber history, and causal-tree reconstruction.
package bus

import (
	"time"

	"github.com/google/uuid"
)

// Kind enumerates agent message kinds (spec §3.2).
type Kind string

const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
	KindEvent    Kind = "event"
	KindError    Kind = "error"
)

// Message is an Agent Message (spec §3.2). To broadcasts all subscribers.
type Message struct {
	MessageID     string        `json:"message_id"`
	CorrelationID string        `json:"correlation_id"`
	CausationID   string        `json:"causation_id,omitempty"`
	From          string        `json:"from"`
	To            string        `json:"to,omitempty"`
	Kind          Kind          `json:"kind"`
	Payload       interface{}   `json:"payload,omitempty"`
	Priority      int           `json:"priority"`
	TTL           time.Duration `json:"ttl,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// NewMessage stamps message_id and created_at on an otherwise-filled-in
// message. Priority defaults to 5 (mid-range of 1-10) if left at zero.
func NewMessage(from, to string, kind Kind, payload interface{}, correlationID string) *Message {
	priority := 5
	return &Message{
		MessageID:     uuid.NewString(),
		CorrelationID: correlationID,
		From:          from,
		To:            to,
		Kind:          kind,
		Payload:       payload,
		Priority:      priority,
		CreatedAt:     time.Now(),
	}
}

// Expired reports whether the message's TTL has elapsed (I7).
func (m *Message) Expired() bool {
	if m.TTL <= 0 {
		return false
	}
	return time.Since(m.CreatedAt) > m.TTL
}

// dropClass ranks a message kind for backpressure eviction: lower classes
// are dropped first. event (closest to a fire-and-forget notification) is
// dropped before request; response and error are never evicted (spec §5:
// "never errors" — responses are kept for the same reason, a caller is
// waiting on them).
func dropClass(k Kind) int {
	switch k {
	case KindEvent:
		return 0
	case KindRequest:
		return 1
	default:
		return 2
	}
}
