package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ark-network/ark-core/infrastructure/logging"
)

// DefaultInboxSize is the default bounded per-subscriber inbox (spec §5).
const DefaultInboxSize = 1024

// DefaultHistorySize is the default bounded ring-buffer history (spec §4.4).
const DefaultHistorySize = 1000

// DefaultHandlerTimeout bounds a single handler invocation so one slow
// subscriber never blocks publish for the others, mirroring the teacher's
// per-engine timeout context in PublishEvent.
const DefaultHandlerTimeout = 5 * time.Second

// Handler processes a delivered message. A returned error, or a panic
// inside Handler, is caught by the bus and re-raised as an error-bus
// escalation tagged with the originating message — the bus itself never
// crashes because of a subscriber fault.
type Handler func(ctx context.Context, msg *Message) error

// Escalator receives bus-originated failures (handler errors/panics, and
// backpressure drops) for the error bus to record. Kept as a narrow
// interface here so this package does not import internal/ark/errorbus.
type Escalator interface {
	Escalate(correlationID, from, severity, code, message string)
}

// MetricsRecorder mirrors infrastructure/metrics.Metrics' bus-message
// counter, kept narrow for the same reason as Escalator.
type MetricsRecorder interface {
	RecordBusMessage(service, kind, from string)
}

// Subscription is the opaque handle returned by Subscribe.
type Subscription struct {
	id    string
	agent string
}

type subscriber struct {
	sub     Subscription
	handler Handler

	mu    sync.Mutex
	inbox []*Message

	notify chan struct{}
	stopCh chan struct{}
}

// Bus is the agent message bus (spec §4.4).
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]*subscriber // keyed by agent name; "" holds subscribers that see every message
	handlerTO   time.Duration
	inboxSize   int

	histMu     sync.Mutex
	history    []*Message
	histHead   int // index of the oldest live entry once the ring has wrapped
	historyCap int
	byCorr     map[string][]*Message

	escalator Escalator
	metrics   MetricsRecorder
	log       *logging.Logger
}

// New creates a Bus with default inbox/history sizes.
func New(log *logging.Logger) *Bus {
	return &Bus{
		subscribers: make(map[string][]*subscriber),
		handlerTO:   DefaultHandlerTimeout,
		inboxSize:   DefaultInboxSize,
		history:     make([]*Message, 0, DefaultHistorySize),
		historyCap:  DefaultHistorySize,
		byCorr:      make(map[string][]*Message),
		log:         log,
	}
}

// SetEscalator installs the error-bus sink for handler failures and drops.
func (b *Bus) SetEscalator(e Escalator) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.escalator = e
}

// SetMetrics installs the metrics sink for published messages.
func (b *Bus) SetMetrics(m MetricsRecorder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metrics = m
}

// Subscribe registers an async handler under agent. An empty agent name
// receives every published message, broadcast and directed alike.
func (b *Bus) Subscribe(agent string, handler Handler) Subscription {
	sub := Subscription{id: uuid.NewString(), agent: agent}
	s := &subscriber{
		sub:     sub,
		handler: handler,
		notify:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}

	b.mu.Lock()
	b.subscribers[agent] = append(b.subscribers[agent], s)
	b.mu.Unlock()

	go b.runSubscriber(s)
	return sub
}

// Unsubscribe removes a subscription and stops its delivery goroutine.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subscribers[sub.agent]
	for i, s := range list {
		if s.sub.id == sub.id {
			close(s.stopCh)
			b.subscribers[sub.agent] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Publish delivers msg to every subscriber matching msg.To (or all
// subscribers if msg.To is empty, i.e. broadcast) and records it in
// history. Matching subscribers' inboxes are fed under the backpressure
// policy in §5; Publish itself never blocks on slow handlers since
// delivery runs on each subscriber's own goroutine.
func (b *Bus) Publish(msg *Message) {
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	b.recordHistory(msg)

	b.mu.RLock()
	if b.metrics != nil {
		b.metrics.RecordBusMessage("arkd", string(msg.Kind), msg.From)
	}
	var targets []*subscriber
	if msg.To == "" {
		for _, list := range b.subscribers {
			targets = append(targets, list...)
		}
	} else {
		targets = append(targets, b.subscribers[msg.To]...)
		targets = append(targets, b.subscribers[""]...)
	}
	inboxSize := b.inboxSize
	b.mu.RUnlock()

	for _, s := range targets {
		b.enqueue(s, msg, inboxSize)
	}
}

// enqueue appends msg to s's bounded inbox, applying the backpressure drop
// policy on overflow (spec §5): drop the oldest event first, then request,
// never response/error. Every drop escalates a warning tagged with the
// dropped message's correlation_id.
func (b *Bus) enqueue(s *subscriber, msg *Message, capSize int) {
	s.mu.Lock()
	if len(s.inbox) >= capSize {
		if !b.evictOneLocked(s) {
			s.mu.Unlock()
			b.escalate(msg.CorrelationID, "bus", "warning", "BusSaturated",
				fmt.Sprintf("subscriber %s inbox full and nothing evictable; dropping %s", s.sub.agent, msg.MessageID))
			return
		}
	}
	s.inbox = append(s.inbox, msg)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// evictOneLocked removes the oldest lowest-dropClass message from s.inbox.
// Caller holds s.mu.
func (b *Bus) evictOneLocked(s *subscriber) bool {
	bestIdx := -1
	bestClass := 2
	for i, m := range s.inbox {
		c := dropClass(m.Kind)
		if c < 2 && c < bestClass {
			bestIdx = i
			bestClass = c
			if c == 0 {
				break // can't do better than class 0
			}
		}
	}
	if bestIdx == -1 {
		return false
	}
	dropped := s.inbox[bestIdx]
	s.inbox = append(s.inbox[:bestIdx], s.inbox[bestIdx+1:]...)
	b.escalate(dropped.CorrelationID, "bus", "warning", "MessageDropped",
		fmt.Sprintf("dropped %s message %s for subscriber %s under backpressure", dropped.Kind, dropped.MessageID, s.sub.agent))
	return true
}

func (b *Bus) escalate(correlationID, from, severity, code, message string) {
	b.mu.RLock()
	esc := b.escalator
	b.mu.RUnlock()
	if esc != nil {
		esc.Escalate(correlationID, from, severity, code, message)
	}
}

// runSubscriber is the per-subscriber delivery loop: it drains the inbox
// one message at a time, invoking handler under a bounded-timeout context,
// recovering panics, and escalating failures — grounded on the teacher's
// per-invocation timeout-context idiom in system/core/bus.go, adapted from
// concurrent fan-out to a single ordered delivery loop so message ordering
// within (from, to, priority) is preserved (I6).
func (b *Bus) runSubscriber(s *subscriber) {
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.notify:
		}

		for {
			s.mu.Lock()
			if len(s.inbox) == 0 {
				s.mu.Unlock()
				break
			}
			msg := s.inbox[0]
			s.inbox = s.inbox[1:]
			s.mu.Unlock()

			select {
			case <-s.stopCh:
				return
			default:
			}

			if msg.Expired() {
				continue // I7: TTL-elapsed messages are not delivered
			}
			b.deliverOne(s, msg)
		}
	}
}

func (b *Bus) deliverOne(s *subscriber, msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			b.escalate(msg.CorrelationID, s.sub.agent, "error", "HandlerPanic", fmt.Sprintf("subscriber %s panicked: %v", s.sub.agent, r))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), b.handlerTO)
	defer cancel()

	if err := s.handler(ctx, msg); err != nil {
		b.escalate(msg.CorrelationID, s.sub.agent, "error", "HandlerError", err.Error())
	}
}

// recordHistory appends msg to the bounded ring buffer and correlation
// index, evicting the oldest entry FIFO on overflow.
func (b *Bus) recordHistory(msg *Message) {
	b.histMu.Lock()
	defer b.histMu.Unlock()

	if len(b.history) >= b.historyCap {
		oldest := b.history[0]
		b.history = b.history[1:]
		b.pruneCorrLocked(oldest)
	}
	b.history = append(b.history, msg)
	b.byCorr[msg.CorrelationID] = append(b.byCorr[msg.CorrelationID], msg)
}

func (b *Bus) pruneCorrLocked(evicted *Message) {
	list := b.byCorr[evicted.CorrelationID]
	for i, m := range list {
		if m.MessageID == evicted.MessageID {
			b.byCorr[evicted.CorrelationID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(b.byCorr[evicted.CorrelationID]) == 0 {
		delete(b.byCorr, evicted.CorrelationID)
	}
}

// History returns the messages known to the bus for correlationID, oldest
// first (newest last).
func (b *Bus) History(correlationID string) []*Message {
	b.histMu.Lock()
	defer b.histMu.Unlock()
	list := b.byCorr[correlationID]
	out := make([]*Message, len(list))
	copy(out, list)
	return out
}

// ConversationNode is one node of a reconstructed causal tree.
type ConversationNode struct {
	Message  *Message            `json:"message"`
	Children []*ConversationNode `json:"children,omitempty"`
}

// Conversation reconstructs the causal tree for correlationID using
// causation_id edges: roots are messages with no causation_id (or whose
// cause fell outside the retained history window).
func (b *Bus) Conversation(correlationID string) []*ConversationNode {
	msgs := b.History(correlationID)
	nodes := make(map[string]*ConversationNode, len(msgs))
	for _, m := range msgs {
		nodes[m.MessageID] = &ConversationNode{Message: m}
	}

	var roots []*ConversationNode
	for _, m := range msgs {
		node := nodes[m.MessageID]
		if m.CausationID == "" {
			roots = append(roots, node)
			continue
		}
		parent, ok := nodes[m.CausationID]
		if !ok {
			roots = append(roots, node)
			continue
		}
		parent.Children = append(parent.Children, node)
	}
	return roots
}
