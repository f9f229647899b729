package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeEscalator struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeEscalator) Escalate(correlationID, from, severity, code, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, code)
}

func (f *fakeEscalator) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestPublishDeliversToMatchingSubscriber(t *testing.T) {
	b := New(nil)
	received := make(chan *Message, 1)
	b.Subscribe("scholar", func(ctx context.Context, msg *Message) error {
		received <- msg
		return nil
	})

	msg := NewMessage("scanner", "scholar", KindRequest, "payload", "c1")
	b.Publish(msg)

	select {
	case got := <-received:
		require.Equal(t, msg.MessageID, got.MessageID)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestPublishBroadcastReachesAllSubscribers(t *testing.T) {
	b := New(nil)
	var wg sync.WaitGroup
	wg.Add(2)
	b.Subscribe("a", func(ctx context.Context, msg *Message) error { wg.Done(); return nil })
	b.Subscribe("b", func(ctx context.Context, msg *Message) error { wg.Done(); return nil })

	b.Publish(NewMessage("x", "", KindEvent, nil, "c1"))

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast not received by all subscribers")
	}
}

func TestHandlerErrorEscalates(t *testing.T) {
	b := New(nil)
	esc := &fakeEscalator{}
	b.SetEscalator(esc)

	done := make(chan struct{})
	b.Subscribe("failer", func(ctx context.Context, msg *Message) error {
		defer close(done)
		return errors.New("boom")
	})
	b.Publish(NewMessage("x", "failer", KindRequest, nil, "c1"))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}
	require.Eventually(t, func() bool { return esc.count() > 0 }, time.Second, 10*time.Millisecond)
}

func TestHandlerPanicDoesNotCrashBus(t *testing.T) {
	b := New(nil)
	esc := &fakeEscalator{}
	b.SetEscalator(esc)

	done := make(chan struct{})
	b.Subscribe("panicker", func(ctx context.Context, msg *Message) error {
		defer close(done)
		panic("oh no")
	})
	b.Publish(NewMessage("x", "panicker", KindRequest, nil, "c1"))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}
	require.Eventually(t, func() bool { return esc.count() > 0 }, time.Second, 10*time.Millisecond)

	// bus must still work after a subscriber panic
	received := make(chan struct{}, 1)
	b.Subscribe("survivor", func(ctx context.Context, msg *Message) error {
		received <- struct{}{}
		return nil
	})
	b.Publish(NewMessage("x", "survivor", KindRequest, nil, "c2"))
	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("bus stopped delivering after panic")
	}
}

func TestExpiredMessageNotDelivered(t *testing.T) {
	b := New(nil)
	received := make(chan struct{}, 1)
	b.Subscribe("slow", func(ctx context.Context, msg *Message) error {
		received <- struct{}{}
		return nil
	})

	msg := NewMessage("x", "slow", KindEvent, nil, "c1")
	msg.TTL = time.Nanosecond
	msg.CreatedAt = time.Now().Add(-time.Hour)
	b.Publish(msg)

	select {
	case <-received:
		t.Fatal("expired message was delivered")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestHistoryOrderedOldestFirst(t *testing.T) {
	b := New(nil)
	m1 := NewMessage("a", "", KindEvent, 1, "c1")
	m2 := NewMessage("a", "", KindEvent, 2, "c1")
	b.Publish(m1)
	b.Publish(m2)

	hist := b.History("c1")
	require.Len(t, hist, 2)
	require.Equal(t, m1.MessageID, hist[0].MessageID)
	require.Equal(t, m2.MessageID, hist[1].MessageID)
}

func TestHistoryEvictsFIFOBeyondCapacity(t *testing.T) {
	b := New(nil)
	b.historyCap = 3
	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		m := NewMessage("a", "", KindEvent, i, "c1")
		ids = append(ids, m.MessageID)
		b.Publish(m)
	}
	hist := b.History("c1")
	require.Len(t, hist, 3)
	require.Equal(t, ids[2], hist[0].MessageID)
	require.Equal(t, ids[4], hist[2].MessageID)
}

func TestConversationReconstructsCausalTree(t *testing.T) {
	b := New(nil)
	root := NewMessage("scanner", "", KindEvent, "root", "c1")
	b.Publish(root)

	child := NewMessage("scholar", "", KindEvent, "child", "c1")
	child.CausationID = root.MessageID
	b.Publish(child)

	tree := b.Conversation("c1")
	require.Len(t, tree, 1)
	require.Equal(t, root.MessageID, tree[0].Message.MessageID)
	require.Len(t, tree[0].Children, 1)
	require.Equal(t, child.MessageID, tree[0].Children[0].Message.MessageID)
}

func TestBackpressureDropsEventBeforeRequest(t *testing.T) {
	b := New(nil)
	esc := &fakeEscalator{}
	b.SetEscalator(esc)
	b.inboxSize = 2

	block := make(chan struct{})
	started := make(chan struct{}, 1)
	b.Subscribe("blocked", func(ctx context.Context, msg *Message) error {
		started <- struct{}{}
		<-block
		return nil
	})

	b.Publish(NewMessage("x", "blocked", KindRequest, "first", "c1"))
	<-started // handler is now blocked mid-delivery, inbox empty and free to fill

	b.Publish(NewMessage("x", "blocked", KindEvent, "evt1", "c1"))
	b.Publish(NewMessage("x", "blocked", KindRequest, "req2", "c1"))
	b.Publish(NewMessage("x", "blocked", KindRequest, "req3", "c1")) // should evict evt1

	close(block)
	require.Eventually(t, func() bool { return esc.count() > 0 }, time.Second, 10*time.Millisecond)
}

type fakeMetrics struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeMetrics) RecordBusMessage(service, kind, from string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, kind+":"+from)
}

func (f *fakeMetrics) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func TestPublishRecordsMetricsWhenSet(t *testing.T) {
	b := New(nil)
	m := &fakeMetrics{}
	b.SetMetrics(m)

	b.Publish(NewMessage("scanner", "scholar", KindRequest, "payload", "c1"))

	require.Equal(t, []string{"request:scanner"}, m.snapshot())
}

func TestPublishSkipsMetricsWhenUnset(t *testing.T) {
	b := New(nil)
	require.NotPanics(t, func() {
		b.Publish(NewMessage("scanner", "scholar", KindRequest, "payload", "c1"))
	})
}
