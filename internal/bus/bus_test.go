package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/loomwork/conclave/internal/ledger"
	"github.com/loomwork/conclave/internal/message"
)

func msg(topic string) message.Message {
	return message.Message{Topic: topic, Sender: "system", Content: message.Content{Text: message.Text("x")}}
}

func TestPublishDispatchesInRegistrationOrder(t *testing.T) {
	l := ledger.New()
	b := New(l)

	var mu sync.Mutex
	var order []string

	b.Subscribe("T", func(m message.Message) {
		mu.Lock()
		order = append(order, "first")
		mu.Unlock()
	}, SubscribeOptions{})
	b.Subscribe("T", func(m message.Message) {
		mu.Lock()
		order = append(order, "second")
		mu.Unlock()
	}, SubscribeOptions{})

	if _, err := b.Publish(msg("T")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return len(order) == 2 })

	mu.Lock()
	defer mu.Unlock()
	if order[0] != "first" || order[1] != "second" {
		t.Fatalf("unexpected order: %v", order)
	}
}

func TestRecursivePublishDoesNotDeadlockOrReorder(t *testing.T) {
	l := ledger.New()
	b := New(l)

	var mu sync.Mutex
	var seen []int64

	b.Subscribe("A", func(m message.Message) {
		mu.Lock()
		seen = append(seen, m.ID)
		mu.Unlock()
		if m.ID == 1 {
			b.Publish(msg("A"))
		}
	}, SubscribeOptions{})

	b.Publish(msg("A"))

	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return len(seen) == 2 })

	mu.Lock()
	defer mu.Unlock()
	if seen[0] != 1 || seen[1] != 2 {
		t.Fatalf("expected fifo ids [1 2], got %v", seen)
	}
}

func TestSubscribeReplayDeliversHistoryThenLive(t *testing.T) {
	l := ledger.New()
	b := New(l)

	b.Publish(msg("A"))
	b.Publish(msg("A"))

	var mu sync.Mutex
	var received []int64
	b.Subscribe("A", func(m message.Message) {
		mu.Lock()
		received = append(received, m.ID)
		mu.Unlock()
	}, SubscribeOptions{Replay: ReplaySinceTimestamp, Since: 0})

	b.Publish(msg("A"))

	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return len(received) == 3 })

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(received); i++ {
		if received[i] <= received[i-1] {
			t.Fatalf("expected strictly increasing ids, got %v", received)
		}
	}
}

func TestUnsubscribeIsIdempotentAndStopsDelivery(t *testing.T) {
	l := ledger.New()
	b := New(l)

	var mu sync.Mutex
	count := 0
	token := b.Subscribe("A", func(m message.Message) {
		mu.Lock()
		count++
		mu.Unlock()
	}, SubscribeOptions{})

	b.Publish(msg("A"))
	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return count == 1 })

	b.Unsubscribe(token)
	b.Unsubscribe(token) // idempotent

	b.Publish(msg("A"))
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("expected delivery to stop after unsubscribe, count=%d", count)
	}
}

func TestStopRefusesNewPublishes(t *testing.T) {
	l := ledger.New()
	b := New(l)
	b.Publish(msg("A"))
	b.Stop()

	if _, err := b.Publish(msg("A")); err != ErrStopping {
		t.Fatalf("expected ErrStopping after Stop, got %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
