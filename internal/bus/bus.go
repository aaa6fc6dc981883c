// Package bus implements the synchronous, ordered publish/subscribe
// dispatcher over a cluster's Ledger. A single internal goroutine
// owns the delivery queue so that a subscriber publishing recursively
// enqueues work instead of growing the call stack.
package bus

import (
	"errors"
	"log"
	"sync"

	"github.com/loomwork/conclave/internal/ledger"
	"github.com/loomwork/conclave/internal/message"
)

// ErrStopping is returned by Publish once the Bus has begun draining
// for cluster shutdown.
var ErrStopping = errors.New("bus: cluster stopping")

// Replay controls whether a new subscriber is synchronously fed
// matching historical messages before live delivery begins.
type Replay int

const (
	ReplayNone Replay = iota
	ReplaySinceTimestamp
)

// SubscribeOptions configures a Subscribe call.
type SubscribeOptions struct {
	Replay Replay
	Since  int64
}

// Handler processes one delivered message. Handlers run cooperatively:
// a Handler may call Publish again, which enqueues rather than recurses.
type Handler func(m message.Message)

type subscription struct {
	token   int64
	topic   string
	handler Handler
	after   int64 // live dispatch skips ids <= after (already replayed)
}

// Bus dispatches newly-appended Ledger messages to subscribed handlers
// in registration order, preserving per-subscriber Ledger-id order.
type Bus struct {
	ledger *ledger.Ledger
	store  ledger.Store

	mu        sync.Mutex
	subs      []*subscription
	nextToken int64
	stopping  bool

	queue   chan message.Message
	closeCh chan struct{}
	killCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a Bus dispatching onto the given Ledger.
func New(l *ledger.Ledger) *Bus {
	b := &Bus{
		ledger:  l,
		queue:   make(chan message.Message, 256),
		closeCh: make(chan struct{}),
		killCh:  make(chan struct{}),
	}
	b.wg.Add(1)
	go b.loop()
	return b
}

// loop is the single goroutine that owns delivery order. Every publish
// lands here first; a Handler calling Publish only enqueues — it never
// calls another Handler directly — so recursion depth never grows.
func (b *Bus) loop() {
	defer b.wg.Done()
	for {
		select {
		case m := <-b.queue:
			b.dispatch(m)
		case <-b.closeCh:
			// Drain whatever is already queued, then exit.
			for {
				select {
				case m := <-b.queue:
					b.dispatch(m)
				default:
					return
				}
			}
		case <-b.killCh:
			return
		}
	}
}

func (b *Bus) dispatch(m message.Message) {
	b.mu.Lock()
	subs := make([]*subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, s := range subs {
		if s.topic == m.Topic && m.ID > s.after {
			s.handler(m)
		}
	}
}

// Publish appends m to the Ledger, then enqueues it for dispatch to
// every subscriber whose topic matches, in registration order. Returns
// once the message is durably queued (not once delivery completes) —
// delivery order is guaranteed, but Publish does not block on handlers,
// which is what lets a handler publish from within its own dispatch.
func (b *Bus) Publish(m message.Message) (message.Message, error) {
	b.mu.Lock()
	stopping := b.stopping
	b.mu.Unlock()
	if stopping {
		return message.Message{}, ErrStopping
	}

	appended, err := b.ledger.Append(m)
	if err != nil {
		if errors.Is(err, ledger.ErrClosed) {
			return message.Message{}, ErrStopping
		}
		return message.Message{}, err
	}

	if b.store != nil {
		if err := b.store.Append(appended); err != nil {
			log.Printf("[bus] persisting message id=%d topic=%s: %v", appended.ID, appended.Topic, err)
		}
	}

	select {
	case b.queue <- appended:
	case <-b.closeCh:
		return appended, ErrStopping
	}
	return appended, nil
}

// AttachStore wires a persistence backend: every message the Ledger
// accepts from here on is also appended to store, in the same order.
// Must be called before the
// cluster's first Publish; not safe to change concurrently with it.
func (b *Bus) AttachStore(store ledger.Store) {
	b.store = store
}

// Subscribe registers handler for topic. When opts.Replay is
// ReplaySinceTimestamp, every historical message on topic with
// Timestamp >= opts.Since is delivered synchronously, in order, before
// Subscribe returns — and before any future live delivery reaches the
// handler — so replay and live delivery never interleave out of order.
func (b *Bus) Subscribe(topic string, handler Handler, opts SubscribeOptions) int64 {
	b.mu.Lock()
	b.nextToken++
	token := b.nextToken
	sub := &subscription{token: token, topic: topic, handler: handler}

	if opts.Replay == ReplaySinceTimestamp {
		// Replay happens while still holding mu so no live dispatch
		// (which only reads a post-registration snapshot of b.subs)
		// can race ahead of it: we register only once replay has run.
		// Replay covers ids up to the Ledger's current last id; live
		// dispatch skips those ids for this subscriber, so a message
		// appended before Subscribe but still queued is not delivered
		// a second time.
		sub.after = b.ledger.LastID()
		for _, m := range b.ledger.Query(ledger.Query{Topic: topic, Since: opts.Since}) {
			if m.ID <= sub.after {
				handler(m)
			}
		}
	}
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	return token
}

// Unsubscribe removes a handler registered via Subscribe. Idempotent.
func (b *Bus) Unsubscribe(token int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.token == token {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Stop drains the current dispatch queue then refuses new publishes
// with ErrStopping, and closes the Ledger so further Append calls also
// fail. Stop blocks until the drain completes.
func (b *Bus) Stop() {
	b.mu.Lock()
	if b.stopping {
		b.mu.Unlock()
		return
	}
	b.stopping = true
	b.mu.Unlock()

	close(b.closeCh)
	b.wg.Wait()
	b.ledger.Close()
}

// Kill stops the Bus immediately, without draining whatever is still
// queued — used by a cluster kill, which discards rather than finishes
// in-flight delivery.
func (b *Bus) Kill() {
	b.mu.Lock()
	if b.stopping {
		b.mu.Unlock()
		return
	}
	b.stopping = true
	b.mu.Unlock()

	close(b.killCh)
	b.wg.Wait()
	b.ledger.Close()
}
