package broadcast

import (
	"context"
	"fmt"
	"log"
	"sync"

	nostrlib "fiatjaf.com/nostr"
)

// RelayPool manages connections to the relays a cluster's lifecycle
// events are mirrored to. The broadcaster only ever writes, so there
// is no read-relay or subscribe path.
type RelayPool struct {
	mu     sync.RWMutex
	urls   []string
	relays []*nostrlib.Relay
	closed bool
}

// NewRelayPool connects to every configured write relay. A relay that
// fails to connect is logged and skipped; Publish still succeeds as
// long as at least one relay is reachable.
func NewRelayPool(ctx context.Context, urls []string) (*RelayPool, error) {
	p := &RelayPool{urls: urls}
	for _, url := range urls {
		relay, err := nostrlib.RelayConnect(ctx, url, nostrlib.RelayOptions{})
		if err != nil {
			log.Printf("[broadcast] warning: failed to connect to relay %s: %v", url, err)
			continue
		}
		p.relays = append(p.relays, relay)
	}
	return p, nil
}

// Publish broadcasts event to every connected relay. It fails only if
// every relay rejects the event.
func (p *RelayPool) Publish(ctx context.Context, event nostrlib.Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return fmt.Errorf("relay pool is closed")
	}
	if len(p.relays) == 0 {
		return fmt.Errorf("no relays connected")
	}

	var lastErr error
	successes := 0
	for _, relay := range p.relays {
		if err := relay.Publish(ctx, event); err != nil {
			lastErr = err
			log.Printf("[broadcast] publish to %s failed: %v", relay.URL, err)
			continue
		}
		successes++
	}
	if successes == 0 {
		return fmt.Errorf("all relays failed, last error: %w", lastErr)
	}
	return nil
}

// ConnectedRelays reports how many relays are currently connected.
func (p *RelayPool) ConnectedRelays() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	count := 0
	for _, relay := range p.relays {
		if relay.IsConnected() {
			count++
		}
	}
	return count
}

// Close disconnects from every relay.
func (p *RelayPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for _, relay := range p.relays {
		relay.Close()
	}
	p.relays = nil
}
